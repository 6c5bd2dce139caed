// Package errx provides small helpers for pairing package sentinel errors
// with their underlying cause.
package errx

import "fmt"

// Wrap attaches a cause to a sentinel error. Callers can still match the
// sentinel with errors.Is and reach the cause with errors.Unwrap.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With appends formatted context to a sentinel error. The format string may
// itself carry %w to chain a cause.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
