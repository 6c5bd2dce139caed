package logging

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
)

// JSONLWriter appends events to a file, one JSON object per line. Safe
// for concurrent use. The parent directory must already exist.
type JSONLWriter struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLWriter opens path for appending, creating it if needed.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errx.Wrap(ErrCreateLogFile, err)
	}
	return &JSONLWriter{file: f}, nil
}

// Write appends one event as a single line. The line is written with one
// syscall so concurrent writers never interleave.
func (w *JSONLWriter) Write(event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(line); err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	return nil
}

// Close syncs and closes the underlying file.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.file.Sync()
	if err := w.file.Close(); err != nil {
		return errx.Wrap(ErrCloseWriter, err)
	}
	return nil
}
