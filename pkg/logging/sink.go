package logging

// Sink consumes lifecycle events. Implementations must be safe for
// concurrent use; vCPU goroutines and the embedder both emit.
type Sink interface {
	// Write persists or forwards one event. The event is shared and must
	// not be modified.
	Write(event *Event) error

	// Close flushes buffered data and releases resources.
	Close() error
}
