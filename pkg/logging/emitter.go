package logging

import (
	"encoding/json"
	"time"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
)

// EmitterConfig holds the metadata stamped onto every event a VM emits.
type EmitterConfig struct {
	VMID    string // run id assigned when the VM is created
	Profile string // name of the profile the VM boots with
}

// Emitter builds events from typed payloads and fans them out to its
// sinks. Emission is best-effort: callers discard the error when a lost
// event must not affect control flow. A nil *Emitter is a valid no-op
// for code that guards emission with a nil check.
type Emitter struct {
	config EmitterConfig
	sinks  []Sink
}

// NewEmitter creates an emitter writing to the given sinks.
func NewEmitter(cfg EmitterConfig, sinks ...Sink) *Emitter {
	return &Emitter{config: cfg, sinks: sinks}
}

// Emit stamps the emitter's metadata onto one event and writes it to
// every sink. eventType is one of the Event* constants, data the matching
// payload struct (nil for none). Returns the first error encountered.
func (e *Emitter) Emit(eventType, summary string, tags []string, data interface{}) error {
	var rawData json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		rawData = b
	}

	event := &Event{
		Timestamp: time.Now().UTC(),
		VMID:      e.config.VMID,
		Profile:   e.config.Profile,
		EventType: eventType,
		Summary:   summary,
		Tags:      tags,
		Data:      rawData,
	}

	for _, sink := range e.sinks {
		if err := sink.Write(event); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all sinks and returns the first error encountered.
func (e *Emitter) Close() error {
	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
