package vmm

import "github.com/SuchAFuriousDeath/obliteration/pkg/hv"

// Event is a notification from a running VM. It is a closed set; handlers
// switch over the concrete types. Events for one Vmm are delivered by a
// single goroutine, in order, and are never dropped. At most one terminal
// event (Error or Exiting) is delivered per Vmm.
type Event interface {
	event()
}

// EventError reports a fatal runtime fault. Terminal: the guest is gone
// and the handle must be Closed, never reused.
type EventError struct {
	Err error
}

// EventExiting reports guest termination. Success distinguishes a clean
// guest shutdown from a guest-reported failure. Terminal.
type EventExiting struct {
	Success bool
}

// EventLog carries one guest console message. Advisory.
type EventLog struct {
	Type    LogType
	Message string
}

// EventBreakpoint reports that a vCPU stopped for the debugger. The guest
// stays paused until the embedder resolves the stop with DispatchDebug.
type EventBreakpoint struct {
	Stop *KernelStop
}

func (EventError) event()      {}
func (EventExiting) event()    {}
func (EventLog) event()        {}
func (EventBreakpoint) event() {}

// Handler receives events. It runs on the Vmm's delivery goroutine and
// must not call back into the Vmm.
type Handler func(Event)

// LogType classifies guest console output.
type LogType uint8

const (
	LogInfo LogType = iota
	LogWarn
	LogError
)

func (t LogType) String() string {
	switch t {
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "info"
	}
}

// KernelStop identifies one stopped vCPU awaiting a debugger round-trip.
// It is opaque to the embedder: received in an EventBreakpoint and handed
// back, unchanged, to DispatchDebug. Exactly one dispatch resolves each
// stop before the vCPU may resume.
type KernelStop struct {
	cpu    int
	reason hv.StopReason
}

// Cpu returns the stopped vCPU id.
func (s *KernelStop) Cpu() int { return s.cpu }

// Reason returns why the vCPU stopped. StopNone marks the initial stop of
// a VM started with a debugger attached.
func (s *KernelStop) Reason() hv.StopReason { return s.reason }
