package hv

// Exit is the reason a vCPU returned control to the host. It is a closed
// set; consumers switch over the concrete types exhaustively.
type Exit interface {
	exit()
}

// ExitHalt reports that the guest executed a halt instruction.
type ExitHalt struct{}

// ExitMmio reports a memory-mapped I/O access on a device address.
type ExitMmio struct {
	Addr  uint64
	Data  []byte
	Write bool
}

// ExitDebug reports a debug stop (breakpoint, single step).
type ExitDebug struct {
	Reason StopReason
}

func (ExitHalt) exit()  {}
func (ExitMmio) exit()  {}
func (ExitDebug) exit() {}

// StopReason describes why a vCPU stopped for the debugger.
type StopReason uint8

const (
	// StopNone is the initial stop before the first instruction when the
	// machine was created with debugging enabled.
	StopNone StopReason = iota
	StopSwBreak
	StopHwBreak
	StopSingleStep
)

func (r StopReason) String() string {
	switch r {
	case StopSwBreak:
		return "swbreak"
	case StopHwBreak:
		return "hwbreak"
	case StopSingleStep:
		return "step"
	default:
		return "none"
	}
}
