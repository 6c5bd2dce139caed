package logging

import (
	"encoding/json"
	"time"
)

// Event is the structured record written for every notable moment in a
// virtual machine's life. Required fields: Timestamp, VMID, EventType,
// Summary. Optional fields use omitempty tags.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	VMID      string          `json:"vm_id"`
	Profile   string          `json:"profile,omitempty"`
	EventType string          `json:"event_type"`
	Summary   string          `json:"summary"`
	Tags      []string        `json:"tags,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event type constants.
const (
	EventVMStart     = "vm_start"
	EventVMExit      = "vm_exit"
	EventGuestLog    = "guest_log"
	EventBreakpoint  = "breakpoint"
	EventDebugAttach = "debug_attach"
	EventDebugDetach = "debug_detach"
	EventKernelFetch = "kernel_fetch"
)

// VMStartData is the data payload for vm_start events.
type VMStartData struct {
	Kernel    string `json:"kernel"`
	Cpus      uint8  `json:"cpus"`
	RamSize   uint64 `json:"ram_size"`
	DebugAddr string `json:"debug_addr,omitempty"`
}

// VMExitData is the data payload for vm_exit events.
type VMExitData struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// GuestLogData is the data payload for guest_log events.
type GuestLogData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// BreakpointData is the data payload for breakpoint events.
type BreakpointData struct {
	Cpu    int    `json:"cpu"`
	Reason string `json:"reason"`
	Rip    uint64 `json:"rip,omitempty"`
}

// DebugSessionData is the data payload for debug_attach and
// debug_detach events.
type DebugSessionData struct {
	Addr string `json:"addr,omitempty"`
}

// KernelFetchData is the data payload for kernel_fetch events.
type KernelFetchData struct {
	Version string `json:"version"`
	Path    string `json:"path"`
	Cached  bool   `json:"cached"`
}
