package vmm

import "errors"

var (
	ErrNoHandler      = errors.New("vmm: no event handler")
	ErrNoProfile      = errors.New("vmm: no profile")
	ErrNoScreen       = errors.New("vmm: no screen surface")
	ErrScreen         = errors.New("vmm: invalid screen surface")
	ErrResolution     = errors.New("vmm: display resolution does not fit the screen surface")
	ErrKernel         = errors.New("vmm: open kernel")
	ErrBackend        = errors.New("vmm: select backend")
	ErrCreateMachine  = errors.New("vmm: create machine")
	ErrCreateCpu      = errors.New("vmm: create vcpu")
	ErrLoadKernel     = errors.New("vmm: load kernel into guest ram")
	ErrRamTooSmall    = errors.New("vmm: guest ram too small for kernel")
	ErrDraw           = errors.New("vmm: draw frame")
	ErrCpuFault       = errors.New("vmm: vcpu fault")
	ErrDevice         = errors.New("vmm: mmio device fault")
	ErrNoDebugger     = errors.New("vmm: no debugger attached")
	ErrDispatchActive = errors.New("vmm: debug dispatch already in progress")
	ErrStaleStop      = errors.New("vmm: stop token does not match the pending stop")
	ErrDebugIO        = errors.New("vmm: debugger channel")
)
