// Package hv abstracts the hardware-virtualization layer the VMM core
// drives. Backend internals (KVM, Hypervisor.framework, WHP) live behind
// the Backend and Machine interfaces; the core only consumes vCPU exits.
package hv

import (
	"context"
	"io"

	"github.com/SuchAFuriousDeath/obliteration/pkg/screen"
)

// Config describes the machine to create.
type Config struct {
	Cpus      int
	RamSize   uint64
	BlockSize uint64

	// DisplayWidth and DisplayHeight size the guest framebuffer in
	// pixels.
	DisplayWidth  int
	DisplayHeight int

	// KernelArgs is the guest kernel command line.
	KernelArgs []string

	// Debug enables guest debugging support (breakpoint exits).
	Debug bool
}

// Backend creates virtual machines on one virtualization technology.
type Backend interface {
	Name() string
	Create(ctx context.Context, config *Config) (Machine, error)
}

// Machine is a created virtual machine. The caller owns it and must Close
// it after all CPUs have stopped.
type Machine interface {
	CreateCpu(id int) (Cpu, error)
	Ram() Ram
	// Draw presents one frame of the guest framebuffer into the surface.
	// Must be called from the thread owning graphics-API access.
	Draw(surface *screen.Surface) error
	Close() error
}

// Ram is the guest physical memory.
type Ram interface {
	io.ReaderAt
	io.WriterAt
	Size() uint64
}

// Cpu drives a single vCPU. Run blocks until the guest exits to the host;
// cancelling the context aborts the run with the context error.
type Cpu interface {
	Run(ctx context.Context) (Exit, error)
	Regs() (*Regs, error)
	SetRegs(regs *Regs) error
	// Translate resolves a guest virtual address to a physical one using
	// the vCPU's current paging state.
	Translate(vaddr uint64) (uint64, error)
	SetSingleStep(enabled bool) error
	Close() error
}

// Regs is the general-purpose register file in GDB x86-64 order:
// rax, rbx, rcx, rdx, rsi, rdi, rbp, rsp, r8-r15.
type Regs struct {
	Gpr    [16]uint64
	Rip    uint64
	Eflags uint32
}
