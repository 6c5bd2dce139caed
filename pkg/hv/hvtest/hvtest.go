// Package hvtest provides a scripted in-process hv backend for tests.
// Tests queue vCPU exits; Run blocks until the next queued exit or context
// cancellation, so scenarios are driven deterministically from the outside.
package hvtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/SuchAFuriousDeath/obliteration/pkg/hv"
	"github.com/SuchAFuriousDeath/obliteration/pkg/screen"
)

// Backend implements hv.Backend, recording every machine it creates.
type Backend struct {
	mu        sync.Mutex
	machines  []*Machine
	CreateErr error
}

func NewBackend() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return "hvtest" }

func (b *Backend) Create(_ context.Context, config *hv.Config) (hv.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CreateErr != nil {
		return nil, b.CreateErr
	}
	m := NewMachine(config.RamSize)
	m.config = *config
	b.machines = append(b.machines, m)
	return m, nil
}

// LastMachine returns the most recently created machine, nil if none.
func (b *Backend) LastMachine() *Machine {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.machines) == 0 {
		return nil
	}
	return b.machines[len(b.machines)-1]
}

// Machine is a scripted hv.Machine.
type Machine struct {
	mu     sync.Mutex
	ram    *Ram
	cpus   map[int]*Cpu
	config hv.Config
	closed bool

	DrawErr   error
	drawCount atomic.Int32
}

// Config returns the configuration the machine was created with.
func (m *Machine) Config() hv.Config {
	return m.config
}

func NewMachine(ramSize uint64) *Machine {
	if ramSize == 0 {
		ramSize = 1 << 20
	}
	return &Machine{
		ram:  &Ram{data: make([]byte, ramSize)},
		cpus: make(map[int]*Cpu),
	}
}

// Cpu returns the scripted state for a vCPU id, creating it on demand so
// tests can queue exits before the VMM spawns the CPU.
func (m *Machine) Cpu(id int) *Cpu {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cpus[id]
	if !ok {
		c = &Cpu{id: id, steps: make(chan step, 64)}
		m.cpus[id] = c
	}
	return c
}

func (m *Machine) CreateCpu(id int) (hv.Cpu, error) {
	return m.Cpu(id), nil
}

func (m *Machine) Ram() hv.Ram { return m.ram }

func (m *Machine) Draw(surface *screen.Surface) error {
	if err := surface.Validate(); err != nil {
		return err
	}
	if m.DrawErr != nil {
		return m.DrawErr
	}
	m.drawCount.Add(1)
	return nil
}

func (m *Machine) DrawCount() int {
	return int(m.drawCount.Load())
}

func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Machine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type step struct {
	exit hv.Exit
	err  error
}

// Cpu is a scripted hv.Cpu.
type Cpu struct {
	id    int
	steps chan step

	// TranslateFn overrides address translation; nil is the identity
	// mapping. Set it before the VM starts.
	TranslateFn func(vaddr uint64) (uint64, error)

	mu         sync.Mutex
	regs       hv.Regs
	singleStep bool
}

// Queue appends an exit for the next Run call to return.
func (c *Cpu) Queue(exit hv.Exit) {
	c.steps <- step{exit: exit}
}

// QueueErr makes the next Run call fail, simulating a guest fault in the
// virtualization layer.
func (c *Cpu) QueueErr(err error) {
	c.steps <- step{err: err}
}

func (c *Cpu) Run(ctx context.Context) (hv.Exit, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s := <-c.steps:
		if s.err != nil {
			return nil, s.err
		}
		return s.exit, nil
	}
}

func (c *Cpu) Regs() (*hv.Regs, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	regs := c.regs
	return &regs, nil
}

func (c *Cpu) SetRegs(regs *hv.Regs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = *regs
	return nil
}

// Translate applies TranslateFn, or the identity mapping when unset.
func (c *Cpu) Translate(vaddr uint64) (uint64, error) {
	if c.TranslateFn != nil {
		return c.TranslateFn(vaddr)
	}
	return vaddr, nil
}

func (c *Cpu) SetSingleStep(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.singleStep = enabled
	return nil
}

// SingleStep reports whether single stepping is currently armed.
func (c *Cpu) SingleStep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.singleStep
}

func (c *Cpu) Close() error { return nil }

// Ram is guest memory over a plain byte slice.
type Ram struct {
	data []byte
}

var errRamBounds = errors.New("hvtest: ram access out of bounds")

func (r *Ram) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, fmt.Errorf("%w: read at %#x", errRamBounds, off)
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *Ram) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(r.data)) {
		return 0, fmt.Errorf("%w: write at %#x", errRamBounds, off)
	}
	return copy(r.data[off:], p), nil
}

func (r *Ram) Size() uint64 {
	return uint64(len(r.data))
}
