// Package vmm is the virtual-machine monitor core: it boots a guest
// kernel on a hypervisor backend, pumps guest events to the embedder,
// renders the guest framebuffer on demand and serves an attached GDB
// remote debugger.
package vmm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
	"github.com/SuchAFuriousDeath/obliteration/pkg/gdb"
	"github.com/SuchAFuriousDeath/obliteration/pkg/hv"
	"github.com/SuchAFuriousDeath/obliteration/pkg/kernel"
	"github.com/SuchAFuriousDeath/obliteration/pkg/logging"
	"github.com/SuchAFuriousDeath/obliteration/pkg/profile"
	"github.com/SuchAFuriousDeath/obliteration/pkg/screen"
	"github.com/SuchAFuriousDeath/obliteration/pkg/state"
)

// Guest physical address the kernel image is loaded at.
const kernelBase uint64 = 0

const defaultRamSize uint64 = 1 << 30

// Config describes the VM to start. Profile and Screen are borrowed for
// the life of the Vmm; Debugger ownership moves into the Vmm.
type Config struct {
	KernelPath string
	Profile    *profile.Profile
	Screen     *screen.Surface
	Handler    Handler

	// Debugger, when set, attaches a connected debugger before the first
	// guest instruction runs: the vCPU starts stopped and an initial
	// Breakpoint event is delivered.
	Debugger *gdb.Client

	// Backend overrides backend selection; nil picks the sole registered
	// backend.
	Backend hv.Backend

	Cpus    int    // default 1
	RamSize uint64 // default 1 GiB

	// Optional observability. Nil disables either.
	Emitter  *logging.Emitter
	Registry *state.Store

	// ID identifies the run in the registry and logs; generated when
	// empty.
	ID string
}

// Vmm is a live virtual machine. Methods other than the event handler
// callback must be called from the embedder's goroutine.
type Vmm struct {
	id       string
	machine  hv.Machine
	ram      hv.Ram
	pageSize uint64
	surface  *screen.Surface
	handler  Handler

	emitter  *logging.Emitter
	registry *state.Store

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	events       chan Event
	done         chan struct{}
	deliveryDone chan struct{}

	shutdown  atomic.Bool
	terminal  sync.Once
	closeOnce sync.Once
	closeErr  error

	console console

	// Debugger state. The debugger handle and breakpoint table are only
	// touched from the embedder's goroutine; vCPU goroutines see the
	// debugger solely through their request channels.
	debugger     *gdb.Client
	dispatchMu   sync.Mutex
	attached     atomic.Bool
	debugAtStart bool
	stopSlot     chan struct{}
	pendingStop  atomic.Pointer[KernelStop]
	dbgReqs      []chan dbgReq
	swBreaks     map[uint64]swBreak
}

// Start validates the configuration, creates the machine, loads the
// kernel into guest RAM and spawns the vCPUs. It returns a live handle or
// an error, never both.
func Start(cfg Config) (*Vmm, error) {
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	if cfg.Profile == nil {
		return nil, ErrNoProfile
	}
	if cfg.Screen == nil {
		return nil, ErrNoScreen
	}
	if err := cfg.Screen.Validate(); err != nil {
		return nil, errx.Wrap(ErrScreen, err)
	}

	res := cfg.Profile.DisplayResolution()
	if w, h := cfg.Screen.Width, cfg.Screen.Height; w != 0 || h != 0 {
		if w != res.Width() || h != res.Height() {
			return nil, errx.With(ErrResolution,
				": profile %s, surface %dx%d", res, w, h)
		}
	}

	img, err := kernel.Open(cfg.KernelPath)
	if err != nil {
		return nil, errx.Wrap(ErrKernel, err)
	}
	defer img.Close()

	backend := cfg.Backend
	if backend == nil {
		backend, err = hv.Default()
		if err != nil {
			return nil, errx.Wrap(ErrBackend, err)
		}
	}

	cpus := cfg.Cpus
	if cpus <= 0 {
		cpus = 1
	}
	ramSize := cfg.RamSize
	if ramSize == 0 {
		ramSize = defaultRamSize
	}
	if ramSize < kernelBase+img.MemorySize() {
		return nil, errx.With(ErrRamTooSmall, ": have %#x, kernel needs %#x", ramSize, kernelBase+img.MemorySize())
	}

	ctx, cancel := context.WithCancel(context.Background())

	machine, err := backend.Create(ctx, &hv.Config{
		Cpus:          cpus,
		RamSize:       ramSize,
		BlockSize:     img.PageSize(),
		DisplayWidth:  res.Width(),
		DisplayHeight: res.Height(),
		KernelArgs:    cfg.Profile.KernelArgs(),
		Debug:         cfg.Debugger != nil,
	})
	if err != nil {
		cancel()
		return nil, errx.Wrap(ErrCreateMachine, err)
	}

	if err := img.LoadInto(machine.Ram(), kernelBase); err != nil {
		machine.Close()
		cancel()
		return nil, errx.Wrap(ErrLoadKernel, err)
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	v := &Vmm{
		id:           id,
		machine:      machine,
		ram:          machine.Ram(),
		pageSize:     img.PageSize(),
		surface:      cfg.Screen,
		handler:      cfg.Handler,
		emitter:      cfg.Emitter,
		registry:     cfg.Registry,
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan Event, 100),
		done:         make(chan struct{}),
		deliveryDone: make(chan struct{}),
		debugger:     cfg.Debugger,
		debugAtStart: cfg.Debugger != nil,
		stopSlot:     make(chan struct{}, 1),
		dbgReqs:      make([]chan dbgReq, cpus),
		swBreaks:     make(map[uint64]swBreak),
	}
	for i := range v.dbgReqs {
		v.dbgReqs[i] = make(chan dbgReq)
	}
	v.attached.Store(cfg.Debugger != nil)

	// Registry writes are best-effort; a failed row never blocks boot
	// or teardown.
	if v.registry != nil {
		_ = v.registry.Register(state.Run{
			ID:        id,
			ProfileID: cfg.Profile.ID(),
			Profile:   cfg.Profile.Name(),
			Kernel:    cfg.KernelPath,
			DebugAddr: cfg.Profile.DebugAddr(),
		})
	}
	if v.emitter != nil {
		_ = v.emitter.Emit(logging.EventVMStart, "booting kernel", nil, &logging.VMStartData{
			Kernel:    cfg.KernelPath,
			Cpus:      uint8(cpus),
			RamSize:   ramSize,
			DebugAddr: cfg.Profile.DebugAddr(),
		})
	}

	go v.deliver()

	v.group, _ = errgroup.WithContext(ctx)
	for i := 0; i < cpus; i++ {
		id := i
		v.group.Go(func() error {
			v.runCpu(id)
			return nil
		})
	}
	go v.monitor()

	return v, nil
}

// deliver invokes the handler for every event, one at a time, in order.
func (v *Vmm) deliver() {
	defer close(v.deliveryDone)
	for ev := range v.events {
		v.handler(ev)
	}
}

// monitor waits for all vCPUs, guarantees a terminal event and closes the
// event stream. After done is closed no goroutine sends on events.
func (v *Vmm) monitor() {
	_ = v.group.Wait()
	v.exiting(true)
	close(v.events)
	close(v.done)
}

// runCpu is the per-vCPU loop: create the vCPU on its own goroutine, run
// it and handle exits until shutdown or a fault.
func (v *Vmm) runCpu(id int) {
	cpu, err := v.machine.CreateCpu(id)
	if err != nil {
		v.fatal(errx.Wrap(ErrCreateCpu, err))
		return
	}
	defer cpu.Close()

	if id == 0 && v.debugAtStart {
		v.debugStopped(cpu, id, hv.StopNone)
	}

	for {
		if v.shutdown.Load() {
			return
		}

		exit, err := cpu.Run(v.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			v.fatal(errx.Wrap(ErrCpuFault, err))
			return
		}

		switch e := exit.(type) {
		case hv.ExitHalt:
			v.exiting(true)
			return
		case hv.ExitMmio:
			if err := v.handleMmio(e); err != nil {
				v.fatal(err)
				return
			}
		case hv.ExitDebug:
			v.debugStopped(cpu, id, e.Reason)
		default:
			v.fatal(errx.With(ErrCpuFault, ": unhandled exit %T", exit))
			return
		}
	}
}

func (v *Vmm) emit(ev Event) {
	v.events <- ev
}

// exiting records guest termination once. Subsequent terminal causes are
// ignored.
func (v *Vmm) exiting(success bool) {
	v.terminal.Do(func() {
		v.recordExit(success, "")
		v.emit(EventExiting{Success: success})
	})
	v.shutdown.Store(true)
	v.cancel()
}

// fatal records a fatal runtime fault once and tears the guest down.
func (v *Vmm) fatal(err error) {
	v.terminal.Do(func() {
		v.recordExit(false, err.Error())
		v.emit(EventError{Err: err})
	})
	v.shutdown.Store(true)
	v.cancel()
}

func (v *Vmm) recordExit(success bool, reason string) {
	if v.registry != nil {
		_ = v.registry.MarkExited(v.id, success, reason)
	}
	if v.emitter != nil {
		_ = v.emitter.Emit(logging.EventVMExit, "guest terminated", nil, &logging.VMExitData{
			Success: success,
			Reason:  reason,
		})
	}
}

// ID returns the run id.
func (v *Vmm) ID() string { return v.id }

// Draw presents one frame of the guest framebuffer into the bound
// surface. Only valid from the thread owning graphics-API access.
func (v *Vmm) Draw() error {
	if v.surface.Headless() {
		return errx.With(ErrDraw, ": headless surface")
	}
	if err := v.machine.Draw(v.surface); err != nil {
		return errx.Wrap(ErrDraw, err)
	}
	return nil
}

// Shutdown requests cooperative guest termination. Idempotent and
// non-blocking; termination is observable through the terminal event.
func (v *Vmm) Shutdown() {
	v.shutdown.Store(true)
	v.cancel()
}

// ShuttingDown reports whether termination has been requested or has
// begun.
func (v *Vmm) ShuttingDown() bool {
	return v.shutdown.Load()
}

// Close releases machine resources. Callers must first observe the
// terminal event. Idempotent.
func (v *Vmm) Close() error {
	v.closeOnce.Do(func() {
		v.shutdown.Store(true)
		v.cancel()
		<-v.done
		<-v.deliveryDone
		if v.debugger != nil {
			_ = v.debugger.Close()
			v.debugger = nil
		}
		v.closeErr = v.machine.Close()
	})
	return v.closeErr
}
