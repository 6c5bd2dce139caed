package vmm

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/SuchAFuriousDeath/obliteration/pkg/hv"
	"github.com/SuchAFuriousDeath/obliteration/pkg/hv/hvtest"
	"github.com/SuchAFuriousDeath/obliteration/pkg/logging"
	"github.com/SuchAFuriousDeath/obliteration/pkg/profile"
	"github.com/SuchAFuriousDeath/obliteration/pkg/screen"
	"github.com/SuchAFuriousDeath/obliteration/pkg/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeKernel builds a minimal valid kernel ELF: two loads, one dynamic,
// one note segment carrying the page-size vendor note.
func writeKernel(t *testing.T) string {
	t.Helper()

	buf := make([]byte, 0x300)
	le := binary.LittleEndian

	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	le.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], 0x1000) // entry
	le.PutUint64(buf[32:], 64)     // e_phoff
	le.PutUint16(buf[52:], 64)     // e_ehsize
	le.PutUint16(buf[54:], 56)     // e_phentsize
	le.PutUint16(buf[56:], 4)

	phdrs := []struct {
		ptype  elf.ProgType
		off    uint64
		vaddr  uint64
		filesz uint64
		memsz  uint64
	}{
		{elf.PT_LOAD, 0, 0, 0x200, 0x300},
		{elf.PT_LOAD, 0x200, 0x1000, 0x40, 0x40},
		{elf.PT_DYNAMIC, 0x200, 0x1000, 0x40, 0x40},
		{elf.PT_NOTE, 0x280, 0, 28, 28},
	}
	for i, p := range phdrs {
		off := 64 + i*56
		le.PutUint32(buf[off:], uint32(p.ptype))
		le.PutUint64(buf[off+8:], p.off)
		le.PutUint64(buf[off+16:], p.vaddr)
		le.PutUint64(buf[off+24:], p.vaddr)
		le.PutUint64(buf[off+32:], p.filesz)
		le.PutUint64(buf[off+40:], p.memsz)
		le.PutUint64(buf[off+48:], 0x1000)
	}

	// "obkrnl" page-size note, type 0, 8-byte descriptor.
	note := buf[0x280:]
	le.PutUint32(note, 7)
	le.PutUint32(note[4:], 8)
	le.PutUint32(note[8:], 0)
	copy(note[12:], "obkrnl\x00")
	le.PutUint64(note[20:], 0x1000)

	path := filepath.Join(t.TempDir(), "obkrnl")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

type testVM struct {
	vmm     *Vmm
	backend *hvtest.Backend
	machine *hvtest.Machine
	events  chan Event
}

func startVM(t *testing.T, mod func(*Config)) *testVM {
	t.Helper()

	backend := hvtest.NewBackend()
	events := make(chan Event, 100)
	cfg := Config{
		KernelPath: writeKernel(t),
		Profile:    profile.New("test"),
		Screen:     screen.NewVulkan(1, 2, 3),
		Handler:    func(ev Event) { events <- ev },
		Backend:    backend,
		RamSize:    1 << 20,
	}
	if mod != nil {
		mod(&cfg)
	}

	v, err := Start(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	return &testVM{
		vmm:     v,
		backend: backend,
		machine: backend.LastMachine(),
		events:  events,
	}
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func le64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func TestStartValidation(t *testing.T) {
	kernel := writeKernel(t)
	valid := func() Config {
		return Config{
			KernelPath: kernel,
			Profile:    profile.New("test"),
			Screen:     screen.NewVulkan(1, 2, 3),
			Handler:    func(Event) {},
			Backend:    hvtest.NewBackend(),
			RamSize:    1 << 20,
		}
	}

	tests := []struct {
		name string
		mod  func(*Config)
		want error
	}{
		{"no handler", func(c *Config) { c.Handler = nil }, ErrNoHandler},
		{"no profile", func(c *Config) { c.Profile = nil }, ErrNoProfile},
		{"no screen", func(c *Config) { c.Screen = nil }, ErrNoScreen},
		{"invalid screen", func(c *Config) { c.Screen = screen.NewVulkan(0, 0, 0) }, ErrScreen},
		{"bad kernel", func(c *Config) { c.KernelPath = filepath.Join(t.TempDir(), "nope") }, ErrKernel},
		{"ram too small", func(c *Config) { c.RamSize = 0x100 }, ErrRamTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mod(&cfg)
			_, err := Start(cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStartAppliesProfile(t *testing.T) {
	prof := profile.New("test")
	prof.SetDisplayResolution(profile.FullHd)
	require.NoError(t, prof.SetKernelArgs("loglevel=debug nosmp"))

	surf := screen.NewVulkan(1, 2, 3)
	surf.Width, surf.Height = 1920, 1080

	vm := startVM(t, func(c *Config) {
		c.Profile = prof
		c.Screen = surf
	})

	cfg := vm.machine.Config()
	assert.Equal(t, 1920, cfg.DisplayWidth)
	assert.Equal(t, 1080, cfg.DisplayHeight)
	assert.Equal(t, []string{"loglevel=debug", "nosmp"}, cfg.KernelArgs)
	assert.Equal(t, uint64(0x1000), cfg.BlockSize)

	vm.vmm.Shutdown()
	waitEvent(t, vm.events)
}

func TestStartResolutionMismatch(t *testing.T) {
	prof := profile.New("test")
	prof.SetDisplayResolution(profile.FullHd)

	surf := screen.NewVulkan(1, 2, 3)
	surf.Width, surf.Height = 1280, 720

	_, err := Start(Config{
		KernelPath: writeKernel(t),
		Profile:    prof,
		Screen:     surf,
		Handler:    func(Event) {},
		Backend:    hvtest.NewBackend(),
		RamSize:    1 << 20,
	})
	require.ErrorIs(t, err, ErrResolution)
}

func TestStartMachineFailure(t *testing.T) {
	backend := hvtest.NewBackend()
	backend.CreateErr = errors.New("kvm unavailable")

	_, err := Start(Config{
		KernelPath: writeKernel(t),
		Profile:    profile.New("test"),
		Screen:     screen.NewVulkan(1, 2, 3),
		Handler:    func(Event) {},
		Backend:    backend,
		RamSize:    1 << 20,
	})
	require.ErrorIs(t, err, ErrCreateMachine)
}

func TestStartLoadsKernel(t *testing.T) {
	vm := startVM(t, nil)

	// The ELF header lands at guest physical zero.
	var magic [4]byte
	_, err := vm.machine.Ram().ReadAt(magic[:], 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7f, 'E', 'L', 'F'}, magic[:])

	vm.vmm.Shutdown()
	waitEvent(t, vm.events)
}

func TestGuestHalt(t *testing.T) {
	vm := startVM(t, nil)
	vm.machine.Cpu(0).Queue(hv.ExitHalt{})

	ev := waitEvent(t, vm.events)
	exiting, ok := ev.(EventExiting)
	require.True(t, ok, "expected EventExiting, got %T", ev)
	assert.True(t, exiting.Success)

	require.NoError(t, vm.vmm.Close())
	assert.True(t, vm.machine.Closed())
	assert.True(t, vm.vmm.ShuttingDown())

	// Exactly one terminal event.
	assert.Empty(t, vm.events)
}

func TestGuestFault(t *testing.T) {
	vm := startVM(t, nil)
	vm.machine.Cpu(0).QueueErr(errors.New("vcpu internal error"))

	ev := waitEvent(t, vm.events)
	fault, ok := ev.(EventError)
	require.True(t, ok, "expected EventError, got %T", ev)
	assert.ErrorIs(t, fault.Err, ErrCpuFault)

	require.NoError(t, vm.vmm.Close())
	assert.Empty(t, vm.events, "a fatal error is the only terminal event")
}

func TestShutdown(t *testing.T) {
	vm := startVM(t, nil)

	assert.False(t, vm.vmm.ShuttingDown())
	vm.vmm.Shutdown()
	vm.vmm.Shutdown() // idempotent
	assert.True(t, vm.vmm.ShuttingDown())

	ev := waitEvent(t, vm.events)
	exiting, ok := ev.(EventExiting)
	require.True(t, ok, "expected EventExiting, got %T", ev)
	assert.True(t, exiting.Success)
}

func TestConsoleDevice(t *testing.T) {
	vm := startVM(t, nil)

	_, err := vm.machine.Ram().WriteAt([]byte("kernel panic imminent"), 0x500)
	require.NoError(t, err)

	cpu := vm.machine.Cpu(0)
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegMsgAddr, Data: le64(0x500), Write: true})
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegMsgLen, Data: le64(21), Write: true})
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegCommit, Data: le64(uint64(LogWarn)), Write: true})
	cpu.Queue(hv.ExitHalt{})

	ev := waitEvent(t, vm.events)
	log, ok := ev.(EventLog)
	require.True(t, ok, "expected EventLog, got %T", ev)
	assert.Equal(t, LogWarn, log.Type)
	assert.Equal(t, "kernel panic imminent", log.Message)

	ev = waitEvent(t, vm.events)
	_, ok = ev.(EventExiting)
	require.True(t, ok, "expected EventExiting after halt, got %T", ev)
}

func TestVmmDeviceShutdown(t *testing.T) {
	vm := startVM(t, nil)

	vm.machine.Cpu(0).Queue(hv.ExitMmio{Addr: VmmBase + vmmRegShutdown, Data: le64(0), Write: true})

	ev := waitEvent(t, vm.events)
	exiting, ok := ev.(EventExiting)
	require.True(t, ok, "expected EventExiting, got %T", ev)
	assert.False(t, exiting.Success, "guest reported failure")
}

func TestUnmappedMmio(t *testing.T) {
	vm := startVM(t, nil)

	vm.machine.Cpu(0).Queue(hv.ExitMmio{Addr: 0x2_0000_0000, Data: le64(1), Write: true})

	ev := waitEvent(t, vm.events)
	fault, ok := ev.(EventError)
	require.True(t, ok, "expected EventError, got %T", ev)
	assert.ErrorIs(t, fault.Err, ErrDevice)
}

func TestConsoleBadLogType(t *testing.T) {
	vm := startVM(t, nil)

	cpu := vm.machine.Cpu(0)
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegCommit, Data: le64(9), Write: true})

	ev := waitEvent(t, vm.events)
	fault, ok := ev.(EventError)
	require.True(t, ok, "expected EventError, got %T", ev)
	assert.ErrorIs(t, fault.Err, ErrDevice)
}

func TestDraw(t *testing.T) {
	vm := startVM(t, nil)

	require.NoError(t, vm.vmm.Draw())
	require.NoError(t, vm.vmm.Draw())
	assert.Equal(t, 2, vm.machine.DrawCount())

	vm.machine.DrawErr = errors.New("device lost")
	assert.ErrorIs(t, vm.vmm.Draw(), ErrDraw)

	vm.vmm.Shutdown()
	waitEvent(t, vm.events)
}

func TestEventOrdering(t *testing.T) {
	vm := startVM(t, nil)

	_, err := vm.machine.Ram().WriteAt([]byte("one"), 0x500)
	require.NoError(t, err)
	_, err = vm.machine.Ram().WriteAt([]byte("two"), 0x600)
	require.NoError(t, err)

	cpu := vm.machine.Cpu(0)
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegMsgAddr, Data: le64(0x500), Write: true})
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegMsgLen, Data: le64(3), Write: true})
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegCommit, Data: le64(uint64(LogInfo)), Write: true})
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegMsgAddr, Data: le64(0x600), Write: true})
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegCommit, Data: le64(uint64(LogError)), Write: true})
	cpu.Queue(hv.ExitHalt{})

	first := waitEvent(t, vm.events).(EventLog)
	second := waitEvent(t, vm.events).(EventLog)
	assert.Equal(t, "one", first.Message)
	assert.Equal(t, "two", second.Message)
	assert.Equal(t, LogError, second.Type)

	_, ok := waitEvent(t, vm.events).(EventExiting)
	require.True(t, ok)
}

type memorySink struct {
	mu     sync.Mutex
	events []*logging.Event
}

func (s *memorySink) Write(event *logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.EventType
	}
	return out
}

func TestRunRecorded(t *testing.T) {
	store, err := state.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	sink := &memorySink{}
	vm := startVM(t, func(c *Config) {
		c.ID = "run-1"
		c.Emitter = logging.NewEmitter(logging.EmitterConfig{VMID: "run-1", Profile: "test"}, sink)
		c.Registry = store
	})

	run, err := store.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, run.Status)
	assert.Equal(t, "test", run.Profile)

	_, err = vm.machine.Ram().WriteAt([]byte("hi"), 0x500)
	require.NoError(t, err)
	cpu := vm.machine.Cpu(0)
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegMsgAddr, Data: le64(0x500), Write: true})
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegMsgLen, Data: le64(2), Write: true})
	cpu.Queue(hv.ExitMmio{Addr: ConsoleBase + consoleRegCommit, Data: le64(uint64(LogInfo)), Write: true})
	cpu.Queue(hv.ExitHalt{})

	waitEvent(t, vm.events) // log
	waitEvent(t, vm.events) // exiting
	require.NoError(t, vm.vmm.Close())

	run, err = store.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusExited, run.Status)
	assert.True(t, run.Success)

	assert.Equal(t, []string{
		logging.EventVMStart,
		logging.EventGuestLog,
		logging.EventVMExit,
	}, sink.types())
}

func TestCloseIdempotent(t *testing.T) {
	vm := startVM(t, nil)
	vm.vmm.Shutdown()
	waitEvent(t, vm.events)

	require.NoError(t, vm.vmm.Close())
	require.NoError(t, vm.vmm.Close())
}
