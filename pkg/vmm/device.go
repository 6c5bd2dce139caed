package vmm

import (
	"encoding/binary"
	"sync"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
	"github.com/SuchAFuriousDeath/obliteration/pkg/hv"
	"github.com/SuchAFuriousDeath/obliteration/pkg/logging"
)

// MMIO windows the guest kernel drives. Both sit above the 4 GiB line so
// they never collide with guest RAM.
const (
	ConsoleBase uint64 = 0x1_0000_0000
	ConsoleSize uint64 = 0x1000
	VmmBase     uint64 = 0x1_0000_1000
	VmmSize     uint64 = 0x1000
)

// Console device registers (offsets from ConsoleBase). The guest posts the
// physical address and length of a message, then commits it with the log
// type; the commit produces one Log event.
const (
	consoleRegMsgLen  = 0x00
	consoleRegMsgAddr = 0x08
	consoleRegCommit  = 0x10
)

// Vmm device registers (offsets from VmmBase). A shutdown write carries
// the guest's success flag and produces the Exiting event.
const vmmRegShutdown = 0x00

// Guest console messages longer than this are a device fault, not a
// truncation.
const maxConsoleMsg = 0x10000

type console struct {
	mu      sync.Mutex
	msgLen  uint64
	msgAddr uint64
}

func (v *Vmm) handleMmio(exit hv.ExitMmio) error {
	if !exit.Write {
		// All device registers are write-only; reads float to zero.
		for i := range exit.Data {
			exit.Data[i] = 0
		}
		return nil
	}

	value, err := mmioValue(exit.Data)
	if err != nil {
		return err
	}

	switch {
	case exit.Addr >= ConsoleBase && exit.Addr < ConsoleBase+ConsoleSize:
		return v.handleConsole(exit.Addr-ConsoleBase, value)
	case exit.Addr >= VmmBase && exit.Addr < VmmBase+VmmSize:
		return v.handleVmmDevice(exit.Addr-VmmBase, value)
	default:
		return errx.With(ErrDevice, ": write to unmapped address %#x", exit.Addr)
	}
}

func (v *Vmm) handleConsole(off, value uint64) error {
	v.console.mu.Lock()
	defer v.console.mu.Unlock()

	switch off {
	case consoleRegMsgLen:
		v.console.msgLen = value
	case consoleRegMsgAddr:
		v.console.msgAddr = value
	case consoleRegCommit:
		if value > uint64(LogError) {
			return errx.With(ErrDevice, ": unknown log type %d", value)
		}
		if v.console.msgLen > maxConsoleMsg {
			return errx.With(ErrDevice, ": console message too long (%d)", v.console.msgLen)
		}
		buf := make([]byte, v.console.msgLen)
		if _, err := v.ram.ReadAt(buf, int64(v.console.msgAddr)); err != nil {
			return errx.Wrap(ErrDevice, err)
		}
		v.emit(EventLog{Type: LogType(value), Message: string(buf)})
		if v.emitter != nil {
			_ = v.emitter.Emit(logging.EventGuestLog, "guest console output", nil, &logging.GuestLogData{
				Level:   LogType(value).String(),
				Message: string(buf),
			})
		}
	default:
		return errx.With(ErrDevice, ": console register %#x", off)
	}
	return nil
}

func (v *Vmm) handleVmmDevice(off, value uint64) error {
	switch off {
	case vmmRegShutdown:
		v.exiting(value != 0)
	default:
		return errx.With(ErrDevice, ": vmm register %#x", off)
	}
	return nil
}

func mmioValue(data []byte) (uint64, error) {
	switch len(data) {
	case 1:
		return uint64(data[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case 8:
		return binary.LittleEndian.Uint64(data), nil
	default:
		return 0, errx.With(ErrDevice, ": access width %d", len(data))
	}
}
