package vmm

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
	"github.com/SuchAFuriousDeath/obliteration/pkg/gdb"
	"github.com/SuchAFuriousDeath/obliteration/pkg/hv"
	"github.com/SuchAFuriousDeath/obliteration/pkg/logging"
)

// x86 int3.
const trapOpcode = 0xCC

// DebugStatus is how a dispatch ended.
type DebugStatus uint8

const (
	// DebugOk: the debugger resumed the guest. Expect the next
	// Breakpoint event, if any.
	DebugOk DebugStatus = iota
	// DebugDisconnected: the debugger detached or the connection closed.
	// The guest free-runs; a new debugger requires a new VM start.
	DebugDisconnected
	// DebugError: a protocol or I/O fault. The VM stays usable and the
	// stop stays pending; the dispatch may be retried.
	DebugError
)

// DebugResult reports the outcome of one DispatchDebug round-trip.
type DebugResult struct {
	Status DebugStatus
	Err    error
}

type dbgReqKind uint8

const (
	dbgGetRegs dbgReqKind = iota
	dbgSetRegs
	dbgTranslate
	dbgRelease
)

type dbgReq struct {
	kind  dbgReqKind
	regs  *hv.Regs
	vaddr uint64
	step  bool
	resp  chan dbgResp
}

type dbgResp struct {
	regs  *hv.Regs
	paddr uint64
	err   error
}

type swBreak struct {
	paddr uint64
	orig  byte
}

// debugStopped parks a vCPU for the debugger: it claims the single stop
// slot, announces the stop and serves register and translation requests
// on the vCPU's own goroutine until the dispatcher releases it.
func (v *Vmm) debugStopped(cpu hv.Cpu, id int, reason hv.StopReason) {
	if !v.attached.Load() {
		return
	}

	select {
	case v.stopSlot <- struct{}{}:
	case <-v.ctx.Done():
		return
	}
	defer func() { <-v.stopSlot }()

	// The debugger may have detached while this vCPU waited for the
	// slot. Free-run instead of parking with nobody left to release us.
	if !v.attached.Load() {
		return
	}

	stop := &KernelStop{cpu: id, reason: reason}
	v.pendingStop.Store(stop)
	if v.emitter != nil {
		var rip uint64
		if regs, err := cpu.Regs(); err == nil {
			rip = regs.Rip
		}
		_ = v.emitter.Emit(logging.EventBreakpoint, "vcpu stopped for debugger", nil, &logging.BreakpointData{
			Cpu:    id,
			Reason: reason.String(),
			Rip:    rip,
		})
	}
	v.emit(EventBreakpoint{Stop: stop})

	for {
		select {
		case <-v.ctx.Done():
			v.pendingStop.Store(nil)
			return
		case req := <-v.dbgReqs[id]:
			switch req.kind {
			case dbgRelease:
				_ = cpu.SetSingleStep(req.step)
				v.pendingStop.Store(nil)
				req.resp <- dbgResp{}
				return
			case dbgGetRegs:
				regs, err := cpu.Regs()
				req.resp <- dbgResp{regs: regs, err: err}
			case dbgSetRegs:
				req.resp <- dbgResp{err: cpu.SetRegs(req.regs)}
			case dbgTranslate:
				paddr, err := cpu.Translate(req.vaddr)
				req.resp <- dbgResp{paddr: paddr, err: err}
			}
		}
	}
}

// debugCall sends one request to the stopped vCPU and waits for its
// answer.
func (v *Vmm) debugCall(cpu int, req dbgReq) (dbgResp, error) {
	req.resp = make(chan dbgResp, 1)
	select {
	case v.dbgReqs[cpu] <- req:
	case <-v.ctx.Done():
		return dbgResp{}, v.ctx.Err()
	}
	select {
	case resp := <-req.resp:
		return resp, nil
	case <-v.ctx.Done():
		return dbgResp{}, v.ctx.Err()
	}
}

// DebugSocket returns the attached debugger's descriptor for readiness
// polling, -1 when no debugger is attached.
func (v *Vmm) DebugSocket() int {
	if !v.attached.Load() || v.debugger == nil {
		return -1
	}
	return v.debugger.Socket()
}

// DispatchDebug resolves one KernelStop: it reports the stop to the
// debugger, serves protocol commands against the paused guest and returns
// once the debugger resumes, detaches or disconnects. Calls are
// sequential; calling with no debugger attached or with a stop that is
// not pending is an error result, never a crash.
func (v *Vmm) DispatchDebug(stop *KernelStop) DebugResult {
	if !v.dispatchMu.TryLock() {
		return DebugResult{Status: DebugError, Err: ErrDispatchActive}
	}
	defer v.dispatchMu.Unlock()

	if !v.attached.Load() || v.debugger == nil {
		return DebugResult{Status: DebugError, Err: ErrNoDebugger}
	}
	if stop == nil || v.pendingStop.Load() != stop {
		return DebugResult{Status: DebugError, Err: ErrStaleStop}
	}

	// A breakpoint stop interrupted the guest; the initial attach stop
	// waits for the debugger to speak first.
	if stop.reason != hv.StopNone {
		if err := v.debugger.WritePacket(stopReply(stop.reason)); err != nil {
			return v.debugFault(stop, err)
		}
	}

	for {
		pkt, err := v.debugger.ReadPacket()
		if err != nil {
			return v.debugFault(stop, err)
		}

		res, reply, done := v.serveCommand(stop, pkt)
		if reply != nil {
			if err := v.debugger.WritePacket(reply); err != nil {
				return v.debugFault(stop, err)
			}
		}
		if done {
			return res
		}
	}
}

// serveCommand handles one protocol command. A nil reply means nothing is
// sent (resume packets have no response).
func (v *Vmm) serveCommand(stop *KernelStop, pkt []byte) (res DebugResult, reply []byte, done bool) {
	if len(pkt) == 0 {
		return res, []byte{}, false
	}

	switch pkt[0] {
	case gdb.Interrupt:
		// Already stopped.
		return res, nil, false

	case '?':
		return res, stopReply(stop.reason), false

	case 'g':
		resp, err := v.debugCall(stop.cpu, dbgReq{kind: dbgGetRegs})
		if err != nil || resp.err != nil {
			return res, []byte("E01"), false
		}
		return res, encodeRegs(resp.regs), false

	case 'G':
		regs, err := decodeRegs(pkt[1:])
		if err != nil {
			return res, []byte("E01"), false
		}
		resp, err := v.debugCall(stop.cpu, dbgReq{kind: dbgSetRegs, regs: regs})
		if err != nil || resp.err != nil {
			return res, []byte("E01"), false
		}
		return res, []byte("OK"), false

	case 'm':
		return res, v.readMemory(stop.cpu, pkt[1:]), false

	case 'M':
		return res, v.writeMemory(stop.cpu, pkt[1:]), false

	case 'Z', 'z':
		return res, v.breakpointCommand(stop.cpu, pkt), false

	case 'c':
		return v.resume(stop, false), nil, true

	case 's':
		return v.resume(stop, true), nil, true

	case 'D':
		if err := v.debugger.WritePacket([]byte("OK")); err != nil {
			return v.debugFault(stop, err), nil, true
		}
		v.detach()
		v.releaseStopped(stop, false)
		return DebugResult{Status: DebugDisconnected}, nil, true

	case 'k':
		v.Shutdown()
		v.detach()
		v.releaseStopped(stop, false)
		return DebugResult{Status: DebugDisconnected}, nil, true

	case 'q':
		return res, v.queryCommand(pkt), false

	case 'Q':
		if bytes.Equal(pkt, []byte("QStartNoAckMode")) {
			// Ack the mode switch itself, then stop acking.
			if err := v.debugger.WritePacket([]byte("OK")); err != nil {
				return v.debugFault(stop, err), nil, true
			}
			v.debugger.SetNoAckMode(true)
			return res, nil, false
		}
		return res, []byte{}, false

	case 'H', 'T':
		return res, []byte("OK"), false

	default:
		// Unsupported command; the empty reply says so.
		return res, []byte{}, false
	}
}

func (v *Vmm) queryCommand(pkt []byte) []byte {
	query := string(pkt)
	switch {
	case query == "qSupported" || len(query) > 11 && query[:11] == "qSupported:":
		return []byte("PacketSize=4096;swbreak+;hwbreak+;QStartNoAckMode+")
	case query == "qAttached":
		return []byte("1")
	case query == "qC":
		return []byte("QC0")
	case query == "qfThreadInfo":
		return []byte(threadList(len(v.dbgReqs)))
	case query == "qsThreadInfo":
		return []byte("l")
	default:
		return []byte{}
	}
}

// resume releases the stopped vCPU and ends the dispatch.
func (v *Vmm) resume(stop *KernelStop, step bool) DebugResult {
	v.releaseStopped(stop, step)
	return DebugResult{Status: DebugOk}
}

func (v *Vmm) releaseStopped(stop *KernelStop, step bool) {
	_, _ = v.debugCall(stop.cpu, dbgReq{kind: dbgRelease, step: step})
}

// debugFault maps a transport error to the dispatch outcome: connection
// loss detaches and free-runs the guest, a protocol fault leaves the stop
// pending for a retry.
func (v *Vmm) debugFault(stop *KernelStop, err error) DebugResult {
	if errors.Is(err, gdb.ErrMalformedPacket) || errors.Is(err, gdb.ErrChecksum) || errors.Is(err, gdb.ErrNack) {
		return DebugResult{Status: DebugError, Err: errx.Wrap(ErrDebugIO, err)}
	}
	v.detach()
	v.releaseStopped(stop, false)
	return DebugResult{Status: DebugDisconnected}
}

// detach drops the debugger: software breakpoints are restored so the
// free-running guest never traps into a void, and the connection is
// closed.
func (v *Vmm) detach() {
	for vaddr, bp := range v.swBreaks {
		_, _ = v.ram.WriteAt([]byte{bp.orig}, int64(bp.paddr))
		delete(v.swBreaks, vaddr)
	}
	v.attached.Store(false)
	if v.debugger != nil {
		_ = v.debugger.Close()
		v.debugger = nil
	}
	if v.emitter != nil {
		_ = v.emitter.Emit(logging.EventDebugDetach, "debugger detached", nil, nil)
	}
}

// guestRead copies guest memory at a virtual address into buf. The
// translation holds for one page at most, so the access is split at
// page boundaries and each page translated on its own.
func (v *Vmm) guestRead(cpu int, vaddr uint64, buf []byte) error {
	for len(buf) > 0 {
		resp, err := v.debugCall(cpu, dbgReq{kind: dbgTranslate, vaddr: vaddr})
		if err != nil {
			return err
		}
		if resp.err != nil {
			return resp.err
		}
		n := v.pageSize - vaddr%v.pageSize
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		if _, err := v.ram.ReadAt(buf[:n], int64(resp.paddr)); err != nil {
			return err
		}
		vaddr += n
		buf = buf[n:]
	}
	return nil
}

// guestWrite is the page-by-page counterpart of guestRead.
func (v *Vmm) guestWrite(cpu int, vaddr uint64, data []byte) error {
	for len(data) > 0 {
		resp, err := v.debugCall(cpu, dbgReq{kind: dbgTranslate, vaddr: vaddr})
		if err != nil {
			return err
		}
		if resp.err != nil {
			return resp.err
		}
		n := v.pageSize - vaddr%v.pageSize
		if n > uint64(len(data)) {
			n = uint64(len(data))
		}
		if _, err := v.ram.WriteAt(data[:n], int64(resp.paddr)); err != nil {
			return err
		}
		vaddr += n
		data = data[n:]
	}
	return nil
}

// readMemory serves m addr,length.
func (v *Vmm) readMemory(cpu int, args []byte) []byte {
	vaddr, length, ok := parseAddrLen(args)
	if !ok {
		return []byte("E01")
	}
	buf := make([]byte, length)
	if err := v.guestRead(cpu, vaddr, buf); err != nil {
		return []byte("E01")
	}
	out := make([]byte, hex.EncodedLen(len(buf)))
	hex.Encode(out, buf)
	return out
}

// writeMemory serves M addr,length:data.
func (v *Vmm) writeMemory(cpu int, args []byte) []byte {
	colon := bytes.IndexByte(args, ':')
	if colon < 0 {
		return []byte("E01")
	}
	vaddr, length, ok := parseAddrLen(args[:colon])
	if !ok {
		return []byte("E01")
	}
	data := make([]byte, hex.DecodedLen(len(args)-colon-1))
	if _, err := hex.Decode(data, args[colon+1:]); err != nil || uint64(len(data)) != length {
		return []byte("E01")
	}
	if err := v.guestWrite(cpu, vaddr, data); err != nil {
		return []byte("E01")
	}
	return []byte("OK")
}

// breakpointCommand serves Z0,addr,kind and z0,addr,kind.
func (v *Vmm) breakpointCommand(cpu int, pkt []byte) []byte {
	parts := bytes.Split(pkt[1:], []byte{','})
	if len(parts) != 3 || len(parts[0]) != 1 || parts[0][0] != '0' {
		// Only software breakpoints are supported.
		return []byte{}
	}
	vaddr, err := strconv.ParseUint(string(parts[1]), 16, 64)
	if err != nil {
		return []byte("E01")
	}

	if pkt[0] == 'z' {
		bp, ok := v.swBreaks[vaddr]
		if !ok {
			return []byte("OK")
		}
		if _, err := v.ram.WriteAt([]byte{bp.orig}, int64(bp.paddr)); err != nil {
			return []byte("E01")
		}
		delete(v.swBreaks, vaddr)
		return []byte("OK")
	}

	if _, ok := v.swBreaks[vaddr]; ok {
		return []byte("OK")
	}
	resp, err := v.debugCall(cpu, dbgReq{kind: dbgTranslate, vaddr: vaddr})
	if err != nil || resp.err != nil {
		return []byte("E01")
	}
	var orig [1]byte
	if _, err := v.ram.ReadAt(orig[:], int64(resp.paddr)); err != nil {
		return []byte("E01")
	}
	if _, err := v.ram.WriteAt([]byte{trapOpcode}, int64(resp.paddr)); err != nil {
		return []byte("E01")
	}
	v.swBreaks[vaddr] = swBreak{paddr: resp.paddr, orig: orig[0]}
	return []byte("OK")
}

// stopReply formats the stop packet for a reason: SIGTRAP, with the stop
// kind flagged for breakpoint stops.
func stopReply(reason hv.StopReason) []byte {
	switch reason {
	case hv.StopSwBreak:
		return []byte("T05swbreak:;")
	case hv.StopHwBreak:
		return []byte("T05hwbreak:;")
	default:
		return []byte("S05")
	}
}

func threadList(cpus int) string {
	out := "m"
	for i := 0; i < cpus; i++ {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatInt(int64(i), 16)
	}
	return out
}

func parseAddrLen(args []byte) (addr, length uint64, ok bool) {
	comma := bytes.IndexByte(args, ',')
	if comma < 0 {
		return 0, 0, false
	}
	addr, err := strconv.ParseUint(string(args[:comma]), 16, 64)
	if err != nil {
		return 0, 0, false
	}
	length, err = strconv.ParseUint(string(args[comma+1:]), 16, 64)
	if err != nil || length == 0 || length > 1<<20 {
		return 0, 0, false
	}
	return addr, length, true
}

// encodeRegs serializes the register file the way the remote protocol
// carries it: little-endian hex, 16 GPRs then rip then eflags.
func encodeRegs(r *hv.Regs) []byte {
	buf := make([]byte, 0, 16*8+8+4)
	for _, g := range r.Gpr {
		buf = binary.LittleEndian.AppendUint64(buf, g)
	}
	buf = binary.LittleEndian.AppendUint64(buf, r.Rip)
	buf = binary.LittleEndian.AppendUint32(buf, r.Eflags)
	out := make([]byte, hex.EncodedLen(len(buf)))
	hex.Encode(out, buf)
	return out
}

func decodeRegs(data []byte) (*hv.Regs, error) {
	raw := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(raw, data); err != nil {
		return nil, err
	}
	if len(raw) != 16*8+8+4 {
		return nil, fmt.Errorf("register file size %d", len(raw))
	}
	var r hv.Regs
	for i := range r.Gpr {
		r.Gpr[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	r.Rip = binary.LittleEndian.Uint64(raw[16*8:])
	r.Eflags = binary.LittleEndian.Uint32(raw[16*8+8:])
	return &r, nil
}
