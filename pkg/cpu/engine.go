package cpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"vitacore/pkg/arm"
	"vitacore/pkg/errors"
	"vitacore/pkg/logger"
	"vitacore/pkg/mem"
)

// engine holds everything the two backends have in common: the core, the
// breakpoint set, stop requests and SVC dispatch.
type engine struct {
	core        *arm.Core
	mem         *mem.MemState
	proto       Protocol
	threadID    int32
	processorID int
	log         *logger.Logger

	stopReq    atomic.Bool
	triggerReq atomic.Bool
	hit        bool
	// a Run that stopped on a breakpoint resumes past it
	resumeAt  uint32
	resumeSet bool

	bpMu        sync.RWMutex
	breakpoints map[mem.Address]struct{}
	bpCount     atomic.Int32

	logCode atomic.Bool
	logMem  atomic.Bool

	faultAddr  mem.Address
	faultWrite bool
}

func newEngine(m *mem.MemState, proto Protocol, threadID int32, processorID int) *engine {
	return &engine{
		core:        arm.NewCore(),
		mem:         m,
		proto:       proto,
		threadID:    threadID,
		processorID: processorID,
		log:         logger.New(fmt.Sprintf("cpu%d", threadID)),
		breakpoints: make(map[mem.Address]struct{}),
	}
}

func (e *engine) Stop() {
	e.stopReq.Store(true)
}

func (e *engine) Reg(n int) uint32             { return e.core.R[n] }
func (e *engine) SetReg(n int, v uint32)       { e.core.R[n] = v }
func (e *engine) SP() uint32                   { return e.core.R[arm.SP] }
func (e *engine) SetSP(v uint32)               { e.core.R[arm.SP] = v }
func (e *engine) PC() uint32                   { return e.core.R[arm.PC] }
func (e *engine) LR() uint32                   { return e.core.R[arm.LR] }
func (e *engine) SetLR(v uint32)               { e.core.R[arm.LR] = v }
func (e *engine) CPSR() uint32                 { return e.core.CPSR }
func (e *engine) SetCPSR(v uint32)             { e.core.CPSR = v }
func (e *engine) TPIDRURO() uint32             { return e.core.TPIDRURO }
func (e *engine) SetTPIDRURO(v uint32)         { e.core.TPIDRURO = v }
func (e *engine) FPSCR() uint32                { return e.core.FPSCR }
func (e *engine) SetFPSCR(v uint32)            { e.core.FPSCR = v }
func (e *engine) FloatReg(n int) float32       { return e.core.SReg(uint32(n)) }
func (e *engine) SetFloatReg(n int, v float32) { e.core.SetSReg(uint32(n), v) }
func (e *engine) IsThumbMode() bool            { return e.core.Thumb() }
func (e *engine) ProcessorID() int             { return e.processorID }

// SetPC branches with interworking: an odd address enters Thumb state.
func (e *engine) SetPC(v uint32) {
	if v&1 != 0 {
		e.core.SetThumb(true)
		e.core.R[arm.PC] = v &^ 1
		return
	}
	e.core.SetThumb(false)
	e.core.R[arm.PC] = v &^ 3
}

func (e *engine) SaveContext() Context {
	return Context{
		R:        e.core.R,
		CPSR:     e.core.CPSR,
		FPSCR:    e.core.FPSCR,
		S:        e.core.S,
		TPIDRURO: e.core.TPIDRURO,
	}
}

func (e *engine) LoadContext(ctx Context) {
	e.core.R = ctx.R
	e.core.CPSR = ctx.CPSR
	e.core.FPSCR = ctx.FPSCR
	e.core.S = ctx.S
	e.core.TPIDRURO = ctx.TPIDRURO
	e.core.ClearExclusive()
}

// HitBreakpoint reports whether the last Run stopped on an address
// breakpoint, as opposed to a TriggerBreakpoint request.
func (e *engine) HitBreakpoint() bool {
	return e.hit
}

// TriggerBreakpoint makes a running Run return ExitBreakpoint at the next
// block or instruction boundary. Safe to call from any goroutine.
func (e *engine) TriggerBreakpoint() {
	e.triggerReq.Store(true)
}

func (e *engine) AddBreakpoint(addr mem.Address) {
	e.bpMu.Lock()
	if _, ok := e.breakpoints[addr]; !ok {
		e.breakpoints[addr] = struct{}{}
		e.bpCount.Add(1)
	}
	e.bpMu.Unlock()
}

func (e *engine) RemoveBreakpoint(addr mem.Address) {
	e.bpMu.Lock()
	if _, ok := e.breakpoints[addr]; ok {
		delete(e.breakpoints, addr)
		e.bpCount.Add(-1)
	}
	e.bpMu.Unlock()
}

func (e *engine) isBreakpoint(pc uint32) bool {
	if e.bpCount.Load() == 0 {
		return false
	}
	e.bpMu.RLock()
	_, ok := e.breakpoints[mem.Address(pc)]
	e.bpMu.RUnlock()
	return ok
}

func (e *engine) FaultAddr() (mem.Address, bool) {
	return e.faultAddr, e.faultWrite
}

func (e *engine) SetLogCode(enabled bool) { e.logCode.Store(enabled) }
func (e *engine) LogCode() bool           { return e.logCode.Load() }
func (e *engine) SetLogMem(enabled bool)  { e.logMem.Store(enabled) }
func (e *engine) LogMem() bool            { return e.logMem.Load() }

// begin resets per-run state and returns the breakpoint address the run
// may step over.
func (e *engine) begin() (uint32, bool) {
	e.hit = false
	pc, ok := e.resumeAt, e.resumeSet
	e.resumeSet = false
	return pc, ok
}

// interrupted reports a pending Stop or TriggerBreakpoint.
func (e *engine) interrupted() (Exit, bool) {
	if e.stopReq.Swap(false) {
		return ExitStopped, true
	}
	if e.triggerReq.Swap(false) {
		e.resumeAt, e.resumeSet = e.core.R[arm.PC], true
		return ExitBreakpoint, true
	}
	return 0, false
}

func (e *engine) breakpointHit(pc uint32) Exit {
	e.hit = true
	e.resumeAt, e.resumeSet = pc, true
	e.log.Printf("breakpoint at %08x", pc)
	return ExitBreakpoint
}

func (e *engine) traceInst(pc uint32, in *arm.Inst) {
	if in.Size == 2 {
		e.log.Tracef("%08x: %04x", pc, in.Raw)
	} else {
		e.log.Tracef("%08x: %08x", pc, in.Raw)
	}
}

func (e *engine) wrapBus(bus arm.Bus) arm.Bus {
	if e.logMem.Load() {
		return tracingBus{Bus: bus, log: e.log}
	}
	return bus
}

// dispatch reacts to an instruction exit. done reports that the run is
// over, with its result. retry is consulted for faults and reports whether
// the fault was handled and the instruction should run again.
func (e *engine) dispatch(self Interface, exit arm.Exit, retry func(arm.Exit) bool) (result Exit, done bool, err error) {
	switch exit.Kind {
	case arm.ExitNone:
		return 0, false, nil
	case arm.ExitSVC:
		if e.proto == nil {
			return ExitStopped, true, errors.Errorf("svc #%x at %08x with no protocol", exit.Imm, exit.PC)
		}
		if err := e.proto.CallSVC(self, exit.Imm, mem.Address(e.core.R[arm.PC]), e.threadID); err != nil {
			return ExitStopped, true, errors.Wrap(err, fmt.Sprintf("svc #%x at %08x", exit.Imm, exit.PC))
		}
		return 0, false, nil
	case arm.ExitBKPT:
		e.log.Printf("bkpt #%x at %08x", exit.Imm, exit.PC)
		return ExitBKPT, true, nil
	case arm.ExitUndefined:
		e.log.Printf("undefined instruction at %08x", exit.PC)
		return ExitUndefined, true, nil
	case arm.ExitFault:
		if retry != nil && retry(exit) {
			return 0, false, nil
		}
		e.faultAddr, e.faultWrite = mem.Address(exit.Addr), exit.Write
		e.log.Printf("unhandled %s fault at %08x, pc %08x", accessKind(exit.Write), exit.Addr, exit.PC)
		return ExitFault, true, nil
	}
	panic(fmt.Sprintf("cpu: unexpected exit kind %v", exit.Kind))
}

func accessKind(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
