package cpu

import (
	"fmt"
	"strings"

	"vitacore/pkg/arm"
	"vitacore/pkg/cpu/jit"
	"vitacore/pkg/errors"
	"vitacore/pkg/mem"
)

// Backend selects the execution engine behind a State.
type Backend int

const (
	BackendJIT Backend = iota // cached block translation
	BackendInterpreter        // decode and execute one instruction at a time
)

func (b Backend) String() string {
	switch b {
	case BackendJIT:
		return "jit"
	case BackendInterpreter:
		return "interpreter"
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// ParseBackend accepts the names used in configuration files.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "jit", "":
		return BackendJIT, nil
	case "interpreter":
		return BackendInterpreter, nil
	}
	return 0, errors.Errorf("unknown cpu backend %q", name)
}

// Exit is why Run or Step returned.
type Exit int

const (
	ExitStopped    Exit = iota // Stop was called, or Step finished its instruction
	ExitBreakpoint             // PC reached a breakpoint or TriggerBreakpoint was called
	ExitUndefined              // undecodable instruction at PC
	ExitFault                  // memory access nothing handled; see FaultAddr
	ExitBKPT                   // guest BKPT instruction at PC
)

func (e Exit) String() string {
	switch e {
	case ExitStopped:
		return "stopped"
	case ExitBreakpoint:
		return "breakpoint"
	case ExitUndefined:
		return "undefined instruction"
	case ExitFault:
		return "fault"
	case ExitBKPT:
		return "bkpt"
	}
	return fmt.Sprintf("Exit(%d)", int(e))
}

// Context is the complete architectural state of a thread.
type Context struct {
	R        [16]uint32
	CPSR     uint32
	FPSCR    uint32
	S        [64]uint32
	TPIDRURO uint32
}

// Thumb reports whether the context resumes in Thumb state.
func (c Context) Thumb() bool {
	return c.CPSR&arm.FlagT != 0
}

// Interface is the capability set every backend provides.
type Interface interface {
	Run() (Exit, error)
	Step() (Exit, error)
	Stop()

	Reg(n int) uint32
	SetReg(n int, v uint32)
	SP() uint32
	SetSP(v uint32)
	PC() uint32
	SetPC(v uint32)
	LR() uint32
	SetLR(v uint32)
	CPSR() uint32
	SetCPSR(v uint32)
	TPIDRURO() uint32
	SetTPIDRURO(v uint32)
	FPSCR() uint32
	SetFPSCR(v uint32)
	FloatReg(n int) float32
	SetFloatReg(n int, v float32)

	SaveContext() Context
	LoadContext(ctx Context)
	IsThumbMode() bool

	HitBreakpoint() bool
	TriggerBreakpoint()
	AddBreakpoint(addr mem.Address)
	RemoveBreakpoint(addr mem.Address)
	FaultAddr() (addr mem.Address, write bool)

	SetLogCode(enabled bool)
	LogCode() bool
	SetLogMem(enabled bool)
	LogMem() bool

	ProcessorID() int
	InvalidateJITCache(start mem.Address, length uint32)
	Backend() Backend
}

// Protocol receives the supervisor calls a CPU traps. pc is the address of
// the instruction following the SVC.
type Protocol interface {
	CallSVC(cpu Interface, imm uint32, pc mem.Address, threadID int32) error
}

// ProtocolFunc adapts a function to Protocol.
type ProtocolFunc func(cpu Interface, imm uint32, pc mem.Address, threadID int32) error

func (f ProtocolFunc) CallSVC(cpu Interface, imm uint32, pc mem.Address, threadID int32) error {
	return f(cpu, imm, pc, threadID)
}

// Options configures a new State.
type Options struct {
	Backend     Backend
	ProcessorID int
	// Runtime is the block cache JIT CPUs translate into. CPUs of one
	// process share it; a private one is created when nil.
	Runtime *jit.Runtime
}

// State is one thread's CPU. The backend is fixed at construction.
type State struct {
	Interface
	ThreadID int32
}

// New creates a CPU for threadID over m. SVCs are reported to proto.
func New(m *mem.MemState, proto Protocol, threadID int32, opts Options) *State {
	e := newEngine(m, proto, threadID, opts.ProcessorID)
	var impl Interface
	switch opts.Backend {
	case BackendInterpreter:
		impl = &interpreter{engine: e}
	case BackendJIT:
		rt := opts.Runtime
		if rt == nil {
			rt = jit.NewRuntime(jit.Options{})
		}
		impl = &translator{engine: e, rt: rt}
	default:
		panic(fmt.Sprintf("cpu: unknown backend %v", opts.Backend))
	}
	return &State{Interface: impl, ThreadID: threadID}
}
