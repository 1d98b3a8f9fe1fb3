package cpu

import (
	"runtime/debug"

	"vitacore/pkg/arm"
	"vitacore/pkg/cpu/jit"
	"vitacore/pkg/mem"
)

// stepOnce fetches and executes the instruction at PC.
func (e *engine) stepOnce(self Interface, bus arm.Bus, retry func(arm.Exit) bool) (Exit, bool, error) {
	pc := e.core.R[arm.PC]
	in, exit := arm.Fetch(bus, pc, e.core.Thumb())
	if exit.Kind == arm.ExitNone {
		if e.logCode.Load() {
			e.traceInst(pc, &in)
		}
		exit = e.core.Exec(&in, bus)
	}
	return e.dispatch(self, exit, retry)
}

// breakHere reports whether a run must stop before executing at pc.
func (e *engine) breakHere(pc uint32, first bool, skipPC uint32, skip bool) bool {
	if !e.isBreakpoint(pc) {
		return false
	}
	return !(first && skip && pc == skipPC)
}

// interpreter decodes and executes one instruction at a time through the
// software-checked memory path.
type interpreter struct {
	*engine
}

func (c *interpreter) Run() (Exit, error) {
	skipPC, skip := c.begin()
	for first := true; ; first = false {
		if exit, ok := c.interrupted(); ok {
			return exit, nil
		}
		if pc := c.core.R[arm.PC]; c.breakHere(pc, first, skipPC, skip) {
			return c.breakpointHit(pc), nil
		}
		if exit, done, err := c.stepOnce(c, c.wrapBus(checkedBus{c.mem}), nil); done || err != nil {
			return exit, err
		}
	}
}

func (c *interpreter) Step() (Exit, error) {
	c.begin()
	defer c.stopReq.Store(false)
	if exit, done, err := c.stepOnce(c, c.wrapBus(checkedBus{c.mem}), nil); done || err != nil {
		return exit, err
	}
	return ExitStopped, nil
}

func (c *interpreter) InvalidateJITCache(mem.Address, uint32) {}

func (c *interpreter) Backend() Backend { return BackendInterpreter }

// translator runs cached blocks from a jit.Runtime. With hardware
// protection the blocks access the guest buffer directly and faults are
// resolved through MemState.HandleAccessViolation.
type translator struct {
	*engine
	rt  *jit.Runtime
	bus arm.Bus
}

func (c *translator) memBus() arm.Bus {
	if c.bus == nil {
		if c.mem.HardwareProtected() {
			c.bus = &directBus{buf: c.mem.Buffer()}
		} else {
			c.bus = checkedBus{c.mem}
		}
	}
	return c.bus
}

// retry hands a recovered host fault to the address space.
func (c *translator) retry(exit arm.Exit) bool {
	d, ok := c.bus.(*directBus)
	if !ok || !d.faulted {
		return false
	}
	d.faulted = false
	return c.mem.HandleAccessViolation(d.faultHost, exit.Write)
}

func (c *translator) hook() jit.Hook {
	logCode := c.logCode.Load()
	if !logCode && c.bpCount.Load() == 0 {
		return nil
	}
	return func(i int, pc uint32, in *arm.Inst) bool {
		if i > 0 && c.isBreakpoint(pc) {
			return false
		}
		if logCode {
			c.traceInst(pc, in)
		}
		return true
	}
}

func (c *translator) Run() (Exit, error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	skipPC, skip := c.begin()
	for first := true; ; first = false {
		if exit, ok := c.interrupted(); ok {
			return exit, nil
		}
		pc := c.core.R[arm.PC]
		if c.breakHere(pc, first, skipPC, skip) {
			return c.breakpointHit(pc), nil
		}

		bus := c.wrapBus(c.memBus())
		if !c.rt.Enabled() {
			if exit, done, err := c.stepOnce(c, bus, c.retry); done || err != nil {
				return exit, err
			}
			continue
		}

		block, exit := c.rt.GetBlock(bus, pc, c.core.Thumb())
		if block != nil {
			exit, _ = jit.ExecuteBlock(block, c.core, bus, c.hook())
		}
		if result, done, err := c.dispatch(c, exit, c.retry); done || err != nil {
			return result, err
		}
	}
}

func (c *translator) Step() (Exit, error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	c.begin()
	defer c.stopReq.Store(false)
	for {
		// a handled fault runs the same instruction again
		retried := false
		exit, done, err := c.stepOnce(c, c.wrapBus(c.memBus()), func(exit arm.Exit) bool {
			retried = c.retry(exit)
			return retried
		})
		if done || err != nil {
			return exit, err
		}
		if !retried {
			return ExitStopped, nil
		}
	}
}

func (c *translator) InvalidateJITCache(start mem.Address, length uint32) {
	c.rt.InvalidateRange(uint32(start), length)
}

func (c *translator) Backend() Backend { return BackendJIT }
