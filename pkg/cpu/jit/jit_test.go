package jit

import (
	"encoding/binary"
	"testing"

	"vitacore/pkg/arm"
)

const base = 0x8000

type sliceBus []byte

func (b sliceBus) ok(addr, n uint32) bool {
	return addr >= base && uint64(addr)+uint64(n) <= base+uint64(len(b))
}

func (b sliceBus) Read8(addr uint32) (uint8, bool) {
	if !b.ok(addr, 1) {
		return 0, false
	}
	return b[addr-base], true
}

func (b sliceBus) Read16(addr uint32) (uint16, bool) {
	if !b.ok(addr, 2) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b[addr-base:]), true
}

func (b sliceBus) Read32(addr uint32) (uint32, bool) {
	if !b.ok(addr, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[addr-base:]), true
}

func (b sliceBus) Write8(addr uint32, v uint8) bool {
	if !b.ok(addr, 1) {
		return false
	}
	b[addr-base] = v
	return true
}

func (b sliceBus) Write16(addr uint32, v uint16) bool {
	if !b.ok(addr, 2) {
		return false
	}
	binary.LittleEndian.PutUint16(b[addr-base:], v)
	return true
}

func (b sliceBus) Write32(addr uint32, v uint32) bool {
	if !b.ok(addr, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(b[addr-base:], v)
	return true
}

func program(words ...uint32) sliceBus {
	bus := make(sliceBus, 0x100)
	for i, w := range words {
		bus.Write32(base+uint32(4*i), w)
	}
	return bus
}

var loop = []uint32{
	0xE2800001, // add r0, r0, #1
	0xE2811002, // add r1, r1, #2
	0xE3500005, // cmp r0, #5
	0x1AFFFFFB, // bne base
	0xEF000000, // svc #0
}

func TestBlockEndsAtBranch(t *testing.T) {
	rt := NewRuntime(Options{})
	block, exit := rt.GetBlock(program(loop...), base, false)
	if exit.Kind != arm.ExitNone {
		t.Fatalf("exit = %+v", exit)
	}
	if len(block.Insts) != 4 || block.EndPC != base+16 {
		t.Errorf("block has %d insts ending at %#x", len(block.Insts), block.EndPC)
	}

	again, _ := rt.GetBlock(program(loop...), base, false)
	if again != block {
		t.Error("second lookup retranslated")
	}
	if stats := rt.Stats(); stats.BlocksCompiled != 1 || stats.CodeBytes != 16 || !stats.Enabled {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBlockLimit(t *testing.T) {
	rt := NewRuntime(Options{MaxBlockInstructions: 2})
	block, _ := rt.GetBlock(program(loop...), base, false)
	if len(block.Insts) != 2 {
		t.Errorf("block has %d insts, want 2", len(block.Insts))
	}
}

func TestFetchFault(t *testing.T) {
	rt := NewRuntime(Options{})
	block, exit := rt.GetBlock(program(loop...), 0x100, false)
	if block != nil || exit.Kind != arm.ExitFault || exit.Addr != 0x100 {
		t.Errorf("block=%v exit=%+v", block, exit)
	}
}

func TestExecuteLoop(t *testing.T) {
	rt := NewRuntime(Options{})
	bus := program(loop...)
	core := arm.NewCore()
	core.R[arm.PC] = base

	var exit arm.Exit
	for blocks := 0; exit.Kind == arm.ExitNone; blocks++ {
		if blocks > 10 {
			t.Fatal("loop did not terminate")
		}
		block, fexit := rt.GetBlock(bus, core.R[arm.PC], core.Thumb())
		if fexit.Kind != arm.ExitNone {
			t.Fatalf("fetch exit %+v", fexit)
		}
		exit, _ = ExecuteBlock(block, core, bus, nil)
	}
	if exit.Kind != arm.ExitSVC || core.R[0] != 5 || core.R[1] != 10 {
		t.Errorf("exit=%+v r0=%d r1=%d", exit, core.R[0], core.R[1])
	}
	if stats := rt.Stats(); stats.BlocksCompiled != 2 {
		t.Errorf("compiled %d blocks, want 2", stats.BlocksCompiled)
	}
}

func TestHookStopsBeforeInstruction(t *testing.T) {
	rt := NewRuntime(Options{})
	bus := program(loop...)
	core := arm.NewCore()
	core.R[arm.PC] = base

	block, _ := rt.GetBlock(bus, base, false)
	var seen []uint32
	exit, n := ExecuteBlock(block, core, bus, func(i int, pc uint32, _ *arm.Inst) bool {
		seen = append(seen, pc)
		return pc != base+8
	})
	if exit.Kind != arm.ExitNone || n != 2 {
		t.Fatalf("exit=%+v n=%d", exit, n)
	}
	if core.R[arm.PC] != base+8 || len(seen) != 3 {
		t.Errorf("pc=%#x seen=%x", core.R[arm.PC], seen)
	}
}

func TestInvalidateRange(t *testing.T) {
	rt := NewRuntime(Options{})
	bus := program(loop...)
	rt.GetBlock(bus, base, false)
	rt.GetBlock(bus, base+16, false)

	rt.InvalidateRange(base+12, 4)
	if stats := rt.Stats(); stats.BlocksCached != 1 || stats.CodeBytes != 4 {
		t.Errorf("after invalidate: %+v", stats)
	}
	rt.InvalidateRange(0, 0x10000)
	if stats := rt.Stats(); stats.BlocksCached != 0 || stats.CodeBytes != 0 {
		t.Errorf("after full invalidate: %+v", stats)
	}
}

func TestSelfModifyingCode(t *testing.T) {
	bus := program(0xE3A00001, 0xEF000000) // mov r0, #1; svc #0

	unchecked := NewRuntime(Options{})
	checked := NewRuntime(Options{CheckSelfModifying: true})
	unchecked.GetBlock(bus, base, false)
	checked.GetBlock(bus, base, false)

	bus.Write32(base, 0xE3A00002) // mov r0, #2

	run := func(rt *Runtime) uint32 {
		core := arm.NewCore()
		core.R[arm.PC] = base
		block, _ := rt.GetBlock(bus, base, false)
		ExecuteBlock(block, core, bus, nil)
		return core.R[0]
	}
	if got := run(unchecked); got != 1 {
		t.Errorf("unchecked runtime ran r0=%d, want stale 1", got)
	}
	if got := run(checked); got != 2 {
		t.Errorf("checked runtime ran r0=%d, want 2", got)
	}
	if stats := checked.Stats(); stats.BlocksCompiled != 2 || stats.BlocksCached != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReset(t *testing.T) {
	rt := NewRuntime(Options{})
	rt.GetBlock(program(loop...), base, false)
	rt.SetEnabled(false)
	rt.Reset()
	if stats := rt.Stats(); stats.BlocksCached != 0 || stats.Enabled {
		t.Errorf("stats = %+v", stats)
	}
	var nilRuntime *Runtime
	if nilRuntime.Enabled() {
		t.Error("nil runtime enabled")
	}
}
