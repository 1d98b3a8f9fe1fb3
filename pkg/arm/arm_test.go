package arm

import (
	"encoding/binary"
	"math"
	"testing"
)

const testBase = 0x10000

// flatBus maps a single region at testBase.
type flatBus struct {
	mem []byte
}

func newFlatBus(size int) *flatBus {
	return &flatBus{mem: make([]byte, size)}
}

func (b *flatBus) in(addr, n uint32) bool {
	return addr >= testBase && uint64(addr)+uint64(n) <= testBase+uint64(len(b.mem))
}

func (b *flatBus) Read8(addr uint32) (uint8, bool) {
	if !b.in(addr, 1) {
		return 0, false
	}
	return b.mem[addr-testBase], true
}

func (b *flatBus) Read16(addr uint32) (uint16, bool) {
	if !b.in(addr, 2) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b.mem[addr-testBase:]), true
}

func (b *flatBus) Read32(addr uint32) (uint32, bool) {
	if !b.in(addr, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b.mem[addr-testBase:]), true
}

func (b *flatBus) Write8(addr uint32, v uint8) bool {
	if !b.in(addr, 1) {
		return false
	}
	b.mem[addr-testBase] = v
	return true
}

func (b *flatBus) Write16(addr uint32, v uint16) bool {
	if !b.in(addr, 2) {
		return false
	}
	binary.LittleEndian.PutUint16(b.mem[addr-testBase:], v)
	return true
}

func (b *flatBus) Write32(addr uint32, v uint32) bool {
	if !b.in(addr, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(b.mem[addr-testBase:], v)
	return true
}

func (b *flatBus) loadARM(addr uint32, words ...uint32) {
	for i, w := range words {
		b.Write32(addr+uint32(4*i), w)
	}
}

func (b *flatBus) loadThumb(addr uint32, halves ...uint16) {
	for i, h := range halves {
		b.Write16(addr+uint32(2*i), h)
	}
}

// runUntilExit steps until an instruction exits or limit steps pass.
func runUntilExit(t *testing.T, c *Core, bus Bus, limit int) Exit {
	t.Helper()
	for i := 0; i < limit; i++ {
		if exit := c.Step(bus); exit.Kind != ExitNone {
			return exit
		}
	}
	t.Fatalf("no exit after %d steps, pc=%#x", limit, c.R[PC])
	return Exit{}
}

func TestARMArithmetic(t *testing.T) {
	bus := newFlatBus(0x1000)
	bus.loadARM(testBase,
		0xE3A0002A, // mov r0, #42
		0xE3A01020, // mov r1, #32
		0xE0802001, // add r2, r0, r1
		0xE250302A, // subs r3, r0, #42
		0x03A07001, // moveq r7, #1
		0xE3014234, // movw r4, #0x1234
		0xE3454678, // movt r4, #0x5678
		0xEF000010, // svc #0x10
	)
	c := NewCore()
	c.R[PC] = testBase

	exit := runUntilExit(t, c, bus, 16)
	if exit.Kind != ExitSVC || exit.Imm != 0x10 {
		t.Fatalf("exit = %+v, want svc 0x10", exit)
	}
	if exit.PC != testBase+28 || c.R[PC] != testBase+32 {
		t.Errorf("svc at %#x, pc now %#x", exit.PC, c.R[PC])
	}
	if c.R[2] != 74 {
		t.Errorf("r2 = %d, want 74", c.R[2])
	}
	if c.R[3] != 0 || c.CPSR&FlagZ == 0 || c.CPSR&FlagC == 0 {
		t.Errorf("subs result r3=%d cpsr=%#x", c.R[3], c.CPSR)
	}
	if c.R[7] != 1 {
		t.Error("moveq not executed")
	}
	if c.R[4] != 0x56781234 {
		t.Errorf("movw/movt = %#x", c.R[4])
	}
}

func TestARMMultiplyAndMisc(t *testing.T) {
	bus := newFlatBus(0x1000)
	bus.loadARM(testBase,
		0xE0810392, // umull r0, r1, r2, r3
		0xE16F5F14, // clz r5, r4
		0xE1200071, // bkpt #1
	)
	c := NewCore()
	c.R[PC] = testBase
	c.R[2] = 0xFFFFFFFF
	c.R[3] = 0x10
	c.R[4] = 0x00F00000

	exit := runUntilExit(t, c, bus, 8)
	if exit.Kind != ExitBKPT || exit.Imm != 1 {
		t.Fatalf("exit = %+v", exit)
	}
	if c.R[PC] != testBase+8 {
		t.Errorf("bkpt left pc at %#x", c.R[PC])
	}
	if c.R[0] != 0xFFFFFFF0 || c.R[1] != 0xF {
		t.Errorf("umull = %#x:%#x", c.R[1], c.R[0])
	}
	if c.R[5] != 8 {
		t.Errorf("clz = %d, want 8", c.R[5])
	}
}

func TestLoadFaultLeavesStateForRetry(t *testing.T) {
	bus := newFlatBus(0x1000)
	bus.loadARM(testBase,
		0xE4910004, // ldr r0, [r1], #4
	)
	c := NewCore()
	c.R[PC] = testBase
	c.R[1] = 0x90000000
	c.R[0] = 7

	exit := c.Step(bus)
	if exit.Kind != ExitFault || exit.Addr != 0x90000000 || exit.Write {
		t.Fatalf("exit = %+v", exit)
	}
	if c.R[PC] != testBase || c.R[1] != 0x90000000 || c.R[0] != 7 {
		t.Errorf("state changed by faulting load: pc=%#x r0=%d r1=%#x", c.R[PC], c.R[0], c.R[1])
	}

	// retry after the address becomes valid
	c.R[1] = testBase + 0x800
	bus.Write32(testBase+0x800, 99)
	if exit := c.Step(bus); exit.Kind != ExitNone {
		t.Fatalf("retry exit = %+v", exit)
	}
	if c.R[0] != 99 || c.R[1] != testBase+0x804 {
		t.Errorf("post-index load r0=%d r1=%#x", c.R[0], c.R[1])
	}
}

func TestPushPopAndCall(t *testing.T) {
	bus := newFlatBus(0x1000)
	bus.loadARM(testBase,
		0xEB000000, // bl fn
		0xEF000000, // svc #0
		0xE92D4010, // fn: push {r4, lr}
		0xE3A04005, // mov r4, #5
		0xE5854000, // str r4, [r5]
		0xE8BD8010, // pop {r4, pc}
	)
	c := NewCore()
	c.R[PC] = testBase
	c.R[SP] = testBase + 0x1000
	c.R[4] = 0xAA
	c.R[5] = testBase + 0x400

	exit := runUntilExit(t, c, bus, 16)
	if exit.Kind != ExitSVC || exit.PC != testBase+4 {
		t.Fatalf("exit = %+v", exit)
	}
	if c.R[4] != 0xAA {
		t.Errorf("r4 not restored: %#x", c.R[4])
	}
	if c.R[SP] != testBase+0x1000 {
		t.Errorf("sp = %#x", c.R[SP])
	}
	if v, _ := bus.Read32(testBase + 0x400); v != 5 {
		t.Errorf("stored %d", v)
	}
}

func TestThumbInterworkingAndIT(t *testing.T) {
	bus := newFlatBus(0x1000)
	thumb := uint32(testBase + 0x100)
	bus.loadARM(testBase,
		0xE12FFF30, // blx r0
		0xEF000001, // svc #1
	)
	bus.loadThumb(thumb,
		0x2005, // movs r0, #5
		0x1CC1, // adds r1, r0, #3
		0x2908, // cmp r1, #8
		0xBF08, // it eq
		0x2201, // moveq r2, #1
		0x2300, // movs r3, #0
		0x4770, // bx lr
	)
	c := NewCore()
	c.R[PC] = testBase
	c.R[0] = thumb | 1

	exit := runUntilExit(t, c, bus, 32)
	if exit.Kind != ExitSVC || exit.Imm != 1 {
		t.Fatalf("exit = %+v", exit)
	}
	if c.Thumb() {
		t.Error("bx lr did not return to ARM state")
	}
	if c.R[1] != 8 || c.R[2] != 1 {
		t.Errorf("r1=%d r2=%d", c.R[1], c.R[2])
	}
	if c.CPSR&FlagZ == 0 {
		t.Error("movs r3, #0 after the IT block did not set Z")
	}
	if c.InITBlock() {
		t.Error("IT state not cleared")
	}
}

func TestThumbITSkipsAndKeepsFlags(t *testing.T) {
	bus := newFlatBus(0x1000)
	bus.loadThumb(testBase,
		0x2901, // cmp r1, #1
		0xBF18, // it ne
		0x2207, // movne r2, #7 (no flags inside IT)
		0xDF02, // svc #2
	)
	c := NewCore()
	c.SetThumb(true)
	c.R[PC] = testBase
	c.R[1] = 1

	exit := runUntilExit(t, c, bus, 8)
	if exit.Kind != ExitSVC || exit.Imm != 2 {
		t.Fatalf("exit = %+v", exit)
	}
	if c.R[2] != 0 {
		t.Error("movne executed with Z set")
	}
	if c.CPSR&FlagZ == 0 {
		t.Error("flags changed inside the IT block")
	}
}

func TestThumbBL(t *testing.T) {
	bus := newFlatBus(0x1000)
	bus.loadThumb(testBase,
		0xF000, 0xF802, // bl +4
		0xDF00, // svc #0
		0x0000,
		0x2109, // movs r1, #9
		0x4770, // bx lr
	)
	c := NewCore()
	c.SetThumb(true)
	c.R[PC] = testBase

	exit := runUntilExit(t, c, bus, 8)
	if exit.Kind != ExitSVC || exit.PC != testBase+4 {
		t.Fatalf("exit = %+v", exit)
	}
	if c.R[1] != 9 || c.R[LR] != (testBase+4)|1 {
		t.Errorf("r1=%d lr=%#x", c.R[1], c.R[LR])
	}
}

func TestVFP(t *testing.T) {
	bus := newFlatBus(0x1000)
	bus.loadARM(testBase,
		0xEE000A10, // vmov s0, r0
		0xEE001A90, // vmov s1, r1
		0xEE301A20, // vadd.f32 s2, s0, s1
		0xEE111A10, // vmov r1, s2
		0xEEB41A40, // vcmp.f32 s2, s0
		0xEEF1FA10, // vmrs APSR_nzcv, fpscr
		0xEEBD2AC1, // vcvt.s32.f32 s4, s2
		0xEE122A10, // vmov r2, s4
		0xEF000000, // svc #0
	)
	c := NewCore()
	c.R[PC] = testBase
	c.R[0] = math.Float32bits(1.5)
	c.R[1] = math.Float32bits(2.25)

	if exit := runUntilExit(t, c, bus, 16); exit.Kind != ExitSVC {
		t.Fatalf("exit = %+v", exit)
	}
	if got := math.Float32frombits(c.R[1]); got != 3.75 {
		t.Errorf("vadd = %v", got)
	}
	// 3.75 > 1.5: N=0 Z=0 C=1 V=0
	if c.CPSR&(FlagN|FlagZ|FlagC|FlagV) != FlagC {
		t.Errorf("vcmp flags = %#x", c.CPSR>>28)
	}
	if c.R[2] != 3 {
		t.Errorf("vcvt toward zero = %d", c.R[2])
	}
}

func TestExclusive(t *testing.T) {
	bus := newFlatBus(0x1000)
	bus.loadARM(testBase,
		0xE1910F9F, // ldrex r0, [r1]
		0xE2800001, // add r0, r0, #1
		0xE1812F90, // strex r2, r0, [r1]
		0xEF000000, // svc #0
	)
	addr := uint32(testBase + 0x800)
	bus.Write32(addr, 41)

	c := NewCore()
	c.R[PC] = testBase
	c.R[1] = addr
	runUntilExit(t, c, bus, 8)
	if c.R[2] != 0 {
		t.Fatal("uncontended strex failed")
	}
	if v, _ := bus.Read32(addr); v != 42 {
		t.Errorf("memory = %d", v)
	}

	// another core changes the word between ldrex and strex
	c.R[PC] = testBase
	c.Step(bus)
	bus.Write32(addr, 100)
	runUntilExit(t, c, bus, 8)
	if c.R[2] != 1 {
		t.Error("strex succeeded after the value changed")
	}
	if v, _ := bus.Read32(addr); v != 100 {
		t.Errorf("failed strex wrote memory: %d", v)
	}
}

func TestUndefined(t *testing.T) {
	bus := newFlatBus(0x1000)
	bus.loadARM(testBase, 0xE7F000F0) // udf
	c := NewCore()
	c.R[PC] = testBase
	exit := c.Step(bus)
	if exit.Kind != ExitUndefined || c.R[PC] != testBase {
		t.Errorf("exit = %+v pc=%#x", exit, c.R[PC])
	}

	// a Thumb-2 data processing encoding is reported undefined
	bus.loadThumb(testBase+0x10, 0xF040, 0x0001)
	c.SetThumb(true)
	c.R[PC] = testBase + 0x10
	if exit := c.Step(bus); exit.Kind != ExitUndefined {
		t.Errorf("thumb-2 exit = %+v", exit)
	}
}

func TestDecodeARMBlockEnds(t *testing.T) {
	tests := []struct {
		name string
		w    uint32
		cond uint32
		ends bool
	}{
		{"add r0, r0, r2", 0xE0800002, CondAL, false},
		{"addeq pc, r0, r2", 0x0080F002, 0, true},
		{"bx lr", 0xE12FFF1E, CondAL, true},
		{"b", 0xEA000000, CondAL, true},
		{"push {lr}", 0xE92D4000, CondAL, false},
		{"pop {pc}", 0xE8BD8000, CondAL, true},
		{"svc #0", 0xEF000000, CondAL, true},
		{"udf", 0xE7F000F0, CondAL, true},
	}
	for _, tt := range tests {
		in := DecodeARM(tt.w)
		if in.Raw != tt.w || in.Size != 4 || in.Thumb || in.Op == nil {
			t.Errorf("%s: decoded %+v", tt.name, in)
		}
		if in.Cond != tt.cond || in.Ends != tt.ends {
			t.Errorf("%s: cond %#x ends %v, want %#x %v", tt.name, in.Cond, in.Ends, tt.cond, tt.ends)
		}
	}
}

func TestShiftCarry(t *testing.T) {
	cases := []struct {
		v      uint32
		typ    shiftType
		amount uint32
		want   uint32
		carry  bool
	}{
		{0x80000001, shiftLSL, 1, 2, true},
		{0x80000001, shiftLSR, 1, 0x40000000, true},
		{0x80000000, shiftASR, 4, 0xF8000000, false},
		{0x80000000, shiftASR, 40, 0xFFFFFFFF, true},
		{0x00000001, shiftROR, 1, 0x80000000, true},
		{0x00000003, shiftRRX, 1, 0x80000001, true},
		{0x00000001, shiftLSL, 32, 0, true},
		{0x80000000, shiftLSR, 33, 0, false},
	}
	for _, tc := range cases {
		got, carry := shiftC(tc.v, tc.typ, tc.amount, true)
		if got != tc.want || carry != tc.carry {
			t.Errorf("shift(%#x, %d, %d) = %#x/%v, want %#x/%v", tc.v, tc.typ, tc.amount, got, carry, tc.want, tc.carry)
		}
	}
}
