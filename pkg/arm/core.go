package arm

import (
	"fmt"
	"math/bits"
)

// CPSR bits
const (
	FlagN = 1 << 31
	FlagZ = 1 << 30
	FlagC = 1 << 29
	FlagV = 1 << 28
	FlagQ = 1 << 27
	FlagT = 1 << 5

	flagsMask = FlagN | FlagZ | FlagC | FlagV | FlagQ
	geMask    = 0xF << 16
	// ModeUser is the only processor mode guest code runs in.
	ModeUser = 0x10
)

// Condition codes
const (
	CondEQ = iota
	CondNE
	CondCS
	CondCC
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
	condNone
)

// Register aliases
const (
	SP = 13
	LR = 14
	PC = 15
)

// Bus is how a core reaches guest memory. Accesses report false on a fault
// and must leave memory untouched.
type Bus interface {
	Read8(addr uint32) (uint8, bool)
	Read16(addr uint32) (uint16, bool)
	Read32(addr uint32) (uint32, bool)
	Write8(addr uint32, v uint8) bool
	Write16(addr uint32, v uint16) bool
	Write32(addr uint32, v uint32) bool
}

type ExitKind uint8

const (
	ExitNone ExitKind = iota
	ExitSVC
	ExitBKPT
	ExitUndefined
	ExitFault
)

func (k ExitKind) String() string {
	switch k {
	case ExitNone:
		return "none"
	case ExitSVC:
		return "svc"
	case ExitBKPT:
		return "bkpt"
	case ExitUndefined:
		return "undefined"
	case ExitFault:
		return "fault"
	}
	return fmt.Sprintf("ExitKind(%d)", k)
}

// Exit describes why an instruction stopped sequential execution.
// PC is the address of the instruction that produced it.
type Exit struct {
	Kind  ExitKind
	Imm   uint32 // SVC/BKPT immediate
	Addr  uint32 // faulting address
	Write bool   // fault was a store
	PC    uint32
}

func fault(addr uint32, write bool) Exit {
	return Exit{Kind: ExitFault, Addr: addr, Write: write}
}

func undefined() Exit {
	return Exit{Kind: ExitUndefined}
}

// Core is the architectural state of one ARMv7 user-mode core.
// R[15] holds the address of the next instruction to execute.
type Core struct {
	R        [16]uint32
	CPSR     uint32
	FPSCR    uint32
	S        [64]uint32 // VFP register file, D[n] = S[2n+1]:S[2n]
	TPIDRURO uint32

	cur       uint32 // address of the executing instruction
	exclusive exclusiveMonitor
}

func NewCore() *Core {
	return &Core{CPSR: ModeUser}
}

func (c *Core) Thumb() bool {
	return c.CPSR&FlagT != 0
}

func (c *Core) SetThumb(thumb bool) {
	if thumb {
		c.CPSR |= FlagT
	} else {
		c.CPSR &^= FlagT
	}
}

// ClearExclusive drops the core's exclusive reservation.
func (c *Core) ClearExclusive() {
	c.exclusive = exclusiveMonitor{}
}

// reg reads a register operand, with PC reading ahead of the executing
// instruction by 8 (ARM) or 4 (Thumb).
func (c *Core) reg(n uint32) uint32 {
	if n == PC {
		return c.pcOperand()
	}
	return c.R[n]
}

func (c *Core) pcOperand() uint32 {
	if c.Thumb() {
		return c.cur + 4
	}
	return c.cur + 8
}

// alignedPC is Align(PC, 4) as used by literal loads and ADR.
func (c *Core) alignedPC() uint32 {
	return c.pcOperand() &^ 3
}

// bxWritePC branches with interworking: bit 0 selects Thumb.
func (c *Core) bxWritePC(addr uint32) {
	if addr&1 != 0 {
		c.SetThumb(true)
		c.R[PC] = addr &^ 1
	} else {
		c.SetThumb(false)
		c.R[PC] = addr &^ 3
	}
}

// branchWritePC branches without changing instruction set.
func (c *Core) branchWritePC(addr uint32) {
	if c.Thumb() {
		c.R[PC] = addr &^ 1
	} else {
		c.R[PC] = addr &^ 3
	}
}

// aluWritePC is how data processing results reach PC: interworking in ARM
// state, a plain branch in Thumb state.
func (c *Core) aluWritePC(addr uint32) {
	if c.Thumb() {
		c.branchWritePC(addr)
	} else {
		c.bxWritePC(addr)
	}
}

func (c *Core) flagC() bool { return c.CPSR&FlagC != 0 }

func (c *Core) setNZ(result uint32) {
	c.CPSR &^= FlagN | FlagZ
	c.CPSR |= result & FlagN
	if result == 0 {
		c.CPSR |= FlagZ
	}
}

func (c *Core) setNZC(result uint32, carry bool) {
	c.setNZ(result)
	c.setFlag(FlagC, carry)
}

func (c *Core) setNZCV(result uint32, carry, overflow bool) {
	c.setNZC(result, carry)
	c.setFlag(FlagV, overflow)
}

func (c *Core) setFlag(flag uint32, on bool) {
	if on {
		c.CPSR |= flag
	} else {
		c.CPSR &^= flag
	}
}

// ConditionPassed evaluates cond against the current flags.
func (c *Core) ConditionPassed(cond uint32) bool {
	n := c.CPSR&FlagN != 0
	z := c.CPSR&FlagZ != 0
	cf := c.CPSR&FlagC != 0
	v := c.CPSR&FlagV != 0

	var result bool
	switch cond >> 1 {
	case 0:
		result = z
	case 1:
		result = cf
	case 2:
		result = n
	case 3:
		result = v
	case 4:
		result = cf && !z
	case 5:
		result = n == v
	case 6:
		result = n == v && !z
	default:
		return true
	}
	if cond&1 != 0 {
		result = !result
	}
	return result
}

// IT state lives in CPSR[26:25] (low bits) and CPSR[15:10] (high bits).
func (c *Core) itState() uint32 {
	return (c.CPSR>>25)&3 | (c.CPSR>>8)&0xFC
}

func (c *Core) setITState(it uint32) {
	c.CPSR &^= 3<<25 | 0x3F<<10
	c.CPSR |= (it&3)<<25 | (it&0xFC)<<8
}

// InITBlock reports whether the next Thumb instruction is conditional on an
// IT instruction.
func (c *Core) InITBlock() bool {
	return c.itState()&0xF != 0
}

func (c *Core) advanceIT() {
	it := c.itState()
	if it&7 == 0 {
		c.setITState(0)
		return
	}
	c.setITState(it&0xE0 | (it<<1)&0x1F)
}

// Op executes one decoded instruction against the core.
type Op func(c *Core, bus Bus) Exit

// Inst is a decoded instruction with its operands bound into Op.
type Inst struct {
	Raw   uint32
	Size  uint32
	Cond  uint32
	Thumb bool
	// Ends marks instructions that may write PC or trap, which end a
	// translated block.
	Ends bool
	// it marks the IT instruction itself, which is never conditional.
	it bool
	Op Op
}

// Exec runs in at the current PC. On a fault, undefined instruction or BKPT
// the PC is left on the instruction so it can be retried or reported.
func (c *Core) Exec(in *Inst, bus Bus) Exit {
	pc := c.R[PC]
	c.cur = pc

	cond := in.Cond
	inIT := false
	if in.Thumb && !in.it && c.InITBlock() {
		cond = c.itState() >> 4
		inIT = true
	}

	c.R[PC] = pc + in.Size
	var exit Exit
	if cond == CondAL || c.ConditionPassed(cond) {
		exit = in.Op(c, bus)
	}
	exit.PC = pc

	switch exit.Kind {
	case ExitFault, ExitUndefined, ExitBKPT:
		c.R[PC] = pc
		return exit
	}
	if inIT {
		c.advanceIT()
	}
	return exit
}

// Step fetches, decodes and executes the instruction at PC.
func (c *Core) Step(bus Bus) Exit {
	in, exit := Fetch(bus, c.R[PC], c.Thumb())
	if exit.Kind != ExitNone {
		return exit
	}
	return c.Exec(&in, bus)
}

// Fetch decodes the instruction at pc.
func Fetch(bus Bus, pc uint32, thumb bool) (Inst, Exit) {
	if thumb {
		hw1, ok := bus.Read16(pc)
		if !ok {
			return Inst{}, Exit{Kind: ExitFault, Addr: pc, PC: pc}
		}
		if isThumb32(hw1) {
			hw2, ok := bus.Read16(pc + 2)
			if !ok {
				return Inst{}, Exit{Kind: ExitFault, Addr: pc + 2, PC: pc}
			}
			return DecodeThumb32(uint32(hw1)<<16 | uint32(hw2)), Exit{}
		}
		return DecodeThumb16(hw1), Exit{}
	}
	w, ok := bus.Read32(pc)
	if !ok {
		return Inst{}, Exit{Kind: ExitFault, Addr: pc, PC: pc}
	}
	return DecodeARM(w), Exit{}
}

// Shifts

type shiftType uint8

const (
	shiftLSL shiftType = iota
	shiftLSR
	shiftASR
	shiftROR
	shiftRRX
)

// decodeImmShift turns a 2-bit type and 5-bit amount into a shift.
func decodeImmShift(typ, imm5 uint32) (shiftType, uint32) {
	switch typ {
	case 0:
		return shiftLSL, imm5
	case 1:
		if imm5 == 0 {
			return shiftLSR, 32
		}
		return shiftLSR, imm5
	case 2:
		if imm5 == 0 {
			return shiftASR, 32
		}
		return shiftASR, imm5
	default:
		if imm5 == 0 {
			return shiftRRX, 1
		}
		return shiftROR, imm5
	}
}

func shiftC(v uint32, typ shiftType, amount uint32, carryIn bool) (uint32, bool) {
	if amount == 0 && typ != shiftRRX {
		return v, carryIn
	}
	switch typ {
	case shiftLSL:
		switch {
		case amount < 32:
			return v << amount, v&(1<<(32-amount)) != 0
		case amount == 32:
			return 0, v&1 != 0
		default:
			return 0, false
		}
	case shiftLSR:
		switch {
		case amount < 32:
			return v >> amount, v&(1<<(amount-1)) != 0
		case amount == 32:
			return 0, v&(1<<31) != 0
		default:
			return 0, false
		}
	case shiftASR:
		if amount >= 32 {
			if int32(v) < 0 {
				return 0xFFFFFFFF, true
			}
			return 0, false
		}
		return uint32(int32(v) >> amount), v&(1<<(amount-1)) != 0
	case shiftROR:
		amount &= 31
		if amount == 0 {
			return v, v&(1<<31) != 0
		}
		r := bits.RotateLeft32(v, -int(amount))
		return r, r&(1<<31) != 0
	default:
		var in uint32
		if carryIn {
			in = 1 << 31
		}
		return in | v>>1, v&1 != 0
	}
}

func addWithCarry(x, y uint32, carry bool) (uint32, bool, bool) {
	var cin uint64
	if carry {
		cin = 1
	}
	sum := uint64(x) + uint64(y) + cin
	res := uint32(sum)
	return res, sum>>32 != 0, ((x^res)&(y^res))>>31 != 0
}

// armExpandImm decodes a 12-bit modified immediate.
func armExpandImm(imm12 uint32, carryIn bool) (uint32, bool) {
	rot := (imm12 >> 8) * 2
	v := imm12 & 0xFF
	if rot == 0 {
		return v, carryIn
	}
	r := bits.RotateLeft32(v, -int(rot))
	return r, r&(1<<31) != 0
}

func signExtend(v uint32, width uint) uint32 {
	shift := 32 - width
	return uint32(int32(v<<shift) >> shift)
}
