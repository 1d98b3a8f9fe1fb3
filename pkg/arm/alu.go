package arm

// Data processing opcodes, bits [24:21] of an A32 instruction.
const (
	opAND = iota
	opEOR
	opSUB
	opRSB
	opADD
	opADC
	opSBC
	opRSC
	opTST
	opTEQ
	opCMP
	opCMN
	opORR
	opMOV
	opBIC
	opMVN
)

// operand produces the second operand of a data processing instruction and
// the shifter carry out.
type operand func(c *Core) (uint32, bool)

func immOperand(imm12 uint32) operand {
	return func(c *Core) (uint32, bool) {
		return armExpandImm(imm12, c.flagC())
	}
}

func regShiftImmOperand(rm uint32, typ shiftType, amount uint32) operand {
	return func(c *Core) (uint32, bool) {
		return shiftC(c.reg(rm), typ, amount, c.flagC())
	}
}

func regShiftRegOperand(rm, rs uint32, typ shiftType) operand {
	return func(c *Core) (uint32, bool) {
		return shiftC(c.R[rm], typ, c.R[rs]&0xFF, c.flagC())
	}
}

// alu computes a data processing result. write reports whether the result
// goes to Rd.
func alu(c *Core, opc, x, y uint32, shifterCarry bool) (result uint32, carry, overflow, write, logical bool) {
	cf := c.flagC()
	switch opc {
	case opAND, opTST:
		return x & y, shifterCarry, false, opc == opAND, true
	case opEOR, opTEQ:
		return x ^ y, shifterCarry, false, opc == opEOR, true
	case opORR:
		return x | y, shifterCarry, false, true, true
	case opMOV:
		return y, shifterCarry, false, true, true
	case opBIC:
		return x &^ y, shifterCarry, false, true, true
	case opMVN:
		return ^y, shifterCarry, false, true, true
	case opSUB, opCMP:
		r, co, v := addWithCarry(x, ^y, true)
		return r, co, v, opc == opSUB, false
	case opRSB:
		r, co, v := addWithCarry(y, ^x, true)
		return r, co, v, true, false
	case opADD, opCMN:
		r, co, v := addWithCarry(x, y, false)
		return r, co, v, opc == opADD, false
	case opADC:
		r, co, v := addWithCarry(x, y, cf)
		return r, co, v, true, false
	case opSBC:
		r, co, v := addWithCarry(x, ^y, cf)
		return r, co, v, true, false
	default: // opRSC
		r, co, v := addWithCarry(y, ^x, cf)
		return r, co, v, true, false
	}
}

// dataProcessing binds an A32 data processing instruction.
func dataProcessing(opc uint32, setFlags bool, rd, rn uint32, op2 operand) Op {
	return func(c *Core, _ Bus) Exit {
		y, shifterCarry := op2(c)
		var x uint32
		if opc != opMOV && opc != opMVN {
			x = c.reg(rn)
		}
		result, carry, overflow, write, logical := alu(c, opc, x, y, shifterCarry)
		if write && rd == PC {
			if setFlags {
				// exception return, not available in user mode
				return undefined()
			}
			c.aluWritePC(result)
			return Exit{}
		}
		if write {
			c.R[rd] = result
		}
		if setFlags {
			if logical {
				c.setNZC(result, carry)
			} else {
				c.setNZCV(result, carry, overflow)
			}
		}
		return Exit{}
	}
}
