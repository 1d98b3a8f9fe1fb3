package arm

import (
	"math/bits"
)

func isThumb32(hw1 uint16) bool {
	return hw1>>11 >= 0x1D
}

// thumbFlags reports whether a flag setting Thumb-16 instruction sets flags,
// which it does only outside an IT block.
func thumbFlags(c *Core) bool {
	return !c.InITBlock()
}

// DecodeThumb16 decodes one 16-bit Thumb instruction.
func DecodeThumb16(hw uint16) Inst {
	w := uint32(hw)
	in := Inst{Raw: w, Size: 2, Cond: CondAL, Thumb: true}
	var ok bool
	switch w >> 12 {
	case 0, 1:
		ok = decodeThumbShiftAddSub(w, &in)
	case 2, 3:
		ok = decodeThumbImm8(w, &in)
	case 4:
		switch {
		case w>>10 == 0x10:
			ok = decodeThumbDataProcessing(w, &in)
		case w>>10 == 0x11:
			ok = decodeThumbSpecial(w, &in)
		default:
			rt := bitsOf(w, 10, 8)
			in.Op = loadStore(true, memWord, rt, PC, immOffset(bitsOf(w, 7, 0)<<2), true, true, false)
			ok = true
		}
	case 5:
		ok = decodeThumbLoadStoreReg(w, &in)
	case 6, 7, 8, 9:
		ok = decodeThumbLoadStoreImm(w, &in)
	case 10:
		rd := bitsOf(w, 10, 8)
		imm := bitsOf(w, 7, 0) << 2
		if bit(w, 11) {
			in.Op = func(c *Core, _ Bus) Exit {
				c.R[rd] = c.R[SP] + imm
				return Exit{}
			}
		} else {
			in.Op = func(c *Core, _ Bus) Exit {
				c.R[rd] = c.alignedPC() + imm
				return Exit{}
			}
		}
		ok = true
	case 11:
		ok = decodeThumbMisc(w, &in)
	case 12:
		rn := bitsOf(w, 10, 8)
		list := uint16(bitsOf(w, 7, 0))
		if list == 0 {
			break
		}
		if bit(w, 11) {
			in.Op = blockTransfer(true, rn, list, blockIA, list&(1<<rn) == 0)
		} else {
			in.Op = blockTransfer(false, rn, list, blockIA, true)
		}
		ok = true
	case 13:
		ok = decodeThumbCondBranch(w, &in)
	case 14:
		if bit(w, 11) {
			break
		}
		imm := signExtend(bitsOf(w, 10, 0)<<1, 12)
		in.Ends = true
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[PC] = c.pcOperand() + imm
			return Exit{}
		}
		ok = true
	}
	if !ok {
		return undefinedInst(w, 2, true)
	}
	return in
}

func decodeThumbShiftAddSub(w uint32, in *Inst) bool {
	rd := bitsOf(w, 2, 0)
	rm := bitsOf(w, 5, 3)
	op := bitsOf(w, 12, 11)

	if op != 3 {
		st, amount := decodeImmShift(op, bitsOf(w, 10, 6))
		in.Op = func(c *Core, _ Bus) Exit {
			r, carry := shiftC(c.R[rm], st, amount, c.flagC())
			c.R[rd] = r
			if thumbFlags(c) {
				c.setNZC(r, carry)
			}
			return Exit{}
		}
		return true
	}

	rn := rm
	sub := bit(w, 9)
	var y func(c *Core) uint32
	if bit(w, 10) {
		imm := bitsOf(w, 8, 6)
		y = func(*Core) uint32 { return imm }
	} else {
		rm := bitsOf(w, 8, 6)
		y = func(c *Core) uint32 { return c.R[rm] }
	}
	in.Op = func(c *Core, _ Bus) Exit {
		var r uint32
		var carry, overflow bool
		if sub {
			r, carry, overflow = addWithCarry(c.R[rn], ^y(c), true)
		} else {
			r, carry, overflow = addWithCarry(c.R[rn], y(c), false)
		}
		c.R[rd] = r
		if thumbFlags(c) {
			c.setNZCV(r, carry, overflow)
		}
		return Exit{}
	}
	return true
}

func decodeThumbImm8(w uint32, in *Inst) bool {
	rd := bitsOf(w, 10, 8)
	imm := bitsOf(w, 7, 0)
	switch bitsOf(w, 12, 11) {
	case 0: // MOV
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[rd] = imm
			if thumbFlags(c) {
				c.setNZ(imm)
			}
			return Exit{}
		}
	case 1: // CMP
		in.Op = func(c *Core, _ Bus) Exit {
			r, carry, overflow := addWithCarry(c.R[rd], ^imm, true)
			c.setNZCV(r, carry, overflow)
			return Exit{}
		}
	case 2: // ADD
		in.Op = func(c *Core, _ Bus) Exit {
			r, carry, overflow := addWithCarry(c.R[rd], imm, false)
			c.R[rd] = r
			if thumbFlags(c) {
				c.setNZCV(r, carry, overflow)
			}
			return Exit{}
		}
	default: // SUB
		in.Op = func(c *Core, _ Bus) Exit {
			r, carry, overflow := addWithCarry(c.R[rd], ^imm, true)
			c.R[rd] = r
			if thumbFlags(c) {
				c.setNZCV(r, carry, overflow)
			}
			return Exit{}
		}
	}
	return true
}

// Thumb data processing opcodes, bits [9:6].
const (
	tAND = iota
	tEOR
	tLSL
	tLSR
	tASR
	tADC
	tSBC
	tROR
	tTST
	tRSB
	tCMP
	tCMN
	tORR
	tMUL
	tBIC
	tMVN
)

func decodeThumbDataProcessing(w uint32, in *Inst) bool {
	op := bitsOf(w, 9, 6)
	rm := bitsOf(w, 5, 3)
	rdn := bitsOf(w, 2, 0)

	switch op {
	case tLSL, tLSR, tASR, tROR:
		st := [...]shiftType{tLSL: shiftLSL, tLSR: shiftLSR, tASR: shiftASR, tROR: shiftROR}[op]
		in.Op = func(c *Core, _ Bus) Exit {
			r, carry := shiftC(c.R[rdn], st, c.R[rm]&0xFF, c.flagC())
			c.R[rdn] = r
			if thumbFlags(c) {
				c.setNZC(r, carry)
			}
			return Exit{}
		}
		return true
	case tMUL:
		in.Op = func(c *Core, _ Bus) Exit {
			r := c.R[rdn] * c.R[rm]
			c.R[rdn] = r
			if thumbFlags(c) {
				c.setNZ(r)
			}
			return Exit{}
		}
		return true
	case tRSB:
		in.Op = func(c *Core, _ Bus) Exit {
			r, carry, overflow := addWithCarry(^c.R[rm], 0, true)
			c.R[rdn] = r
			if thumbFlags(c) {
				c.setNZCV(r, carry, overflow)
			}
			return Exit{}
		}
		return true
	}

	// The rest map onto the A32 opcodes.
	opc := [...]uint32{
		tAND: opAND, tEOR: opEOR, tADC: opADC, tSBC: opSBC, tTST: opTST,
		tCMP: opCMP, tCMN: opCMN, tORR: opORR, tBIC: opBIC, tMVN: opMVN,
	}[op]
	alwaysFlags := op == tTST || op == tCMP || op == tCMN
	in.Op = func(c *Core, _ Bus) Exit {
		result, carry, overflow, write, logical := alu(c, opc, c.R[rdn], c.R[rm], c.flagC())
		if write {
			c.R[rdn] = result
		}
		if alwaysFlags || thumbFlags(c) {
			if logical {
				c.setNZC(result, carry)
			} else {
				c.setNZCV(result, carry, overflow)
			}
		}
		return Exit{}
	}
	return true
}

func decodeThumbSpecial(w uint32, in *Inst) bool {
	rm := bitsOf(w, 6, 3)
	rdn := bitsOf(w, 7, 7)<<3 | bitsOf(w, 2, 0)

	switch bitsOf(w, 9, 8) {
	case 0: // ADD (register), no flags
		in.Ends = rdn == PC
		in.Op = func(c *Core, _ Bus) Exit {
			r := c.reg(rdn) + c.reg(rm)
			if rdn == PC {
				c.branchWritePC(r)
			} else {
				c.R[rdn] = r
			}
			return Exit{}
		}
	case 1: // CMP (register)
		if rdn == PC || rm == PC {
			return false
		}
		in.Op = func(c *Core, _ Bus) Exit {
			r, carry, overflow := addWithCarry(c.R[rdn], ^c.R[rm], true)
			c.setNZCV(r, carry, overflow)
			return Exit{}
		}
	case 2: // MOV (register), no flags
		in.Ends = rdn == PC
		in.Op = func(c *Core, _ Bus) Exit {
			v := c.reg(rm)
			if rdn == PC {
				c.branchWritePC(v)
			} else {
				c.R[rdn] = v
			}
			return Exit{}
		}
	default: // BX, BLX
		link := bit(w, 7)
		if bitsOf(w, 2, 0) != 0 || (link && rm == PC) {
			return false
		}
		in.Ends = true
		in.Op = func(c *Core, _ Bus) Exit {
			target := c.reg(rm)
			if link {
				c.R[LR] = (c.cur + 2) | 1
			}
			c.bxWritePC(target)
			return Exit{}
		}
	}
	return true
}

func decodeThumbLoadStoreReg(w uint32, in *Inst) bool {
	rm := bitsOf(w, 8, 6)
	rn := bitsOf(w, 5, 3)
	rt := bitsOf(w, 2, 0)
	off := regOffset(rm, shiftLSL, 0)

	kinds := [...]struct {
		load bool
		kind memKind
	}{
		{false, memWord}, {false, memHalf}, {false, memByte}, {true, memSignedByte},
		{true, memWord}, {true, memHalf}, {true, memByte}, {true, memSignedHalf},
	}
	k := kinds[bitsOf(w, 11, 9)]
	in.Op = loadStore(k.load, k.kind, rt, rn, off, true, true, false)
	return true
}

func decodeThumbLoadStoreImm(w uint32, in *Inst) bool {
	load := bit(w, 11)
	rn := bitsOf(w, 5, 3)
	rt := bitsOf(w, 2, 0)
	imm5 := bitsOf(w, 10, 6)

	switch w >> 12 {
	case 6:
		in.Op = loadStore(load, memWord, rt, rn, immOffset(imm5<<2), true, true, false)
	case 7:
		in.Op = loadStore(load, memByte, rt, rn, immOffset(imm5), true, true, false)
	case 8:
		in.Op = loadStore(load, memHalf, rt, rn, immOffset(imm5<<1), true, true, false)
	default:
		rt = bitsOf(w, 10, 8)
		in.Op = loadStore(load, memWord, rt, SP, immOffset(bitsOf(w, 7, 0)<<2), true, true, false)
	}
	return true
}

func decodeThumbMisc(w uint32, in *Inst) bool {
	switch bitsOf(w, 11, 8) {
	case 0x0:
		imm := bitsOf(w, 6, 0) << 2
		if bit(w, 7) {
			in.Op = func(c *Core, _ Bus) Exit {
				c.R[SP] -= imm
				return Exit{}
			}
		} else {
			in.Op = func(c *Core, _ Bus) Exit {
				c.R[SP] += imm
				return Exit{}
			}
		}
		return true
	case 0x1, 0x3, 0x9, 0xB:
		nonZero := bit(w, 11)
		rn := bitsOf(w, 2, 0)
		imm := bitsOf(w, 9, 9)<<6 | bitsOf(w, 7, 3)<<1
		in.Ends = true
		in.Op = func(c *Core, _ Bus) Exit {
			if (c.R[rn] != 0) == nonZero {
				c.R[PC] = c.pcOperand() + imm
			}
			return Exit{}
		}
		return true
	case 0x2:
		rm := bitsOf(w, 5, 3)
		rd := bitsOf(w, 2, 0)
		exts := [...]func(uint32) uint32{
			func(v uint32) uint32 { return uint32(int32(int16(v))) },
			func(v uint32) uint32 { return uint32(int32(int8(v))) },
			func(v uint32) uint32 { return v & 0xFFFF },
			func(v uint32) uint32 { return v & 0xFF },
		}
		in.Op = unary(rd, rm, exts[bitsOf(w, 7, 6)])
		return true
	case 0x4, 0x5:
		list := uint16(bitsOf(w, 7, 0))
		if bit(w, 8) {
			list |= 1 << LR
		}
		if list == 0 {
			return false
		}
		in.Op = blockTransfer(false, SP, list, blockDB, true)
		return true
	case 0x6:
		if bitsOf(w, 7, 5) == 3 {
			// CPS, a no-op in user mode
			in.Op = nop
			return true
		}
		return false
	case 0xA:
		rm := bitsOf(w, 5, 3)
		rd := bitsOf(w, 2, 0)
		switch bitsOf(w, 7, 6) {
		case 0:
			in.Op = unary(rd, rm, bits.ReverseBytes32)
		case 1:
			in.Op = unary(rd, rm, rev16)
		case 3:
			in.Op = unary(rd, rm, revsh)
		default:
			return false
		}
		return true
	case 0xC, 0xD:
		list := uint16(bitsOf(w, 7, 0))
		if bit(w, 8) {
			list |= 1 << PC
		}
		if list == 0 {
			return false
		}
		in.Op = blockTransfer(true, SP, list, blockIA, true)
		in.Ends = list&(1<<PC) != 0
		return true
	case 0xE:
		imm := bitsOf(w, 7, 0)
		in.Ends = true
		in.Op = func(*Core, Bus) Exit { return Exit{Kind: ExitBKPT, Imm: imm} }
		return true
	case 0xF:
		mask := bitsOf(w, 3, 0)
		if mask == 0 {
			// NOP, YIELD, WFE, WFI, SEV
			in.Op = nop
			return true
		}
		firstCond := bitsOf(w, 7, 4)
		if firstCond == 0xF || (firstCond == CondAL && bits.OnesCount32(mask) != 1) {
			return false
		}
		it := firstCond<<4 | mask
		in.it = true
		in.Op = func(c *Core, _ Bus) Exit {
			c.setITState(it)
			return Exit{}
		}
		return true
	}
	return false
}

func decodeThumbCondBranch(w uint32, in *Inst) bool {
	cond := bitsOf(w, 11, 8)
	switch cond {
	case 0xE:
		// UDF
		return false
	case 0xF:
		imm := bitsOf(w, 7, 0)
		in.Ends = true
		in.Op = func(*Core, Bus) Exit { return Exit{Kind: ExitSVC, Imm: imm} }
		return true
	}
	imm := signExtend(bitsOf(w, 7, 0)<<1, 9)
	in.Cond = cond
	in.Ends = true
	in.Op = func(c *Core, _ Bus) Exit {
		c.R[PC] = c.pcOperand() + imm
		return Exit{}
	}
	return true
}

// DecodeThumb32 decodes a 32-bit Thumb instruction given as hw1<<16 | hw2.
// Only the branch encodings are supported.
func DecodeThumb32(w uint32) Inst {
	hw1 := w >> 16
	hw2 := w & 0xFFFF
	if hw1>>11 != 0x1E || hw2>>14 != 3 && hw2>>14 != 2 {
		return undefinedInst(w, 4, true)
	}

	s := bitsOf(hw1, 10, 10)
	j1 := bitsOf(hw2, 13, 13)
	j2 := bitsOf(hw2, 11, 11)
	i1 := ^(j1 ^ s) & 1
	i2 := ^(j2 ^ s) & 1
	in := Inst{Raw: w, Size: 4, Cond: CondAL, Thumb: true, Ends: true}

	switch {
	case hw2>>14 == 3 && bit(hw2, 12):
		// BL
		imm := signExtend(s<<24|i1<<23|i2<<22|bitsOf(hw1, 9, 0)<<12|bitsOf(hw2, 10, 0)<<1, 25)
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[LR] = (c.cur + 4) | 1
			c.R[PC] = c.pcOperand() + imm
			return Exit{}
		}
	case hw2>>14 == 3:
		// BLX (immediate)
		if bit(hw2, 0) {
			return undefinedInst(w, 4, true)
		}
		imm := signExtend(s<<24|i1<<23|i2<<22|bitsOf(hw1, 9, 0)<<12|bitsOf(hw2, 10, 1)<<2, 25)
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[LR] = (c.cur + 4) | 1
			c.SetThumb(false)
			c.R[PC] = c.alignedPC() + imm
			return Exit{}
		}
	case bit(hw2, 12):
		// B.W
		imm := signExtend(s<<24|i1<<23|i2<<22|bitsOf(hw1, 9, 0)<<12|bitsOf(hw2, 10, 0)<<1, 25)
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[PC] = c.pcOperand() + imm
			return Exit{}
		}
	default:
		return undefinedInst(w, 4, true)
	}
	return in
}
