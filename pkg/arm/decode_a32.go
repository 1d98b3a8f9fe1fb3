package arm

import (
	"math/bits"
)

func bitsOf(w uint32, hi, lo uint) uint32 {
	return (w >> lo) & (1<<(hi-lo+1) - 1)
}

func bit(w uint32, n uint) bool {
	return w&(1<<n) != 0
}

func undefinedInst(raw, size uint32, thumb bool) Inst {
	return Inst{Raw: raw, Size: size, Cond: CondAL, Thumb: thumb, Ends: true, Op: func(*Core, Bus) Exit { return undefined() }}
}

func nop(*Core, Bus) Exit { return Exit{} }

// DecodeARM decodes one A32 instruction.
func DecodeARM(w uint32) Inst {
	cond := w >> 28
	if cond == 0xF {
		return decodeARMUnconditional(w)
	}

	in := Inst{Raw: w, Size: 4, Cond: cond}
	var ok bool
	switch bitsOf(w, 27, 25) {
	case 0, 1:
		ok = decodeARMDataMisc(w, &in)
	case 2:
		ok = decodeARMLoadStore(w, &in)
	case 3:
		if bit(w, 4) {
			ok = decodeARMMedia(w, &in)
		} else {
			ok = decodeARMLoadStore(w, &in)
		}
	case 4, 5:
		ok = decodeARMBranchBlock(w, &in)
	default:
		ok = decodeARMCoproc(w, &in)
	}
	if !ok {
		return undefinedInst(w, 4, false)
	}
	return in
}

func decodeARMUnconditional(w uint32) Inst {
	in := Inst{Raw: w, Size: 4, Cond: CondAL, Op: nop}
	switch {
	case bitsOf(w, 27, 25) == 5:
		// BLX (immediate)
		imm := signExtend(bitsOf(w, 23, 0)<<2|bitsOf(w, 24, 24)<<1, 26)
		in.Ends = true
		in.Op = func(c *Core, _ Bus) Exit {
			target := c.pcOperand() + imm
			c.R[LR] = c.cur + 4
			c.SetThumb(true)
			c.R[PC] = target &^ 1
			return Exit{}
		}
		return in
	case w == 0xF57FF01F:
		in.Op = func(c *Core, _ Bus) Exit {
			c.ClearExclusive()
			return Exit{}
		}
		return in
	case w&0xFFFFFFF0 == 0xF57FF040, w&0xFFFFFFF0 == 0xF57FF050, w&0xFFFFFFF0 == 0xF57FF060:
		// DSB, DMB, ISB
		return in
	case w&0xFD70F000 == 0xF550F000, w&0xFD70F010 == 0xF650F000:
		// PLD, PLDW
		return in
	case w&0xFF70F000 == 0xF450F000:
		// PLI
		return in
	}
	return undefinedInst(w, 4, false)
}

func decodeARMDataMisc(w uint32, in *Inst) bool {
	op1 := bitsOf(w, 24, 20)
	rn := bitsOf(w, 19, 16)
	rd := bitsOf(w, 15, 12)

	if !bit(w, 25) {
		switch {
		case bitsOf(w, 7, 4) == 9:
			if bit(w, 24) {
				return decodeARMSync(w, in)
			}
			return decodeARMMultiply(w, in)
		case bit(w, 7) && bit(w, 4):
			return decodeARMExtraLoadStore(w, in)
		case op1&0x19 == 0x10:
			if bit(w, 7) {
				// halfword multiplies
				return false
			}
			return decodeARMMisc(w, in)
		}

		opc := bitsOf(w, 24, 21)
		s := bit(w, 20)
		rm := bitsOf(w, 3, 0)
		typ := bitsOf(w, 6, 5)
		var op2 operand
		if bit(w, 4) {
			if rd == PC || rn == PC || rm == PC || bitsOf(w, 11, 8) == PC {
				return false
			}
			op2 = regShiftRegOperand(rm, bitsOf(w, 11, 8), shiftType(typ))
		} else {
			st, amount := decodeImmShift(typ, bitsOf(w, 11, 7))
			op2 = regShiftImmOperand(rm, st, amount)
		}
		in.Op = dataProcessing(opc, s, rd, rn, op2)
		in.Ends = rd == PC && opc&0xC != 0x8
		return true
	}

	switch {
	case op1 == 0x10:
		// MOVW
		imm := bitsOf(w, 19, 16)<<12 | bitsOf(w, 11, 0)
		if rd == PC {
			return false
		}
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[rd] = imm
			return Exit{}
		}
		return true
	case op1 == 0x14:
		// MOVT
		imm := bitsOf(w, 19, 16)<<12 | bitsOf(w, 11, 0)
		if rd == PC {
			return false
		}
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[rd] = c.R[rd]&0xFFFF | imm<<16
			return Exit{}
		}
		return true
	case op1&0x1B == 0x12:
		if op1 == 0x12 && bitsOf(w, 19, 16) == 0 {
			// NOP, YIELD, WFE, WFI, SEV, DBG
			in.Op = nop
			return true
		}
		if bit(w, 22) {
			return false
		}
		imm, _ := armExpandImm(bitsOf(w, 11, 0), false)
		in.Op = msrAPSR(bitsOf(w, 19, 18), func(*Core) uint32 { return imm })
		return true
	}

	opc := bitsOf(w, 24, 21)
	in.Op = dataProcessing(opc, bit(w, 20), rd, rn, immOperand(bitsOf(w, 11, 0)))
	in.Ends = rd == PC && opc&0xC != 0x8
	return true
}

// msrAPSR writes the APSR fields selected by mask: bit 1 for NZCVQ, bit 0
// for GE.
func msrAPSR(mask uint32, value func(*Core) uint32) Op {
	var m uint32
	if mask&2 != 0 {
		m |= flagsMask
	}
	if mask&1 != 0 {
		m |= geMask
	}
	return func(c *Core, _ Bus) Exit {
		c.CPSR = c.CPSR&^m | value(c)&m
		return Exit{}
	}
}

func decodeARMMisc(w uint32, in *Inst) bool {
	op := bitsOf(w, 22, 21)
	op2 := bitsOf(w, 6, 4)
	rd := bitsOf(w, 15, 12)
	rm := bitsOf(w, 3, 0)

	switch op2 {
	case 0:
		if bit(w, 9) {
			// banked register forms
			return false
		}
		if op&1 == 0 {
			if op == 2 {
				// MRS SPSR
				return false
			}
			in.Op = func(c *Core, _ Bus) Exit {
				c.R[rd] = c.CPSR & (flagsMask | geMask)
				return Exit{}
			}
			return true
		}
		if op == 3 {
			// MSR SPSR
			return false
		}
		in.Op = msrAPSR(bitsOf(w, 19, 18), func(c *Core) uint32 { return c.R[rm] })
		return true
	case 1, 2:
		if op == 1 {
			// BX, BXJ
			in.Ends = true
			in.Op = func(c *Core, _ Bus) Exit {
				c.bxWritePC(c.reg(rm))
				return Exit{}
			}
			return true
		}
		if op == 3 && op2 == 1 {
			in.Op = func(c *Core, _ Bus) Exit {
				c.R[rd] = uint32(bits.LeadingZeros32(c.R[rm]))
				return Exit{}
			}
			return true
		}
	case 3:
		if op == 1 {
			in.Ends = true
			in.Op = func(c *Core, _ Bus) Exit {
				target := c.R[rm]
				c.R[LR] = c.cur + 4
				c.bxWritePC(target)
				return Exit{}
			}
			return true
		}
	case 7:
		if op == 1 {
			imm := bitsOf(w, 19, 8)<<4 | bitsOf(w, 3, 0)
			in.Cond = CondAL
			in.Ends = true
			in.Op = func(*Core, Bus) Exit { return Exit{Kind: ExitBKPT, Imm: imm} }
			return true
		}
	}
	return false
}

func decodeARMMultiply(w uint32, in *Inst) bool {
	s := bit(w, 20)
	rdHi := bitsOf(w, 19, 16)
	rdLo := bitsOf(w, 15, 12)
	rs := bitsOf(w, 11, 8)
	rm := bitsOf(w, 3, 0)

	switch bitsOf(w, 23, 21) {
	case 0: // MUL
		in.Op = func(c *Core, _ Bus) Exit {
			r := c.R[rm] * c.R[rs]
			c.R[rdHi] = r
			if s {
				c.setNZ(r)
			}
			return Exit{}
		}
	case 1: // MLA
		in.Op = func(c *Core, _ Bus) Exit {
			r := c.R[rm]*c.R[rs] + c.R[rdLo]
			c.R[rdHi] = r
			if s {
				c.setNZ(r)
			}
			return Exit{}
		}
	case 2: // UMAAL
		if s {
			return false
		}
		in.Op = func(c *Core, _ Bus) Exit {
			r := uint64(c.R[rm])*uint64(c.R[rs]) + uint64(c.R[rdLo]) + uint64(c.R[rdHi])
			c.R[rdLo], c.R[rdHi] = uint32(r), uint32(r>>32)
			return Exit{}
		}
	case 3: // MLS
		if s {
			return false
		}
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[rdHi] = c.R[rdLo] - c.R[rm]*c.R[rs]
			return Exit{}
		}
	default:
		signed := bit(w, 22)
		accumulate := bit(w, 21)
		in.Op = func(c *Core, _ Bus) Exit {
			var r uint64
			if signed {
				r = uint64(int64(int32(c.R[rm])) * int64(int32(c.R[rs])))
			} else {
				r = uint64(c.R[rm]) * uint64(c.R[rs])
			}
			if accumulate {
				r += uint64(c.R[rdHi])<<32 | uint64(c.R[rdLo])
			}
			c.R[rdLo], c.R[rdHi] = uint32(r), uint32(r>>32)
			if s {
				c.CPSR &^= FlagN | FlagZ
				if r == 0 {
					c.CPSR |= FlagZ
				}
				if r>>63 != 0 {
					c.CPSR |= FlagN
				}
			}
			return Exit{}
		}
	}
	return true
}

func decodeARMSync(w uint32, in *Inst) bool {
	rn := bitsOf(w, 19, 16)
	rd := bitsOf(w, 15, 12)
	rt := bitsOf(w, 3, 0)

	op := bitsOf(w, 23, 20)
	if op&0x8 == 0 {
		if op&0xB != 0 {
			return false
		}
		in.Op = swap(bit(w, 22), rd, rt, rn)
		return true
	}

	var size uint32
	switch op >> 1 & 3 {
	case 0:
		size = 4
	case 1:
		size = 8
	case 2:
		size = 1
	default:
		size = 2
	}
	if op&1 != 0 {
		in.Op = loadExclusive(size, rd, rn)
	} else {
		in.Op = storeExclusive(size, rd, rt, rn)
	}
	return true
}

func decodeARMExtraLoadStore(w uint32, in *Inst) bool {
	p := bit(w, 24)
	u := bit(w, 23)
	wb := bit(w, 21)
	l := bit(w, 20)
	rn := bitsOf(w, 19, 16)
	rt := bitsOf(w, 15, 12)

	if !p && wb {
		// unprivileged forms
		return false
	}

	var off offsetFn
	if bit(w, 22) {
		off = immOffset(bitsOf(w, 11, 8)<<4 | bitsOf(w, 3, 0))
	} else {
		off = regOffset(bitsOf(w, 3, 0), shiftLSL, 0)
	}
	wback := !p || wb

	switch bitsOf(w, 6, 5) {
	case 1:
		in.Op = loadStore(l, memHalf, rt, rn, off, u, p, wback)
	case 2:
		if l {
			in.Op = loadStore(true, memSignedByte, rt, rn, off, u, p, wback)
		} else {
			if rt&1 != 0 {
				return false
			}
			in.Op = loadStoreDual(true, rt, rn, off, u, p, wback)
		}
	default:
		if l {
			in.Op = loadStore(true, memSignedHalf, rt, rn, off, u, p, wback)
		} else {
			if rt&1 != 0 {
				return false
			}
			in.Op = loadStoreDual(false, rt, rn, off, u, p, wback)
		}
	}
	return true
}

func decodeARMLoadStore(w uint32, in *Inst) bool {
	p := bit(w, 24)
	u := bit(w, 23)
	b := bit(w, 22)
	wb := bit(w, 21)
	l := bit(w, 20)
	rn := bitsOf(w, 19, 16)
	rt := bitsOf(w, 15, 12)

	var off offsetFn
	if bit(w, 25) {
		st, amount := decodeImmShift(bitsOf(w, 6, 5), bitsOf(w, 11, 7))
		off = regOffset(bitsOf(w, 3, 0), st, amount)
	} else {
		off = immOffset(bitsOf(w, 11, 0))
	}
	kind := memWord
	if b {
		kind = memByte
	}
	in.Op = loadStore(l, kind, rt, rn, off, u, p, !p || wb)
	in.Ends = l && rt == PC
	return true
}

func decodeARMMedia(w uint32, in *Inst) bool {
	op1 := bitsOf(w, 24, 20)
	op2 := bitsOf(w, 7, 5)
	rd := bitsOf(w, 15, 12)
	rm := bitsOf(w, 3, 0)

	if op1 == 0x1F && op2 == 7 {
		// UDF
		return false
	}

	switch {
	case op1&0x18 == 0x08:
		return decodeARMPacking(w, in)
	case op1&0x1E == 0x1A && op2&3 == 2, op1&0x1E == 0x1E && op2&3 == 2:
		// SBFX, UBFX
		lsb := bitsOf(w, 11, 7)
		width := bitsOf(w, 20, 16) + 1
		if lsb+width > 32 {
			return false
		}
		signed := op1&0x1E == 0x1A
		in.Op = func(c *Core, _ Bus) Exit {
			v := c.R[rm] >> lsb
			if width < 32 {
				v &= 1<<width - 1
			}
			if signed {
				v = signExtend(v, uint(width))
			}
			c.R[rd] = v
			return Exit{}
		}
		return true
	case op1&0x1E == 0x1C && op2&3 == 0:
		// BFC, BFI
		lsb := bitsOf(w, 11, 7)
		msb := bitsOf(w, 20, 16)
		if msb < lsb {
			return false
		}
		mask := uint32((uint64(1)<<(msb-lsb+1) - 1) << lsb)
		if rm == PC {
			in.Op = func(c *Core, _ Bus) Exit {
				c.R[rd] &^= mask
				return Exit{}
			}
		} else {
			in.Op = func(c *Core, _ Bus) Exit {
				c.R[rd] = c.R[rd]&^mask | (c.R[rm]<<lsb)&mask
				return Exit{}
			}
		}
		return true
	case op1 == 0x11 && op2 == 0, op1 == 0x13 && op2 == 0:
		// SDIV, UDIV
		rdDiv := bitsOf(w, 19, 16)
		rnDiv := bitsOf(w, 3, 0)
		rmDiv := bitsOf(w, 11, 8)
		signed := op1 == 0x11
		in.Op = func(c *Core, _ Bus) Exit {
			n, m := c.R[rnDiv], c.R[rmDiv]
			switch {
			case m == 0:
				c.R[rdDiv] = 0
			case signed:
				if int32(n) == -1<<31 && int32(m) == -1 {
					c.R[rdDiv] = n
				} else {
					c.R[rdDiv] = uint32(int32(n) / int32(m))
				}
			default:
				c.R[rdDiv] = n / m
			}
			return Exit{}
		}
		return true
	}
	return false
}

func decodeARMPacking(w uint32, in *Inst) bool {
	op1 := bitsOf(w, 22, 20)
	op2 := bitsOf(w, 7, 5)
	rd := bitsOf(w, 15, 12)
	rn := bitsOf(w, 19, 16)
	rm := bitsOf(w, 3, 0)
	rot := bitsOf(w, 11, 10) * 8

	if op2 == 3 {
		var ext func(uint32) uint32
		switch op1 {
		case 2:
			ext = func(v uint32) uint32 { return uint32(int32(int8(v))) }
		case 3:
			ext = func(v uint32) uint32 { return uint32(int32(int16(v))) }
		case 6:
			ext = func(v uint32) uint32 { return v & 0xFF }
		case 7:
			ext = func(v uint32) uint32 { return v & 0xFFFF }
		case 0:
			ext = func(v uint32) uint32 { return uint32(int32(int8(v)))&0xFFFF | uint32(int32(int8(v>>16)))<<16 }
		case 4:
			ext = func(v uint32) uint32 { return v & 0x00FF00FF }
		default:
			return false
		}
		in.Op = extend(rd, rn, rm, rot, ext, op1 == 0 || op1 == 4)
		return true
	}

	switch {
	case op1 == 3 && op2 == 1:
		in.Op = unary(rd, rm, bits.ReverseBytes32)
		return true
	case op1 == 3 && op2 == 5:
		in.Op = unary(rd, rm, rev16)
		return true
	case op1 == 7 && op2 == 1:
		in.Op = unary(rd, rm, bits.Reverse32)
		return true
	case op1 == 7 && op2 == 5:
		in.Op = unary(rd, rm, revsh)
		return true
	case op1&2 == 2 && op2&1 == 0:
		// SSAT, USAT
		satImm := bitsOf(w, 20, 16)
		st, amount := decodeImmShift(bitsOf(w, 6, 5)&2, bitsOf(w, 11, 7))
		unsigned := op1&4 != 0
		in.Op = func(c *Core, _ Bus) Exit {
			v, _ := shiftC(c.R[rm], st, amount, c.flagC())
			r, sat := saturate(int64(int32(v)), satImm, unsigned)
			c.R[rd] = r
			if sat {
				c.CPSR |= FlagQ
			}
			return Exit{}
		}
		return true
	}
	return false
}

func saturate(v int64, n uint32, unsigned bool) (uint32, bool) {
	var lo, hi int64
	if unsigned {
		lo, hi = 0, int64(1)<<n-1
	} else {
		lo, hi = -(int64(1) << n), int64(1)<<n-1
	}
	switch {
	case v < lo:
		return uint32(lo), true
	case v > hi:
		return uint32(hi), true
	}
	return uint32(v), false
}

func rev16(v uint32) uint32 {
	return (v&0xFF00FF00)>>8 | (v&0x00FF00FF)<<8
}

func revsh(v uint32) uint32 {
	return uint32(int32(int16(uint16(v<<8) | uint16(v>>8)&0xFF)))
}

func unary(rd, rm uint32, f func(uint32) uint32) Op {
	return func(c *Core, _ Bus) Exit {
		c.R[rd] = f(c.R[rm])
		return Exit{}
	}
}

// extend binds the (S|U)XT(A)(B|H|B16) family. rn == PC selects the
// non-accumulating form.
func extend(rd, rn, rm, rot uint32, ext func(uint32) uint32, halves bool) Op {
	return func(c *Core, _ Bus) Exit {
		v := ext(bits.RotateLeft32(c.R[rm], -int(rot)))
		if rn != PC {
			if halves {
				a := c.R[rn]
				v = (a+v)&0xFFFF | ((a>>16)+(v>>16))<<16
			} else {
				v += c.R[rn]
			}
		}
		c.R[rd] = v
		return Exit{}
	}
}

func decodeARMBranchBlock(w uint32, in *Inst) bool {
	if bit(w, 25) {
		imm := signExtend(bitsOf(w, 23, 0)<<2, 26)
		link := bit(w, 24)
		in.Ends = true
		in.Op = func(c *Core, _ Bus) Exit {
			target := c.pcOperand() + imm
			if link {
				c.R[LR] = c.cur + 4
			}
			c.R[PC] = target
			return Exit{}
		}
		return true
	}

	if bit(w, 22) {
		// user register / exception return forms
		return false
	}
	rn := bitsOf(w, 19, 16)
	list := uint16(bitsOf(w, 15, 0))
	if rn == PC || list == 0 {
		return false
	}
	// P/U bits: 00 DA, 01 IA, 10 DB, 11 IB
	var mode blockMode
	switch bitsOf(w, 24, 23) {
	case 0:
		mode = blockDA
	case 1:
		mode = blockIA
	case 2:
		mode = blockDB
	default:
		mode = blockIB
	}
	load := bit(w, 20)
	in.Op = blockTransfer(load, rn, list, mode, bit(w, 21))
	in.Ends = load && list&(1<<PC) != 0
	return true
}

func decodeARMCoproc(w uint32, in *Inst) bool {
	if bitsOf(w, 27, 24) == 0xF {
		imm := bitsOf(w, 23, 0)
		in.Ends = true
		in.Op = func(*Core, Bus) Exit { return Exit{Kind: ExitSVC, Imm: imm} }
		return true
	}

	coproc := bitsOf(w, 11, 8)
	if coproc == 15 {
		return decodeCP15(w, in)
	}
	if coproc&0xE != 0xA {
		return false
	}
	return decodeVFP(w, in)
}

// decodeCP15 handles the user accessible CP15 registers: the read-only
// thread ID register and the legacy barrier operations.
func decodeCP15(w uint32, in *Inst) bool {
	if bitsOf(w, 27, 24) != 0xE || !bit(w, 4) {
		return false
	}
	opc1 := bitsOf(w, 23, 21)
	crn := bitsOf(w, 19, 16)
	rt := bitsOf(w, 15, 12)
	opc2 := bitsOf(w, 7, 5)
	crm := bitsOf(w, 3, 0)
	read := bit(w, 20)

	switch {
	case read && opc1 == 0 && crn == 13 && crm == 0 && opc2 == 3 && rt != PC:
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[rt] = c.TPIDRURO
			return Exit{}
		}
		return true
	case !read && opc1 == 0 && crn == 7 && crm == 10 && (opc2 == 4 || opc2 == 5),
		!read && opc1 == 0 && crn == 7 && crm == 5 && opc2 == 4:
		in.Op = nop
		return true
	}
	return false
}
