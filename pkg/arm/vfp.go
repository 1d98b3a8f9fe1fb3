package arm

import (
	"math"
)

// FPSCR bits
const (
	fpscrNZCV  = 0xF << 28
	fpscrRMode = 3 << 22
)

// Rounding modes, FPSCR[23:22]
const (
	roundNearest = iota
	roundPlusInf
	roundMinusInf
	roundZero
)

func (c *Core) SReg(n uint32) float32 { return math.Float32frombits(c.S[n]) }

func (c *Core) SetSReg(n uint32, v float32) { c.S[n] = math.Float32bits(v) }

func (c *Core) DBits(n uint32) uint64 {
	return uint64(c.S[2*n+1])<<32 | uint64(c.S[2*n])
}

func (c *Core) SetDBits(n uint32, v uint64) {
	c.S[2*n] = uint32(v)
	c.S[2*n+1] = uint32(v >> 32)
}

func (c *Core) DReg(n uint32) float64 { return math.Float64frombits(c.DBits(n)) }

func (c *Core) SetDReg(n uint32, v float64) { c.SetDBits(n, math.Float64bits(v)) }

// vfpReg assembles a register number from its 4-bit field and extra bit:
// Vx:x for singles, x:Vx for doubles.
func vfpReg(double bool, field, extra uint32) uint32 {
	if double {
		return extra<<4 | field
	}
	return field<<1 | extra
}

func decodeVFP(w uint32, in *Inst) bool {
	double := bit(w, 8)
	switch {
	case bitsOf(w, 27, 24) == 0xE && !bit(w, 4):
		return decodeVFPDataProcessing(w, double, in)
	case bitsOf(w, 27, 24) == 0xE:
		return decodeVFPTransfer(w, in)
	case bitsOf(w, 27, 21) == 0x62:
		return decodeVFPTransfer64(w, double, in)
	case bitsOf(w, 27, 25) == 6:
		return decodeVFPLoadStore(w, double, in)
	}
	return false
}

type fpBinary struct {
	f32 func(a, b float32) float32
	f64 func(a, b float64) float64
}

func vfpBinary(double bool, d, n, m uint32, op fpBinary) Op {
	if double {
		return func(c *Core, _ Bus) Exit {
			c.SetDReg(d, op.f64(c.DReg(n), c.DReg(m)))
			return Exit{}
		}
	}
	return func(c *Core, _ Bus) Exit {
		c.SetSReg(d, op.f32(c.SReg(n), c.SReg(m)))
		return Exit{}
	}
}

// vfpAccumulate binds VMLA/VMLS/VNMLA/VNMLS: d = ±d ± n*m.
func vfpAccumulate(double bool, d, n, m uint32, negProduct, negAcc bool) Op {
	if double {
		return func(c *Core, _ Bus) Exit {
			p := c.DReg(n) * c.DReg(m)
			if negProduct {
				p = -p
			}
			acc := c.DReg(d)
			if negAcc {
				acc = -acc
			}
			c.SetDReg(d, acc+p)
			return Exit{}
		}
	}
	return func(c *Core, _ Bus) Exit {
		p := c.SReg(n) * c.SReg(m)
		if negProduct {
			p = -p
		}
		acc := c.SReg(d)
		if negAcc {
			acc = -acc
		}
		c.SetSReg(d, acc+p)
		return Exit{}
	}
}

func vfpUnary(double bool, d, m uint32, f32 func(float32) float32, f64 func(float64) float64) Op {
	if double {
		return func(c *Core, _ Bus) Exit {
			c.SetDReg(d, f64(c.DReg(m)))
			return Exit{}
		}
	}
	return func(c *Core, _ Bus) Exit {
		c.SetSReg(d, f32(c.SReg(m)))
		return Exit{}
	}
}

func decodeVFPDataProcessing(w uint32, double bool, in *Inst) bool {
	D := bitsOf(w, 22, 22)
	N := bitsOf(w, 7, 7)
	M := bitsOf(w, 5, 5)
	d := vfpReg(double, bitsOf(w, 15, 12), D)
	n := vfpReg(double, bitsOf(w, 19, 16), N)
	m := vfpReg(double, bitsOf(w, 3, 0), M)
	op6 := bit(w, 6)

	opc1 := bitsOf(w, 23, 23)<<2 | bitsOf(w, 21, 20)
	switch opc1 {
	case 0: // VMLA, VMLS
		in.Op = vfpAccumulate(double, d, n, m, op6, false)
		return true
	case 1: // VNMLS, VNMLA
		in.Op = vfpAccumulate(double, d, n, m, op6, true)
		return true
	case 2: // VMUL, VNMUL
		neg := op6
		in.Op = vfpBinary(double, d, n, m, fpBinary{
			f32: func(a, b float32) float32 {
				if neg {
					return -(a * b)
				}
				return a * b
			},
			f64: func(a, b float64) float64 {
				if neg {
					return -(a * b)
				}
				return a * b
			},
		})
		return true
	case 3: // VADD, VSUB
		if op6 {
			in.Op = vfpBinary(double, d, n, m, fpBinary{
				f32: func(a, b float32) float32 { return a - b },
				f64: func(a, b float64) float64 { return a - b },
			})
		} else {
			in.Op = vfpBinary(double, d, n, m, fpBinary{
				f32: func(a, b float32) float32 { return a + b },
				f64: func(a, b float64) float64 { return a + b },
			})
		}
		return true
	case 4: // VDIV
		if op6 {
			return false
		}
		in.Op = vfpBinary(double, d, n, m, fpBinary{
			f32: func(a, b float32) float32 { return a / b },
			f64: func(a, b float64) float64 { return a / b },
		})
		return true
	case 7:
		return decodeVFPOther(w, double, d, m, in)
	}
	return false
}

func decodeVFPOther(w uint32, double bool, d, m uint32, in *Inst) bool {
	opc2 := bitsOf(w, 19, 16)
	opc3 := bitsOf(w, 7, 6)

	if opc3&1 == 0 {
		// VMOV immediate
		imm8 := bitsOf(w, 19, 16)<<4 | bitsOf(w, 3, 0)
		if double {
			v := vfpExpandImm64(imm8)
			in.Op = func(c *Core, _ Bus) Exit {
				c.SetDBits(d, v)
				return Exit{}
			}
		} else {
			v := vfpExpandImm32(imm8)
			in.Op = func(c *Core, _ Bus) Exit {
				c.S[d] = v
				return Exit{}
			}
		}
		return true
	}

	switch opc2 {
	case 0:
		if opc3 == 1 {
			// VMOV register
			if double {
				in.Op = func(c *Core, _ Bus) Exit {
					c.SetDBits(d, c.DBits(m))
					return Exit{}
				}
			} else {
				in.Op = func(c *Core, _ Bus) Exit {
					c.S[d] = c.S[m]
					return Exit{}
				}
			}
			return true
		}
		in.Op = vfpUnary(double, d, m,
			func(v float32) float32 { return float32(math.Abs(float64(v))) },
			math.Abs)
		return true
	case 1:
		if opc3 == 1 {
			in.Op = vfpUnary(double, d, m,
				func(v float32) float32 { return -v },
				func(v float64) float64 { return -v })
			return true
		}
		in.Op = vfpUnary(double, d, m,
			func(v float32) float32 { return float32(math.Sqrt(float64(v))) },
			math.Sqrt)
		return true
	case 4, 5:
		withZero := opc2 == 5
		if double {
			in.Op = func(c *Core, _ Bus) Exit {
				var b float64
				if !withZero {
					b = c.DReg(m)
				}
				c.setFPFlags(c.DReg(d), b)
				return Exit{}
			}
		} else {
			in.Op = func(c *Core, _ Bus) Exit {
				var b float32
				if !withZero {
					b = c.SReg(m)
				}
				c.setFPFlags(float64(c.SReg(d)), float64(b))
				return Exit{}
			}
		}
		return true
	case 7:
		if opc3 != 3 {
			return false
		}
		// VCVT between single and double; register sizes swap for d.
		D := bitsOf(w, 22, 22)
		vd := bitsOf(w, 15, 12)
		if double {
			sd := vfpReg(false, vd, D)
			in.Op = func(c *Core, _ Bus) Exit {
				c.SetSReg(sd, float32(c.DReg(m)))
				return Exit{}
			}
		} else {
			dd := vfpReg(true, vd, D)
			in.Op = func(c *Core, _ Bus) Exit {
				c.SetDReg(dd, float64(c.SReg(m)))
				return Exit{}
			}
		}
		return true
	case 8:
		// VCVT integer to float; the source is always a single register.
		signed := bit(w, 7)
		sm := vfpReg(false, bitsOf(w, 3, 0), bitsOf(w, 5, 5))
		in.Op = func(c *Core, _ Bus) Exit {
			var v float64
			if signed {
				v = float64(int32(c.S[sm]))
			} else {
				v = float64(c.S[sm])
			}
			if double {
				c.SetDReg(d, v)
			} else {
				c.SetSReg(d, float32(v))
			}
			return Exit{}
		}
		return true
	case 12, 13:
		// VCVT float to integer; the destination is always a single register.
		signed := opc2 == 13
		towardZero := bit(w, 7)
		sd := vfpReg(false, bitsOf(w, 15, 12), bitsOf(w, 22, 22))
		in.Op = func(c *Core, _ Bus) Exit {
			var v float64
			if double {
				v = c.DReg(m)
			} else {
				v = float64(c.SReg(m))
			}
			mode := uint32(roundZero)
			if !towardZero {
				mode = (c.FPSCR & fpscrRMode) >> 22
			}
			c.S[sd] = fpToInt(v, mode, signed)
			return Exit{}
		}
		return true
	}
	return false
}

func (c *Core) setFPFlags(a, b float64) {
	var nzcv uint32
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		nzcv = 0x3
	case a == b:
		nzcv = 0x6
	case a < b:
		nzcv = 0x8
	default:
		nzcv = 0x2
	}
	c.FPSCR = c.FPSCR&^fpscrNZCV | nzcv<<28
}

func fpToInt(v float64, mode uint32, signed bool) uint32 {
	if math.IsNaN(v) {
		return 0
	}
	switch mode {
	case roundNearest:
		v = math.RoundToEven(v)
	case roundPlusInf:
		v = math.Ceil(v)
	case roundMinusInf:
		v = math.Floor(v)
	default:
		v = math.Trunc(v)
	}
	if signed {
		switch {
		case v >= math.MaxInt32:
			return math.MaxInt32
		case v <= math.MinInt32:
			return 1 << 31
		}
		return uint32(int32(v))
	}
	switch {
	case v >= math.MaxUint32:
		return math.MaxUint32
	case v <= 0:
		return 0
	}
	return uint32(v)
}

func vfpExpandImm32(imm8 uint32) uint32 {
	b6 := (imm8 >> 6) & 1
	v := (imm8>>7)<<31 | (b6^1)<<30 | (imm8&0x30)<<19 | (imm8&0xF)<<19
	if b6 != 0 {
		v |= 0x1F << 25
	}
	return v
}

func vfpExpandImm64(imm8 uint32) uint64 {
	b6 := uint64(imm8>>6) & 1
	v := uint64(imm8>>7)<<63 | (b6^1)<<62 | uint64(imm8&0x30)<<48 | uint64(imm8&0xF)<<48
	if b6 != 0 {
		v |= 0xFF << 54
	}
	return v
}

func decodeVFPTransfer(w uint32, in *Inst) bool {
	l := bit(w, 20)
	rt := bitsOf(w, 15, 12)
	a := bitsOf(w, 23, 21)

	if !bit(w, 8) {
		switch a {
		case 0:
			// VMOV between core and single register
			if rt == PC {
				return false
			}
			n := vfpReg(false, bitsOf(w, 19, 16), bitsOf(w, 7, 7))
			if l {
				in.Op = func(c *Core, _ Bus) Exit {
					c.R[rt] = c.S[n]
					return Exit{}
				}
			} else {
				in.Op = func(c *Core, _ Bus) Exit {
					c.S[n] = c.R[rt]
					return Exit{}
				}
			}
			return true
		case 7:
			return decodeVFPSystem(w, l, rt, in)
		}
		return false
	}

	// VMOV between core register and half of a double
	if bitsOf(w, 22, 22) != 0 || bitsOf(w, 6, 5) != 0 || rt == PC {
		return false
	}
	dn := vfpReg(true, bitsOf(w, 19, 16), bitsOf(w, 7, 7))
	s := 2*dn + bitsOf(w, 21, 21)
	if l {
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[rt] = c.S[s]
			return Exit{}
		}
	} else {
		in.Op = func(c *Core, _ Bus) Exit {
			c.S[s] = c.R[rt]
			return Exit{}
		}
	}
	return true
}

// FPSID/MVFR values reported to the guest: VFPv3 with 32 double registers.
const (
	fpsid = 0x41033094
	mvfr0 = 0x10110222
	mvfr1 = 0x01111111
	fpexc = 1 << 30
)

func decodeVFPSystem(w uint32, l bool, rt uint32, in *Inst) bool {
	reg := bitsOf(w, 19, 16)
	if !l {
		if reg == 1 && rt != PC {
			in.Op = func(c *Core, _ Bus) Exit {
				c.FPSCR = c.R[rt]
				return Exit{}
			}
			return true
		}
		if reg == 8 {
			// FPEXC writes are ignored; VFP stays enabled
			in.Op = nop
			return true
		}
		return false
	}

	if reg == 1 && rt == PC {
		// VMRS APSR_nzcv, FPSCR
		in.Op = func(c *Core, _ Bus) Exit {
			c.CPSR = c.CPSR&^(FlagN|FlagZ|FlagC|FlagV) | c.FPSCR&fpscrNZCV
			return Exit{}
		}
		return true
	}
	if rt == PC {
		return false
	}
	var constant uint32
	switch reg {
	case 1:
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[rt] = c.FPSCR
			return Exit{}
		}
		return true
	case 0:
		constant = fpsid
	case 6:
		constant = mvfr1
	case 7:
		constant = mvfr0
	case 8:
		constant = fpexc
	default:
		return false
	}
	in.Op = func(c *Core, _ Bus) Exit {
		c.R[rt] = constant
		return Exit{}
	}
	return true
}

// decodeVFPTransfer64 handles VMOV between two core registers and either a
// double or a pair of singles.
func decodeVFPTransfer64(w uint32, double bool, in *Inst) bool {
	toCore := bit(w, 20)
	rt2 := bitsOf(w, 19, 16)
	rt := bitsOf(w, 15, 12)
	if rt == PC || rt2 == PC || (toCore && rt == rt2) {
		return false
	}
	m := vfpReg(double, bitsOf(w, 3, 0), bitsOf(w, 5, 5))
	lo, hi := m, m+1
	if double {
		lo, hi = 2*m, 2*m+1
	} else if m == 31 {
		return false
	}
	if toCore {
		in.Op = func(c *Core, _ Bus) Exit {
			c.R[rt], c.R[rt2] = c.S[lo], c.S[hi]
			return Exit{}
		}
	} else {
		in.Op = func(c *Core, _ Bus) Exit {
			c.S[lo], c.S[hi] = c.R[rt], c.R[rt2]
			return Exit{}
		}
	}
	return true
}

func decodeVFPLoadStore(w uint32, double bool, in *Inst) bool {
	p := bit(w, 24)
	u := bit(w, 23)
	wb := bit(w, 21)
	l := bit(w, 20)
	rn := bitsOf(w, 19, 16)
	imm8 := bitsOf(w, 7, 0)
	d := vfpReg(double, bitsOf(w, 15, 12), bitsOf(w, 22, 22))

	// first word of the register file touched
	first := d
	if double {
		first = 2 * d
	}

	if p && !wb {
		// VLDR, VSTR
		off := imm8 << 2
		words := uint32(1)
		if double {
			words = 2
		}
		in.Op = vfpTransfer(l, rn, first, words, func(c *Core) (uint32, uint32, bool) {
			base := c.reg(rn)
			if rn == PC {
				base = c.alignedPC()
			}
			if u {
				return base + off, 0, false
			}
			return base - off, 0, false
		})
		return true
	}

	// VLDM, VSTM, VPUSH, VPOP
	if p == u || rn == PC || imm8 == 0 {
		return false
	}
	words := imm8
	if double && words&1 != 0 {
		// FLDMX/FSTMX
		return false
	}
	if first+words > 64 {
		return false
	}
	in.Op = vfpTransfer(l, rn, first, words, func(c *Core) (uint32, uint32, bool) {
		base := c.R[rn]
		if u {
			return base, base + 4*words, wb
		}
		return base - 4*words, base - 4*words, wb
	})
	return true
}

// vfpTransfer moves words consecutive register file words to or from memory.
// addr returns the start address and the writeback value.
func vfpTransfer(load bool, rn, first, words uint32, addr func(*Core) (uint32, uint32, bool)) Op {
	if load {
		return func(c *Core, bus Bus) Exit {
			start, wbAddr, wback := addr(c)
			var vals [64]uint32
			for i := uint32(0); i < words; i++ {
				v, ok := bus.Read32(start + 4*i)
				if !ok {
					return fault(start+4*i, false)
				}
				vals[i] = v
			}
			copy(c.S[first:first+words], vals[:words])
			if wback {
				c.R[rn] = wbAddr
			}
			return Exit{}
		}
	}
	return func(c *Core, bus Bus) Exit {
		start, wbAddr, wback := addr(c)
		for i := uint32(0); i < words; i++ {
			if !bus.Write32(start+4*i, c.S[first+i]) {
				return fault(start+4*i, true)
			}
		}
		if wback {
			c.R[rn] = wbAddr
		}
		return Exit{}
	}
}
