package arm

import (
	"math/bits"
	"sync"
)

type memKind uint8

const (
	memWord memKind = iota
	memByte
	memHalf
	memSignedByte
	memSignedHalf
)

func (k memKind) size() uint32 {
	switch k {
	case memByte, memSignedByte:
		return 1
	case memHalf, memSignedHalf:
		return 2
	}
	return 4
}

func readKind(bus Bus, k memKind, addr uint32) (uint32, bool) {
	switch k {
	case memByte:
		v, ok := bus.Read8(addr)
		return uint32(v), ok
	case memSignedByte:
		v, ok := bus.Read8(addr)
		return uint32(int32(int8(v))), ok
	case memHalf:
		v, ok := bus.Read16(addr)
		return uint32(v), ok
	case memSignedHalf:
		v, ok := bus.Read16(addr)
		return uint32(int32(int16(v))), ok
	}
	return bus.Read32(addr)
}

func writeKind(bus Bus, k memKind, addr, v uint32) bool {
	switch k {
	case memByte, memSignedByte:
		return bus.Write8(addr, uint8(v))
	case memHalf, memSignedHalf:
		return bus.Write16(addr, uint16(v))
	}
	return bus.Write32(addr, v)
}

// offsetFn computes the unsigned offset of a single load/store.
type offsetFn func(c *Core) uint32

func immOffset(imm uint32) offsetFn {
	return func(*Core) uint32 { return imm }
}

func regOffset(rm uint32, typ shiftType, amount uint32) offsetFn {
	return func(c *Core) uint32 {
		v, _ := shiftC(c.reg(rm), typ, amount, c.flagC())
		return v
	}
}

// addressing resolves base, offset and indexing into the access address and
// the writeback value.
func addressing(c *Core, rn uint32, off uint32, add, index bool) (addr, wbAddr uint32) {
	base := c.reg(rn)
	if rn == PC {
		base = c.alignedPC()
	}
	wbAddr = base - off
	if add {
		wbAddr = base + off
	}
	if index {
		return wbAddr, wbAddr
	}
	return base, wbAddr
}

// loadStore binds a single register load or store. Registers are only
// updated after the memory access succeeds.
func loadStore(load bool, kind memKind, rt, rn uint32, offset offsetFn, add, index, wback bool) Op {
	if load {
		return func(c *Core, bus Bus) Exit {
			addr, wbAddr := addressing(c, rn, offset(c), add, index)
			v, ok := readKind(bus, kind, addr)
			if !ok {
				return fault(addr, false)
			}
			if wback {
				c.R[rn] = wbAddr
			}
			if rt == PC {
				c.bxWritePC(v)
			} else {
				c.R[rt] = v
			}
			return Exit{}
		}
	}
	return func(c *Core, bus Bus) Exit {
		addr, wbAddr := addressing(c, rn, offset(c), add, index)
		if !writeKind(bus, kind, addr, c.reg(rt)) {
			return fault(addr, true)
		}
		if wback {
			c.R[rn] = wbAddr
		}
		return Exit{}
	}
}

// loadStoreDual binds LDRD/STRD on the pair rt, rt+1.
func loadStoreDual(load bool, rt, rn uint32, offset offsetFn, add, index, wback bool) Op {
	if load {
		return func(c *Core, bus Bus) Exit {
			addr, wbAddr := addressing(c, rn, offset(c), add, index)
			lo, ok := bus.Read32(addr)
			if !ok {
				return fault(addr, false)
			}
			hi, ok := bus.Read32(addr + 4)
			if !ok {
				return fault(addr+4, false)
			}
			if wback {
				c.R[rn] = wbAddr
			}
			c.R[rt], c.R[rt+1] = lo, hi
			return Exit{}
		}
	}
	return func(c *Core, bus Bus) Exit {
		addr, wbAddr := addressing(c, rn, offset(c), add, index)
		if !bus.Write32(addr, c.reg(rt)) {
			return fault(addr, true)
		}
		if !bus.Write32(addr+4, c.reg(rt+1)) {
			return fault(addr+4, true)
		}
		if wback {
			c.R[rn] = wbAddr
		}
		return Exit{}
	}
}

type blockMode uint8

const (
	blockIA blockMode = iota
	blockIB
	blockDA
	blockDB
)

func blockStart(mode blockMode, base, n uint32) (start, wb uint32) {
	switch mode {
	case blockIA:
		return base, base + 4*n
	case blockIB:
		return base + 4, base + 4*n
	case blockDA:
		return base - 4*n + 4, base - 4*n
	default:
		return base - 4*n, base - 4*n
	}
}

// blockTransfer binds LDM/STM (and PUSH/POP).
func blockTransfer(load bool, rn uint32, list uint16, mode blockMode, wback bool) Op {
	n := uint32(bits.OnesCount16(list))
	if load {
		return func(c *Core, bus Bus) Exit {
			var vals [16]uint32
			addr, wb := blockStart(mode, c.R[rn], n)
			for i := uint32(0); i < 16; i++ {
				if list&(1<<i) == 0 {
					continue
				}
				v, ok := bus.Read32(addr)
				if !ok {
					return fault(addr, false)
				}
				vals[i] = v
				addr += 4
			}
			if wback && list&(1<<rn) == 0 {
				c.R[rn] = wb
			}
			for i := uint32(0); i < 15; i++ {
				if list&(1<<i) != 0 {
					c.R[i] = vals[i]
				}
			}
			if list&(1<<PC) != 0 {
				c.bxWritePC(vals[PC])
			}
			return Exit{}
		}
	}
	return func(c *Core, bus Bus) Exit {
		addr, wb := blockStart(mode, c.R[rn], n)
		for i := uint32(0); i < 16; i++ {
			if list&(1<<i) == 0 {
				continue
			}
			if !bus.Write32(addr, c.reg(i)) {
				return fault(addr, true)
			}
			addr += 4
		}
		if wback {
			c.R[rn] = wb
		}
		return Exit{}
	}
}

// Exclusive access. Reservations are per core; the store side compares the
// reserved value under a process wide lock so guest atomics hold between
// cores running on different host threads.

var globalMonitor sync.Mutex

type exclusiveMonitor struct {
	valid bool
	addr  uint32
	size  uint32
	value uint64
}

func readExclusive(bus Bus, size, addr uint32) (uint64, bool) {
	switch size {
	case 1:
		v, ok := bus.Read8(addr)
		return uint64(v), ok
	case 2:
		v, ok := bus.Read16(addr)
		return uint64(v), ok
	case 4:
		v, ok := bus.Read32(addr)
		return uint64(v), ok
	}
	lo, ok := bus.Read32(addr)
	if !ok {
		return 0, false
	}
	hi, ok := bus.Read32(addr + 4)
	return uint64(hi)<<32 | uint64(lo), ok
}

func writeExclusive(bus Bus, size, addr uint32, v uint64) bool {
	switch size {
	case 1:
		return bus.Write8(addr, uint8(v))
	case 2:
		return bus.Write16(addr, uint16(v))
	case 4:
		return bus.Write32(addr, uint32(v))
	}
	return bus.Write32(addr, uint32(v)) && bus.Write32(addr+4, uint32(v>>32))
}

// loadExclusive binds LDREX{B,H,D}. size 8 loads the pair rt, rt+1.
func loadExclusive(size, rt, rn uint32) Op {
	return func(c *Core, bus Bus) Exit {
		addr := c.R[rn]
		v, ok := readExclusive(bus, size, addr)
		if !ok {
			return fault(addr, false)
		}
		c.exclusive = exclusiveMonitor{valid: true, addr: addr, size: size, value: v}
		if size == 8 {
			c.R[rt], c.R[rt+1] = uint32(v), uint32(v>>32)
		} else {
			c.R[rt] = uint32(v)
		}
		return Exit{}
	}
}

// storeExclusive binds STREX{B,H,D}. rd receives 0 on success, 1 on failure.
func storeExclusive(size, rd, rt, rn uint32) Op {
	return func(c *Core, bus Bus) Exit {
		addr := c.R[rn]
		v := uint64(c.R[rt])
		if size == 8 {
			v |= uint64(c.R[rt+1]) << 32
		}

		globalMonitor.Lock()
		defer globalMonitor.Unlock()

		mon := c.exclusive
		if !mon.valid || mon.addr != addr || mon.size != size {
			c.exclusive = exclusiveMonitor{}
			c.R[rd] = 1
			return Exit{}
		}
		cur, ok := readExclusive(bus, size, addr)
		if !ok {
			return fault(addr, true)
		}
		if cur != mon.value {
			c.exclusive = exclusiveMonitor{}
			c.R[rd] = 1
			return Exit{}
		}
		if !writeExclusive(bus, size, addr, v) {
			return fault(addr, true)
		}
		c.exclusive = exclusiveMonitor{}
		c.R[rd] = 0
		return Exit{}
	}
}

// swap binds SWP/SWPB.
func swap(byteSize bool, rt, rt2, rn uint32) Op {
	size := uint32(4)
	if byteSize {
		size = 1
	}
	return func(c *Core, bus Bus) Exit {
		addr := c.R[rn]
		globalMonitor.Lock()
		defer globalMonitor.Unlock()
		old, ok := readExclusive(bus, size, addr)
		if !ok {
			return fault(addr, false)
		}
		if !writeExclusive(bus, size, addr, uint64(c.R[rt2])) {
			return fault(addr, true)
		}
		c.R[rt] = uint32(old)
		return Exit{}
	}
}
