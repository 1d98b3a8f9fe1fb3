package mem

import (
	"encoding/binary"
	"runtime/debug"
)

// probeSink keeps probe reads from being optimized away.
var probeSink byte

// probeXOR is always 0; the compiler can't prove it.
var probeXOR byte

//go:noinline
func probeWrite(p *byte) {
	*p ^= probeXOR
}

func (m *MemState) Read8(addr Address) (uint8, bool) {
	if !m.CheckAccess(addr, 1, false) {
		return 0, false
	}
	return m.buffer[addr], true
}

func (m *MemState) Read16(addr Address) (uint16, bool) {
	if !m.CheckAccess(addr, 2, false) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(m.buffer[addr:]), true
}

func (m *MemState) Read32(addr Address) (uint32, bool) {
	if !m.CheckAccess(addr, 4, false) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.buffer[addr:]), true
}

func (m *MemState) Read64(addr Address) (uint64, bool) {
	if !m.CheckAccess(addr, 8, false) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.buffer[addr:]), true
}

func (m *MemState) Write8(addr Address, v uint8) bool {
	if !m.CheckAccess(addr, 1, true) {
		return false
	}
	m.buffer[addr] = v
	return true
}

func (m *MemState) Write16(addr Address, v uint16) bool {
	if !m.CheckAccess(addr, 2, true) {
		return false
	}
	binary.LittleEndian.PutUint16(m.buffer[addr:], v)
	return true
}

func (m *MemState) Write32(addr Address, v uint32) bool {
	if !m.CheckAccess(addr, 4, true) {
		return false
	}
	binary.LittleEndian.PutUint32(m.buffer[addr:], v)
	return true
}

func (m *MemState) Write64(addr Address, v uint64) bool {
	if !m.CheckAccess(addr, 8, true) {
		return false
	}
	binary.LittleEndian.PutUint64(m.buffer[addr:], v)
	return true
}

// ReadBytes copies len(dst) bytes starting at addr into dst.
func (m *MemState) ReadBytes(addr Address, dst []byte) bool {
	if !m.CheckAccess(addr, uint32(len(dst)), false) {
		return false
	}
	copy(dst, m.buffer[addr:])
	return true
}

// WriteBytes copies src into guest memory at addr.
func (m *MemState) WriteBytes(addr Address, src []byte) bool {
	if !m.CheckAccess(addr, uint32(len(src)), true) {
		return false
	}
	copy(m.buffer[addr:], src)
	return true
}

// Slice returns a writable view of [addr, addr+size). Protections covering
// the range are resolved through their callbacks first.
func (m *MemState) Slice(addr Address, size uint32) ([]byte, bool) {
	if !m.CheckAccess(addr, size, true) {
		return nil, false
	}
	end := uint64(addr) + uint64(size)
	return m.buffer[addr:end:end], true
}

// ReadCString reads a NUL terminated string of at most limit bytes.
func (m *MemState) ReadCString(addr Address, limit uint32) (string, bool) {
	var out []byte
	for i := uint32(0); i < limit; i++ {
		b, ok := m.Read8(addr + Address(i))
		if !ok {
			return "", false
		}
		if b == 0 {
			return string(out), true
		}
		out = append(out, b)
	}
	return string(out), true
}

// WriteCString writes s followed by a NUL byte.
func (m *MemState) WriteCString(addr Address, s string) bool {
	if !m.CheckAccess(addr, uint32(len(s))+1, true) {
		return false
	}
	n := copy(m.buffer[addr:], s)
	m.buffer[uint64(addr)+uint64(n)] = 0
	return true
}

// Probe reports whether [addr, addr+size) is accessible without invoking any
// protection callback. With hardware protection it touches one byte per page
// and recovers from the resulting fault.
func (m *MemState) Probe(addr Address, size uint32, isWrite bool) (ok bool) {
	if size == 0 {
		return true
	}
	end := uint64(addr) + uint64(size)
	if end > m.size {
		return false
	}
	if !m.hardwareProtection {
		if !m.IsValidAddrRange(addr, size) {
			return false
		}
		_, hit := m.violation(uint64(addr), end, isWrite)
		return !hit
	}

	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	for i := uint64(addr); i < end; i = (i/PageSize + 1) * PageSize {
		if isWrite {
			probeWrite(&m.buffer[i])
		} else {
			probeSink = m.buffer[i]
		}
	}
	return true
}
