package cpu

import (
	"encoding/binary"
	"unsafe"

	"vitacore/pkg/arm"
	"vitacore/pkg/logger"
	"vitacore/pkg/mem"
)

// checkedBus goes through MemState's software access checks, which also
// dispatch protection callbacks.
type checkedBus struct {
	m *mem.MemState
}

func (b checkedBus) Read8(addr uint32) (uint8, bool)   { return b.m.Read8(mem.Address(addr)) }
func (b checkedBus) Read16(addr uint32) (uint16, bool) { return b.m.Read16(mem.Address(addr)) }
func (b checkedBus) Read32(addr uint32) (uint32, bool) { return b.m.Read32(mem.Address(addr)) }
func (b checkedBus) Write8(addr uint32, v uint8) bool  { return b.m.Write8(mem.Address(addr), v) }
func (b checkedBus) Write16(addr uint32, v uint16) bool {
	return b.m.Write16(mem.Address(addr), v)
}
func (b checkedBus) Write32(addr uint32, v uint32) bool {
	return b.m.Write32(mem.Address(addr), v)
}

// directBus indexes the guest buffer with no software checks and relies on
// host page protection. A faulting access is recovered and reported as a
// failed access, with the host address recorded so the caller can hand it
// to HandleAccessViolation. The goroutine must have SetPanicOnFault on.
type directBus struct {
	buf []byte
	// set on a recovered fault
	faulted   bool
	faultHost uintptr
}

func (b *directBus) recoverFault(addr uint32, ok *bool) {
	r := recover()
	if r == nil {
		return
	}
	*ok = false
	b.faulted = true
	b.faultHost = 0
	if e, isAddr := r.(interface{ Addr() uintptr }); isAddr {
		b.faultHost = e.Addr()
	}
	if b.faultHost == 0 && int(addr) < len(b.buf) {
		b.faultHost = uintptr(unsafe.Pointer(unsafe.SliceData(b.buf))) + uintptr(addr)
	}
}

func (b *directBus) Read8(addr uint32) (v uint8, ok bool) {
	defer b.recoverFault(addr, &ok)
	return b.buf[addr], true
}

func (b *directBus) Read16(addr uint32) (v uint16, ok bool) {
	defer b.recoverFault(addr, &ok)
	return binary.LittleEndian.Uint16(b.buf[addr:]), true
}

func (b *directBus) Read32(addr uint32) (v uint32, ok bool) {
	defer b.recoverFault(addr, &ok)
	return binary.LittleEndian.Uint32(b.buf[addr:]), true
}

func (b *directBus) Write8(addr uint32, v uint8) (ok bool) {
	defer b.recoverFault(addr, &ok)
	b.buf[addr] = v
	return true
}

func (b *directBus) Write16(addr uint32, v uint16) (ok bool) {
	defer b.recoverFault(addr, &ok)
	binary.LittleEndian.PutUint16(b.buf[addr:], v)
	return true
}

func (b *directBus) Write32(addr uint32, v uint32) (ok bool) {
	defer b.recoverFault(addr, &ok)
	binary.LittleEndian.PutUint32(b.buf[addr:], v)
	return true
}

// tracingBus logs every access made through the wrapped bus.
type tracingBus struct {
	arm.Bus
	log *logger.Logger
}

func (b tracingBus) Read8(addr uint32) (uint8, bool) {
	v, ok := b.Bus.Read8(addr)
	b.trace("read8", addr, uint32(v), ok)
	return v, ok
}

func (b tracingBus) Read16(addr uint32) (uint16, bool) {
	v, ok := b.Bus.Read16(addr)
	b.trace("read16", addr, uint32(v), ok)
	return v, ok
}

func (b tracingBus) Read32(addr uint32) (uint32, bool) {
	v, ok := b.Bus.Read32(addr)
	b.trace("read32", addr, v, ok)
	return v, ok
}

func (b tracingBus) Write8(addr uint32, v uint8) bool {
	ok := b.Bus.Write8(addr, v)
	b.trace("write8", addr, uint32(v), ok)
	return ok
}

func (b tracingBus) Write16(addr uint32, v uint16) bool {
	ok := b.Bus.Write16(addr, v)
	b.trace("write16", addr, uint32(v), ok)
	return ok
}

func (b tracingBus) Write32(addr uint32, v uint32) bool {
	ok := b.Bus.Write32(addr, v)
	b.trace("write32", addr, v, ok)
	return ok
}

func (b tracingBus) trace(op string, addr, v uint32, ok bool) {
	if !ok {
		b.log.Tracef("%s %08x fault", op, addr)
		return
	}
	b.log.Tracef("%s %08x = %08x", op, addr, v)
}
