package mem

import (
	"fmt"
	"sort"

	"vitacore/pkg/util"
)

// Perm is what a protected range still allows.
type Perm uint8

const (
	PermNone Perm = iota
	PermRead
	PermReadWrite
)

func (p Perm) String() string {
	switch p {
	case PermNone:
		return "none"
	case PermRead:
		return "r"
	case PermReadWrite:
		return "rw"
	}
	return fmt.Sprintf("Perm(%d)", p)
}

func (p Perm) allows(isWrite bool) bool {
	if isWrite {
		return p == PermReadWrite
	}
	return p != PermNone
}

// AccessCallback is invoked when an access hits a protected range it is not
// allowed by. Returning true releases the range and lets the access proceed;
// false leaves it in place and the access faults.
type AccessCallback func(addr Address, isWrite bool) bool

type protectedRange struct {
	id    uint64
	start uint64
	end   uint64
	perm  Perm
	cb    AccessCallback
}

// Protect restricts [addr, addr+size), widened to whole pages. Existing
// protections overlapping the range are replaced.
func (m *MemState) Protect(addr Address, size uint32, perm Perm, cb AccessCallback) {
	if size == 0 {
		return
	}
	start := util.AlignDown(uint64(addr), PageSize)
	end := util.AlignUp(uint64(addr)+uint64(size), PageSize)
	if end > m.size {
		end = m.size
	}

	m.protMu.Lock()
	defer m.protMu.Unlock()

	m.removeLocked(start, end)
	m.nextProtID++
	r := protectedRange{id: m.nextProtID, start: start, end: end, perm: perm, cb: cb}
	i := sort.Search(len(m.protected), func(i int) bool { return m.protected[i].start >= start })
	m.protected = append(m.protected, protectedRange{})
	copy(m.protected[i+1:], m.protected[i:])
	m.protected[i] = r
	m.protCount.Store(int32(len(m.protected)))

	m.applyHostProtection(start, end, perm)
}

// Unprotect removes every protection from [addr, addr+size), widened to whole
// pages. Ranges straddling the boundary are trimmed.
func (m *MemState) Unprotect(addr Address, size uint32) {
	if size == 0 {
		return
	}
	start := util.AlignDown(uint64(addr), PageSize)
	end := util.AlignUp(uint64(addr)+uint64(size), PageSize)

	m.protMu.Lock()
	defer m.protMu.Unlock()
	m.removeLocked(start, end)
	m.protCount.Store(int32(len(m.protected)))
}

// ProtectedRanges returns the number of protected ranges.
func (m *MemState) ProtectedRanges() int {
	return int(m.protCount.Load())
}

// removeLocked cuts [start, end) out of the table and restores host access for
// the pages it uncovers.
func (m *MemState) removeLocked(start, end uint64) {
	kept := m.protected[:0:0]
	for _, r := range m.protected {
		if r.end <= start || r.start >= end {
			kept = append(kept, r)
			continue
		}
		if r.start < start {
			left := r
			left.end = start
			kept = append(kept, left)
		}
		if r.end > end {
			right := r
			right.start = end
			kept = append(kept, right)
		}
		m.restoreHostProtection(max(r.start, start), min(r.end, end))
	}
	m.protected = kept
}

func (m *MemState) dropProtections(addr Address, size uint32) {
	m.protMu.Lock()
	defer m.protMu.Unlock()
	m.removeLocked(uint64(addr), uint64(addr)+uint64(size))
	m.protCount.Store(int32(len(m.protected)))
}

// release removes the range with the given id if it is still in the table.
func (m *MemState) release(id uint64) {
	m.protMu.Lock()
	defer m.protMu.Unlock()
	for i, r := range m.protected {
		if r.id == id {
			m.protected = append(m.protected[:i], m.protected[i+1:]...)
			m.protCount.Store(int32(len(m.protected)))
			m.restoreHostProtection(r.start, r.end)
			return
		}
	}
}

// violation returns the first protected range in [start, end) that disallows
// the access.
func (m *MemState) violation(start, end uint64, isWrite bool) (protectedRange, bool) {
	m.protMu.RLock()
	defer m.protMu.RUnlock()
	i := sort.Search(len(m.protected), func(i int) bool { return m.protected[i].end > start })
	for ; i < len(m.protected) && m.protected[i].start < end; i++ {
		if !m.protected[i].perm.allows(isWrite) {
			return m.protected[i], true
		}
	}
	return protectedRange{}, false
}

// CheckAccess validates a guest access in software: every page must be
// allocated, and every protected range it touches must allow it or be
// released by its callback.
func (m *MemState) CheckAccess(addr Address, size uint32, isWrite bool) bool {
	if size == 0 {
		return true
	}
	if !m.IsValidAddrRange(addr, size) {
		return false
	}
	if m.protCount.Load() == 0 {
		return true
	}
	start := uint64(addr)
	end := start + uint64(size)
	for {
		r, hit := m.violation(start, end, isWrite)
		if !hit {
			return true
		}
		if !m.dispatch(r, Address(max(r.start, start)), isWrite) {
			return false
		}
	}
}

func (m *MemState) dispatch(r protectedRange, addr Address, isWrite bool) bool {
	if r.cb == nil || !r.cb(addr, isWrite) {
		return false
	}
	m.release(r.id)
	return true
}

// HandleAccessViolation resolves a host fault inside the guest buffer. It
// finds the protected range covering the faulting address and runs its
// callback. Returns true if the access may be retried.
func (m *MemState) HandleAccessViolation(hostAddr uintptr, isWrite bool) bool {
	addr, ok := m.GuestAddr(hostAddr)
	if !ok {
		return false
	}
	r, hit := m.violation(uint64(addr), uint64(addr)+1, isWrite)
	if !hit {
		return false
	}
	return m.dispatch(r, addr, isWrite)
}

// applyHostProtection sets the host protection of [start, end) to perm for
// allocated pages. Unallocated pages stay inaccessible.
func (m *MemState) applyHostProtection(start, end uint64, perm Perm) {
	if !m.hardwareProtection || start >= end {
		return
	}
	m.allocMu.RLock()
	defer m.allocMu.RUnlock()

	runStart := start
	runPerm := m.hostPermLocked(start, perm)
	for page := start + PageSize; page <= end; page += PageSize {
		var p Perm
		if page < end {
			p = m.hostPermLocked(page, perm)
			if p == runPerm {
				continue
			}
		}
		if err := hostProtect(m.buffer[runStart:page], runPerm); err != nil {
			panic(fmt.Sprintf("mprotect failed: start=0x%x length=0x%x perm=%s err=%v", runStart, page-runStart, runPerm, err))
		}
		runStart, runPerm = page, p
	}
}

func (m *MemState) hostPermLocked(page uint64, perm Perm) Perm {
	if !m.pages.BitAt(int(page / PageSize)) {
		return PermNone
	}
	return perm
}

// restoreHostProtection gives allocated pages of [start, end) back full access.
func (m *MemState) restoreHostProtection(start, end uint64) {
	m.applyHostProtection(start, end, PermReadWrite)
}
