package mem

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"vitacore/pkg/bitsequence"
	"vitacore/pkg/constants"
	"vitacore/pkg/errors"
	"vitacore/pkg/logger"
	"vitacore/pkg/util"
)

const PageSize = constants.PageSize

// Address is a guest virtual address. 0 is never a valid allocation.
type Address uint32

func (a Address) String() string {
	return fmt.Sprintf("0x%08x", uint32(a))
}

type Config struct {
	// Size is the number of bytes of guest space backed by the host buffer.
	Size uint64
	// HardwareProtection maps unallocated and protected pages with mprotect
	// so that direct host accesses fault instead of going through CheckAccess.
	HardwareProtection bool
}

// Allocation describes one live allocation.
type Allocation struct {
	Addr Address
	Size uint32
	Name string
}

type freeRange struct {
	start uint64
	end   uint64 // exclusive
}

func (r freeRange) size() uint64 { return r.end - r.start }

// MemState is the guest address space: a flat host buffer indexed by Address,
// a page allocator over it and a table of protected ranges.
type MemState struct {
	buffer             []byte
	size               uint64
	hardwareProtection bool

	allocMu     sync.RWMutex
	free        []freeRange // sorted, coalesced
	allocations map[Address]Allocation
	pages       *bitsequence.BitSequence

	protMu     sync.RWMutex
	protected  []protectedRange // sorted by start, non-overlapping
	protCount  atomic.Int32
	nextProtID uint64

	closed atomic.Bool
	log    *logger.Logger
}

// New maps the guest buffer. The first page stays unallocated forever so that
// Address 0 never names an allocation.
func New(cfg Config) (*MemState, error) {
	if cfg.Size == 0 || cfg.Size%PageSize != 0 {
		return nil, errors.Errorf("memory size %d must be a non-zero multiple of %d", cfg.Size, PageSize)
	}
	if cfg.Size > constants.GuestSpaceSize || cfg.Size > uint64(math.MaxInt) {
		return nil, errors.Errorf("memory size %d not addressable", cfg.Size)
	}
	if cfg.HardwareProtection && !hostProtectionSupported {
		cfg.HardwareProtection = false
	}

	buffer, err := mapBuffer(cfg.Size, cfg.HardwareProtection)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map guest memory")
	}

	m := &MemState{
		buffer:             buffer,
		size:               cfg.Size,
		hardwareProtection: cfg.HardwareProtection,
		free:               []freeRange{{start: PageSize, end: cfg.Size}},
		allocations:        make(map[Address]Allocation),
		pages:              bitsequence.New(int(cfg.Size / PageSize)),
		log:                logger.New("mem"),
	}
	return m, nil
}

// Close unmaps the guest buffer. The MemState must not be used afterwards.
func (m *MemState) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	err := unmapBuffer(m.buffer)
	m.buffer = nil
	if err != nil {
		return errors.Wrap(err, "failed to unmap guest memory")
	}
	return nil
}

// Size returns the number of bytes of guest space backed by the buffer.
func (m *MemState) Size() uint64 {
	return m.size
}

func (m *MemState) HardwareProtected() bool {
	return m.hardwareProtection
}

// Buffer returns the raw guest buffer for backends that access it directly.
// With hardware protection, touching an unallocated or protected page faults.
func (m *MemState) Buffer() []byte {
	return m.buffer
}

// Alloc reserves size bytes (rounded up to whole pages) at the lowest free
// address. Returns 0 when no range is large enough.
func (m *MemState) Alloc(size uint32, name string) Address {
	return m.allocate(size, PageSize, 0, name)
}

// AllocHint is Alloc preferring the first fit at or above hint, falling back to
// the lowest fit.
func (m *MemState) AllocHint(size uint32, name string, hint Address) Address {
	return m.allocate(size, PageSize, uint64(hint), name)
}

// AllocAligned is Alloc with the start aligned to align, which must be a power
// of two no smaller than the page size.
func (m *MemState) AllocAligned(size, align uint32, name string) Address {
	if !util.IsPowerOfTwo(align) || align < PageSize {
		return 0
	}
	return m.allocate(size, uint64(align), 0, name)
}

func (m *MemState) allocate(size uint32, align, hint uint64, name string) Address {
	if size == 0 {
		return 0
	}
	length := util.AlignUp(uint64(size), PageSize)

	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	pick := func(minStart uint64) (int, uint64, bool) {
		for i, r := range m.free {
			if r.end <= minStart {
				continue
			}
			start := util.AlignUp(max(r.start, minStart), align)
			if start < r.end && r.end-start >= length {
				return i, start, true
			}
		}
		return 0, 0, false
	}

	i, start, ok := pick(util.AlignUp(hint, PageSize))
	if !ok && hint != 0 {
		i, start, ok = pick(0)
	}
	if !ok {
		m.log.Printf("allocation of %#x bytes for %q failed, %#x available", length, name, m.availableLocked())
		return 0
	}
	m.reserveLocked(i, start, length, name)
	return Address(start)
}

// AllocAt reserves the page-aligned range [addr, addr+size). Returns 0 if addr
// is not page aligned or any page of the range is taken or out of range.
func (m *MemState) AllocAt(addr Address, size uint32, name string) Address {
	if size == 0 || addr == 0 || uint64(addr)%PageSize != 0 {
		return 0
	}
	start := uint64(addr)
	length := util.AlignUp(uint64(size), PageSize)
	if start+length > m.size {
		return 0
	}

	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	i := sort.Search(len(m.free), func(i int) bool { return m.free[i].end > start })
	if i == len(m.free) || m.free[i].start > start || m.free[i].end < start+length {
		return 0
	}
	m.reserveLocked(i, start, length, name)
	return addr
}

// reserveLocked carves [start, start+length) out of free range i.
func (m *MemState) reserveLocked(i int, start, length uint64, name string) {
	r := m.free[i]
	end := start + length
	switch {
	case r.start == start && r.end == end:
		m.free = append(m.free[:i], m.free[i+1:]...)
	case r.start == start:
		m.free[i].start = end
	case r.end == end:
		m.free[i].end = start
	default:
		m.free = append(m.free, freeRange{})
		copy(m.free[i+2:], m.free[i+1:])
		m.free[i] = freeRange{start: r.start, end: start}
		m.free[i+1] = freeRange{start: end, end: r.end}
	}

	m.pages.SetRange(int(start/PageSize), int(length/PageSize))
	m.allocations[Address(start)] = Allocation{Addr: Address(start), Size: uint32(length), Name: name}

	if m.hardwareProtection {
		if err := hostProtect(m.buffer[start:end], PermReadWrite); err != nil {
			panic(fmt.Sprintf("mprotect failed: start=0x%x length=0x%x err=%v", start, length, err))
		}
	}
}

// Free releases the allocation starting at addr, clearing its contents and any
// protections inside it. Returns false if addr does not start an allocation.
func (m *MemState) Free(addr Address) bool {
	m.allocMu.RLock()
	a, ok := m.allocations[addr]
	m.allocMu.RUnlock()
	if !ok {
		return false
	}
	// Protections go first so the pages are writable again for clearing.
	m.dropProtections(addr, a.Size)

	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	if _, ok := m.allocations[addr]; !ok {
		return false
	}
	delete(m.allocations, addr)

	start := uint64(addr)
	end := start + uint64(a.Size)
	clear(m.buffer[start:end])
	m.pages.ClearRange(int(start/PageSize), int(a.Size/PageSize))
	if m.hardwareProtection {
		if err := hostProtect(m.buffer[start:end], PermNone); err != nil {
			panic(fmt.Sprintf("mprotect failed: start=0x%x length=0x%x err=%v", start, a.Size, err))
		}
	}
	m.insertFreeLocked(freeRange{start: start, end: end})
	return true
}

func (m *MemState) insertFreeLocked(r freeRange) {
	i := sort.Search(len(m.free), func(i int) bool { return m.free[i].start >= r.end })
	// merge with the following range
	if i < len(m.free) && m.free[i].start == r.end {
		r.end = m.free[i].end
		m.free = append(m.free[:i], m.free[i+1:]...)
	}
	// merge with the preceding range
	if i > 0 && m.free[i-1].end == r.start {
		m.free[i-1].end = r.end
		return
	}
	m.free = append(m.free, freeRange{})
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = r
}

// IsValidAddr reports whether addr lies in an allocated page.
func (m *MemState) IsValidAddr(addr Address) bool {
	return m.IsValidAddrRange(addr, 1)
}

// IsValidAddrRange reports whether every page of [addr, addr+size) is
// allocated.
func (m *MemState) IsValidAddrRange(addr Address, size uint32) bool {
	if size == 0 {
		return addr != 0
	}
	end := uint64(addr) + uint64(size)
	if end > m.size {
		return false
	}
	first := uint64(addr) / PageSize
	last := (end - 1) / PageSize

	m.allocMu.RLock()
	defer m.allocMu.RUnlock()
	return m.pages.AllInRange(int(first), int(last-first+1))
}

// MemAvailable returns the number of unallocated bytes.
func (m *MemState) MemAvailable() uint64 {
	m.allocMu.RLock()
	defer m.allocMu.RUnlock()
	return m.availableLocked()
}

func (m *MemState) availableLocked() uint64 {
	var total uint64
	for _, r := range m.free {
		total += r.size()
	}
	return total
}

// LargestFree returns the size of the largest free range.
func (m *MemState) LargestFree() uint64 {
	m.allocMu.RLock()
	defer m.allocMu.RUnlock()
	var largest uint64
	for _, r := range m.free {
		largest = max(largest, r.size())
	}
	return largest
}

// AllocationName returns the name of the allocation containing addr.
func (m *MemState) AllocationName(addr Address) (string, bool) {
	m.allocMu.RLock()
	defer m.allocMu.RUnlock()
	for _, a := range m.allocations {
		if addr >= a.Addr && uint64(addr) < uint64(a.Addr)+uint64(a.Size) {
			return a.Name, true
		}
	}
	return "", false
}

// Allocations lists live allocations in address order.
func (m *MemState) Allocations() []Allocation {
	m.allocMu.RLock()
	out := make([]Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, a)
	}
	m.allocMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// HostAddr returns the host address backing addr.
func (m *MemState) HostAddr(addr Address) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.buffer))) + uintptr(addr)
}

// GuestAddr converts a host address inside the buffer back to a guest
// address.
func (m *MemState) GuestAddr(host uintptr) (Address, bool) {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(m.buffer)))
	if host < base || uint64(host-base) >= m.size {
		return 0, false
	}
	return Address(host - base), true
}
