package staterepository

import (
	"vitacore/pkg/kernel"
	"vitacore/pkg/mem"
)

// Capture collects the stable thread contexts and the readable allocations
// of a process. Threads that are running are left out, see
// KernelState.Snapshot.
func Capture(k *kernel.KernelState, label string) Snapshot {
	s := Snapshot{
		Label:   label,
		Threads: k.Snapshot(),
	}
	m := k.Mem()
	for _, a := range m.Allocations() {
		data := make([]byte, a.Size)
		if !m.ReadBytes(a.Addr, data) {
			continue
		}
		s.Regions = append(s.Regions, Region{Addr: uint32(a.Addr), Name: a.Name, Data: data})
	}
	return s
}

// Restore writes a snapshot back into a process. Regions whose allocation
// is gone are reallocated at the same address; regions that cannot be
// placed or written are skipped. Returns the number of regions and thread
// contexts restored.
func Restore(k *kernel.KernelState, s Snapshot) (regions, threads int) {
	m := k.Mem()
	for _, r := range s.Regions {
		addr := mem.Address(r.Addr)
		if _, ok := m.AllocationName(addr); !ok {
			if m.AllocAt(addr, uint32(len(r.Data)), r.Name) == 0 {
				continue
			}
		}
		if m.WriteBytes(addr, r.Data) {
			regions++
		}
	}
	threads = k.RestoreContexts(s.Threads)
	if regions > 0 {
		// restored code must not run from stale translations
		for _, r := range s.Regions {
			k.InvalidateJITCache(mem.Address(r.Addr), uint32(len(r.Data)))
		}
	}
	return regions, threads
}
