package kernel

import (
	"sort"
	"sync"

	"vitacore/pkg/config"
	"vitacore/pkg/constants"
	"vitacore/pkg/cpu"
	"vitacore/pkg/cpu/jit"
	"vitacore/pkg/errors"
	"vitacore/pkg/logger"
	"vitacore/pkg/mem"
)

// ImportCaller runs the HLE function an import stub names. It is called on
// the importing thread's goroutine, with the thread's CPU positioned after
// the stub's SVC. Kernel results are reported to the guest in registers;
// a returned error kills the thread.
type ImportCaller func(t *ThreadState, nid uint32) error

// KernelState is the registry of one emulated process.
type KernelState struct {
	mem     *mem.MemState
	cfg     config.Config
	backend cpu.Backend
	runtime *jit.Runtime
	log     *logger.Logger

	// mu guards the maps and nextUID. It is never held while blocking.
	mu         sync.Mutex
	nextUID    UID
	threads    map[UID]*ThreadState
	mutexes    map[UID]*Mutex
	semas      map[UID]*Semaphore
	condvars   map[UID]*CondVar
	eventFlags map[UID]*EventFlag
	callbacks  map[UID]*Callback

	importMu     sync.RWMutex
	importCaller ImportCaller

	stubs              *mem.Block
	threadReturnStub   mem.Address
	callbackReturnStub mem.Address
}

// New creates the kernel of a process running in m.
func New(m *mem.MemState, cfg config.Config) (*KernelState, error) {
	backend, err := cpu.ParseBackend(cfg.CPUBackend)
	if err != nil {
		return nil, err
	}

	k := &KernelState{
		mem:     m,
		cfg:     cfg,
		backend: backend,
		runtime: jit.NewRuntime(jit.Options{
			MaxBlockInstructions: cfg.JIT.MaxBlockInstructions,
			CheckSelfModifying:   cfg.JIT.CheckSelfModifying,
		}),
		log:        logger.New("kernel"),
		nextUID:    1,
		threads:    make(map[UID]*ThreadState),
		mutexes:    make(map[UID]*Mutex),
		semas:      make(map[UID]*Semaphore),
		condvars:   make(map[UID]*CondVar),
		eventFlags: make(map[UID]*EventFlag),
		callbacks:  make(map[UID]*Callback),
	}

	// Threads return into "svc #ThreadReturnSVC" and callbacks into
	// "svc #CallbackReturnSVC". The page is read-only to the guest.
	k.stubs = m.AllocBlock(constants.PageSize, "kernel stubs")
	if k.stubs == nil {
		return nil, errors.Wrap(ErrNoMemory, "failed to allocate kernel stubs")
	}
	k.threadReturnStub = k.stubs.Addr()
	k.callbackReturnStub = k.stubs.Addr() + 4
	m.Write32(k.threadReturnStub, armSVC(constants.ThreadReturnSVC))
	m.Write32(k.callbackReturnStub, armSVC(constants.CallbackReturnSVC))
	m.Protect(k.stubs.Addr(), constants.PageSize, mem.PermRead, nil)

	k.log.Printf("kernel ready, %s cpu backend, stubs at %s", backend, k.stubs.Addr())
	return k, nil
}

// Close terminates every running thread and releases all kernel objects.
// The memory state is left to its owner.
func (k *KernelState) Close() {
	for _, t := range k.Threads() {
		k.TerminateDeleteThread(nil, t.uid)
		k.DeleteThread(t.uid)
	}

	k.mu.Lock()
	condvars := keys(k.condvars)
	mutexes := keys(k.mutexes)
	semas := keys(k.semas)
	eventFlags := keys(k.eventFlags)
	k.mu.Unlock()
	for _, uid := range condvars {
		k.DeleteCondVar(uid)
	}
	for _, uid := range mutexes {
		k.DeleteMutex(uid)
	}
	for _, uid := range semas {
		k.DeleteSema(uid)
	}
	for _, uid := range eventFlags {
		k.DeleteEventFlag(uid)
	}

	k.mem.Unprotect(k.stubs.Addr(), constants.PageSize)
	k.stubs.Free()
	k.runtime.Reset()
}

func (k *KernelState) Mem() *mem.MemState {
	return k.mem
}

func (k *KernelState) Config() config.Config {
	return k.cfg
}

// Runtime is the block cache shared by the process's JIT CPUs.
func (k *KernelState) Runtime() *jit.Runtime {
	return k.runtime
}

// register assigns the next UID and lets add insert the object under the
// registry lock.
func (k *KernelState) register(add func(uid UID)) UID {
	k.mu.Lock()
	defer k.mu.Unlock()
	uid := k.nextUID
	k.nextUID++
	add(uid)
	return uid
}

func keys[T any](objects map[UID]*T) []UID {
	uids := make([]UID, 0, len(objects))
	for uid := range objects {
		uids = append(uids, uid)
	}
	return uids
}

// unregister removes uid from objects and returns what was there.
func unregister[T any](k *KernelState, objects map[UID]*T, uid UID) *T {
	k.mu.Lock()
	defer k.mu.Unlock()
	o := objects[uid]
	delete(objects, uid)
	return o
}

func lookup[T any](k *KernelState, objects map[UID]*T, uid UID) *T {
	k.mu.Lock()
	defer k.mu.Unlock()
	return objects[uid]
}

func (k *KernelState) Thread(uid UID) *ThreadState  { return lookup(k, k.threads, uid) }
func (k *KernelState) Mutex(uid UID) *Mutex         { return lookup(k, k.mutexes, uid) }
func (k *KernelState) Sema(uid UID) *Semaphore      { return lookup(k, k.semas, uid) }
func (k *KernelState) CondVar(uid UID) *CondVar     { return lookup(k, k.condvars, uid) }
func (k *KernelState) EventFlag(uid UID) *EventFlag { return lookup(k, k.eventFlags, uid) }
func (k *KernelState) Callback(uid UID) *Callback   { return lookup(k, k.callbacks, uid) }

// Threads returns the live threads ordered by UID.
func (k *KernelState) Threads() []*ThreadState {
	k.mu.Lock()
	threads := make([]*ThreadState, 0, len(k.threads))
	for _, t := range k.threads {
		threads = append(threads, t)
	}
	k.mu.Unlock()

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].uid < threads[j].uid
	})
	return threads
}

// SetImportCaller installs the bridge import stubs trap into.
func (k *KernelState) SetImportCaller(caller ImportCaller) {
	k.importMu.Lock()
	k.importCaller = caller
	k.importMu.Unlock()
}

// InvalidateJITCache drops translated code overlapping the range. All JIT
// CPUs of the process share one cache.
func (k *KernelState) InvalidateJITCache(start mem.Address, length uint32) {
	k.runtime.InvalidateRange(uint32(start), length)
}

// CallSVC routes supervisor calls from guest threads. Import stubs are
// "svc #0; bx lr; .word nid"; the NID is the first aligned word after the
// stub's return instruction.
func (k *KernelState) CallSVC(c cpu.Interface, imm uint32, pc mem.Address, threadID int32) error {
	t := k.Thread(UID(threadID))
	if t == nil {
		return errors.Errorf("svc #%x from unknown thread %d", imm, threadID)
	}

	switch imm {
	case constants.ThreadReturnSVC:
		k.ExitThread(t, int32(c.Reg(0)))
		return nil
	case constants.CallbackReturnSVC:
		t.callbackReturned = true
		c.Stop()
		return nil
	case 0:
	default:
		return errors.Errorf("unexpected svc #%x at %s", imm, pc)
	}

	nidAddr := pc + 4
	if c.IsThumbMode() {
		nidAddr = (pc + 2 + 3) &^ 3
	}
	nid, ok := k.mem.Read32(nidAddr)
	if !ok {
		return errors.Errorf("import stub at %s has no readable NID", pc)
	}

	k.importMu.RLock()
	caller := k.importCaller
	k.importMu.RUnlock()
	if caller == nil {
		return errors.Errorf("import %08x called with no import caller installed", nid)
	}
	return caller(t, nid)
}

// ThreadSnapshot is the saved state of one thread.
type ThreadSnapshot struct {
	UID     UID
	Name    string
	Status  ThreadStatus
	Context cpu.Context
}

// Snapshot captures the contexts of every thread whose context is stable:
// dormant threads and threads parked in suspension.
func (k *KernelState) Snapshot() []ThreadSnapshot {
	var snaps []ThreadSnapshot
	for _, t := range k.Threads() {
		ctx, ok := t.Context()
		if !ok {
			continue
		}
		snaps = append(snaps, ThreadSnapshot{
			UID:     t.uid,
			Name:    t.name,
			Status:  t.Status(),
			Context: ctx,
		})
	}
	return snaps
}

// RestoreContexts loads saved contexts back into the threads they came
// from. Returns how many were restored.
func (k *KernelState) RestoreContexts(snaps []ThreadSnapshot) int {
	n := 0
	for _, s := range snaps {
		t := k.Thread(s.UID)
		if t == nil {
			continue
		}
		if t.SetContext(s.Context) {
			n++
		}
	}
	if n > 0 {
		k.log.Printf("restored %d of %d thread contexts", n, len(snaps))
	}
	return n
}

// armSVC encodes "svc #imm".
func armSVC(imm uint32) uint32 {
	return 0xEF000000 | imm&0xFFFFFF
}

var _ cpu.Protocol = (*KernelState)(nil)
