package kernel

import (
	"fmt"
	"runtime"
	"sync"

	"vitacore/pkg/arm"
	"vitacore/pkg/constants"
	"vitacore/pkg/cpu"
	"vitacore/pkg/mem"
	"vitacore/pkg/util"
)

type ThreadStatus int32

const (
	ThreadDormant ThreadStatus = iota
	ThreadRun
	ThreadWait
	ThreadSuspend
)

func (s ThreadStatus) String() string {
	switch s {
	case ThreadDormant:
		return "dormant"
	case ThreadRun:
		return "run"
	case ThreadWait:
		return "wait"
	case ThreadSuspend:
		return "suspend"
	}
	return fmt.Sprintf("ThreadStatus(%d)", int32(s))
}

// ThreadState is one guest thread. While started it is driven by its own
// goroutine, locked to an OS thread.
type ThreadState struct {
	kernel   *KernelState
	uid      UID
	name     string
	entry    mem.Address
	priority int32
	cpu      *cpu.State
	stack    *mem.Block
	tls      *mem.Block

	// end is waited on by WaitThreadEnd.
	end object

	mu          sync.Mutex
	cond        *sync.Cond
	status      ThreadStatus
	resumeTo    ThreadStatus
	running     bool
	parked      bool
	exitReq     bool
	terminating bool
	deleteAfter bool
	removing    bool
	exitStatus  int32
	crash       string
	waitObj     *object
	waitW       *waiter
	callbacks   []UID
	requests    []UID
	done        chan struct{}

	// owned by the thread's goroutine
	processingCallbacks bool
	callbackReturned    bool
}

// ThreadInfo is a point-in-time view of a thread for introspection.
type ThreadInfo struct {
	UID        UID
	Name       string
	Status     ThreadStatus
	Entry      mem.Address
	Priority   int32
	Stack      mem.Address
	StackSize  uint32
	TLS        mem.Address
	ExitStatus int32
	WaitingOn  UID
	Crash      string
	Processor  int
	Callbacks  []UID
}

func (t *ThreadState) UID() UID {
	if t == nil {
		return 0
	}
	return t.uid
}

func (t *ThreadState) Name() string          { return t.name }
func (t *ThreadState) CPU() *cpu.State       { return t.cpu }
func (t *ThreadState) Kernel() *KernelState  { return t.kernel }
func (t *ThreadState) TLS() mem.Address      { return t.tls.Addr() }
func (t *ThreadState) StackTop() mem.Address { return t.stack.End() }

func (t *ThreadState) Status() ThreadStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *ThreadState) Info() ThreadInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := ThreadInfo{
		UID:        t.uid,
		Name:       t.name,
		Status:     t.status,
		Entry:      t.entry,
		Priority:   t.priority,
		Stack:      t.stack.Addr(),
		StackSize:  t.stack.Size(),
		TLS:        t.tls.Addr(),
		ExitStatus: t.exitStatus,
		Crash:      t.crash,
		Processor:  t.cpu.ProcessorID(),
		Callbacks:  append([]UID(nil), t.callbacks...),
	}
	if t.waitObj != nil {
		info.WaitingOn = t.waitObj.uid
	}
	return info
}

// contextStable reports whether nothing is executing on the thread's CPU.
func (t *ThreadState) contextStable() bool {
	return (t.status == ThreadDormant && !t.running) || t.parked
}

// Context returns the thread's registers if the thread is dormant or parked
// in suspension; a running context would be torn.
func (t *ThreadState) Context() (cpu.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.contextStable() {
		return cpu.Context{}, false
	}
	return t.cpu.SaveContext(), true
}

// SetContext replaces the registers of a dormant or suspended thread.
func (t *ThreadState) SetContext(ctx cpu.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.contextStable() {
		return false
	}
	t.cpu.LoadContext(ctx)
	return true
}

func (t *ThreadState) stopping() bool {
	return t.exitReq || t.terminating
}

// beginWait records that the thread is blocked on o. Fails when the thread
// is being stopped. Called with o.mu held.
func (t *ThreadState) beginWait(o *object, w *waiter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopping() {
		return false
	}
	t.waitObj, t.waitW = o, w
	switch t.status {
	case ThreadRun:
		t.status = ThreadWait
	case ThreadSuspend:
		t.resumeTo = ThreadWait
	}
	return true
}

func (t *ThreadState) endWait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitObj, t.waitW = nil, nil
	switch {
	case t.status == ThreadWait:
		t.status = ThreadRun
	case t.status == ThreadSuspend && t.resumeTo == ThreadWait:
		t.resumeTo = ThreadRun
	}
}

// CreateThread creates a dormant thread with its own stack and TLS block.
// A stackSize of 0 selects the configured default.
func (k *KernelState) CreateThread(name string, entry mem.Address, priority int32, stackSize uint32) (UID, error) {
	if stackSize == 0 {
		stackSize = k.cfg.StackSize
	}
	if stackSize < constants.MinStackSize {
		return 0, ErrInvalidArgument
	}
	if len(name) > constants.MaxThreadNameLength {
		name = name[:constants.MaxThreadNameLength]
	}
	stackSize = util.AlignUp(stackSize, 8)

	stack := k.mem.AllocBlock(stackSize, "stack: "+name)
	if stack == nil {
		return 0, ErrNoMemory
	}
	tls := k.mem.AllocBlock(k.cfg.TLSSize, "tls: "+name)
	if tls == nil {
		stack.Free()
		return 0, ErrNoMemory
	}
	k.mem.WriteBytes(tls.Addr(), make([]byte, tls.Size()))

	t := &ThreadState{
		kernel:   k,
		name:     name,
		entry:    entry,
		priority: priority,
		stack:    stack,
		tls:      tls,
		status:   ThreadDormant,
	}
	t.cond = sync.NewCond(&t.mu)

	uid := k.register(func(uid UID) {
		t.uid = uid
		t.end.init(uid, name)
		t.cpu = cpu.New(k.mem, k, int32(uid), cpu.Options{
			Backend:     k.backend,
			ProcessorID: int(uid) % constants.ProcessorCount,
			Runtime:     k.runtime,
		})
		k.threads[uid] = t
	})
	t.cpu.SetLogCode(k.cfg.Log.Code)
	t.cpu.SetLogMem(k.cfg.Log.Mem)

	k.log.Printf("created thread %q uid %d entry %s stack %s+%#x", name, uid, entry, stack.Addr(), stackSize)
	return uid, nil
}

// StartThread starts a dormant thread at its entry point with R0 = len(args)
// and R1 pointing to a copy of args at the top of its stack.
func (k *KernelState) StartThread(uid UID, args []byte) error {
	t := k.Thread(uid)
	if t == nil {
		return ErrNoSuchObject
	}
	if uint64(len(args)) > uint64(t.stack.Size()/2) {
		return ErrInvalidArgument
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != ThreadDormant || t.running || t.removing {
		return ErrThreadState
	}

	sp := t.stack.End()
	var argp mem.Address
	if len(args) > 0 {
		sp -= mem.Address(util.AlignUp(uint32(len(args)), 8))
		argp = sp
		k.mem.WriteBytes(argp, args)
	}

	var ctx cpu.Context
	ctx.R[0] = uint32(len(args))
	ctx.R[1] = uint32(argp)
	ctx.R[arm.SP] = uint32(sp)
	ctx.R[arm.LR] = uint32(k.threadReturnStub)
	ctx.CPSR = arm.ModeUser
	ctx.TPIDRURO = uint32(t.tls.Addr())
	t.cpu.LoadContext(ctx)
	t.cpu.SetPC(uint32(t.entry))

	t.status = ThreadRun
	t.running = true
	t.exitReq, t.terminating, t.deleteAfter = false, false, false
	t.exitStatus = 0
	t.crash = ""
	t.done = make(chan struct{})

	go t.loop()
	return nil
}

// loop drives the guest until the thread exits, is terminated or crashes.
func (t *ThreadState) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer t.finish()

	for t.waitWhileSuspended() {
		exit, err := t.cpu.Run()
		if err != nil {
			t.fail(err.Error())
			return
		}
		switch exit {
		case cpu.ExitStopped:
			// a stop left over from an earlier run is harmless
		case cpu.ExitBreakpoint:
			t.breakpoint()
		case cpu.ExitFault:
			addr, write := t.cpu.FaultAddr()
			kind := "read"
			if write {
				kind = "write"
			}
			t.fail(fmt.Sprintf("unhandled %s fault at %s, pc %08x", kind, addr, t.cpu.PC()))
			return
		default:
			t.fail(fmt.Sprintf("%s at %08x", exit, t.cpu.PC()))
			return
		}
	}
}

// waitWhileSuspended parks the goroutine while the thread is suspended.
// Returns false once the thread has been asked to stop.
func (t *ThreadState) waitWhileSuspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parked = true
	for t.status == ThreadSuspend && !t.stopping() {
		t.cond.Wait()
	}
	t.parked = false
	return !t.stopping()
}

// breakpoint handles a Run that ended in ExitBreakpoint. Triggered exits
// serve SuspendThread; one that arrives after the thread was resumed again
// is dropped.
func (t *ThreadState) breakpoint() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cpu.HitBreakpoint() || t.status == ThreadSuspend {
		return
	}
	t.resumeTo = t.status
	t.status = ThreadSuspend
	t.kernel.log.Printf("thread %q suspended at breakpoint %08x", t.name, t.cpu.PC())
}

// fail records why the thread died. Errors raised while the thread was
// being stopped are not crashes.
func (t *ThreadState) fail(reason string) {
	t.mu.Lock()
	if t.stopping() {
		t.mu.Unlock()
		return
	}
	t.crash = reason
	t.mu.Unlock()
	t.kernel.log.Printf("thread %q crashed: %s", t.name, reason)
}

func (t *ThreadState) finish() {
	t.mu.Lock()
	t.status = ThreadDormant
	t.running = false
	t.parked = false
	status := t.exitStatus
	del := t.deleteAfter
	// held until removeThread so the dormant thread cannot be restarted
	t.removing = del
	t.exitReq, t.terminating, t.deleteAfter = false, false, false
	done := t.done
	t.mu.Unlock()

	t.end.mu.Lock()
	for _, w := range t.end.waiters {
		w.result = uint32(status)
	}
	t.end.wakeAll(nil)
	t.end.mu.Unlock()

	if del {
		t.kernel.removeThread(t)
	}
	t.kernel.log.Printf("thread %q exited with status %d", t.name, status)
	close(done)
}

func (k *KernelState) requestExit(t *ThreadState, status int32, del bool) {
	t.mu.Lock()
	t.exitReq = true
	t.exitStatus = status
	if del {
		t.deleteAfter = true
	}
	t.mu.Unlock()
	t.cpu.Stop()
}

// ExitThread ends the calling thread once control returns from the current
// kernel call. The thread becomes dormant and may be started again.
func (k *KernelState) ExitThread(t *ThreadState, status int32) {
	k.requestExit(t, status, false)
}

// ExitDeleteThread ends the calling thread and removes it from the registry.
func (k *KernelState) ExitDeleteThread(t *ThreadState, status int32) {
	k.requestExit(t, status, true)
}

func (k *KernelState) terminate(caller *ThreadState, uid UID, del bool) error {
	t := k.Thread(uid)
	if t == nil {
		return ErrNoSuchObject
	}
	if t == caller {
		return ErrThreadState
	}

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrThreadState
	}
	t.terminating = true
	if del {
		t.deleteAfter = true
	}
	o, w := t.waitObj, t.waitW
	done := t.done
	t.cond.Broadcast()
	t.mu.Unlock()

	if o != nil {
		o.cancel(w, ErrWaitCanceled)
	}
	t.cpu.Stop()
	<-done
	return nil
}

// TerminateThread stops another thread and waits for its goroutine to end.
// Pending waits of the thread fail with ErrWaitCanceled.
func (k *KernelState) TerminateThread(caller *ThreadState, uid UID) error {
	return k.terminate(caller, uid, false)
}

func (k *KernelState) TerminateDeleteThread(caller *ThreadState, uid UID) error {
	return k.terminate(caller, uid, true)
}

// DeleteThread removes a dormant thread.
func (k *KernelState) DeleteThread(uid UID) error {
	t := k.Thread(uid)
	if t == nil {
		return ErrNoSuchObject
	}
	t.mu.Lock()
	if t.running || t.removing {
		t.mu.Unlock()
		return ErrThreadState
	}
	t.removing = true
	t.mu.Unlock()
	k.removeThread(t)
	return nil
}

// removeThread drops t and the callbacks it owns from the registry and
// frees its stack and TLS.
func (k *KernelState) removeThread(t *ThreadState) {
	t.mu.Lock()
	owned := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	k.mu.Lock()
	if k.threads[t.uid] != t {
		k.mu.Unlock()
		return
	}
	delete(k.threads, t.uid)
	for _, uid := range owned {
		delete(k.callbacks, uid)
	}
	k.mu.Unlock()

	t.end.mu.Lock()
	t.end.deleted = true
	t.end.wakeAll(ErrWaitDeleted)
	t.end.mu.Unlock()

	t.stack.Free()
	t.tls.Free()
	k.log.Printf("deleted thread %q uid %d", t.name, t.uid)
}

// SuspendThread stops a started thread at its next instruction boundary
// until ResumeThread. A suspended thread that is blocked in a kernel wait
// keeps waiting; it parks once the wait returns.
func (k *KernelState) SuspendThread(uid UID) error {
	t := k.Thread(uid)
	if t == nil {
		return ErrNoSuchObject
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case !t.running || t.status == ThreadDormant:
		return ErrThreadState
	case t.status == ThreadSuspend:
		return nil
	}
	t.resumeTo = t.status
	t.status = ThreadSuspend
	t.cpu.TriggerBreakpoint()
	return nil
}

func (k *KernelState) ResumeThread(uid UID) error {
	t := k.Thread(uid)
	if t == nil {
		return ErrNoSuchObject
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != ThreadSuspend {
		return ErrThreadState
	}
	t.status = t.resumeTo
	t.cond.Broadcast()
	return nil
}

// DelayThread blocks the caller for usec guest microseconds. With cb set,
// callbacks notified meanwhile run on the caller.
func (k *KernelState) DelayThread(caller *ThreadState, usec uint32, cb bool) error {
	var o object
	o.init(0, "delay")
	w := &waiter{thread: caller, callbacks: cb}

	o.mu.Lock()
	defer o.mu.Unlock()
	err := o.block(w, &usec)
	if err == ErrTimeout {
		return nil
	}
	return err
}

// WaitThreadEnd blocks until the thread exits and returns its exit status.
// A thread that is already dormant returns immediately.
func (k *KernelState) WaitThreadEnd(caller *ThreadState, uid UID, timeout *uint32) (int32, error) {
	t := k.Thread(uid)
	if t == nil {
		return 0, ErrNoSuchObject
	}
	if t == caller {
		return 0, ErrThreadState
	}

	t.end.mu.Lock()
	defer t.end.mu.Unlock()
	if t.end.deleted {
		return 0, ErrNoSuchObject
	}

	t.mu.Lock()
	running := t.running
	status := t.exitStatus
	t.mu.Unlock()
	if !running {
		return status, nil
	}

	w := &waiter{thread: caller}
	if err := t.end.block(w, timeout); err != nil {
		return 0, err
	}
	return int32(w.result), nil
}
