package kernel

import (
	"fmt"
	"sync"

	"vitacore/pkg/arm"
	"vitacore/pkg/cpu"
	"vitacore/pkg/mem"
	"vitacore/pkg/util"
)

// Callback is guest code its owner thread runs when notified. Notifications
// may come from any goroutine; the callback runs only on the owner, from
// CheckCallbacks or a callback-aware wait.
type Callback struct {
	uid     UID
	name    string
	owner   *ThreadState
	entry   mem.Address
	userArg uint32

	mu         sync.Mutex
	notifierID UID
	notifyArg  uint32
	count      int32
	// queued on the owner's request list
	pending bool
}

type CallbackInfo struct {
	UID        UID
	Name       string
	Owner      UID
	Entry      mem.Address
	UserArg    uint32
	NotifierID UID
	NotifyArg  uint32
	Count      int32
}

// CreateCallback creates a callback owned by owner. The guest function is
// called as entry(notifierID, count, notifyArg, userArg); a nonzero return
// deletes the callback.
func (k *KernelState) CreateCallback(owner *ThreadState, name string, entry mem.Address, userArg uint32) (UID, error) {
	if owner == nil || entry == 0 {
		return 0, ErrInvalidArgument
	}
	cb := &Callback{name: name, owner: owner, entry: entry, userArg: userArg}
	uid := k.register(func(uid UID) {
		cb.uid = uid
		k.callbacks[uid] = cb
	})

	owner.mu.Lock()
	owner.callbacks = append(owner.callbacks, uid)
	owner.mu.Unlock()
	return uid, nil
}

// NotifyCallback records a notification and asks the owner to run the
// callback. Notifications that arrive before it runs are counted and the
// latest notifier and argument win.
func (k *KernelState) NotifyCallback(uid UID, notifier UID, arg uint32) error {
	cb := k.Callback(uid)
	if cb == nil {
		return ErrNoSuchObject
	}

	cb.mu.Lock()
	cb.notifierID = notifier
	cb.notifyArg = arg
	cb.count++
	post := !cb.pending
	cb.pending = true
	cb.mu.Unlock()

	if post {
		cb.owner.postRequest(uid)
	}
	return nil
}

// CancelCallback discards notifications that have not run yet.
func (k *KernelState) CancelCallback(uid UID) error {
	cb := k.Callback(uid)
	if cb == nil {
		return ErrNoSuchObject
	}
	cb.mu.Lock()
	cb.count = 0
	cb.notifierID = 0
	cb.notifyArg = 0
	cb.mu.Unlock()
	return nil
}

func (k *KernelState) GetCallbackCount(uid UID) (int32, error) {
	cb := k.Callback(uid)
	if cb == nil {
		return 0, ErrNoSuchObject
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.count, nil
}

func (k *KernelState) DeleteCallback(uid UID) error {
	cb := unregister(k, k.callbacks, uid)
	if cb == nil {
		return ErrNoSuchObject
	}
	t := cb.owner
	t.mu.Lock()
	t.callbacks, _ = util.RemoveFirst(t.callbacks, uid)
	t.mu.Unlock()
	return nil
}

func (k *KernelState) CallbackInfo(uid UID) (CallbackInfo, error) {
	cb := k.Callback(uid)
	if cb == nil {
		return CallbackInfo{}, ErrNoSuchObject
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CallbackInfo{
		UID:        cb.uid,
		Name:       cb.name,
		Owner:      cb.owner.uid,
		Entry:      cb.entry,
		UserArg:    cb.userArg,
		NotifierID: cb.notifierID,
		NotifyArg:  cb.notifyArg,
		Count:      cb.count,
	}, nil
}

// postRequest queues uid and interrupts a callback-aware wait in progress.
func (t *ThreadState) postRequest(uid UID) {
	t.mu.Lock()
	t.requests = append(t.requests, uid)
	var o *object
	if t.waitW != nil && t.waitW.callbacks {
		o = t.waitObj
	}
	t.mu.Unlock()

	if o != nil {
		o.interrupt()
	}
}

func (t *ThreadState) hasCallbackRequests() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests) > 0
}

func (t *ThreadState) nextRequest() (UID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.requests) == 0 || t.stopping() {
		return 0, false
	}
	uid := t.requests[0]
	t.requests = t.requests[1:]
	return uid, true
}

// CheckCallbacks runs the callbacks notified since the last check and
// returns how many ran. It must be called on the thread's own goroutine,
// from inside a kernel call. A call made while callbacks are already
// running on the thread does nothing.
func (t *ThreadState) CheckCallbacks() int {
	if t.processingCallbacks {
		t.kernel.log.Printf("thread %q: nested callback check ignored", t.name)
		return 0
	}
	t.processingCallbacks = true
	defer func() { t.processingCallbacks = false }()

	n := 0
	for {
		uid, ok := t.nextRequest()
		if !ok {
			break
		}
		cb := t.kernel.Callback(uid)
		if cb == nil || cb.owner != t {
			continue
		}
		if t.runCallback(cb) {
			n++
		}
	}

	// a stop requested by a callback was consumed by its run
	t.mu.Lock()
	stopping := t.stopping()
	t.mu.Unlock()
	if stopping {
		t.cpu.Stop()
	}
	return n
}

func (t *ThreadState) runCallback(cb *Callback) bool {
	cb.mu.Lock()
	cb.pending = false
	count, notifier, arg := cb.count, cb.notifierID, cb.notifyArg
	cb.count = 0
	cb.mu.Unlock()
	if count == 0 {
		return false
	}

	c := t.cpu
	saved := c.SaveContext()
	c.SetReg(0, uint32(notifier))
	c.SetReg(1, uint32(count))
	c.SetReg(2, arg)
	c.SetReg(3, cb.userArg)
	c.SetSP(util.AlignDown(saved.R[arm.SP], 8))
	c.SetLR(uint32(t.kernel.callbackReturnStub))
	c.SetPC(uint32(cb.entry))

	ret, ok := t.runNested()
	c.LoadContext(saved)

	if ok && ret != 0 {
		t.kernel.DeleteCallback(cb.uid)
	}
	return true
}

// runNested runs guest code until it returns through the callback stub.
// Returns false if the thread was stopped or crashed instead.
func (t *ThreadState) runNested() (uint32, bool) {
	t.callbackReturned = false
	for {
		exit, err := t.cpu.Run()
		if err != nil {
			t.abort(err.Error())
			return 0, false
		}
		switch exit {
		case cpu.ExitStopped:
			if t.callbackReturned {
				return t.cpu.Reg(0), true
			}
			t.mu.Lock()
			stopping := t.stopping()
			t.mu.Unlock()
			if stopping {
				return 0, false
			}
		case cpu.ExitBreakpoint:
			t.breakpoint()
			if !t.waitWhileSuspended() {
				return 0, false
			}
		default:
			t.abort(fmt.Sprintf("%s in callback at %08x", exit, t.cpu.PC()))
			return 0, false
		}
	}
}

// abort kills the thread from inside a kernel call.
func (t *ThreadState) abort(reason string) {
	t.fail(reason)
	t.mu.Lock()
	t.exitReq = true
	t.mu.Unlock()
}
