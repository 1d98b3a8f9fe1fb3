package kernel

import (
	"sync"
	"time"

	"vitacore/pkg/util"
)

// object is what every waitable kernel object shares: its own lock and
// condition variable and the FIFO of threads blocked on it.
type object struct {
	uid  UID
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	waiters []*waiter
	deleted bool
}

func (o *object) init(uid UID, name string) {
	o.uid = uid
	o.name = name
	o.cond = sync.NewCond(&o.mu)
}

// waiter is one blocked call. Fields other than thread and the request
// are guarded by the object's mu.
type waiter struct {
	thread *ThreadState // nil for a host-side caller

	// request
	count     int32
	bits      uint32
	mode      EventWaitMode
	callbacks bool
	// poll retries the request without blocking, completing it in place.
	// Used when w rejoins the queue after running callbacks. May be nil.
	poll func() bool

	// outcome
	result  uint32
	done    bool
	err     error
	expired bool
}

func (w *waiter) uid() UID {
	return w.thread.UID()
}

func (o *object) remove(w *waiter) bool {
	var ok bool
	o.waiters, ok = util.RemoveFirst(o.waiters, w)
	return ok
}

// wake dequeues w and completes its wait with err. o.mu must be held.
func (o *object) wake(w *waiter, err error) {
	if !o.remove(w) {
		panic("kernel: waking a thread that is not queued on " + o.name)
	}
	w.done = true
	w.err = err
	o.cond.Broadcast()
}

// wakeAll completes every queued wait with err. o.mu must be held.
func (o *object) wakeAll(err error) int {
	n := len(o.waiters)
	for _, w := range o.waiters {
		w.done = true
		w.err = err
	}
	o.waiters = nil
	if n > 0 {
		o.cond.Broadcast()
	}
	return n
}

// destroy marks o deleted and fails every queued wait.
func (o *object) destroy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = true
	o.wakeAll(ErrWaitDeleted)
}

// cancel ends w's wait with err if it is still queued.
func (o *object) cancel(w *waiter, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !w.done && o.remove(w) {
		w.done = true
		w.err = err
		o.cond.Broadcast()
	}
}

// interrupt wakes the waiters of o so they notice queued callbacks.
func (o *object) interrupt() {
	o.mu.Lock()
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *object) waiterUIDs() []UID {
	uids := make([]UID, len(o.waiters))
	for i, w := range o.waiters {
		uids[i] = w.uid()
	}
	return uids
}

// rejoin puts w back on the queue after callbacks ran, unless the request
// can be satisfied now or the wait is over. o.mu must be held.
func (o *object) rejoin(w *waiter) {
	switch {
	case w.expired:
	case o.deleted:
		w.done = true
		w.err = ErrWaitDeleted
	case w.poll != nil && w.poll():
		w.done = true
	case !w.thread.beginWait(o, w):
		w.done = true
		w.err = ErrWaitCanceled
	default:
		o.waiters = append(o.waiters, w)
	}
}

// block queues w on o and waits until it is woken, canceled or times out.
// o.mu must be held and is held again on return. timeout is in guest
// microseconds, nil waits forever, and receives the time left.
func (o *object) block(w *waiter, timeout *uint32) error {
	t := w.thread
	if t == nil || t.processingCallbacks {
		w.callbacks = false
	}
	o.waiters = append(o.waiters, w)
	if t != nil && !t.beginWait(o, w) {
		o.remove(w)
		return ErrWaitCanceled
	}

	var (
		timer    *time.Timer
		deadline time.Time
	)
	if timeout != nil {
		d := time.Duration(*timeout) * time.Microsecond
		deadline = time.Now().Add(d)
		timer = time.AfterFunc(d, func() {
			o.mu.Lock()
			w.expired = true
			o.cond.Broadcast()
			o.mu.Unlock()
		})
	}

	for !w.done && !w.expired {
		if w.callbacks && t.hasCallbackRequests() {
			// callbacks may block on other objects, so w leaves the queue
			// while they run
			o.remove(w)
			t.endWait()
			o.mu.Unlock()
			t.CheckCallbacks()
			o.mu.Lock()
			o.rejoin(w)
			continue
		}
		o.cond.Wait()
	}

	if timer != nil {
		timer.Stop()
		left := time.Until(deadline)
		if left < 0 || !w.done {
			left = 0
		}
		*timeout = uint32(left / time.Microsecond)
	}
	if !w.done {
		o.remove(w)
		w.done = true
		w.err = ErrTimeout
	}
	if t != nil {
		t.endWait()
	}
	return w.err
}
