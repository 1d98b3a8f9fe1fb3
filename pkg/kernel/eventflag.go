package kernel

// EventFlagMultiWait lets more than one thread wait on an event flag.
const EventFlagMultiWait = 0x1000

type EventWaitMode uint32

const (
	EventWaitAND EventWaitMode = 0
	EventWaitOR  EventWaitMode = 1
	// EventWaitClearAll clears the whole pattern when the wait is satisfied.
	EventWaitClearAll EventWaitMode = 2
	// EventWaitClearPattern clears the waited bits when the wait is satisfied.
	EventWaitClearPattern EventWaitMode = 4

	eventWaitModeMask = EventWaitOR | EventWaitClearAll | EventWaitClearPattern
)

func (m EventWaitMode) matches(pattern, bits uint32) bool {
	if m&EventWaitOR != 0 {
		return pattern&bits != 0
	}
	return pattern&bits == bits
}

// EventFlag is a 32-bit pattern threads wait on for AND or OR matches.
type EventFlag struct {
	object
	attr    uint32
	pattern uint32
}

type EventFlagInfo struct {
	UID     UID
	Name    string
	Attr    uint32
	Pattern uint32
	Waiters []UID
}

func (k *KernelState) CreateEventFlag(name string, attr, pattern uint32) (UID, error) {
	e := &EventFlag{attr: attr, pattern: pattern}
	return k.register(func(uid UID) {
		e.init(uid, name)
		k.eventFlags[uid] = e
	}), nil
}

// consume applies the clear bits of mode after a satisfied wait and returns
// the pattern the waiter observed.
func (e *EventFlag) consume(bits uint32, mode EventWaitMode) uint32 {
	seen := e.pattern
	switch {
	case mode&EventWaitClearAll != 0:
		e.pattern = 0
	case mode&EventWaitClearPattern != 0:
		e.pattern &^= bits
	}
	return seen
}

// WaitEventFlag blocks until the pattern matches bits under mode and
// returns the pattern as it was at that point.
func (k *KernelState) WaitEventFlag(caller *ThreadState, uid UID, bits uint32, mode EventWaitMode, timeout *uint32, cb bool) (uint32, error) {
	return k.waitEventFlag(caller, uid, bits, mode, timeout, cb, true)
}

// PollEventFlag is WaitEventFlag without blocking; it fails with
// ErrNotReady.
func (k *KernelState) PollEventFlag(uid UID, bits uint32, mode EventWaitMode) (uint32, error) {
	return k.waitEventFlag(nil, uid, bits, mode, nil, false, false)
}

func (k *KernelState) waitEventFlag(caller *ThreadState, uid UID, bits uint32, mode EventWaitMode, timeout *uint32, cb, wait bool) (uint32, error) {
	e := k.EventFlag(uid)
	if e == nil {
		return 0, ErrNoSuchObject
	}
	if bits == 0 || mode&^eventWaitModeMask != 0 {
		return 0, ErrInvalidArgument
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return 0, ErrNoSuchObject
	}
	if mode.matches(e.pattern, bits) {
		return e.consume(bits, mode), nil
	}
	if !wait || (len(e.waiters) > 0 && e.attr&EventFlagMultiWait == 0) {
		return e.pattern, ErrNotReady
	}

	w := &waiter{thread: caller, bits: bits, mode: mode, callbacks: cb}
	w.poll = func() bool {
		if !mode.matches(e.pattern, bits) {
			return false
		}
		w.result = e.consume(bits, mode)
		return true
	}
	if err := e.block(w, timeout); err != nil {
		if err == ErrTimeout {
			return e.pattern, err
		}
		return w.result, err
	}
	return w.result, nil
}

// SetEventFlag ORs bits into the pattern and wakes, in arrival order, every
// waiter the pattern now satisfies.
func (k *KernelState) SetEventFlag(uid UID, bits uint32) error {
	return k.updateEventFlag(uid, func(e *EventFlag) { e.pattern |= bits })
}

// ClearEventFlag ANDs the pattern with bits.
func (k *KernelState) ClearEventFlag(uid UID, bits uint32) error {
	return k.updateEventFlag(uid, func(e *EventFlag) { e.pattern &= bits })
}

func (k *KernelState) updateEventFlag(uid UID, update func(e *EventFlag)) error {
	e := k.EventFlag(uid)
	if e == nil {
		return ErrNoSuchObject
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrNoSuchObject
	}
	update(e)
	for _, w := range append([]*waiter(nil), e.waiters...) {
		if w.mode.matches(e.pattern, w.bits) {
			w.result = e.consume(w.bits, w.mode)
			e.wake(w, nil)
		}
	}
	return nil
}

// CancelEventFlag sets the pattern and fails every waiter with
// ErrWaitCanceled. Returns how many waiters there were.
func (k *KernelState) CancelEventFlag(uid UID, pattern uint32) (int, error) {
	e := k.EventFlag(uid)
	if e == nil {
		return 0, ErrNoSuchObject
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return 0, ErrNoSuchObject
	}
	e.pattern = pattern
	for _, w := range e.waiters {
		w.result = pattern
	}
	return e.wakeAll(ErrWaitCanceled), nil
}

func (k *KernelState) DeleteEventFlag(uid UID) error {
	e := unregister(k, k.eventFlags, uid)
	if e == nil {
		return ErrNoSuchObject
	}
	e.destroy()
	return nil
}

func (k *KernelState) EventFlagInfo(uid UID) (EventFlagInfo, error) {
	e := k.EventFlag(uid)
	if e == nil {
		return EventFlagInfo{}, ErrNoSuchObject
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return EventFlagInfo{
		UID:     e.uid,
		Name:    e.name,
		Attr:    e.attr,
		Pattern: e.pattern,
		Waiters: e.waiterUIDs(),
	}, nil
}
