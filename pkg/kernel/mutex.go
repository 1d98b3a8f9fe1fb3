package kernel

import "math"

// MutexWeight is recorded for introspection only; light and heavy mutexes
// behave the same.
type MutexWeight int32

const (
	MutexLight MutexWeight = iota
	MutexHeavy
)

func (w MutexWeight) String() string {
	if w == MutexHeavy {
		return "heavy"
	}
	return "light"
}

// Mutex is a recursive lock owned by a thread. Waiters are granted the lock
// in arrival order, each with the count it asked for.
type Mutex struct {
	object
	weight MutexWeight
	owner  UID
	count  int32
}

type MutexInfo struct {
	UID     UID
	Name    string
	Weight  MutexWeight
	Owner   UID
	Count   int32
	Waiters []UID
}

func (k *KernelState) CreateMutex(caller *ThreadState, name string, weight MutexWeight, initCount int32) (UID, error) {
	if initCount < 0 || (initCount > 0 && caller == nil) {
		return 0, ErrInvalidArgument
	}
	m := &Mutex{weight: weight, count: initCount}
	if initCount > 0 {
		m.owner = caller.uid
	}
	return k.register(func(uid UID) {
		m.init(uid, name)
		k.mutexes[uid] = m
	}), nil
}

// LockMutex adds count to the caller's hold on the mutex, blocking while
// another thread owns it.
func (k *KernelState) LockMutex(caller *ThreadState, uid UID, count int32, timeout *uint32, cb bool) error {
	m := k.Mutex(uid)
	if m == nil {
		return ErrNoSuchObject
	}
	if caller == nil || count <= 0 {
		return ErrInvalidArgument
	}
	return m.lock(caller, count, timeout, cb, true)
}

// TryLockMutex is LockMutex without blocking; it fails with ErrNotReady.
func (k *KernelState) TryLockMutex(caller *ThreadState, uid UID, count int32) error {
	m := k.Mutex(uid)
	if m == nil {
		return ErrNoSuchObject
	}
	if caller == nil || count <= 0 {
		return ErrInvalidArgument
	}
	return m.lock(caller, count, nil, false, false)
}

func (m *Mutex) lock(caller *ThreadState, count int32, timeout *uint32, cb, wait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted {
		return ErrNoSuchObject
	}
	if m.count != 0 && m.owner == caller.uid && m.count > math.MaxInt32-count {
		return ErrLockOverflow
	}
	if m.take(caller, count) {
		return nil
	}
	if !wait {
		return ErrNotReady
	}
	// ownership is handed over by release before the waiter wakes
	w := &waiter{thread: caller, count: count, callbacks: cb}
	w.poll = func() bool { return m.take(caller, count) }
	return m.block(w, timeout)
}

// take acquires or re-enters the mutex if it is free or already the
// caller's. m.mu must be held.
func (m *Mutex) take(caller *ThreadState, count int32) bool {
	switch {
	case m.count == 0:
		m.owner = caller.uid
		m.count = count
		return true
	case m.owner == caller.uid && m.count <= math.MaxInt32-count:
		m.count += count
		return true
	}
	return false
}

// UnlockMutex drops count from the mutex's hold. The platform does not
// check the caller against the owner, so neither does this: any thread may
// unlock, and unlocking a free mutex does nothing.
func (k *KernelState) UnlockMutex(caller *ThreadState, uid UID, count int32) error {
	m := k.Mutex(uid)
	if m == nil {
		return ErrNoSuchObject
	}
	if count <= 0 {
		return ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted {
		return ErrNoSuchObject
	}
	if m.count == 0 {
		return nil
	}
	if m.owner != caller.UID() {
		k.log.Printf("mutex %q owned by %d unlocked by %d", m.name, m.owner, caller.UID())
	}
	m.count -= min(count, m.count)
	if m.count == 0 {
		m.release()
	}
	return nil
}

// release hands a free mutex to the head waiter. m.mu must be held.
func (m *Mutex) release() {
	m.owner = 0
	if len(m.waiters) == 0 {
		return
	}
	w := m.waiters[0]
	m.owner = w.uid()
	m.count = w.count
	m.wake(w, nil)
}

func (k *KernelState) DeleteMutex(uid UID) error {
	m := unregister(k, k.mutexes, uid)
	if m == nil {
		return ErrNoSuchObject
	}
	m.destroy()
	return nil
}

func (k *KernelState) MutexInfo(uid UID) (MutexInfo, error) {
	m := k.Mutex(uid)
	if m == nil {
		return MutexInfo{}, ErrNoSuchObject
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return MutexInfo{
		UID:     m.uid,
		Name:    m.name,
		Weight:  m.weight,
		Owner:   m.owner,
		Count:   m.count,
		Waiters: m.waiterUIDs(),
	}, nil
}
