package kernel

// Semaphore is a counting semaphore with an upper bound.
type Semaphore struct {
	object
	value int32
	max   int32
}

type SemaInfo struct {
	UID     UID
	Name    string
	Value   int32
	Max     int32
	Waiters []UID
}

func (k *KernelState) CreateSema(name string, initValue, maxValue int32) (UID, error) {
	if maxValue <= 0 || initValue < 0 || initValue > maxValue {
		return 0, ErrInvalidArgument
	}
	s := &Semaphore{value: initValue, max: maxValue}
	return k.register(func(uid UID) {
		s.init(uid, name)
		k.semas[uid] = s
	}), nil
}

// WaitSema takes n from the semaphore, blocking until that much is there.
func (k *KernelState) WaitSema(caller *ThreadState, uid UID, n int32, timeout *uint32, cb bool) error {
	return k.takeSema(caller, uid, n, timeout, cb, true)
}

// PollSema is WaitSema without blocking; it fails with ErrNotReady.
func (k *KernelState) PollSema(uid UID, n int32) error {
	return k.takeSema(nil, uid, n, nil, false, false)
}

func (k *KernelState) takeSema(caller *ThreadState, uid UID, n int32, timeout *uint32, cb, wait bool) error {
	s := k.Sema(uid)
	if s == nil {
		return ErrNoSuchObject
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrNoSuchObject
	}
	if n <= 0 || n > s.max {
		return ErrInvalidArgument
	}
	if s.value >= n {
		s.value -= n
		return nil
	}
	if !wait {
		return ErrNotReady
	}
	// SignalSema subtracts the request before waking
	w := &waiter{thread: caller, count: n, callbacks: cb}
	w.poll = func() bool {
		if s.value < n {
			return false
		}
		s.value -= n
		return true
	}
	return s.block(w, timeout)
}

// SignalSema adds n, saturating at the maximum, then satisfies waiters in
// arrival order for as long as the head's request fits.
func (k *KernelState) SignalSema(uid UID, n int32) error {
	s := k.Sema(uid)
	if s == nil {
		return ErrNoSuchObject
	}
	if n <= 0 {
		return ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrNoSuchObject
	}
	s.value = int32(min(int64(s.value)+int64(n), int64(s.max)))
	for len(s.waiters) > 0 && s.waiters[0].count <= s.value {
		w := s.waiters[0]
		s.value -= w.count
		s.wake(w, nil)
	}
	return nil
}

func (k *KernelState) DeleteSema(uid UID) error {
	s := unregister(k, k.semas, uid)
	if s == nil {
		return ErrNoSuchObject
	}
	s.destroy()
	return nil
}

func (k *KernelState) SemaInfo(uid UID) (SemaInfo, error) {
	s := k.Sema(uid)
	if s == nil {
		return SemaInfo{}, ErrNoSuchObject
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return SemaInfo{
		UID:     s.uid,
		Name:    s.name,
		Value:   s.value,
		Max:     s.max,
		Waiters: s.waiterUIDs(),
	}, nil
}
