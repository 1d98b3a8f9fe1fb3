package kernel

type SignalTarget int32

const (
	SignalOne SignalTarget = iota
	SignalAll
	// SignalTo wakes one specific waiting thread.
	SignalTo
)

// CondVar is a condition variable bound to one mutex for its lifetime.
type CondVar struct {
	object
	mutex UID
}

type CondVarInfo struct {
	UID     UID
	Name    string
	Mutex   UID
	Waiters []UID
}

func (k *KernelState) CreateCondVar(name string, mutex UID) (UID, error) {
	if k.Mutex(mutex) == nil {
		return 0, ErrNoSuchObject
	}
	cv := &CondVar{mutex: mutex}
	return k.register(func(uid UID) {
		cv.init(uid, name)
		k.condvars[uid] = cv
	}), nil
}

// WaitCondVar releases the bound mutex, however many times the caller holds
// it, and blocks until signaled. The mutex is taken back with the same
// count before returning, also after a timeout. A terminated waiter does not
// take it back.
func (k *KernelState) WaitCondVar(caller *ThreadState, uid UID, timeout *uint32, cb bool) error {
	cv := k.CondVar(uid)
	if cv == nil {
		return ErrNoSuchObject
	}
	if caller == nil {
		return ErrInvalidArgument
	}
	m := k.Mutex(cv.mutex)
	if m == nil {
		return ErrNoSuchObject
	}

	cv.mu.Lock()
	if cv.deleted {
		cv.mu.Unlock()
		return ErrNoSuchObject
	}
	m.mu.Lock()
	if m.count == 0 || m.owner != caller.uid {
		m.mu.Unlock()
		cv.mu.Unlock()
		return ErrNotOwner
	}
	held := m.count
	m.count = 0
	m.release()
	m.mu.Unlock()

	err := cv.block(&waiter{thread: caller, callbacks: cb}, timeout)
	cv.mu.Unlock()

	if err == ErrWaitCanceled {
		return err
	}
	if lerr := m.lock(caller, held, nil, false, true); lerr != nil {
		return lerr
	}
	return err
}

// SignalCondVar wakes waiters according to target. thread names the waiter
// for SignalTo and is ignored otherwise.
func (k *KernelState) SignalCondVar(uid UID, target SignalTarget, thread UID) error {
	cv := k.CondVar(uid)
	if cv == nil {
		return ErrNoSuchObject
	}

	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.deleted {
		return ErrNoSuchObject
	}
	switch target {
	case SignalOne:
		if len(cv.waiters) > 0 {
			cv.wake(cv.waiters[0], nil)
		}
	case SignalAll:
		cv.wakeAll(nil)
	case SignalTo:
		for _, w := range cv.waiters {
			if w.uid() == thread {
				cv.wake(w, nil)
				return nil
			}
		}
		return ErrNotReady
	default:
		return ErrInvalidArgument
	}
	return nil
}

func (k *KernelState) DeleteCondVar(uid UID) error {
	cv := unregister(k, k.condvars, uid)
	if cv == nil {
		return ErrNoSuchObject
	}
	cv.destroy()
	return nil
}

func (k *KernelState) CondVarInfo(uid UID) (CondVarInfo, error) {
	cv := k.CondVar(uid)
	if cv == nil {
		return CondVarInfo{}, ErrNoSuchObject
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return CondVarInfo{
		UID:     cv.uid,
		Name:    cv.name,
		Mutex:   cv.mutex,
		Waiters: cv.waiterUIDs(),
	}, nil
}
