package kernel

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"vitacore/pkg/config"
)

func TestSemaphoreWaitersSucceedUpToValue(t *testing.T) {
	for _, tc := range []struct{ n, value int }{{5, 3}, {2, 4}, {4, 4}, {3, 0}} {
		t.Run(fmt.Sprintf("n=%d/v=%d", tc.n, tc.value), func(t *testing.T) {
			k := newKernel(t, config.BackendInterpreter)
			sema, _ := k.CreateSema("s", int32(tc.value), 8)

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				success int
			)
			for i := 0; i < tc.n; i++ {
				caller := dormant(t, k, fmt.Sprint("w", i))
				wg.Add(1)
				go func() {
					defer wg.Done()
					timeout := uint32(0)
					if k.WaitSema(caller, sema, 1, &timeout, false) == nil {
						mu.Lock()
						success++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if want := min(tc.n, tc.value); success != want {
				t.Errorf("%d waits succeeded, want %d", success, want)
			}
			info, _ := k.SemaInfo(sema)
			if want := int32(max(tc.value-tc.n, 0)); info.Value != want {
				t.Errorf("value = %d, want %d", info.Value, want)
			}
		})
	}
}

func TestSemaphoreSignalWakesFIFOWhileRequestFits(t *testing.T) {
	k := newKernel(t, config.BackendInterpreter)
	sema, _ := k.CreateSema("s", 0, 5)

	// requests 2, 3, 1 queued in that order
	done := make([]chan error, 3)
	callers := make([]*ThreadState, 3)
	for i, n := range []int32{2, 3, 1} {
		callers[i] = dormant(t, k, fmt.Sprint("w", i))
		done[i] = make(chan error, 1)
		go func(i int, n int32) {
			done[i] <- k.WaitSema(callers[i], sema, n, nil, false)
		}(i, n)
		eventually(t, "waiter to queue", func() bool {
			info, _ := k.SemaInfo(sema)
			return len(info.Waiters) == i+1
		})
	}

	// 4 satisfies the head (2) but not the next (3), so the 1 behind it
	// keeps waiting too
	if err := k.SignalSema(sema, 4); err != nil {
		t.Fatal(err)
	}
	if err := <-done[0]; err != nil {
		t.Fatalf("first waiter: %v", err)
	}
	info, _ := k.SemaInfo(sema)
	want := SemaInfo{UID: sema, Name: "s", Value: 2, Max: 5, Waiters: []UID{callers[1].UID(), callers[2].UID()}}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("after signal (-want +got):\n%s", diff)
	}

	// saturates at max = 5, then wakes 3 and 1
	k.SignalSema(sema, 10)
	for _, ch := range done[1:] {
		if err := <-ch; err != nil {
			t.Errorf("waiter: %v", err)
		}
	}
	if info, _ := k.SemaInfo(sema); info.Value != 1 {
		t.Errorf("value = %d, want 1", info.Value)
	}

	if err := k.PollSema(sema, 2); err != ErrNotReady {
		t.Errorf("PollSema = %v", err)
	}
	if err := k.PollSema(sema, 1); err != nil {
		t.Errorf("PollSema = %v", err)
	}
	if err := k.PollSema(sema, 6); err != ErrInvalidArgument {
		t.Errorf("PollSema above max = %v", err)
	}
	if err := k.PollSema(999, 1); err != ErrNoSuchObject {
		t.Errorf("PollSema(999) = %v", err)
	}
	if _, err := k.CreateSema("bad", 3, 2); err != ErrInvalidArgument {
		t.Errorf("init above max = %v", err)
	}
}

func TestMutexRecursionAndFIFOHandOff(t *testing.T) {
	k := newKernel(t, config.BackendInterpreter)
	a, b, c := dormant(t, k, "a"), dormant(t, k, "b"), dormant(t, k, "c")
	mutex, _ := k.CreateMutex(a, "m", MutexLight, 1)

	for i := 0; i < 2; i++ {
		if err := k.LockMutex(a, mutex, 1, nil, false); err != nil {
			t.Fatal(err)
		}
	}
	info, _ := k.MutexInfo(mutex)
	if info.Owner != a.UID() || info.Count != 3 {
		t.Fatalf("after recursive locks: %+v", info)
	}

	doneB := make(chan error, 1)
	go func() { doneB <- k.LockMutex(b, mutex, 1, nil, false) }()
	eventually(t, "b to queue", func() bool {
		info, _ := k.MutexInfo(mutex)
		return len(info.Waiters) == 1
	})
	doneC := make(chan error, 1)
	go func() { doneC <- k.LockMutex(c, mutex, 2, nil, false) }()
	eventually(t, "c to queue", func() bool {
		info, _ := k.MutexInfo(mutex)
		return len(info.Waiters) == 2
	})

	if err := k.TryLockMutex(b, mutex, 1); err != ErrNotReady {
		t.Errorf("TryLockMutex while owned = %v", err)
	}

	k.UnlockMutex(a, mutex, 2)
	if info, _ := k.MutexInfo(mutex); info.Owner != a.UID() || info.Count != 1 {
		t.Fatalf("partial unlock: %+v", info)
	}
	k.UnlockMutex(a, mutex, 1)
	if err := <-doneB; err != nil {
		t.Fatal(err)
	}
	info, _ = k.MutexInfo(mutex)
	want := MutexInfo{UID: mutex, Name: "m", Owner: b.UID(), Count: 1, Waiters: []UID{c.UID()}}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("after hand-off to b (-want +got):\n%s", diff)
	}

	k.UnlockMutex(b, mutex, 1)
	if err := <-doneC; err != nil {
		t.Fatal(err)
	}
	if info, _ := k.MutexInfo(mutex); info.Owner != c.UID() || info.Count != 2 {
		t.Errorf("after hand-off to c: %+v", info)
	}
}

func TestMutexUnlockIsNotOwnerChecked(t *testing.T) {
	k := newKernel(t, config.BackendInterpreter)
	a, b := dormant(t, k, "a"), dormant(t, k, "b")
	mutex, _ := k.CreateMutex(nil, "m", MutexHeavy, 0)

	if err := k.UnlockMutex(a, mutex, 1); err != nil {
		t.Errorf("unlocking a free mutex = %v", err)
	}
	k.LockMutex(a, mutex, 2, nil, false)
	if err := k.UnlockMutex(b, mutex, 5); err != nil {
		t.Errorf("unlock by another thread = %v", err)
	}
	if info, _ := k.MutexInfo(mutex); info.Count != 0 || info.Owner != 0 {
		t.Errorf("after foreign unlock: %+v", info)
	}
	if err := k.TryLockMutex(b, mutex, 1); err != nil {
		t.Errorf("TryLockMutex on free mutex = %v", err)
	}
	if err := k.LockMutex(nil, mutex, 1, nil, false); err != ErrInvalidArgument {
		t.Errorf("LockMutex without caller = %v", err)
	}
	if err := k.UnlockMutex(a, 999, 1); err != ErrNoSuchObject {
		t.Errorf("UnlockMutex(999) = %v", err)
	}
}

func TestMutexRecursionOverflow(t *testing.T) {
	k := newKernel(t, config.BackendInterpreter)
	a := dormant(t, k, "a")
	mutex, _ := k.CreateMutex(nil, "m", MutexHeavy, 0)

	if err := k.LockMutex(a, mutex, math.MaxInt32-1, nil, false); err != nil {
		t.Fatal(err)
	}
	if err := k.LockMutex(a, mutex, 1, nil, false); err != nil {
		t.Errorf("lock up to MaxInt32 = %v", err)
	}
	if err := k.LockMutex(a, mutex, 1, nil, false); err != ErrLockOverflow {
		t.Errorf("LockMutex past MaxInt32 = %v", err)
	}
	if err := k.TryLockMutex(a, mutex, 3); err != ErrLockOverflow {
		t.Errorf("TryLockMutex past MaxInt32 = %v", err)
	}
	if info, _ := k.MutexInfo(mutex); info.Owner != a.UID() || info.Count != math.MaxInt32 {
		t.Errorf("after overflow: %+v", info)
	}
}

func TestEventFlagAndOr(t *testing.T) {
	k := newKernel(t, config.BackendInterpreter)
	flag, _ := k.CreateEventFlag("e", EventFlagMultiWait, 0)
	a, b := dormant(t, k, "and"), dormant(t, k, "or")

	type res struct {
		pattern uint32
		err     error
	}
	and := make(chan res, 1)
	or := make(chan res, 1)
	go func() {
		p, err := k.WaitEventFlag(a, flag, 0b11, EventWaitAND, nil, false)
		and <- res{p, err}
	}()
	go func() {
		p, err := k.WaitEventFlag(b, flag, 0b11, EventWaitOR, nil, false)
		or <- res{p, err}
	}()
	eventually(t, "both waiters", func() bool {
		info, _ := k.EventFlagInfo(flag)
		return len(info.Waiters) == 2
	})

	k.SetEventFlag(flag, 0b01)
	if r := <-or; r.err != nil || r.pattern != 0b01 {
		t.Errorf("OR wait = %+v", r)
	}
	select {
	case r := <-and:
		t.Fatalf("AND wait returned early: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	k.SetEventFlag(flag, 0b10)
	if r := <-and; r.err != nil || r.pattern != 0b11 {
		t.Errorf("AND wait = %+v", r)
	}

	// satisfied immediately, consuming the waited bits
	p, err := k.WaitEventFlag(a, flag, 0b01, EventWaitAND|EventWaitClearPattern, nil, false)
	if err != nil || p != 0b11 {
		t.Errorf("clear-pattern wait = %#b, %v", p, err)
	}
	if p, err := k.PollEventFlag(flag, 0b01, EventWaitOR); err != ErrNotReady || p != 0b10 {
		t.Errorf("poll after clear = %#b, %v", p, err)
	}
	if _, err := k.PollEventFlag(flag, 0b10, EventWaitOR|EventWaitClearAll); err != nil {
		t.Error(err)
	}
	if info, _ := k.EventFlagInfo(flag); info.Pattern != 0 {
		t.Errorf("pattern after clear-all = %#b", info.Pattern)
	}

	k.SetEventFlag(flag, 0xF0)
	k.ClearEventFlag(flag, 0x30)
	if info, _ := k.EventFlagInfo(flag); info.Pattern != 0x30 {
		t.Errorf("pattern after clear = %#x", info.Pattern)
	}
	if _, err := k.PollEventFlag(flag, 0, EventWaitAND); err != ErrInvalidArgument {
		t.Errorf("zero bits = %v", err)
	}
}

func TestEventFlagSingleWaiterAndCancel(t *testing.T) {
	k := newKernel(t, config.BackendInterpreter)
	flag, _ := k.CreateEventFlag("e", 0, 0)
	a, b := dormant(t, k, "a"), dormant(t, k, "b")

	done := make(chan error, 1)
	var seen uint32
	go func() {
		var err error
		seen, err = k.WaitEventFlag(a, flag, 1, EventWaitAND, nil, false)
		done <- err
	}()
	eventually(t, "waiter", func() bool {
		info, _ := k.EventFlagInfo(flag)
		return len(info.Waiters) == 1
	})

	if _, err := k.WaitEventFlag(b, flag, 1, EventWaitAND, nil, false); err != ErrNotReady {
		t.Errorf("second waiter on single-wait flag = %v", err)
	}

	n, err := k.CancelEventFlag(flag, 0x80)
	if err != nil || n != 1 {
		t.Fatalf("CancelEventFlag = %d, %v", n, err)
	}
	if err := <-done; err != ErrWaitCanceled {
		t.Errorf("canceled wait = %v", err)
	}
	if seen != 0x80 {
		t.Errorf("canceled wait saw %#x", seen)
	}
}

func TestWaitTimeoutWritesBackRemaining(t *testing.T) {
	k := newKernel(t, config.BackendInterpreter)
	caller := dormant(t, k, "w")
	sema, _ := k.CreateSema("s", 0, 1)

	timeout := uint32(20000)
	start := time.Now()
	if err := k.WaitSema(caller, sema, 1, &timeout, false); err != ErrTimeout {
		t.Fatalf("WaitSema = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("timed out after %v", elapsed)
	}
	if timeout != 0 {
		t.Errorf("remaining = %d after timeout", timeout)
	}
	if info, _ := k.SemaInfo(sema); len(info.Waiters) != 0 {
		t.Errorf("timed out waiter still queued: %v", info.Waiters)
	}

	timeout = 10_000_000
	done := make(chan error, 1)
	go func() { done <- k.WaitSema(caller, sema, 1, &timeout, false) }()
	eventually(t, "waiter", func() bool {
		info, _ := k.SemaInfo(sema)
		return len(info.Waiters) == 1
	})
	k.SignalSema(sema, 1)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if timeout == 0 || timeout >= 10_000_000 {
		t.Errorf("remaining = %d", timeout)
	}

	if err := k.DelayThread(caller, 1000, false); err != nil {
		t.Errorf("DelayThread = %v", err)
	}
}

func TestDeleteWakesWaiters(t *testing.T) {
	k := newKernel(t, config.BackendInterpreter)
	caller := dormant(t, k, "w")
	sema, _ := k.CreateSema("s", 0, 1)
	flag, _ := k.CreateEventFlag("e", 0, 0)

	semaDone := make(chan error, 1)
	flagDone := make(chan error, 1)
	go func() { semaDone <- k.WaitSema(caller, sema, 1, nil, false) }()
	go func() {
		_, err := k.WaitEventFlag(nil, flag, 1, EventWaitAND, nil, false)
		flagDone <- err
	}()
	eventually(t, "waiters", func() bool {
		si, _ := k.SemaInfo(sema)
		ei, _ := k.EventFlagInfo(flag)
		return len(si.Waiters) == 1 && len(ei.Waiters) == 1
	})

	k.DeleteSema(sema)
	k.DeleteEventFlag(flag)
	if err := <-semaDone; err != ErrWaitDeleted {
		t.Errorf("semaphore wait = %v", err)
	}
	if err := <-flagDone; err != ErrWaitDeleted {
		t.Errorf("event flag wait = %v", err)
	}
	if k.Sema(sema) != nil || k.EventFlag(flag) != nil {
		t.Error("deleted objects still registered")
	}
}

func TestCondVar(t *testing.T) {
	k := newKernel(t, config.BackendInterpreter)
	a, b := dormant(t, k, "a"), dormant(t, k, "b")
	mutex, _ := k.CreateMutex(nil, "m", MutexLight, 0)
	cv, _ := k.CreateCondVar("cv", mutex)

	if err := k.WaitCondVar(a, cv, nil, false); err != ErrNotOwner {
		t.Errorf("wait without the mutex = %v", err)
	}

	k.LockMutex(a, mutex, 2, nil, false)
	done := make(chan error, 1)
	go func() { done <- k.WaitCondVar(a, cv, nil, false) }()
	eventually(t, "waiter", func() bool {
		info, _ := k.CondVarInfo(cv)
		return len(info.Waiters) == 1
	})
	if info, _ := k.MutexInfo(mutex); info.Count != 0 {
		t.Fatalf("mutex not released while waiting: %+v", info)
	}

	if err := k.SignalCondVar(cv, SignalTo, b.UID()); err != ErrNotReady {
		t.Errorf("SignalTo a thread that is not waiting = %v", err)
	}

	// a is signaled while b holds the mutex, so it must wait for b
	if err := k.LockMutex(b, mutex, 1, nil, false); err != nil {
		t.Fatal(err)
	}
	k.SignalCondVar(cv, SignalTo, a.UID())
	eventually(t, "a to queue on the mutex", func() bool {
		info, _ := k.MutexInfo(mutex)
		return len(info.Waiters) == 1
	})
	k.UnlockMutex(b, mutex, 1)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	info, _ := k.MutexInfo(mutex)
	if info.Owner != a.UID() || info.Count != 2 {
		t.Errorf("after wake: %+v", info)
	}

	// a timed out wait still takes the mutex back
	timeout := uint32(1000)
	if err := k.WaitCondVar(a, cv, &timeout, false); err != ErrTimeout {
		t.Errorf("timed wait = %v", err)
	}
	if info, _ := k.MutexInfo(mutex); info.Owner != a.UID() || info.Count != 2 {
		t.Errorf("after timeout: %+v", info)
	}

	if err := k.SignalCondVar(cv, SignalAll, 0); err != nil {
		t.Error(err)
	}
	if err := k.DeleteCondVar(cv); err != nil {
		t.Error(err)
	}
	if err := k.SignalCondVar(cv, SignalOne, 0); err != ErrNoSuchObject {
		t.Errorf("signal after delete = %v", err)
	}
}

func TestWaitThreadEndOfDormantAndDeleted(t *testing.T) {
	k := newKernel(t, config.BackendInterpreter)
	a := dormant(t, k, "a")
	if st, err := k.WaitThreadEnd(nil, a.UID(), nil); err != nil || st != 0 {
		t.Errorf("WaitThreadEnd(dormant) = %d, %v", st, err)
	}
	if _, err := k.WaitThreadEnd(a, a.UID(), nil); err != ErrThreadState {
		t.Errorf("waiting on self = %v", err)
	}
	k.DeleteThread(a.UID())
	if _, err := k.WaitThreadEnd(nil, a.UID(), nil); err != ErrNoSuchObject {
		t.Errorf("WaitThreadEnd(deleted) = %v", err)
	}
	if err := k.SuspendThread(a.UID()); err != ErrNoSuchObject {
		t.Errorf("SuspendThread(deleted) = %v", err)
	}
}
