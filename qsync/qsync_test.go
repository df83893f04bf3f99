// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

package qsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"qsync.dev/syncs"
)

// testLock is a plain 0/1 exclusive lock used to drive the protocol in
// tests.
type testLock struct {
	s Synchronizer
}

func newTestLock(fair bool) *testLock {
	l := new(testLock)
	l.s.Fair = fair
	l.s.Init(l)
	return l
}

func (l *testLock) TryAcquire(_ Token, _ int64) bool { return l.s.CompareAndSetState(0, 1) }
func (l *testLock) TryRelease(_ Token, _ int64) bool { l.s.SetState(0); return true }

// testSema is a counting shared lock; state is free permits.
type testSema struct {
	s Synchronizer
}

func newTestSema(permits int64) *testSema {
	ts := new(testSema)
	ts.s.Init(ts)
	ts.s.SetState(permits)
	return ts
}

func (ts *testSema) TryAcquireShared(_ Token, arg int64) int64 {
	for {
		free := ts.s.GetState()
		remaining := free - arg
		if remaining < 0 || ts.s.CompareAndSetState(free, remaining) {
			return remaining
		}
	}
}

func (ts *testSema) TryReleaseShared(_ Token, arg int64) bool {
	for {
		free := ts.s.GetState()
		if ts.s.CompareAndSetState(free, free+arg) {
			return true
		}
	}
}

func TestState(t *testing.T) {
	var st State
	if got := st.Get(); got != 0 {
		t.Fatalf("zero State.Get = %d, want 0", got)
	}
	st.Set(7)
	if st.CompareAndSet(3, 9) {
		t.Errorf("CompareAndSet(3, 9) succeeded with state 7")
	}
	if got := st.Get(); got != 7 {
		t.Errorf("state changed by failed CAS: %d", got)
	}
	if !st.CompareAndSet(7, 9) {
		t.Errorf("CompareAndSet(7, 9) failed with state 7")
	}
	if got := st.Get(); got != 9 {
		t.Errorf("Get = %d, want 9", got)
	}
}

func TestNewToken(t *testing.T) {
	a, b := NewToken(), NewToken()
	if a == NoToken || b == NoToken {
		t.Errorf("NewToken returned NoToken")
	}
	if a == b {
		t.Errorf("NewToken returned duplicate %d", a)
	}
}

func TestMutualExclusion(t *testing.T) {
	l := newTestLock(false)
	const workers = 8
	const cycles = 500

	var inside atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range cycles {
				if err := l.s.Acquire(context.Background(), NoToken, 1); err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				if n := inside.Add(1); n != 1 {
					t.Errorf("%d holders inside exclusive section", n)
				}
				inside.Add(-1)
				l.s.Release(NoToken, 1)
			}
		}()
	}
	wg.Wait()
}

// waitQueued blocks until s has at least n queued waiters.
func waitQueued(t *testing.T, s *Synchronizer, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.QueueLen() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d queued waiters, have %d", n, s.QueueLen())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestQueuedFIFOOrder(t *testing.T) {
	l := newTestLock(false)
	if err := l.s.Acquire(context.Background(), NoToken, 1); err != nil {
		t.Fatal(err)
	}

	const waiters = 8
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.s.Acquire(context.Background(), NoToken, 1); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.s.Release(NoToken, 1)
		}()
		// Don't start the next waiter until this one is parked, so
		// the enqueue order is exactly 0..waiters-1.
		waitQueued(t, &l.s, i+1)
	}

	l.s.Release(NoToken, 1)
	wg.Wait()

	want := make([]int, waiters)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("queued waiters ran out of order (-want +got):\n%s", diff)
	}
}

func TestNoLostWakeupStress(t *testing.T) {
	l := newTestLock(false)
	const workers = 50
	const cycles = 200

	done := syncs.NewWaitGroupChan()
	done.Add(workers)
	for range workers {
		go func() {
			defer done.Decr()
			for range cycles {
				if err := l.s.Acquire(context.Background(), NoToken, 1); err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				l.s.Release(NoToken, 1)
			}
		}()
	}

	select {
	case <-done.DoneChan():
	case <-time.After(30 * time.Second):
		t.Fatalf("stress hung: %d still queued, lost wakeup?", l.s.QueueLen())
	}
	if got := l.s.GetState(); got != 0 {
		t.Errorf("final state = %d, want 0", got)
	}
	if got := l.s.QueueLen(); got != 0 {
		t.Errorf("final queue length = %d, want 0", got)
	}
}

func TestCancellation(t *testing.T) {
	l := newTestLock(false)
	if err := l.s.Acquire(context.Background(), NoToken, 1); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- l.s.Acquire(ctx, NoToken, 1)
	}()
	waitQueued(t, &l.s, 1)

	cancel()
	err := <-errc
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Acquire = %v, want context.Canceled", err)
	}
	// The attempt must leave no trace behind.
	if got := l.s.QueueLen(); got != 0 {
		t.Errorf("queue length after cancellation = %d, want 0", got)
	}

	// The lock still works for everyone else.
	l.s.Release(NoToken, 1)
	if err := l.s.Acquire(context.Background(), NoToken, 1); err != nil {
		t.Fatalf("Acquire after cancellation: %v", err)
	}
	l.s.Release(NoToken, 1)
}

func TestCancelledWaiterPassesWakeup(t *testing.T) {
	l := newTestLock(false)
	if err := l.s.Acquire(context.Background(), NoToken, 1); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- l.s.Acquire(ctx, NoToken, 1)
	}()
	waitQueued(t, &l.s, 1)

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- l.s.Acquire(context.Background(), NoToken, 1)
	}()
	waitQueued(t, &l.s, 2)

	// Cancel the waiter ahead in line; the one behind it must still be
	// able to proceed once the holder releases.
	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first waiter = %v, want context.Canceled", err)
	}
	l.s.Release(NoToken, 1)

	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("second waiter: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("second waiter hung behind cancelled node")
	}
	l.s.Release(NoToken, 1)
}

func TestAcquireDeadline(t *testing.T) {
	l := newTestLock(false)
	if err := l.s.Acquire(context.Background(), NoToken, 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.s.Acquire(ctx, NoToken, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire with expired deadline = %v, want DeadlineExceeded", err)
	}
	if got := l.s.QueueLen(); got != 0 {
		t.Errorf("queue length after timeout = %d, want 0", got)
	}
}

func TestBoundedSharedConcurrency(t *testing.T) {
	const capacity = 3
	ts := newTestSema(capacity)
	const workers = 12
	const cycles = 300

	var inside atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range cycles {
				if err := ts.s.AcquireShared(context.Background(), NoToken, 1); err != nil {
					t.Errorf("AcquireShared: %v", err)
					return
				}
				if n := inside.Add(1); n > capacity {
					t.Errorf("%d concurrent holders, capacity %d", n, capacity)
				}
				inside.Add(-1)
				ts.s.ReleaseShared(NoToken, 1)
			}
		}()
	}
	wg.Wait()
	if got := ts.s.GetState(); got != capacity {
		t.Errorf("final permits = %d, want %d", got, capacity)
	}
}

func TestSharedWakePropagation(t *testing.T) {
	ts := newTestSema(0)
	const waiters = 5

	done := syncs.NewWaitGroupChan()
	done.Add(waiters)
	for i := range waiters {
		go func() {
			defer done.Decr()
			if err := ts.s.AcquireShared(context.Background(), NoToken, 1); err != nil {
				t.Errorf("AcquireShared: %v", err)
			}
		}()
		waitQueued(t, &ts.s, i+1)
	}

	// One release that satisfies every waiter must admit all of them:
	// the head is woken directly and each admitted waiter chains the
	// wakeup to the next.
	ts.s.ReleaseShared(NoToken, waiters)

	select {
	case <-done.DoneChan():
	case <-time.After(5 * time.Second):
		t.Fatalf("wake propagation stalled: %d still queued", ts.s.QueueLen())
	}
	if got := ts.s.GetState(); got != 0 {
		t.Errorf("permits after admissions = %d, want 0", got)
	}
}

func TestFairModeBlocksBarging(t *testing.T) {
	l := newTestLock(true)
	if err := l.s.Acquire(context.Background(), NoToken, 1); err != nil {
		t.Fatal(err)
	}
	go l.s.Acquire(context.Background(), NoToken, 1)
	waitQueued(t, &l.s, 1)

	// Free the state without waking the waiter, so the lock is
	// momentarily free with a non-empty queue. A fair synchronizer
	// must refuse to barge.
	l.s.SetState(0)
	if l.s.TryAcquire(NoToken, 1) {
		t.Errorf("fair TryAcquire barged past a queued waiter")
	}

	unfair := newTestLock(false)
	if err := unfair.s.Acquire(context.Background(), NoToken, 1); err != nil {
		t.Fatal(err)
	}
	go unfair.s.Acquire(context.Background(), NoToken, 1)
	waitQueued(t, &unfair.s, 1)
	unfair.s.SetState(0)
	if !unfair.s.TryAcquire(NoToken, 1) {
		t.Errorf("unfair TryAcquire failed on a free lock")
	}

	// Let the parked waiters finish so they don't outlive the test.
	l.s.Release(NoToken, 1)
	unfair.s.Release(NoToken, 1)
}

func TestUnimplementedHookPanics(t *testing.T) {
	l := newTestLock(false)
	mustPanicUnimplemented := func(name string, f func()) {
		t.Helper()
		defer func() {
			err, _ := recover().(error)
			if err == nil || !errors.Is(err, ErrUnimplemented) {
				t.Errorf("%s panic = %v, want ErrUnimplemented", name, err)
			}
		}()
		f()
	}
	mustPanicUnimplemented("AcquireShared", func() {
		l.s.AcquireShared(context.Background(), NoToken, 1)
	})
	mustPanicUnimplemented("ReleaseShared", func() {
		l.s.ReleaseShared(NoToken, 1)
	})
	mustPanicUnimplemented("IsHeldExclusively", func() {
		l.s.IsHeldExclusively(NoToken)
	})

	ts := newTestSema(1)
	mustPanicUnimplemented("Acquire", func() {
		ts.s.Acquire(context.Background(), NoToken, 1)
	})
	mustPanicUnimplemented("Release", func() {
		ts.s.Release(NoToken, 1)
	})
}

func TestInitMisuse(t *testing.T) {
	mustPanic := func(name string, f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s did not panic", name)
			}
		}()
		f()
	}
	mustPanic("Init with no hooks", func() { New(struct{}{}) })
	mustPanic("double Init", func() {
		l := newTestLock(false)
		l.s.Init(l)
	})
}
