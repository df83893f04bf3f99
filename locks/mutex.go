// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package locks provides lock flavors built on the qsync engine:
// Mutex, ReentrantMutex, Semaphore and Latch.
//
// Each type implements the qsync hook interfaces against its own
// embedded Synchronizer; the hook methods (TryAcquire and friends) are
// exported as a consequence of that wiring but are not meant to be
// called directly by lock users.
package locks

import (
	"context"

	"qsync.dev/qsync"
)

// Mutex is a FIFO-queued mutual exclusion lock. Unlike sync.Mutex it
// supports context cancellation while blocked, queue introspection,
// and an optional strict-fairness mode.
//
// Mutex is not reentrant; a holder that calls Lock again deadlocks
// against itself, same as sync.Mutex. Use [ReentrantMutex] for
// reentrancy. Like sync.Mutex, any goroutine may call Unlock, not just
// the one that locked.
//
// Use NewMutex; the zero value is not usable.
type Mutex struct {
	s qsync.Synchronizer
}

// NewMutex returns an unlocked Mutex. If fair is set, arriving callers
// never barge past queued waiters even when the lock is momentarily
// free; this lowers throughput but gives strict FIFO admission.
func NewMutex(fair bool) *Mutex {
	m := new(Mutex)
	m.s.Fair = fair
	m.s.Init(m)
	return m
}

// Lock blocks until the mutex is acquired. It implements the blocking
// half of sync.Locker.
func (m *Mutex) Lock() {
	// Background context never cancels, so the error is impossible.
	if err := m.s.Acquire(context.Background(), qsync.NoToken, 1); err != nil {
		panic("locks: uncancellable acquire failed: " + err.Error())
	}
}

// LockContext blocks until the mutex is acquired or ctx is done,
// returning an error wrapping ctx.Err() in the latter case.
func (m *Mutex) LockContext(ctx context.Context) error {
	return m.s.Acquire(ctx, qsync.NoToken, 1)
}

// TryLock acquires the mutex without blocking, reporting success.
func (m *Mutex) TryLock() bool {
	return m.s.TryAcquire(qsync.NoToken, 1)
}

// Unlock releases the mutex. It panics if the mutex is not locked.
func (m *Mutex) Unlock() {
	m.s.Release(qsync.NoToken, 1)
}

// Locked reports whether the mutex is currently held by anyone.
func (m *Mutex) Locked() bool { return m.s.GetState() != 0 }

// Waiters returns a snapshot of the number of goroutines queued on the
// mutex, for monitoring.
func (m *Mutex) Waiters() int { return m.s.QueueLen() }

// TryAcquire is the qsync.ExclusiveSync hook: 0 means free, 1 held.
func (m *Mutex) TryAcquire(_ qsync.Token, _ int64) bool {
	return m.s.CompareAndSetState(0, 1)
}

// TryRelease is the qsync.ExclusiveSync hook.
func (m *Mutex) TryRelease(_ qsync.Token, _ int64) bool {
	if m.s.GetState() == 0 {
		panic(qsync.Violationf("unlock of unlocked Mutex"))
	}
	m.s.SetState(0)
	return true
}
