// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

package locks

import (
	"context"
	"sync/atomic"

	"qsync.dev/qsync"
)

// ReentrantMutex is an exclusive lock the current owner may acquire
// again without blocking. Ownership is identified by an explicit
// qsync.Token (mint one per logical owner with qsync.NewToken), not by
// goroutine identity, which Go does not expose.
//
// The synchronization state holds the hold count; hold count zero
// means unlocked. The lock must be released as many times as it was
// acquired before another owner can take it.
//
// Use NewReentrantMutex; the zero value is not usable.
type ReentrantMutex struct {
	s qsync.Synchronizer

	// owner is the Token holding the lock, NoToken when free. Written
	// under the protection of the state transitions: the first
	// acquisition's CAS wins the right to set it, and only the owner
	// clears it (before the state write that frees the lock).
	owner atomic.Uint64
}

// NewReentrantMutex returns an unlocked ReentrantMutex.
func NewReentrantMutex(fair bool) *ReentrantMutex {
	m := new(ReentrantMutex)
	m.s.Fair = fair
	m.s.Init(m)
	return m
}

// Lock blocks until owner holds the mutex, incrementing the hold count
// if owner already holds it.
func (m *ReentrantMutex) Lock(ctx context.Context, owner qsync.Token) error {
	return m.s.Acquire(ctx, owner, 1)
}

// TryLock acquires or re-enters the mutex without blocking, reporting
// success.
func (m *ReentrantMutex) TryLock(owner qsync.Token) bool {
	return m.s.TryAcquire(owner, 1)
}

// Unlock decrements owner's hold count, releasing the mutex when it
// reaches zero. It reports whether the mutex became fully free, and
// panics if owner does not hold it.
func (m *ReentrantMutex) Unlock(owner qsync.Token) bool {
	return m.s.Release(owner, 1)
}

// HoldCount returns the current hold count: k nested acquisitions
// followed by j releases leave it at k-j. It is exact for the owner
// and a racy snapshot for everyone else.
func (m *ReentrantMutex) HoldCount() int64 { return m.s.GetState() }

// IsHeldBy reports whether owner currently holds the mutex.
func (m *ReentrantMutex) IsHeldBy(owner qsync.Token) bool {
	return m.s.IsHeldExclusively(owner)
}

// Waiters returns a snapshot of the number of queued goroutines.
func (m *ReentrantMutex) Waiters() int { return m.s.QueueLen() }

// TryAcquire is the qsync.ExclusiveSync hook. State zero means free:
// CAS in the weight and record the owner. A matching owner increments
// the hold count with a plain write, which is race-free because only
// the owner can be here while the count is nonzero.
func (m *ReentrantMutex) TryAcquire(owner qsync.Token, arg int64) bool {
	c := m.s.GetState()
	if c == 0 {
		if m.s.CompareAndSetState(0, arg) {
			m.owner.Store(uint64(owner))
			return true
		}
		return false
	}
	if qsync.Token(m.owner.Load()) != owner {
		return false
	}
	next := c + arg
	if next < 0 {
		panic(qsync.Violationf("ReentrantMutex hold count overflow"))
	}
	m.s.SetState(next)
	return true
}

// TryRelease is the qsync.ExclusiveSync hook. Only the owner may
// release; the lock is fully free when the hold count reaches zero, at
// which point the owner field is cleared before the state write that
// lets waiters' CAS succeed.
func (m *ReentrantMutex) TryRelease(owner qsync.Token, arg int64) bool {
	if m.s.GetState() == 0 || qsync.Token(m.owner.Load()) != owner {
		panic(qsync.Violationf("ReentrantMutex released by non-owner %d", owner))
	}
	next := m.s.GetState() - arg
	if next < 0 {
		panic(qsync.Violationf("ReentrantMutex released more than held"))
	}
	free := next == 0
	if free {
		m.owner.Store(uint64(qsync.NoToken))
	}
	m.s.SetState(next)
	return free
}

// IsHeldExclusively is the qsync.OwnerSync hook.
func (m *ReentrantMutex) IsHeldExclusively(owner qsync.Token) bool {
	return m.s.GetState() != 0 && qsync.Token(m.owner.Load()) == owner
}
