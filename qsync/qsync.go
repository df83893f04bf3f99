// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package qsync provides a queued synchronization engine: a shared
// integer state cell plus a FIFO queue of parked waiters, from which
// lock-like types (mutexes, semaphores, latches) are assembled.
//
// A concrete lock implements the ExclusiveSync and/or SharedSync hook
// interfaces, which give the numeric state its meaning, and drives a
// Synchronizer for the blocking, queueing and waking machinery. See
// package qsync.dev/locks for ready-made lock flavors.
package qsync

import (
	"context"
	"fmt"
	"sync/atomic"

	"qsync.dev/types/logger"
)

// Token identifies a lock owner across acquire and release calls. It is
// passed through to every hook invocation so that owner-aware locks
// (reentrant variants) can compare identities without reaching for any
// ambient goroutine identity, which Go deliberately does not expose.
//
// Locks that don't track ownership ignore it; their callers may pass
// NoToken.
type Token uint64

// NoToken is the zero Token, held by nobody.
const NoToken Token = 0

var lastToken atomic.Uint64

// NewToken mints a fresh process-unique owner token.
func NewToken() Token {
	return Token(lastToken.Add(1))
}

// ExclusiveSync is the hook set for exclusive-mode locks. Implementations
// must mutate synchronizer state only through GetState, SetState and
// CompareAndSetState on the Synchronizer they drive, and must be safe
// for concurrent use.
type ExclusiveSync interface {
	// TryAcquire attempts one non-blocking exclusive acquisition of
	// weight arg, reporting success. On failure it must leave the
	// state unchanged.
	TryAcquire(owner Token, arg int64) bool

	// TryRelease undoes weight arg of an exclusive hold. It reports
	// true only when the lock became fully free, at which point the
	// synchronizer wakes the head waiter. It should panic if the
	// caller does not hold what it is releasing.
	TryRelease(owner Token, arg int64) bool
}

// SharedSync is the hook set for shared-mode locks.
type SharedSync interface {
	// TryAcquireShared attempts one non-blocking shared acquisition of
	// weight arg. A negative return means failure; a non-negative
	// return is success and gives the remaining capacity, which the
	// synchronizer uses to decide whether to propagate wakeups to
	// further shared waiters.
	TryAcquireShared(owner Token, arg int64) int64

	// TryReleaseShared returns weight arg of shared capacity,
	// reporting whether queued waiters should be woken.
	TryReleaseShared(owner Token, arg int64) bool
}

// OwnerSync is an optional hook for locks that track an exclusive
// owner.
type OwnerSync interface {
	// IsHeldExclusively reports whether owner currently holds the
	// lock exclusively.
	IsHeldExclusively(owner Token) bool
}

// Synchronizer ties a State cell and a FIFO wait queue to a concrete
// lock's hooks. The zero value is not usable; call Init (or New) first.
//
// Acquire/AcquireShared may block the calling goroutine; Release and
// ReleaseShared never block and do O(1) work plus waking at most one
// waiter (shared wakeups then propagate acquirer-to-acquirer).
type Synchronizer struct {
	// Fair, if set before first use, routes every acquisition through
	// the queue order check: an arriving caller will not barge past
	// queued waiters even when the fast path would succeed. The
	// default (unfair) allows barging on the uncontended path, which
	// is the usual throughput/fairness trade.
	Fair bool

	// Logf, if non-nil, receives contention trace lines. It must be
	// safe for concurrent use. Nil means no logging.
	Logf logger.Logf

	state State
	queue waitQueue

	ex ExclusiveSync
	sh SharedSync
	ow OwnerSync
}

// New returns a Synchronizer driven by hooks, which must implement
// ExclusiveSync, SharedSync, or both.
func New(hooks any) *Synchronizer {
	s := new(Synchronizer)
	s.Init(hooks)
	return s
}

// Init wires hooks into s. It exists so that a concrete lock can embed
// a Synchronizer by value and pass itself as the hook implementation.
// Init must be called exactly once, before any other method.
func (s *Synchronizer) Init(hooks any) {
	if s.ex != nil || s.sh != nil {
		panic("qsync: Synchronizer.Init called twice")
	}
	s.ex, _ = hooks.(ExclusiveSync)
	s.sh, _ = hooks.(SharedSync)
	s.ow, _ = hooks.(OwnerSync)
	if s.ex == nil && s.sh == nil {
		panic("qsync: hooks implement neither ExclusiveSync nor SharedSync")
	}
}

// GetState returns the current synchronization state. It is part of the
// hook-facing surface; lock users should prefer the concrete lock's own
// accessors.
func (s *Synchronizer) GetState() int64 { return s.state.Get() }

// SetState unconditionally writes the synchronization state. Only hook
// code on paths already excluded from races (e.g. a reentrant owner)
// should use it.
func (s *Synchronizer) SetState(v int64) { s.state.Set(v) }

// CompareAndSetState atomically transitions the state from old to new,
// reporting whether it did.
func (s *Synchronizer) CompareAndSetState(old, new int64) bool {
	return s.state.CompareAndSet(old, new)
}

// QueueLen returns the number of goroutines currently queued. The value
// is a snapshot and may be stale by the time it is read; it is meant
// for monitoring, not for synchronization decisions.
func (s *Synchronizer) QueueLen() int { return s.queue.len() }

// HasQueued reports whether any goroutine is queued waiting to acquire.
func (s *Synchronizer) HasQueued() bool { return !s.queue.empty() }

// IsHeldExclusively reports whether owner holds the lock exclusively,
// as determined by the OwnerSync hook. It panics if the hooks do not
// implement OwnerSync.
func (s *Synchronizer) IsHeldExclusively(owner Token) bool {
	if s.ow == nil {
		panic(unimplemented("IsHeldExclusively"))
	}
	return s.ow.IsHeldExclusively(owner)
}

// barge reports whether a just-arrived caller may attempt the fast path
// ahead of queued waiters.
func (s *Synchronizer) barge() bool {
	return !s.Fair || s.queue.empty()
}

// Acquire blocks until an exclusive acquisition of weight arg succeeds
// or ctx is done. On cancellation it returns an error wrapping
// ctx.Err() and guarantees the attempt left no trace in the queue.
func (s *Synchronizer) Acquire(ctx context.Context, owner Token, arg int64) error {
	if s.ex == nil {
		panic(unimplemented("Acquire"))
	}
	if s.barge() && s.ex.TryAcquire(owner, arg) {
		return nil
	}
	return s.acquireQueued(ctx, owner, arg, newWaitNode(modeExclusive))
}

// TryAcquire attempts one non-blocking exclusive acquisition, honoring
// the fairness policy.
func (s *Synchronizer) TryAcquire(owner Token, arg int64) bool {
	if s.ex == nil {
		panic(unimplemented("TryAcquire"))
	}
	return s.barge() && s.ex.TryAcquire(owner, arg)
}

// Release undoes weight arg of an exclusive hold. It reports whether
// the lock became fully free; if so, the head waiter (if any) is woken.
// Releases that leave a reentrant hold in place return false without
// touching the queue.
func (s *Synchronizer) Release(owner Token, arg int64) bool {
	if s.ex == nil {
		panic(unimplemented("Release"))
	}
	if !s.ex.TryRelease(owner, arg) {
		return false
	}
	s.wakeHead()
	return true
}

// AcquireShared blocks until a shared acquisition of weight arg
// succeeds or ctx is done. A successful queued acquisition propagates
// the wakeup to the next shared waiter, so one release can admit every
// waiter it satisfies.
func (s *Synchronizer) AcquireShared(ctx context.Context, owner Token, arg int64) error {
	if s.sh == nil {
		panic(unimplemented("AcquireShared"))
	}
	if s.barge() && s.sh.TryAcquireShared(owner, arg) >= 0 {
		return nil
	}
	return s.acquireQueued(ctx, owner, arg, newWaitNode(modeShared))
}

// TryAcquireShared attempts one non-blocking shared acquisition,
// honoring the fairness policy.
func (s *Synchronizer) TryAcquireShared(owner Token, arg int64) bool {
	if s.sh == nil {
		panic(unimplemented("TryAcquireShared"))
	}
	return s.barge() && s.sh.TryAcquireShared(owner, arg) >= 0
}

// ReleaseShared returns weight arg of shared capacity. If the hook
// reports that waiters may now proceed, the head waiter is woken and
// shared wakeups propagate from there.
func (s *Synchronizer) ReleaseShared(owner Token, arg int64) bool {
	if s.sh == nil {
		panic(unimplemented("ReleaseShared"))
	}
	if !s.sh.TryReleaseShared(owner, arg) {
		return false
	}
	s.wakeHead()
	return true
}

// acquireQueued is the slow path shared by both modes: enqueue, then
// loop parking and re-checking. The re-check after every wakeup is what
// makes the protocol correct: a wakeup is only a hint, since it may be
// spurious or may race with a barging caller's CAS; the hook's own
// CAS-based check is the sole authority.
//
// Only the queue head re-checks, which is what yields FIFO order among
// queued waiters.
func (s *Synchronizer) acquireQueued(ctx context.Context, owner Token, arg int64, n *waitNode) error {
	s.queue.enqueue(n)
	if s.Logf != nil {
		s.Logf("qsync: %v waiter queued (depth %d)", n.mode, s.queue.len())
	}
	for {
		if s.queue.peekHead() == n && s.tryHook(n.mode, owner, arg) {
			s.queue.remove(n)
			if n.mode == modeShared {
				// Wake propagation: the next shared waiter may be
				// satisfiable too. Its own re-check ends the chain.
				s.wakeHeadShared()
			}
			return nil
		}
		if err := n.park(ctx); err != nil {
			n.status.Store(statusCancelled)
			s.queue.remove(n)
			// If a wake permit was delivered to the cancelled node it
			// dies with it, so pass the obligation to the new head.
			s.wakeHead()
			if s.Logf != nil {
				s.Logf("qsync: %v waiter cancelled: %v", n.mode, err)
			}
			return fmt.Errorf("qsync: acquire %v: %w", n.mode, err)
		}
	}
}

func (s *Synchronizer) tryHook(mode waitMode, owner Token, arg int64) bool {
	if mode == modeShared {
		return s.sh.TryAcquireShared(owner, arg) >= 0
	}
	return s.ex.TryAcquire(owner, arg)
}

// wakeHead unparks the earliest live waiter, if any. The waiter removes
// its own node once its re-check succeeds; waking never dequeues, so a
// woken waiter that loses a race to a barging caller keeps its place.
func (s *Synchronizer) wakeHead() {
	if n := s.queue.peekHead(); n != nil {
		n.unpark()
	}
}

// wakeHeadShared unparks the head waiter only if it is a shared-mode
// attempt. Exclusive waiters are left to the next full release.
func (s *Synchronizer) wakeHeadShared() {
	if n := s.queue.peekHead(); n != nil && n.mode == modeShared {
		n.unpark()
	}
}
