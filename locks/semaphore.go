// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

package locks

import (
	"context"

	"qsync.dev/qsync"
)

// Semaphore is a counting semaphore: up to its configured number of
// permits may be held simultaneously, and blocked acquirers queue in
// FIFO order. A release that frees enough permits for several queued
// acquirers wakes all of them (wake propagation), not just the first.
//
// The synchronization state holds the number of free permits. Permits
// are not owned: like Java's semaphores and unlike a mutex, Release
// may be called by a different goroutine than the one that acquired,
// and releasing without acquiring first grows capacity.
//
// Use NewSemaphore; the zero value is not usable.
type Semaphore struct {
	s qsync.Synchronizer
}

// NewSemaphore returns a Semaphore with the given number of free
// permits. If fair is set, acquirers never barge past queued waiters.
func NewSemaphore(permits int64, fair bool) *Semaphore {
	if permits < 0 {
		panic(qsync.Violationf("NewSemaphore with negative permits %d", permits))
	}
	sem := new(Semaphore)
	sem.s.Fair = fair
	sem.s.Init(sem)
	sem.s.SetState(permits)
	return sem
}

// Acquire blocks until n permits are held or ctx is done.
func (sem *Semaphore) Acquire(ctx context.Context, n int64) error {
	return sem.s.AcquireShared(ctx, qsync.NoToken, n)
}

// TryAcquire takes n permits without blocking, reporting success.
func (sem *Semaphore) TryAcquire(n int64) bool {
	return sem.s.TryAcquireShared(qsync.NoToken, n)
}

// Release returns n permits and wakes queued acquirers they satisfy.
func (sem *Semaphore) Release(n int64) {
	sem.s.ReleaseShared(qsync.NoToken, n)
}

// Available returns a snapshot of the number of free permits.
func (sem *Semaphore) Available() int64 { return sem.s.GetState() }

// Waiters returns a snapshot of the number of queued acquirers.
func (sem *Semaphore) Waiters() int { return sem.s.QueueLen() }

// TryAcquireShared is the qsync.SharedSync hook: CAS-loop the free
// count down by arg, reporting the remainder, negative on failure.
func (sem *Semaphore) TryAcquireShared(_ qsync.Token, arg int64) int64 {
	for {
		free := sem.s.GetState()
		remaining := free - arg
		if remaining < 0 || sem.s.CompareAndSetState(free, remaining) {
			return remaining
		}
	}
}

// TryReleaseShared is the qsync.SharedSync hook.
func (sem *Semaphore) TryReleaseShared(_ qsync.Token, arg int64) bool {
	for {
		free := sem.s.GetState()
		next := free + arg
		if next < free {
			panic(qsync.Violationf("Semaphore permit count overflow"))
		}
		if sem.s.CompareAndSetState(free, next) {
			return true
		}
	}
}
