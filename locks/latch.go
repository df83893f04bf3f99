// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

package locks

import (
	"context"

	"qsync.dev/qsync"
)

// Latch is a one-shot countdown gate: Wait blocks until CountDown has
// been called the configured number of times, after which the latch is
// open forever and Wait never blocks again.
//
// The synchronization state holds the remaining count; zero means
// open. Opening the latch releases all waiters at once through shared
// wake propagation: the release wakes the head waiter, and each waiter
// that passes its re-check wakes the next.
//
// Use NewLatch; the zero value is not usable.
type Latch struct {
	s qsync.Synchronizer
}

// NewLatch returns a Latch that opens after count calls to CountDown.
// A count of zero returns an already-open latch.
func NewLatch(count int64) *Latch {
	if count < 0 {
		panic(qsync.Violationf("NewLatch with negative count %d", count))
	}
	l := new(Latch)
	l.s.Init(l)
	l.s.SetState(count)
	return l
}

// Wait blocks until the latch is open or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	return l.s.AcquireShared(ctx, qsync.NoToken, 1)
}

// CountDown decrements the remaining count if it is nonzero, releasing
// all waiters when it reaches zero. It reports whether this call
// opened the latch. Counting down an open latch is a no-op.
func (l *Latch) CountDown() bool {
	return l.s.ReleaseShared(qsync.NoToken, 1)
}

// Opened reports whether the latch is open.
func (l *Latch) Opened() bool { return l.s.GetState() == 0 }

// Count returns a snapshot of the remaining count.
func (l *Latch) Count() int64 { return l.s.GetState() }

// Waiters returns a snapshot of the number of blocked waiters.
func (l *Latch) Waiters() int { return l.s.QueueLen() }

// TryAcquireShared is the qsync.SharedSync hook: waiting on the latch
// succeeds only once the count has reached zero. The positive return
// keeps wakeups propagating down the queue when the latch opens.
func (l *Latch) TryAcquireShared(_ qsync.Token, _ int64) int64 {
	if l.s.GetState() == 0 {
		return 1
	}
	return -1
}

// TryReleaseShared is the qsync.SharedSync hook: decrement the count,
// reporting true (wake waiters) only on the transition to zero.
func (l *Latch) TryReleaseShared(_ qsync.Token, _ int64) bool {
	for {
		c := l.s.GetState()
		if c == 0 {
			return false
		}
		if l.s.CompareAndSetState(c, c-1) {
			return c == 1
		}
	}
}
