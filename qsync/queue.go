// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

package qsync

import (
	"context"
	"sync"
	"sync/atomic"
)

type waitMode uint8

const (
	modeExclusive waitMode = iota
	modeShared
)

func (m waitMode) String() string {
	if m == modeShared {
		return "shared"
	}
	return "exclusive"
}

const (
	statusWaiting int32 = iota
	statusCancelled
)

// waitNode represents one blocked acquisition attempt. A node is used
// for exactly one attempt: enqueued at most once, never recycled.
//
// The permit channel implements park/unpark. unpark deposits a permit
// without blocking; park consumes one, so an unpark that races ahead of
// the park is not lost. At most one permit is ever outstanding.
type waitNode struct {
	mode   waitMode
	status atomic.Int32

	permit chan struct{}

	// prev, next, queued are guarded by the owning waitQueue's mutex.
	prev, next *waitNode
	queued     bool
}

func newWaitNode(mode waitMode) *waitNode {
	return &waitNode{
		mode:   mode,
		permit: make(chan struct{}, 1),
	}
}

// park blocks until a permit arrives or ctx is done. A permit deposited
// before park is called satisfies it immediately.
func (n *waitNode) park(ctx context.Context) error {
	select {
	case <-n.permit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unpark deposits a wake permit for n. Extra permits beyond the one
// outstanding are dropped; unparking a node that is not parked is safe
// and makes its next park return immediately.
func (n *waitNode) unpark() {
	select {
	case n.permit <- struct{}{}:
	default:
	}
}

// waitQueue is a strict-FIFO queue of blocked acquisition attempts,
// implemented as a mutex-guarded intrusive doubly-linked list. The
// doubly-linked form makes remove O(1), which keeps cancellation of a
// mid-queue waiter from perturbing its neighbors' order.
type waitQueue struct {
	mu         sync.Mutex
	head, tail *waitNode
	n          int
}

// enqueue appends n at the tail. Enqueueing a node that is already
// queued is a fatal invariant violation.
func (q *waitQueue) enqueue(n *waitNode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n.queued {
		panic("qsync: wait node enqueued twice")
	}
	n.queued = true
	n.prev = q.tail
	n.next = nil
	if q.tail != nil {
		q.tail.next = n
	} else {
		q.head = n
	}
	q.tail = n
	q.n++
}

// remove unlinks n if it is present. Removing a node that was already
// removed (or never enqueued) is a no-op, which lets the success path
// and the cancellation path race benignly.
func (q *waitQueue) remove(n *waitNode) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !n.queued {
		return false
	}
	q.unlink(n)
	return true
}

func (q *waitQueue) unlink(n *waitNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	n.queued = false
	q.n--
	if q.n < 0 {
		panic("qsync: wait queue length went negative")
	}
}

// dequeueHead removes and returns the earliest-enqueued live node, or
// nil if the queue holds none. Cancelled nodes encountered on the way
// are lazily unlinked.
func (q *waitQueue) dequeueHead() *waitNode {
	q.mu.Lock()
	defer q.mu.Unlock()
	for n := q.head; n != nil; n = q.head {
		q.unlink(n)
		if n.status.Load() == statusCancelled {
			continue
		}
		return n
	}
	return nil
}

// peekHead returns the earliest-enqueued live node, skipping (and
// lazily unlinking) nodes whose attempts were cancelled.
func (q *waitQueue) peekHead() *waitNode {
	q.mu.Lock()
	defer q.mu.Unlock()
	for n := q.head; n != nil; n = q.head {
		if n.status.Load() == statusCancelled {
			q.unlink(n)
			continue
		}
		return n
	}
	return nil
}

func (q *waitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *waitQueue) empty() bool { return q.len() == 0 }
