// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package syncs contains additional sync types used around the repo.
package syncs

import (
	"sync/atomic"
)

// ClosedChan returns a channel that's already closed.
func ClosedChan() <-chan struct{} { return closedChan }

var closedChan = initClosedChan()

func initClosedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// AtomicValue is the generic version of [atomic.Value].
type AtomicValue[T any] struct {
	v atomic.Value
}

// wrappedValue wraps a value T in a concrete type, so that storing
// differently-typed interface implementations in the same AtomicValue
// doesn't panic, and so that nil is storable.
type wrappedValue[T any] struct{ v T }

// Load returns the value of v, or the zero value of T if nothing has
// been stored.
func (v *AtomicValue[T]) Load() T {
	x, _ := v.LoadOk()
	return x
}

// LoadOk is like Load but also reports whether a value was present.
func (v *AtomicValue[T]) LoadOk() (_ T, ok bool) {
	x := v.v.Load()
	if x != nil {
		return x.(wrappedValue[T]).v, true
	}
	var zero T
	return zero, false
}

// Store sets the value of v to x.
func (v *AtomicValue[T]) Store(x T) {
	v.v.Store(wrappedValue[T]{x})
}

// Swap stores new into v and returns the previous value.
func (v *AtomicValue[T]) Swap(x T) (old T) {
	oldV := v.v.Swap(wrappedValue[T]{x})
	if oldV != nil {
		return oldV.(wrappedValue[T]).v
	}
	return old
}

// WaitGroupChan is like a sync.WaitGroup, but has a chan that closes
// on completion, so callers can select on completion against timeouts
// or cancellation. It is single-use; its zero value is not usable, use
// the constructor.
type WaitGroupChan struct {
	n    atomic.Int64
	done chan struct{} // closed on transition to zero
}

// NewWaitGroupChan returns a new single-use WaitGroupChan.
func NewWaitGroupChan() *WaitGroupChan {
	return &WaitGroupChan{done: make(chan struct{})}
}

// DoneChan returns a channel that's closed on completion.
func (c *WaitGroupChan) DoneChan() <-chan struct{} { return c.done }

// Add adds delta, which may be negative, to the counter. If the
// counter becomes zero, all goroutines blocked on Wait or the Done
// chan are released. If the counter goes negative, Add panics.
//
// Calls with a positive delta that start when the counter is zero must
// happen before a Wait.
func (c *WaitGroupChan) Add(delta int) {
	n := c.n.Add(int64(delta))
	if n == 0 {
		close(c.done)
	}
	if n < 0 {
		panic("syncs: negative WaitGroupChan counter")
	}
}

// Decr decrements the counter by one.
//
// (It is like sync.WaitGroup's Done method, but Done is ambiguous with
// Context.Done and the DoneChan method here, so we use Decr instead.)
func (c *WaitGroupChan) Decr() {
	c.Add(-1)
}

// Wait blocks until the counter is zero.
func (c *WaitGroupChan) Wait() { <-c.done }
