// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

package qsync

import "sync/atomic"

// State is the synchronization state cell: a single int64 whose meaning
// is defined entirely by the concrete lock built on top of it (0/1 for a
// plain mutex, permits-remaining for a semaphore, hold count for a
// reentrant lock).
//
// All transitions that can race must go through CompareAndSet. Set is
// for paths where the caller already excludes races, such as a reentrant
// owner adjusting its own hold count.
type State struct {
	v atomic.Int64
}

// Get returns the current state value.
func (s *State) Get() int64 { return s.v.Load() }

// Set unconditionally stores v.
func (s *State) Set(v int64) { s.v.Store(v) }

// CompareAndSet atomically sets the state to new if it currently equals
// old, reporting whether it did. On failure the state is unchanged.
func (s *State) CompareAndSet(old, new int64) bool {
	return s.v.CompareAndSwap(old, new)
}
