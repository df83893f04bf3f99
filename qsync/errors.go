// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

package qsync

import (
	"errors"
	"fmt"
)

// ErrUnimplemented is the panic value (wrapped) when a Synchronizer is
// driven in a mode its hooks do not implement, e.g. AcquireShared on an
// exclusive-only lock. That is a programming error in the lock's
// construction, not a runtime condition, so it panics rather than
// returning an error.
var ErrUnimplemented = errors.New("qsync: hook not implemented")

// ErrViolation is the panic value (wrapped) for protocol violations:
// releasing a lock that is not held, or releasing someone else's hold.
// Concrete locks wrap it with the specifics.
var ErrViolation = errors.New("qsync: protocol violation")

func unimplemented(op string) error {
	return fmt.Errorf("%w: %s", ErrUnimplemented, op)
}

// Violationf returns an ErrViolation-wrapping error for concrete locks
// to panic with when a caller releases what it does not hold.
func Violationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrViolation, fmt.Sprintf(format, args...))
}
