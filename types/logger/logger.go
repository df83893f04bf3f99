// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines a type for writing to logs. It's just a
// convenience type so that we don't have to pass verbose func(...)
// types around.
package logger

import (
	"log"
	"testing"
)

// Logf is the basic logger type: a printf-like func. Like log.Printf,
// the format need not end in a newline. Logf functions must be safe
// for concurrent use.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// Std is a Logf that writes through the standard library's default
// logger.
func Std(format string, args ...any) {
	log.Printf(format, args...)
}

// TestLogger returns a logger that logs to tb via tb.Logf.
func TestLogger(tb testing.TB) Logf {
	return func(format string, args ...any) {
		tb.Helper()
		tb.Logf(format, args...)
	}
}
