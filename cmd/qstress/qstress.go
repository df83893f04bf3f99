// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

// The qstress command hammers one of the lock flavors with a
// configurable herd of workers and reports invariant violations,
// hangs (lost wakeups) and throughput. It is the repo's answer to
// "does this survive real contention", runnable under the race
// detector:
//
//	go run -race qsync.dev/cmd/qstress --flavor=reentrant --workers=50 --cycles=10000
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/peterbourgon/ff/v3"

	"qsync.dev/locks"
	"qsync.dev/qsync"
	"qsync.dev/syncs"
	"qsync.dev/types/logger"
)

var (
	acquires   = expvar.NewInt("qstress_acquires")
	violations = expvar.NewInt("qstress_violations")
)

func main() {
	fs := flag.NewFlagSet("qstress", flag.ContinueOnError)
	var (
		flavor    = fs.String("flavor", "mutex", "lock flavor to stress: mutex, reentrant, semaphore or latch")
		workers   = fs.Int("workers", 50, "number of concurrent workers")
		cycles    = fs.Int("cycles", 10000, "acquire/release cycles per worker")
		permits   = fs.Int64("permits", 3, "semaphore capacity (semaphore flavor only)")
		fair      = fs.Bool("fair", false, "strict FIFO admission, no barging")
		timeout   = fs.Duration("timeout", 60*time.Second, "declare a hang (lost wakeup) after this long")
		verbose   = fs.Bool("verbose", false, "log contention traces")
		debugAddr = fs.String("debug-addr", "", "optional host:port to serve expvar state on while running")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("QSTRESS")); err != nil {
		log.Fatal(err)
	}

	logf := logger.Discard
	if *verbose {
		logf = logger.Std
	}
	if *debugAddr != "" {
		go func() {
			log.Printf("serving debug state on http://%s/debug/vars", *debugAddr)
			log.Fatal(http.ListenAndServe(*debugAddr, nil))
		}()
	}

	st := &stresser{
		workers: *workers,
		cycles:  *cycles,
		permits: *permits,
		fair:    *fair,
		logf:    logger.WithPrefix(logf, *flavor+": "),
	}

	run, ok := map[string]func() error{
		"mutex":     st.mutex,
		"reentrant": st.reentrant,
		"semaphore": st.semaphore,
		"latch":     st.latch,
	}[*flavor]
	if !ok {
		log.Fatalf("unknown flavor %q", *flavor)
	}

	log.Printf("stressing %s: %d workers x %d cycles (fair=%v)", *flavor, *workers, *cycles, *fair)
	start := time.Now()

	done := make(chan error, 1)
	go func() { done <- run() }()
	select {
	case err := <-done:
		if err != nil {
			log.Fatalf("stress failed: %v", err)
		}
	case <-time.After(*timeout):
		log.Fatalf("stress hung after %v with %d acquisitions done: lost wakeup?", *timeout, acquires.Value())
	}

	elapsed := time.Since(start)
	if v := violations.Value(); v > 0 {
		log.Fatalf("FAIL: %d invariant violations in %v", v, elapsed)
	}
	rate := float64(acquires.Value()) / elapsed.Seconds()
	log.Printf("ok: %d acquisitions in %v (%.0f/sec), zero violations", acquires.Value(), elapsed.Round(time.Millisecond), rate)
}

type stresser struct {
	workers int
	cycles  int
	permits int64
	fair    bool
	logf    logger.Logf
}

// herd runs w copies of worker under one taskgroup and waits.
func herd(w int, worker func(i int) error) error {
	var g taskgroup.Group
	for i := range w {
		g.Go(func() error { return worker(i) })
	}
	return g.Wait()
}

func (st *stresser) mutex() error {
	m := locks.NewMutex(st.fair)
	var inside atomic.Int32
	return herd(st.workers, func(int) error {
		ctx := context.Background()
		for range st.cycles {
			if err := m.LockContext(ctx); err != nil {
				return err
			}
			if n := inside.Add(1); n != 1 {
				violations.Add(1)
				st.logf("%d holders inside exclusive section", n)
			}
			inside.Add(-1)
			m.Unlock()
			acquires.Add(1)
		}
		return nil
	})
}

func (st *stresser) reentrant() error {
	m := locks.NewReentrantMutex(st.fair)
	var inside atomic.Int32
	return herd(st.workers, func(int) error {
		ctx := context.Background()
		tok := qsync.NewToken()
		for range st.cycles {
			if err := m.Lock(ctx, tok); err != nil {
				return err
			}
			if n := inside.Add(1); n != 1 {
				violations.Add(1)
				st.logf("%d owners inside exclusive section", n)
			}
			// Nested re-entry each cycle.
			if err := m.Lock(ctx, tok); err != nil {
				return err
			}
			if got := m.HoldCount(); got != 2 {
				violations.Add(1)
				st.logf("nested hold count = %d, want 2", got)
			}
			if m.Unlock(tok) {
				violations.Add(1)
				st.logf("inner unlock reported fully free")
			}
			inside.Add(-1)
			if !m.Unlock(tok) {
				violations.Add(1)
				st.logf("outer unlock did not report fully free")
			}
			acquires.Add(1)
		}
		return nil
	})
}

func (st *stresser) semaphore() error {
	if st.permits < 1 {
		return fmt.Errorf("need at least 1 permit, have %d", st.permits)
	}
	sem := locks.NewSemaphore(st.permits, st.fair)
	var inside atomic.Int64
	err := herd(st.workers, func(int) error {
		ctx := context.Background()
		for range st.cycles {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			if n := inside.Add(1); n > st.permits {
				violations.Add(1)
				st.logf("%d concurrent holders, capacity %d", n, st.permits)
			}
			inside.Add(-1)
			sem.Release(1)
			acquires.Add(1)
		}
		return nil
	})
	if err == nil && sem.Available() != st.permits {
		return fmt.Errorf("permits leaked: %d available, want %d", sem.Available(), st.permits)
	}
	return err
}

func (st *stresser) latch() error {
	// Repeatedly gate the whole herd on a fresh latch: every worker
	// must get through every round, exercising wake propagation.
	for round := range st.cycles {
		l := locks.NewLatch(1)
		released := syncs.NewWaitGroupChan()
		released.Add(st.workers)
		var g taskgroup.Group
		for range st.workers {
			g.Go(func() error {
				defer released.Decr()
				return l.Wait(context.Background())
			})
		}
		l.CountDown()
		select {
		case <-released.DoneChan():
		case <-time.After(30 * time.Second):
			return fmt.Errorf("round %d: latch opened but %d waiters stuck", round, l.Waiters())
		}
		if err := g.Wait(); err != nil {
			return err
		}
		acquires.Add(int64(st.workers))
	}
	return nil
}
