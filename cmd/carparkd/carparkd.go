// Copyright (c) The qsync Authors
// SPDX-License-Identifier: BSD-3-Clause

// The carparkd command is a demonstration daemon for the qsync locks:
// a parking lot with a fixed number of spaces, modeled as a fair
// counting semaphore. Cars enter over HTTP and block (up to the
// request's patience) until a space frees up, so the queue of waiting
// cars is literally the synchronizer's wait queue.
//
//	POST /enter?spaces=N&wait=30s   take spaces, waiting up to wait
//	POST /exit?spaces=N             give spaces back
//	GET  /stats                     occupancy snapshot as JSON
//	GET  /metrics                   Prometheus metrics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"qsync.dev/locks"
	"qsync.dev/syncs"
	"qsync.dev/types/logger"
)

func main() {
	fs := flag.NewFlagSet("carparkd", flag.ContinueOnError)
	var (
		listen   = fs.String("listen", ":8373", "host:port to listen on")
		capacity = fs.Int64("capacity", 50, "number of parking spaces")
		maxWait  = fs.Duration("max-wait", time.Minute, "longest a car may wait for a space")
		verbose  = fs.Bool("verbose", false, "log every enter/exit")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("CARPARKD")); err != nil {
		log.Fatal(err)
	}
	if *capacity < 1 {
		log.Fatalf("capacity must be positive, got %d", *capacity)
	}

	logf := logger.Discard
	if *verbose {
		logf = logger.WithPrefix(logger.Std, "carparkd: ")
	}

	lot := newCarPark(*capacity, *maxWait, logf)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /enter", lot.handleEnter)
	mux.HandleFunc("POST /exit", lot.handleExit)
	mux.HandleFunc("GET /stats", lot.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(lot.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: *listen, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("carparkd: %d spaces, listening on %s", *capacity, *listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

// carPark is the lot itself: a fair semaphore of spaces plus the
// bookkeeping the HTTP surface reports. The semaphore is fair so cars
// are admitted in arrival order rather than by barging.
type carPark struct {
	capacity int64
	maxWait  time.Duration
	spaces   *locks.Semaphore
	logf     logger.Logf

	occupied  atomic.Int64
	lastEvent syncs.AtomicValue[time.Time]

	reg      *prometheus.Registry
	enters   prometheus.Counter
	rejects  prometheus.Counter
	waitHist prometheus.Histogram
}

func newCarPark(capacity int64, maxWait time.Duration, logf logger.Logf) *carPark {
	p := &carPark{
		capacity: capacity,
		maxWait:  maxWait,
		spaces:   locks.NewSemaphore(capacity, true),
		logf:     logf,
		reg:      prometheus.NewRegistry(),
		enters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carpark_enters_total",
			Help: "Cars admitted to the lot.",
		}),
		rejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carpark_rejects_total",
			Help: "Cars that gave up waiting for a space.",
		}),
		waitHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carpark_enter_wait_seconds",
			Help:    "Time cars spent waiting for a space.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	p.reg.MustRegister(p.enters, p.rejects, p.waitHist)
	p.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "carpark_occupied",
		Help: "Spaces currently occupied.",
	}, func() float64 { return float64(p.occupied.Load()) }))
	p.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "carpark_waiting",
		Help: "Cars queued waiting for a space.",
	}, func() float64 { return float64(p.spaces.Waiters()) }))
	return p
}

// spacesParam parses the optional ?spaces=N parameter, default 1.
func spacesParam(r *http.Request) (int64, error) {
	q := r.FormValue("spaces")
	if q == "" {
		return 1, nil
	}
	n, err := strconv.ParseInt(q, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("bad spaces %q", q)
	}
	return n, nil
}

func (p *carPark) handleEnter(w http.ResponseWriter, r *http.Request) {
	n, err := spacesParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if n > p.capacity {
		http.Error(w, fmt.Sprintf("lot only has %d spaces", p.capacity), http.StatusBadRequest)
		return
	}
	wait := p.maxWait
	if q := r.FormValue("wait"); q != "" {
		wait, err = time.ParseDuration(q)
		if err != nil || wait < 0 || wait > p.maxWait {
			http.Error(w, fmt.Sprintf("bad wait %q (max %v)", q, p.maxWait), http.StatusBadRequest)
			return
		}
	}

	// The request context bounds the wait, so an impatient client
	// disconnecting cancels its place in line.
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	start := time.Now()
	if err := p.spaces.Acquire(ctx, n); err != nil {
		p.rejects.Inc()
		p.logf("enter(%d) gave up after %v: %v", n, time.Since(start).Round(time.Millisecond), err)
		http.Error(w, "no space: "+err.Error(), http.StatusGatewayTimeout)
		return
	}
	waited := time.Since(start)
	p.waitHist.Observe(waited.Seconds())
	p.enters.Inc()
	p.occupied.Add(n)
	p.lastEvent.Store(time.Now())
	p.logf("enter(%d) after %v, %d/%d occupied", n, waited.Round(time.Millisecond), p.occupied.Load(), p.capacity)
	fmt.Fprintf(w, "parked %d after %v\n", n, waited.Round(time.Millisecond))
}

func (p *carPark) handleExit(w http.ResponseWriter, r *http.Request) {
	n, err := spacesParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Refuse exits of cars that never entered, so the semaphore's
	// capacity can't be inflated from the outside.
	for {
		occ := p.occupied.Load()
		if occ < n {
			http.Error(w, fmt.Sprintf("only %d spaces occupied", occ), http.StatusConflict)
			return
		}
		if p.occupied.CompareAndSwap(occ, occ-n) {
			break
		}
	}
	p.spaces.Release(n)
	p.lastEvent.Store(time.Now())
	p.logf("exit(%d), %d/%d occupied", n, p.occupied.Load(), p.capacity)
	fmt.Fprintf(w, "released %d\n", n)
}

func (p *carPark) handleStats(w http.ResponseWriter, r *http.Request) {
	type stats struct {
		Capacity  int64     `json:"capacity"`
		Occupied  int64     `json:"occupied"`
		Free      int64     `json:"free"`
		Waiting   int       `json:"waiting"`
		LastEvent time.Time `json:"last_event,omitzero"`
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats{
		Capacity:  p.capacity,
		Occupied:  p.occupied.Load(),
		Free:      p.spaces.Available(),
		Waiting:   p.spaces.Waiters(),
		LastEvent: p.lastEvent.Load(),
	})
}
