// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command norostkernel boots a Kernel instance, drives its scheduler tick,
// and logs its lifecycle event ledger until it receives a termination
// signal. It is a hosted harness, not a bootloader: there is no guest image
// to load, only the kernel's own global state and self-observability
// surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/norostb/kernel/pkg/kernel"
	"github.com/norostb/kernel/pkg/telemetry"
)

var (
	totalPages     uint64
	frameShards    int
	harts          int
	schedulerTick  time.Duration
	snapshotPeriod time.Duration
	devLogging     bool
)

func init() {
	flag.Uint64Var(&totalPages, "total-pages", 0,
		"Number of 4 KiB base pages the frame allocator manages (0 uses the documented default)")
	flag.IntVar(&frameShards, "frame-cache-shards", 0,
		"Number of per-CPU colored cache shards the frame allocator maintains (0 uses the documented default)")
	flag.IntVar(&harts, "harts", 0,
		"Number of simulated hardware execution contexts (0 uses the documented default)")
	flag.DurationVar(&schedulerTick, "scheduler-tick", 0,
		"Cadence at which the scheduler ages every queued group's dynamic priority (0 uses the documented default)")
	flag.DurationVar(&snapshotPeriod, "introspect-period", 5*time.Second,
		"How often to log an introspection snapshot")
	flag.BoolVar(&devLogging, "dev", false, "Use zap's development logging config instead of production")
}

func newLogger() (logr.Logger, error) {
	var zl *zap.Logger
	var err error
	if devLogging {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

func main() {
	flag.Parse()

	log, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to build logger: %v\n", err)
		os.Exit(1)
	}
	setupLog := log.WithName("setup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k := kernel.New(log, kernel.Config{
		TotalPages:       totalPages,
		FrameCacheShards: frameShards,
		Harts:            harts,
		SchedulerTick:    schedulerTick,
	})

	stopTicker := k.RunTicker()
	defer stopTicker()
	setupLog.Info("kernel booted", "harts", len(k.Executors()))

	if l := k.Telemetry(); l != nil {
		forwarder := telemetry.NewForwarder(log, logSink{log: log.WithName("telemetry")})
		go forwarder.Run(ctx, l)
	} else {
		setupLog.Info("telemetry ledger unavailable, lifecycle events will not be forwarded")
	}

	go runIntrospectionLoop(ctx, k, setupLog)

	<-ctx.Done()
	setupLog.Info("shutting down")
	if err := k.Shutdown(); err != nil {
		setupLog.Error(err, "error during kernel shutdown")
	}
}

// runIntrospectionLoop periodically logs a self-observability snapshot,
// the standalone-process substitute for whatever out-of-band channel a real
// deployment would poll introspection over.
func runIntrospectionLoop(ctx context.Context, k *kernel.Kernel, log logr.Logger) {
	m := k.Introspect()
	if m == nil {
		return
	}
	ticker := time.NewTicker(snapshotPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.Snapshot(ctx)
			log.Info("introspection snapshot", "metrics", snap, "systemTime", k.Now())
		}
	}
}

// logSink is the default telemetry.Sink: it logs every forwarded batch
// rather than shipping it anywhere, since this harness has no remote
// collector to ship to.
type logSink struct {
	log logr.Logger
}

func (s logSink) Send(_ context.Context, batch []telemetry.Event) error {
	s.log.Info("lifecycle events", "count", len(batch))
	return nil
}
