// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
)

// Sink is a pluggable destination for batches of ledger events (e.g. a
// process-local subscriber that writes a crash report, or a test double
// that records what it was sent). The Forwarder never talks to a remote
// service directly; Sink implementations that need a network are the
// caller's concern.
type Sink interface {
	Send(ctx context.Context, batch []Event) error
}

const (
	defaultMaxBatchSize = 100
	defaultFlushPeriod  = time.Second
)

var batchCounter uint64

type eventBatch struct {
	events []Event
	id     uint64
}

func newEventBatch(events []Event) *eventBatch {
	return &eventBatch{events: events, id: atomic.AddUint64(&batchCounter, 1)}
}

// Forwarder batches events drained from a Ledger subscription and delivers
// them to a Sink with rate-limited retry: a sender goroutine works the rate-
// limiting queue while a flusher goroutine bounds how stale a partial batch
// can get.
type Forwarder struct {
	sink   Sink
	logger logr.Logger
	queue  workqueue.TypedRateLimitingInterface[*eventBatch]

	maxBatchSize int
	flushPeriod  time.Duration

	mu    sync.Mutex
	batch *eventBatch
}

// ForwarderOption configures a Forwarder at construction.
type ForwarderOption func(*Forwarder)

// WithMaxBatchSize overrides the default batch size (100 events) at which
// a partially-filled batch is flushed early.
func WithMaxBatchSize(n int) ForwarderOption {
	return func(f *Forwarder) { f.maxBatchSize = n }
}

// WithFlushPeriod overrides the default flush cadence (1s) for
// partially-filled batches.
func WithFlushPeriod(d time.Duration) ForwarderOption {
	return func(f *Forwarder) { f.flushPeriod = d }
}

// NewForwarder returns a Forwarder draining ledger events to sink.
func NewForwarder(logger logr.Logger, sink Sink, opts ...ForwarderOption) *Forwarder {
	ratelimiter := workqueue.DefaultTypedControllerRateLimiter[*eventBatch]()
	queue := workqueue.NewTypedRateLimitingQueueWithConfig(ratelimiter,
		workqueue.TypedRateLimitingQueueConfig[*eventBatch]{Name: "telemetry-forwarder"},
	)
	f := &Forwarder{
		sink:         sink,
		logger:       logger.WithName("telemetry-forwarder"),
		queue:        queue,
		batch:        newEventBatch(nil),
		maxBatchSize: defaultMaxBatchSize,
		flushPeriod:  defaultFlushPeriod,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Forwarder) flushBatch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batch.events) == 0 {
		return
	}
	f.queue.AddRateLimited(f.batch)
	f.batch = newEventBatch(nil)
}

// Run drains events from l until ctx is done, batching them and delivering
// batches to the sink with exponential-backoff retry. It blocks until ctx
// is cancelled and the queue has drained.
func (f *Forwarder) Run(ctx context.Context, l *Ledger) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.sender(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.batchFlusher(ctx)
	}()

	events := l.Subscribe()
	for {
		select {
		case <-ctx.Done():
			f.flushBatch()
			f.queue.ShutDownWithDrain()
			wg.Wait()
			return
		case ev, ok := <-events:
			if !ok {
				f.flushBatch()
				f.queue.ShutDownWithDrain()
				wg.Wait()
				return
			}
			f.mu.Lock()
			f.batch.events = append(f.batch.events, ev)
			shouldFlush := len(f.batch.events) >= f.maxBatchSize
			f.mu.Unlock()
			if shouldFlush {
				f.flushBatch()
			}
		}
	}
}

func (f *Forwarder) batchFlusher(ctx context.Context) {
	ticker := time.NewTicker(f.flushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flushBatch()
		}
	}
}

func (f *Forwarder) sender(ctx context.Context) {
	for {
		batch, shutdown := f.queue.Get()
		if shutdown {
			return
		}
		f.sendBatch(ctx, batch)
	}
}

func (f *Forwarder) sendBatch(ctx context.Context, batch *eventBatch) {
	defer f.queue.Done(batch)

	_, err := backoff.Retry(ctx, func() (bool, error) {
		return true, f.sink.Send(ctx, batch.events)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		f.logger.Error(err, "failed to deliver telemetry batch", "batchID", batch.id)
		if !f.queue.ShuttingDown() {
			f.queue.AddRateLimited(batch)
		}
		return
	}
	f.queue.Forget(batch)
}
