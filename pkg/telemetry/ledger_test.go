// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-logr/logr"

	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/telemetry"
)

func newTestLedger(t *testing.T) *telemetry.Ledger {
	t.Helper()
	l, err := telemetry.NewLedger()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedgerAppendAndQuery(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Append(telemetry.Event{
		Kind: telemetry.EventObjectCreate, ProcessID: 1, ObjectID: 10, Code: kerr.OK,
	}))
	require.NoError(t, l.Append(telemetry.Event{
		Kind: telemetry.EventObjectDestroy, ProcessID: 1, ObjectID: 10, Code: kerr.OK,
	}))
	require.NoError(t, l.Append(telemetry.Event{
		Kind: telemetry.EventProcessExit, ProcessID: 2, Code: kerr.OK, Detail: "unrelated",
	}))

	byProc, err := l.ByProcess(1)
	require.NoError(t, err)
	require.Len(t, byProc, 2)
	assert.Equal(t, telemetry.EventObjectCreate, byProc[0].Kind)
	assert.Equal(t, telemetry.EventObjectDestroy, byProc[1].Kind)
	assert.Less(t, byProc[0].Seq, byProc[1].Seq)

	byObj, err := l.ByObject(10)
	require.NoError(t, err)
	require.Len(t, byObj, 2)

	none, err := l.ByProcess(999)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLedgerSubscribeFansOutAndClosesOnClose(t *testing.T) {
	l, err := telemetry.NewLedger()
	require.NoError(t, err)

	ch := l.Subscribe()
	require.NoError(t, l.Append(telemetry.Event{Kind: telemetry.EventProcessExit, ProcessID: 5}))

	select {
	case ev := <-ch:
		assert.Equal(t, uint64(5), ev.ProcessID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}

	require.NoError(t, l.Close())

	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed after Close")
}

func TestLedgerAppendAfterCloseFails(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Close())
	err := l.Append(telemetry.Event{Kind: telemetry.EventProcessExit})
	assert.Error(t, err)
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]telemetry.Event
}

func (s *fakeSink) Send(_ context.Context, batch []telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestForwarderDeliversEvents(t *testing.T) {
	l := newTestLedger(t)
	sink := &fakeSink{}
	fwd := telemetry.NewForwarder(logr.Discard(), sink,
		telemetry.WithMaxBatchSize(2),
		telemetry.WithFlushPeriod(20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fwd.Run(ctx, l)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(telemetry.Event{Kind: telemetry.EventProcessExit, ProcessID: uint64(i)}))
	}

	require.Eventually(t, func() bool {
		return sink.total() >= 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
