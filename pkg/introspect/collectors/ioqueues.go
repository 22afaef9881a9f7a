// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/norostb/kernel/pkg/introspect"
)

// IoQueueSnapshotFunc returns the submission/completion ring depth of every
// live I/O queue.
type IoQueueSnapshotFunc func() []introspect.IoQueueStats

// IoQueues is a PointCollector reporting per-queue ring depth.
type IoQueues struct {
	introspect.BaseCollector
	snapshot IoQueueSnapshotFunc
}

func NewIoQueues(logger logr.Logger, snapshot IoQueueSnapshotFunc) *IoQueues {
	return &IoQueues{
		BaseCollector: introspect.NewBaseCollector(introspect.MetricTypeIoQueues, "io_queues", logger),
		snapshot:      snapshot,
	}
}

func (q *IoQueues) Collect(_ context.Context) (any, error) {
	return q.snapshot(), nil
}

// StreamTableSnapshotFunc returns the request/response ring depth of every
// live stream table.
type StreamTableSnapshotFunc func() []introspect.StreamTableStats

// StreamTables is a PointCollector reporting per-table ring depth.
type StreamTables struct {
	introspect.BaseCollector
	snapshot StreamTableSnapshotFunc
}

func NewStreamTables(logger logr.Logger, snapshot StreamTableSnapshotFunc) *StreamTables {
	return &StreamTables{
		BaseCollector: introspect.NewBaseCollector(introspect.MetricTypeStreamTables, "stream_tables", logger),
		snapshot:      snapshot,
	}
}

func (t *StreamTables) Collect(_ context.Context) (any, error) {
	return t.snapshot(), nil
}
