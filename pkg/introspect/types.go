// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package introspect is the kernel's self-observability surface:
// Collector/Registry/Manager machinery snapshotting the kernel's own live
// state — run-queue depth and dynamic priority per group, frame-allocator
// occupancy, process/thread/handle counts, and I/O-queue/stream-table ring
// depth.
package introspect

import "time"

// MetricType identifies which piece of kernel-internal state a collector
// reports on.
type MetricType string

const (
	MetricTypeScheduler    MetricType = "scheduler"
	MetricTypeFrames       MetricType = "frames"
	MetricTypeProcesses    MetricType = "processes"
	MetricTypeIoQueues     MetricType = "io_queues"
	MetricTypeStreamTables MetricType = "stream_tables"
)

// CollectorStatus is a collector's operational state.
type CollectorStatus string

const (
	CollectorStatusActive   CollectorStatus = "active"
	CollectorStatusDegraded CollectorStatus = "degraded"
	CollectorStatusFailed   CollectorStatus = "failed"
	CollectorStatusDisabled CollectorStatus = "disabled"
)

// CollectionConfig configures collection cadence and which collectors run.
// Zero-value fields fall back to documented defaults via ApplyDefaults.
type CollectionConfig struct {
	Interval          time.Duration
	EnabledCollectors map[MetricType]bool
}

const defaultInterval = 100 * time.Millisecond

// ApplyDefaults fills zero-value fields with documented defaults and
// enables every known collector when EnabledCollectors is nil.
func (c CollectionConfig) ApplyDefaults() CollectionConfig {
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.EnabledCollectors == nil {
		c.EnabledCollectors = map[MetricType]bool{
			MetricTypeScheduler:    true,
			MetricTypeFrames:       true,
			MetricTypeProcesses:    true,
			MetricTypeIoQueues:     true,
			MetricTypeStreamTables: true,
		}
	}
	return c
}

// SchedulerStats is one process-group's scheduling state.
type SchedulerStats struct {
	GroupID  uint64
	Runnable int
	Priority int64
}

// FrameStats reports the physical frame allocator's current occupancy.
type FrameStats struct {
	TotalPages    uint64
	FreePages     uint64
	OccupiedPages uint64
}

// ProcessStats reports kernel-wide process/thread/handle counts.
type ProcessStats struct {
	Processes int
	Threads   int
	Handles   int
}

// IoQueueStats is one I/O queue's ring depth.
type IoQueueStats struct {
	ProcessID      uint64
	Base           uint64
	SubmissionPend uint32
	CompletionPend uint32
}

// StreamTableStats is one stream table's ring depth.
type StreamTableStats struct {
	ProcessID     uint64
	RequestPend   uint32
	ResponsePend  uint32
}
