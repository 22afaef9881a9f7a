// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package collectors holds the concrete introspection collectors reading
// the kernel's live state. Each collector takes a snapshot closure rather
// than importing pkg/kernel directly, so pkg/kernel can depend on
// pkg/introspect without a cycle.
package collectors

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/norostb/kernel/pkg/introspect"
)

// SchedulerSnapshotFunc returns the current dynamic-priority state of every
// live process group.
type SchedulerSnapshotFunc func() []introspect.SchedulerStats

// Scheduler is a PointCollector reporting per-group run-queue depth and
// dynamic priority.
type Scheduler struct {
	introspect.BaseCollector
	snapshot SchedulerSnapshotFunc
}

func NewScheduler(logger logr.Logger, snapshot SchedulerSnapshotFunc) *Scheduler {
	return &Scheduler{
		BaseCollector: introspect.NewBaseCollector(introspect.MetricTypeScheduler, "scheduler", logger),
		snapshot:      snapshot,
	}
}

func (s *Scheduler) Collect(_ context.Context) (any, error) {
	return s.snapshot(), nil
}
