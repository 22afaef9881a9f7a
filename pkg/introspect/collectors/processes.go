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

// ProcessSnapshotFunc returns kernel-wide process/thread/handle counts.
type ProcessSnapshotFunc func() introspect.ProcessStats

// Processes is a PointCollector reporting process/thread/handle counts.
type Processes struct {
	introspect.BaseCollector
	snapshot ProcessSnapshotFunc
}

func NewProcesses(logger logr.Logger, snapshot ProcessSnapshotFunc) *Processes {
	return &Processes{
		BaseCollector: introspect.NewBaseCollector(introspect.MetricTypeProcesses, "processes", logger),
		snapshot:      snapshot,
	}
}

func (p *Processes) Collect(_ context.Context) (any, error) {
	return p.snapshot(), nil
}
