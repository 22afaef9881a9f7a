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

// FrameSnapshotFunc returns the physical frame allocator's current
// occupancy.
type FrameSnapshotFunc func() introspect.FrameStats

// Frames is a PointCollector reporting frame-allocator occupancy.
type Frames struct {
	introspect.BaseCollector
	snapshot FrameSnapshotFunc
}

func NewFrames(logger logr.Logger, snapshot FrameSnapshotFunc) *Frames {
	return &Frames{
		BaseCollector: introspect.NewBaseCollector(introspect.MetricTypeFrames, "frames", logger),
		snapshot:      snapshot,
	}
}

func (f *Frames) Collect(_ context.Context) (any, error) {
	return f.snapshot(), nil
}
