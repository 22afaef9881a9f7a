// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package introspect

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// Collector is the base interface every introspection collector satisfies.
type Collector interface {
	Type() MetricType
	Name() string
}

// PointCollector performs a single, one-shot snapshot of kernel state.
type PointCollector interface {
	Collector
	Collect(ctx context.Context) (any, error)
}

// ContinuousCollector streams snapshots on an interval.
type ContinuousCollector interface {
	Collector
	Start(ctx context.Context) (<-chan any, error)
	Stop() error
	Status() CollectorStatus
	LastError() error
}

// BaseCollector carries the fields every concrete collector needs and
// implements Collector; concrete collectors embed it and add Collect.
type BaseCollector struct {
	metricType MetricType
	name       string
	logger     logr.Logger
}

// NewBaseCollector returns a BaseCollector for metricType/name, with logger
// scoped under the metric type's name.
func NewBaseCollector(metricType MetricType, name string, logger logr.Logger) BaseCollector {
	return BaseCollector{
		metricType: metricType,
		name:       name,
		logger:     logger.WithName(string(metricType)),
	}
}

func (b *BaseCollector) Type() MetricType   { return b.metricType }
func (b *BaseCollector) Name() string       { return b.name }
func (b *BaseCollector) Logger() logr.Logger { return b.logger }

// BaseContinuousCollector adds status/error bookkeeping atop BaseCollector.
type BaseContinuousCollector struct {
	BaseCollector
	status    CollectorStatus
	lastError error
}

func NewBaseContinuousCollector(metricType MetricType, name string, logger logr.Logger) BaseContinuousCollector {
	return BaseContinuousCollector{
		BaseCollector: NewBaseCollector(metricType, name, logger),
		status:        CollectorStatusDisabled,
	}
}

func (b *BaseContinuousCollector) Status() CollectorStatus { return b.status }
func (b *BaseContinuousCollector) LastError() error         { return b.lastError }

func (b *BaseContinuousCollector) SetStatus(status CollectorStatus) { b.status = status }

func (b *BaseContinuousCollector) SetError(err error) {
	b.lastError = err
	if err != nil {
		b.status = CollectorStatusFailed
		b.BaseCollector.logger.Error(err, "collector error")
	}
}

// ContinuousPointCollector wraps a PointCollector into a ContinuousCollector
// that calls Collect() on a fixed interval.
//
// Note: not goroutine-safe.
type ContinuousPointCollector struct {
	BaseContinuousCollector
	point   PointCollector
	ch      chan any
	stopped chan struct{}
	config  CollectionConfig
}

// NewContinuousPointCollector wraps point into a ContinuousCollector
// polling on config.Interval.
func NewContinuousPointCollector(point PointCollector, config CollectionConfig, logger logr.Logger) *ContinuousPointCollector {
	return &ContinuousPointCollector{
		BaseContinuousCollector: NewBaseContinuousCollector(point.Type(), point.Name(), logger),
		point:                   point,
		config:                  config,
		stopped:                 make(chan struct{}),
	}
}

func (c *ContinuousPointCollector) Start(ctx context.Context) (<-chan any, error) {
	if c.Status() != CollectorStatusDisabled {
		return nil, fmt.Errorf("collector already running")
	}
	c.ch = make(chan any, 1024)
	go c.start(ctx)
	c.SetStatus(CollectorStatusActive)
	return c.ch, nil
}

func (c *ContinuousPointCollector) start(ctx context.Context) {
	interval := c.config.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			data, err := c.point.Collect(ctx)
			c.SetError(err)
			if err != nil {
				c.SetStatus(CollectorStatusDegraded)
				continue
			}
			select {
			case c.ch <- data:
			default:
				// a stalled consumer must not block the collection tick
			}
		case <-ctx.Done():
			_ = c.Stop()
			return
		case <-c.stopped:
			return
		}
	}
}

func (c *ContinuousPointCollector) Stop() error {
	if c.Status() == CollectorStatusDisabled {
		return nil
	}
	if c.stopped != nil {
		close(c.stopped)
		c.stopped = nil
	}
	if c.ch != nil {
		close(c.ch)
		c.ch = nil
	}
	c.SetStatus(CollectorStatusDisabled)
	return nil
}
