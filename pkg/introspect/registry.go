// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package introspect

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Registry holds the set of registered collectors, keyed by MetricType.
type Registry struct {
	point      map[MetricType]PointCollector
	continuous map[MetricType]ContinuousCollector
	logger     logr.Logger
}

func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		point:      make(map[MetricType]PointCollector),
		continuous: make(map[MetricType]ContinuousCollector),
		logger:     logger.WithName("introspect-registry"),
	}
}

func (r *Registry) RegisterPoint(c PointCollector) error {
	if c == nil {
		return fmt.Errorf("cannot register nil collector")
	}
	t := c.Type()
	if _, ok := r.point[t]; ok {
		return fmt.Errorf("point collector for %s already registered", t)
	}
	if _, ok := r.continuous[t]; ok {
		return fmt.Errorf("continuous collector for %s already registered", t)
	}
	r.point[t] = c
	r.logger.Info("registered point collector", "type", t, "name", c.Name())
	return nil
}

func (r *Registry) RegisterContinuous(c ContinuousCollector) error {
	if c == nil {
		return fmt.Errorf("cannot register nil collector")
	}
	t := c.Type()
	if _, ok := r.continuous[t]; ok {
		return fmt.Errorf("continuous collector for %s already registered", t)
	}
	if _, ok := r.point[t]; ok {
		return fmt.Errorf("point collector for %s already registered", t)
	}
	r.continuous[t] = c
	r.logger.Info("registered continuous collector", "type", t, "name", c.Name())
	return nil
}

func (r *Registry) GetPoint(t MetricType) PointCollector { return r.point[t] }

func (r *Registry) GetContinuous(t MetricType) ContinuousCollector { return r.continuous[t] }

func (r *Registry) AllPoint() []PointCollector {
	out := make([]PointCollector, 0, len(r.point))
	for _, c := range r.point {
		out = append(out, c)
	}
	return out
}

func (r *Registry) AllContinuous() []ContinuousCollector {
	out := make([]ContinuousCollector, 0, len(r.continuous))
	for _, c := range r.continuous {
		out = append(out, c)
	}
	return out
}

func (r *Registry) EnabledPoint(config CollectionConfig) []PointCollector {
	var out []PointCollector
	for t, c := range r.point {
		if config.EnabledCollectors[t] {
			out = append(out, c)
		}
	}
	return out
}
