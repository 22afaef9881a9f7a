// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package introspect

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
)

// Manager coordinates collector registration and snapshot assembly.
type Manager struct {
	config   CollectionConfig
	logger   logr.Logger
	registry *Registry
}

type ManagerOptions struct {
	Config CollectionConfig
	Logger logr.Logger
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Logger.GetSink() == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Manager{
		config:   opts.Config.ApplyDefaults(),
		logger:   opts.Logger.WithName("introspect-manager"),
		registry: NewRegistry(opts.Logger),
	}, nil
}

func (m *Manager) RegisterPointCollector(c PointCollector) error {
	return m.registry.RegisterPoint(c)
}

func (m *Manager) RegisterContinuousCollector(c ContinuousCollector) error {
	return m.registry.RegisterContinuous(c)
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) Config() CollectionConfig { return m.config }

// Snapshot runs every enabled point collector once and returns the combined
// result, keyed by metric type.
func (m *Manager) Snapshot(ctx context.Context) map[MetricType]any {
	out := make(map[MetricType]any)
	for _, c := range m.registry.EnabledPoint(m.config) {
		data, err := c.Collect(ctx)
		if err != nil {
			m.logger.Error(err, "collector failed", "type", c.Type())
			continue
		}
		out[c.Type()] = data
	}
	return out
}
