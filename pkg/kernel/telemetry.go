// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"github.com/norostb/kernel/pkg/introspect"
	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/telemetry"
)

// Event kind aliases keep call sites in this package from repeating the
// telemetry import's full qualifier at every Append call.
const (
	telemetryProcessExit   = telemetry.EventProcessExit
	telemetryObjectCreate  = telemetry.EventObjectCreate
	telemetryObjectDestroy = telemetry.EventObjectDestroy
	telemetryPageFault     = telemetry.EventPageFaultDelivery
)

func telemetryEvent(kind telemetry.EventKind, pid, oid uint64, code kerr.Code, detail string) telemetry.Event {
	return telemetry.Event{Kind: kind, ProcessID: pid, ObjectID: oid, Code: code, Detail: detail}
}

// Telemetry returns the kernel's lifecycle event ledger, or nil if telemetry
// failed to initialize (badger.Open is the only failure mode, and a
// telemetry-less kernel still functions — every Append call site checks for
// nil first).
func (k *Kernel) Telemetry() *telemetry.Ledger { return k.telemetry }

// Introspect returns the kernel's self-observability manager.
func (k *Kernel) Introspect() *introspect.Manager { return k.introspect }
