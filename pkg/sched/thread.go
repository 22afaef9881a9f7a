// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched implements the preemptive scheduler and thread model (C5):
// per-hart Executors, per-process-group priority queues with dynamic
// priority aging, and thread hopping for IPC.
package sched

// State is a thread's current scheduling state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateExited
)

// Regs is the saved general-purpose register file, captured unconditionally
// on every switch.
type Regs struct {
	GP [32]uint64
	IP uint64
	SP uint64
}

// ExtendedState is the lazily-allocated FPU/SSE/AVX backing store, created
// on first use (guarded, in real hardware, by a device-not-available
// fault).
type ExtendedState struct {
	Data []byte
}

// Thread is saved register state plus a reference to its owning process
// and current executor, if running.
type Thread struct {
	ID      uint64
	Process uint64
	Group   *Group

	Regs  Regs
	Ext   *ExtendedState
	State State

	executor *Executor // non-nil while StateRunning
	slot     int        // index into Group's ring while StateReady; -1 otherwise
}

// EnsureExtendedState lazily allocates the thread's FPU/SSE/AVX backing
// store on first use.
func (t *Thread) EnsureExtendedState() *ExtendedState {
	if t.Ext == nil {
		t.Ext = &ExtendedState{Data: make([]byte, 512)} // FXSAVE-sized area
	}
	return t.Ext
}

// Checkpoint records a hopped-from caller's stack pointer and instruction
// pointer in the callee's process, so the callee may later return to the
// caller by consuming it.
type Checkpoint struct {
	Caller *Thread
	SP     uint64
	IP     uint64
}
