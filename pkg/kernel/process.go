// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"sync"

	"github.com/norostb/kernel/pkg/ioqueue"
	"github.com/norostb/kernel/pkg/object"
	"github.com/norostb/kernel/pkg/sched"
	"github.com/norostb/kernel/pkg/streamtable"
	"github.com/norostb/kernel/pkg/vmm"
)

// NotificationKind identifies which of a process's registerable
// notification handlers a thread hop delivers to.
type NotificationKind int

const (
	NotifyExit NotificationKind = iota
	NotifyPageFault
	NotifyMemoryExhaustion
)

// Handler is a registered notification target: the instruction pointer the
// delivering thread hop sets and the stack pointer the target process
// provides for the handler to run on.
type Handler struct {
	IP uint64
	SP uint64
}

// Process is the per-process kernel state: one address space, a handle
// table, a group, its threads (by stable arena Index), its pending IPC
// checkpoints (via the embedded sched.Process), and optional notification
// handlers.
type Process struct {
	Sched sched.Process
	Group *sched.Group
	AS    *vmm.AddressSpace

	Handles *object.Table

	mu           sync.Mutex
	IoQueues     map[uint64]*ioqueue.Queue     // keyed by the shared-page base address the process named in CreateIoQueue
	StreamTables map[object.Handle]*streamtable.Table
	Handlers     map[NotificationKind]Handler
	Threads      []Index // thread arena indices owned by this process

	exited   bool
	exitCode int32
}

func newProcess(pid uint64, group *sched.Group, as *vmm.AddressSpace) *Process {
	return &Process{
		Sched:        sched.Process{ID: pid},
		Group:        group,
		AS:           as,
		Handles:      object.NewTable(),
		IoQueues:     make(map[uint64]*ioqueue.Queue),
		StreamTables: make(map[object.Handle]*streamtable.Table),
		Handlers:     make(map[NotificationKind]Handler),
	}
}

// RegisterHandler installs (or replaces) p's handler for kind.
func (p *Process) RegisterHandler(kind NotificationKind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Handlers[kind] = h
}

func (p *Process) handler(kind NotificationKind) (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.Handlers[kind]
	return h, ok
}

func (p *Process) addThread(idx Index) {
	p.mu.Lock()
	p.Threads = append(p.Threads, idx)
	p.mu.Unlock()
}

func (p *Process) addIoQueue(base uint64, q *ioqueue.Queue) {
	p.mu.Lock()
	p.IoQueues[base] = q
	p.mu.Unlock()
}

func (p *Process) ioQueue(base uint64) (*ioqueue.Queue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.IoQueues[base]
	return q, ok
}

func (p *Process) removeIoQueue(base uint64) {
	p.mu.Lock()
	delete(p.IoQueues, base)
	p.mu.Unlock()
}

func (p *Process) markExited(code int32) {
	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()
}

// Exited reports whether p has run Exit/ExitThread on its last thread.
func (p *Process) Exited() (bool, int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitCode
}
