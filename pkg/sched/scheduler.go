// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"container/heap"
	"sync"

	"github.com/go-logr/logr"

	"github.com/norostb/kernel/pkg/kerr"
)

// groupHeap is a min-heap of *Group keyed by dynamic priority credit: the
// group with the LEAST accumulated on-CPU credit is picked next, the same
// debt-forgiveness principle a fair-share scheduler uses (run whoever has
// run the least), with accrued credit decaying back down over time so a
// group that was busy earlier isn't punished forever. Ties are broken by
// insertion sequence, giving round-robin among equal-priority groups.
type groupHeap []*Group

func (h groupHeap) Len() int { return len(h) }
func (h groupHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h groupHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}
func (h *groupHeap) Push(x any) {
	g := x.(*Group)
	g.heapIdx = len(*h)
	*h = append(*h, g)
}
func (h *groupHeap) Pop() any {
	old := *h
	n := len(old)
	g := old[n-1]
	old[n-1] = nil
	g.heapIdx = -1
	*h = old[:n-1]
	return g
}

// Scheduler owns the global priority queue of process groups and the set
// of per-hart Executors pulling work from it.
type Scheduler struct {
	mu      sync.Mutex
	queue   groupHeap
	nextSeq uint64
	log     logr.Logger
}

// New returns an empty Scheduler.
func New(log logr.Logger) *Scheduler {
	s := &Scheduler{log: log.WithName("sched")}
	heap.Init(&s.queue)
	return s
}

// AddGroup admits g into the priority queue, marking it runnable.
func (s *Scheduler) AddGroup(g *Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.heapIdx >= 0 {
		return // already queued
	}
	g.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.queue, g)
}

// removeGroup takes g out of the priority queue (it has no more runnable
// threads). Must be called with s.mu held.
func (s *Scheduler) removeGroup(g *Group) {
	if g.heapIdx < 0 || g.heapIdx >= len(s.queue) {
		return
	}
	heap.Remove(&s.queue, g.heapIdx)
}

// PickThread selects the next thread to run: the next runnable thread of
// the group with the least dynamic priority credit, round-robin within the
// group. Groups that
// run out of runnable threads are evicted from the queue; groups that
// still have runnable threads after their pick are reinserted at the back
// of their priority tier.
func (s *Scheduler) PickThread() (*Thread, *Group, bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil, nil, false
	}
	g := s.queue[0]
	s.mu.Unlock()

	t, ok := g.Next()
	if !ok {
		s.mu.Lock()
		s.removeGroup(g)
		s.mu.Unlock()
		return s.PickThread()
	}

	g.onScheduled()
	s.mu.Lock()
	heap.Fix(&s.queue, g.heapIdx)
	s.mu.Unlock()
	return t, g, true
}

// Tick applies one aging step to every queued group's dynamic priority,
// called on a fixed scheduler cadence.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.queue {
		g.decay()
	}
	heap.Init(&s.queue)
}

// Suspend removes t from its group's runnable list, e.g. because it
// issued a blocking syscall.
func (s *Scheduler) Suspend(t *Thread) {
	t.State = StateBlocked
	t.Group.Remove(t)
	s.mu.Lock()
	if t.Group.Runnable() == 0 {
		s.removeGroup(t.Group)
	}
	s.mu.Unlock()
}

// Wake re-admits t to its group round-robin, re-queuing the group if it
// had fallen out of the priority queue.
func (s *Scheduler) Wake(t *Thread) error {
	if err := t.Group.Enqueue(t); err != nil {
		return err
	}
	s.AddGroup(t.Group)
	return nil
}

// Executor is a permanently-running per-hart loop: scratch space for
// privilege transitions plus the currently running thread, if any. Unlike
// gopool's transient workers, an Executor never returns to a shared pool —
// it owns exactly one simulated hart for the kernel's lifetime.
type Executor struct {
	ID      int
	sched   *Scheduler
	current *Thread
	mu      sync.Mutex
}

// NewExecutor binds a new Executor, identified by hart id, to sched.
func NewExecutor(id int, sched *Scheduler) *Executor {
	return &Executor{ID: id, sched: sched}
}

// RunOne picks and "runs" one thread, invoking step (the caller's
// instruction-level simulation or test hook) with it, then returns it to
// StateReady unless step put it into StateBlocked or StateExited.
func (e *Executor) RunOne(step func(*Thread)) bool {
	t, g, ok := e.sched.PickThread()
	if !ok {
		return false
	}

	e.mu.Lock()
	e.current = t
	e.mu.Unlock()
	t.State = StateRunning
	t.executor = e

	step(t)

	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
	t.executor = nil

	switch t.State {
	case StateBlocked, StateExited:
		g.Remove(t)
		if g.Runnable() == 0 {
			e.sched.mu.Lock()
			e.sched.removeGroup(g)
			e.sched.mu.Unlock()
		}
	default:
		t.State = StateReady
	}
	return true
}

// Current returns the thread this executor is currently running, if any.
func (e *Executor) Current() *Thread {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Hop reinterprets caller's saved register file in the target process's
// address space: the instruction pointer is set to the target's
// notification handler and the stack pointer to the stack the target
// provides. If withCheckpoint is true, a Checkpoint recording the caller's
// prior SP/IP is recorded against target, so the caller may later resume
// by consuming it.
func Hop(caller *Thread, handlerIP, targetSP uint64, target *Process, withCheckpoint bool) {
	if withCheckpoint {
		target.Checkpoints = append(target.Checkpoints, Checkpoint{
			Caller: caller,
			SP:     caller.Regs.SP,
			IP:     caller.Regs.IP,
		})
	}
	caller.Regs.IP = handlerIP
	caller.Regs.SP = targetSP
	caller.Process = target.ID
}

// Process is the minimal view of a process Hop and checkpoint delivery
// need: its identity and its pending checkpoints. pkg/kernel's Process
// embeds or adapts to this.
type Process struct {
	ID          uint64
	Checkpoints []Checkpoint
}

// NotifyDeath enumerates target's pending checkpoints and delivers notify
// to each owner instead of silently dropping them, per the callee-death
// contract.
func NotifyDeath(target *Process, notify func(owner *Thread, code kerr.Code)) {
	for _, cp := range target.Checkpoints {
		notify(cp.Caller, kerr.ServerGone)
	}
	target.Checkpoints = nil
}
