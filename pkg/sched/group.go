// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"sync"

	"github.com/cloudwego/gopkg/container/ring"

	"github.com/norostb/kernel/pkg/kerr"
)

// groupCapacity bounds how many runnable threads a single group's circular
// list can hold at once. The ring backing a group is fixed-size and
// non-resizable, so this is a hard cap.
const groupCapacity = 1024

// Group is the priority and accounting unit: a circular list of runnable
// threads plus a dynamic priority that rises while its threads run and
// decays on a fixed aging tick.
type Group struct {
	ID uint64

	mu       sync.Mutex
	slots    *ring.Ring[*Thread]
	free     []int
	cursor   int // index of the next candidate to schedule, round-robin
	runnable int

	priority int64 // dynamic priority credit
	seq      uint64 // tie-break sequence, set on every priority-queue (re)insertion
	heapIdx  int    // maintained by the priority queue's container/heap plumbing
}

// NewGroup returns an empty group with a fixed-capacity runnable list.
func NewGroup(id uint64) *Group {
	slice := make([]*Thread, groupCapacity)
	g := &Group{
		ID:    id,
		slots: ring.NewFromSlice(slice),
	}
	g.free = make([]int, groupCapacity)
	for i := range g.free {
		g.free[i] = groupCapacity - 1 - i
	}
	return g
}

// Enqueue appends t to the group's runnable circular list, round-robin
// (new threads become the last candidate considered in the current
// rotation).
func (g *Group) Enqueue(t *Thread) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.free) == 0 {
		return kerr.Of(kerr.OutOfMemory, "group runnable list at capacity")
	}
	idx := g.free[len(g.free)-1]
	g.free = g.free[:len(g.free)-1]

	item, _ := g.slots.Get(idx)
	*item.Pointer() = t
	t.slot = idx
	t.State = StateReady
	g.runnable++
	return nil
}

// Next returns the next runnable thread in round-robin order and advances
// the cursor past it, or (nil, false) if the group has no runnable
// threads. The returned thread remains enqueued (still StateReady) until
// Remove is called — Next is a peek-and-advance, not a pop, matching "on
// wakeup it is appended round-robin to its group" (threads cycle through,
// they are not removed merely by being selected to run once).
func (g *Group) Next() (*Thread, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.runnable == 0 {
		return nil, false
	}
	start := g.cursor
	for i := 0; i < groupCapacity; i++ {
		item, ok := g.slots.Get(g.cursor)
		if !ok {
			g.cursor = 0
			continue
		}
		cur := g.cursor
		if nextItem, ok := g.slots.Next(cur); ok {
			g.cursor = nextItem.Index()
		}
		if t := item.Value(); t != nil {
			return t, true
		}
		if g.cursor == start {
			break
		}
	}
	return nil, false
}

// Remove takes t out of the group's runnable list (it suspended or
// exited).
func (g *Group) Remove(t *Thread) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.slot < 0 {
		return
	}
	item, ok := g.slots.Get(t.slot)
	if ok {
		*item.Pointer() = nil
	}
	g.free = append(g.free, t.slot)
	g.runnable--
	t.slot = -1
}

// Runnable reports how many threads are currently runnable in the group.
func (g *Group) Runnable() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runnable
}

const (
	agingCreditPerTick = 4
	agingDecayNum      = 3
	agingDecayDen       = 4
)

// onScheduled bumps the group's dynamic priority credit, called once per
// scheduler tick a thread from this group is actually running.
func (g *Group) onScheduled() {
	g.mu.Lock()
	g.priority += agingCreditPerTick
	g.mu.Unlock()
}

// decay applies one aging tick's geometric decay to the group's priority,
// called for every group on a fixed scheduler tick regardless of whether
// it ran.
func (g *Group) decay() {
	g.mu.Lock()
	g.priority = g.priority * agingDecayNum / agingDecayDen
	g.mu.Unlock()
}

// Priority reports the group's current dynamic priority.
func (g *Group) Priority() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.priority
}
