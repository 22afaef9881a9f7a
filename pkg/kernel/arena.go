// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"sync"

	"github.com/norostb/kernel/pkg/kerr"
)

// Index is a stable reference into an Arena: a 32-bit slot plus a 32-bit
// generation tag. Cross-structures (a thread's owning process, a process's
// pending checkpoints) store an Index rather than a Go pointer, so that a
// stale reference to a recycled slot is detectable instead of silently
// resolving to whatever was reinserted there. Storing indices rather than
// pointers is what breaks the process/thread/handle-table reference cycle.
type Index struct {
	Slot uint32
	Gen  uint32
}

// Arena is a slab of T, indexed by generation-tagged Index, so entries can
// be freed and their slots reused without invalidating indices held
// elsewhere (a stale Index's generation will simply fail to match).
type Arena[T any] struct {
	mu    sync.Mutex
	slots []T
	gens  []uint32
	live  []bool
	free  []uint32
}

// NewArena returns an empty Arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v in a free slot (or a newly appended one) and returns its
// stable Index.
func (a *Arena[T]) Insert(v T) Index {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[slot] = v
		a.live[slot] = true
		return Index{Slot: slot, Gen: a.gens[slot]}
	}

	slot := uint32(len(a.slots))
	a.slots = append(a.slots, v)
	a.gens = append(a.gens, 0)
	a.live = append(a.live, true)
	return Index{Slot: slot, Gen: 0}
}

// Get resolves idx to its value, failing with InvalidArgument if idx names
// a free slot or a generation that has since moved on.
func (a *Arena[T]) Get(idx Index) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	if int(idx.Slot) >= len(a.slots) || !a.live[idx.Slot] || a.gens[idx.Slot] != idx.Gen {
		return zero, kerr.Of(kerr.InvalidArgument, "stale or unknown arena index")
	}
	return a.slots[idx.Slot], nil
}

// Remove frees idx's slot, bumping its generation so any other outstanding
// Index referencing the old occupant now fails to resolve.
func (a *Arena[T]) Remove(idx Index) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(idx.Slot) >= len(a.slots) || !a.live[idx.Slot] || a.gens[idx.Slot] != idx.Gen {
		return kerr.Of(kerr.InvalidArgument, "stale or unknown arena index")
	}
	var zero T
	a.slots[idx.Slot] = zero
	a.live[idx.Slot] = false
	a.gens[idx.Slot]++
	a.free = append(a.free, idx.Slot)
	return nil
}

// Each calls fn for every currently live entry, for introspection scans.
// fn must not call back into the Arena.
func (a *Arena[T]) Each(fn func(Index, T)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for slot, alive := range a.live {
		if alive {
			fn(Index{Slot: uint32(slot), Gen: a.gens[slot]}, a.slots[slot])
		}
	}
}

// Len reports the number of live entries.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}
