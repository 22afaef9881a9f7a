// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package streamtable

import (
	"sync"

	"github.com/norostb/kernel/pkg/kerr"
)

// arenaAlign is the byte alignment every allocation is rounded up to, large
// enough for any inline payload the kernel itself writes (u64 result
// fields).
const arenaAlign = 8

// arena is the stream table's buffer arena: a contiguous byte region used
// for inline request/response payloads. Allocation takes the first freed
// block large enough, and only when none fits bumps a pointer over
// never-yet-used bytes.
type arena struct {
	mu   sync.Mutex
	data []byte
	bump uint32
	free []Slice
}

func newArena(size uint32) *arena {
	return &arena{data: make([]byte, size)}
}

func roundUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

func (a *arena) alloc(length uint32) (Slice, error) {
	if length == 0 {
		return Slice{}, nil
	}
	need := roundUp(length, arenaAlign)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, f := range a.free {
		if f.Length >= need {
			a.free = append(a.free[:i], a.free[i+1:]...)
			if f.Length > need {
				a.free = append(a.free, Slice{Offset: f.Offset + need, Length: f.Length - need})
			}
			return Slice{Offset: f.Offset, Length: length}, nil
		}
	}

	if uint64(a.bump)+uint64(need) > uint64(len(a.data)) {
		return Slice{}, kerr.Of(kerr.OutOfMemory, "stream table buffer arena exhausted")
	}
	s := Slice{Offset: a.bump, Length: length}
	a.bump += need
	return s, nil
}

func (a *arena) release(s Slice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, Slice{Offset: s.Offset, Length: roundUp(s.Length, arenaAlign)})
}

func (a *arena) bounds(s Slice) error {
	if uint64(s.Offset)+uint64(s.Length) > uint64(len(a.data)) {
		return kerr.Of(kerr.InvalidArgument, "slice out of buffer arena bounds")
	}
	return nil
}

func (a *arena) write(s Slice, data []byte) error {
	if uint32(len(data)) > s.Length {
		return kerr.Of(kerr.InvalidArgument, "write overruns slice")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bounds(s); err != nil {
		return err
	}
	copy(a.data[s.Offset:], data)
	return nil
}

func (a *arena) read(s Slice) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bounds(s); err != nil {
		return nil, err
	}
	out := make([]byte, s.Length)
	copy(out, a.data[s.Offset:s.Offset+s.Length])
	return out, nil
}
