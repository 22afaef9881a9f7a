// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package object implements the kernel object model and per-process handle
// table (C3): dense recyclable handles resolving to Objects in O(1), and the
// common operation surface every Object variant partially implements.
package object

import (
	"sync"
	"sync/atomic"

	"github.com/norostb/kernel/pkg/kerr"
)

// Handle is a 32-bit process-local identifier resolving to an Object.
type Handle uint32

// Whence selects the reference point for Seek.
type Whence int

const (
	SeekStart Whence = iota
	SeekCurrent
	SeekEnd
)

// Object is the common operation surface every handle target exposes.
// Variants implement only the operations that make sense for them;
// BaseObject supplies InvalidOperation for the rest.
type Object interface {
	Read(off uint64, length uint32) ([]byte, error)
	Peek(off uint64, length uint32) ([]byte, error)
	Write(data []byte) (uint32, error)
	GetMeta(prop string) ([]byte, error)
	SetMeta(prop string, val []byte) error
	Open(path string) (Object, error)
	Create(path string) (Object, error)
	Destroy(path string) error
	Seek(whence Whence, off int64) (uint64, error)
	Close() error
	Share(peer Handle) error

	// Kind reports the object's variant, for introspection and NewObject
	// dispatch bookkeeping.
	Kind() string
}

// BaseObject implements Object with InvalidOperation for every method,
// matching the rule that every object exposes the full operation surface
// but unsupported ops return InvalidOperation. Variants embed it and
// override only the operations they support.
type BaseObject struct {
	kind string
}

// NewBaseObject returns a BaseObject reporting the given kind.
func NewBaseObject(kind string) BaseObject { return BaseObject{kind: kind} }

func (b BaseObject) Kind() string { return b.kind }

func (b BaseObject) unsupported(op string) error {
	return kerr.Of(kerr.InvalidOperation, b.kind+" does not support "+op)
}

func (b BaseObject) Read(uint64, uint32) ([]byte, error) { return nil, b.unsupported("Read") }
func (b BaseObject) Peek(uint64, uint32) ([]byte, error) { return nil, b.unsupported("Peek") }
func (b BaseObject) Write([]byte) (uint32, error)        { return 0, b.unsupported("Write") }
func (b BaseObject) GetMeta(string) ([]byte, error)      { return nil, b.unsupported("GetMeta") }
func (b BaseObject) SetMeta(string, []byte) error        { return b.unsupported("SetMeta") }
func (b BaseObject) Open(string) (Object, error)         { return nil, b.unsupported("Open") }
func (b BaseObject) Create(string) (Object, error)        { return nil, b.unsupported("Create") }
func (b BaseObject) Destroy(string) error                { return b.unsupported("Destroy") }
func (b BaseObject) Seek(Whence, int64) (uint64, error)   { return 0, b.unsupported("Seek") }
func (b BaseObject) Close() error                         { return nil }
func (b BaseObject) Share(Handle) error                   { return b.unsupported("Share") }

// ref is a shared, refcounted holder for an Object. The same *ref may be
// installed in many handle-table slots, across many processes (Share,
// Dup), so the object is only destroyed once the last slot referencing it
// closes.
type ref struct {
	obj      Object
	refcount int32
}

// Table is a process's dense, recyclable handle table. It grows but never
// shrinks, matching "the table grows but does not shrink", and resolves a
// handle to an Object in O(1).
type Table struct {
	mu       sync.Mutex
	entries  []*ref
	freeList []uint32
}

// NewTable returns an empty handle table.
func NewTable() *Table {
	return &Table{}
}

// Insert adds obj with one reference and returns its handle.
func (t *Table) Insert(obj Object) Handle {
	return t.insertRef(&ref{obj: obj, refcount: 1})
}

func (t *Table) insertRef(r *ref) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[idx] = r
		return Handle(idx)
	}
	t.entries = append(t.entries, r)
	return Handle(len(t.entries) - 1)
}

// Resolve returns the Object for h in O(1), or InvalidHandle.
func (t *Table) Resolve(h Handle) (Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.lookup(h)
	if err != nil {
		return nil, err
	}
	return r.obj, nil
}

func (t *Table) lookup(h Handle) (*ref, error) {
	if int(h) >= len(t.entries) || t.entries[h] == nil {
		return nil, kerr.Of(kerr.InvalidHandle, "handle does not resolve to an object")
	}
	return t.entries[h], nil
}

// Dup installs another handle for the same underlying Object referenced by
// h, in this table, bumping the object's shared reference count. This
// backs the NewObject "Duplicate" variant.
func (t *Table) Dup(h Handle) (Handle, error) {
	t.mu.Lock()
	r, err := t.lookup(h)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	atomic.AddInt32(&r.refcount, 1)
	return t.insertRef(r), nil
}

// ShareTo installs another handle for the Object referenced by h into dst
// (a different process's table), bumping the shared reference count. This
// backs the Share operation, which transfers a handle to the peer of a
// pipe or stream table.
func (t *Table) ShareTo(h Handle, dst *Table) (Handle, error) {
	t.mu.Lock()
	r, err := t.lookup(h)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	atomic.AddInt32(&r.refcount, 1)
	return dst.insertRef(r), nil
}

// Close decrements h's reference count and recycles the slot. When the
// underlying object's reference count reaches zero, its Close is invoked,
// triggering destruction (flushing pipes, releasing shared-set references,
// etc. — each variant's own Close implements that).
func (t *Table) Close(h Handle) error {
	t.mu.Lock()
	r, err := t.lookup(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.entries[h] = nil
	t.freeList = append(t.freeList, uint32(h))
	t.mu.Unlock()

	if atomic.AddInt32(&r.refcount, -1) == 0 {
		return r.obj.Close()
	}
	return nil
}

// Len reports the number of live (non-free) handle slots, for
// introspection.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) - len(t.freeList)
}

// CloseAll releases every live handle still open in t, the bulk-teardown
// path process exit uses: each live handle is closed exactly as Close
// would, so shared objects are only destroyed once their last referencing
// table (in any process) has released them.
func (t *Table) CloseAll() error {
	t.mu.Lock()
	live := make([]Handle, 0, len(t.entries)-len(t.freeList))
	for h, r := range t.entries {
		if r != nil {
			live = append(live, Handle(h))
		}
	}
	t.mu.Unlock()

	var first error
	for _, h := range live {
		if err := t.Close(h); err != nil && first == nil {
			first = err
		}
	}
	return first
}
