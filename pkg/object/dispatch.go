// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package object

import (
	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/vmm"
)

// NewKind selects the variant NewObject constructs.
type NewKind int

const (
	KindMemoryRegion NewKind = iota
	KindSubrange
	KindPermissionMask
	KindRoot
	KindDuplicate
	KindPipe
	KindMessagePipe
	// StreamTable is constructed by pkg/kernel, which owns the
	// request/response ring wiring; it is not dispatched here.
)

// New dispatches single-handle NewObject variants. a0/a1/a2 are
// interpreted per kind: MemoryRegion takes a0=size; Subrange takes
// a0=parent handle, a1=offset, a2=length; PermissionMask takes a0=parent
// handle, a1=rwx mask; Root and Duplicate take a0=handle to duplicate
// (Duplicate only) and ignore the rest.
func New(t *Table, kind NewKind, a0, a1, a2 uint64) (Handle, error) {
	switch kind {
	case KindMemoryRegion:
		return t.Insert(NewMemoryRegion(a0)), nil

	case KindSubrange:
		parent, err := t.Resolve(Handle(a0))
		if err != nil {
			return 0, err
		}
		sub, err := NewSubrange(parent, a1, a2)
		if err != nil {
			return 0, err
		}
		return t.Insert(sub), nil

	case KindPermissionMask:
		parent, err := t.Resolve(Handle(a0))
		if err != nil {
			return 0, err
		}
		return t.Insert(NewPermissionMask(parent, vmm.RWX(a1))), nil

	case KindRoot:
		return t.Insert(NewRoot()), nil

	case KindDuplicate:
		return t.Dup(Handle(a0))

	default:
		return 0, kerr.Of(kerr.InvalidArgument, "kind requires NewPaired")
	}
}

// NewPaired dispatches the NewObject variants that produce two linked
// handles in the same table (the creator holds both ends and later
// transfers one peer-ward via Table.ShareTo).
func NewPaired(t *Table, kind NewKind) (local, peer Handle, err error) {
	switch kind {
	case KindPipe:
		w, r := NewPipe()
		return t.Insert(w), t.Insert(r), nil
	case KindMessagePipe:
		w, r := NewMessagePipe()
		return t.Insert(w), t.Insert(r), nil
	default:
		return 0, 0, kerr.Of(kerr.InvalidArgument, "kind does not produce a pair")
	}
}
