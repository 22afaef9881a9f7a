// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package object_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/object"
	"github.com/norostb/kernel/pkg/vmm"
)

func TestHandleTableInsertResolveClose(t *testing.T) {
	tbl := object.NewTable()
	h := tbl.Insert(object.NewMemoryRegion(16))

	obj, err := tbl.Resolve(h)
	require.NoError(t, err)
	assert.Equal(t, "MemoryRegion", obj.Kind())

	require.NoError(t, tbl.Close(h))
	_, err = tbl.Resolve(h)
	require.Error(t, err)
	assert.Equal(t, kerr.InvalidHandle, kerr.CodeOf(err))
}

func TestHandlesAreRecycled(t *testing.T) {
	tbl := object.NewTable()
	h1 := tbl.Insert(object.NewMemoryRegion(0))
	require.NoError(t, tbl.Close(h1))
	h2 := tbl.Insert(object.NewMemoryRegion(0))
	assert.Equal(t, h1, h2, "closed slot should be reused, table never shrinks")
}

func TestDupSharesUnderlyingObjectRefcount(t *testing.T) {
	tbl := object.NewTable()
	h1 := tbl.Insert(object.NewMemoryRegion(8))
	h2, err := tbl.Dup(h1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	o1, err := tbl.Resolve(h1)
	require.NoError(t, err)
	o2, err := tbl.Resolve(h2)
	require.NoError(t, err)
	assert.Same(t, o1, o2, "dup must resolve to the identical object")

	// Closing one handle must not destroy the object while the other
	// handle still references it.
	require.NoError(t, tbl.Close(h1))
	_, err = o2.GetMeta("size")
	require.NoError(t, err)

	require.NoError(t, tbl.Close(h2))
}

func TestShareToOtherTable(t *testing.T) {
	src := object.NewTable()
	dst := object.NewTable()

	h := src.Insert(object.NewMemoryRegion(4))
	ph, err := src.ShareTo(h, dst)
	require.NoError(t, err)

	o1, err := src.Resolve(h)
	require.NoError(t, err)
	o2, err := dst.Resolve(ph)
	require.NoError(t, err)
	assert.Same(t, o1, o2)
}

func TestMemoryRegionReadWriteSeek(t *testing.T) {
	r := object.NewMemoryRegion(8)
	n, err := r.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	pos, err := r.Seek(object.SeekStart, 0)
	require.NoError(t, err)
	assert.Zero(t, pos)

	got, err := r.Read(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got)

	_, err = r.Write(make([]byte, 100))
	require.Error(t, err)
	assert.Equal(t, kerr.InvalidArgument, kerr.CodeOf(err))
}

func TestUnsupportedOpReturnsInvalidOperation(t *testing.T) {
	r := object.NewRoot()
	_, err := r.Read(0, 1)
	require.Error(t, err)
	assert.Equal(t, kerr.InvalidOperation, kerr.CodeOf(err))
}

func TestSubrangeBoundsChecking(t *testing.T) {
	parent := object.NewMemoryRegion(16)
	sub, err := object.NewSubrange(parent, 4, 8)
	require.NoError(t, err)

	_, err = sub.Read(7, 4) // 7+4 > 8
	require.Error(t, err)
	assert.Equal(t, kerr.InvalidArgument, kerr.CodeOf(err))

	got, err := sub.Read(0, 4)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestPermissionMaskRejectsDeniedOps(t *testing.T) {
	parent := object.NewMemoryRegion(16)
	mask := object.NewPermissionMask(parent, vmm.Read)

	_, err := mask.Write([]byte("x"))
	require.Error(t, err)
	assert.Equal(t, kerr.PermissionDenied, kerr.CodeOf(err))

	_, err = mask.Read(0, 1)
	require.NoError(t, err)
}

func TestRootOpenCreateDestroy(t *testing.T) {
	root := object.NewRoot()

	_, err := root.Open("missing")
	require.Error(t, err)
	assert.Equal(t, kerr.NotFound, kerr.CodeOf(err))

	_, err = root.Create("file")
	require.NoError(t, err)

	_, err = root.Create("file")
	require.Error(t, err)
	assert.Equal(t, kerr.AlreadyExists, kerr.CodeOf(err))

	_, err = root.Open("file")
	require.NoError(t, err)

	require.NoError(t, root.Destroy("file"))
	_, err = root.Open("file")
	require.Error(t, err)
}

func TestPipeStreamsBytesInOrder(t *testing.T) {
	w, r := object.NewPipe()

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), n)

	got, err := r.Read(0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, w.Close())
	_, err = r.Read(0, 5)
	require.Error(t, err)
	assert.Equal(t, kerr.Closed, kerr.CodeOf(err))
}

func TestMessagePipePreservesBoundaries(t *testing.T) {
	w, r := object.NewMessagePipe()

	_, err := w.Write([]byte("one"))
	require.NoError(t, err)
	_, err = w.Write([]byte("two"))
	require.NoError(t, err)

	m1, err := r.Read(0, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), m1)

	m2, err := r.Read(0, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), m2)
}

func TestNewObjectDispatchMemoryRegionAndSubrange(t *testing.T) {
	tbl := object.NewTable()

	h, err := object.New(tbl, object.KindMemoryRegion, 16, 0, 0)
	require.NoError(t, err)

	sh, err := object.New(tbl, object.KindSubrange, uint64(h), 2, 4)
	require.NoError(t, err)

	obj, err := tbl.Resolve(sh)
	require.NoError(t, err)
	assert.Equal(t, "MemorySubrange", obj.Kind())
}

func TestNewPairedPipe(t *testing.T) {
	tbl := object.NewTable()
	w, r, err := object.NewPaired(tbl, object.KindPipe)
	require.NoError(t, err)
	assert.NotEqual(t, w, r)

	wo, _ := tbl.Resolve(w)
	_, err = wo.Write([]byte("x"))
	require.NoError(t, err)

	ro, _ := tbl.Resolve(r)
	got, err := ro.Read(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}
