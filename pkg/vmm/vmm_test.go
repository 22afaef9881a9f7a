// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmm_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norostb/kernel/pkg/frame"
	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/vmm"
)

func newSpace(t *testing.T, proc uint64) (*vmm.AddressSpace, *frame.Allocator) {
	t.Helper()
	alloc := frame.NewAllocator(logr.Discard(), 1<<16, 2)
	return vmm.NewAddressSpace(logr.Discard(), proc, alloc), alloc
}

func TestMapAnonymousAndUnmap(t *testing.T) {
	as, _ := newSpace(t, 1)

	r := vmm.VRange{Base: 0x400000, Length: 0x1000}
	require.NoError(t, as.Map(r, vmm.Source{Kind: vmm.SourceAnonymous}, vmm.Read|vmm.Write))

	m, ok := as.Lookup(0x400000)
	require.True(t, ok)
	assert.Equal(t, vmm.Read|vmm.Write, m.Perm)

	require.NoError(t, as.Unmap(r))
	_, ok = as.Lookup(0x400000)
	assert.False(t, ok)
}

func TestMapRejectsOverlap(t *testing.T) {
	as, _ := newSpace(t, 1)
	r1 := vmm.VRange{Base: 0x1000, Length: 0x1000}
	r2 := vmm.VRange{Base: 0x1000, Length: 0x2000}

	require.NoError(t, as.Map(r1, vmm.Source{Kind: vmm.SourceAnonymous}, vmm.Read))
	err := as.Map(r2, vmm.Source{Kind: vmm.SourceAnonymous}, vmm.Read)
	require.Error(t, err)
	assert.Equal(t, kerr.AddressRangeConflict, kerr.CodeOf(err))
}

func TestMapRejectsMisalignedRange(t *testing.T) {
	as, _ := newSpace(t, 1)
	err := as.Map(vmm.VRange{Base: 0x1001, Length: 0x1000}, vmm.Source{Kind: vmm.SourceAnonymous}, vmm.Read)
	require.Error(t, err)
	assert.Equal(t, kerr.InvalidArgument, kerr.CodeOf(err))
}

func TestHugePagePromotion(t *testing.T) {
	as, _ := newSpace(t, 1)
	r := vmm.VRange{Base: 0, Length: frame.Size2M.Bytes()}
	require.NoError(t, as.Map(r, vmm.Source{Kind: vmm.SourceAnonymous}, vmm.Read|vmm.Write))

	m, ok := as.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, frame.Size2M, m.Huge)
}

func TestPartialUnmapDemotesHugeMapping(t *testing.T) {
	as, _ := newSpace(t, 1)
	base := uint64(0)
	r := vmm.VRange{Base: base, Length: frame.Size2M.Bytes()}
	require.NoError(t, as.Map(r, vmm.Source{Kind: vmm.SourceAnonymous}, vmm.Read|vmm.Write))

	sub := vmm.VRange{Base: base, Length: frame.Size4K.Bytes()}
	require.NoError(t, as.Unmap(sub))

	_, ok := as.Lookup(base)
	assert.False(t, ok, "the unmapped sub-range should no longer resolve")

	rest, ok := as.Lookup(base + frame.Size4K.Bytes())
	require.True(t, ok, "the rest of the demoted huge mapping should remain mapped at base-page granularity")
	assert.Equal(t, frame.Size4K, rest.Huge)
}

func TestPermissionMaskRejectsEscalation(t *testing.T) {
	_, err := vmm.PermissionMask(vmm.Read, vmm.Read|vmm.Write)
	require.Error(t, err)
	assert.Equal(t, kerr.PermissionDenied, kerr.CodeOf(err))

	masked, err := vmm.PermissionMask(vmm.Read|vmm.Write, vmm.Read)
	require.NoError(t, err)
	assert.Equal(t, vmm.Read, masked)
}

func TestSharedSetRefcountingAcrossProcesses(t *testing.T) {
	alloc := frame.NewAllocator(logr.Discard(), 1<<12, 1)
	set := vmm.NewSharedSet(1)
	f, err := alloc.Alloc(0, 1, frame.Size4K)
	require.NoError(t, err)
	require.NoError(t, set.AddFrame(1, f))

	asA := vmm.NewAddressSpace(logr.Discard(), 1, alloc)
	asB := vmm.NewAddressSpace(logr.Discard(), 2, alloc)

	r := vmm.VRange{Base: 0x2000, Length: frame.Size4K.Bytes()}
	require.NoError(t, asA.Map(r, vmm.Source{Kind: vmm.SourceSharedSet, Set: set}, vmm.Read))
	require.NoError(t, asB.Map(r, vmm.Source{Kind: vmm.SourceSharedSet, Set: set}, vmm.Read))

	require.NoError(t, asA.Unmap(r))
	assert.Equal(t, uint64(1), alloc.Occupancy(), "the set frame stays allocated while a mapper remains")

	require.NoError(t, asB.Unmap(r))
	assert.Equal(t, uint64(0), alloc.Occupancy(), "the last unmap returns the set's frames to the allocator")
	assert.Empty(t, set.Frames())
}

func TestShareRangeDoesNotDoubleCountSharedSetRefcount(t *testing.T) {
	alloc := frame.NewAllocator(logr.Discard(), 1<<12, 1)
	set := vmm.NewSharedSet(1)
	f, err := alloc.Alloc(0, 1, frame.Size4K)
	require.NoError(t, err)
	require.NoError(t, set.AddFrame(1, f))

	asA := vmm.NewAddressSpace(logr.Discard(), 1, alloc)
	asB := vmm.NewAddressSpace(logr.Discard(), 2, alloc)

	r := vmm.VRange{Base: 0x4000, Length: frame.Size4K.Bytes()}
	require.NoError(t, asA.Map(r, vmm.Source{Kind: vmm.SourceSharedSet, Set: set}, vmm.Read))
	assert.Equal(t, int32(1), set.Refcount())

	require.NoError(t, vmm.ShareRange(asA, asB, r, false))
	assert.Equal(t, int32(2), set.Refcount())

	require.NoError(t, asA.Unmap(r))
	assert.Equal(t, int32(1), set.Refcount())

	require.NoError(t, asB.Unmap(r))
	assert.Equal(t, int32(0), set.Refcount())
}

func TestAddFrameRejectsNonOwner(t *testing.T) {
	set := vmm.NewSharedSet(1)
	err := set.AddFrame(2, frame.Frame{Addr: 0x1000, Class: frame.Size4K})
	require.Error(t, err)
	assert.Equal(t, kerr.PermissionDenied, kerr.CodeOf(err))
}

func TestHandleFaultOutcomes(t *testing.T) {
	as, _ := newSpace(t, 1)
	r := vmm.VRange{Base: 0x3000, Length: frame.Size4K.Bytes()}
	require.NoError(t, as.Map(r, vmm.Source{Kind: vmm.SourceAnonymous}, vmm.Read))

	assert.Equal(t, vmm.FaultHandled, as.HandleFault(0x3000, vmm.Read, false))
	assert.Equal(t, vmm.FaultTerminate, as.HandleFault(0x3000, vmm.Write, false))
	assert.Equal(t, vmm.FaultDeliverHandler, as.HandleFault(0x3000, vmm.Write, true))
	assert.Equal(t, vmm.FaultTerminate, as.HandleFault(0xdead0000, vmm.Read, false))
}
