// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vmm implements the per-process virtual memory manager (C2):
// mapping anonymous, shared-set, and object-backed pages with RWX
// permissions, huge-page promotion/demotion, and shared-set reference
// counting across processes.
package vmm

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/norostb/kernel/pkg/frame"
	"github.com/norostb/kernel/pkg/kerr"
)

// RWX is a permission bitmask.
type RWX uint8

const (
	Read RWX = 1 << iota
	Write
	Exec
)

// Allows reports whether want is a subset of perm (used to reject
// escalation through a PermissionMask).
func (perm RWX) Allows(want RWX) bool { return want&^perm == 0 }

// SourceKind identifies what backs a Mapping.
type SourceKind int

const (
	SourceAnonymous SourceKind = iota
	SourceSharedSet
	SourceObject
)

// Source describes what a Mapping's pages come from.
type Source struct {
	Kind   SourceKind
	Set    *SharedSet // valid when Kind == SourceSharedSet
	Object uint64     // object identifier when Kind == SourceObject; opaque to vmm
	Offset uint64     // byte offset into Set/Object backing store
}

// VRange is a half-open virtual address range [Base, Base+Length).
type VRange struct {
	Base   uint64
	Length uint64
}

func (r VRange) End() uint64 { return r.Base + r.Length }

func (r VRange) overlaps(o VRange) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r VRange) contains(o VRange) bool {
	return r.Base <= o.Base && o.End() <= r.End()
}

// Mapping is one entry in an AddressSpace: a virtual range bound to a
// Source with independent RWX bits.
type Mapping struct {
	Range  VRange
	Source Source
	Perm   RWX
	Huge   frame.SizeClass // size class of the backing frames, for promote/demote bookkeeping
}

// SharedSet is an append-only, owner-controlled collection of frames with
// set-level and per-process, per-size-class reference counts.
type SharedSet struct {
	mu       sync.Mutex
	owner    uint64
	frames   []frame.Frame
	refcount int32                    // number of processes with a live mapping
	byProc   map[uint64]map[frame.SizeClass]int32 // proc -> size class -> mapped page count
}

// NewSharedSet creates an empty set owned by owner.
func NewSharedSet(owner uint64) *SharedSet {
	return &SharedSet{
		owner:  owner,
		byProc: make(map[uint64]map[frame.SizeClass]int32),
	}
}

// AddFrame appends f to the set. Only the owner may call this.
func (s *SharedSet) AddFrame(proc uint64, f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if proc != s.owner {
		return kerr.Of(kerr.PermissionDenied, "only the owning process may add frames to a shared set")
	}
	s.frames = append(s.frames, f)
	return nil
}

// Refcount returns the number of processes currently holding a live
// mapping into the set, for introspection and testing.
func (s *SharedSet) Refcount() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcount
}

// Frames returns a snapshot of the set's frame list.
func (s *SharedSet) Frames() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// acquire records that proc now maps n additional pages of class at this
// set, bumping the set-level refcount if proc had no prior reference.
func (s *SharedSet) acquire(proc uint64, class frame.SizeClass, n int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts, ok := s.byProc[proc]
	if !ok {
		counts = make(map[frame.SizeClass]int32)
		s.byProc[proc] = counts
		s.refcount++
	}
	counts[class] += n
}

// release records that proc unmapped n pages of class from this set. It
// reports whether the set-level refcount dropped to zero (all frames
// should be released back to the frame allocator by the caller).
func (s *SharedSet) release(proc uint64, class frame.SizeClass, n int32) (setExhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts, ok := s.byProc[proc]
	if !ok {
		return false
	}
	counts[class] -= n
	total := int32(0)
	for _, c := range counts {
		total += c
	}
	if total <= 0 {
		delete(s.byProc, proc)
		s.refcount--
	}
	return s.refcount <= 0
}

// drain empties the set's frame list once its refcount has reached zero,
// handing the frames back for the caller to return to the frame allocator.
func (s *SharedSet) drain() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refcount > 0 {
		return nil
	}
	frames := s.frames
	s.frames = nil
	return frames
}

// AddressSpace is a per-process set of non-overlapping mappings.
type AddressSpace struct {
	mu       sync.Mutex
	proc     uint64
	mappings []Mapping // kept sorted by Range.Base
	alloc    *frame.Allocator
	log      logr.Logger

	// backing holds the anonymous frames owned exclusively by this
	// address space, keyed by the mapping's base virtual address, so
	// Unmap/demote can find and release them.
	backing map[uint64][]frame.Frame
}

// NewAddressSpace creates an empty address space for proc, backed by alloc
// for anonymous frame allocation.
func NewAddressSpace(log logr.Logger, proc uint64, alloc *frame.Allocator) *AddressSpace {
	return &AddressSpace{
		proc:    proc,
		alloc:   alloc,
		log:     log.WithName("vmm").WithValues("proc", proc),
		backing: make(map[uint64][]frame.Frame),
	}
}

func (as *AddressSpace) indexOf(base uint64) int {
	return sort.Search(len(as.mappings), func(i int) bool {
		return as.mappings[i].Range.Base >= base
	})
}

// findOverlap returns the index of a mapping overlapping r, or -1.
func (as *AddressSpace) findOverlap(r VRange) int {
	for i, m := range as.mappings {
		if m.Range.overlaps(r) {
			return i
		}
	}
	return -1
}

// Map installs a new mapping for vrange backed by source with the given
// permissions. It rejects overlapping ranges and illegal permission
// escalation against a restricted source.
func (as *AddressSpace) Map(vrange VRange, source Source, perm RWX) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if vrange.Length == 0 {
		return kerr.Of(kerr.InvalidArgument, "zero-length mapping")
	}
	if i := as.findOverlap(vrange); i >= 0 {
		return kerr.Of(kerr.AddressRangeConflict, "range overlaps an existing mapping")
	}

	class, err := classForRange(vrange)
	if err != nil {
		return err
	}

	switch source.Kind {
	case SourceAnonymous:
		frames, err := as.allocAnonymous(vrange, class)
		if err != nil {
			return err
		}
		as.backing[vrange.Base] = frames
	case SourceSharedSet:
		if source.Set == nil {
			return kerr.Of(kerr.InvalidArgument, "shared mapping with nil set")
		}
		npages := vrange.Length / class.Bytes()
		source.Set.acquire(as.proc, class, int32(npages))
	case SourceObject:
		// Object-backed mappings are resolved lazily by the object layer;
		// vmm only tracks the range and permissions here.
	default:
		return kerr.Of(kerr.InvalidArgument, "unknown mapping source")
	}

	m := Mapping{Range: vrange, Source: source, Perm: perm, Huge: class}
	as.insertSorted(m)
	return nil
}

func (as *AddressSpace) insertSorted(m Mapping) {
	i := as.indexOf(m.Range.Base)
	as.mappings = append(as.mappings, Mapping{})
	copy(as.mappings[i+1:], as.mappings[i:])
	as.mappings[i] = m
}

// classForRange picks the largest huge-page class that vrange is both
// aligned to and sized for, promoting contiguous aligned mappings the way
// a hardware page table would.
func classForRange(vrange VRange) (frame.SizeClass, error) {
	for _, c := range []frame.SizeClass{frame.Size1G, frame.Size2M} {
		sz := c.Bytes()
		if vrange.Base%sz == 0 && vrange.Length%sz == 0 {
			return c, nil
		}
	}
	if vrange.Length%frame.Size4K.Bytes() != 0 || vrange.Base%frame.Size4K.Bytes() != 0 {
		return 0, kerr.Of(kerr.InvalidArgument, "range not page-aligned")
	}
	return frame.Size4K, nil
}

func (as *AddressSpace) allocAnonymous(vrange VRange, class frame.SizeClass) ([]frame.Frame, error) {
	n := vrange.Length / class.Bytes()
	frames := make([]frame.Frame, 0, n)
	for i := uint64(0); i < n; i++ {
		f, err := as.alloc.Alloc(0, as.proc, class)
		if err != nil {
			for _, got := range frames {
				_ = as.alloc.Free(0, as.proc, got)
			}
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Unmap removes the mapping covering vrange exactly, releasing frames or
// shared-set references as appropriate. A partial unmap of a huge mapping
// first demotes it to base pages, then removes only the requested
// sub-range, leaving the rest mapped at base-page granularity. A partial
// unmap of a base-page mapping, or with a range that is not page-aligned,
// is rejected with InvalidArgument.
func (as *AddressSpace) Unmap(vrange VRange) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.unmapLocked(vrange)
}

// unmapLocked implements Unmap assuming as.mu is already held. After
// demoting a huge mapping to base pages it recurses once per base page of
// vrange, each call removing one whole base-page mapping.
func (as *AddressSpace) unmapLocked(vrange VRange) error {
	idx := -1
	for i, m := range as.mappings {
		if m.Range.contains(vrange) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return kerr.Of(kerr.InvalidArgument, "no mapping contains the given range")
	}

	m := as.mappings[idx]
	if m.Range == vrange {
		return as.unmapWhole(idx, m)
	}

	// Partial unmap: demote to base pages, then remove the sub-range one
	// base page at a time.
	pageBytes := frame.Size4K.Bytes()
	if m.Huge == frame.Size4K || vrange.Base%pageBytes != 0 || vrange.Length%pageBytes != 0 {
		return kerr.Of(kerr.InvalidArgument, "partial unmap needs a page-aligned range inside a huge mapping")
	}
	if err := as.demote(idx); err != nil {
		return err
	}
	for off := uint64(0); off < vrange.Length; off += pageBytes {
		if err := as.unmapLocked(VRange{Base: vrange.Base + off, Length: pageBytes}); err != nil {
			return err
		}
	}
	return nil
}

func (as *AddressSpace) unmapWhole(idx int, m Mapping) error {
	switch m.Source.Kind {
	case SourceAnonymous:
		for _, f := range as.backing[m.Range.Base] {
			_ = as.alloc.Free(0, as.proc, f)
		}
		delete(as.backing, m.Range.Base)
	case SourceSharedSet:
		npages := m.Range.Length / m.Huge.Bytes()
		if m.Source.Set.release(as.proc, m.Huge, int32(npages)) {
			for _, f := range m.Source.Set.drain() {
				_ = as.alloc.Free(0, as.proc, f)
			}
		}
	case SourceObject:
		// nothing owned here; the object layer tracks its own state.
	}
	as.mappings = append(as.mappings[:idx], as.mappings[idx+1:]...)
	return nil
}

// demote splits a huge mapping at idx into base-page mappings covering the
// same range, re-homing its backing frames one base page at a time.
func (as *AddressSpace) demote(idx int) error {
	m := as.mappings[idx]
	if m.Huge == frame.Size4K {
		return nil // already base-page granular
	}

	as.mappings = append(as.mappings[:idx], as.mappings[idx+1:]...)

	switch m.Source.Kind {
	case SourceAnonymous:
		frames := as.backing[m.Range.Base]
		delete(as.backing, m.Range.Base)
		pageBytes := frame.Size4K.Bytes()
		for i, f := range frames {
			base := m.Range.Base + uint64(i)*m.Huge.Bytes()
			sub := VRange{Base: base, Length: m.Huge.Bytes()}
			// A huge frame demotes into a run of base-page-sized
			// sub-mappings into the same physical span, matching how a
			// demoted hardware huge page becomes a run of base-page
			// PTEs. Each synthetic base frame is rehomed onto its own
			// refcount entry, since it is now tracked individually.
			basePages := m.Huge.Pages()
			newAddrs := make([]uint64, 0, basePages)
			for p := uint64(0); p < basePages; p++ {
				bp := VRange{Base: sub.Base + p*pageBytes, Length: pageBytes}
				bf := frame.Frame{Addr: f.Addr + p*pageBytes, Class: frame.Size4K}
				as.backing[bp.Base] = []frame.Frame{bf}
				as.insertSorted(Mapping{Range: bp, Source: m.Source, Perm: m.Perm, Huge: frame.Size4K})
				newAddrs = append(newAddrs, bf.Addr)
			}
			as.alloc.Rehome(f.Addr, newAddrs)
		}
	case SourceSharedSet:
		basePages := m.Huge.Pages()
		npages := m.Range.Length / m.Huge.Bytes() * basePages
		// Acquire the base-page counts before releasing the huge-class ones,
		// so the process's set-level reference never transiently hits zero
		// mid-demotion (a concurrent unmapper observing zero would drain the
		// set's frames out from under this still-live mapping).
		m.Source.Set.acquire(as.proc, frame.Size4K, int32(npages))
		m.Source.Set.release(as.proc, m.Huge, int32(m.Range.Length/m.Huge.Bytes()))
		pageBytes := frame.Size4K.Bytes()
		for off := uint64(0); off < m.Range.Length; off += pageBytes {
			bp := VRange{Base: m.Range.Base + off, Length: pageBytes}
			as.insertSorted(Mapping{Range: bp, Source: m.Source, Perm: m.Perm, Huge: frame.Size4K})
		}
	case SourceObject:
		pageBytes := frame.Size4K.Bytes()
		for off := uint64(0); off < m.Range.Length; off += pageBytes {
			bp := VRange{Base: m.Range.Base + off, Length: pageBytes}
			src := m.Source
			src.Offset += off
			as.insertSorted(Mapping{Range: bp, Source: src, Perm: m.Perm, Huge: frame.Size4K})
		}
	}
	return nil
}

// PermissionMask returns a derived RWX that is the intersection of base
// and want, rejecting the request outright if it asks for bits base does
// not grant (escalation).
func PermissionMask(base RWX, want RWX) (RWX, error) {
	if !base.Allows(want) {
		return 0, kerr.Of(kerr.PermissionDenied, "permission mask would escalate privileges")
	}
	return want, nil
}

// ShareRange installs a view of vrange from the `from` address space into
// `to` at the same range, adjusting shared-set reference counts. If move
// is true, the mapping is additionally removed from `from` atomically with
// installation in `to`; otherwise `from` keeps its mapping unchanged.
func ShareRange(from, to *AddressSpace, vrange VRange, move bool) error {
	from.mu.Lock()
	idx := -1
	for i, m := range from.mappings {
		if m.Range == vrange {
			idx = i
			break
		}
	}
	if idx < 0 {
		from.mu.Unlock()
		return kerr.Of(kerr.InvalidArgument, "no exact mapping to share at that range")
	}
	m := from.mappings[idx]
	from.mu.Unlock()

	// to.Map already bumps the shared-set refcount for to.proc in its
	// SourceSharedSet case; acquiring here too would double-count the
	// mapped-page tally, which would then never balance back to zero on
	// unmap.
	if err := to.Map(vrange, m.Source, m.Perm); err != nil {
		return err
	}

	if move {
		return from.Unmap(vrange)
	}
	return nil
}

// Lookup returns the mapping containing addr, if any.
func (as *AddressSpace) Lookup(addr uint64) (Mapping, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, m := range as.mappings {
		if m.Range.Base <= addr && addr < m.Range.End() {
			return m, true
		}
	}
	return Mapping{}, false
}

// FaultAction is the outcome of resolving a page fault.
type FaultAction int

const (
	FaultHandled FaultAction = iota
	FaultDeliverHandler
	FaultTerminate
)

// HandleFault resolves a fault at addr for the given access. If no mapping
// covers addr, or the access violates the mapping's permissions, the fault
// is fatal: FaultDeliverHandler if the process has registered a fault
// notification handler, FaultTerminate otherwise.
func (as *AddressSpace) HandleFault(addr uint64, access RWX, hasHandler bool) FaultAction {
	m, ok := as.Lookup(addr)
	if !ok || !m.Perm.Allows(access) {
		if hasHandler {
			return FaultDeliverHandler
		}
		return FaultTerminate
	}
	return FaultHandled
}
