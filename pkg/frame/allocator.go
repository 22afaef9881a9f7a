// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package frame

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/norostb/kernel/pkg/kerr"
)

const (
	pagesPerGroup  = 256   // base pages summarized by one level1 byte
	groupsPerRegion = 256 // level1 groups summarized by one level2 word
	pagesPerRegion = pagesPerGroup * groupsPerRegion
	wordsPerGroup  = pagesPerGroup / 64
)

// Allocator is the backing store for physical frames: a hierarchical summary
// bitmap (level0 bits, level1 byte-counts per 256-page group, level2
// uint16-counts per 65536-page region) guarded by a single lock, fronted by
// a per-CPU colored cache for the hot allocation path.
//
// Every summary level stores its free count modulo the width of its integer
// type, so a fully free group (count 256) reads identically to a fully used
// group (count 0) at the level1 byte. This is intentional: distinguishing
// "full" from "empty" requires inspecting the underlying bitmap, never the
// count alone, exactly as a compact kernel summary bitmap behaves in real
// memory-constrained allocators. The same ambiguity and the same
// disambiguation (check a representative bit) recurs one level down for
// level2 regions.
type Allocator struct {
	mu         sync.Mutex
	totalPages uint64
	level0     []uint64 // 1 bit per base page; 1 == free
	level1     []uint8  // free count mod 256, per 256-page group
	level2     []uint16 // free count mod 65536, per 65536-page region

	refcounts map[uint64]int32 // base page addr -> refcount, for pages currently allocated

	shards []*cpuShard
	log    logr.Logger
}

// NewAllocator builds an Allocator managing totalPages base pages, all
// initially free, with numShards per-CPU colored caches.
func NewAllocator(log logr.Logger, totalPages uint64, numShards int) *Allocator {
	if numShards < 1 {
		numShards = 1
	}
	nWords := (totalPages + 63) / 64
	nGroups := (totalPages + pagesPerGroup - 1) / pagesPerGroup
	nRegions := (totalPages + pagesPerRegion - 1) / pagesPerRegion

	a := &Allocator{
		totalPages: totalPages,
		level0:     make([]uint64, nWords),
		level1:     make([]uint8, nGroups),
		level2:     make([]uint16, nRegions),
		refcounts:  make(map[uint64]int32),
		log:        log.WithName("frame"),
	}
	for i := range a.level0 {
		a.level0[i] = ^uint64(0)
	}
	// Clear bits beyond totalPages in the final word so they never look free.
	if rem := totalPages % 64; rem != 0 && nWords > 0 {
		mask := (uint64(1) << rem) - 1
		a.level0[nWords-1] &= mask
	}
	for i := range a.level1 {
		a.level1[i] = pagesInGroup(i, totalPages)
	}
	for i := range a.level2 {
		a.level2[i] = pagesInRegion(i, totalPages)
	}

	a.shards = make([]*cpuShard, numShards)
	for i := range a.shards {
		a.shards[i] = newCPUShard()
	}
	return a
}

func pagesInGroup(group int, totalPages uint64) uint8 {
	start := uint64(group) * pagesPerGroup
	if start >= totalPages {
		return 0
	}
	n := totalPages - start
	if n > pagesPerGroup {
		n = pagesPerGroup
	}
	return uint8(n) // n in [1,256]; 256 wraps to 0, matching the mod-256 convention
}

func pagesInRegion(region int, totalPages uint64) uint16 {
	start := uint64(region) * pagesPerRegion
	if start >= totalPages {
		return 0
	}
	n := totalPages - start
	if n > pagesPerRegion {
		n = pagesPerRegion
	}
	return uint16(n)
}

// groupHasFree reports whether group g has at least one free base page.
// Must be called with a.mu held.
func (a *Allocator) groupHasFree(g int) bool {
	if a.level1[g] != 0 {
		return true
	}
	// Ambiguous: count is 0 (fully used) or 256 (fully free). Check the
	// group's first bit; all bits agree either way.
	firstPage := uint64(g) * pagesPerGroup
	word, bit := firstPage/64, firstPage%64
	if int(word) >= len(a.level0) {
		return false
	}
	return a.level0[word]&(1<<bit) != 0
}

// regionHasFree reports whether region r has at least one free group.
// Must be called with a.mu held.
func (a *Allocator) regionHasFree(r int) bool {
	if a.level2[r] != 0 {
		return true
	}
	firstGroup := r * groupsPerRegion
	if firstGroup >= len(a.level1) {
		return false
	}
	return a.groupHasFree(firstGroup)
}

// findFreeBasePage scans the summary levels for one free base page and
// returns its index. Must be called with a.mu held.
func (a *Allocator) findFreeBasePage() (uint64, bool) {
	for r := range a.level2 {
		if !a.regionHasFree(r) {
			continue
		}
		base := r * groupsPerRegion
		end := base + groupsPerRegion
		if end > len(a.level1) {
			end = len(a.level1)
		}
		for g := base; g < end; g++ {
			if !a.groupHasFree(g) {
				continue
			}
			firstWord := g * wordsPerGroup
			lastWord := firstWord + wordsPerGroup
			if lastWord > len(a.level0) {
				lastWord = len(a.level0)
			}
			for w := firstWord; w < lastWord; w++ {
				if a.level0[w] == 0 {
					continue
				}
				bit := trailingZeros64(a.level0[w])
				return uint64(w)*64 + uint64(bit), true
			}
		}
	}
	return 0, false
}

func trailingZeros64(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// takeBasePage marks base page p allocated and decrements its summary
// counters. Must be called with a.mu held, and p must currently be free.
func (a *Allocator) takeBasePage(p uint64) {
	word, bit := p/64, p%64
	a.level0[word] &^= 1 << bit
	g := int(p / pagesPerGroup)
	a.level1[g]--
	r := g / groupsPerRegion
	a.level2[r]--
}

// releaseBasePage marks base page p free and increments its summary
// counters. Must be called with a.mu held, and p must currently be used.
func (a *Allocator) releaseBasePage(p uint64) {
	word, bit := p/64, p%64
	a.level0[word] |= 1 << bit
	g := int(p / pagesPerGroup)
	a.level1[g]++
	r := g / groupsPerRegion
	a.level2[r]++
}

// allocBasePage pulls one free base page directly from the backing store,
// bypassing the colored cache. Used to refill shard stacks and to allocate
// huge frames.
func (a *Allocator) allocBasePage() (uint64, error) {
	p, ok := a.findFreeBasePage()
	if !ok {
		return 0, kerr.Of(kerr.OutOfMemory, "no free base pages")
	}
	a.takeBasePage(p)
	return p, nil
}

// allocRun finds a contiguous, aligned run of n free base pages and takes
// them all. Used for huge/giant frame allocation, where the per-CPU colored
// cache (which only ever hands out single base pages) doesn't apply.
func (a *Allocator) allocRun(n uint64) (uint64, error) {
	if n == 1 {
		p, err := a.allocBasePage()
		return p, err
	}
	for start := uint64(0); start+n <= a.totalPages; start += n {
		if a.runIsFree(start, n) {
			for p := start; p < start+n; p++ {
				a.takeBasePage(p)
			}
			return start, nil
		}
	}
	return 0, kerr.Of(kerr.OutOfMemory, "no contiguous aligned run of free pages")
}

func (a *Allocator) runIsFree(start, n uint64) bool {
	for p := start; p < start+n; p++ {
		word, bit := p/64, p%64
		if a.level0[word]&(1<<bit) == 0 {
			return false
		}
	}
	return true
}

func (a *Allocator) freeRun(start, n uint64) {
	for p := start; p < start+n; p++ {
		a.releaseBasePage(p)
	}
}

// Alloc returns one frame of the given class, allocated on behalf of the
// hart/process identified by cpu and pid (pid only affects which colored
// cache stack a base-page request prefers). Huge and giant frames bypass
// the colored cache and come directly from the backing store as a
// contiguous, naturally aligned run.
func (a *Allocator) Alloc(cpu int, pid uint64, class SizeClass) (Frame, error) {
	if class != Size4K {
		n := class.Pages()
		a.mu.Lock()
		start, err := a.allocRun(n)
		a.mu.Unlock()
		if err != nil {
			return Frame{}, err
		}
		addr := start << baseShift
		a.setRefcount(addr, 1)
		return Frame{Addr: addr, Class: class}, nil
	}

	shard := a.shards[cpu%len(a.shards)]
	color := colorOf(pid)
	if p, ok := shard.pop(color); ok {
		addr := p << baseShift
		a.setRefcount(addr, 1)
		return Frame{Addr: addr, Class: Size4K}, nil
	}

	a.refillShard(shard)

	if p, ok := shard.pop(color); ok {
		addr := p << baseShift
		a.setRefcount(addr, 1)
		return Frame{Addr: addr, Class: Size4K}, nil
	}

	a.mu.Lock()
	p, err := a.allocBasePage()
	a.mu.Unlock()
	if err != nil {
		return Frame{}, err
	}
	addr := p << baseShift
	a.setRefcount(addr, 1)
	return Frame{Addr: addr, Class: Size4K}, nil
}

// colorOf derives the preferred cache-color bucket for a process, staggering
// concurrent workloads across the colored stacks.
func colorOf(pid uint64) uint8 {
	return uint8(pid)
}

// refillShard pulls one base page from the backing store for every
// not-yet-full colored stack in shard, amortizing the backing-store lock
// over many future allocations. Stacks already at capacity are left alone.
func (a *Allocator) refillShard(shard *cpuShard) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := 0; c < numColors; c++ {
		if shard.full(uint8(c)) {
			continue
		}
		p, ok := a.findFreeBasePage()
		if !ok {
			return
		}
		a.takeBasePage(p)
		shard.push(uint8(c), p)
	}
}

// Free returns f to the allocator. For base-page frames, it pushes back
// onto the cpu shard's colored stack; when that push fills the stack, every
// colored stack on the shard drains one frame back to the backing store
// (stacks already empty are left alone). Huge/giant frames always go
// straight back to the backing store.
func (a *Allocator) Free(cpu int, pid uint64, f Frame) error {
	if a.refcount(f.Addr) == 0 {
		return kerr.Of(kerr.InvalidArgument, "frame not allocated")
	}
	if n := a.decRefcount(f.Addr); n > 0 {
		return nil
	}

	if f.Class != Size4K {
		a.mu.Lock()
		a.freeRun(f.BasePage(), f.Class.Pages())
		a.mu.Unlock()
		return nil
	}

	shard := a.shards[cpu%len(a.shards)]
	color := colorOf(pid)
	if shard.push(color, f.BasePage()) {
		a.drainShard(shard)
	}
	return nil
}

// drainShard returns one frame from every non-empty colored stack to the
// backing store. Called after a push fills a stack, to keep the per-CPU
// cache bounded.
func (a *Allocator) drainShard(shard *cpuShard) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := 0; c < numColors; c++ {
		if p, ok := shard.pop(uint8(c)); ok {
			a.releaseBasePage(p)
		}
	}
}

func (a *Allocator) setRefcount(addr uint64, n int32) {
	a.mu.Lock()
	a.refcounts[addr] = n
	a.mu.Unlock()
}

func (a *Allocator) refcount(addr uint64) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcounts[addr]
}

// IncRef bumps the reference count of the frame at addr (e.g. when a shared
// mapping gains another mapper).
func (a *Allocator) IncRef(addr uint64) {
	a.mu.Lock()
	a.refcounts[addr]++
	a.mu.Unlock()
}

// Rehome transfers ownership bookkeeping from oldAddr to newAddrs, each
// starting with a refcount of 1. Used when a huge frame demotes into base
// pages that are tracked individually from then on.
func (a *Allocator) Rehome(oldAddr uint64, newAddrs []uint64) {
	a.mu.Lock()
	delete(a.refcounts, oldAddr)
	for _, addr := range newAddrs {
		a.refcounts[addr] = 1
	}
	a.mu.Unlock()
}

// decRefcount decrements the reference count of the frame at addr and
// returns the resulting count. If it reaches zero, the entry is removed.
func (a *Allocator) decRefcount(addr uint64) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.refcounts[addr] - 1
	if n <= 0 {
		delete(a.refcounts, addr)
		return 0
	}
	a.refcounts[addr] = n
	return n
}

// FreePages returns the number of base pages still held by the backing
// store. Pages parked in a per-CPU colored cache are already taken from the
// backing store and are not counted as free here, even though no process
// holds them yet.
func (a *Allocator) FreePages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, w := range a.level2 {
		total += uint64(w)
	}
	// level2 counts wrap mod 65536 per region; reconcile wrapped-to-zero
	// regions that are actually fully free.
	for r := range a.level2 {
		if a.level2[r] == 0 && a.regionHasFree(r) {
			total += pagesPerRegion
		}
	}
	return total
}

// Occupancy reports how many frames currently hold a live reference count,
// one per allocated frame whatever its size class, for introspection.
// Pages parked in per-CPU caches hold no reference count and are not
// counted.
func (a *Allocator) Occupancy() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(len(a.refcounts))
}
