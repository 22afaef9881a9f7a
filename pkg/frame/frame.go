// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package frame implements the physical frame allocator: a hierarchical
// summary bitmap backing store plus a per-CPU colored cache for the hot
// allocation path.
package frame

import "fmt"

// SizeClass identifies a frame's size: base (4 KiB), huge (2 MiB), or giant
// (1 GiB). Values are ordered so SizeClass i covers 512
// frames of SizeClass i-1.
type SizeClass int

const (
	Size4K SizeClass = iota
	Size2M
	Size1G
	numSizeClasses
)

const baseShift = 12 // 4096 == 1<<12

// pagesPerClass is the number of base (4 KiB) pages a frame of the given
// class spans.
var pagesPerClass = [numSizeClasses]uint64{
	Size4K: 1,
	Size2M: 512,       // 2 MiB / 4 KiB
	Size1G: 512 * 512, // 1 GiB / 4 KiB
}

// Pages reports how many base pages a frame of class c spans.
func (c SizeClass) Pages() uint64 { return pagesPerClass[c] }

// Bytes reports the size in bytes of a frame of class c.
func (c SizeClass) Bytes() uint64 { return pagesPerClass[c] << baseShift }

func (c SizeClass) String() string {
	switch c {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	default:
		return fmt.Sprintf("SizeClass(%d)", int(c))
	}
}

// Frame is a fixed-size unit of physical memory: a physical byte address
// (simulated, since this allocator does not own real hardware pages;
// BasePage gives the matching base-page index) and a size class.
type Frame struct {
	Addr  uint64 // physical address, aligned to Class.Bytes()
	Class SizeClass
}

// BasePage returns the index of the first base page Frame spans.
func (f Frame) BasePage() uint64 { return f.Addr >> baseShift }

func (f Frame) String() string {
	return fmt.Sprintf("frame{addr=0x%x class=%s}", f.Addr, f.Class)
}
