// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vclock implements the virtual syscall page: a read-only,
// fixed-virtual-address (0x1000) monotonic time structure readers consult
// without trapping into the kernel. Updates use a seqlock: writers bump
// version to odd before mutating and back to even after, readers spin until
// they observe an even version on both sides of their read.
package vclock

import (
	"math/bits"
	"sync/atomic"
)

// Page mirrors the wire layout of the virtual syscall page:
//
//	{version:u32, pad:u32, tick_timestamp:u64, system_time:u64,
//	 tick_to_system_mul:u64, tick_shift:i8, flags:u8, pad[2]}
//
// Field order and width are fixed so a byte-for-byte memcpy of this struct
// (on a little-endian, non-padded target) is a valid mapping of the real
// page; Go's struct layout already places fields in declaration
// order with no insertable padding between same-or-descending aligned
// fields here, so no explicit packing tag is needed.
type Page struct {
	Version          uint32
	pad0             uint32
	TickTimestamp    uint64
	SystemTime       uint64
	TickToSystemMul  uint64
	TickShift        int8
	Flags            uint8
	pad1             [2]byte
}

// Flag bits for Page.Flags.
const (
	FlagTSCStable uint8 = 1 << iota
)

// New returns a Page with version 0 (even: no writer in progress).
func New() *Page {
	return &Page{}
}

// beginUpdate marks a mutation in progress by forcing the version odd,
// Update forces it back even. Readers that observe an odd version know a
// write is in flight and must retry.
func (p *Page) beginUpdate() {
	atomic.AddUint32(&p.Version, 1)
}

func (p *Page) endUpdate() {
	atomic.AddUint32(&p.Version, 1)
}

// Update publishes a new calibration: the tick count and wall time it
// corresponds to, plus the tick-to-nanosecond conversion factor and shift.
// Callers invoke this whenever the scheduler recalibrates against the
// platform timer (e.g. after an NTP-style correction or initial boot
// calibration).
func (p *Page) Update(tickTimestamp, systemTime, tickToSystemMul uint64, tickShift int8, flags uint8) {
	p.beginUpdate()
	p.TickTimestamp = tickTimestamp
	p.SystemTime = systemTime
	p.TickToSystemMul = tickToSystemMul
	p.TickShift = tickShift
	p.Flags = flags
	p.endUpdate()
}

// Now computes the current wall-clock time given the platform's current
// raw tick count, using the seqlock read protocol: wait for
// an even version, compute, then re-check the version hasn't changed
// (retrying on mismatch, since a concurrent Update may have interleaved).
func (p *Page) Now(currentTicks uint64) uint64 {
	for {
		v0 := atomic.LoadUint32(&p.Version)
		if v0&1 != 0 {
			continue // writer in flight, spin
		}
		tickTimestamp := p.TickTimestamp
		systemTime := p.SystemTime
		mul := p.TickToSystemMul
		shift := p.TickShift

		delta := currentTicks - tickTimestamp
		var shifted uint64
		if shift >= 0 {
			shifted = delta << uint(shift)
		} else {
			shifted = delta >> uint(-shift)
		}
		hi, lo := bits.Mul64(shifted, mul)
		result := hi<<32 + lo>>32 + systemTime

		v1 := atomic.LoadUint32(&p.Version)
		if v0 == v1 {
			return result
		}
		// version moved under us; retry with the fresh calibration
	}
}
