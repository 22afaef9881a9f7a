// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "time"

// Config configures a Kernel instance. Zero-value fields fall back to the
// documented defaults in ApplyDefaults.
type Config struct {
	// TotalPages is the number of 4 KiB base pages the frame allocator
	// manages, simulating the machine's physical RAM.
	TotalPages uint64

	// FrameCacheShards is the number of per-CPU colored cache shards the
	// frame allocator maintains, typically one per hart.
	FrameCacheShards int

	// Harts is the number of simulated hardware execution contexts, each
	// running a permanent Executor loop.
	Harts int

	// SchedulerTick is the cadence at which the scheduler ages every
	// queued group's dynamic priority.
	SchedulerTick time.Duration

	// DefaultIoQueueSubCapacity / DefaultIoQueueCompCapacity size a newly
	// created I/O queue's rings when the caller doesn't specify one
	// explicitly (both must be powers of two).
	DefaultIoQueueSubCapacity  uint32
	DefaultIoQueueCompCapacity uint32

	// DefaultStreamTableSlots / DefaultStreamTableArenaSize size a newly
	// created stream table when the caller doesn't specify dimensions.
	DefaultStreamTableSlots    uint32
	DefaultStreamTableArenaSize uint32
}

const (
	defaultTotalPages         = 1 << 18 // 1 GiB of simulated base pages
	defaultFrameCacheShards   = 4
	defaultHarts              = 4
	defaultSchedulerTick      = 4 * time.Millisecond
	defaultIoQueueSubCap      = 256
	defaultIoQueueCompCap     = 256
	defaultStreamTableSlots   = 128
	defaultStreamTableArena   = 64 * 1024
)

// ApplyDefaults fills any zero-value field of c with its documented
// default and returns the result, leaving c itself unmodified.
func (c Config) ApplyDefaults() Config {
	if c.TotalPages == 0 {
		c.TotalPages = defaultTotalPages
	}
	if c.FrameCacheShards == 0 {
		c.FrameCacheShards = defaultFrameCacheShards
	}
	if c.Harts == 0 {
		c.Harts = defaultHarts
	}
	if c.SchedulerTick == 0 {
		c.SchedulerTick = defaultSchedulerTick
	}
	if c.DefaultIoQueueSubCapacity == 0 {
		c.DefaultIoQueueSubCapacity = defaultIoQueueSubCap
	}
	if c.DefaultIoQueueCompCapacity == 0 {
		c.DefaultIoQueueCompCapacity = defaultIoQueueCompCap
	}
	if c.DefaultStreamTableSlots == 0 {
		c.DefaultStreamTableSlots = defaultStreamTableSlots
	}
	if c.DefaultStreamTableArenaSize == 0 {
		c.DefaultStreamTableArenaSize = defaultStreamTableArena
	}
	return c
}
