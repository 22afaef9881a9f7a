// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/go-logr/logr"

// PhysicalSpan describes a physical address range, used by BootInfo to
// name the kernel image and initramfs spans the bootloader hands off.
type PhysicalSpan struct {
	Base   uint64
	Length uint64
}

// BootInfo is what the fixed kernel entry symbol receives from the
// bootloader: a free memory region to seed
// the frame allocator, the kernel image's own physical span (so it isn't
// handed out as free), the initramfs span, and an opaque platform
// description blob (ACPI/DTB) this package does not interpret. The lower
// half is identity-mapped by the bootloader on entry; rearranging page
// tables before returning to userspace is out of scope for a hosted
// reimplementation and is not modeled here.
type BootInfo struct {
	FreeMemory   PhysicalSpan
	KernelImage  PhysicalSpan
	Initramfs    PhysicalSpan
	PlatformBlob []byte
}

// Boot builds a Kernel sized from info's free memory region (one base
// page per 4 KiB of free memory) and starts the scheduler's aging tick;
// the hart-local "current executor, current thread" state is established
// once the caller begins driving k.Executors()'s RunOne loops. The
// returned stop function tears the ticker down.
func Boot(log logr.Logger, info BootInfo, cfg Config) (k *Kernel, stop func()) {
	if cfg.TotalPages == 0 && info.FreeMemory.Length > 0 {
		cfg.TotalPages = info.FreeMemory.Length / 4096
	}
	k = New(log, cfg)
	stop = k.RunTicker()
	return k, stop
}
