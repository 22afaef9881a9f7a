// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/sched"
	"github.com/norostb/kernel/pkg/vmm"
)

// hop delivers a notification by spawning a fresh thread in proc's group,
// entering at h.IP with stack pointer h.SP and arg placed in the first
// general-purpose register — the thread-hop delivery mechanism behind the
// onExit/onPageFault/onMemoryExhaustion handlers. It runs on
// the kernel's notify pool so the caller (typically a hart mid-fault) never
// blocks on admission.
func (k *Kernel) hop(proc *Process, h Handler, arg uint64) {
	k.notifyPool.Go(func() {
		tid := k.nextTID.Add(1) - 1
		t := &sched.Thread{ID: tid, Process: proc.Sched.ID, Group: proc.Group}
		t.Regs.IP = h.IP
		t.Regs.SP = h.SP
		t.Regs.GP[0] = arg

		tidx := k.threads.Insert(t)
		if err := proc.Group.Enqueue(t); err != nil {
			k.threads.Remove(tidx)
			k.log.Error(err, "failed to deliver notification hop", "process", proc.Sched.ID)
			return
		}
		k.Scheduler.AddGroup(proc.Group)
		proc.addThread(tidx)
	})
}

// PageFault resolves a fault at addr for procIdx, delivering it to the
// process's registered onPageFault handler if one exists, handling it
// silently if the address space says the access is now satisfiable, or
// terminating the process otherwise.
func (k *Kernel) PageFault(procIdx Index, addr uint64, access vmm.RWX) error {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return err
	}
	h, hasHandler := proc.handler(NotifyPageFault)
	switch proc.AS.HandleFault(addr, access, hasHandler) {
	case vmm.FaultHandled:
		return nil
	case vmm.FaultDeliverHandler:
		if k.telemetry != nil {
			_ = k.telemetry.Append(telemetryEvent(telemetryPageFault, proc.Sched.ID, 0, kerr.OK, "delivered to handler"))
		}
		k.hop(proc, h, addr)
		return nil
	default:
		return k.Exit(procIdx, -1)
	}
}

// MemoryExhaustion notifies procIdx that an allocation for bytesRequested
// could not be satisfied, delivering to its onMemoryExhaustion handler if
// registered, or terminating the process otherwise.
func (k *Kernel) MemoryExhaustion(procIdx Index, bytesRequested uint64) error {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return err
	}
	h, ok := proc.handler(NotifyMemoryExhaustion)
	if !ok {
		return k.Exit(procIdx, -1)
	}
	k.hop(proc, h, bytesRequested)
	return nil
}
