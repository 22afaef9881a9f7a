// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"time"

	"github.com/norostb/kernel/pkg/ioqueue"
	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/object"
	"github.com/norostb/kernel/pkg/streamtable"
	"github.com/norostb/kernel/pkg/vmm"
)

// ObjectKind supersets object.NewKind with the StreamTable variant that
// pkg/object's dispatch explicitly defers to this package, since building
// one needs the kernel's ring/arena configuration.
type ObjectKind int

const (
	KindMemoryRegion   ObjectKind = ObjectKind(object.KindMemoryRegion)
	KindSubrange       ObjectKind = ObjectKind(object.KindSubrange)
	KindPermissionMask ObjectKind = ObjectKind(object.KindPermissionMask)
	KindRoot           ObjectKind = ObjectKind(object.KindRoot)
	KindDuplicate      ObjectKind = ObjectKind(object.KindDuplicate)
	KindPipe           ObjectKind = ObjectKind(object.KindPipe)
	KindMessagePipe    ObjectKind = ObjectKind(object.KindMessagePipe)
	KindStreamTable    ObjectKind = 100
)

// Alloc reserves [base, base+size) in procIdx's address space, backed by
// fresh anonymous frames, with permissions rwx (syscall 0).
func (k *Kernel) Alloc(procIdx Index, base, size uint64, rwx vmm.RWX) error {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return err
	}
	err = proc.AS.Map(vmm.VRange{Base: base, Length: size}, vmm.Source{Kind: vmm.SourceAnonymous}, rwx)
	if kerr.CodeOf(err) == kerr.OutOfMemory {
		_ = k.MemoryExhaustion(procIdx, size)
	}
	return err
}

// Unmap releases [base, base+size) from procIdx's address space (syscall 1).
func (k *Kernel) Unmap(procIdx Index, base, size uint64) error {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return err
	}
	return proc.AS.Unmap(vmm.VRange{Base: base, Length: size})
}

// NewObject creates a single-handle object variant in procIdx's handle
// table (syscall 2, the single-handle cases of NewObject).
func (k *Kernel) NewObject(procIdx Index, kind ObjectKind, a0, a1, a2 uint64) (object.Handle, error) {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return 0, err
	}
	if kind == KindStreamTable {
		tbl, terr := streamtable.New(k.cfg.DefaultStreamTableSlots, k.cfg.DefaultStreamTableArenaSize)
		if terr != nil {
			return 0, terr
		}
		obj := newStreamTableObject(tbl)
		h := proc.Handles.Insert(obj)
		proc.mu.Lock()
		proc.StreamTables[h] = tbl
		proc.mu.Unlock()
		k.recordObjectCreate(proc, h)
		return h, nil
	}
	h, err := object.New(proc.Handles, object.NewKind(kind), a0, a1, a2)
	if err == nil {
		k.recordObjectCreate(proc, h)
	}
	return h, err
}

// recordObjectCreate appends an EventObjectCreate ledger entry, if telemetry
// is enabled.
func (k *Kernel) recordObjectCreate(proc *Process, h object.Handle) {
	if k.telemetry != nil {
		_ = k.telemetry.Append(telemetryEvent(telemetryObjectCreate, proc.Sched.ID, uint64(h), kerr.OK, ""))
	}
}

// NewObjectPaired creates the two-handle variants of NewObject (Pipe,
// MessagePipe), installing both ends in procIdx's table. The caller
// transfers one end to a peer process with ShareHandle.
func (k *Kernel) NewObjectPaired(procIdx Index, kind ObjectKind) (local, peer object.Handle, err error) {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return 0, 0, err
	}
	local, peer, err = object.NewPaired(proc.Handles, object.NewKind(kind))
	if err == nil {
		k.recordObjectCreate(proc, local)
		k.recordObjectCreate(proc, peer)
	}
	return local, peer, err
}

// CloseHandle decrements handle's reference count in procIdx's table,
// destroying the underlying object on last release. Closing an
// already-closed handle reports InvalidHandle.
func (k *Kernel) CloseHandle(procIdx Index, handle object.Handle) error {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return err
	}
	if err := proc.Handles.Close(handle); err != nil {
		return err
	}
	if k.telemetry != nil {
		_ = k.telemetry.Append(telemetryEvent(telemetryObjectDestroy, proc.Sched.ID, uint64(handle), kerr.OK, ""))
	}
	return nil
}

// ShareHandle installs another handle for the object referenced by h (held
// in the from process) into the to process's table, backing Share's
// cross-process transfer to the peer of a pipe or stream table.
func (k *Kernel) ShareHandle(from, to Index, h object.Handle) (object.Handle, error) {
	fromProc, err := k.processes.Get(from)
	if err != nil {
		return 0, err
	}
	toProc, err := k.processes.Get(to)
	if err != nil {
		return 0, err
	}
	return fromProc.Handles.ShareTo(h, toProc.Handles)
}

// permissionCeiling is implemented by object variants that cap the RWX a
// mapping of them may carry (currently only object.PermissionMask). Objects
// that don't implement it have no ceiling of their own to enforce here.
type permissionCeiling interface {
	Perm() vmm.RWX
}

// ConnectStreamTable installs, in client's handle table, a client-side
// handle to the object server's stream table serves. Every operation
// performed through the
// returned handle is translated into a request on server's table and
// completed once the serving process answers it — see streamclient.go for
// the forwarding path and streamtableobj.go for the response pump that
// drives it.
func (k *Kernel) ConnectStreamTable(server, client Index, streamTableHandle object.Handle) (object.Handle, error) {
	serverProc, err := k.processes.Get(server)
	if err != nil {
		return 0, err
	}
	clientProc, err := k.processes.Get(client)
	if err != nil {
		return 0, err
	}
	obj, err := serverProc.Handles.Resolve(streamTableHandle)
	if err != nil {
		return 0, err
	}
	sto, ok := obj.(*streamTableObject)
	if !ok {
		return 0, kerr.Of(kerr.InvalidHandle, "handle does not name a stream table")
	}
	sto.startPump()
	proxy := newStreamClientObject(sto, 0)
	h := clientProc.Handles.Insert(proxy)
	k.recordObjectCreate(clientProc, h)
	return h, nil
}

// MapObject maps handle's object-backed contents into procIdx's address
// space at base with the requested permissions (syscall 3). offset and
// maxlen are recorded for the object layer's later lazy resolution but are
// not independently validated against vmm mapping bookkeeping, which only
// tracks the virtual range and permission mask. If handle names an object
// with its own permission ceiling (a PermissionMask), rwx must not exceed
// it, so a mapping's RWX never exceeds its source object's maximum RWX.
func (k *Kernel) MapObject(procIdx Index, handle object.Handle, base uint64, rwx vmm.RWX, offset, maxlen uint64) error {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return err
	}
	obj, err := proc.Handles.Resolve(handle)
	if err != nil {
		return err
	}
	if ceiling, ok := obj.(permissionCeiling); ok {
		if _, err := vmm.PermissionMask(ceiling.Perm(), rwx); err != nil {
			return err
		}
	}
	source := vmm.Source{Kind: vmm.SourceObject, Object: uint64(handle)}
	return proc.AS.Map(vmm.VRange{Base: base, Length: maxlen}, source, rwx)
}

// DoIo performs op against handle synchronously on the caller's stack
// (syscall 4), returning the operation's result. Semantics are identical
// to enqueueing a single submission entry and waiting for its completion;
// it dispatches directly rather than routing through a queue, which is
// what keeps trivial programs free of ring setup.
func (k *Kernel) DoIo(procIdx Index, op ioqueue.Opcode, handle object.Handle, a0, a1, a2 uint64) (uint64, error) {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return 0, err
	}
	e := ioqueue.SubmissionEntry{Opcode: op, Args: encodeArgs(handle, a0, a1, a2)}
	return k.dispatchIoOp(proc, e)
}

// CreateIoQueue installs a new asynchronous I/O queue for procIdx, keyed
// by the shared-page base address the process names (syscall 13).
func (k *Kernel) CreateIoQueue(procIdx Index, base uint64, reqCapP2, compCapP2 uint32) error {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return err
	}
	if reqCapP2 == 0 {
		reqCapP2 = k.cfg.DefaultIoQueueSubCapacity
	}
	if compCapP2 == 0 {
		compCapP2 = k.cfg.DefaultIoQueueCompCapacity
	}
	q, err := ioqueue.New(reqCapP2, compCapP2)
	if err != nil {
		return err
	}
	proc.addIoQueue(base, q)
	return nil
}

// DestroyIoQueue removes procIdx's queue at base (syscall 14).
func (k *Kernel) DestroyIoQueue(procIdx Index, base uint64) error {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return err
	}
	if _, ok := proc.ioQueue(base); !ok {
		return kerr.Of(kerr.InvalidHandle, "no I/O queue at base")
	}
	proc.removeIoQueue(base)
	return nil
}

// PollIoQueue scans procIdx's queue at base once, dispatching every
// submitted entry and posting its completion, then returns how many
// completions are now available to the caller (syscall 5).
func (k *Kernel) PollIoQueue(procIdx Index, base uint64) (int, error) {
	proc, q, err := k.resolveQueue(procIdx, base)
	if err != nil {
		return 0, err
	}
	q.Drain(k.ioProcessor(proc, q))
	return q.Pending(), nil
}

// WaitIoQueue blocks until at least one completion is posted to procIdx's
// queue at base, or timeout elapses (syscall 6). A zero timeout blocks
// indefinitely.
func (k *Kernel) WaitIoQueue(procIdx Index, base uint64, timeout time.Duration, out []ioqueue.CompletionEntry) (int, error) {
	proc, q, err := k.resolveQueue(procIdx, base)
	if err != nil {
		return 0, err
	}
	q.Drain(k.ioProcessor(proc, q))
	return q.WaitIoQueue(out, timeout)
}

// StartIoQueuePolling spawns a kernel thread that continuously scans
// procIdx's queue at base, the polling processing mode for latency-critical
// workloads that don't want to pay a syscall per batch. The poller exits
// once the queue is destroyed or its process exits.
func (k *Kernel) StartIoQueuePolling(procIdx Index, base uint64) error {
	proc, q, err := k.resolveQueue(procIdx, base)
	if err != nil {
		return err
	}
	go func() {
		for {
			cur, ok := proc.ioQueue(base)
			if !ok || cur != q {
				return
			}
			q.Drain(k.ioProcessor(proc, q))
			time.Sleep(time.Millisecond)
		}
	}()
	return nil
}

func (k *Kernel) resolveQueue(procIdx Index, base uint64) (*Process, *ioqueue.Queue, error) {
	proc, err := k.processes.Get(procIdx)
	if err != nil {
		return nil, nil, err
	}
	q, ok := proc.ioQueue(base)
	if !ok {
		return nil, nil, kerr.Of(kerr.InvalidHandle, "no I/O queue at base")
	}
	return proc, q, nil
}

// ioProcessor returns q's submission handler: dispatch against proc's
// handle table, then post the encoded result as the matching completion.
// OpCancel is special-cased here rather than in dispatchIoOp, since
// resolving it means racing the queue's own in-flight bookkeeping, not
// performing an object operation. Every other opcode is dispatched on its
// own goroutine rather than inline: the entry was already marked in-flight
// by the queue's Drain/consume before process ever sees it, so running the
// (possibly blocking) dispatch concurrently with the rest of the
// submission batch is what lets a later-submitted OpCancel in the same
// Drain, or one delivered by a subsequent PollIoQueue/WaitIoQueue call,
// actually overlap a still-running operation instead of always finding it
// long since completed.
func (k *Kernel) ioProcessor(proc *Process, q *ioqueue.Queue) func(ioqueue.SubmissionEntry) {
	return func(e ioqueue.SubmissionEntry) {
		if e.Opcode == ioqueue.OpCancel {
			k.cancelIo(q, e)
			return
		}
		go func() {
			result, err := k.dispatchIoOp(proc, e)
			if err != nil {
				result = errorResultBit | uint64(kerr.CodeOf(err))
			}
			q.PostIfInFlight(e.UserData, result)
		}()
	}
}

// cancelIo resolves an OpCancel submission: the target user-data tag is
// packed into the first 8 bytes of the submission's argument area (see
// encodeCancelTarget). Cancelling and the target's own completion race
// through the queue's in-flight set, so exactly one of them wins; whichever
// does, the cancel request itself always completes, reporting success or
// kerr.AlreadyCompleted.
func (k *Kernel) cancelIo(q *ioqueue.Queue, e ioqueue.SubmissionEntry) {
	tag := decodeCancelTarget(e.Args)
	result := uint64(0)
	if err := q.Cancel(tag); err != nil {
		result = errorResultBit | uint64(kerr.CodeOf(err))
	} else {
		_ = q.Post(tag, errorResultBit|uint64(kerr.Cancelled))
	}
	_ = q.Post(e.UserData, result)
}

// Sleep suspends the calling thread for timeout (syscall 8). A zero
// timeout yields and returns immediately; a negative timeout blocks
// indefinitely, only woken by an external signal (not modeled here, so
// this simplified form blocks forever).
func (k *Kernel) Sleep(timeout time.Duration) error {
	switch {
	case timeout == 0:
		return nil
	case timeout < 0:
		select {}
	default:
		time.Sleep(timeout)
		return nil
	}
}
