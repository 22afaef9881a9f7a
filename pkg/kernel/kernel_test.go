// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norostb/kernel/pkg/ioqueue"
	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/kernel"
	"github.com/norostb/kernel/pkg/object"
	"github.com/norostb/kernel/pkg/sched"
	"github.com/norostb/kernel/pkg/streamtable"
	"github.com/norostb/kernel/pkg/vmm"
)

// encodeIoArgs mirrors the submission argument layout dispatchIoOp decodes
// (pkg/kernel/ioops.go): handle in the first 4 bytes, then three 8-byte
// little-endian words. Tests that submit directly through a process's raw
// queue, rather than through DoIo, need to build this layout themselves —
// exactly what real user-space code writing to the shared submission ring
// would do.
func encodeIoArgs(handle object.Handle, a0, a1, a2 uint64) (args [55]byte) {
	binary.LittleEndian.PutUint32(args[0:4], uint32(handle))
	binary.LittleEndian.PutUint64(args[4:12], a0)
	binary.LittleEndian.PutUint64(args[12:20], a1)
	binary.LittleEndian.PutUint64(args[20:28], a2)
	return args
}

// encodeCancelArgs mirrors OpCancel's argument layout: the target tag packed
// into the first 8 bytes.
func encodeCancelArgs(tag uint64) (args [55]byte) {
	binary.LittleEndian.PutUint64(args[0:8], tag)
	return args
}

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	return kernel.New(logr.Discard(), kernel.Config{TotalPages: 1 << 16, Harts: 2})
}

// newBuffer creates and maps a MemoryRegion of size in proc, returning its
// handle. Mapping at a process-unique address keeps the end-to-end tests
// simple; base page contents are irrelevant to Kernel itself, only to the
// MemoryRegion object DoIo reads and writes through.
func newBuffer(t *testing.T, k *kernel.Kernel, proc kernel.Index, base uint64, size uint64) object.Handle {
	t.Helper()
	h, err := k.NewObject(proc, kernel.KindMemoryRegion, size, 0, 0)
	require.NoError(t, err)
	require.NoError(t, k.MapObject(proc, h, base, vmm.Read|vmm.Write, 0, size))
	return h
}

// TestSharedCounter: P1 creates a 4 KiB shared region, writes 8 bytes at
// offset 0, shares the handle to P2, and P2 reads the same 8 bytes back
// through its own mapping.
func TestSharedCounter(t *testing.T) {
	k := newTestKernel(t)
	group := k.NewProcessGroup()
	p1, _, err := k.SpawnProcess(group)
	require.NoError(t, err)
	p2, _, err := k.SpawnProcess(group)
	require.NoError(t, err)

	region := newBuffer(t, k, p1, 0x4000_0000, 4096)
	src := newBuffer(t, k, p1, 0x5000_0000, 8)
	n, err := k.DoIo(p1, kernel.OpWrite, region, uint64(src), 8, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)

	peerRegion, err := k.ShareHandle(p1, p2, region)
	require.NoError(t, err)
	require.NoError(t, k.MapObject(p2, peerRegion, 0x4000_0000, vmm.Read, 0, 4096))

	dst := newBuffer(t, k, p2, 0x5000_0000, 8)
	n, err = k.DoIo(p2, kernel.OpRead, peerRegion, uint64(dst), 0, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)
}

// TestPipeStreaming exercises a plain Pipe: P1 writes bytes into its end,
// the peer end (shared into P2) reads the same bytes back.
func TestPipeStreaming(t *testing.T) {
	k := newTestKernel(t)
	group := k.NewProcessGroup()
	p1, _, err := k.SpawnProcess(group)
	require.NoError(t, err)
	p2, _, err := k.SpawnProcess(group)
	require.NoError(t, err)

	writer, reader, err := k.NewObjectPaired(p1, kernel.KindPipe)
	require.NoError(t, err)
	peerReader, err := k.ShareHandle(p1, p2, reader)
	require.NoError(t, err)

	src := newBuffer(t, k, p1, 0x6000_0000, 5)
	n, err := k.DoIo(p1, kernel.OpWrite, writer, uint64(src), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	dst := newBuffer(t, k, p2, 0x6000_1000, 5)
	n, err = k.DoIo(p2, kernel.OpRead, peerReader, uint64(dst), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)
}

// TestStreamTableServe creates a stream table object and drives its
// request/response ring directly: a client request goes in, the server
// pops and answers it.
func TestStreamTableServe(t *testing.T) {
	k := newTestKernel(t)
	group := k.NewProcessGroup()
	proc, _, err := k.SpawnProcess(group)
	require.NoError(t, err)

	h, err := k.NewObject(proc, kernel.KindStreamTable, 0, 0, 0)
	require.NoError(t, err)

	p, err := k.Process(proc)
	require.NoError(t, err)
	tbl := p.StreamTables[h]
	require.NotNil(t, tbl)

	id, err := tbl.PushRequest(streamtable.OpOpen, 1, 0)
	require.NoError(t, err)

	req, ok := tbl.PopRequest()
	require.True(t, ok)
	assert.Equal(t, id, req.ID)

	require.NoError(t, tbl.PostResponse(streamtable.ResponseSlot{ID: id, Kind: streamtable.RespHandle, Handle: 7}))
	resp, ok := tbl.ConsumeResponse()
	require.True(t, ok)
	assert.Equal(t, uint32(7), resp.Handle)
}

// TestStreamTableForwarding drives serving through the real syscall
// surface rather than TestStreamTableServe's raw Table access: P2 connects
// to P1's stream table, issues Open("file") then Read(1024) against the
// returned handle, and P1 answers both requests the way real user-space
// server code would, by popping and posting against its own Table directly.
func TestStreamTableForwarding(t *testing.T) {
	k := newTestKernel(t)
	group := k.NewProcessGroup()
	p1, _, err := k.SpawnProcess(group)
	require.NoError(t, err)
	p2, _, err := k.SpawnProcess(group)
	require.NoError(t, err)

	sh, err := k.NewObject(p1, kernel.KindStreamTable, 0, 0, 0)
	require.NoError(t, err)
	server, err := k.Process(p1)
	require.NoError(t, err)
	tbl := server.StreamTables[sh]
	require.NotNil(t, tbl)

	clientHandle, err := k.ConnectStreamTable(p1, p2, sh)
	require.NoError(t, err)

	// serveOnce polls for the next request and answers it, on its own
	// goroutine, since the matching DoIo call below blocks waiting for
	// exactly this response.
	serveOnce := func(errs chan<- error, answer func(streamtable.RequestSlot) streamtable.ResponseSlot) {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if req, ok := tbl.PopRequest(); ok {
				errs <- tbl.PostResponse(answer(req))
				return
			}
			time.Sleep(time.Millisecond)
		}
		errs <- kerr.Of(kerr.Timeout, "no request observed")
	}

	const remoteFileHandle = 7
	pathBuf := newBuffer(t, k, p2, 0x7000_0000, 4)
	errs := make(chan error, 1)
	go serveOnce(errs, func(req streamtable.RequestSlot) streamtable.ResponseSlot {
		assert.Equal(t, streamtable.OpOpen, req.Op)
		return streamtable.ResponseSlot{ID: req.ID, Kind: streamtable.RespHandle, Handle: remoteFileHandle}
	})
	fileHandle, err := k.DoIo(p2, kernel.OpOpen, clientHandle, uint64(pathBuf), 0, 0)
	require.NoError(t, err)
	require.NoError(t, <-errs)

	want := make([]byte, 1024)
	for i := range want {
		want[i] = byte(i)
	}
	go serveOnce(errs, func(req streamtable.RequestSlot) streamtable.ResponseSlot {
		assert.Equal(t, streamtable.OpRead, req.Op)
		slice, aerr := tbl.AllocBuffer(1024)
		if aerr != nil {
			return streamtable.ResponseSlot{ID: req.ID, Kind: streamtable.RespError, Error: kerr.CodeOf(aerr)}
		}
		if werr := tbl.WriteBuffer(slice, want); werr != nil {
			return streamtable.ResponseSlot{ID: req.ID, Kind: streamtable.RespError, Error: kerr.CodeOf(werr)}
		}
		return streamtable.ResponseSlot{ID: req.ID, Kind: streamtable.RespSlice, Slice: slice}
	})
	dst := newBuffer(t, k, p2, 0x7000_1000, 1024)
	n, err := k.DoIo(p2, kernel.OpRead, object.Handle(fileHandle), uint64(dst), 0, 1024)
	require.NoError(t, err)
	require.NoError(t, <-errs)
	assert.Equal(t, uint64(1024), n)
}

// TestSchedulerFairness spawns three threads in one group and confirms
// RunOne cycles through all of them rather than favoring one.
func TestSchedulerFairness(t *testing.T) {
	k := newTestKernel(t)
	group := k.NewProcessGroup()
	proc, _, err := k.SpawnProcess(group)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := k.SpawnThread(proc, uint64(i), uint64(i))
		require.NoError(t, err)
	}

	seen := map[uint64]int{}
	ex := k.Executors()[0]
	for i := 0; i < 9; i++ {
		ok := ex.RunOne(func(th *sched.Thread) {
			seen[th.ID]++
		})
		require.True(t, ok)
	}
	assert.Len(t, seen, 3)
	for _, count := range seen {
		assert.Equal(t, 3, count)
	}
}

// TestPageFaultHandlerDelivery registers an onPageFault handler and
// confirms a fault at an unmapped address results in a new thread hopped
// into the handler rather than the process terminating.
func TestPageFaultHandlerDelivery(t *testing.T) {
	k := newTestKernel(t)
	group := k.NewProcessGroup()
	proc, p, err := k.SpawnProcess(group)
	require.NoError(t, err)

	p.RegisterHandler(kernel.NotifyPageFault, kernel.Handler{IP: 0xdead, SP: 0xbeef})
	before := len(p.Threads)

	err = k.PageFault(proc, 0x7000_0000, vmm.Read)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(p.Threads) > before
	}, time.Second, time.Millisecond)
}

// TestExitTerminatesUnhandledFault confirms a process with no registered
// page-fault handler is torn down rather than left to run on.
func TestExitTerminatesUnhandledFault(t *testing.T) {
	k := newTestKernel(t)
	group := k.NewProcessGroup()
	proc, p, err := k.SpawnProcess(group)
	require.NoError(t, err)

	err = k.PageFault(proc, 0x7000_0000, vmm.Read)
	require.NoError(t, err)

	exited, _ := p.Exited()
	assert.True(t, exited)
}

// TestDoIoUnknownHandleIsInvalidHandle confirms a bogus handle surfaces the
// expected taxonomy code rather than panicking.
func TestDoIoUnknownHandleIsInvalidHandle(t *testing.T) {
	k := newTestKernel(t)
	group := k.NewProcessGroup()
	proc, _, err := k.SpawnProcess(group)
	require.NoError(t, err)

	_, err = k.DoIo(proc, kernel.OpRead, object.Handle(999), 0, 0, 0)
	require.Error(t, err)
	assert.Equal(t, kerr.InvalidHandle, kerr.CodeOf(err))
}

// TestCancelRacesAgainstCompletion exercises the cancellation race through
// the real queue-driven syscall surface: a Read submitted against an empty
// Pipe,
// which blocks on its own dispatch goroutine, races a Cancel for the same
// tag. Exactly one of the two ever reaches the completion ring as the
// read's own outcome: either the read reports Cancelled, or Cancel reports
// AlreadyCompleted and the read's natural result stands.
func TestCancelRacesAgainstCompletion(t *testing.T) {
	const errorBit = uint64(1) << 63

	k := newTestKernel(t)
	group := k.NewProcessGroup()
	proc, _, err := k.SpawnProcess(group)
	require.NoError(t, err)

	writer, reader, err := k.NewObjectPaired(proc, kernel.KindPipe)
	require.NoError(t, err)

	const base = 0x9000_0000
	require.NoError(t, k.CreateIoQueue(proc, base, 0, 0))
	p, err := k.Process(proc)
	require.NoError(t, err)
	q := p.IoQueues[base]
	require.NotNil(t, q)

	dst := newBuffer(t, k, proc, 0x9000_1000, 8)
	src := newBuffer(t, k, proc, 0x9000_2000, 8)

	const readTag = 0xAAAA
	const cancelTag = 0xBBBB
	require.NoError(t, q.Submit(ioqueue.SubmissionEntry{
		Opcode:   kernel.OpRead,
		Args:     encodeIoArgs(reader, uint64(dst), 0, 8),
		UserData: readTag,
	}))
	require.NoError(t, q.Submit(ioqueue.SubmissionEntry{
		Opcode:   ioqueue.OpCancel,
		Args:     encodeCancelArgs(readTag),
		UserData: cancelTag,
	}))

	// Unblocks the read's dispatch goroutine if Cancel loses the race, so
	// it can still post (and find itself already claimed) instead of
	// leaking past the end of the test.
	go func() {
		time.Sleep(time.Millisecond)
		_, _ = k.DoIo(proc, kernel.OpWrite, writer, uint64(src), 8, 0)
	}()

	out := make([]ioqueue.CompletionEntry, 4)
	results := make(map[uint64]uint64)
	deadline := time.Now().Add(2 * time.Second)
	for len(results) < 2 && time.Now().Before(deadline) {
		n, werr := k.WaitIoQueue(proc, base, 100*time.Millisecond, out)
		if werr != nil && kerr.CodeOf(werr) != kerr.Timeout {
			require.NoError(t, werr)
		}
		for i := 0; i < n; i++ {
			results[out[i].UserData] = out[i].Result
		}
	}

	cancelResult, ok := results[cancelTag]
	require.True(t, ok, "cancel submission never completed")
	readResult, ok := results[readTag]
	require.True(t, ok, "read submission never completed")

	if cancelResult&errorBit == 0 {
		assert.Equal(t, errorBit|uint64(kerr.Cancelled), readResult, "cancel won the race, read should report Cancelled")
	} else {
		assert.Equal(t, uint64(kerr.AlreadyCompleted), cancelResult&^errorBit)
		assert.Equal(t, uint64(8), readResult, "read won the race, its natural byte count should stand")
	}
}

// TestIoQueuePollingModeDrains starts the continuous polling mode on a
// queue and confirms submissions complete without any explicit
// PollIoQueue/WaitIoQueue call from the submitter's side.
func TestIoQueuePollingModeDrains(t *testing.T) {
	k := newTestKernel(t)
	group := k.NewProcessGroup()
	proc, _, err := k.SpawnProcess(group)
	require.NoError(t, err)

	const base = 0xA000_0000
	require.NoError(t, k.CreateIoQueue(proc, base, 0, 0))
	require.NoError(t, k.StartIoQueuePolling(proc, base))

	p, err := k.Process(proc)
	require.NoError(t, err)
	q := p.IoQueues[base]
	require.NotNil(t, q)

	region := newBuffer(t, k, proc, 0xA000_1000, 64)
	src := newBuffer(t, k, proc, 0xA000_2000, 8)
	require.NoError(t, q.Submit(ioqueue.SubmissionEntry{
		Opcode:   kernel.OpWrite,
		Args:     encodeIoArgs(region, uint64(src), 8, 0),
		UserData: 0x77,
	}))

	out := make([]ioqueue.CompletionEntry, 1)
	require.Eventually(t, func() bool {
		return q.Poll(out) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0x77), out[0].UserData)
	assert.Equal(t, uint64(8), out[0].Result)
}

// TestClockReadsThroughSyscallPage confirms the virtual syscall page is
// calibrated at boot and yields a plausible, monotonic system time via the
// seqlock read protocol.
func TestClockReadsThroughSyscallPage(t *testing.T) {
	k := newTestKernel(t)

	first := k.Now()
	require.NotZero(t, first)

	time.Sleep(time.Millisecond)
	second := k.Now()
	assert.Greater(t, second, first)
}

// TestCheckpointNotifiedOnPeerExit simulates an IPC hop (a caller thread
// hopped into a server process, leaving a checkpoint) followed by the
// server process exiting: the caller must be resumed with ServerGone
// rather than left permanently blocked.
func TestCheckpointNotifiedOnPeerExit(t *testing.T) {
	k := newTestKernel(t)
	group := k.NewProcessGroup()
	serverProc, _, err := k.SpawnProcess(group)
	require.NoError(t, err)
	callerProc, _, err := k.SpawnProcess(group)
	require.NoError(t, err)

	callerTidx, err := k.SpawnThread(callerProc, 0x1000, 0x2000)
	require.NoError(t, err)
	_, err = k.SpawnThread(serverProc, 0x3000, 0x4000)
	require.NoError(t, err)

	caller, err := k.Thread(callerTidx)
	require.NoError(t, err)

	server, err := k.Process(serverProc)
	require.NoError(t, err)
	sched.Hop(caller, 0x9000, 0xa000, &server.Sched, true)
	assert.Len(t, server.Sched.Checkpoints, 1)

	require.NoError(t, k.Exit(serverProc, 0))
	assert.Empty(t, server.Sched.Checkpoints)
	assert.Equal(t, uint64(kerr.ServerGone), caller.Regs.GP[0])
}
