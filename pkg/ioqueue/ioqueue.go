// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ioqueue implements the completion-based asynchronous I/O queue
// (C4): a submission ring and a completion ring sharing a single-writer-
// per-side index discipline, plus the Poll/Wait/DoIo processing modes.
package ioqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/norostb/kernel/pkg/kerr"
)

// Opcode identifies the operation a submission entry requests.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpCancel
	// Further opcodes (Read, Write, ...) are layered on by pkg/kernel,
	// which owns the mapping from Opcode to object operation.
)

// SubmissionEntry is the 64-byte wire layout: 1-byte opcode, 55 bytes of
// op-specific arguments, 8 bytes of opaque user data.
type SubmissionEntry struct {
	Opcode   Opcode
	Args     [55]byte
	UserData uint64
}

// CompletionEntry is the 16-byte wire layout: 8 bytes copied from the
// submitting entry's user data, 8 bytes of result.
type CompletionEntry struct {
	UserData uint64
	Result   uint64
}

// Queue is a per-process I/O queue: a submission ring (user-owned head,
// kernel-owned tail) and a completion ring (kernel-owned head, user-owned
// tail), each a power-of-two-capacity array. This split means each side
// only ever writes one index per ring, avoiding cross-side contention.
type Queue struct {
	subCap uint32
	subMask uint32
	sub     []SubmissionEntry
	subHead atomic.Uint32 // user-owned
	subTail atomic.Uint32 // kernel-owned

	compCap  uint32
	compMask uint32
	comp     []CompletionEntry
	compHead atomic.Uint32 // kernel-owned
	compTail atomic.Uint32 // user-owned

	// inFlight tracks submissions the kernel has consumed but not yet
	// completed, keyed by user data, so Cancel can find and cancel them
	// and so a completion race can be detected ("already completed").
	mu       sync.Mutex
	inFlight map[uint64]struct{}
	waiters  chan struct{} // closed and replaced whenever a completion posts, to wake WaitIoQueue
}

// New returns a Queue with the given power-of-two submission and
// completion ring capacities.
func New(subCapPow2, compCapPow2 uint32) (*Queue, error) {
	if !isPow2(subCapPow2) || !isPow2(compCapPow2) {
		return nil, kerr.Of(kerr.InvalidArgument, "ring capacities must be powers of two")
	}
	q := &Queue{
		subCap:   subCapPow2,
		subMask:  subCapPow2 - 1,
		sub:      make([]SubmissionEntry, subCapPow2),
		compCap:  compCapPow2,
		compMask: compCapPow2 - 1,
		comp:     make([]CompletionEntry, compCapPow2),
		inFlight: make(map[uint64]struct{}),
		waiters:  make(chan struct{}),
	}
	return q, nil
}

func isPow2(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// Submit is called by the user process to enqueue e. A full ring (head -
// tail has reached capacity) is a client error, RingFull, and the caller
// must wait for completions before retrying.
func (q *Queue) Submit(e SubmissionEntry) error {
	head := q.subHead.Load()
	tail := q.subTail.Load()
	if head-tail >= q.subCap {
		return kerr.NewRetryable(kerr.RingFull, "submission ring full")
	}
	q.sub[head&q.subMask] = e
	q.subHead.Store(head + 1)
	return nil
}

// consume is called by the kernel to pop the next submitted entry, if any.
func (q *Queue) consume() (SubmissionEntry, bool) {
	tail := q.subTail.Load()
	head := q.subHead.Load()
	if tail == head {
		return SubmissionEntry{}, false
	}
	e := q.sub[tail&q.subMask]
	q.subTail.Store(tail + 1)
	q.mu.Lock()
	q.inFlight[e.UserData] = struct{}{}
	q.mu.Unlock()
	return e, true
}

// Drain pops every currently submitted entry, in FIFO order, handing each
// to process. This is the kernel-side poll scan.
func (q *Queue) Drain(process func(SubmissionEntry)) int {
	n := 0
	for {
		e, ok := q.consume()
		if !ok {
			break
		}
		process(e)
		n++
	}
	return n
}

// Post is called by the kernel to append a completion. If the ring is
// full, the kernel must retry after the user consumes — the kernel side
// is expected to size completion rings generously enough that this is
// rare, since completions may land out of submission order.
func (q *Queue) Post(userData uint64, result uint64) error {
	q.mu.Lock()
	delete(q.inFlight, userData)
	q.mu.Unlock()
	return q.appendCompletion(userData, result)
}

// PostIfInFlight posts result for userData only if it is still tracked as
// in-flight, atomically claiming it out of the in-flight set first, and
// reports whether it won that claim. A processing goroutine that loses the
// race against a concurrent Cancel drops its result silently instead of
// producing a second completion for the same operation — together with
// Cancel (which performs the same atomic claim before it posts Cancelled)
// this guarantees exactly one of Cancelled or the operation's own result
// reaches the completion ring.
func (q *Queue) PostIfInFlight(userData uint64, result uint64) bool {
	q.mu.Lock()
	_, inFlight := q.inFlight[userData]
	if inFlight {
		delete(q.inFlight, userData)
	}
	q.mu.Unlock()
	if !inFlight {
		return false
	}
	_ = q.appendCompletion(userData, result)
	return true
}

func (q *Queue) appendCompletion(userData uint64, result uint64) error {
	head := q.compHead.Load()
	tail := q.compTail.Load()
	if head-tail >= q.compCap {
		return kerr.Of(kerr.RingFull, "completion ring full")
	}
	q.comp[head&q.compMask] = CompletionEntry{UserData: userData, Result: result}
	q.compHead.Store(head + 1)
	q.wake()
	return nil
}

func (q *Queue) wake() {
	q.mu.Lock()
	close(q.waiters)
	q.waiters = make(chan struct{})
	q.mu.Unlock()
}

// Pending reports how many completions are currently posted and not yet
// consumed, without consuming any — used by PollIoQueue to report how
// many the user may now read directly from the shared completion ring.
func (q *Queue) Pending() int {
	return int(q.compHead.Load() - q.compTail.Load())
}

// SubmissionPending reports how many submitted entries the kernel has not
// yet consumed, for introspection (pkg/introspect's io_queues collector).
func (q *Queue) SubmissionPending() int {
	return int(q.subHead.Load() - q.subTail.Load())
}

// Poll is called by the user process to consume up to len(out) posted
// completions, returning how many were copied.
func (q *Queue) Poll(out []CompletionEntry) int {
	n := 0
	for n < len(out) {
		tail := q.compTail.Load()
		head := q.compHead.Load()
		if tail == head {
			break
		}
		out[n] = q.comp[tail&q.compMask]
		q.compTail.Store(tail + 1)
		n++
	}
	return n
}

// WaitIoQueue blocks until at least one completion is posted or timeout
// elapses, then behaves like Poll. A zero timeout waits indefinitely.
// Early wakeups are legal; callers (and this implementation) must re-poll
// rather than assume a completion is present on wake.
func (q *Queue) WaitIoQueue(out []CompletionEntry, timeout time.Duration) (int, error) {
	if n := q.Poll(out); n > 0 {
		return n, nil
	}

	q.mu.Lock()
	ch := q.waiters
	q.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return q.Poll(out), nil
	}

	select {
	case <-ch:
		return q.Poll(out), nil
	case <-time.After(timeout):
		return q.Poll(out), kerr.Of(kerr.Timeout, "WaitIoQueue timed out")
	}
}

// Cancel cancels the in-flight operation tagged userData. It races with
// natural completion: if the operation already completed before the
// cancel reaches it, Cancel reports AlreadyCompleted rather than silently
// succeeding.
func (q *Queue) Cancel(userData uint64) error {
	q.mu.Lock()
	_, inFlight := q.inFlight[userData]
	if inFlight {
		delete(q.inFlight, userData)
	}
	q.mu.Unlock()

	if !inFlight {
		return kerr.Of(kerr.AlreadyCompleted, "operation already completed or unknown")
	}
	return nil
}

// DoIo is the synchronous convenience path: submit one entry and block
// until its matching completion appears, returning the result. process is
// the kernel's normal submission handler, driven directly here instead of
// by a separate polling thread, since DoIo's semantics are identical to
// enqueueing a single entry and waiting.
func (q *Queue) DoIo(e SubmissionEntry, process func(SubmissionEntry)) (uint64, error) {
	if err := q.Submit(e); err != nil {
		return 0, err
	}
	q.Drain(process)

	out := make([]CompletionEntry, 1)
	for {
		n, err := q.WaitIoQueue(out, 0)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}
		if out[0].UserData == e.UserData {
			return out[0].Result, nil
		}
		// Not ours (another in-flight op completed first); re-post it so
		// the owner eventually sees it, then keep waiting for ours.
		_ = q.Post(out[0].UserData, out[0].Result)
	}
}
