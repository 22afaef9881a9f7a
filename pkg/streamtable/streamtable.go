// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package streamtable implements the stream-table IPC mechanism (C6): the
// shared request/response ring pair and buffer arena through which a
// serving process answers object operations on behalf of clients. Ring
// indices follow the same single-writer-per-side discipline as pkg/ioqueue:
// the kernel produces requests and consumes responses; the server consumes
// requests and produces responses.
package streamtable

import (
	"sync"
	"sync/atomic"

	"github.com/norostb/kernel/pkg/kerr"
)

// RequestOp identifies the operation a request slot carries.
type RequestOp uint8

const (
	OpRead RequestOp = iota
	OpWrite
	OpGetMeta
	OpSetMeta
	OpOpen
	OpClose
	OpCreate
	OpDestroy
	OpSeekStart
	OpSeekCurrent
	OpSeekEnd
	OpShare
)

// Slice is an (offset, length) pair into the table's buffer arena.
type Slice struct {
	Offset uint32
	Length uint32
}

// RequestSlot carries an op kind, a 24-bit request id, the client's handle,
// and a 64-bit argument union (an unsigned/signed offset, a slice
// descriptor, a shared-handle id, or an amount, reinterpreted by Op).
type RequestSlot struct {
	ID           uint32 // low 24 bits significant
	ClientHandle uint32
	Op           RequestOp
	Arg          uint64
}

// ResponseKind tags which field of a ResponseSlot's result union is valid.
type ResponseKind uint8

const (
	RespError ResponseKind = iota
	RespPosition
	RespHandle
	RespAmount
	RespSlice
	RespRaw
)

// ResponseSlot carries the id of the request it answers plus a result
// variant. The id is held in a uint32 (low 24 bits significant, as in
// RequestSlot), not in an 8-byte field.
type ResponseSlot struct {
	ID       uint32
	Kind     ResponseKind
	Error    kerr.Code
	Position uint64
	Handle   uint32
	Amount   uint32
	Slice    Slice
	Raw      uint64
}

const idMask = 1<<24 - 1

// Table is a per-serving-process stream table: a request ring (kernel-
// produced, server-consumed), a response ring (server-produced, kernel-
// consumed), and a buffer arena for inline request/response payloads.
type Table struct {
	reqCap  uint32
	reqMask uint32
	req     []RequestSlot
	reqHead atomic.Uint32 // kernel-owned: advances on PushRequest
	reqTail atomic.Uint32 // server-owned: advances on PopRequest

	respCap  uint32
	respMask uint32
	resp     []ResponseSlot
	respHead atomic.Uint32 // server-owned: advances on PostResponse
	respTail atomic.Uint32 // kernel-owned: advances on ConsumeResponse

	mu          sync.Mutex
	arena       *arena
	outstanding map[uint32]Slice // request id -> its response's arena allocation, once posted
	nextID      uint32
	closed      bool
}

// New returns a Table with the given power-of-two slot capacity (request
// and response rings share one capacity) and a buffer arena of arenaSize
// bytes.
func New(slotCapPow2, arenaSize uint32) (*Table, error) {
	if !isPow2(slotCapPow2) {
		return nil, kerr.Of(kerr.InvalidArgument, "stream table slot capacity must be a power of two")
	}
	return &Table{
		reqCap:      slotCapPow2,
		reqMask:     slotCapPow2 - 1,
		req:         make([]RequestSlot, slotCapPow2),
		respCap:     slotCapPow2,
		respMask:    slotCapPow2 - 1,
		resp:        make([]ResponseSlot, slotCapPow2),
		arena:       newArena(arenaSize),
		outstanding: make(map[uint32]Slice),
	}, nil
}

func isPow2(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// PushRequest is called by the kernel to translate a client operation into
// a request on this table, returning the id assigned. A full ring reports
// RingFull; whether to block or fail the originating client op is a
// per-handle policy, so this always fails fast and leaves the choice to
// the caller.
func (t *Table) PushRequest(op RequestOp, clientHandle uint32, arg uint64) (uint32, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, kerr.Of(kerr.ServerGone, "stream table closed")
	}
	head := t.reqHead.Load()
	tail := t.reqTail.Load()
	if head-tail >= t.reqCap {
		t.mu.Unlock()
		return 0, kerr.NewRetryable(kerr.RingFull, "stream table request ring full")
	}
	id := t.nextID & idMask
	t.nextID++
	t.outstanding[id] = Slice{}
	t.mu.Unlock()

	t.req[head&t.reqMask] = RequestSlot{ID: id, ClientHandle: clientHandle, Op: op, Arg: arg}
	t.reqHead.Store(head + 1)
	return id, nil
}

// PopRequest is called by the server to consume the next pending request,
// in FIFO order.
func (t *Table) PopRequest() (RequestSlot, bool) {
	tail := t.reqTail.Load()
	head := t.reqHead.Load()
	if tail == head {
		return RequestSlot{}, false
	}
	e := t.req[tail&t.reqMask]
	t.reqTail.Store(tail + 1)
	return e, true
}

// AllocBuffer reserves length bytes of inline payload space in the table's
// buffer arena, returning the Slice a request or response can reference.
func (t *Table) AllocBuffer(length uint32) (Slice, error) {
	return t.arena.alloc(length)
}

// WriteBuffer copies data into the arena at s, failing with InvalidArgument
// if s falls outside the arena or data overruns it; the kernel enforces
// slice bounds against the table's buffer arena.
func (t *Table) WriteBuffer(s Slice, data []byte) error {
	return t.arena.write(s, data)
}

// ReadBuffer returns a copy of the arena bytes at s.
func (t *Table) ReadBuffer(s Slice) ([]byte, error) {
	return t.arena.read(s)
}

// PostResponse is called by the server to answer request id. It fails with
// InvalidArgument if id is not an outstanding request on this table; every
// response id must equal some outstanding request id.
func (t *Table) PostResponse(slot ResponseSlot) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return kerr.Of(kerr.ServerGone, "stream table closed")
	}
	bufSlice, ok := t.outstanding[slot.ID]
	if !ok {
		t.mu.Unlock()
		return kerr.Of(kerr.InvalidArgument, "response id does not match an outstanding request")
	}
	if slot.Kind == RespSlice {
		bufSlice = slot.Slice
	}
	t.outstanding[slot.ID] = bufSlice
	t.mu.Unlock()

	head := t.respHead.Load()
	tail := t.respTail.Load()
	if head-tail >= t.respCap {
		return kerr.Of(kerr.RingFull, "stream table response ring full")
	}
	t.resp[head&t.respMask] = slot
	t.respHead.Store(head + 1)
	return nil
}

// ConsumeResponse is called by the kernel to pop the next posted response.
// Any arena block the response referenced is freed and the request id is
// recycled for reuse.
func (t *Table) ConsumeResponse() (ResponseSlot, bool) {
	tail := t.respTail.Load()
	head := t.respHead.Load()
	if tail == head {
		return ResponseSlot{}, false
	}
	e := t.resp[tail&t.respMask]
	t.respTail.Store(tail + 1)

	t.mu.Lock()
	if bufSlice, ok := t.outstanding[e.ID]; ok {
		if bufSlice.Length > 0 {
			t.arena.release(bufSlice)
		}
		delete(t.outstanding, e.ID)
	}
	t.mu.Unlock()
	return e, true
}

// ConsumeResponsePayload behaves like ConsumeResponse but additionally
// copies out the response's arena payload, if any, before freeing the
// block — so a caller that needs the bytes (the kernel's stream-table
// client forwarding path, which hands them on as an I/O completion) never
// races a subsequent allocation reusing the same freed block.
func (t *Table) ConsumeResponsePayload() (ResponseSlot, []byte, bool) {
	tail := t.respTail.Load()
	head := t.respHead.Load()
	if tail == head {
		return ResponseSlot{}, nil, false
	}
	e := t.resp[tail&t.respMask]
	t.respTail.Store(tail + 1)

	var payload []byte
	t.mu.Lock()
	if bufSlice, ok := t.outstanding[e.ID]; ok {
		if bufSlice.Length > 0 {
			payload, _ = t.arena.read(bufSlice)
			t.arena.release(bufSlice)
		}
		delete(t.outstanding, e.ID)
	}
	t.mu.Unlock()
	return e, payload, true
}

// Drain pops every currently posted response, in FIFO order, handing each
// to process. This is the kernel-side poll scan mirroring pkg/ioqueue.Drain.
func (t *Table) Drain(process func(ResponseSlot)) int {
	n := 0
	for {
		e, ok := t.ConsumeResponse()
		if !ok {
			break
		}
		process(e)
		n++
	}
	return n
}

// Close marks the table dead; all in-flight ops should be resolved by the
// caller as ServerGone.
func (t *Table) Close() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	ids := make([]uint32, 0, len(t.outstanding))
	for id := range t.outstanding {
		ids = append(ids, id)
	}
	t.outstanding = make(map[uint32]Slice)
	return ids
}

// RequestPending reports how many requests the server has not yet popped,
// and ResponsePending how many posted responses the kernel has not yet
// consumed — for introspection (pkg/introspect's stream_tables collector).
func (t *Table) RequestPending() int {
	return int(t.reqHead.Load() - t.reqTail.Load())
}

func (t *Table) ResponsePending() int {
	return int(t.respHead.Load() - t.respTail.Load())
}
