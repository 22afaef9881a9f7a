// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"sync"
	"time"

	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/object"
	"github.com/norostb/kernel/pkg/streamtable"
)

// responsePumpInterval bounds how long the stream table's response pump
// sleeps between ConsumeResponsePayload polls when the response ring is
// momentarily empty — the same simulated-blocking poll cadence WaitThread
// uses to await a thread exit.
const responsePumpInterval = time.Millisecond

// pendingResponse is what the response pump hands to a blocked forwarding
// call: the response slot plus, for RespSlice responses, the payload bytes
// copied out of the arena before the block was freed.
type pendingResponse struct {
	slot    streamtable.ResponseSlot
	payload []byte
}

// streamTableObject makes a streamtable.Table addressable as a handle-table
// object, since StreamTable is one of the NewObject variants even though
// the ring/arena machinery itself lives in pkg/streamtable. pkg/object's
// dispatch.go explicitly defers construction of this variant to pkg/kernel
// for exactly this reason.
//
// It also owns the response pump every streamClientObject bound to it
// forwards through: a single background goroutine that drains posted
// responses and routes each to whichever forwarding call is waiting on its
// request id — the kernel's half of the protocol, reading each response and
// handing its result on toward the client's completion. Client-side
// forwarding lives in streamclient.go.
type streamTableObject struct {
	object.BaseObject
	table *streamtable.Table

	mu          sync.Mutex
	waiters     map[uint32]chan pendingResponse
	undelivered map[uint32]pendingResponse
	done        chan struct{}
	pumpOnce    sync.Once
	closeOnce   sync.Once
}

func newStreamTableObject(table *streamtable.Table) *streamTableObject {
	return &streamTableObject{
		BaseObject:  object.NewBaseObject("StreamTable"),
		table:       table,
		waiters:     make(map[uint32]chan pendingResponse),
		undelivered: make(map[uint32]pendingResponse),
		done:        make(chan struct{}),
	}
}

// startPump launches the response pump the first time a client connects
// (ConnectStreamTable). A table nobody ever connects a client proxy to —
// TestStreamTableServe drives one directly — never pays for the pump and
// never races it for responses on the same ring.
func (s *streamTableObject) startPump() {
	s.pumpOnce.Do(func() { go s.pump() })
}

// pump is the table's response router: the only goroutine that ever calls
// ConsumeResponsePayload on this table, so a RespSlice payload always
// reaches its waiter before any other forwarding call's arena allocation
// could reuse the freed block.
func (s *streamTableObject) pump() {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		slot, payload, ok := s.table.ConsumeResponsePayload()
		if !ok {
			time.Sleep(responsePumpInterval)
			continue
		}
		s.deliver(slot.ID, pendingResponse{slot: slot, payload: payload})
	}
}

// deliver hands r to the forwarding call waiting on id. The server may
// answer between a call's PushRequest and its await reaching the waiter
// map, so a response with no waiter yet is parked in undelivered rather
// than dropped.
func (s *streamTableObject) deliver(id uint32, r pendingResponse) {
	s.mu.Lock()
	ch, ok := s.waiters[id]
	if ok {
		delete(s.waiters, id)
	} else {
		s.undelivered[id] = r
	}
	s.mu.Unlock()
	if ok {
		ch <- r
	}
}

// await registers a waiter for requestID and blocks until the pump
// delivers its response, or Close resolves every outstanding id as
// ServerGone. A response the pump already parked is returned immediately.
func (s *streamTableObject) await(requestID uint32) pendingResponse {
	s.mu.Lock()
	if r, ok := s.undelivered[requestID]; ok {
		delete(s.undelivered, requestID)
		s.mu.Unlock()
		return r
	}
	ch := make(chan pendingResponse, 1)
	s.waiters[requestID] = ch
	s.mu.Unlock()
	return <-ch
}

// writeArena copies data into a freshly allocated arena block, for request
// arguments that don't fit in RequestSlot's 64-bit Arg union (paths,
// written data).
func (s *streamTableObject) writeArena(data []byte) (streamtable.Slice, error) {
	slice, err := s.table.AllocBuffer(uint32(len(data)))
	if err != nil {
		return streamtable.Slice{}, err
	}
	if len(data) > 0 {
		if err := s.table.WriteBuffer(slice, data); err != nil {
			return streamtable.Slice{}, err
		}
	}
	return slice, nil
}

// Table exposes the underlying stream table for the serving process's own
// request/response plumbing (PopRequest/PostResponse); it is not part of
// the Object interface.
func (s *streamTableObject) Table() *streamtable.Table { return s.table }

// Close tears down the stream table, waking every outstanding request's
// submitter with ServerGone rather than leaving it blocked forever, and
// stops the response pump.
func (s *streamTableObject) Close() error {
	s.closeOnce.Do(func() {
		ids := s.table.Close()
		close(s.done)
		for _, id := range ids {
			s.deliver(id, pendingResponse{slot: streamtable.ResponseSlot{ID: id, Kind: streamtable.RespError, Error: kerr.ServerGone}})
		}
	})
	return nil
}

func (s *streamTableObject) GetMeta(prop string) ([]byte, error) {
	return nil, kerr.Of(kerr.InvalidOperation, "StreamTable does not support "+prop)
}
