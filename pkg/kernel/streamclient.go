// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/object"
	"github.com/norostb/kernel/pkg/streamtable"
)

// streamClientObject is a client-side handle to an object served by a
// different process's stream table: a client operation on it is translated
// by the kernel into a request on the serving process's table. Every Object
// method
// below pushes a request onto the server's table and blocks the calling
// goroutine until the server's response arrives — since dispatchIoOp's
// caller already runs each op on its own goroutine (see ioProcessor), this
// blocking is invisible above dispatchIoOp: the eventual result is posted
// as an ordinary completion exactly like any in-kernel object operation.
type streamClientObject struct {
	object.BaseObject
	server *streamTableObject
	remote uint32 // the handle this client names within the server's own object space
}

func newStreamClientObject(server *streamTableObject, remote object.Handle) *streamClientObject {
	return &streamClientObject{
		BaseObject: object.NewBaseObject("StreamClient"),
		server:     server,
		remote:     uint32(remote),
	}
}

// encodeSlice packs a streamtable.Slice into RequestSlot's single 64-bit
// Arg union: offset in the high 32 bits, length in the low 32 —
// RequestSlot's own doc comment already describes Arg as "reinterpreted by
// Op", and a slice is the shape every forwarded op here needs to name
// either a target range (Read) or an arena-resident payload (Write, paths).
func encodeSlice(s streamtable.Slice) uint64 {
	return uint64(s.Offset)<<32 | uint64(s.Length)
}

// call pushes a request naming c.remote as the target and blocks for the
// matching response, translating an explicit RespError (including the
// ServerGone Close delivers to every outstanding request) into a Go error.
func (c *streamClientObject) call(op streamtable.RequestOp, arg uint64) (pendingResponse, error) {
	id, err := c.server.table.PushRequest(op, c.remote, arg)
	if err != nil {
		return pendingResponse{}, err
	}
	pr := c.server.await(id)
	if pr.slot.Kind == streamtable.RespError {
		return pr, kerr.Of(pr.slot.Error, "stream table server returned an error")
	}
	return pr, nil
}

func (c *streamClientObject) Read(off uint64, length uint32) ([]byte, error) {
	pr, err := c.call(streamtable.OpRead, encodeSlice(streamtable.Slice{Offset: uint32(off), Length: length}))
	if err != nil {
		return nil, err
	}
	if pr.slot.Kind != streamtable.RespSlice {
		return nil, kerr.Of(kerr.InvalidOperation, "server answered Read with an unexpected response kind")
	}
	return pr.payload, nil
}

func (c *streamClientObject) Peek(off uint64, length uint32) ([]byte, error) {
	return c.Read(off, length)
}

func (c *streamClientObject) Write(data []byte) (uint32, error) {
	slice, err := c.server.writeArena(data)
	if err != nil {
		return 0, err
	}
	pr, err := c.call(streamtable.OpWrite, encodeSlice(slice))
	if err != nil {
		return 0, err
	}
	if pr.slot.Kind != streamtable.RespAmount {
		return 0, kerr.Of(kerr.InvalidOperation, "server answered Write with an unexpected response kind")
	}
	return pr.slot.Amount, nil
}

func (c *streamClientObject) openOrCreate(op streamtable.RequestOp, path string) (object.Object, error) {
	slice, err := c.server.writeArena([]byte(path))
	if err != nil {
		return nil, err
	}
	pr, err := c.call(op, encodeSlice(slice))
	if err != nil {
		return nil, err
	}
	if pr.slot.Kind != streamtable.RespHandle {
		return nil, kerr.Of(kerr.InvalidOperation, "server answered Open/Create with an unexpected response kind")
	}
	return newStreamClientObject(c.server, object.Handle(pr.slot.Handle)), nil
}

func (c *streamClientObject) Open(path string) (object.Object, error) {
	return c.openOrCreate(streamtable.OpOpen, path)
}

func (c *streamClientObject) Create(path string) (object.Object, error) {
	return c.openOrCreate(streamtable.OpCreate, path)
}

func (c *streamClientObject) Destroy(path string) error {
	slice, err := c.server.writeArena([]byte(path))
	if err != nil {
		return err
	}
	_, err = c.call(streamtable.OpDestroy, encodeSlice(slice))
	return err
}

func (c *streamClientObject) GetMeta(prop string) ([]byte, error) {
	slice, err := c.server.writeArena([]byte(prop))
	if err != nil {
		return nil, err
	}
	pr, err := c.call(streamtable.OpGetMeta, encodeSlice(slice))
	if err != nil {
		return nil, err
	}
	if pr.slot.Kind != streamtable.RespSlice {
		return nil, kerr.Of(kerr.InvalidOperation, "server answered GetMeta with an unexpected response kind")
	}
	return pr.payload, nil
}

// SetMeta is not supported over the forwarding path: RequestSlot carries a
// single 64-bit Arg union, enough to name one arena slice, but SetMeta
// needs two (the property name and the value). Every other forwarded op
// only ever needs one slice.

// Share forwards the transferred handle's id to the server as the request
// arg (the RequestSlot union's shared-handle form); how the server maps it
// into its own object space is its business.
func (c *streamClientObject) Share(peer object.Handle) error {
	_, err := c.call(streamtable.OpShare, uint64(peer))
	return err
}

func (c *streamClientObject) Seek(whence object.Whence, off int64) (uint64, error) {
	var op streamtable.RequestOp
	switch whence {
	case object.SeekStart:
		op = streamtable.OpSeekStart
	case object.SeekCurrent:
		op = streamtable.OpSeekCurrent
	case object.SeekEnd:
		op = streamtable.OpSeekEnd
	default:
		return 0, kerr.Of(kerr.InvalidArgument, "unknown seek whence")
	}
	pr, err := c.call(op, uint64(off))
	if err != nil {
		return 0, err
	}
	if pr.slot.Kind != streamtable.RespPosition {
		return 0, kerr.Of(kerr.InvalidOperation, "server answered Seek with an unexpected response kind")
	}
	return pr.slot.Position, nil
}

// Close notifies the server the client is done with this remote handle.
// It does not wait for a response: this runs synchronously inside
// CloseHandle/process teardown, not on its own dispatch goroutine, and
// must never block on a server that may no longer be scheduled to answer.
func (c *streamClientObject) Close() error {
	_, _ = c.server.table.PushRequest(streamtable.OpClose, c.remote, 0)
	return nil
}
