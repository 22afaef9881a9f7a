// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package object

import (
	"sync"

	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/vmm"
)

// MemoryRegion is an anonymous or shared-set-backed memory object, byte
// addressable through Read/Write/Seek in addition to being mappable into an
// address space via MapObject.
type MemoryRegion struct {
	BaseObject
	mu     sync.Mutex
	buf    []byte
	cursor uint64
}

// NewMemoryRegion allocates a zero-filled region of size bytes.
func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{BaseObject: NewBaseObject("MemoryRegion"), buf: make([]byte, size)}
}

func (m *MemoryRegion) Read(off uint64, length uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return readBuf(m.buf, off, length)
}

func (m *MemoryRegion) Peek(off uint64, length uint32) ([]byte, error) {
	return m.Read(off, length)
}

func (m *MemoryRegion) Write(data []byte) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := writeBuf(m.buf, m.cursor, data)
	if err != nil {
		return 0, err
	}
	m.cursor += uint64(n)
	return n, nil
}

func (m *MemoryRegion) GetMeta(prop string) ([]byte, error) {
	if prop == "size" {
		return encodeU64(uint64(len(m.buf))), nil
	}
	return nil, kerr.Of(kerr.InvalidArgument, "unknown meta property "+prop)
}

func (m *MemoryRegion) Seek(whence Whence, off int64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, err := seekCursor(m.cursor, uint64(len(m.buf)), whence, off)
	if err != nil {
		return 0, err
	}
	m.cursor = pos
	return pos, nil
}

// Bytes returns the region's backing buffer directly, for the vmm layer to
// fault object-backed mappings against. Not part of the Object interface.
func (m *MemoryRegion) Bytes() []byte { return m.buf }

// MemorySubrange is a bounded view of another object's backing store, with
// its own offset/length and an independent seek cursor.
type MemorySubrange struct {
	BaseObject
	mu     sync.Mutex
	parent Object
	base   uint64
	length uint64
	cursor uint64
}

// NewSubrange returns a view of parent covering [base, base+length).
func NewSubrange(parent Object, base, length uint64) (*MemorySubrange, error) {
	if _, err := parent.GetMeta("size"); err != nil {
		return nil, kerr.Of(kerr.InvalidArgument, "subrange parent does not expose a size")
	}
	return &MemorySubrange{BaseObject: NewBaseObject("MemorySubrange"), parent: parent, base: base, length: length}, nil
}

func (s *MemorySubrange) translate(off uint64, length uint32) (uint64, uint32, error) {
	if off > s.length || uint64(length) > s.length-off {
		return 0, 0, kerr.Of(kerr.InvalidArgument, "subrange access out of bounds")
	}
	return s.base + off, length, nil
}

func (s *MemorySubrange) Read(off uint64, length uint32) ([]byte, error) {
	po, pl, err := s.translate(off, length)
	if err != nil {
		return nil, err
	}
	return s.parent.Read(po, pl)
}

func (s *MemorySubrange) Peek(off uint64, length uint32) ([]byte, error) {
	po, pl, err := s.translate(off, length)
	if err != nil {
		return nil, err
	}
	return s.parent.Peek(po, pl)
}

func (s *MemorySubrange) Write(data []byte) (uint32, error) {
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()
	if uint64(len(data)) > s.length-cursor {
		return 0, kerr.Of(kerr.InvalidArgument, "write would cross subrange bound")
	}
	if _, err := s.parent.Seek(SeekStart, int64(s.base+cursor)); err != nil {
		return 0, err
	}
	n, err := s.parent.Write(data)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.cursor += uint64(n)
	s.mu.Unlock()
	return n, nil
}

func (s *MemorySubrange) Seek(whence Whence, off int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, err := seekCursor(s.cursor, s.length, whence, off)
	if err != nil {
		return 0, err
	}
	s.cursor = pos
	return pos, nil
}

func (s *MemorySubrange) GetMeta(prop string) ([]byte, error) {
	if prop == "size" {
		return encodeU64(s.length), nil
	}
	return nil, kerr.Of(kerr.InvalidArgument, "unknown meta property "+prop)
}

// PermissionMask wraps another object behind a restricted RWX mask; ops
// requiring a bit the mask denies fail with PermissionDenied instead of
// being forwarded.
type PermissionMask struct {
	BaseObject
	parent Object
	perm   vmm.RWX
}

// NewPermissionMask returns a view of parent restricted to perm. perm must
// not grant more than parent would allow the caller.
func NewPermissionMask(parent Object, perm vmm.RWX) *PermissionMask {
	return &PermissionMask{BaseObject: NewBaseObject("PermissionMask"), parent: parent, perm: perm}
}

func (p *PermissionMask) Read(off uint64, length uint32) ([]byte, error) {
	if !p.perm.Allows(vmm.Read) {
		return nil, kerr.Of(kerr.PermissionDenied, "mask denies read")
	}
	return p.parent.Read(off, length)
}

func (p *PermissionMask) Peek(off uint64, length uint32) ([]byte, error) {
	if !p.perm.Allows(vmm.Read) {
		return nil, kerr.Of(kerr.PermissionDenied, "mask denies read")
	}
	return p.parent.Peek(off, length)
}

func (p *PermissionMask) Write(data []byte) (uint32, error) {
	if !p.perm.Allows(vmm.Write) {
		return 0, kerr.Of(kerr.PermissionDenied, "mask denies write")
	}
	return p.parent.Write(data)
}

func (p *PermissionMask) GetMeta(prop string) ([]byte, error) { return p.parent.GetMeta(prop) }
func (p *PermissionMask) Seek(w Whence, off int64) (uint64, error) { return p.parent.Seek(w, off) }

// Perm reports the mask's permission bits, for MapObject to intersect
// against the requested mapping RWX.
func (p *PermissionMask) Perm() vmm.RWX { return p.perm }

// Root is a string-keyed namespace object; Open/Create/Destroy are
// hierarchical only on a Root, per the object model.
type Root struct {
	BaseObject
	mu       sync.Mutex
	children map[string]Object
}

// NewRoot returns an empty Root.
func NewRoot() *Root {
	return &Root{BaseObject: NewBaseObject("Root"), children: make(map[string]Object)}
}

func (r *Root) Open(path string) (Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.children[path]
	if !ok {
		return nil, kerr.Of(kerr.NotFound, "no child named "+path)
	}
	return obj, nil
}

func (r *Root) Create(path string) (Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.children[path]; exists {
		return nil, kerr.Of(kerr.AlreadyExists, "child already exists: "+path)
	}
	child := NewMemoryRegion(0)
	r.children[path] = child
	return child, nil
}

func (r *Root) Destroy(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.children[path]; !exists {
		return kerr.Of(kerr.NotFound, "no child named "+path)
	}
	delete(r.children, path)
	return nil
}

// Pipe is a unidirectional byte-stream channel. NewPipe returns both
// endpoints; data written to one is read from the other in order.
type Pipe struct {
	BaseObject
	half *pipeHalf
	send bool // true if this endpoint writes into half's buffer, false if it reads
}

type pipeHalf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

// NewPipe returns the writer and reader ends of a new pipe.
func NewPipe() (writer, reader *Pipe) {
	h := &pipeHalf{}
	h.cond = sync.NewCond(&h.mu)
	return &Pipe{BaseObject: NewBaseObject("Pipe"), half: h, send: true},
		&Pipe{BaseObject: NewBaseObject("Pipe"), half: h, send: false}
}

func (p *Pipe) Write(data []byte) (uint32, error) {
	if !p.send {
		return 0, kerr.Of(kerr.InvalidOperation, "reader end of pipe cannot write")
	}
	p.half.mu.Lock()
	defer p.half.mu.Unlock()
	if p.half.closed {
		return 0, kerr.Of(kerr.Closed, "pipe closed")
	}
	p.half.buf = append(p.half.buf, data...)
	p.half.cond.Broadcast()
	return uint32(len(data)), nil
}

func (p *Pipe) Read(off uint64, length uint32) ([]byte, error) {
	if p.send {
		return nil, kerr.Of(kerr.InvalidOperation, "writer end of pipe cannot read")
	}
	p.half.mu.Lock()
	defer p.half.mu.Unlock()
	for len(p.half.buf) == 0 && !p.half.closed {
		p.half.cond.Wait()
	}
	if len(p.half.buf) == 0 && p.half.closed {
		return nil, kerr.Of(kerr.Closed, "pipe closed")
	}
	n := uint32(len(p.half.buf))
	if n > length {
		n = length
	}
	out := make([]byte, n)
	copy(out, p.half.buf[:n])
	p.half.buf = p.half.buf[n:]
	return out, nil
}

func (p *Pipe) Close() error {
	p.half.mu.Lock()
	p.half.closed = true
	p.half.cond.Broadcast()
	p.half.mu.Unlock()
	return nil
}

// MessagePipe is a unidirectional datagram channel: each Write is read back
// as exactly one Read, preserving message boundaries.
type MessagePipe struct {
	BaseObject
	half *msgHalf
	send bool
}

type msgHalf struct {
	mu       sync.Mutex
	cond     *sync.Cond
	messages [][]byte
	closed   bool
}

// NewMessagePipe returns the writer and reader ends of a new message pipe.
func NewMessagePipe() (writer, reader *MessagePipe) {
	h := &msgHalf{}
	h.cond = sync.NewCond(&h.mu)
	return &MessagePipe{BaseObject: NewBaseObject("MessagePipe"), half: h, send: true},
		&MessagePipe{BaseObject: NewBaseObject("MessagePipe"), half: h, send: false}
}

func (p *MessagePipe) Write(data []byte) (uint32, error) {
	if !p.send {
		return 0, kerr.Of(kerr.InvalidOperation, "reader end of message pipe cannot write")
	}
	p.half.mu.Lock()
	defer p.half.mu.Unlock()
	if p.half.closed {
		return 0, kerr.Of(kerr.Closed, "message pipe closed")
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	p.half.messages = append(p.half.messages, msg)
	p.half.cond.Broadcast()
	return uint32(len(data)), nil
}

func (p *MessagePipe) Read(off uint64, length uint32) ([]byte, error) {
	if p.send {
		return nil, kerr.Of(kerr.InvalidOperation, "writer end of message pipe cannot read")
	}
	p.half.mu.Lock()
	defer p.half.mu.Unlock()
	for len(p.half.messages) == 0 && !p.half.closed {
		p.half.cond.Wait()
	}
	if len(p.half.messages) == 0 && p.half.closed {
		return nil, kerr.Of(kerr.Closed, "message pipe closed")
	}
	msg := p.half.messages[0]
	if uint32(len(msg)) > length {
		return nil, kerr.Of(kerr.InvalidArgument, "read buffer too small for message")
	}
	p.half.messages = p.half.messages[1:]
	return msg, nil
}

func (p *MessagePipe) Close() error {
	p.half.mu.Lock()
	p.half.closed = true
	p.half.cond.Broadcast()
	p.half.mu.Unlock()
	return nil
}

func readBuf(buf []byte, off uint64, length uint32) ([]byte, error) {
	if off > uint64(len(buf)) {
		return nil, kerr.Of(kerr.InvalidArgument, "read offset beyond end of buffer")
	}
	end := off + uint64(length)
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	out := make([]byte, end-off)
	copy(out, buf[off:end])
	return out, nil
}

func writeBuf(buf []byte, cursor uint64, data []byte) (uint32, error) {
	end := cursor + uint64(len(data))
	if end > uint64(len(buf)) {
		return 0, kerr.Of(kerr.InvalidArgument, "write would exceed buffer bounds")
	}
	copy(buf[cursor:end], data)
	return uint32(len(data)), nil
}

func seekCursor(cur, size uint64, whence Whence, off int64) (uint64, error) {
	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = int64(cur)
	case SeekEnd:
		base = int64(size)
	default:
		return 0, kerr.Of(kerr.InvalidArgument, "unknown seek whence")
	}
	pos := base + off
	if pos < 0 || uint64(pos) > size {
		return 0, kerr.Of(kerr.InvalidArgument, "seek out of bounds")
	}
	return uint64(pos), nil
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
