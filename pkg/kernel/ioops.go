// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"encoding/binary"

	"github.com/norostb/kernel/pkg/ioqueue"
	"github.com/norostb/kernel/pkg/kerr"
	"github.com/norostb/kernel/pkg/object"
)

// I/O opcodes layered onto ioqueue.Opcode, continuing past OpNop/OpCancel,
// one per object operation (Read, Peek, Write, GetMeta, SetMeta, Open,
// Create, Destroy, the three Seek variants, and Share).
const (
	OpRead ioqueue.Opcode = iota + 2
	OpPeek
	OpWrite
	OpGetMeta
	OpSetMeta
	OpOpen
	OpCreate
	OpDestroy
	OpSeekStart
	OpSeekCurrent
	OpSeekEnd
	OpShare
)

// errorResultBit marks a completion/DoIo result as an error: the low bits
// then hold the kerr.Code.
const errorResultBit = uint64(1) << 63

// encodeArgs packs handle, a0, a1, a2 into a submission entry's 55-byte
// argument area: 4 bytes handle, then three 8-byte little-endian words.
func encodeArgs(handle object.Handle, a0, a1, a2 uint64) (args [55]byte) {
	binary.LittleEndian.PutUint32(args[0:4], uint32(handle))
	binary.LittleEndian.PutUint64(args[4:12], a0)
	binary.LittleEndian.PutUint64(args[12:20], a1)
	binary.LittleEndian.PutUint64(args[20:28], a2)
	return args
}

func decodeArgs(args [55]byte) (handle object.Handle, a0, a1, a2 uint64) {
	handle = object.Handle(binary.LittleEndian.Uint32(args[0:4]))
	a0 = binary.LittleEndian.Uint64(args[4:12])
	a1 = binary.LittleEndian.Uint64(args[12:20])
	a2 = binary.LittleEndian.Uint64(args[20:28])
	return
}

// encodeCancelTarget packs the user-data tag an OpCancel submission names
// into the first 8 bytes of its argument area.
func encodeCancelTarget(tag uint64) (args [55]byte) {
	binary.LittleEndian.PutUint64(args[0:8], tag)
	return args
}

func decodeCancelTarget(args [55]byte) uint64 {
	return binary.LittleEndian.Uint64(args[0:8])
}

// dataObject is the subset of object.Object variants DoIo's buffer
// arguments address: a flat byte slice a0/a1 can slice into directly,
// rather than forcing every transfer through Read/Write's own copy
// semantics a second time.
type dataObject interface {
	Bytes() []byte
}

// dispatchIoOp performs one object operation named by e against proc's
// handle table, returning the 64-bit result DoIo and completion posting
// both use. a0/a1/a2 are interpreted per opcode: Read/Peek take a0=buffer
// handle, a1=offset into the target, a2=length; Write takes a0=buffer
// handle, a1=length; GetMeta/SetMeta/Open/Create/Destroy take a0=buffer
// handle holding the UTF-8 property name or path (and, for SetMeta,
// a1=value buffer handle, a2=value length); the Seek variants take
// a0=offset; Share takes a0=the handle to transfer to the target object's
// peer (only a stream-table client handle accepts it, forwarding the id to
// the serving process; pipes and every other object report
// InvalidOperation).
func (k *Kernel) dispatchIoOp(proc *Process, e ioqueue.SubmissionEntry) (uint64, error) {
	handle, a0, a1, a2 := decodeArgs(e.Args)
	obj, err := proc.Handles.Resolve(handle)
	if err != nil {
		return 0, err
	}

	switch e.Opcode {
	case OpRead:
		buf, berr := bufferOf(proc, object.Handle(a0))
		if berr != nil {
			return 0, berr
		}
		data, rerr := obj.Read(a1, uint32(a2))
		if rerr != nil {
			return 0, rerr
		}
		if uint64(len(data)) > uint64(len(buf)) {
			return 0, kerr.Of(kerr.InvalidArgument, "read result exceeds destination buffer")
		}
		copy(buf, data)
		return uint64(len(data)), nil

	case OpPeek:
		buf, berr := bufferOf(proc, object.Handle(a0))
		if berr != nil {
			return 0, berr
		}
		data, rerr := obj.Peek(a1, uint32(a2))
		if rerr != nil {
			return 0, rerr
		}
		if uint64(len(data)) > uint64(len(buf)) {
			return 0, kerr.Of(kerr.InvalidArgument, "peek result exceeds destination buffer")
		}
		copy(buf, data)
		return uint64(len(data)), nil

	case OpWrite:
		buf, berr := bufferOf(proc, object.Handle(a0))
		if berr != nil {
			return 0, berr
		}
		if a1 > uint64(len(buf)) {
			return 0, kerr.Of(kerr.InvalidArgument, "write length exceeds source buffer")
		}
		n, werr := obj.Write(buf[:a1])
		return uint64(n), werr

	case OpGetMeta:
		prop, berr := stringOf(proc, object.Handle(a0))
		if berr != nil {
			return 0, berr
		}
		val, rerr := obj.GetMeta(prop)
		if rerr != nil {
			return 0, rerr
		}
		buf, berr := bufferOf(proc, object.Handle(a1))
		if berr != nil {
			return 0, berr
		}
		if uint64(len(val)) > uint64(len(buf)) {
			return 0, kerr.Of(kerr.InvalidArgument, "meta value exceeds destination buffer")
		}
		copy(buf, val)
		return uint64(len(val)), nil

	case OpSetMeta:
		prop, berr := stringOf(proc, object.Handle(a0))
		if berr != nil {
			return 0, berr
		}
		buf, berr := bufferOf(proc, object.Handle(a1))
		if berr != nil {
			return 0, berr
		}
		if a2 > uint64(len(buf)) {
			return 0, kerr.Of(kerr.InvalidArgument, "meta value length exceeds source buffer")
		}
		return 0, obj.SetMeta(prop, buf[:a2])

	case OpOpen, OpCreate:
		path, berr := stringOf(proc, object.Handle(a0))
		if berr != nil {
			return 0, berr
		}
		var child object.Object
		var oerr error
		if e.Opcode == OpOpen {
			child, oerr = obj.Open(path)
		} else {
			child, oerr = obj.Create(path)
		}
		if oerr != nil {
			return 0, oerr
		}
		h := proc.Handles.Insert(child)
		k.recordObjectCreate(proc, h)
		return uint64(h), nil

	case OpDestroy:
		path, berr := stringOf(proc, object.Handle(a0))
		if berr != nil {
			return 0, berr
		}
		derr := obj.Destroy(path)
		if derr == nil && k.telemetry != nil {
			_ = k.telemetry.Append(telemetryEvent(telemetryObjectDestroy, proc.Sched.ID, uint64(handle), kerr.OK, path))
		}
		return 0, derr

	case OpSeekStart:
		pos, serr := obj.Seek(object.SeekStart, int64(a0))
		return pos, serr
	case OpSeekCurrent:
		pos, serr := obj.Seek(object.SeekCurrent, int64(a0))
		return pos, serr
	case OpSeekEnd:
		pos, serr := obj.Seek(object.SeekEnd, int64(a0))
		return pos, serr

	case OpShare:
		return 0, obj.Share(object.Handle(a0))

	case ioqueue.OpCancel:
		// ioProcessor special-cases OpCancel before it ever reaches here
		// (cancelIo in syscalls.go). DoIo's direct synchronous path has no
		// in-flight entry for a cancel target to race against, so it's
		// simply not a meaningful operation to perform standalone.
		return 0, kerr.Of(kerr.InvalidOperation, "OpCancel is only meaningful submitted through a queue")

	default:
		return 0, kerr.Of(kerr.InvalidArgument, "unknown I/O opcode")
	}
}

func bufferOf(proc *Process, h object.Handle) ([]byte, error) {
	obj, err := proc.Handles.Resolve(h)
	if err != nil {
		return nil, err
	}
	d, ok := obj.(dataObject)
	if !ok {
		return nil, kerr.Of(kerr.InvalidArgument, "handle does not name a flat-byte buffer object")
	}
	return d.Bytes(), nil
}

func stringOf(proc *Process, h object.Handle) (string, error) {
	buf, err := bufferOf(proc, h)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
