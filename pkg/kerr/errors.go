// Copyright Norost B Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kerr defines the kernel's closed error taxonomy and wraps the
// standard errors package the way a kernel subsystem wraps a shared error
// vocabulary: every completion, DoIo return, and syscall return carries one
// of these Codes.
package kerr

import (
	stdliberrors "errors"
	"fmt"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Code is the kernel's closed error taxonomy. It is signalled through a
// completion's result field, a DoIo return value, or a syscall return value.
type Code int32

const (
	OK Code = iota
	InvalidHandle
	InvalidOperation
	PermissionDenied
	OutOfMemory
	AddressRangeConflict
	InvalidArgument
	WouldBlock
	Cancelled
	Timeout
	Closed
	ServerGone
	RingFull
	NotFound
	AlreadyExists
	AlreadyCompleted
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidHandle:
		return "InvalidHandle"
	case InvalidOperation:
		return "InvalidOperation"
	case PermissionDenied:
		return "PermissionDenied"
	case OutOfMemory:
		return "OutOfMemory"
	case AddressRangeConflict:
		return "AddressRangeConflict"
	case InvalidArgument:
		return "InvalidArgument"
	case WouldBlock:
		return "WouldBlock"
	case Cancelled:
		return "Cancelled"
	case Timeout:
		return "Timeout"
	case Closed:
		return "Closed"
	case ServerGone:
		return "ServerGone"
	case RingFull:
		return "RingFull"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case AlreadyCompleted:
		return "AlreadyCompleted"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

// kernelError is the concrete error type returned by this package. It
// carries a Code so callers can switch on it with errors.As, and an
// optional wrapped cause for diagnostics.
type kernelError struct {
	code  Code
	msg   string
	cause error
}

func (e *kernelError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.code, e.msg)
	}
	return e.code.String()
}

func (e *kernelError) Unwrap() error { return e.cause }

// KernelCode returns the Code e carries.
func (e *kernelError) KernelCode() Code { return e.code }

// coded is implemented by every error this package constructs.
type coded interface {
	error
	KernelCode() Code
}

// Of returns an error carrying code, with an optional descriptive message.
func Of(code Code, msg string) error {
	return &kernelError{code: code, msg: msg}
}

// Ofw wraps cause with code, preserving it for errors.Unwrap/errors.Is.
func Ofw(code Code, msg string, cause error) error {
	return &kernelError{code: code, msg: msg, cause: cause}
}

// CodeOf extracts the Code carried by err, or OK if err is nil, or
// InvalidOperation if err does not carry a recognized Code.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var c coded
	if As(err, &c) {
		return c.KernelCode()
	}
	return InvalidOperation
}

// NewRetryable returns an error marked Retryable, signalling that the
// caller may legitimately resubmit the operation (e.g. RingFull,
// WouldBlock) rather than treating it as terminal.
func NewRetryable(code Code, text string) RetryableError {
	return &retryableError{kernelError{code: code, msg: text}}
}

// Retryable reports whether err is safe for the caller to retry.
func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	kernelError
}

func (r *retryableError) Retryable() {}
