// Package cos provides common low-level types and utilities shared by all
// packages in this module: typed errors, handle-ID generation, and
// content hashing — in the style of the teacher corpus's cmn/cos.
package cos

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error taxonomy from spec.md §7.
type Kind int

const (
	KindConnectionClosed Kind = iota
	KindClientDisappeared
	KindInvalidArgument
	KindNotFound
	KindBusy
	KindIoError
	KindProtocolError
	KindVetoed
)

func (k Kind) String() string {
	switch k {
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindClientDisappeared:
		return "ClientDisappeared"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindBusy:
		return "Busy"
	case KindIoError:
		return "IoError"
	case KindProtocolError:
		return "ProtocolError"
	case KindVetoed:
		return "Vetoed"
	default:
		return "Unknown"
	}
}

// Error is the single structured error type returned across package
// boundaries in this module. The underlying cause, when present, is
// wrapped with github.com/pkg/errors and kept reachable through Unwrap
// (errors.Unwrap/Is/As) for diagnostics; Error has no Cause method, so
// pkg/errors.Cause stops at the *Error itself.
type Error struct {
	K    Kind
	msg  string
	wrap error
}

func (e *Error) Error() string {
	if e.wrap != nil {
		return fmt.Sprintf("%s: %s: %v", e.K, e.msg, e.wrap)
	}
	return fmt.Sprintf("%s: %s", e.K, e.msg)
}

func (e *Error) Unwrap() error { return e.wrap }

// KindOf extracts the structured Kind from err, if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.K, true
	}
	return 0, false
}

func newErr(k Kind, msg string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	}
	return &Error{K: k, msg: msg, wrap: wrapped}
}

func NewConnectionClosed(msg string, cause error) *Error {
	return newErr(KindConnectionClosed, msg, cause)
}
func NewClientDisappeared(msg string) *Error { return newErr(KindClientDisappeared, msg, nil) }
func NewInvalidArgument(format string, args ...any) *Error {
	return newErr(KindInvalidArgument, fmt.Sprintf(format, args...), nil)
}
func NewNotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, fmt.Sprintf(format, args...), nil)
}
func NewBusy(msg string) *Error { return newErr(KindBusy, msg, nil) }
func NewIoError(cause error) *Error {
	return newErr(KindIoError, "i/o error", cause)
}
func NewProtocolError(format string, args ...any) *Error {
	return newErr(KindProtocolError, fmt.Sprintf(format, args...), nil)
}
func NewVetoed(msg string) *Error { return newErr(KindVetoed, msg, nil) }
