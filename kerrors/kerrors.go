// Package kerrors defines the runtime's closed set of error kinds and a
// small Error type that carries one of them. Every package in the
// runtime that returns an error the caller might branch on (an
// on_error policy, a CLI exit code, a health sample outcome) returns a
// *kerrors.Error rather than an opaque error, mirroring the teacher's
// small structured ExecutionError type.
package kerrors

import "errors"

// Kind is a closed enumeration of the ways an operation can fail.
type Kind string

const (
	KindUsage     Kind = "usage"
	KindNotFound  Kind = "not_found"
	KindConflict  Kind = "conflict"
	KindTimeout   Kind = "timeout"
	KindCapacity  Kind = "capacity"
	KindStorage   Kind = "storage"
	KindCancelled Kind = "cancelled"
	KindAgent     Kind = "agent"
)

// Error is the runtime's structured error: a Kind the caller can
// branch on, a human-readable message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an existing error, or returns nil if err is
// nil. If err is already a *Error, its kind is preserved unless kind
// is non-empty and differs, in which case the outer kind wins and the
// original Error becomes the cause.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	if kind == "" {
		var inner *Error
		if errors.As(err, &inner) {
			kind = inner.Kind
		}
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Errors
// that are not a *Error (or do not wrap one) report KindAgent, since
// an un-annotated failure most commonly originates from agent code
// outside the core's control.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return KindAgent
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps a Kind to the CLI's exit code convention: 0 ok, 2
// usage, 3 not-found, 4 conflict, 5 everything else that reached the
// caller as an error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindUsage:
		return 2
	case KindNotFound:
		return 3
	case KindConflict:
		return 4
	default:
		return 5
	}
}
