// Package smrerr implements the error taxonomy from the core design:
// InputError, IOError, ProtocolError, StaleError, and ClientError. Each kind
// carries a different propagation policy at the replica core boundary.
package smrerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Input Kind = iota
	IO
	Protocol
	Stale
	Client
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "InputError"
	case IO:
		return "IOError"
	case Protocol:
		return "ProtocolError"
	case Stale:
		return "StaleError"
	case Client:
		return "ClientError"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with a taxonomy kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Wrap(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Fatal reports whether the propagation policy (spec §7) treats this error
// as escalate-immediately for the owning replica: ProtocolError always is;
// IOError is fatal only once retried (callers set that up themselves by
// re-wrapping after a failed retry). InputError is fatal at startup only.
func Fatal(err error) bool {
	return Is(err, Protocol)
}
