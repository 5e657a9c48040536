package common

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind classifies an error for retry and presentation decisions.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuth
	KindConnectivity
	KindConflict
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindConnectivity:
		return "connectivity"
	case KindConflict:
		return "conflict"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindAuth:
		return ErrAuth
	case KindConnectivity:
		return ErrConnectivity
	case KindConflict:
		return ErrConflict
	case KindBackend:
		return ErrBackend
	default:
		return nil
	}
}

// Error is a classified client error. Op names the failed operation, Msg
// carries the server or validator message (used for substring mapping) and
// Err is the wrapped cause, usually one of the package sentinels.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithMsg returns e with Msg set.
func (e *Error) WithMsg(msg string) *Error {
	e.Msg = msg
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Err != nil && e.Msg != "":
		b.WriteString(e.Err.Error())
		b.WriteString(": ")
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	default:
		b.WriteString(e.Kind.String() + " error")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Validation is a shorthand for a local, pre-network failure.
func Validation(op string, err error) *Error {
	return NewError(KindValidation, op, err)
}

// Connectivity is a shorthand for a network or timeout failure.
func Connectivity(op string, err error) *Error {
	return NewError(KindConnectivity, op, err)
}

// Conflict is a shorthand for a user-actionable conflict.
func Conflict(op string, err error) *Error {
	return NewError(KindConflict, op, err)
}

// Auth is a shorthand for an authentication failure.
func Auth(op string, err error) *Error {
	return NewError(KindAuth, op, err)
}

// KindOf returns the class of err. Unclassified network and deadline errors
// are reported as connectivity failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnectivity
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindConnectivity
	}
	return KindUnknown
}

// MessageOf returns the most specific human message carried by err.
func MessageOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) && ce.Msg != "" {
		return ce.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
