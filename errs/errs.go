// Package errs defines the error taxonomy shared by every vrpc package.
//
// Each failure carries a Kind. Callers match kinds with errors.Is against the
// sentinel values below, or extract the kind with KindOf:
//
//	if errors.Is(err, errs.ErrTypeNotRegistered) {
//	    // leave the envelope opaque
//	}
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSerialization
	KindDeserialization
	KindTypeConversion
	KindTypeNotRegistered
	KindRPCTimeout
	KindRPC // correlation failure: no pending request, duplicate or late response
	KindInvalidMessage
	KindMissingField
	KindCancelled
	KindChannelClosed
)

var kindNames = [...]string{
	KindUnknown:           "unknown error",
	KindSerialization:     "serialization error",
	KindDeserialization:   "deserialization error",
	KindTypeConversion:    "type conversion error",
	KindTypeNotRegistered: "type not registered",
	KindRPCTimeout:        "rpc timeout",
	KindRPC:               "rpc error",
	KindInvalidMessage:    "invalid message format",
	KindMissingField:      "missing required field",
	KindCancelled:         "rpc cancelled",
	KindChannelClosed:     "response channel closed",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a classified failure. Msg describes the concrete case and Err is
// the underlying cause, if any.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrSerialization     = &Error{Kind: KindSerialization}
	ErrDeserialization   = &Error{Kind: KindDeserialization}
	ErrTypeConversion    = &Error{Kind: KindTypeConversion}
	ErrTypeNotRegistered = &Error{Kind: KindTypeNotRegistered}
	ErrRPCTimeout        = &Error{Kind: KindRPCTimeout}
	ErrRPC               = &Error{Kind: KindRPC}
	ErrInvalidMessage    = &Error{Kind: KindInvalidMessage}
	ErrMissingField      = &Error{Kind: KindMissingField}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrChannelClosed     = &Error{Kind: KindChannelClosed}
)

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
