// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Well-known fault kinds. A fault of any other kind is reconstructed as an
// *UnserializableError unless the receiving endpoint registers it in
// [Options.FaultKinds].
const (
	FaultError            = "error"
	FaultCanceled         = "canceled"
	FaultDeadlineExceeded = "deadline-exceeded"
	FaultNoSuchServant    = "no-such-servant"
	FaultNoSuchMethod     = "no-such-method"
	FaultTypeMismatch     = "type-mismatch"
	FaultConnectionLost   = "connection-lost"
	FaultNotConnected     = "not-connected"
	FaultPanic            = "panic"
)

var builtinFaults = map[string]error{
	FaultError:            nil,
	FaultCanceled:         context.Canceled,
	FaultDeadlineExceeded: context.DeadlineExceeded,
	FaultNoSuchServant:    ErrNoSuchServant,
	FaultNoSuchMethod:     ErrNoSuchMethod,
	FaultTypeMismatch:     ErrTypeMismatch,
	FaultConnectionLost:   ErrConnectionLost,
	FaultNotConnected:     ErrNotConnected,
	FaultPanic:            ErrHandlerPanic,
}

// maxFaultDepth bounds the length of an encoded cause chain.
const maxFaultDepth = 8

// A FaultKinder is an error that chooses the fault kind it is reported as
// when returned by a servant method.
type FaultKinder interface {
	error
	FaultKind() string
}

// RemoteError is an error reported by a servant on the remote endpoint,
// reconstructed from its kind, message, stack text, and cause chain.
//
// For the well-known kinds, a RemoteError matches the corresponding sentinel
// under errors.Is, for example a FaultNoSuchServant fault matches
// [ErrNoSuchServant] and a FaultCanceled fault matches context.Canceled.
type RemoteError struct {
	Kind    string
	Message string
	Stack   string       // empty unless the remote captured one
	Cause   *RemoteError // nil if the chain ends here

	sentinel error
}

func (r *RemoteError) Error() string {
	if r.Kind == FaultError {
		return "remote error: " + r.Message
	}
	return fmt.Sprintf("remote %s: %s", r.Kind, r.Message)
}

// FaultKind implements [FaultKinder], so that a remote error returned by a
// servant keeps its kind when it is forwarded.
func (r *RemoteError) FaultKind() string { return r.Kind }

// Unwrap reports the sentinel for the kind of r (if any) and its cause.
func (r *RemoteError) Unwrap() []error {
	var out []error
	if r.sentinel != nil {
		out = append(out, r.sentinel)
	}
	if r.Cause != nil {
		out = append(out, r.Cause)
	}
	return out
}

// UnserializableError reports a remote fault whose kind the receiving
// endpoint does not recognize, or whose encoding could not be decoded. It
// carries the diagnostic fields of the original fault.
type UnserializableError struct {
	Kind    string
	Message string
	Stack   string
	Cause   *RemoteError
}

func (u *UnserializableError) Error() string {
	return fmt.Sprintf("unserializable remote fault %q: %s", u.Kind, u.Message)
}

// FaultKind implements [FaultKinder].
func (u *UnserializableError) FaultKind() string { return u.Kind }

// Unwrap reports the cause of u, if any.
func (u *UnserializableError) Unwrap() error {
	if u.Cause == nil {
		return nil
	}
	return u.Cause
}

// faultKindOf classifies err for transmission.
func faultKindOf(err error) string {
	if fk, ok := err.(FaultKinder); ok {
		return fk.FaultKind()
	}
	switch {
	case errors.Is(err, ErrHandlerPanic):
		return FaultPanic
	case errors.Is(err, context.Canceled):
		return FaultCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return FaultDeadlineExceeded
	case errors.Is(err, ErrNoSuchServant):
		return FaultNoSuchServant
	case errors.Is(err, ErrNoSuchMethod):
		return FaultNoSuchMethod
	case errors.Is(err, ErrTypeMismatch):
		return FaultTypeMismatch
	case errors.Is(err, ErrConnectionLost):
		return FaultConnectionLost
	case errors.Is(err, ErrNotConnected):
		return FaultNotConnected
	}
	var fk FaultKinder
	if errors.As(err, &fk) {
		return fk.FaultKind()
	}
	return FaultError
}

// Protobuf field numbers of an encoded fault.
const (
	fieldKind    protowire.Number = 1
	fieldMessage protowire.Number = 2
	fieldStack   protowire.Number = 3
	fieldCause   protowire.Number = 4
)

// EncodeFault encodes err as a remote fault in protobuf wire format, with the
// given stack text. The cause chain of err is followed through its Unwrap
// method, up to a fixed depth.
func EncodeFault(err error, stack string) []byte {
	return appendFault(nil, err, stack, 0)
}

func appendFault(buf []byte, err error, stack string, depth int) []byte {
	buf = protowire.AppendTag(buf, fieldKind, protowire.BytesType)
	buf = protowire.AppendString(buf, faultKindOf(err))
	buf = protowire.AppendTag(buf, fieldMessage, protowire.BytesType)
	buf = protowire.AppendString(buf, faultMessage(err))
	if stack != "" {
		buf = protowire.AppendTag(buf, fieldStack, protowire.BytesType)
		buf = protowire.AppendString(buf, stack)
	}
	if cause := errors.Unwrap(err); cause != nil && depth+1 < maxFaultDepth {
		buf = protowire.AppendTag(buf, fieldCause, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendFault(nil, cause, "", depth+1))
	}
	return buf
}

// faultMessage returns the message of err without the prefix that the local
// error types of a remote fault add to it.
func faultMessage(err error) string {
	switch t := err.(type) {
	case *RemoteError:
		return t.Message
	case *UnserializableError:
		return t.Message
	}
	return err.Error()
}

// DecodeFault decodes a remote fault encoded by [EncodeFault]. The result is a
// *RemoteError for the well-known kinds and an *UnserializableError otherwise.
func DecodeFault(data []byte) error { return decodeFault(data, nil) }

func decodeFault(data []byte, extra map[string]error) error {
	f, err := parseFault(data, 0)
	if err != nil {
		return &UnserializableError{Message: fmt.Sprintf("invalid fault encoding: %v", err)}
	}
	if s, ok := builtinFaults[f.Kind]; ok {
		f.sentinel = s
		return f
	} else if s, ok := extra[f.Kind]; ok {
		f.sentinel = s
		return f
	}
	return &UnserializableError{Kind: f.Kind, Message: f.Message, Stack: f.Stack, Cause: f.Cause}
}

func parseFault(data []byte, depth int) (*RemoteError, error) {
	if depth >= maxFaultDepth {
		return nil, errors.New("fault cause chain too deep")
	}
	f := new(RemoteError)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case fieldKind:
			f.Kind = string(v)
		case fieldMessage:
			f.Message = string(v)
		case fieldStack:
			f.Stack = string(v)
		case fieldCause:
			c, err := parseFault(v, depth+1)
			if err != nil {
				return nil, err
			}
			if s, ok := builtinFaults[c.Kind]; ok {
				c.sentinel = s
			}
			f.Cause = c
		}
	}
	if f.Kind == "" {
		return nil, errors.New("fault has no kind")
	}
	return f, nil
}
