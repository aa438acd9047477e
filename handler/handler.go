// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the tether.Handler type for functions
// with other signatures.
//
// Parameters and results are converted by a [Codec]. The default codec,
// [Binary], accepts []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces for
// parameters, and the corresponding marshaler interfaces for results. The
// [JSON] codec accepts any type supported by encoding/json.
package handler

import (
	"context"

	"github.com/creachadair/tether"
)

// invContextKey is a context key for the invocation passed to a handler.
type invContextKey struct{}

// ContextInvocation returns the original invocation passed to the handler,
// or nil if ctx has no associated invocation. The context passed to a
// function adapted by this package will have this value.
func ContextInvocation(ctx context.Context) *tether.Invocation {
	if v := ctx.Value(invContextKey{}); v != nil {
		return v.(*tether.Invocation)
	}
	return nil
}

// An Option configures an adapter.
type Option func(*config)

// WithCodec selects the codec used to convert parameters and results. A nil
// codec selects [Binary].
func WithCodec(c Codec) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.codec = c
		}
	}
}

type config struct {
	codec Codec
}

func newConfig(opts []Option) config {
	cfg := config{codec: Binary}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// decodeParam decodes the arguments of inv into a new P.
func (c config) decodeParam(inv *tether.Invocation, p any) error {
	if err := c.codec.Unmarshal(inv.Data, p); err != nil {
		return &DecodeError{Method: inv.Method, Err: err}
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a tether.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error), opts ...Option) tether.Handler {
	cfg := newConfig(opts)
	return func(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
		var p P
		if err := cfg.decodeParam(inv, &p); err != nil {
			return nil, err
		}
		r, err := f(context.WithValue(ctx, invContextKey{}, inv), p)
		if err != nil {
			return nil, err
		}
		return cfg.codec.Marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a tether.Handler.
func ParamResult[P, R any](f func(context.Context, P) R, opts ...Option) tether.Handler {
	cfg := newConfig(opts)
	return func(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
		var p P
		if err := cfg.decodeParam(inv, &p); err != nil {
			return nil, err
		}
		return cfg.codec.Marshal(f(context.WithValue(ctx, invContextKey{}, inv), p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a tether.Handler.
func ParamError[P any](f func(context.Context, P) error, opts ...Option) tether.Handler {
	cfg := newConfig(opts)
	return func(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
		var p P
		if err := cfg.decodeParam(inv, &p); err != nil {
			return nil, err
		}
		return nil, f(context.WithValue(ctx, invContextKey{}, inv), p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a tether.Handler.
func ResultError[R any](f func(context.Context) (R, error), opts ...Option) tether.Handler {
	cfg := newConfig(opts)
	return func(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
		r, err := f(context.WithValue(ctx, invContextKey{}, inv))
		if err != nil {
			return nil, err
		}
		return cfg.codec.Marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a tether.Handler.
func ResultOnly[R any](f func(context.Context) R, opts ...Option) tether.Handler {
	cfg := newConfig(opts)
	return func(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
		return cfg.codec.Marshal(f(context.WithValue(ctx, invContextKey{}, inv)))
	}
}

// Call calls method of the given interface on the remote servant for target
// via ep, encoding p and decoding the result into a new R with the codec
// selected by opts.
func Call[P, R any](ctx context.Context, ep *tether.Endpoint, target uint64, iface, method string, p P, opts ...Option) (R, error) {
	cfg := newConfig(opts)
	var r R
	data, err := cfg.codec.Marshal(p)
	if err != nil {
		return r, err
	}
	rsp, err := ep.Call(ctx, target, iface, method, data)
	if err != nil {
		return r, err
	}
	if err := cfg.codec.Unmarshal(rsp, &r); err != nil {
		return r, &DecodeError{Method: method, Err: err}
	}
	return r, nil
}

// DecodeError reports a failure to decode the parameters or result of a
// call.
type DecodeError struct {
	Method string
	Err    error
}

func (d *DecodeError) Error() string { return "decoding " + d.Method + ": " + d.Err.Error() }

// Unwrap reports the underlying error of d.
func (d *DecodeError) Unwrap() error { return d.Err }

// FaultKind implements tether.FaultKinder, so that a servant that cannot
// decode its arguments reports a type mismatch to the caller.
func (*DecodeError) FaultKind() string { return tether.FaultTypeMismatch }
