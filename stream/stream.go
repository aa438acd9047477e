// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package stream provides helpers for implementing streaming calls, where a
// single invocation yields a stream of result payloads.
//
// The caller registers a short-lived callback servant on its own endpoint,
// under a random target and interface name, and passes these to the remote
// servant as a trailer on the call arguments. The remote servant delivers
// each value by calling the callback, and the stream ends when the original
// call returns.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"iter"
	"slices"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
)

// A capability is a 64-bit target and a 128-bit random interface token. The
// token is not guessable in reasonable time, so only the servant that was
// handed the capability can deliver values to the stream.
const (
	capabilityLen  = 8 + 16
	callbackIface  = "tether.Stream."
	callbackMethod = "Next"
)

type capability struct {
	target uint64
	token  [16]byte
}

func newCapability() capability {
	var buf [capabilityLen]byte
	rand.Read(buf[:])
	c := capability{
		// Clear the top bit so that the target cannot collide with the
		// reserved targets of an endpoint.
		target: binary.BigEndian.Uint64(buf[:8]) &^ (1 << 63),
	}
	copy(c.token[:], buf[8:])
	return c
}

func (c capability) iface() string { return callbackIface + hex.EncodeToString(c.token[:]) }

func (c capability) appendTo(data []byte) []byte {
	data = binary.BigEndian.AppendUint64(slices.Clip(data), c.target)
	return append(data, c.token[:]...)
}

// takeCapability removes a capability from the end of inv.Data and returns
// it.
func takeCapability(inv *tether.Invocation) (capability, error) {
	n := len(inv.Data)
	if n < capabilityLen {
		return capability{}, errors.New("stream arguments too short")
	}
	tail := inv.Data[n-capabilityLen:]
	c := capability{target: binary.BigEndian.Uint64(tail[:8])}
	copy(c.token[:], tail[8:])

	// Trim the capacity so that the servant cannot grow the slice to recover
	// the capability.
	inv.Data = slices.Clip(inv.Data[:n-capabilityLen])
	return c, nil
}

// Call calls method of the given interface on the remote servant for target,
// and yields the stream of values it delivers. The stream ends at the
// discretion of the servant, or when ctx ends.
//
// The returned iterator yields zero or more (data, nil) values. If the call
// ends unsuccessfully, the iterator ends the stream with a final (nil, err).
func Call(ctx context.Context, ep *tether.Endpoint, target uint64, iface, method string, data []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		cb := newCapability()
		args := cb.appendTo(data)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// Values arrive on handler goroutines of the endpoint, but must be
		// yielded from this one.
		vals := make(chan []byte)
		ep.Handle(cb.target, cb.iface(), func(cbctx context.Context, inv *tether.Invocation) ([]byte, error) {
			// Once the caller is canceled, refuse further values rather than
			// acknowledge values that will not be yielded.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			select {
			case vals <- inv.Data:
				return nil, nil
			case <-ctx.Done():
				// The caller is unwinding; this also rejects a servant that
				// kept the capability past the end of the call.
				return nil, ctx.Err()
			case <-cbctx.Done():
				return nil, cbctx.Err()
			}
		})

		errc := make(chan error, 1)
		taskgroup.Go(func() error {
			// Unregister here rather than in the caller, so that the servant
			// does not see a missing callback while the iterator shuts down.
			defer ep.Handle(cb.target, "", nil)
			defer close(errc)
			_, err := ep.Call(ctx, target, iface, method, args)
			if ctx.Err() != nil {
				// Report a local cancellation as such, whether the call
				// noticed it first or the servant bounced it back.
				errc <- ctx.Err()
			} else {
				errc <- err
			}
			return nil
		})

		for {
			select {
			case v := <-vals:
				// The servant was told v was delivered, so yield it even if
				// ctx has ended meanwhile; the next pass reports that.
				if !yield(v, nil) {
					return
				}
			case err := <-errc:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of [tether.Handler] that yields a stream of
// results rather than a single value. The iterator should yield a non-nil
// error only as its final element, after zero or more error-free values.
type HandlerFunc func(context.Context, *tether.Invocation) iter.Seq2[[]byte, error]

// Handle registers fn on ep as the servant for target, implementing the given
// interface. The servant must be invoked with [Call].
func Handle(ep *tether.Endpoint, target uint64, iface string, fn HandlerFunc) {
	ep.Handle(target, iface, func(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
		cb, err := takeCapability(inv)
		if err != nil {
			return nil, err
		}
		caller := tether.ContextEndpoint(ctx)

		for v, err := range fn(ctx, inv) {
			if err != nil {
				return nil, err
			}
			// The iterator may not honor ctx by itself.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := caller.Call(ctx, cb.target, cb.iface(), callbackMethod, v); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}
		}

		// An iterator that stops on cancellation without yielding an error
		// still reports the cancellation.
		return nil, ctx.Err()
	})
}
