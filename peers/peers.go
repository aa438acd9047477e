// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing endpoints.
package peers

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
)

// Local is a pair of in-memory connected endpoints, suitable for testing. A
// accepted the connection and B dialed it.
type Local struct {
	A *tether.Endpoint
	B *tether.Endpoint
}

// Stop closes both endpoints and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.B.Close()
	berr := p.A.Close()
	return errors.Join(aerr, berr)
}

// NewLocal creates a pair of in-memory connected endpoints with default
// options. It panics if the handshake fails, which cannot happen for
// endpoints without authenticators.
func NewLocal() *Local {
	loc, err := Connect(context.Background(),
		tether.New(&tether.Options{Name: "A"}),
		tether.New(&tether.Options{Name: "B"}),
	)
	if err != nil {
		panic(err)
	}
	return loc
}

// Connect connects a and b over an in-memory pipe, with a as the accepting
// side, and waits for both sides of the handshake to finish.
func Connect(ctx context.Context, a, b *tether.Endpoint) (*Local, error) {
	ca, cb := channel.Pipe()
	g := taskgroup.New(nil)
	g.Go(func() error { _, err := a.Accept(ctx, ca); return err })
	g.Go(func() error { _, err := b.Connect(ctx, cb); return err })
	if err := g.Wait(); err != nil {
		a.Disconnect()
		b.Disconnect()
		return nil, err
	}
	return &Local{A: a, B: b}, nil
}

// An Accepter accepts connections for endpoints.
type Accepter interface {
	Accept(context.Context) (net.Conn, error)
}

// Loop accepts connections from acc and serves each one on a new endpoint
// returned by newEndpoint, in a goroutine. The endpoint is closed when its
// connection ends. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running endpoints are closed. When acc closes, the
// loop waits for running endpoints to exit before returning.
func Loop(ctx context.Context, acc Accepter, newEndpoint func() *tether.Endpoint) error {
	g := taskgroup.New(nil)
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			ep := newEndpoint()
			defer ep.Close()

			done := make(chan struct{})
			finished := sync.OnceFunc(func() { close(done) })
			ep.OnDisconnected(func(tether.ConnectionInfo, tether.DisconnectReason) { finished() })
			if _, err := ep.Accept(ctx, conn); err != nil {
				return nil // logged by the endpoint
			}
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (net.Conn, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})
	return n.Listener.Accept()
}
