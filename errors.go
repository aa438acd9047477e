// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"errors"
	"fmt"
)

var (
	// ErrCallCanceled reports that a call could not complete because its
	// connection is gone. Both [ErrConnectionLost] and [ErrNotConnected]
	// match it under errors.Is.
	ErrCallCanceled = errors.New("remote procedure call canceled")

	// ErrConnectionLost reports that the connection was torn down while the
	// call was pending.
	ErrConnectionLost = fmt.Errorf("%w: connection lost", ErrCallCanceled)

	// ErrNotConnected reports that a call was issued while the endpoint had
	// no connection.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrCallCanceled)

	// ErrAuthenticationRequired reports that the remote endpoint demanded
	// authentication and the local endpoint has no authenticator for it.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrNoSuchServant reports a call addressed to an unregistered target.
	ErrNoSuchServant = errors.New("no such servant")

	// ErrNoSuchMethod reports a call naming a method the servant lacks.
	ErrNoSuchMethod = errors.New("no such method")

	// ErrTypeMismatch reports a call whose interface name does not match the
	// interface of the registered servant.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrHandlerPanic reports that a servant method panicked.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrEndpointBusy reports a connection attempt on an endpoint that is
	// already connected or connecting.
	ErrEndpointBusy = errors.New("endpoint is already connected")

	// ErrClosed reports an operation on a closed endpoint.
	ErrClosed = errors.New("endpoint is closed")
)

// AuthenticationError reports that one side of a handshake failed the
// authentication challenge of the other.
type AuthenticationError struct {
	Remote string // the remote address
	Reason string
}

func (a *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication with %s failed: %s", a.Remote, a.Reason)
}

// HandshakeError reports that the handshake did not complete, because the
// remote sent an unexpected message, the exchange timed out, or the transport
// failed while it was in progress. Process watchdogs also report startup
// failures of a child host with this type.
type HandshakeError struct {
	Remote string // the remote address or host description
	Err    error  // the underlying cause
}

func (h *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed: %v", h.Remote, h.Err)
}

// Unwrap reports the underlying cause of h.
func (h *HandshakeError) Unwrap() error { return h.Err }

// AlreadyConnectedError reports that an accepting endpoint refused a
// connection because it is already serving another remote endpoint. Both the
// refusing and the refused side report it.
type AlreadyConnectedError struct {
	Remote    string // the other side of the refused connection
	Connected string // the peer the accepting endpoint is connected to
}

func (a *AlreadyConnectedError) Error() string {
	return fmt.Sprintf("connection with %s refused: already connected to %s", a.Remote, a.Connected)
}

// NoSuchEndpointError reports that a remote address could not be reached
// within the connect timeout.
type NoSuchEndpointError struct {
	Address string
	Err     error
}

func (n *NoSuchEndpointError) Error() string {
	return fmt.Sprintf("no endpoint at %s: %v", n.Address, n.Err)
}

// Unwrap reports the underlying dial error of n.
func (n *NoSuchEndpointError) Unwrap() error { return n.Err }

// CallError is the concrete type of errors reported by the Call method of an
// Endpoint and by the Result method of a Future. The Err field carries the
// cause, which may be a *RemoteError, an *UnserializableError, or one of the
// sentinel errors of this package.
type CallError struct {
	Err       error
	RPCID     uint64 // zero if the call was never sent
	Target    uint64
	Interface string
	Method    string
}

// Unwrap reports the underlying error of c.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	return fmt.Sprintf("call %s.%s (target %d): %v", c.Interface, c.Method, c.Target, c.Err)
}
