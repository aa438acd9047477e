// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package tether implements a peer-to-peer remote procedure call transport
// with liveness detection.
//
// Two endpoints share a duplex byte stream, such as a TCP or Unix socket
// connection. After a short handshake, which may authenticate either side,
// each endpoint may call servants registered on the other. Each endpoint
// periodically sends heartbeats to the other, so that a remote endpoint that
// crashes or hangs is reported as a failure instead of leaving callers
// blocked forever.
//
// # Endpoints
//
// The core type defined by this package is the [Endpoint]. An endpoint has at
// most one connection at a time. To accept a connection:
//
//	e := tether.New(&tether.Options{Name: "server"})
//	go e.Serve(ctx, lst)
//
// While the server is connected it refuses further connections, reporting an
// [AlreadyConnectedError] to the dialer. To dial a connection:
//
//	c := tether.New(&tether.Options{Name: "client"})
//	id, err := c.Dial(ctx, "tcp", addr)
//
// Each successful handshake assigns a new [ConnectionID]. Results and frames
// belonging to an earlier connection are discarded.
//
// # Servants and calls
//
// A servant is a [Handler] registered for a numeric target and an interface
// name:
//
//	e.Handle(100, "demo.Echo", func(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
//	   return inv.Data, nil
//	})
//
// To call a servant on the remote endpoint, use [Endpoint.Call], or
// [Endpoint.Go] to obtain a [Future] without waiting:
//
//	rsp, err := c.Call(ctx, 100, "demo.Echo", "Echo", []byte("hello"))
//
// Arguments and results are opaque bytes. The handler package adapts typed
// functions with a codec, and the catalog package binds a set of methods to
// an interface name.
//
// An error from a servant is returned to the caller as a [RemoteError], which
// carries the kind, message, stack, and causes of the original error. Errors
// of a kind the caller does not recognize are reported as an
// [UnserializableError]. Every error reported by Call has concrete type
// [*CallError].
//
// # Failures
//
// When a connection fails, because of a transport error, a malformed frame,
// or missed heartbeats, the endpoint tears it down and every pending call
// reports [ErrConnectionLost]. Register callbacks with [Endpoint.OnFailure]
// and [Endpoint.OnDisconnected] to observe this. Heartbeats are governed by
// [HeartbeatSettings]; the remote is declared dead after it misses
// SkippedHeartbeatThreshold consecutive heartbeats.
//
// # Wire format
//
// Every frame is a 4-byte big-endian length followed by that many bytes of
// payload. During the handshake each payload is a [HandshakeMessage]. After
// the handshake, the first byte of a payload is a [FrameKind] and the rest is
// an [Invocation] (for calls) or a [Response] (for results and faults). A
// goodbye frame has no body.
//
// Heartbeats and latency probes are ordinary calls to the servants registered
// on every endpoint at [HeartbeatTarget] and [LatencyTarget].
package tether
