// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether/internal/observer"
	"github.com/hashicorp/go-metrics"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Well-known servant targets registered on every endpoint.
const (
	HeartbeatTarget uint64 = math.MaxUint64 - 2
	LatencyTarget   uint64 = math.MaxUint64 - 1

	HeartbeatInterface = "tether.Heartbeat"
	LatencyInterface   = "tether.Latency"
)

// A Handler executes an invocation from the remote endpoint and returns the
// encoded result. A handler can obtain the endpoint from its context argument
// using [ContextEndpoint].
//
// An error reported by a handler is returned to the caller as a remote fault.
// Its kind is chosen by the FaultKind method of the error, if it has one, or
// by the sentinel errors of this package it matches. A handler that panics
// reports a fault of kind [FaultPanic] with the stack of the panic.
type Handler func(context.Context, *Invocation) ([]byte, error)

// A FrameLogger logs a frame exchanged with the remote endpoint.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a frame with the connection it was exchanged on and a
// flag indicating whether the frame was sent or received.
type FrameInfo struct {
	*Frame
	Conn ConnectionID
	Sent bool // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) String() string {
	return fmt.Sprintf("%v %s %v", f.Conn, value.Cond(f.Sent, "send", "recv"), f.Frame)
}

type servant struct {
	iface   string
	handler Handler
}

// An Endpoint is one side of a tether connection. An endpoint has at most one
// connection at a time, either dialed (Connect, Dial) or accepted (Accept,
// Serve). While connected, either side may call servants registered on the
// other, and each side monitors the liveness of the other with heartbeats.
//
// When the connection fails or is closed, every pending call reports an error
// matching [ErrConnectionLost], and the OnFailure and OnDisconnected callbacks
// are invoked. The endpoint can then be connected again; each connection has
// a new [ConnectionID].
//
// The methods of an Endpoint are safe for concurrent use.
type Endpoint struct {
	opts     Options
	log      *slog.Logger
	tracer   trace.Tracer
	labels   []metrics.Label
	metrics  *endpointMetrics
	sem      *semaphore.Weighted // nil if inbound calls are not bounded
	handlers *taskgroup.Group    // inbound calls on all connections
	tasks    *taskgroup.Group    // background teardowns
	loops    sync.WaitGroup      // read and write loops of all connections

	// Only one connection attempt or teardown proceeds at a time.
	connMu sync.Mutex

	μ        sync.Mutex
	state    State
	cur      *conn // the active connection, or nil
	lastID   ConnectionID
	closed   bool
	servants map[uint64]servant
	flog     FrameLogger
	base     func() context.Context

	onConnected    observer.List[func(ConnectionInfo)]
	onDisconnected observer.List[func(ConnectionInfo, DisconnectReason)]
	onFailure      observer.List[func(DisconnectReason, ConnectionID)]
}

// New constructs a disconnected endpoint with the given options. A nil opts
// is ready for use and selects the defaults. New panics if opts is invalid.
func New(opts *Options) *Endpoint {
	if err := opts.Validate(); err != nil {
		panic(fmt.Sprintf("tether: invalid options: %v", err))
	}
	o := opts.resolve()
	e := &Endpoint{
		opts:     o,
		log:      o.Logger.With("endpoint", o.Name),
		tracer:   o.TracerProvider.Tracer("github.com/creachadair/tether"),
		labels:   withLabel(o.MetricLabels, LabelEndpoint, o.Name),
		metrics:  newEndpointMetrics(),
		handlers: taskgroup.New(nil),
		tasks:    taskgroup.New(nil),
		servants: make(map[uint64]servant),
		base:     context.Background,
	}
	if o.MaxConcurrentCalls > 0 {
		e.sem = semaphore.NewWeighted(int64(o.MaxConcurrentCalls))
	}
	e.Handle(HeartbeatTarget, HeartbeatInterface, e.beat)
	e.Handle(LatencyTarget, LatencyInterface, roundtrip)
	return e
}

// Name reports the name of the endpoint.
func (e *Endpoint) Name() string { return e.opts.Name }

// Metrics returns a metrics map for the endpoint. It is safe for the caller
// to add additional metrics to the map while the endpoint is active.
func (e *Endpoint) Metrics() *expvar.Map { return e.metrics.emap }

// beat is the default heartbeat servant.
func (e *Endpoint) beat(_ context.Context, inv *Invocation) ([]byte, error) {
	if inv.Method != "Beat" {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, inv.Interface, inv.Method)
	}
	db := !e.opts.Heartbeat.HideDebugger && e.opts.Debugger.IsDebuggerAttached()
	return []byte{value.Cond[byte](db, 1, 0)}, nil
}

// roundtrip is the default latency servant.
func roundtrip(_ context.Context, inv *Invocation) ([]byte, error) {
	if inv.Method != "Roundtrip" {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, inv.Interface, inv.Method)
	}
	return nil, nil
}

// Handle registers a handler for invocations of the given interface on the
// specified target. It is safe to call this while the endpoint is connected.
// Passing a nil Handler removes any handler for the target. Handle returns e
// to permit chaining.
//
// An invocation for a target with no handler reports [ErrNoSuchServant] to
// the caller, and one naming a different interface than the handler was
// registered with reports [ErrTypeMismatch].
func (e *Endpoint) Handle(target uint64, iface string, h Handler) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	if h == nil {
		delete(e.servants, target)
	} else {
		e.servants[target] = servant{iface: iface, handler: h}
	}
	return e
}

// LogFrames registers a callback that will be invoked for each frame
// exchanged with the remote endpoint after the handshake, including frames to
// be discarded. Passing a nil callback disables frame logging.
func (e *Endpoint) LogFrames(log FrameLogger) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.flog = log
	return e
}

// NewContext registers a function that will be called to create a new base
// context for handlers. If it is not set a background context is used.
func (e *Endpoint) NewContext(base func() context.Context) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.base = value.Cond(base == nil, context.Background, base)
	return e
}

// OnConnected registers f to be called after each successful handshake. The
// returned function removes the registration.
func (e *Endpoint) OnConnected(f func(ConnectionInfo)) func() { return e.onConnected.Add(f) }

// OnDisconnected registers f to be called after each connection is torn down,
// for any reason. The info describes the connection as it was. The returned
// function removes the registration.
//
// If a connection fails immediately after it is established, the callbacks
// for its teardown may run concurrently with its OnConnected callbacks.
func (e *Endpoint) OnDisconnected(f func(ConnectionInfo, DisconnectReason)) func() {
	return e.onDisconnected.Add(f)
}

// OnFailure registers f to be called when a connection is torn down for a
// failure reason, before the OnDisconnected callbacks. The returned function
// removes the registration.
func (e *Endpoint) OnFailure(f func(DisconnectReason, ConnectionID)) func() {
	return e.onFailure.Add(f)
}

// State reports the connection state of the endpoint.
func (e *Endpoint) State() State {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.state
}

// Info reports the current connection of the endpoint.
func (e *Endpoint) Info() ConnectionInfo {
	e.μ.Lock()
	defer e.μ.Unlock()
	if c := e.cur; c != nil {
		return ConnectionInfo{ID: c.id, State: e.state, Local: c.local, Remote: c.remote}
	}
	return ConnectionInfo{State: e.state}
}

// Stats summarize the activity of an endpoint.
type Stats struct {
	Name        string
	Info        ConnectionInfo
	Connections int64 // successful handshakes

	RoundtripTime  time.Duration // zero unless connected with latency enabled
	LatencySamples int64
	NumHeartbeats  int64 // on the current connection
	LastHeartbeat  time.Time
}

// Stats reports a summary of the activity of e.
func (e *Endpoint) Stats() Stats {
	e.μ.Lock()
	c := e.cur
	e.μ.Unlock()
	s := Stats{
		Name:        e.opts.Name,
		Info:        e.Info(),
		Connections: e.metrics.connections.Value(),
	}
	if c != nil {
		s.RoundtripTime = c.lat.RoundtripTime()
		s.LatencySamples = c.lat.NumSamples()
		s.NumHeartbeats = c.hb.NumHeartbeats()
		s.LastHeartbeat = c.hb.LastHeartbeat()
	}
	return s
}

// Connect performs the handshake on nc as the dialing side, and on success
// starts serving the connection. The handshake ends when ctx ends or the
// handshake timeout elapses, whichever is first; thereafter ctx does not
// affect the connection. On failure nc is closed.
//
// If the accepting endpoint is already connected to another endpoint, Connect
// reports an *AlreadyConnectedError. If e itself is connected or connecting,
// Connect reports [ErrEndpointBusy].
func (e *Endpoint) Connect(ctx context.Context, nc net.Conn) (ConnectionID, error) {
	return e.establish(ctx, nc, false)
}

// Accept performs the handshake on nc as the accepting side, and on success
// starts serving the connection, as with Connect. If e is already connected
// or connecting, Accept tells the remote endpoint so, closes nc, and reports
// an *AlreadyConnectedError.
func (e *Endpoint) Accept(ctx context.Context, nc net.Conn) (ConnectionID, error) {
	return e.establish(ctx, nc, true)
}

// Dial connects to the endpoint listening at the given address and performs
// the handshake as with Connect. If the address cannot be reached before ctx
// ends, Dial reports a *NoSuchEndpointError.
func (e *Endpoint) Dial(ctx context.Context, network, address string) (ConnectionID, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return NoConnection, &NoSuchEndpointError{Address: address, Err: err}
	}
	return e.Connect(ctx, nc)
}

// Serve accepts connections from lst until ctx ends, and performs the
// handshake on each with Accept. While e is connected, further connections
// are refused. Serve closes lst before returning, and reports nil if it
// stopped because ctx ended.
func (e *Endpoint) Serve(ctx context.Context, lst net.Listener) error {
	stop := context.AfterFunc(ctx, func() { lst.Close() })
	defer stop()

	g := taskgroup.New(nil)
	defer g.Wait()
	for {
		nc, err := lst.Accept()
		if err != nil {
			lst.Close()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		g.Go(func() error {
			if _, err := e.Accept(ctx, nc); err != nil {
				e.log.Info("connection refused", "remote", addrString(nc.RemoteAddr()), "error", err)
			}
			return nil
		})
	}
}

func (e *Endpoint) establish(ctx context.Context, nc net.Conn, accept bool) (ConnectionID, error) {
	remote := addrString(nc.RemoteAddr())

	// Check and claim the endpoint before waiting for the connection guard,
	// so that a busy endpoint refuses rather than queueing the attempt.
	e.μ.Lock()
	if e.closed {
		e.μ.Unlock()
		nc.Close()
		return NoConnection, ErrClosed
	}
	if e.state != Disconnected {
		connected := "<connecting>"
		if e.cur != nil {
			connected = addrString(e.cur.remote)
		}
		e.μ.Unlock()
		if !accept {
			nc.Close()
			return NoConnection, ErrEndpointBusy
		}
		h, reset := newHandshaker(ctx, nc, e.opts.HandshakeTimeout)
		h.block(connected)
		reset()
		e.log.Warn("refused connection", "remote", remote, "connected", connected)
		return NoConnection, &AlreadyConnectedError{Remote: remote, Connected: connected}
	}
	e.state = Connecting
	e.μ.Unlock()

	e.connMu.Lock()
	h, reset := newHandshaker(ctx, nc, e.opts.HandshakeTimeout)
	var err error
	if accept {
		err = h.incoming(e.opts.ClientAuthenticator, e.opts.ServerAuthenticator)
	} else {
		err = h.outgoing(e.opts.ClientAuthenticator, e.opts.ServerAuthenticator)
	}
	reset()

	e.μ.Lock()
	if err == nil && e.closed {
		err = ErrClosed
	}
	if err != nil {
		e.state = Disconnected
		e.μ.Unlock()
		e.connMu.Unlock()
		nc.Close()

		e.metrics.handshakeErr.Add(1)
		e.opts.MetricSink.IncrCounterWithLabels(MetricHandshakeError, 1, e.labels)
		e.log.Warn("handshake failed", "remote", remote, "accept", accept, "error", err)
		return NoConnection, err
	}
	e.lastID++
	c := e.newConn(e.lastID, nc)
	e.cur = c
	e.state = Connected
	e.μ.Unlock()

	c.start()
	e.connMu.Unlock()

	e.metrics.connections.Add(1)
	e.opts.MetricSink.IncrCounterWithLabels(MetricConnectionEstablished, 1, e.labels)
	e.log.Info("connected", "conn", c.id, "remote", remote, "accept", accept)

	info := ConnectionInfo{ID: c.id, State: Connected, Local: c.local, Remote: c.remote}
	e.onConnected.Each(func(f func(ConnectionInfo)) { f(info) })
	return c.id, nil
}

// Disconnect closes the current connection, if any, after sending a goodbye
// to the remote endpoint, and waits for its service routines to exit. Every
// pending call reports [ErrConnectionLost].
func (e *Endpoint) Disconnect() {
	e.μ.Lock()
	c := e.cur
	e.μ.Unlock()
	if c == nil {
		return
	}
	e.teardown(c.id, RequestedByEndpoint, nil)
	c.tasks.Wait()
}

// Close disconnects the endpoint and waits for all handlers to exit. After
// Close, the endpoint cannot be connected again. Handlers that do not honor
// the cancellation of their context delay Close until they return.
func (e *Endpoint) Close() error {
	e.μ.Lock()
	if e.closed {
		e.μ.Unlock()
		return nil
	}
	e.closed = true
	e.μ.Unlock()

	e.Disconnect()
	e.tasks.Wait()
	e.loops.Wait()
	e.handlers.Wait()
	e.log.Debug("endpoint closed")
	return nil
}

// isCurrent reports whether id is the active connection of e.
func (e *Endpoint) isCurrent(id ConnectionID) bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.cur != nil && e.cur.id == id
}

// teardown closes the connection with the given id, if it is still active,
// and reports whether it did so.
func (e *Endpoint) teardown(id ConnectionID, reason DisconnectReason, cause error) bool {
	e.connMu.Lock()
	e.μ.Lock()
	c := e.cur
	if c == nil || c.id != id {
		e.μ.Unlock()
		e.connMu.Unlock()
		return false
	}
	// A new connection may be claimed from here on; it waits for connMu
	// until this teardown is complete.
	e.cur = nil
	e.state = Disconnected
	e.μ.Unlock()

	c.hb.Close()
	c.lat.Close()

	if reason == RequestedByEndpoint && c.send(&Frame{Kind: KindGoodbye}) {
		c.out.close()
		t := time.NewTimer(e.opts.GoodbyeTimeout)
		select {
		case <-c.out.done:
		case <-t.C:
			e.log.Warn("goodbye not delivered", "conn", id, "timeout", e.opts.GoodbyeTimeout)
		}
		t.Stop()
	} else {
		c.out.close()
	}
	c.cancel()
	c.nc.Close()

	lost := c.drain()
	for _, f := range lost {
		f.finish(nil, ErrConnectionLost)
	}

	e.connMu.Unlock()

	e.metrics.disconnects.Add(1)
	labels := withLabel(e.labels, LabelReason, reason.String())
	e.opts.MetricSink.IncrCounterWithLabels(MetricConnectionClosed, 1, labels)
	info := ConnectionInfo{ID: id, State: Disconnected, Local: c.local, Remote: c.remote}
	if reason.IsFailure() {
		e.metrics.failures.Add(1)
		e.log.Warn("connection failed", "conn", id, "remote", addrString(c.remote),
			"reason", reason, "error", cause, "lost_calls", len(lost))
		e.onFailure.Each(func(f func(DisconnectReason, ConnectionID)) { f(reason, id) })
	} else {
		e.log.Info("disconnected", "conn", id, "remote", addrString(c.remote), "reason", reason)
	}
	e.onDisconnected.Each(func(f func(ConnectionInfo, DisconnectReason)) { f(info, reason) })
	return true
}

// handlerContext returns a new context for a handler serving c.
func (e *Endpoint) handlerContext(id ConnectionID) context.Context {
	e.μ.Lock()
	base := e.base
	e.μ.Unlock()
	ctx := context.WithValue(base(), endpointContextKey{}, e)
	return context.WithValue(ctx, connContextKey{}, id)
}

func (e *Endpoint) logFrame(id ConnectionID, f *Frame, sent bool) {
	e.μ.Lock()
	log := e.flog
	e.μ.Unlock()
	if log != nil {
		log(FrameInfo{Frame: f, Conn: id, Sent: sent})
	}
}

type endpointContextKey struct{}

type connContextKey struct{}

// ContextEndpoint returns the Endpoint associated with the given context, or
// nil if none is defined. The context passed to a Handler has this value.
func ContextEndpoint(ctx context.Context) *Endpoint {
	if v := ctx.Value(endpointContextKey{}); v != nil {
		return v.(*Endpoint)
	}
	return nil
}

// ContextConnection returns the ConnectionID of the connection on which the
// invocation of a Handler arrived, or NoConnection if ctx has none.
func ContextConnection(ctx context.Context) ConnectionID {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(ConnectionID)
	}
	return NoConnection
}

// errRemoteGoodbye is the cause of a teardown requested by the remote.
var errRemoteGoodbye = errors.New("remote endpoint said goodbye")
