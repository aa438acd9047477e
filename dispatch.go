// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// A conn is the state of one established connection of an endpoint.
type conn struct {
	id            ConnectionID
	ep            *Endpoint
	nc            net.Conn
	local, remote net.Addr

	ctx    context.Context // ends when the connection is torn down
	cancel context.CancelFunc
	tasks  *taskgroup.Group // read and write loops
	out    *writeQueue

	hb  *HeartbeatMonitor
	lat *LatencyMonitor

	lastRead atomic.Int64 // UnixNano of the most recent frame received

	pmu     sync.Mutex
	down    bool               // torn down; no further calls are accepted
	nextRPC uint64             // last outbound RPC ID issued
	pending map[uint64]*Future // outbound calls awaiting results
	active  map[uint64]bool    // inbound calls in progress
}

func (e *Endpoint) newConn(id ConnectionID, nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:      id,
		ep:      e,
		nc:      nc,
		local:   nc.LocalAddr(),
		remote:  nc.RemoteAddr(),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   taskgroup.New(nil),
		out:     newWriteQueue(),
		pending: make(map[uint64]*Future),
		active:  make(map[uint64]bool),
	}
	c.lastRead.Store(time.Now().UnixNano())

	mopts := MonitorOptions{
		Logger:       e.log,
		Debugger:     e.opts.Debugger,
		MetricSink:   e.opts.MetricSink,
		MetricLabels: e.labels,
	}
	c.hb = NewHeartbeatMonitor(BeaterFunc(func(ctx context.Context) (bool, error) {
		data, err := e.goOn(ctx, c, HeartbeatTarget, HeartbeatInterface, "Beat", nil).Result()
		return len(data) != 0 && data[0] == 1, err
	}), e.opts.Heartbeat, id, mopts)
	c.hb.OnFailure(func(ConnectionID) {
		e.metrics.heartbeatFail.Add(1)
		e.tasks.Go(func() error { c.confirmFailure(); return nil })
	})
	c.lat = NewLatencyMonitor(RoundtripperFunc(func(ctx context.Context) error {
		_, err := e.goOn(ctx, c, LatencyTarget, LatencyInterface, "Roundtrip", nil).Result()
		return err
	}), e.opts.Latency, mopts)
	return c
}

// start starts the service routines of c.
func (c *conn) start() {
	c.ep.loops.Add(2)
	c.tasks.Go(func() error { defer c.ep.loops.Done(); return c.readLoop() })
	c.tasks.Go(func() error { defer c.ep.loops.Done(); return c.writeLoop() })
	c.hb.Start()
	c.lat.Start()
}

// send enqueues f to be written, and reports whether it was accepted.
func (c *conn) send(f *Frame) bool {
	if !c.out.push(f) {
		return false
	}
	c.ep.logFrame(c.id, f, true)
	return true
}

func (c *conn) readLoop() error {
	br := bufio.NewReader(c.nc)
	for {
		var f Frame
		nr, err := f.readFrom(br, c.ep.opts.MaxFrameSize)
		if err != nil {
			if c.ctx.Err() == nil {
				c.fail(classifyIO(err, ReadFailure), err)
			}
			return nil
		}
		c.lastRead.Store(time.Now().UnixNano())
		c.ep.metrics.frameRecv.Add(1)
		c.ep.metrics.bytesRecv.Add(nr)

		if reason, err := c.ep.dispatchFrame(c, &f); err != nil {
			c.fail(reason, err)
			return nil
		}
	}
}

func (c *conn) writeLoop() error {
	err := c.writeFrames()
	close(c.out.done)
	if err != nil && c.ctx.Err() == nil {
		c.fail(classifyIO(err, WriteFailure), err)
	}
	return nil
}

// writeFrames writes queued frames in order until the queue is closed and
// empty, or a write fails.
func (c *conn) writeFrames() error {
	bw := bufio.NewWriter(c.nc)
	for {
		f, ok, closed := c.out.pop()
		if !ok {
			if err := bw.Flush(); err != nil || closed {
				return err
			}
			select {
			case <-c.out.wake:
			case <-c.ctx.Done():
				return nil
			}
			continue
		}
		nw, err := f.WriteTo(bw)
		if err != nil {
			return err
		}
		c.ep.metrics.frameSent.Add(1)
		c.ep.metrics.bytesSent.Add(nw)
	}
}

// confirmFailure tears down c after its heartbeat monitor reported a
// failure, unless frames are still arriving. While they are, it waits for the
// link to stay quiet for a full failure interval or for a heartbeat to
// succeed, whichever comes first.
func (c *conn) confirmFailure() {
	beats := c.hb.NumHeartbeats()
	limit := c.hb.FailureInterval()
	for {
		idle := time.Since(time.Unix(0, c.lastRead.Load()))
		if idle >= limit {
			c.ep.teardown(c.id, HeartbeatFailure, errHeartbeatFailure)
			return
		}
		c.ep.log.Debug("heartbeat failure deferred, connection is busy", "conn", c.id, "idle", idle)
		t := time.NewTimer(limit - idle)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if c.hb.NumHeartbeats() != beats {
			c.ep.log.Debug("heartbeat recovered", "conn", c.id)
			return
		}
	}
}

var errHeartbeatFailure = errors.New("remote endpoint stopped answering heartbeats")

// fail tears down c for a loop failure. If the failure came from the
// transport, it first waits for the configured grace period so that a
// process exit reported by a watchdog can be observed first.
func (c *conn) fail(reason DisconnectReason, err error) {
	if isTransportFailure(reason) && c.ep.opts.FailureGrace > 0 && c.ep.isCurrent(c.id) {
		t := time.NewTimer(c.ep.opts.FailureGrace)
		select {
		case <-t.C:
		case <-c.ctx.Done():
			t.Stop()
		}
	}
	c.ep.teardown(c.id, reason, err)
}

func isTransportFailure(r DisconnectReason) bool {
	switch r {
	case ReadFailure, WriteFailure, ConnectionReset, ConnectionAborted, ConnectionTimedOut:
		return true
	}
	return false
}

// classifyIO maps a transport error to a disconnect reason, or def if it has
// no more specific classification.
func classifyIO(err error, def DisconnectReason) DisconnectReason {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ConnectionTimedOut
	case errors.Is(err, syscall.ECONNRESET):
		return ConnectionReset
	case errors.Is(err, syscall.ECONNABORTED):
		return ConnectionAborted
	case errors.Is(err, errFrameTooLarge), errors.Is(err, errEmptyFrame):
		return RPCInvalidResponse
	}
	return def
}

// claim removes and returns the pending call with the given id, or nil if
// there is none. Only the caller that claims a pending call may finish it.
func (c *conn) claim(id uint64) *Future {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	f, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return f
}

// drain marks c down and removes all its pending calls.
func (c *conn) drain() []*Future {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	c.down = true
	out := make([]*Future, 0, len(c.pending))
	for _, f := range c.pending {
		out = append(out, f)
	}
	clear(c.pending)
	return out
}

// dispatchFrame routes an inbound frame received on c. If it reports an
// error, the connection must be torn down for the given reason.
func (e *Endpoint) dispatchFrame(c *conn, f *Frame) (DisconnectReason, error) {
	if !e.isCurrent(c.id) {
		e.metrics.frameDropped.Add(1)
		return 0, nil
	}
	e.logFrame(c.id, f, false)

	switch f.Kind {
	case KindCall:
		var inv Invocation
		if err := inv.UnmarshalBinary(f.Payload); err != nil {
			return RPCInvalidResponse, fmt.Errorf("invalid call frame: %w", err)
		}
		c.pmu.Lock()
		dup := c.active[inv.RPCID]
		c.active[inv.RPCID] = true
		c.pmu.Unlock()
		if dup {
			return RPCDuplicateRequest, fmt.Errorf("duplicate request id %d", inv.RPCID)
		}
		e.startCall(c, &inv)

	case KindResult, KindFault:
		var rsp Response
		if err := rsp.UnmarshalBinary(f.Payload); err != nil {
			return RPCInvalidResponse, fmt.Errorf("invalid response frame: %w", err)
		}
		p := c.claim(rsp.RPCID)
		if p == nil {
			// The call timed out or was never issued on this connection.
			e.metrics.frameDropped.Add(1)
			return 0, nil
		}
		if f.Kind == KindResult {
			p.finish(rsp.Data, nil)
		} else {
			p.finish(nil, decodeFault(rsp.Data, e.opts.FaultKinds))
		}

	case KindGoodbye:
		return RequestedByRemoteEndpoint, errRemoteGoodbye

	default:
		e.metrics.frameDropped.Add(1)
		e.log.Debug("ignored frame of unknown kind", "conn", c.id, "kind", f.Kind)
	}
	return 0, nil
}

// startCall runs an inbound invocation on c in a new goroutine.
func (e *Endpoint) startCall(c *conn, inv *Invocation) {
	e.metrics.callIn.Add(1)
	e.metrics.callActive.Add(1)
	e.handlers.Go(func() error {
		defer e.metrics.callActive.Add(-1)

		ctx, cancel := context.WithCancel(e.handlerContext(c.id))
		defer cancel()
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()

		var data []byte
		var stack string
		var err error
		if e.sem != nil {
			err = e.sem.Acquire(ctx, 1)
		}
		if err == nil {
			data, stack, err = e.invoke(ctx, inv)
			if e.sem != nil {
				e.sem.Release(1)
			}
		}

		// Release the ID before replying, so the remote may reuse it as soon
		// as it has the result.
		c.pmu.Lock()
		delete(c.active, inv.RPCID)
		c.pmu.Unlock()

		if err != nil {
			e.metrics.callInErr.Add(1)
			c.send(&Frame{Kind: KindFault, Payload: Response{
				RPCID: inv.RPCID,
				Data:  EncodeFault(err, stack),
			}.Encode()})
		} else {
			c.send(&Frame{Kind: KindResult, Payload: Response{
				RPCID: inv.RPCID,
				Data:  data,
			}.Encode()})
		}
		return nil
	})
}

// invoke calls the servant for inv. If the servant panics, invoke reports an
// error wrapping ErrHandlerPanic along with the stack of the panic.
func (e *Endpoint) invoke(ctx context.Context, inv *Invocation) (data []byte, stack string, err error) {
	e.μ.Lock()
	s, ok := e.servants[inv.Target]
	e.μ.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: target %d", ErrNoSuchServant, inv.Target)
	} else if s.iface != inv.Interface {
		return nil, "", fmt.Errorf("%w: target %d implements %q, not %q",
			ErrTypeMismatch, inv.Target, s.iface, inv.Interface)
	}

	defer func() {
		if x := recover(); x != nil {
			data, stack = nil, string(debug.Stack())
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, x)
		}
	}()
	data, err = s.handler(ctx, inv)
	return
}

// Exec executes the local servant registered for target, as if the remote
// endpoint had called it. Exec reports [ErrNoSuchServant] if no servant is
// registered for target, and [ErrTypeMismatch] if the servant implements a
// different interface.
func (e *Endpoint) Exec(ctx context.Context, target uint64, iface, method string, data []byte) ([]byte, error) {
	ctx = context.WithValue(ctx, endpointContextKey{}, e)
	out, _, err := e.invoke(ctx, &Invocation{
		Target:    target,
		Interface: iface,
		Method:    method,
		Data:      data,
	})
	return out, err
}

// Call invokes method of the given interface on the servant registered for
// target by the remote endpoint, and blocks until ctx ends, the result
// arrives, or the connection is lost. An error reported by Call has concrete
// type *CallError.
//
// If ctx ends first, the call reports the error from ctx and any result that
// arrives later is discarded. If the connection is lost the call reports
// [ErrConnectionLost], and if there is no connection [ErrNotConnected].
func (e *Endpoint) Call(ctx context.Context, target uint64, iface, method string, data []byte) ([]byte, error) {
	return e.Go(ctx, target, iface, method, data).Result()
}

// Go issues a call as with Call, but does not wait for it to complete. The
// result is delivered to the returned Future. The call ends early if ctx ends
// before the result arrives.
func (e *Endpoint) Go(ctx context.Context, target uint64, iface, method string, data []byte) *Future {
	e.μ.Lock()
	c := e.cur
	e.μ.Unlock()
	return e.goOn(ctx, c, target, iface, method, data)
}

// goOn issues a call on the specified connection, which may be nil.
func (e *Endpoint) goOn(ctx context.Context, c *conn, target uint64, iface, method string, data []byte) *Future {
	e.metrics.callOut.Add(1)
	f := &Future{
		done:  make(chan struct{}),
		ep:    e,
		inv:   Invocation{Target: target, Interface: iface, Method: method},
		start: time.Now(),
	}
	if target != HeartbeatTarget && target != LatencyTarget {
		ctx, f.span = e.tracer.Start(ctx, iface+"/"+method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("rpc.system", "tether"),
				attribute.String("rpc.service", iface),
				attribute.String("rpc.method", method),
				attribute.Int64("tether.target", int64(target)),
			))
	}
	if c == nil {
		f.finish(nil, ErrNotConnected)
		return f
	} else if err := ctx.Err(); err != nil {
		f.finish(nil, context.Cause(ctx))
		return f
	}

	c.pmu.Lock()
	if c.down {
		c.pmu.Unlock()
		f.finish(nil, ErrNotConnected)
		return f
	}
	c.nextRPC++
	id := c.nextRPC
	f.inv.RPCID = id
	f.conn = c.id
	f.pending = true
	c.pending[id] = f
	e.metrics.callPending.Add(1)
	f.stop = context.AfterFunc(ctx, func() {
		if c.claim(id) == f {
			f.finish(nil, context.Cause(ctx))
		}
	})
	c.pmu.Unlock()

	inv := f.inv
	inv.Data = data
	if !c.send(&Frame{Kind: KindCall, Payload: inv.Encode()}) {
		if c.claim(id) == f {
			f.finish(nil, ErrConnectionLost)
		}
	}
	return f
}

// A Future is a handle to an outbound call in progress.
type Future struct {
	done    chan struct{}
	ep      *Endpoint
	inv     Invocation // without data
	conn    ConnectionID
	start   time.Time
	span    trace.Span  // nil if not traced
	stop    func() bool // stops the context watcher, nil if none
	pending bool        // counted in calls_pending

	// Set before done is closed.
	data []byte
	err  error
}

// Done returns a channel that is closed when the call completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the call completes, and reports its result. An error
// reported by Result has concrete type *CallError.
func (f *Future) Result() ([]byte, error) {
	<-f.done
	return f.data, f.err
}

// Wait blocks until the call completes or ctx ends. If ctx ends first, Wait
// reports the error from ctx, and the call continues.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.data, f.err
	}
}

// ConnectionID reports the connection the call was issued on, or
// NoConnection if it was never sent.
func (f *Future) ConnectionID() ConnectionID { return f.conn }

// finish completes the call. It must be called exactly once.
func (f *Future) finish(data []byte, err error) {
	if f.stop != nil {
		f.stop()
	}
	if f.pending {
		f.ep.metrics.callPending.Add(-1)
	}
	if err != nil {
		f.ep.metrics.callOutErr.Add(1)
		f.err = &CallError{
			Err:       err,
			RPCID:     f.inv.RPCID,
			Target:    f.inv.Target,
			Interface: f.inv.Interface,
			Method:    f.inv.Method,
		}
	} else {
		f.data = data
	}
	if f.span != nil {
		if err != nil {
			f.span.RecordError(err)
			f.span.SetStatus(codes.Error, err.Error())
		}
		f.span.SetAttributes(attribute.Int64("tether.rpc_id", int64(f.inv.RPCID)))
		f.span.End()
	}
	close(f.done)
}

// writeQueue is the ordered queue of frames awaiting the write loop.
type writeQueue struct {
	wake chan struct{} // signaled when a frame is added or the queue closes
	done chan struct{} // closed when the write loop exits

	μ      sync.Mutex
	q      *queue.Queue[*Frame]
	closed bool
}

func newWriteQueue() *writeQueue {
	return &writeQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		q:    queue.New[*Frame](),
	}
}

func (w *writeQueue) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// push adds f to the queue, and reports false if the queue is closed.
func (w *writeQueue) push(f *Frame) bool {
	w.μ.Lock()
	defer w.μ.Unlock()
	if w.closed {
		return false
	}
	w.q.Add(f)
	w.signal()
	return true
}

// pop removes the next frame, if one is available. If the queue is empty,
// closed reports whether it is also closed.
func (w *writeQueue) pop() (f *Frame, ok, closed bool) {
	w.μ.Lock()
	defer w.μ.Unlock()
	f, ok = w.q.Pop()
	return f, ok, w.closed
}

// close prevents further frames from being added. Frames already queued are
// still written.
func (w *writeQueue) close() {
	w.μ.Lock()
	defer w.μ.Unlock()
	w.closed = true
	w.signal()
}
