// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/creachadair/tether"
)

// A WebSocketListener is a [net.Listener] whose connections arrive as
// WebSocket upgrades on its ServeHTTP method. Each connection carries the
// byte stream in binary messages.
//
// ServeHTTP blocks until the accepted connection is closed, so that the
// HTTP server keeps the underlying connection alive.
type WebSocketListener struct {
	addr net.Addr
	opts *websocket.AcceptOptions

	conns  chan net.Conn
	closed chan struct{}
	stop   func()
}

// NewWebSocketListener constructs a listener reporting addr as its address.
// If opts == nil, default accept options are used.
func NewWebSocketListener(addr net.Addr, opts *websocket.AcceptOptions) *WebSocketListener {
	closed := make(chan struct{})
	return &WebSocketListener{
		addr:   addr,
		opts:   opts,
		conns:  make(chan net.Conn),
		closed: closed,
		stop:   sync.OnceFunc(func() { close(closed) }),
	}
}

// ServeHTTP implements [http.Handler] by upgrading the request and handing
// the connection to a caller of Accept.
func (w *WebSocketListener) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-w.closed:
		http.Error(rw, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := websocket.Accept(rw, r, w.opts)
	if err != nil {
		return // Accept has already written an error response
	}
	ws.SetReadLimit(wsReadLimit)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := &wsConn{Conn: websocket.NetConn(ctx, ws, websocket.MessageBinary), done: make(chan struct{})}
	conn.closer = sync.OnceValue(func() error { defer close(conn.done); return conn.Conn.Close() })

	select {
	case w.conns <- conn:
	case <-w.closed:
		ws.Close(websocket.StatusGoingAway, "listener closed")
		return
	case <-r.Context().Done():
		return
	}
	select {
	case <-conn.done:
	case <-r.Context().Done():
		conn.Close()
	}
}

// Accept implements [net.Listener].
func (w *WebSocketListener) Accept() (net.Conn, error) {
	select {
	case <-w.closed:
		return nil, net.ErrClosed
	case c := <-w.conns:
		return c, nil
	}
}

// Close implements [net.Listener]. Connections already accepted are not
// affected.
func (w *WebSocketListener) Close() error { w.stop(); return nil }

// Addr implements [net.Listener].
func (w *WebSocketListener) Addr() net.Addr { return w.addr }

// wsReadLimit bounds the size of a single WebSocket message. A message holds
// at most one write of the stream, which is no larger than a frame.
const wsReadLimit = 2*tether.DefaultMaxFrameSize + 4

type wsConn struct {
	net.Conn
	done   chan struct{}
	closer func() error
}

func (c *wsConn) Close() error { return c.closer() }

// DialWebSocket connects to the WebSocket endpoint at url, for example
// "ws://localhost:8080/tether". If the endpoint cannot be reached before ctx
// ends, DialWebSocket reports a *tether.NoSuchEndpointError. Once connected,
// the connection is not affected by ctx.
func DialWebSocket(ctx context.Context, url string, opts *websocket.DialOptions) (net.Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, &tether.NoSuchEndpointError{Address: url, Err: err}
	}
	ws.SetReadLimit(wsReadLimit)
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}
