// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/creachadair/tether"
	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated by QUIC transports. A TLS
// configuration without NextProtos is given this value.
const ALPN = "tether"

// quicPreamble is written by the dialer when it opens its stream, since a
// QUIC stream is not visible to the remote until data is sent on it.
const quicPreamble = 0x74

const (
	quicStreamTimeout = 10 * time.Second // bound on receiving the first stream
	quicLingerTimeout = 2 * time.Second  // bound on waiting for the remote to close
)

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  1 * time.Minute,
	}
}

func withALPN(cfg *tls.Config) *tls.Config {
	if len(cfg.NextProtos) != 0 {
		return cfg
	}
	cfg = cfg.Clone()
	cfg.NextProtos = []string{ALPN}
	return cfg
}

// ListenQUIC listens for QUIC connections on the given UDP address. Each
// connection carries one bidirectional stream, opened by the dialer.
func ListenQUIC(addr string, cfg *tls.Config) (net.Listener, error) {
	ln, err := quic.ListenAddr(addr, withALPN(cfg), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen quic %s: %w", addr, err)
	}
	return quicListener{ln: ln}, nil
}

type quicListener struct {
	ln *quic.Listener
}

// Accept implements [net.Listener]. It waits for the next connection and the
// stream opened on it.
func (q quicListener) Accept() (net.Conn, error) {
	for {
		qc, err := q.ln.Accept(context.Background())
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		conn, err := acceptStream(qc)
		if err != nil {
			qc.CloseWithError(1, err.Error())
			continue // a misbehaving dialer does not stop the listener
		}
		return conn, nil
	}
}

func acceptStream(qc quic.Connection) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(qc.Context(), quicStreamTimeout)
	defer cancel()
	st, err := qc.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	var pre [1]byte
	st.SetReadDeadline(time.Now().Add(quicStreamTimeout))
	if _, err := io.ReadFull(st, pre[:]); err != nil {
		return nil, err
	} else if pre[0] != quicPreamble {
		return nil, fmt.Errorf("invalid stream preamble %#x", pre[0])
	}
	st.SetReadDeadline(time.Time{})
	return &quicConn{Stream: st, conn: qc}, nil
}

// Close implements [net.Listener].
func (q quicListener) Close() error { return q.ln.Close() }

// Addr implements [net.Listener].
func (q quicListener) Addr() net.Addr { return q.ln.Addr() }

// DialQUIC connects to the QUIC listener at addr and opens the stream for
// the connection. If the listener cannot be reached before ctx ends,
// DialQUIC reports a *tether.NoSuchEndpointError.
func DialQUIC(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, withALPN(cfg), quicConfig())
	if err != nil {
		return nil, &tether.NoSuchEndpointError{Address: addr, Err: err}
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(1, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if _, err := st.Write([]byte{quicPreamble}); err != nil {
		qc.CloseWithError(1, "write preamble failed")
		return nil, fmt.Errorf("write preamble: %w", err)
	}
	return &quicConn{Stream: st, conn: qc}, nil
}

// quicConn adapts a QUIC stream and its connection to a [net.Conn].
type quicConn struct {
	quic.Stream
	conn quic.Connection
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the send side of the stream, and closes the connection once
// the remote has closed its side or a short delay has elapsed. Closing the
// connection at once could discard data not yet delivered.
func (c *quicConn) Close() error {
	err := c.Stream.Close()
	go func() {
		c.Stream.SetReadDeadline(time.Now().Add(quicLingerTimeout))
		io.Copy(io.Discard, c.Stream)
		c.conn.CloseWithError(0, "closed")
	}()
	return err
}
