// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/creachadair/tether/peers"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

const (
	testTarget = 100
	testIface  = "test.Service"
)

// quiet returns options with latency probes disabled, so that the only
// traffic on the link is what a test generates plus heartbeats.
func quiet(name string) *tether.Options {
	return &tether.Options{Name: name, Latency: tether.LatencySettings{Disabled: true}}
}

func mustConnect(t *testing.T, a, b *tether.Endpoint) *peers.Local {
	t.Helper()
	loc, err := peers.Connect(context.Background(), a, b)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return loc
}

// waitFor polls cond until it holds or a generous timeout elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func metric(m *expvar.Map, name string) int64 { return m.Get(name).(*expvar.Int).Value() }

type quotaError struct{}

func (quotaError) Error() string     { return "quota exceeded" }
func (quotaError) FaultKind() string { return "quota" }

var errQuota = errors.New("over quota")

func TestEndpoint(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping endpoints: %v", err)
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)
		for _, name := range []string{"calls_active", "calls_pending"} {
			if v := metric(m, name); v != 0 {
				t.Errorf("Metric %q = %d, want 0", name, v)
			}
		}
	}()

	loc.A.Handle(testTarget, testIface, func(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
		arg := string(inv.Data)
		switch inv.Method {
		case "Echo":
			return inv.Data, nil
		case "Fail":
			return nil, errors.New(arg)
		case "Panic":
			panic(arg)
		case "Quota":
			return nil, fmt.Errorf("checking: %w", quotaError{})
		case "Self":
			if tether.ContextEndpoint(ctx) != loc.A {
				return nil, errors.New("wrong endpoint in context")
			}
			return []byte(tether.ContextConnection(ctx).String()), nil
		}
		return nil, fmt.Errorf("%w: %s", tether.ErrNoSuchMethod, inv.Method)
	})
	ctx := context.Background()

	t.Run("Echo", func(t *testing.T) {
		rsp, err := loc.B.Call(ctx, testTarget, testIface, "Echo", []byte("hello"))
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got := string(rsp); got != "hello" {
			t.Errorf("Call: got %q, want hello", got)
		}
	})

	t.Run("Context", func(t *testing.T) {
		rsp, err := loc.B.Call(ctx, testTarget, testIface, "Self", nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got, want := string(rsp), loc.A.Info().ID.String(); got != want {
			t.Errorf("Call: got %q, want %q", got, want)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		tests := []struct {
			target uint64
			iface  string
			method string
			want   error
		}{
			{testTarget + 1, testIface, "Echo", tether.ErrNoSuchServant},
			{testTarget, "test.Other", "Echo", tether.ErrTypeMismatch},
			{testTarget, testIface, "Nonesuch", tether.ErrNoSuchMethod},
			{testTarget, testIface, "Panic", tether.ErrHandlerPanic},
		}
		for _, test := range tests {
			rsp, err := loc.B.Call(ctx, test.target, test.iface, test.method, []byte("bad"))
			if !errors.Is(err, test.want) {
				t.Errorf("Call %d %s.%s: got (%q, %v), want %v", test.target, test.iface, test.method, rsp, err, test.want)
				continue
			}
			var ce *tether.CallError
			if !errors.As(err, &ce) {
				t.Errorf("Call: got %[1]T (%[1]v), want *CallError", err)
			} else if ce.Target != test.target || ce.Method != test.method {
				t.Errorf("CallError: got target %d method %q, want %d %q", ce.Target, ce.Method, test.target, test.method)
			}
		}
	})

	t.Run("RemoteError", func(t *testing.T) {
		_, err := loc.B.Call(ctx, testTarget, testIface, "Fail", []byte("it broke"))
		var re *tether.RemoteError
		if !errors.As(err, &re) {
			t.Fatalf("Call: got %v, want *RemoteError", err)
		}
		if re.Kind != tether.FaultError || re.Message != "it broke" {
			t.Errorf("RemoteError: got kind %q message %q", re.Kind, re.Message)
		}
	})

	t.Run("PanicStack", func(t *testing.T) {
		_, err := loc.B.Call(ctx, testTarget, testIface, "Panic", []byte("oh no"))
		var re *tether.RemoteError
		if !errors.As(err, &re) {
			t.Fatalf("Call: got %v, want *RemoteError", err)
		}
		if re.Kind != tether.FaultPanic {
			t.Errorf("Kind: got %q, want %q", re.Kind, tether.FaultPanic)
		}
		if !strings.Contains(re.Message, "oh no") {
			t.Errorf("Message: got %q, want panic value", re.Message)
		}
		if re.Stack == "" {
			t.Error("Stack is empty, want panic stack")
		}
	})

	t.Run("UnknownFaultKind", func(t *testing.T) {
		_, err := loc.B.Call(ctx, testTarget, testIface, "Quota", nil)
		var ue *tether.UnserializableError
		if !errors.As(err, &ue) {
			t.Fatalf("Call: got %v, want *UnserializableError", err)
		}
		if ue.Kind != "quota" {
			t.Errorf("Kind: got %q, want quota", ue.Kind)
		}
	})

	t.Run("Exec", func(t *testing.T) {
		rsp, err := loc.A.Exec(ctx, testTarget, testIface, "Echo", []byte("local"))
		if err != nil || string(rsp) != "local" {
			t.Errorf("Exec: got (%q, %v), want local", rsp, err)
		}
		if _, err := loc.A.Exec(ctx, testTarget+5, testIface, "Echo", nil); !errors.Is(err, tether.ErrNoSuchServant) {
			t.Errorf("Exec: got %v, want %v", err, tether.ErrNoSuchServant)
		}
	})

	t.Run("Unregister", func(t *testing.T) {
		loc.A.Handle(testTarget+2, testIface, func(context.Context, *tether.Invocation) ([]byte, error) {
			return []byte("ok"), nil
		})
		if _, err := loc.B.Call(ctx, testTarget+2, testIface, "X", nil); err != nil {
			t.Errorf("Call: unexpected error: %v", err)
		}
		loc.A.Handle(testTarget+2, testIface, nil)
		if _, err := loc.B.Call(ctx, testTarget+2, testIface, "X", nil); !errors.Is(err, tether.ErrNoSuchServant) {
			t.Errorf("Call: got %v, want %v", err, tether.ErrNoSuchServant)
		}
	})
}

func TestRegisteredFaultKind(t *testing.T) {
	defer leaktest.Check(t)()

	a := tether.New(quiet("A")).Handle(testTarget, testIface, func(context.Context, *tether.Invocation) ([]byte, error) {
		return nil, quotaError{}
	})
	opts := quiet("B")
	opts.FaultKinds = map[string]error{"quota": errQuota}
	loc := mustConnect(t, a, tether.New(opts))
	defer loc.Stop()

	_, err := loc.B.Call(context.Background(), testTarget, testIface, "Q", nil)
	if !errors.Is(err, errQuota) {
		t.Errorf("Call: got %v, want %v", err, errQuota)
	}
}

func TestConcurrentCalls(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Handle(testTarget, testIface, func(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return append([]byte("re:"), inv.Data...), nil
	})

	const numCalls = 64
	ctx := context.Background()
	g := taskgroup.New(nil)
	for i := range numCalls {
		g.Go(func() error {
			arg := fmt.Sprintf("call-%d", i)
			rsp, err := loc.B.Call(ctx, testTarget, testIface, "Echo", []byte(arg))
			if err != nil {
				return err
			} else if got, want := string(rsp), "re:"+arg; got != want {
				return fmt.Errorf("got %q, want %q", got, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Concurrent calls: %v", err)
	}
}

func TestMaxConcurrentCalls(t *testing.T) {
	defer leaktest.Check(t)()

	opts := quiet("A")
	opts.MaxConcurrentCalls = 2
	var cur, peak atomic.Int32
	a := tether.New(opts).Handle(testTarget, testIface, func(context.Context, *tether.Invocation) ([]byte, error) {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})
	loc := mustConnect(t, a, tether.New(quiet("B")))
	defer loc.Stop()

	ctx := context.Background()
	g := taskgroup.New(nil)
	for range 10 {
		g.Go(func() error {
			_, err := loc.B.Call(ctx, testTarget, testIface, "Work", nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Calls: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("Peak concurrency: got %d, want at most 2", got)
	}
}

func TestCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	release := make(chan struct{})
	loc.A.Handle(testTarget, testIface, func(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
		if inv.Method == "Block" {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-release:
			}
		}
		return []byte("done"), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := loc.B.Call(ctx, testTarget, testIface, "Block", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call: got %v, want %v", err, context.DeadlineExceeded)
	}
	close(release)

	// The connection survives an abandoned call.
	rsp, err := loc.B.Call(context.Background(), testTarget, testIface, "Other", nil)
	if err != nil || string(rsp) != "done" {
		t.Errorf("Call: got (%q, %v), want done", rsp, err)
	}
}

func TestConnectionLost(t *testing.T) {
	defer leaktest.Check(t)()

	a := tether.New(quiet("A")).Handle(testTarget, testIface, func(ctx context.Context, _ *tether.Invocation) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	b := tether.New(quiet("B"))

	reasons := make(chan tether.DisconnectReason, 1)
	b.OnDisconnected(func(_ tether.ConnectionInfo, r tether.DisconnectReason) { reasons <- r })
	b.OnFailure(func(r tether.DisconnectReason, _ tether.ConnectionID) {
		t.Errorf("Unexpected failure callback: %v", r)
	})
	loc := mustConnect(t, a, b)
	defer loc.Stop()

	const numCalls = 5
	var futures []*tether.Future
	for range numCalls {
		futures = append(futures, b.Go(context.Background(), testTarget, testIface, "Wait", nil))
	}
	waitFor(t, "calls to be active", func() bool {
		return metric(a.Metrics(), "calls_active") == numCalls
	})

	loc.A.Disconnect()
	for i, f := range futures {
		_, err := f.Result()
		if !errors.Is(err, tether.ErrConnectionLost) {
			t.Errorf("Call %d: got %v, want %v", i+1, err, tether.ErrConnectionLost)
		}
		if !errors.Is(err, tether.ErrCallCanceled) {
			t.Errorf("Call %d: got %v, want %v", i+1, err, tether.ErrCallCanceled)
		}
	}
	if got := <-reasons; got != tether.RequestedByRemoteEndpoint {
		t.Errorf("Disconnect reason: got %v, want %v", got, tether.RequestedByRemoteEndpoint)
	}

	_, err := b.Call(context.Background(), testTarget, testIface, "Wait", nil)
	if !errors.Is(err, tether.ErrNotConnected) {
		t.Errorf("Call after disconnect: got %v, want %v", err, tether.ErrNotConnected)
	}
}

func TestReconnect(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := tether.New(quiet("A")), tether.New(quiet("B"))
	defer a.Close()
	defer b.Close()

	var mu sync.Mutex
	var got []tether.ConnectionID
	b.OnConnected(func(ci tether.ConnectionInfo) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ci.ID)
	})

	ctx := context.Background()
	for range 3 {
		if _, err := peers.Connect(ctx, a, b); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if s := b.State(); s != tether.Connected {
			t.Errorf("State: got %v, want %v", s, tether.Connected)
		}
		b.Disconnect()
		waitFor(t, "A to disconnect", func() bool { return a.State() == tether.Disconnected })
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]tether.ConnectionID{1, 2, 3}, got); diff != "" {
		t.Errorf("Connection IDs (-want, +got):\n%s", diff)
	}
	if s := b.Stats(); s.Connections != 3 || s.Info.ID != tether.NoConnection {
		t.Errorf("Stats: got %+v, want 3 connections and none active", s)
	}
}

func TestEndpointBusy(t *testing.T) {
	defer leaktest.Check(t)()

	srv, c1, c2 := tether.New(quiet("server")), tether.New(quiet("c1")), tether.New(quiet("c2"))
	defer c2.Close()
	srv.Handle(testTarget, testIface, func(_ context.Context, inv *tether.Invocation) ([]byte, error) {
		return inv.Data, nil
	})
	loc := mustConnect(t, srv, c1)
	defer loc.Stop()
	ctx := context.Background()

	t.Run("AlreadyConnected", func(t *testing.T) {
		pa, pb := channel.Pipe()
		var srvErr error
		g := taskgroup.Go(func() error { _, srvErr = srv.Accept(ctx, pa); return nil })
		_, err := c2.Connect(ctx, pb)
		g.Wait()

		var ace *tether.AlreadyConnectedError
		if !errors.As(err, &ace) {
			t.Errorf("Connect: got %v, want *AlreadyConnectedError", err)
		}
		if !errors.As(srvErr, &ace) {
			t.Errorf("Accept: got %v, want *AlreadyConnectedError", srvErr)
		}

		// The first connection is unaffected.
		if rsp, err := loc.B.Call(ctx, testTarget, testIface, "Echo", []byte("still here")); err != nil {
			t.Errorf("Call: unexpected error: %v", err)
		} else if string(rsp) != "still here" {
			t.Errorf("Call: got %q, want still here", rsp)
		}
	})

	t.Run("Busy", func(t *testing.T) {
		_, pb := channel.Pipe()
		if _, err := c1.Connect(ctx, pb); !errors.Is(err, tether.ErrEndpointBusy) {
			t.Errorf("Connect: got %v, want %v", err, tether.ErrEndpointBusy)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		c2.Close()
		_, pb := channel.Pipe()
		if _, err := c2.Connect(ctx, pb); !errors.Is(err, tether.ErrClosed) {
			t.Errorf("Connect: got %v, want %v", err, tether.ErrClosed)
		}
	})
}

// stallConn is a connection whose writes block while it is stalled.
type stallConn struct {
	net.Conn
	stalled atomic.Bool
	release chan struct{}
}

func (s *stallConn) Write(data []byte) (int, error) {
	if s.stalled.Load() {
		<-s.release
	}
	return s.Conn.Write(data)
}

func TestAcceptDuringTeardown(t *testing.T) {
	defer leaktest.Check(t)()

	srv, c1, c2 := tether.New(quiet("server")), tether.New(quiet("c1")), tether.New(quiet("c2"))
	defer srv.Close()
	defer c1.Close()
	defer c2.Close()
	ctx := context.Background()

	pa, pb := channel.Pipe()
	sc := &stallConn{Conn: pa, release: make(chan struct{})}
	g := taskgroup.Go(func() error { _, err := srv.Accept(ctx, sc); return err })
	if _, err := c1.Connect(ctx, pb); err != nil {
		t.Fatalf("Connect c1: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Accept c1: %v", err)
	}

	// Hold the goodbye of the server, so that its teardown cannot finish.
	sc.stalled.Store(true)
	dg := taskgroup.Go(func() error { srv.Disconnect(); return nil })
	waitFor(t, "server to disconnect", func() bool { return srv.State() == tether.Disconnected })

	// A connection accepted meanwhile waits for the teardown rather than
	// being refused.
	qa, qb := channel.Pipe()
	var acceptErr error
	ag := taskgroup.Go(func() error { _, acceptErr = srv.Accept(ctx, qa); return nil })
	waitFor(t, "server to claim the connection", func() bool { return srv.State() == tether.Connecting })

	close(sc.release)
	if _, err := c2.Connect(ctx, qb); err != nil {
		t.Errorf("Connect c2: unexpected error: %v", err)
	}
	ag.Wait()
	dg.Wait()
	if acceptErr != nil {
		t.Errorf("Accept c2: unexpected error: %v", acceptErr)
	}
	if got := srv.State(); got != tether.Connected {
		t.Errorf("Server state: got %v, want %v", got, tether.Connected)
	}
	waitFor(t, "c1 to disconnect", func() bool { return c1.State() == tether.Disconnected })
}

func TestAuthentication(t *testing.T) {
	defer leaktest.Check(t)()

	key, other := tether.SharedSecret("sesame"), tether.SharedSecret("open")
	tests := []struct {
		name           string
		srv, cli       tether.Options
		srvErr, cliErr func(error) bool
	}{
		{"None", tether.Options{}, tether.Options{}, isNil, isNil},
		{"ClientOK",
			tether.Options{ClientAuthenticator: key},
			tether.Options{ClientAuthenticator: key},
			isNil, isNil},
		{"MutualOK",
			tether.Options{ClientAuthenticator: key, ServerAuthenticator: key},
			tether.Options{ClientAuthenticator: key, ServerAuthenticator: key},
			isNil, isNil},
		{"ClientMismatch",
			tether.Options{ClientAuthenticator: key},
			tether.Options{ClientAuthenticator: other},
			isAuthError, isAuthError},
		{"ServerMismatch",
			tether.Options{ServerAuthenticator: key},
			tether.Options{ServerAuthenticator: other},
			isAuthError, isAuthError},
		{"ClientMissing",
			tether.Options{ClientAuthenticator: key},
			tether.Options{},
			isHandshakeError, isAuthRequired},
		{"ServerMissing",
			tether.Options{},
			tether.Options{ServerAuthenticator: key},
			isAuthRequired, isHandshakeError},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.srv.Name, test.cli.Name = "server", "client"
			srv, cli := tether.New(&test.srv), tether.New(&test.cli)
			defer srv.Close()
			defer cli.Close()

			ctx := context.Background()
			pa, pb := channel.Pipe()
			var srvErr error
			g := taskgroup.Go(func() error { _, srvErr = srv.Accept(ctx, pa); return nil })
			_, cliErr := cli.Connect(ctx, pb)
			g.Wait()

			if !test.srvErr(srvErr) {
				t.Errorf("Accept: unexpected result: %v", srvErr)
			}
			if !test.cliErr(cliErr) {
				t.Errorf("Connect: unexpected result: %v", cliErr)
			}
			wantState := tether.Disconnected
			if cliErr == nil {
				wantState = tether.Connected
			}
			if s := cli.State(); s != wantState {
				t.Errorf("Client state: got %v, want %v", s, wantState)
			}
		})
	}
}

func isNil(err error) bool { return err == nil }

func isAuthError(err error) bool {
	var ae *tether.AuthenticationError
	return errors.As(err, &ae)
}

func isHandshakeError(err error) bool {
	var he *tether.HandshakeError
	return errors.As(err, &he)
}

func isAuthRequired(err error) bool { return errors.Is(err, tether.ErrAuthenticationRequired) }

func TestHeartbeatFailure(t *testing.T) {
	defer leaktest.Check(t)()

	aopts := quiet("A")
	aopts.Heartbeat.Disabled = true
	a := tether.New(aopts).Handle(tether.HeartbeatTarget, tether.HeartbeatInterface,
		func(ctx context.Context, _ *tether.Invocation) ([]byte, error) {
			<-ctx.Done() // never answer
			return nil, ctx.Err()
		})

	bopts := quiet("B")
	bopts.Heartbeat = tether.HeartbeatSettings{
		Interval:                   20 * time.Millisecond,
		SkippedHeartbeatThreshold:  2,
		ReportWithDebuggerAttached: true,
	}
	b := tether.New(bopts)

	type failure struct {
		reason tether.DisconnectReason
		id     tether.ConnectionID
	}
	failed := make(chan failure, 1)
	b.OnFailure(func(r tether.DisconnectReason, id tether.ConnectionID) { failed <- failure{r, id} })

	loc := mustConnect(t, a, b)
	defer loc.Stop()
	id := b.Info().ID

	select {
	case got := <-failed:
		if diff := cmp.Diff(failure{tether.HeartbeatFailure, id}, got, cmp.AllowUnexported(failure{})); diff != "" {
			t.Errorf("Failure (-want, +got):\n%s", diff)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for heartbeat failure")
	}
	if s := b.State(); s != tether.Disconnected {
		t.Errorf("State: got %v, want %v", s, tether.Disconnected)
	}
	if v := metric(b.Metrics(), "heartbeat_failures"); v < 1 {
		t.Errorf("heartbeat_failures = %d, want at least 1", v)
	}
}

func TestHeartbeatStats(t *testing.T) {
	defer leaktest.Check(t)()

	opts := &tether.Options{
		Name:      "B",
		Heartbeat: tether.HeartbeatSettings{Interval: 5 * time.Millisecond},
		Latency:   tether.LatencySettings{Interval: 5 * time.Millisecond},
	}
	loc := mustConnect(t, tether.New(nil), tether.New(opts))
	defer loc.Stop()

	waitFor(t, "heartbeats and latency samples", func() bool {
		s := loc.B.Stats()
		return s.NumHeartbeats >= 3 && s.LatencySamples >= 3
	})
	s := loc.B.Stats()
	if s.LastHeartbeat.IsZero() {
		t.Error("LastHeartbeat is zero after heartbeats")
	}
	if s.RoundtripTime <= 0 {
		t.Errorf("RoundtripTime: got %v, want positive", s.RoundtripTime)
	}
}

func TestLogFrames(t *testing.T) {
	defer leaktest.Check(t)()

	silent := func(name string) *tether.Options {
		opts := quiet(name)
		opts.Heartbeat.Disabled = true
		return opts
	}
	loc := mustConnect(t, tether.New(silent("A")), tether.New(silent("B")))
	defer loc.Stop()
	loc.A.Handle(testTarget, testIface, func(context.Context, *tether.Invocation) ([]byte, error) {
		return []byte("ok"), nil
	})

	var mu sync.Mutex
	var kinds []string
	loc.B.LogFrames(func(fi tether.FrameInfo) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, fmt.Sprintf("%v %v", fi.Sent, fi.Kind))
	})

	if _, err := loc.B.Call(context.Background(), testTarget, testIface, "X", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	loc.B.LogFrames(nil)

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"true CALL", "false RESULT"}, kinds); diff != "" {
		t.Errorf("Logged frames (-want, +got):\n%s", diff)
	}
}

func TestNotConnected(t *testing.T) {
	defer leaktest.Check(t)()

	e := tether.New(nil)
	defer e.Close()

	_, err := e.Call(context.Background(), testTarget, testIface, "X", nil)
	var ce *tether.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Call: got %v, want *CallError", err)
	}
	if !errors.Is(err, tether.ErrNotConnected) {
		t.Errorf("Call: got %v, want %v", err, tether.ErrNotConnected)
	}
	if ce.RPCID != 0 {
		t.Errorf("RPCID: got %d, want 0", ce.RPCID)
	}
	if got := e.State(); got != tether.Disconnected {
		t.Errorf("State: got %v, want %v", got, tether.Disconnected)
	}
}

func TestInvalidOptions(t *testing.T) {
	tests := []tether.Options{
		{MaxFrameSize: -1},
		{HandshakeTimeout: -time.Second},
		{Heartbeat: tether.HeartbeatSettings{Interval: -1}},
		{Latency: tether.LatencySettings{NumSamples: -3}},
	}
	for _, opts := range tests {
		got := mtest.MustPanic(t, func() { tether.New(&opts) }).(string)
		if !strings.Contains(got, "invalid options") {
			t.Errorf("New(%+v): got panic %q, want invalid options", opts, got)
		}
	}
}

func TestFailureInterval(t *testing.T) {
	tests := []struct {
		input tether.HeartbeatSettings
		want  time.Duration
	}{
		{tether.HeartbeatSettings{}, 10 * time.Second},
		{tether.HeartbeatSettings{Interval: 100 * time.Millisecond}, time.Second},
		{tether.HeartbeatSettings{Interval: 50 * time.Millisecond, SkippedHeartbeatThreshold: 3}, 150 * time.Millisecond},
	}
	for _, test := range tests {
		if got := test.input.FailureInterval(); got != test.want {
			t.Errorf("FailureInterval(%+v): got %v, want %v", test.input, got, test.want)
		}
	}
}

func TestFaultEncoding(t *testing.T) {
	t.Run("Builtin", func(t *testing.T) {
		enc := tether.EncodeFault(fmt.Errorf("finding target 5: %w", tether.ErrNoSuchServant), "the stack")
		err := tether.DecodeFault(enc)
		var re *tether.RemoteError
		if !errors.As(err, &re) {
			t.Fatalf("DecodeFault: got %[1]T (%[1]v), want *RemoteError", err)
		}
		if re.Kind != tether.FaultNoSuchServant || re.Stack != "the stack" {
			t.Errorf("RemoteError: got kind %q stack %q", re.Kind, re.Stack)
		}
		if !errors.Is(err, tether.ErrNoSuchServant) {
			t.Errorf("DecodeFault: got %v, want %v", err, tether.ErrNoSuchServant)
		}
		if re.Cause == nil {
			t.Error("Cause is nil, want wrapped sentinel")
		}
	})

	t.Run("Context", func(t *testing.T) {
		err := tether.DecodeFault(tether.EncodeFault(context.Canceled, ""))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("DecodeFault: got %v, want %v", err, context.Canceled)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		err := tether.DecodeFault(tether.EncodeFault(quotaError{}, ""))
		var ue *tether.UnserializableError
		if !errors.As(err, &ue) {
			t.Fatalf("DecodeFault: got %v, want *UnserializableError", err)
		}
		if ue.Kind != "quota" || ue.Message != "quota exceeded" {
			t.Errorf("UnserializableError: got kind %q message %q", ue.Kind, ue.Message)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		err := tether.DecodeFault([]byte("\xff\xff\xff"))
		var ue *tether.UnserializableError
		if !errors.As(err, &ue) {
			t.Errorf("DecodeFault: got %v, want *UnserializableError", err)
		}
	})

	t.Run("Forwarded", func(t *testing.T) {
		// A remote error returned by a servant keeps its kind and message.
		first := tether.DecodeFault(tether.EncodeFault(tether.ErrTypeMismatch, ""))
		second := tether.DecodeFault(tether.EncodeFault(first, ""))
		if diff := cmp.Diff(first.Error(), second.Error()); diff != "" {
			t.Errorf("Forwarded fault (-want, +got):\n%s", diff)
		}
		if !errors.Is(second, tether.ErrTypeMismatch) {
			t.Errorf("Forwarded fault: got %v, want %v", second, tether.ErrTypeMismatch)
		}
	})
}
