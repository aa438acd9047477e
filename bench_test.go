// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether_test

import (
	"context"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/creachadair/tether/peers"
)

func noop(context.Context, *tether.Invocation) ([]byte, error)       { return nil, nil }
func echo(_ context.Context, inv *tether.Invocation) ([]byte, error) { return inv.Data, nil }

func BenchmarkCall(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Pipe-noop", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(1, "bench.X", noop)
		runBench(b, loc.B, nil)
	})
	b.Run("Pipe-echo", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(1, "bench.X", echo)
		runBench(b, loc.B, payload)
	})

	b.Run("TCP-noop", func(b *testing.B) {
		cli := tcpEndpoints(b)
		runBench(b, cli, nil)
	})
	b.Run("TCP-echo", func(b *testing.B) {
		cli := tcpEndpoints(b)
		runBench(b, cli, payload)
	})
}

func runBench(b *testing.B, ep *tether.Endpoint, data []byte) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		_, err := ep.Call(ctx, 1, "bench.X", "Run", data)
		if err != nil {
			b.Fatal(err)
		}
	}
}

// tcpEndpoints starts a server endpoint on a loopback TCP listener, and
// returns a client endpoint connected to it.
func tcpEndpoints(b *testing.B) *tether.Endpoint {
	lst, err := channel.Listen("127.0.0.1:0")
	if err != nil {
		b.Fatalf("Listen: %v", err)
	}
	srv := tether.New(&tether.Options{Name: "server"}).Handle(1, "bench.X", echo)
	cli := tether.New(&tether.Options{Name: "client"})

	ctx, cancel := context.WithCancel(context.Background())
	g := taskgroup.Go(func() error { return srv.Serve(ctx, lst) })
	b.Cleanup(func() {
		cli.Close()
		cancel()
		g.Wait()
		srv.Close()
	})
	if _, err := cli.Dial(ctx, "tcp", lst.Addr().String()); err != nil {
		b.Fatalf("Dial: %v", err)
	}
	return cli
}
