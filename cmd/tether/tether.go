// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program tether is a command-line utility for running and talking to tether
// endpoints and host processes.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/creachadair/tether/hosting"
)

// hostEnv, when set in the environment, makes the program run as a host
// process started by a watchdog.
const hostEnv = "TETHER_CLI_HOST"

const (
	echoTarget = 1
	echoIface  = "tether.Echo"
)

var flags struct {
	Debug bool `flag:"debug,Enable debug logging"`
}

func main() {
	if os.Getenv(hostEnv) != "" {
		if err := runHost(os.Args[1:]); err != nil {
			os.Exit(1)
		}
		return
	}
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for running and talking to tether endpoints.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "host",
				Usage: "<parent-pid> [post-mortem-settings...]",
				Help: `Run a host process serving an echo servant.

The host follows the startup protocol of a watchdog on its standard output,
and exits when the parent process exits or asks it to shut down.`,
				Run: func(env *command.Env) error {
					if len(env.Args) == 0 {
						return env.Usagef("Missing parent process ID")
					}
					return runHost(env.Args)
				},
			},
			{
				Name:     "run",
				Usage:    "[--restart]",
				Help:     "Start a host process and send each line of standard input to it as an echo call.",
				SetFlags: command.Flags(flax.MustBind, &runFlags),
				Run:      runSilo,
			},
			{
				Name:     "serve",
				Usage:    "[--addr a] [--http a]",
				Help:     "Serve echo endpoints, with a diagnostic HTTP server.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "ping",
				Usage:    "<address>",
				Help:     "Connect to an endpoint and report roundtrip times.",
				SetFlags: command.Flags(flax.MustBind, &pingFlags),
				Run:      runPing,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flags.Debug || os.Getenv(hostEnv) == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func echo(_ context.Context, inv *tether.Invocation) ([]byte, error) { return inv.Data, nil }

func runHost(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return hosting.Serve(ctx, hosting.HostConfig{
		Args:   args,
		Logger: newLogger(),
		Setup: func(ep *tether.Endpoint) error {
			ep.Handle(echoTarget, echoIface, echo)
			return nil
		},
	})
}

var runFlags struct {
	Restart bool          `flag:"restart,Restart the host when it fails"`
	Timeout time.Duration `flag:"timeout,default=10s,Timeout for host startup"`
}

func runSilo(env *command.Env) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	mode := "1"
	if flags.Debug {
		mode = "debug"
	}
	log := newLogger()
	cfg := hosting.SiloConfig{
		Watchdog: hosting.WatchdogConfig{
			Executable: exe,
			Env:        []string{hostEnv + "=" + mode},
			Stderr:     os.Stderr,
		},
		Failure: hosting.FailureSettings{ProcessReadyTimeout: runFlags.Timeout},
		Logger:  log,
	}
	if runFlags.Restart {
		cfg.Handler = hosting.RestartOnFailure{}
	}
	s, err := hosting.NewSilo(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	s.OnFaultDetected(func(pid int, f hosting.Failure) {
		log.Warn("host failed", "pid", pid, "failure", f)
	})
	s.OnHostStarted(func(pid int) { log.Info("host started", "pid", pid) })

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		rsp, err := s.Call(ctx, echoTarget, echoIface, "Echo", sc.Bytes())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Printf("%s\n", rsp)
	}
	return sc.Err()
}

var pingFlags struct {
	Count    int           `flag:"n,default=5,Number of roundtrips to measure"`
	Interval time.Duration `flag:"interval,default=1s,Time between roundtrips"`
	Timeout  time.Duration `flag:"timeout,default=5s,Timeout for each roundtrip"`
}

func runPing(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Expected one address")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	nc, err := dialAddress(ctx, env.Args[0])
	if err != nil {
		return err
	}
	ep := tether.New(&tether.Options{Logger: newLogger()})
	defer ep.Close()
	if _, err := ep.Connect(ctx, nc); err != nil {
		return err
	}

	var total time.Duration
	var n int
	for i := range pingFlags.Count {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pingFlags.Interval):
			}
		}
		cctx, cancel := context.WithTimeout(ctx, pingFlags.Timeout)
		start := time.Now()
		_, err := ep.Call(cctx, tether.LatencyTarget, tether.LatencyInterface, "Roundtrip", nil)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%d: error: %v\n", i+1, err)
			continue
		}
		rtt := time.Since(start)
		total += rtt
		n++
		fmt.Printf("%d: %v\n", i+1, rtt)
	}
	if n == 0 {
		return errors.New("no roundtrips succeeded")
	}
	fmt.Printf("average %v over %d roundtrips\n", total/time.Duration(n), n)
	return nil
}

// dialAddress dials a WebSocket URL, or a network address.
func dialAddress(ctx context.Context, addr string) (net.Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return channel.DialWebSocket(ctx, addr, nil)
	}
	return channel.Dial(ctx, addr)
}
