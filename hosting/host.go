// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hosting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
)

// HostTarget is the servant ID of the control servant every host registers.
const HostTarget uint64 = math.MaxUint64

// HostInterface is the interface name of the control servant. Its only
// method, "Shutdown", makes the host exit cleanly.
const HostInterface = "tether.Host"

// HostConfig configures the host side of a [Watchdog], run by [Serve].
type HostConfig struct {
	// Args are the command-line arguments of the host, as written by
	// FormatArguments (default os.Args[1:]).
	Args []string

	// Stdout receives the startup protocol (default os.Stdout).
	Stdout io.Writer

	// Options configure the endpoint serving the parent. The host name
	// defaults to "host-<pid>".
	Options *tether.Options

	// Setup, if set, registers servants on the endpoint before the host
	// reports that it is ready. If it reports an error, the host fails.
	//
	// If Setup calls NewContext on the endpoint, handlers do not observe
	// the post-mortem fault settings.
	Setup func(*tether.Endpoint) error

	// ParentPollInterval is how often the host checks that its parent
	// process still exists (default 1s).
	ParentPollInterval time.Duration

	// Logger receives structured logs. If nil, logs are discarded.
	Logger *slog.Logger
}

func (c HostConfig) withDefaults() HostConfig {
	if c.Args == nil {
		c.Args = os.Args[1:]
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.ParentPollInterval <= 0 {
		c.ParentPollInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	var opts tether.Options
	if c.Options != nil {
		opts = *c.Options
	}
	if opts.Name == "" {
		opts.Name = "host-" + strconv.Itoa(os.Getpid())
	}
	if opts.Logger == nil {
		opts.Logger = c.Logger
	}
	c.Options = &opts
	return c
}

// Serve runs a host process. It reports its progress on cfg.Stdout, then
// accepts connections on a loopback port, one at a time, until ctx ends, the
// parent process exits, or the parent calls the Shutdown method of the
// control servant.
//
// If startup fails, Serve writes an exception message and reports the error.
// Otherwise, Serve reports nil after writing the goodbye message, unless
// the listener failed.
func Serve(ctx context.Context, cfg HostConfig) error {
	cfg = cfg.withDefaults()
	out := protocolWriter{w: cfg.Stdout}
	log := cfg.Logger

	if err := out.line(BootingMessage); err != nil {
		return err
	}
	ppid, pm, err := ParseArguments(cfg.Args)
	if err == nil {
		err = pm.Validate()
	}
	if err == nil {
		err = cfg.Options.Validate()
	}
	if err != nil {
		return out.exception(fmt.Errorf("invalid arguments: %w", err))
	}
	cleanup, err := applyPostMortem(pm, log)
	if err != nil {
		return out.exception(fmt.Errorf("post-mortem settings: %w", err))
	}
	defer cleanup()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return out.exception(err)
	}
	port := lst.Addr().(*net.TCPAddr).Port
	if err := out.line(strconv.Itoa(port)); err != nil {
		lst.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ep := tether.New(cfg.Options).
		NewContext(func() context.Context {
			if pm != nil && pm.HandleAccessViolations {
				debug.SetPanicOnFault(true)
			}
			return ctx
		}).
		Handle(HostTarget, HostInterface, func(_ context.Context, inv *tether.Invocation) ([]byte, error) {
			if inv.Method != "Shutdown" {
				return nil, fmt.Errorf("%w: %q", tether.ErrNoSuchMethod, inv.Method)
			}
			log.Info("shutdown requested")
			cancel()
			return nil, nil
		})
	defer ep.Close()

	if cfg.Setup != nil {
		if err := cfg.Setup(ep); err != nil {
			lst.Close()
			return out.exception(fmt.Errorf("setup: %w", err))
		}
	}
	if err := out.line(ReadyMessage); err != nil {
		lst.Close()
		return err
	}
	log.Info("host ready", "pid", os.Getpid(), "ppid", ppid, "port", port)

	parent := taskgroup.Go(func() error {
		watchParent(ctx, ppid, cfg.ParentPollInterval)
		cancel()
		return nil
	})
	serr := ep.Serve(ctx, lst)
	cancel()
	parent.Wait()
	ep.Close()

	if serr != nil {
		log.Error("serve failed", "error", serr)
	} else {
		log.Info("host stopping")
	}
	if err := out.line(ShutdownMessage); err != nil && serr == nil {
		return err
	}
	return serr
}

// watchParent returns when ctx ends or process ppid no longer exists.
func watchParent(ctx context.Context, ppid int, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !processAlive(ppid) {
				return
			}
		}
	}
}

// applyPostMortem installs the crash settings of p in this process. The
// returned function removes an unused crash file.
func applyPostMortem(p *PostMortemSettings, log *slog.Logger) (func(), error) {
	if p == nil {
		return func() {}, nil
	}
	if p.SuppressErrorWindows {
		debug.SetTraceback("single")
	}
	if p.HandleAccessViolations {
		debug.SetPanicOnFault(true)
	}
	if !p.CollectMinidumps {
		return func() {}, nil
	}

	// Make room for the file of this process.
	if err := p.pruneCrashFiles(p.NumMinidumpsRetained - 1); err != nil {
		log.Warn("unable to prune crash files", "error", err)
	}
	path := p.crashFilePath(os.Getpid())
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() // the runtime keeps its own descriptor
	if err := debug.SetCrashOutput(f, debug.CrashOptions{}); err != nil {
		os.Remove(path)
		return nil, err
	}
	log.Debug("crash output redirected", "path", path)
	return func() {
		debug.SetCrashOutput(nil, debug.CrashOptions{})
		if fi, err := os.Stat(path); err == nil && fi.Size() == 0 {
			os.Remove(path)
		}
	}, nil
}

// protocolWriter writes lines of the startup protocol.
type protocolWriter struct{ w io.Writer }

func (p protocolWriter) line(s string) error {
	_, err := io.WriteString(p.w, s+"\n")
	return err
}

// exception writes an exception message for err, and returns err.
func (p protocolWriter) exception(err error) error {
	return errors.Join(err, p.line(ExceptionMessage+encodeException(err)))
}
