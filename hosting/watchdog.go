// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package hosting runs tether servants in a separate host process, and
// detects and recovers from the failure of that process.
//
// A [Watchdog] starts a host executable and follows its startup protocol. A
// [Silo] combines a watchdog with a client endpoint connected to the host,
// and resolves failures of either through a [FailureHandler]. The host side
// is implemented by [Serve].
//
// # Startup protocol
//
// The host is started with the process ID of its parent as its first
// argument, optionally followed by post-mortem settings (see
// [FormatArguments]). It then writes lines to its standard output:
//
//	booting                  the host has started
//	<port>                   the TCP port it listens on, on the loopback address
//	ready                    the host accepts connections
//	goodbye                  the host is shutting down cleanly
//	exception <base64>       startup failed; the payload is an encoded fault
//
// Other lines are reported to OnHostOutputWritten callbacks and otherwise
// ignored.
package hosting

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/internal/observer"
	"github.com/hashicorp/go-metrics"
)

// Lines of the startup protocol.
const (
	BootingMessage   = "booting"
	ReadyMessage     = "ready"
	ShutdownMessage  = "goodbye"
	ExceptionMessage = "exception "
)

// HostState is the state of a host process as reported by its startup
// protocol.
type HostState int

const (
	StateNone HostState = iota
	StateBootPending
	StateBooting
	StateReady
	StateShuttingDown
	StateDead
)

var stateNames = [...]string{
	StateNone:         "None",
	StateBootPending:  "BootPending",
	StateBooting:      "Booting",
	StateReady:        "Ready",
	StateShuttingDown: "ShuttingDown",
	StateDead:         "Dead",
}

func (s HostState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("HostState(%d)", int(s))
}

// ProcessFailureReason describes why a host process failed.
type ProcessFailureReason int

const (
	NoProcessFailure ProcessFailureReason = iota

	// HostProcessExitedUnexpectedly means the host exited while ready,
	// without the watchdog having stopped it.
	HostProcessExitedUnexpectedly
)

func (r ProcessFailureReason) String() string {
	switch r {
	case NoProcessFailure:
		return "None"
	case HostProcessExitedUnexpectedly:
		return "HostProcessExitedUnexpectedly"
	default:
		return fmt.Sprintf("ProcessFailureReason(%d)", int(r))
	}
}

var (
	// ErrWatchdogClosed reports an operation on a closed watchdog.
	ErrWatchdogClosed = errors.New("watchdog is closed")

	// ErrHostRunning reports a call to Start while the host is running.
	ErrHostRunning = errors.New("host process is already running")
)

// Telemetry keys emitted by watchdogs and silos.
var (
	MetricHostStarted  = []string{"tether", "host", "started", "count"}
	MetricHostExited   = []string{"tether", "host", "exited", "count"}
	MetricHostFailure  = []string{"tether", "host", "failure", "count"}
	MetricSiloDecision = []string{"tether", "silo", "decision", "count"}
)

// WatchdogConfig configures a [Watchdog].
type WatchdogConfig struct {
	// Executable is the path of the host program (required).
	Executable string

	// Env, if non-empty, is added to the environment of the host.
	Env []string

	// PostMortem, if set, is passed to the host on its command line.
	PostMortem *PostMortemSettings

	// ProcessReadyTimeout bounds the time between starting the host and its
	// ready message (default 10s).
	ProcessReadyTimeout time.Duration

	// Stderr, if set, receives the standard error of the host.
	Stderr io.Writer

	// Logger receives structured logs. If nil, logs are discarded.
	Logger *slog.Logger

	// MetricSink receives labelled telemetry. If nil, telemetry is discarded.
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

const defaultProcessReadyTimeout = 10 * time.Second

// Validate reports whether c is a usable configuration.
func (c WatchdogConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Executable) == "" {
		errs = append(errs, errors.New("executable is required"))
	}
	if c.ProcessReadyTimeout < 0 {
		errs = append(errs, fmt.Errorf("process ready timeout must be positive: %v", c.ProcessReadyTimeout))
	}
	if err := c.PostMortem.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("post-mortem settings: %w", err))
	}
	return errors.Join(errs...)
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.ProcessReadyTimeout == 0 {
		c.ProcessReadyTimeout = defaultProcessReadyTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.MetricSink == nil {
		c.MetricSink = &metrics.BlackholeSink{}
	}
	if c.PostMortem != nil {
		pm := *c.PostMortem
		c.PostMortem = &pm
	}
	return c
}

// A Watchdog starts a host process and monitors it. Once the host is ready,
// its exit is reported as a failure unless the watchdog caused it.
//
// The methods of a Watchdog are safe for concurrent use.
type Watchdog struct {
	cfg   WatchdogConfig
	log   *slog.Logger
	ppid  int
	tasks *taskgroup.Group // supervisors of started processes

	μ       sync.Mutex
	gen     uint64 // incremented for each start and each kill
	pid     int
	proc    *child // the running host, or nil
	port    int
	state   HostState
	reason  ProcessFailureReason
	failed  bool
	running bool
	closed  bool
	exit    chan struct{} // closed when the last started process is reaped

	onFault  observer.List[func(int, ProcessFailureReason)]
	onOutput observer.List[func(string)]
}

// NewWatchdog constructs a watchdog for the host described by cfg. The host
// is not started until Start is called.
func NewWatchdog(cfg WatchdogConfig) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid watchdog config: %w", err)
	}
	cfg = cfg.withDefaults()
	return &Watchdog{
		cfg:   cfg,
		log:   cfg.Logger.With("host", cfg.Executable),
		ppid:  os.Getpid(),
		tasks: taskgroup.New(nil),
		state: StateBootPending,
	}, nil
}

// OnFaultDetected registers f to be called with the process ID and reason
// when the host fails. The returned function removes the registration.
func (w *Watchdog) OnFaultDetected(f func(pid int, reason ProcessFailureReason)) func() {
	return w.onFault.Add(f)
}

// OnHostOutputWritten registers f to be called with each line the host
// writes to its standard output. The returned function removes the
// registration.
func (w *Watchdog) OnHostOutputWritten(f func(line string)) func() {
	return w.onOutput.Add(f)
}

// Executable reports the path of the host program.
func (w *Watchdog) Executable() string { return w.cfg.Executable }

// Port reports the port announced by the running host, or 0.
func (w *Watchdog) Port() int {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.port
}

// HostedProcessID reports the process ID of the running host, or 0.
func (w *Watchdog) HostedProcessID() int {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.pid
}

// HostedProcessState reports the state of the host.
func (w *Watchdog) HostedProcessState() HostState {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.state
}

// IsProcessRunning reports whether a host process started by w is running.
func (w *Watchdog) IsProcessRunning() bool {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.running
}

// HasProcessFailed reports whether the host has failed since the last call
// to Start. A host stopped by TryKill or Close has not failed.
func (w *Watchdog) HasProcessFailed() bool {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.failed
}

// FailureReason reports why the host failed, or NoProcessFailure.
func (w *Watchdog) FailureReason() ProcessFailureReason {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.reason
}

// startup is the outcome of the startup protocol of one host process.
type startup struct {
	ready chan error // buffered; receives one value
	once  sync.Once
	port  int
}

func (s *startup) finish(err error) { s.once.Do(func() { s.ready <- err }) }

// child is a host process started by the watchdog.
type child struct {
	proc *os.Process

	μ      sync.Mutex
	reaped bool // set before the process is reaped
}

// kill kills the process, and its process group when the unreaped process
// still reserves the group ID.
func (c *child) kill() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.reaped {
		return nil
	}
	if holdsExited {
		return killGroup(c.proc.Pid)
	}
	if err := c.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// wait waits for the process to exit and reaps it.
func (c *child) wait(cmd *exec.Cmd) error {
	if holdsExited {
		waitExited(c.proc.Pid) // on error, cmd.Wait reports it
	}
	c.μ.Lock()
	c.reaped = true
	c.μ.Unlock()
	return cmd.Wait()
}

// Start starts the host process and waits until it reports that it is ready,
// or ctx ends, or the process ready timeout elapses. It returns the process
// ID of the host.
//
// If the host reports an exception, fails to become ready, or exits during
// startup, Start kills it and reports a *tether.HandshakeError. If the
// executable cannot be started, the error from the operating system is
// reported as-is.
//
// Start may be called again after the host exits or is stopped by TryKill.
func (w *Watchdog) Start(ctx context.Context) (int, error) {
	w.μ.Lock()
	if w.closed {
		w.μ.Unlock()
		return 0, ErrWatchdogClosed
	} else if w.running {
		w.μ.Unlock()
		return 0, ErrHostRunning
	}
	w.gen++
	gen := w.gen
	w.pid, w.proc, w.port = 0, nil, 0
	w.state = StateBootPending
	w.reason = NoProcessFailure
	w.failed = false
	w.running = true
	w.μ.Unlock()

	pid, su, err := w.launch(gen)
	if err != nil {
		w.μ.Lock()
		if w.gen == gen {
			w.running = false
			w.state = StateDead
		}
		w.μ.Unlock()
		w.log.Error("unable to start host", "error", err)
		return 0, err
	}
	w.log.Debug("started host", "pid", pid, "ppid", w.ppid)

	t := time.NewTimer(w.cfg.ProcessReadyTimeout)
	defer t.Stop()
	select {
	case err = <-su.ready:
	case <-t.C:
		err = fmt.Errorf("process %d did not report ready within %v", pid, w.cfg.ProcessReadyTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		w.μ.Lock()
		if w.gen != gen || !w.running {
			err = errors.New("host stopped during startup")
		}
		w.μ.Unlock()
	}
	if err != nil {
		w.kill(gen)
		w.log.Warn("host failed to start", "pid", pid, "error", err)
		return 0, &tether.HandshakeError{Remote: w.cfg.Executable, Err: err}
	}

	w.cfg.MetricSink.IncrCounterWithLabels(MetricHostStarted, 1, w.cfg.MetricLabels)
	w.log.Info("host ready", "pid", pid, "port", su.port)
	return pid, nil
}

// launch starts a host process for generation gen, and a supervisor that
// follows its output and reaps it.
func (w *Watchdog) launch(gen uint64) (int, *startup, error) {
	cmd := exec.Command(w.cfg.Executable, FormatArguments(w.ppid, w.cfg.PostMortem)...)
	configureCommand(cmd)
	if len(w.cfg.Env) != 0 {
		cmd.Env = append(os.Environ(), w.cfg.Env...)
	}
	cmd.Stderr = w.cfg.Stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return 0, nil, err
	}
	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	pid := cmd.Process.Pid
	c := &child{proc: cmd.Process}

	exit := make(chan struct{})
	w.μ.Lock()
	current := w.gen == gen
	if current {
		w.pid, w.proc = pid, c
	}
	w.exit = exit
	w.μ.Unlock()
	if !current {
		c.kill() // stopped while starting
	}

	su := &startup{ready: make(chan error, 1)}
	w.tasks.Go(func() error {
		w.follow(gen, out, su)
		err := c.wait(cmd)
		su.finish(fmt.Errorf("process %d exited during startup: %v", pid, exitStatus(err)))
		w.exited(gen, pid, err)
		close(exit)
		return nil
	})
	return pid, su, nil
}

// follow reads the output of the host of generation gen until it closes.
func (w *Watchdog) follow(gen uint64, r io.Reader, su *startup) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		w.onOutput.Each(func(f func(string)) { f(line) })

		switch {
		case line == BootingMessage:
			w.setState(gen, StateBooting)
		case line == ReadyMessage:
			if su.port == 0 {
				su.finish(errors.New("host reported ready without a port"))
				continue
			}
			w.μ.Lock()
			if w.gen == gen {
				w.port = su.port
				w.state = StateReady
			}
			w.μ.Unlock()
			su.finish(nil)
		case line == ShutdownMessage:
			w.setState(gen, StateShuttingDown)
		case strings.HasPrefix(line, ExceptionMessage):
			su.finish(decodeException(strings.TrimPrefix(line, ExceptionMessage)))
		default:
			if port, err := strconv.Atoi(line); err == nil && port > 0 && port < 1<<16 {
				su.port = port
			}
		}
	}
	// Drain anything left so that the host cannot block on a full pipe.
	io.Copy(io.Discard, r)
}

func (w *Watchdog) setState(gen uint64, s HostState) {
	w.μ.Lock()
	defer w.μ.Unlock()
	if w.gen == gen {
		w.state = s
	}
}

// exited records the exit of the host process of generation gen.
func (w *Watchdog) exited(gen uint64, pid int, err error) {
	w.cfg.MetricSink.IncrCounterWithLabels(MetricHostExited, 1, w.cfg.MetricLabels)

	w.μ.Lock()
	if w.gen != gen {
		// This process was killed on purpose, or replaced.
		w.μ.Unlock()
		w.log.Debug("stopped host exited", "pid", pid)
		return
	}
	wasReady := w.state == StateReady
	w.running = false
	w.pid, w.proc, w.port = 0, nil, 0
	w.state = StateDead
	report := wasReady && !w.closed && w.reason == NoProcessFailure
	if report {
		w.reason = HostProcessExitedUnexpectedly
		w.failed = true
	}
	w.μ.Unlock()

	if !report {
		w.log.Debug("host exited", "pid", pid, "status", exitStatus(err))
		return
	}
	w.log.Error("host exited unexpectedly", "pid", pid, "status", exitStatus(err))
	w.cfg.MetricSink.IncrCounterWithLabels(MetricHostFailure, 1, w.cfg.MetricLabels)
	w.onFault.Each(func(f func(int, ProcessFailureReason)) { f(pid, HostProcessExitedUnexpectedly) })
}

// TryKill stops the host process, if it is running, without reporting a
// failure. Afterward the watchdog can be started again.
func (w *Watchdog) TryKill() { w.kill(0) }

// kill stops the host of generation gen, or of the current generation if gen
// is 0.
func (w *Watchdog) kill(gen uint64) {
	w.μ.Lock()
	if gen != 0 && gen != w.gen {
		w.μ.Unlock()
		return
	}
	pid, c := w.pid, w.proc
	if w.running {
		w.gen++ // disown the process so its exit is not reported
		w.state = StateDead
	}
	w.running = false
	w.pid, w.proc, w.port = 0, nil, 0
	w.μ.Unlock()

	if c != nil {
		if err := c.kill(); err != nil {
			w.log.Warn("unable to kill host", "pid", pid, "error", err)
		} else {
			w.log.Debug("killed host", "pid", pid)
		}
	}
}

// Wait waits until the most recently started host process has exited, or
// until ctx ends.
func (w *Watchdog) Wait(ctx context.Context) error {
	w.μ.Lock()
	exit := w.exit
	w.μ.Unlock()
	if exit == nil {
		return nil
	}
	select {
	case <-exit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the host process, if it is running, and waits for it to be
// reaped. After Close the watchdog cannot be started again.
func (w *Watchdog) Close() error {
	w.μ.Lock()
	if w.closed {
		w.μ.Unlock()
		return nil
	}
	w.closed = true
	w.μ.Unlock()

	w.TryKill()
	return w.tasks.Wait()
}

// decodeException decodes the payload of an exception message.
func decodeException(s string) error {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid exception message: %w", err)
	}
	return fmt.Errorf("host startup failed: %w", tether.DecodeFault(data))
}

// encodeException encodes err as the payload of an exception message.
func encodeException(err error) string {
	return base64.StdEncoding.EncodeToString(tether.EncodeFault(err, ""))
}

func exitStatus(err error) string {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ProcessState.String()
	} else if err != nil {
		return err.Error()
	}
	return "exit status 0"
}
