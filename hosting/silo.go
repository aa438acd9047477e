// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hosting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/internal/observer"
	"github.com/hashicorp/go-metrics"
)

// maxStartAttempts bounds the attempts of a single start, whatever the
// failure handler decides.
const maxStartAttempts = 20

// ErrSiloClosed reports an operation on a closed silo.
var ErrSiloClosed = errors.New("silo is closed")

// FailureSettings control how a [Silo] detects failures. A zero value
// selects the defaults documented on each field.
type FailureSettings struct {
	// EndpointConnectTimeout bounds the connection to a host after it
	// reports that it is ready (default 1s).
	EndpointConnectTimeout time.Duration

	// ProcessReadyTimeout bounds the startup of a host process (default
	// 10s). It overrides the setting of the watchdog.
	ProcessReadyTimeout time.Duration

	// Heartbeat and Latency configure the client endpoint. They override
	// the settings in its options.
	Heartbeat tether.HeartbeatSettings
	Latency   tether.LatencySettings
}

const defaultConnectTimeout = time.Second

// Validate reports whether f is usable.
func (f FailureSettings) Validate() error {
	var errs []error
	if f.EndpointConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("endpoint connect timeout must be positive: %v", f.EndpointConnectTimeout))
	}
	if f.ProcessReadyTimeout < 0 {
		errs = append(errs, fmt.Errorf("process ready timeout must be positive: %v", f.ProcessReadyTimeout))
	}
	if err := f.Heartbeat.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := f.Latency.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SiloConfig configures a [Silo].
type SiloConfig struct {
	// Watchdog describes the host process. Its logger and metric sink default
	// to those of the silo.
	Watchdog WatchdogConfig

	// Options configure the client endpoint connected to the host.
	Options *tether.Options

	Failure FailureSettings

	// Handler decides how failures are resolved (default
	// ZeroFailureTolerance).
	Handler FailureHandler

	// Logger receives structured logs. If nil, logs are discarded.
	Logger *slog.Logger

	// MetricSink receives labelled telemetry. If nil, telemetry is discarded.
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// A Silo runs servants in a host process, and calls them through an endpoint
// connected to that process. When the host or the connection fails, the silo
// consults its FailureHandler to decide whether to restart the host.
//
// Start, Stop and the handling of failures are serialized on a single
// goroutine. The methods of a Silo are safe for concurrent use.
type Silo struct {
	wd       *Watchdog
	ep       *tether.Endpoint
	handler  FailureHandler
	settings FailureSettings
	log      *slog.Logger
	sink     metrics.MetricSink
	labels   []metrics.Label
	ctx      context.Context // governs restarts; ends when the silo closes
	cancel   context.CancelFunc
	ops      *opQueue
	worker   *taskgroup.Group
	undo     []func()

	μ       sync.Mutex
	started bool
	failed  bool
	closed  bool
	pid     int                 // of the current host, or 0
	conn    tether.ConnectionID // to the current host, or NoConnection

	onFault   observer.List[func(int, Failure)]
	onStarted observer.List[func(int)]
}

// NewSilo constructs a silo for the host described by cfg. The host is not
// started until Start is called.
func NewSilo(cfg SiloConfig) (*Silo, error) {
	if err := cfg.Failure.Validate(); err != nil {
		return nil, fmt.Errorf("invalid failure settings: %w", err)
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoint options: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = &metrics.BlackholeSink{}
	}
	if cfg.Handler == nil {
		cfg.Handler = ZeroFailureTolerance{}
	}
	if cfg.Failure.EndpointConnectTimeout == 0 {
		cfg.Failure.EndpointConnectTimeout = defaultConnectTimeout
	}

	wcfg := cfg.Watchdog
	if wcfg.Logger == nil {
		wcfg.Logger = cfg.Logger
	}
	if wcfg.MetricSink == nil {
		wcfg.MetricSink, wcfg.MetricLabels = cfg.MetricSink, cfg.MetricLabels
	}
	if cfg.Failure.ProcessReadyTimeout > 0 {
		wcfg.ProcessReadyTimeout = cfg.Failure.ProcessReadyTimeout
	}
	wd, err := NewWatchdog(wcfg)
	if err != nil {
		return nil, err
	}

	var opts tether.Options
	if cfg.Options != nil {
		opts = *cfg.Options
	}
	opts.Heartbeat = cfg.Failure.Heartbeat
	opts.Latency = cfg.Failure.Latency
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	if opts.MetricSink == nil {
		opts.MetricSink, opts.MetricLabels = cfg.MetricSink, cfg.MetricLabels
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Silo{
		wd:       wd,
		ep:       tether.New(&opts),
		handler:  cfg.Handler,
		settings: cfg.Failure,
		log:      cfg.Logger.With("host", wcfg.Executable),
		sink:     cfg.MetricSink,
		labels:   cfg.MetricLabels,
		ctx:      ctx,
		cancel:   cancel,
		ops:      newOpQueue(),
		worker:   taskgroup.New(nil),
	}
	s.undo = []func(){
		s.ep.OnDisconnected(func(ci tether.ConnectionInfo, r tether.DisconnectReason) {
			if r != tether.RequestedByEndpoint {
				s.ops.push(func() { s.handleFailure(failureOf(r), 0, ci.ID) })
			}
		}),
		wd.OnFaultDetected(func(pid int, _ ProcessFailureReason) {
			s.ops.push(func() { s.handleFailure(HostProcessExited, pid, tether.NoConnection) })
		}),
	}
	s.worker.Go(func() error { s.ops.run(); return nil })
	return s, nil
}

// Endpoint returns the client endpoint of s.
func (s *Silo) Endpoint() *tether.Endpoint { return s.ep }

// Watchdog returns the watchdog of s.
func (s *Silo) Watchdog() *Watchdog { return s.wd }

// OnFaultDetected registers f to be called with the process ID of the host
// and the failure, when a failure is detected. The returned function removes
// the registration.
func (s *Silo) OnFaultDetected(f func(pid int, failure Failure)) func() { return s.onFault.Add(f) }

// OnHostStarted registers f to be called with the process ID of each host
// the silo starts and connects to. The returned function removes the
// registration.
func (s *Silo) OnHostStarted(f func(pid int)) func() { return s.onStarted.Add(f) }

// OnHostOutputWritten registers f to be called with each line written to the
// standard output of the host. The returned function removes the
// registration.
func (s *Silo) OnHostOutputWritten(f func(line string)) func() { return s.wd.OnHostOutputWritten(f) }

// IsConnected reports whether s is connected to a host.
func (s *Silo) IsConnected() bool { return s.ep.State() == tether.Connected }

// HasProcessFailed reports whether the host failed, and has not been
// restarted since.
func (s *Silo) HasProcessFailed() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.failed
}

// HostedProcessID reports the process ID of the current host, or 0.
func (s *Silo) HostedProcessID() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.pid
}

// HostedProcessState reports the state of the host process.
func (s *Silo) HostedProcessState() HostState { return s.wd.HostedProcessState() }

// Call calls the given method of a servant in the host. See
// [tether.Endpoint.Call].
func (s *Silo) Call(ctx context.Context, target uint64, iface, method string, data []byte) ([]byte, error) {
	return s.ep.Call(ctx, target, iface, method, data)
}

// Go starts a call of the given method of a servant in the host. See
// [tether.Endpoint.Go].
func (s *Silo) Go(ctx context.Context, target uint64, iface, method string, data []byte) *tether.Future {
	return s.ep.Go(ctx, target, iface, method, data)
}

// Start starts the host and connects to it. If a host is running, it is
// stopped first. A failed start is retried as the failure handler decides.
func (s *Silo) Start(ctx context.Context) error {
	done := make(chan error, 1)
	if !s.ops.push(func() { done <- s.start(ctx) }) {
		return ErrSiloClosed
	}
	return <-done
}

// Stop asks the host to exit, and disconnects from it. It does not report a
// failure. The silo can be started again.
func (s *Silo) Stop(ctx context.Context) error {
	done := make(chan struct{})
	if !s.ops.push(func() { s.stop(ctx); close(done) }) {
		return ErrSiloClosed
	}
	<-done
	return nil
}

// Close stops the host and releases the resources of s. After Close, the
// silo cannot be started again.
func (s *Silo) Close() error {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return nil
	}
	s.closed = true
	s.μ.Unlock()

	s.cancel() // interrupt a pending restart
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.ops.push(func() { s.stop(ctx) })
	s.ops.close()
	s.worker.Wait()

	for _, f := range s.undo {
		f()
	}
	return errors.Join(s.ep.Close(), s.wd.Close())
}

// start runs on the operation goroutine.
func (s *Silo) start(ctx context.Context) error {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return ErrSiloClosed
	}
	s.started = false
	s.pid, s.conn = 0, tether.NoConnection
	s.μ.Unlock()

	s.ep.Disconnect()
	s.wd.TryKill()

	for attempt := 1; ; attempt++ {
		err := s.tryStart(ctx)
		if err == nil {
			return nil
		}
		s.log.Warn("host start failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return err
		} else if attempt >= maxStartAttempts {
			return fmt.Errorf("host did not start after %d attempts: %w", attempt, err)
		}
		dec, wait := s.handler.OnStartFailure(attempt, err)
		s.sink.IncrCounterWithLabels(MetricSiloDecision, 1, withLabel(s.labels, "decision", dec.String()))
		if dec != RestartHost {
			return err
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryStart makes one attempt to start the host and connect to it.
func (s *Silo) tryStart(ctx context.Context) error {
	pid, err := s.wd.Start(ctx)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.wd.Port()))
	cctx, cancel := context.WithTimeout(ctx, s.settings.EndpointConnectTimeout)
	defer cancel()
	id, err := s.ep.Dial(cctx, "tcp", addr)
	if err != nil {
		s.wd.TryKill()
		return err
	}

	s.μ.Lock()
	s.started = true
	s.failed = false
	s.pid, s.conn = pid, id
	s.μ.Unlock()

	s.log.Info("host started", "pid", pid, "conn", id, "addr", addr)
	s.onStarted.Each(func(f func(int)) { f(pid) })
	return nil
}

// stop runs on the operation goroutine.
func (s *Silo) stop(ctx context.Context) {
	s.μ.Lock()
	s.started = false
	s.pid, s.conn = 0, tether.NoConnection
	s.μ.Unlock()

	if s.IsConnected() {
		// The host may close the connection before its reply is delivered.
		_, err := s.ep.Call(ctx, HostTarget, HostInterface, "Shutdown", nil)
		if err == nil || errors.Is(err, tether.ErrConnectionLost) {
			if err := s.wd.Wait(ctx); err != nil {
				s.log.Warn("host did not exit after shutdown", "error", err)
			}
		} else {
			s.log.Debug("host shutdown call failed", "error", err)
		}
	}
	s.ep.Disconnect()
	s.wd.TryKill()
}

// handleFailure runs on the operation goroutine. A pid of 0 or a conn of
// NoConnection matches the current host.
func (s *Silo) handleFailure(failure Failure, pid int, conn tether.ConnectionID) {
	s.μ.Lock()
	stale := (pid != 0 && pid != s.pid) || (conn != tether.NoConnection && conn != s.conn)
	if s.closed || !s.started || stale {
		s.μ.Unlock()
		s.log.Debug("ignored failure", "failure", failure, "pid", pid, "conn", conn)
		return
	}
	pid = s.pid
	s.started = false
	s.failed = true
	s.pid, s.conn = 0, tether.NoConnection
	s.μ.Unlock()

	s.log.Error("host failed", "pid", pid, "failure", failure)
	s.sink.IncrCounterWithLabels(MetricHostFailure, 1, withLabel(s.labels, "failure", failure.String()))

	if failure != HostProcessExited {
		s.wd.TryKill()
	}
	if conn == tether.NoConnection {
		s.ep.Disconnect()
	}
	s.onFault.Each(func(f func(int, Failure)) { f(pid, failure) })

	dec := s.handler.OnFailure(failure)
	s.sink.IncrCounterWithLabels(MetricSiloDecision, 1, withLabel(s.labels, "decision", dec.String()))
	res := Stopped
	if dec == RestartHost {
		if err := s.start(s.ctx); err != nil {
			s.log.Error("host restart failed", "error", err)
		} else {
			res = Restarted
		}
	}
	s.log.Info("failure resolved", "failure", failure, "decision", dec, "resolution", res)
	s.handler.OnResolutionFinished(failure, dec, res)
}

func withLabel(labels []metrics.Label, name, value string) []metrics.Label {
	return append(labels[:len(labels):len(labels)], metrics.Label{Name: name, Value: value})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// opQueue runs operations in order on a single goroutine.
type opQueue struct {
	wake chan struct{}

	μ      sync.Mutex
	q      *queue.Queue[func()]
	closed bool
}

func newOpQueue() *opQueue {
	return &opQueue{wake: make(chan struct{}, 1), q: queue.New[func()]()}
}

// push adds op to the queue, and reports false if the queue is closed.
func (o *opQueue) push(op func()) bool {
	o.μ.Lock()
	defer o.μ.Unlock()
	if o.closed {
		return false
	}
	o.q.Add(op)
	o.signal()
	return true
}

func (o *opQueue) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// close prevents further operations from being added. Operations already
// queued still run.
func (o *opQueue) close() {
	o.μ.Lock()
	defer o.μ.Unlock()
	o.closed = true
	o.signal()
}

// run executes queued operations until the queue is closed and empty.
func (o *opQueue) run() {
	for range o.wake {
		for {
			o.μ.Lock()
			op, ok := o.q.Pop()
			closed := o.closed
			o.μ.Unlock()
			if ok {
				op()
			} else if closed {
				return
			} else {
				break
			}
		}
	}
}
