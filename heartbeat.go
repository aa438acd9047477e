// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether/internal/observer"
	"github.com/hashicorp/go-metrics"
)

// A Beater sends one heartbeat to a remote endpoint and reports whether the
// remote has a debugger attached.
type Beater interface {
	Beat(ctx context.Context) (remoteDebugger bool, err error)
}

// BeaterFunc implements [Beater] with a function.
type BeaterFunc func(context.Context) (bool, error)

// Beat implements [Beater].
func (f BeaterFunc) Beat(ctx context.Context) (bool, error) { return f(ctx) }

// MonitorOptions are the ambient settings shared by [HeartbeatMonitor] and
// [LatencyMonitor]. A zero value discards logs and telemetry.
type MonitorOptions struct {
	Logger       *slog.Logger
	Debugger     Debugger // if nil, ProcessDebugger is used
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

func (o MonitorOptions) resolve() MonitorOptions {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Debugger == nil {
		o.Debugger = ProcessDebugger{}
	}
	if o.MetricSink == nil {
		o.MetricSink = &metrics.BlackholeSink{}
	}
	return o
}

// A HeartbeatMonitor periodically sends a heartbeat through a [Beater] and
// reports a failure when too many consecutive heartbeats go unanswered.
//
// A heartbeat is skipped for each interval that passes while it is still
// outstanding. When the number of skipped heartbeats reaches the threshold of
// the settings, the monitor records the failure and calls each OnFailure
// callback, once per failure episode. An episode ends when a heartbeat
// completes successfully.
//
// The methods of a HeartbeatMonitor are safe for concurrent use. Callbacks
// must not call Stop or Close.
type HeartbeatMonitor struct {
	beater   Beater
	settings HeartbeatSettings
	conn     ConnectionID
	opts     MonitorOptions

	onFailure observer.List[func(ConnectionID)]

	μ        sync.Mutex
	tasks    *taskgroup.Group
	stop     context.CancelFunc
	closed   bool
	failed   bool // latched until the next Start
	remoteDB bool // the remote reported a debugger on its last beat
	numBeats int64
	lastBeat time.Time
}

// NewHeartbeatMonitor constructs an unstarted monitor that beats through b
// on behalf of the given connection.
func NewHeartbeatMonitor(b Beater, settings HeartbeatSettings, conn ConnectionID, opts MonitorOptions) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		beater:   b,
		settings: settings.withDefaults(),
		conn:     conn,
		opts:     opts.resolve(),
	}
}

// OnFailure registers f to be called when the monitor detects a failure. The
// returned function removes the registration.
func (h *HeartbeatMonitor) OnFailure(f func(ConnectionID)) func() { return h.onFailure.Add(f) }

// Start starts sending heartbeats, and clears any previously detected
// failure. Start has no effect if the monitor is running, closed, or
// disabled by its settings.
func (h *HeartbeatMonitor) Start() {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.closed || h.tasks != nil || h.settings.Disabled {
		return
	}
	h.failed = false
	h.remoteDB = false
	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	h.tasks = taskgroup.New(nil)
	h.tasks.Go(func() error { h.run(ctx); return nil })
	h.opts.Logger.Debug("heartbeat monitor started",
		"conn", h.conn, "interval", h.settings.Interval, "threshold", h.settings.SkippedHeartbeatThreshold)
}

// Stop stops sending heartbeats and waits for the monitor to exit. Stop has
// no effect if the monitor is not running.
func (h *HeartbeatMonitor) Stop() {
	h.μ.Lock()
	g, stop := h.tasks, h.stop
	h.tasks, h.stop = nil, nil
	h.μ.Unlock()
	if g == nil {
		return
	}
	stop()
	g.Wait()
	h.opts.Logger.Debug("heartbeat monitor stopped", "conn", h.conn)
}

// Close stops the monitor and prevents it from being restarted.
func (h *HeartbeatMonitor) Close() {
	h.μ.Lock()
	h.closed = true
	h.μ.Unlock()
	h.Stop()
}

// IsRunning reports whether the monitor is sending heartbeats.
func (h *HeartbeatMonitor) IsRunning() bool {
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.tasks != nil
}

// FailureDetected reports whether the monitor has reported a failure since
// it was last started.
func (h *HeartbeatMonitor) FailureDetected() bool {
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.failed
}

// NumHeartbeats reports the number of heartbeats that completed successfully.
func (h *HeartbeatMonitor) NumHeartbeats() int64 {
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.numBeats
}

// LastHeartbeat reports when the most recent heartbeat completed, or the
// zero time if none has.
func (h *HeartbeatMonitor) LastHeartbeat() time.Time {
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.lastBeat
}

// FailureInterval reports how long the remote may be unresponsive before the
// monitor reports a failure.
func (h *HeartbeatMonitor) FailureInterval() time.Duration { return h.settings.FailureInterval() }

// Settings reports the effective settings of the monitor.
func (h *HeartbeatMonitor) Settings() HeartbeatSettings { return h.settings }

type beatResult struct {
	remoteDB bool
	err      error
}

func (h *HeartbeatMonitor) run(ctx context.Context) {
	interval := h.settings.Interval
	beats := taskgroup.New(nil)
	defer beats.Wait()

	episode := false // a failure has been reported and not yet cleared
	for {
		start := time.Now()
		rc := make(chan beatResult, 1)
		beats.Go(func() error {
			db, err := h.beater.Beat(ctx)
			rc <- beatResult{remoteDB: db, err: err}
			return nil
		})

		skipped := 0
		t := time.NewTimer(interval)
	wait:
		for {
			select {
			case <-ctx.Done():
				t.Stop()
				return

			case <-t.C:
				skipped++
				h.opts.MetricSink.IncrCounterWithLabels(MetricHeartbeatSkipped, 1, h.opts.MetricLabels)
				h.opts.Logger.Debug("heartbeat skipped", "conn", h.conn, "skipped", skipped)
				if skipped >= h.settings.SkippedHeartbeatThreshold && !episode {
					episode = h.report("no heartbeat response")
				}
				t.Reset(interval)

			case r := <-rc:
				t.Stop()
				if r.err != nil {
					if ctx.Err() != nil || errors.Is(r.err, ErrCallCanceled) {
						return // the connection is gone; nothing to report
					}
					h.opts.Logger.Warn("heartbeat failed", "conn", h.conn, "error", r.err)
					if !episode {
						episode = h.report(r.err.Error())
					}
					break wait
				}
				episode = false
				h.μ.Lock()
				h.numBeats++
				h.lastBeat = time.Now()
				h.remoteDB = r.remoteDB
				h.μ.Unlock()
				break wait
			}
		}

		if rest := interval - time.Since(start); rest > 0 {
			t.Reset(rest)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// report records and announces a failure, unless reports are suppressed. It
// reports whether the failure was announced.
func (h *HeartbeatMonitor) report(why string) bool {
	if !h.reportFailures() {
		h.opts.Logger.Debug("heartbeat failure suppressed", "conn", h.conn, "reason", why)
		return false
	}
	h.μ.Lock()
	h.failed = true
	h.μ.Unlock()

	h.opts.MetricSink.IncrCounterWithLabels(MetricHeartbeatFailure, 1, h.opts.MetricLabels)
	h.opts.Logger.Warn("heartbeat failure detected", "conn", h.conn, "reason", why,
		"failure_interval", h.settings.FailureInterval())
	h.onFailure.Each(func(f func(ConnectionID)) { f(h.conn) })
	return true
}

func (h *HeartbeatMonitor) reportFailures() bool {
	s := h.settings
	if s.DisableFailureDetection {
		return false
	}
	if !s.ReportWithDebuggerAttached && h.opts.Debugger.IsDebuggerAttached() {
		return false
	}
	if s.AllowRemoteDisable {
		h.μ.Lock()
		defer h.μ.Unlock()
		if h.remoteDB {
			return false
		}
	}
	return true
}
