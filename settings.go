// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// HeartbeatSettings control the heartbeat monitor of an endpoint. A zero
// value selects the defaults documented on each field.
type HeartbeatSettings struct {
	// Interval between heartbeats (default 1s).
	Interval time.Duration

	// SkippedHeartbeatThreshold is the number of consecutive intervals a
	// heartbeat may remain unanswered before the remote endpoint is declared
	// dead (default 10).
	SkippedHeartbeatThreshold int

	// Disabled, if true, means no heartbeats are sent at all.
	Disabled bool

	// DisableFailureDetection, if true, keeps sending heartbeats but never
	// reports a failure.
	DisableFailureDetection bool

	// ReportWithDebuggerAttached, if true, reports skipped heartbeats as a
	// failure even while a debugger is attached to this process.
	ReportWithDebuggerAttached bool

	// AllowRemoteDisable, if true, suppresses failure reports while the
	// remote endpoint reports that a debugger is attached to it.
	AllowRemoteDisable bool

	// HideDebugger, if true, makes this endpoint's heartbeat servant always
	// report that no debugger is attached.
	HideDebugger bool
}

const (
	defaultHeartbeatInterval  = time.Second
	defaultHeartbeatThreshold = 10
)

func (h HeartbeatSettings) withDefaults() HeartbeatSettings {
	if h.Interval == 0 {
		h.Interval = defaultHeartbeatInterval
	}
	if h.SkippedHeartbeatThreshold == 0 {
		h.SkippedHeartbeatThreshold = defaultHeartbeatThreshold
	}
	return h
}

// Validate reports an error if h has a negative interval or threshold.
func (h HeartbeatSettings) Validate() error {
	if h.Interval < 0 {
		return fmt.Errorf("heartbeat interval must be positive: %v", h.Interval)
	}
	if h.SkippedHeartbeatThreshold < 0 {
		return fmt.Errorf("skipped heartbeat threshold must be positive: %d", h.SkippedHeartbeatThreshold)
	}
	return nil
}

// FailureInterval reports the longest time the remote endpoint can remain
// unresponsive before a failure is reported, Interval × threshold.
func (h HeartbeatSettings) FailureInterval() time.Duration {
	h = h.withDefaults()
	return h.Interval * time.Duration(h.SkippedHeartbeatThreshold)
}

// LatencySettings control the latency monitor of an endpoint. A zero value
// selects the defaults documented on each field.
type LatencySettings struct {
	// Interval between roundtrip measurements (default 100ms).
	Interval time.Duration

	// NumSamples is the number of measurements averaged (default 10).
	NumSamples int

	// Disabled, if true, turns latency measurements off.
	Disabled bool
}

const (
	defaultLatencyInterval = 100 * time.Millisecond
	defaultLatencySamples  = 10
)

func (l LatencySettings) withDefaults() LatencySettings {
	if l.Interval == 0 {
		l.Interval = defaultLatencyInterval
	}
	if l.NumSamples == 0 {
		l.NumSamples = defaultLatencySamples
	}
	return l
}

// Validate reports an error if l has a negative interval or sample count.
func (l LatencySettings) Validate() error {
	if l.Interval < 0 {
		return fmt.Errorf("latency interval must be positive: %v", l.Interval)
	}
	if l.NumSamples < 0 {
		return fmt.Errorf("latency sample count must be positive: %d", l.NumSamples)
	}
	return nil
}

// Options configure an [Endpoint]. A zero value is ready for use and selects
// the defaults documented on each field.
type Options struct {
	// Name identifies the endpoint in logs and metric labels. If empty, a
	// random name is generated.
	Name string

	// ClientAuthenticator, if set, authenticates the dialing side of a
	// connection. An accepting endpoint with this set challenges the dialer;
	// a dialing endpoint uses it to answer such a challenge.
	ClientAuthenticator Authenticator

	// ServerAuthenticator, if set, authenticates the accepting side of a
	// connection. A dialing endpoint with this set challenges the acceptor;
	// an accepting endpoint uses it to answer such a challenge.
	ServerAuthenticator Authenticator

	// HandshakeTimeout bounds the handshake when the context passed to
	// Connect or Accept has no earlier deadline (default 30s).
	HandshakeTimeout time.Duration

	// GoodbyeTimeout bounds how long a requested disconnect waits to flush
	// queued frames and the goodbye message (default 5s).
	GoodbyeTimeout time.Duration

	// FailureGrace is how long an endpoint waits after a read or write
	// failure before tearing down, so that a process exit reported by a
	// watchdog is observed first (default 100ms, negative disables).
	FailureGrace time.Duration

	// MaxFrameSize limits the size of a received frame (default
	// DefaultMaxFrameSize).
	MaxFrameSize int

	// MaxConcurrentCalls, if positive, limits the number of inbound calls
	// that execute concurrently. Further calls wait for a slot.
	MaxConcurrentCalls int

	Heartbeat HeartbeatSettings
	Latency   LatencySettings

	// FaultKinds maps additional fault kinds to the sentinel errors that
	// reconstructed remote errors of that kind should match. Faults of kinds
	// neither built in nor listed here are reported as *UnserializableError.
	FaultKinds map[string]error

	// Debugger reports whether a debugger is attached to this process. If
	// nil, ProcessDebugger is used.
	Debugger Debugger

	// Logger receives structured logs. If nil, logs are discarded.
	Logger *slog.Logger

	// MetricSink receives labelled telemetry. If nil, telemetry is discarded.
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label

	// TracerProvider provides the tracer for outbound call spans. If nil, a
	// no-op provider is used.
	TracerProvider trace.TracerProvider
}

// Validate reports whether o is a usable configuration.
func (o *Options) Validate() error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("handshake timeout must be positive: %v", o.HandshakeTimeout))
	}
	if o.GoodbyeTimeout < 0 {
		errs = append(errs, fmt.Errorf("goodbye timeout must be positive: %v", o.GoodbyeTimeout))
	}
	if o.MaxFrameSize < 0 {
		errs = append(errs, fmt.Errorf("max frame size must be positive: %d", o.MaxFrameSize))
	}
	if o.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("max concurrent calls must be positive: %d", o.MaxConcurrentCalls))
	}
	if err := o.Heartbeat.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := o.Latency.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultGoodbyeTimeout   = 5 * time.Second
	defaultFailureGrace     = 100 * time.Millisecond
)

// resolve returns a copy of o with defaults filled in.
func (o *Options) resolve() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Name == "" {
		out.Name = "tether-" + uuid.NewString()[:8]
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.GoodbyeTimeout == 0 {
		out.GoodbyeTimeout = defaultGoodbyeTimeout
	}
	if out.FailureGrace == 0 {
		out.FailureGrace = defaultFailureGrace
	} else if out.FailureGrace < 0 {
		out.FailureGrace = 0
	}
	if out.MaxFrameSize == 0 {
		out.MaxFrameSize = DefaultMaxFrameSize
	}
	out.Heartbeat = out.Heartbeat.withDefaults()
	out.Latency = out.Latency.withDefaults()
	if out.Debugger == nil {
		out.Debugger = ProcessDebugger{}
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	if out.MetricSink == nil {
		out.MetricSink = &metrics.BlackholeSink{}
	}
	if out.TracerProvider == nil {
		out.TracerProvider = noop.NewTracerProvider()
	}
	return out
}
