// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// A Roundtripper performs one empty exchange with a remote endpoint.
type Roundtripper interface {
	Roundtrip(ctx context.Context) error
}

// RoundtripperFunc implements [Roundtripper] with a function.
type RoundtripperFunc func(context.Context) error

// Roundtrip implements [Roundtripper].
func (f RoundtripperFunc) Roundtrip(ctx context.Context) error { return f(ctx) }

// A LatencyMonitor periodically measures the roundtrip time of a remote
// endpoint, and reports the average of the most recent samples. Failed
// roundtrips are not recorded, and the monitor never reports a failure.
type LatencyMonitor struct {
	rt       Roundtripper
	settings LatencySettings
	opts     MonitorOptions

	μ       sync.Mutex
	tasks   *taskgroup.Group
	stop    context.CancelFunc
	closed  bool
	ring    []time.Duration
	next    int // index of the next ring slot to overwrite
	sum     time.Duration
	samples int64 // total recorded since construction
}

// NewLatencyMonitor constructs an unstarted monitor that measures through rt.
func NewLatencyMonitor(rt Roundtripper, settings LatencySettings, opts MonitorOptions) *LatencyMonitor {
	settings = settings.withDefaults()
	return &LatencyMonitor{
		rt:       rt,
		settings: settings,
		opts:     opts.resolve(),
		ring:     make([]time.Duration, 0, settings.NumSamples),
	}
}

// Start starts taking measurements. Start has no effect if the monitor is
// running, closed, or disabled by its settings.
func (m *LatencyMonitor) Start() {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.closed || m.tasks != nil || m.settings.Disabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	m.tasks = taskgroup.New(nil)
	m.tasks.Go(func() error { m.run(ctx); return nil })
}

// Stop stops taking measurements and waits for the monitor to exit.
func (m *LatencyMonitor) Stop() {
	m.μ.Lock()
	g, stop := m.tasks, m.stop
	m.tasks, m.stop = nil, nil
	m.μ.Unlock()
	if g != nil {
		stop()
		g.Wait()
	}
}

// Close stops the monitor and prevents it from being restarted.
func (m *LatencyMonitor) Close() {
	m.μ.Lock()
	m.closed = true
	m.μ.Unlock()
	m.Stop()
}

// IsRunning reports whether the monitor is taking measurements.
func (m *LatencyMonitor) IsRunning() bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.tasks != nil
}

// RoundtripTime reports the average of the retained samples, or 0 if none
// have been recorded.
func (m *LatencyMonitor) RoundtripTime() time.Duration {
	m.μ.Lock()
	defer m.μ.Unlock()
	if len(m.ring) == 0 {
		return 0
	}
	return m.sum / time.Duration(len(m.ring))
}

// NumSamples reports the total number of samples recorded.
func (m *LatencyMonitor) NumSamples() int64 {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.samples
}

func (m *LatencyMonitor) run(ctx context.Context) {
	t := time.NewTicker(m.settings.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		start := time.Now()
		if err := m.rt.Roundtrip(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.opts.Logger.Debug("latency roundtrip failed", "error", err)
			continue
		}
		m.record(time.Since(start))
	}
}

func (m *LatencyMonitor) record(d time.Duration) {
	m.μ.Lock()
	if len(m.ring) < cap(m.ring) {
		m.ring = append(m.ring, d)
	} else {
		m.sum -= m.ring[m.next]
		m.ring[m.next] = d
		m.next = (m.next + 1) % len(m.ring)
	}
	m.sum += d
	m.samples++
	m.μ.Unlock()

	ms := float32(d) / float32(time.Millisecond)
	m.opts.MetricSink.AddSampleWithLabels(MetricLatencyRoundtrip, ms, m.opts.MetricLabels)
}
