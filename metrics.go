// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"expvar"

	"github.com/hashicorp/go-metrics"
)

// endpointMetrics record endpoint activity counters.
type endpointMetrics struct {
	frameRecv     expvar.Int
	frameSent     expvar.Int
	frameDropped  expvar.Int // received but discarded (stale or unknown)
	bytesRecv     expvar.Int
	bytesSent     expvar.Int
	callIn        expvar.Int // number of inbound calls received
	callInErr     expvar.Int // number of inbound calls reporting an error
	callOut       expvar.Int // number of outbound calls initiated
	callOutErr    expvar.Int // number of outbound calls reporting an error
	callActive    expvar.Int // inbound
	callPending   expvar.Int // outbound
	connections   expvar.Int // successful handshakes
	handshakeErr  expvar.Int
	disconnects   expvar.Int
	failures      expvar.Int // disconnects for a failure reason
	heartbeatFail expvar.Int // heartbeat failures accepted by the endpoint

	emap *expvar.Map
}

func newEndpointMetrics() *endpointMetrics {
	em := &endpointMetrics{emap: new(expvar.Map)}
	em.emap.Set("frames_received", &em.frameRecv)
	em.emap.Set("frames_sent", &em.frameSent)
	em.emap.Set("frames_dropped", &em.frameDropped)
	em.emap.Set("bytes_received", &em.bytesRecv)
	em.emap.Set("bytes_sent", &em.bytesSent)
	em.emap.Set("calls_in", &em.callIn)
	em.emap.Set("calls_in_failed", &em.callInErr)
	em.emap.Set("calls_active", &em.callActive)
	em.emap.Set("calls_out", &em.callOut)
	em.emap.Set("calls_out_failed", &em.callOutErr)
	em.emap.Set("calls_pending", &em.callPending)
	em.emap.Set("connections", &em.connections)
	em.emap.Set("handshake_errors", &em.handshakeErr)
	em.emap.Set("disconnects", &em.disconnects)
	em.emap.Set("disconnect_failures", &em.failures)
	em.emap.Set("heartbeat_failures", &em.heartbeatFail)
	return em
}

// Telemetry keys emitted to the metric sink of an endpoint.
var (
	MetricConnectionEstablished = []string{"tether", "connection", "established", "count"}
	MetricConnectionClosed      = []string{"tether", "connection", "closed", "count"}
	MetricHandshakeError        = []string{"tether", "handshake", "error", "count"}
	MetricHeartbeatSkipped      = []string{"tether", "heartbeat", "skipped", "count"}
	MetricHeartbeatFailure      = []string{"tether", "heartbeat", "failure", "count"}
	MetricLatencyRoundtrip      = []string{"tether", "latency", "roundtrip", "ms"}
)

// Telemetry label names.
const (
	LabelEndpoint = "endpoint"
	LabelReason   = "reason"
	LabelError    = "error"
)

func withLabel(base []metrics.Label, name, value string) []metrics.Label {
	out := make([]metrics.Label, len(base), len(base)+1)
	copy(out, base)
	return append(out, metrics.Label{Name: name, Value: value})
}
