// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hosting

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"time"

	"github.com/creachadair/tether"
)

// Failure classifies a failure of a hosted process or of its connection.
type Failure int

const (
	// ConnectionFailure means the connection to the host broke.
	ConnectionFailure Failure = iota + 1

	// ConnectionClosed means the host closed the connection.
	ConnectionClosed

	// HeartbeatFailure means the host stopped answering heartbeats.
	HeartbeatFailure

	// HostProcessExited means the host process exited unexpectedly.
	HostProcessExited

	UnhandledException
	UnknownFailure
)

var failureNames = [...]string{
	ConnectionFailure:  "ConnectionFailure",
	ConnectionClosed:   "ConnectionClosed",
	HeartbeatFailure:   "HeartbeatFailure",
	HostProcessExited:  "HostProcessExited",
	UnhandledException: "UnhandledException",
	UnknownFailure:     "UnknownFailure",
}

func (f Failure) String() string {
	if f > 0 && int(f) < len(failureNames) {
		return failureNames[f]
	}
	return fmt.Sprintf("Failure(%d)", int(f))
}

// failureOf maps the reason for a disconnect to a failure.
func failureOf(r tether.DisconnectReason) Failure {
	switch r {
	case tether.ReadFailure, tether.WriteFailure, tether.RPCDuplicateRequest, tether.RPCInvalidResponse,
		tether.ConnectionReset, tether.ConnectionAborted, tether.ConnectionTimedOut:
		return ConnectionFailure
	case tether.RequestedByRemoteEndpoint:
		return ConnectionClosed
	case tether.HeartbeatFailure:
		return HeartbeatFailure
	case tether.UnhandledException:
		return UnhandledException
	default:
		return UnknownFailure
	}
}

// Decision is the action a [FailureHandler] chooses for a failure.
type Decision int

const (
	// Stop leaves the host stopped. Calls fail until the silo is started.
	Stop Decision = iota + 1

	// RestartHost starts a new host process.
	RestartHost
)

func (d Decision) String() string {
	switch d {
	case Stop:
		return "Stop"
	case RestartHost:
		return "RestartHost"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Resolution reports the outcome of a decision.
type Resolution int

const (
	Stopped Resolution = iota + 1
	Restarted
)

func (r Resolution) String() string {
	switch r {
	case Stopped:
		return "Stopped"
	case Restarted:
		return "Restarted"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// A FailureHandler decides how a [Silo] responds to failures. Its methods
// are called from a single goroutine of the silo, one at a time.
type FailureHandler interface {
	// OnStartFailure is called when attempt number attempt (from 1) to start
	// the host fails with err. If it returns RestartHost, the silo waits for
	// the returned duration and tries again.
	OnStartFailure(attempt int, err error) (Decision, time.Duration)

	// OnFailure is called when a running host fails.
	OnFailure(Failure) Decision

	// OnResolutionFinished is called after the decision for a failure has
	// been carried out.
	OnResolutionFinished(Failure, Decision, Resolution)
}

// ZeroFailureTolerance is a [FailureHandler] that stops the host on any
// failure, and never retries a failed start.
type ZeroFailureTolerance struct{}

func (ZeroFailureTolerance) OnStartFailure(int, error) (Decision, time.Duration) { return Stop, 0 }
func (ZeroFailureTolerance) OnFailure(Failure) Decision                          { return Stop }
func (ZeroFailureTolerance) OnResolutionFinished(Failure, Decision, Resolution)  {}

// RestartOnFailure is a [FailureHandler] that restarts the host after every
// failure. A failed start is retried after a delay that grows with the
// number of successive failures, until StartFailureThreshold is exceeded or
// the host executable does not exist.
type RestartOnFailure struct {
	// StartFailureThreshold is the number of successive start failures
	// tolerated (default 10).
	StartFailureThreshold int

	// BaseWait is the delay after the first start failure; the delay after
	// attempt n is n × BaseWait (default 10ms).
	BaseWait time.Duration
}

const (
	defaultStartFailureThreshold = 10
	defaultBaseWait              = 10 * time.Millisecond
)

func (r RestartOnFailure) OnStartFailure(attempt int, err error) (Decision, time.Duration) {
	threshold, base := r.StartFailureThreshold, r.BaseWait
	if threshold <= 0 {
		threshold = defaultStartFailureThreshold
	}
	if base <= 0 {
		base = defaultBaseWait
	}
	if attempt > threshold || isNotFound(err) {
		return Stop, 0
	}
	return RestartHost, time.Duration(attempt) * base
}

func (RestartOnFailure) OnFailure(Failure) Decision                         { return RestartHost }
func (RestartOnFailure) OnResolutionFinished(Failure, Decision, Resolution) {}

// isNotFound reports whether err means the host executable does not exist.
func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
