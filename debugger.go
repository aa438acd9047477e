// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
)

// A Debugger reports whether a debugger is attached to the current process.
// Heartbeat monitors consult it to avoid reporting a peer as dead while one
// side is stopped at a breakpoint.
type Debugger interface {
	IsDebuggerAttached() bool
}

// DebuggerFunc adapts a function to the [Debugger] interface.
type DebuggerFunc func() bool

// IsDebuggerAttached implements [Debugger].
func (f DebuggerFunc) IsDebuggerAttached() bool { return f() }

// ProcessDebugger is the default [Debugger]. It reports whether the current
// process is being traced, according to the TracerPid field of
// /proc/self/status. On systems without that file it reports false.
type ProcessDebugger struct{}

// IsDebuggerAttached implements [Debugger].
func (ProcessDebugger) IsDebuggerAttached() bool {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}
	return tracerPID(data) != 0
}

func tracerPID(status []byte) int {
	s := bufio.NewScanner(bytes.NewReader(status))
	for s.Scan() {
		key, val, ok := bytes.Cut(s.Bytes(), []byte(":"))
		if !ok || string(key) != "TracerPid" {
			continue
		}
		pid, err := strconv.Atoi(string(bytes.TrimSpace(val)))
		if err != nil {
			return 0
		}
		return pid
	}
	return 0
}
