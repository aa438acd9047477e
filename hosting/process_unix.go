// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package hosting

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureCommand places the host in its own process group, so that
// killing the host also kills any processes it started.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup kills the process group led by pid. The caller must ensure that
// the leader has not been reaped, so that the group ID is still reserved.
func killGroup(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// processAlive reports whether a process with the given ID exists.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
