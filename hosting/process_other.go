// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build !unix

package hosting

import (
	"errors"
	"os"
	"os/exec"
)

func configureCommand(*exec.Cmd) {}

func killGroup(int) error { return errors.ErrUnsupported }

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
