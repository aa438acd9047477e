// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hosting

import (
	"errors"

	"golang.org/x/sys/unix"
)

// holdsExited reports whether waitExited leaves an exited process unreaped.
const holdsExited = true

// waitExited blocks until the child process pid has exited, without reaping
// it.
func waitExited(pid int) error {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
