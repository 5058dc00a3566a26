//go:build !windows

package runner

import (
	"errors"

	"golang.org/x/sys/unix"
)

func killPID(pid int32) error {
	err := unix.Kill(int(pid), unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
