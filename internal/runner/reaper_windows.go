//go:build windows

package runner

import (
	"errors"

	"github.com/shirou/gopsutil/v3/process"
)

func killPID(pid int32) error {
	proc, err := process.NewProcess(pid)
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	return proc.Kill()
}
