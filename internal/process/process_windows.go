//go:build windows

package process

import (
	"context"
	"os"
	"os/exec"
	"time"
)

func configureCommand(cmd *exec.Cmd) {}

func GroupID(pid int) int {
	return 0
}

// stopProcess kills the process outright; there is no graceful signal.
func stopProcess(ctx context.Context, pid, pgid int, grace time.Duration, wait func(context.Context) error) error {
	if pid <= 0 {
		return nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	_ = process.Kill()
	if wait == nil {
		return nil
	}
	return wait(ctx)
}
