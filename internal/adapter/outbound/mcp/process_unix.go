//go:build !windows

package mcp

import (
	"os"
	"syscall"
	"time"
)

// terminateProcess escalates from SIGTERM to SIGKILL when the child does
// not exit within the grace period. The caller has already closed stdin.
func terminateProcess(proc *os.Process, grace time.Duration, exited <-chan struct{}) {
	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(grace):
	}
	_ = proc.Kill()
}
