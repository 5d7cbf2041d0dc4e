//go:build windows

package mcp

import (
	"os"
	"time"
)

// terminateProcess kills the child outright. Windows has no SIGTERM
// equivalent the process could handle gracefully.
func terminateProcess(proc *os.Process, grace time.Duration, exited <-chan struct{}) {
	if proc == nil {
		return
	}
	select {
	case <-exited:
		return
	case <-time.After(grace):
	}
	_ = proc.Kill()
}
