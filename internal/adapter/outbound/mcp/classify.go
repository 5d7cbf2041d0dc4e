// Package mcp implements the outbound upstream clients over the MCP
// protocol: a streaming-HTTP variant and a child-process pipe variant.
package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"syscall"

	"github.com/mcp-router/mcp-router/internal/domain/routererr"
)

// classifyError assigns a router error kind to an upstream operation
// failure. Transport-level failures (dead process, refused connection,
// deadline) become UpstreamUnavailable and count against the breaker.
// Anything an established session returned as an application-level error
// is a ProtocolError: the upstream is alive and responsive.
func classifyError(upstream string, err error, established bool) error {
	if err == nil {
		return nil
	}
	var re *routererr.Error
	if errors.As(err, &re) {
		return err
	}
	if isTransportError(err) || !established {
		return routererr.Wrap(routererr.KindUpstreamUnavailable, "upstream "+upstream+" unavailable", err)
	}
	return routererr.Wrap(routererr.KindProtocol, "upstream "+upstream+" protocol error", err)
}

// isTransportError matches the failure modes that indicate the upstream
// cannot currently serve requests at all.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
