// Package stdio serves the router over stdin/stdout as a single MCP
// session, for use as a child process of a local MCP client.
package stdio

import (
	"context"
	"errors"

	"github.com/mcp-router/mcp-router/internal/domain/principal"
	"github.com/mcp-router/mcp-router/internal/port/inbound"
	"github.com/mcp-router/mcp-router/internal/service"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport is the stdio front-end. The principal is fixed at startup
// from the --token flag; there is no per-request authentication on a
// pipe the parent process already owns.
type Transport struct {
	deps    service.Deps
	prin    principal.Principal
	version string

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewTransport creates a stopped stdio transport bound to one principal.
func NewTransport(deps service.Deps, prin principal.Principal, version string) *Transport {
	return &Transport{
		deps:    deps,
		prin:    prin,
		version: version,
		done:    make(chan struct{}),
	}
}

// Start begins serving the single session in the background. The session
// ends when the parent closes stdin or the context is cancelled.
func (t *Transport) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)
	server := service.BuildServer(t.deps, t.prin, t.version)
	go func() {
		defer close(t.done)
		t.err = server.Run(ctx, &sdk.StdioTransport{})
	}()
	return nil
}

// Shutdown cancels the session and waits for the server loop to return.
func (t *Transport) Shutdown(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if t.err != nil && !errors.Is(t.err, context.Canceled) {
		return t.err
	}
	return nil
}

// Wait blocks until the session ends on its own, usually because the
// parent process closed stdin.
func (t *Transport) Wait() error {
	<-t.done
	if errors.Is(t.err, context.Canceled) {
		return nil
	}
	return t.err
}

var _ inbound.FrontEnd = (*Transport)(nil)
