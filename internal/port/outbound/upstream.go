// Package outbound defines the driven-side ports of the router.
package outbound

import (
	"context"
	"encoding/json"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// UpstreamClient is the capability the router needs from one upstream tool
// server. Implementations connect lazily on first use and must be safe for
// concurrent use.
type UpstreamClient interface {
	// ListTools returns the upstream's current tool list.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	// CallTool forwards one tool invocation using the upstream's original
	// (un-namespaced) tool name.
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.CallToolResult, error)
	// Close releases the connection or child process. Idempotent.
	Close() error
}

// ClientFactory builds an UpstreamClient for one upstream configuration.
// The manager uses it so tests can substitute fakes.
type ClientFactory func(cfg *config.UpstreamConfig, sandbox config.StdioSandboxConfig) (UpstreamClient, error)
