package mcp

import (
	"log/slog"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
	"github.com/mcp-router/mcp-router/internal/port/outbound"
)

// NewClientFactory returns the production outbound.ClientFactory.
func NewClientFactory(logger *slog.Logger) outbound.ClientFactory {
	return func(cfg *config.UpstreamConfig, sandbox config.StdioSandboxConfig) (outbound.UpstreamClient, error) {
		switch cfg.Transport {
		case config.TransportHTTP:
			return NewHTTPClient(cfg, logger), nil
		case config.TransportPipe:
			// Fail fast on sandbox violations instead of at first call.
			if err := checkSandbox(cfg, sandbox); err != nil {
				return nil, err
			}
			return NewPipeClient(cfg, sandbox, logger), nil
		default:
			return nil, routererr.Newf(routererr.KindConfigInvalid, "upstream %q: unknown transport %q", cfg.Name, cfg.Transport)
		}
	}
}
