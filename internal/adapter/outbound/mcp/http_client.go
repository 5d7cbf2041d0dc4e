package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
	"github.com/mcp-router/mcp-router/internal/port/outbound"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// clientInfo identifies the router in the MCP initialize handshake.
var clientInfo = &sdk.Implementation{Name: "mcp-router", Version: "1.0.0"}

// headerRoundTripper injects the configured static headers into every
// request to the upstream endpoint.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (rt headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	cloned := req.Clone(req.Context())
	for k, v := range rt.headers {
		cloned.Header.Set(k, v)
	}
	return base.RoundTrip(cloned)
}

// connectAttempt is one in-flight connect. Concurrent operations that find
// an attempt pending wait on the same result instead of dialing again.
type connectAttempt struct {
	done    chan struct{}
	session *sdk.ClientSession
	err     error
}

// HTTPClient is the streaming-HTTP upstream client. It connects lazily on
// the first operation; at most one connect is ever in flight.
type HTTPClient struct {
	cfg    *config.UpstreamConfig
	logger *slog.Logger

	mu      sync.Mutex
	session *sdk.ClientSession
	pending *connectAttempt
	closed  bool
}

var _ outbound.UpstreamClient = (*HTTPClient)(nil)

// NewHTTPClient creates an unconnected client for an http-transport upstream.
func NewHTTPClient(cfg *config.UpstreamConfig, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		cfg:    cfg,
		logger: logger.With("upstream", cfg.Name),
	}
}

// ListTools implements outbound.UpstreamClient.
func (c *HTTPClient) ListTools(ctx context.Context) ([]*sdk.Tool, error) {
	session, err := c.getSession(ctx)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	res, err := session.ListTools(opCtx, &sdk.ListToolsParams{})
	if err != nil {
		c.dropOnTransportError(session, err)
		return nil, classifyError(c.cfg.Name, err, true)
	}
	return res.Tools, nil
}

// CallTool implements outbound.UpstreamClient.
func (c *HTTPClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*sdk.CallToolResult, error) {
	session, err := c.getSession(ctx)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	res, err := session.CallTool(opCtx, &sdk.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		c.dropOnTransportError(session, err)
		return nil, classifyError(c.cfg.Name, err, true)
	}
	return res, nil
}

// Close implements outbound.UpstreamClient.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.closed = true
	c.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

// getSession returns the live session, connecting if needed. Concurrent
// callers during a connect wait on the same attempt.
func (c *HTTPClient) getSession(ctx context.Context) (*sdk.ClientSession, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, routererr.Newf(routererr.KindUpstreamUnavailable, "upstream %q client closed", c.cfg.Name)
		}
		if c.session != nil {
			session := c.session
			c.mu.Unlock()
			return session, nil
		}
		if att := c.pending; att != nil {
			c.mu.Unlock()
			select {
			case <-att.done:
			case <-ctx.Done():
				return nil, classifyError(c.cfg.Name, ctx.Err(), false)
			}
			if att.err != nil {
				return nil, att.err
			}
			continue
		}

		att := &connectAttempt{done: make(chan struct{})}
		c.pending = att
		c.mu.Unlock()

		session, err := c.connect(ctx)

		c.mu.Lock()
		c.pending = nil
		if err == nil {
			if c.closed {
				session.Close()
				err = routererr.Newf(routererr.KindUpstreamUnavailable, "upstream %q client closed", c.cfg.Name)
				session = nil
			} else {
				c.session = session
			}
		}
		att.session, att.err = session, err
		close(att.done)
		c.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

func (c *HTTPClient) connect(ctx context.Context) (*sdk.ClientSession, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	transport := &sdk.StreamableClientTransport{
		Endpoint: c.cfg.URL,
		HTTPClient: &http.Client{
			Transport: headerRoundTripper{headers: c.cfg.Headers},
		},
	}
	client := sdk.NewClient(clientInfo, nil)
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		c.logger.Warn("upstream connect failed", "url", c.cfg.URL, "error", err)
		return nil, classifyError(c.cfg.Name, err, false)
	}
	c.logger.Debug("upstream connected", "url", c.cfg.URL)
	return session, nil
}

// dropOnTransportError discards a session whose transport failed so the
// next operation reconnects instead of reusing a dead session.
func (c *HTTPClient) dropOnTransportError(session *sdk.ClientSession, err error) {
	if !isTransportError(err) {
		return
	}
	c.mu.Lock()
	if c.session == session {
		c.session = nil
	}
	c.mu.Unlock()
	session.Close()
}
