// Package http provides the HTTP front-end: the streamable MCP endpoint,
// the deprecated SSE endpoints, health, metrics, and the admin status page.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/port/inbound"
	"github.com/mcp-router/mcp-router/internal/service"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

// Transport is the inbound adapter that serves MCP over HTTP. One server
// per MCP session is built on demand, bound to the authenticated principal
// of the request that opened the session.
type Transport struct {
	deps    service.Deps
	version string
	logger  *slog.Logger

	sessions *sessionBindings
	server   *http.Server
	listener net.Listener
}

// NewTransport creates a stopped HTTP transport.
func NewTransport(deps service.Deps, version string) *Transport {
	return &Transport{
		deps:     deps,
		version:  version,
		logger:   deps.Logger,
		sessions: newSessionBindings(),
	}
}

// Addr returns the bound listen address. Only valid after Start, and
// mainly useful with port 0.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Start binds the listener and begins serving. It returns once the
// listener is bound; serving continues in the background until Shutdown.
func (t *Transport) Start(ctx context.Context) error {
	cfg := t.deps.Ref.Get()

	envPort, envSet, err := portFromEnv()
	if err != nil {
		return err
	}
	port := cfg.HTTPPort(envPort, envSet)
	addr := net.JoinHostPort(cfg.Listen.HTTP.Host, strconv.Itoa(port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("port %d is already in use on %s; stop the other process or set listen.http.port (0 picks a free port)", port, cfg.Listen.HTTP.Host)
		}
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	t.listener = ln

	t.server = &http.Server{Handler: t.buildHandler(cfg)}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("http server failed", "error", err)
		}
	}()

	t.logger.Info("http front-end listening", "addr", ln.Addr().String(), "path", cfg.Listen.HTTP.Path)
	return nil
}

// Shutdown drains in-flight requests and closes the listener. Session
// state held by the MCP handlers goes with the server.
func (t *Transport) Shutdown(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("http shutdown incomplete", "error", err)
		return err
	}
	t.logger.Info("http front-end stopped")
	return nil
}

// buildHandler assembles the mux. The MCP endpoint accepts POST, GET, and
// DELETE per the streamable transport; /sse and /messages carry the
// deprecated SSE transport for older clients.
func (t *Transport) buildHandler(cfg *config.Config) http.Handler {
	getServer := func(r *http.Request) *sdk.Server {
		prin := principalFrom(r.Context())
		return service.BuildServer(t.deps, prin, t.version)
	}

	mcpHandler := sdk.NewStreamableHTTPHandler(getServer, &sdk.StreamableHTTPOptions{
		Stateless: false,
	})
	sseHandler := sdk.NewSSEHandler(getServer, nil)

	mux := http.NewServeMux()
	path := cfg.Listen.HTTP.Path
	mcpChain := requestID(t.authenticated(t.sessionBound(mcpHandler)))
	mux.Handle(path, mcpChain)
	mux.Handle(path+"/", mcpChain)
	sseChain := requestID(t.authenticated(t.sseSessionBound(sseHandler)))
	mux.Handle("/sse", sseChain)
	mux.Handle("/messages", sseChain)
	mux.Handle("/healthz", t.healthzHandler())
	if t.deps.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(t.deps.Metrics.Registry, promhttp.HandlerOpts{
			Registry: t.deps.Metrics.Registry,
		}))
	}
	if cfg.Admin.Enabled {
		status := t.statusHandler()
		if !cfg.Admin.AllowUnauthenticated {
			status = t.authenticated(status)
		}
		mux.Handle(cfg.Admin.Path, status)
	}
	return mux
}

// portFromEnv reads the PORT override used by container platforms. The
// override only applies when the config file leaves the port unset.
func portFromEnv() (int, bool, error) {
	raw, ok := os.LookupEnv("PORT")
	if !ok || raw == "" {
		return 0, false, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 0 || port > 65535 {
		return 0, false, fmt.Errorf("invalid PORT environment value %q", raw)
	}
	return port, true, nil
}

var _ inbound.FrontEnd = (*Transport)(nil)
