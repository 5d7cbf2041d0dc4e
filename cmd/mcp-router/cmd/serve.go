package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpfe "github.com/mcp-router/mcp-router/internal/adapter/inbound/http"
	mcpclient "github.com/mcp-router/mcp-router/internal/adapter/outbound/mcp"
	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/audit"
	"github.com/mcp-router/mcp-router/internal/domain/breaker"
	"github.com/mcp-router/mcp-router/internal/domain/ratelimit"
	"github.com/mcp-router/mcp-router/internal/metrics"
	"github.com/mcp-router/mcp-router/internal/service"
)

const limiterSweepInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the router over HTTP",
	Long: `Serve the router's MCP endpoint over HTTP.

The endpoint speaks the streamable HTTP transport on listen.http.path
(default /mcp); /sse and /messages carry the deprecated SSE transport
for older clients. /healthz, /metrics, and the optional admin status
endpoint share the same port.

The config file is watched for changes: edits to upstreams, projects,
and tokens apply without a restart.

Examples:
  # Serve with the default config file
  mcp-router serve

  # Serve with a specific config file
  mcp-router serve --config /etc/mcp-router/config.json`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	path := configPath()

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded", "file", path, "upstreams", len(cfg.Servers))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := buildDeps(cfg, logger)

	prev := cfg
	watcher, err := config.NewWatcher(path, deps.Ref, func(next *config.Config) {
		deps.Manager.Reconcile(next)
		forgetRemoved(deps.Breaker, prev, next)
		prev = next
		logger.Info("configuration reloaded", "upstreams", len(next.Servers))
	}, logger)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	deps.Health.Start(ctx)
	go sweepLimiter(ctx, deps.Limiter)

	front := httpfe.NewTransport(deps, Version)
	if err := front.Start(ctx); err != nil {
		deps.Manager.CloseAll()
		deps.Health.Stop()
		return err
	}
	logger.Info("mcp-router started",
		"version", Version,
		"addr", front.Addr(),
		"exposure", cfg.ToolExposure,
		"strategy", cfg.Routing.SelectorStrategy,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// Sessions first so no new upstream traffic starts, then the
	// upstream pool, then the prober that would recreate pool entries.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := front.Shutdown(shutdownCtx); err != nil {
		logger.Error("front-end shutdown failed", "error", err)
	}
	deps.Manager.CloseAll()
	deps.Health.Stop()

	logger.Info("mcp-router stopped")
	return nil
}

// buildDeps wires the shared components used by every front-end.
func buildDeps(cfg *config.Config, logger *slog.Logger) service.Deps {
	ref := config.NewRef(cfg)
	m := metrics.New()

	brk := breaker.New(breaker.Config{
		Enabled:          cfg.Routing.CircuitBreaker.BreakerEnabled(),
		FailureThreshold: cfg.Routing.CircuitBreaker.FailureThreshold,
		OpenFor:          cfg.Routing.CircuitBreaker.OpenDuration(),
	}, func(name string, from, to breaker.State) {
		m.SetCircuitState(name, to.String())
		if to == breaker.Open {
			m.CircuitOpened(name)
			logger.Warn("circuit opened", "upstream", name)
		} else {
			logger.Info("circuit state changed", "upstream", name, "from", from, "to", to)
		}
	})

	manager := service.NewUpstreamManager(mcpclient.NewClientFactory(logger), logger)
	health := service.NewHealthChecker(ref, manager, brk, m, logger)

	return service.Deps{
		Ref:     ref,
		Manager: manager,
		Breaker: brk,
		Limiter: ratelimit.NewLimiter(),
		Health:  health,
		Metrics: m,
		Audit:   audit.NewLogger(logger, cfg.Audit),
		Logger:  logger,
	}
}

// forgetRemoved clears breaker state for upstreams that the new snapshot
// no longer configures, so a re-added name starts closed.
func forgetRemoved(brk *breaker.Breaker, prev, next *config.Config) {
	for name := range prev.Servers {
		if next.Upstream(name) == nil {
			brk.Forget(name)
		}
	}
}

// sweepLimiter drops idle rate-limit buckets so long-gone tokens do not
// accumulate.
func sweepLimiter(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep(10 * time.Minute)
		}
	}
}
