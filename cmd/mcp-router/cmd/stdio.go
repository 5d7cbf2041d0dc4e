package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcp-router/mcp-router/internal/adapter/inbound/stdio"
	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/principal"
)

var stdioToken string

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve the router over stdin/stdout",
	Long: `Serve a single MCP session over stdin/stdout, for use as a child
process of a local MCP client.

When auth.tokens is configured, --token selects the credential the
session runs under; without it the session is anonymous and is rejected
if the config requires authentication.

Example client entry:
  {"command": "mcp-router", "args": ["stdio", "--config", "/etc/mcp-router/config.json"]}`,
	RunE: runStdio,
}

func init() {
	stdioCmd.Flags().StringVar(&stdioToken, "token", "", "credential the session runs under")
	rootCmd.AddCommand(stdioCmd)
}

func runStdio(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	path := configPath()

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	prin, err := principal.FromToken(cfg, stdioToken)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}

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

	front := stdio.NewTransport(deps, prin, Version)
	if err := front.Start(ctx); err != nil {
		deps.Manager.CloseAll()
		deps.Health.Stop()
		return err
	}
	logger.Info("mcp-router serving on stdio", "version", Version, "principal", prin.Fingerprint)

	// The session ends when the parent closes stdin or we get a signal.
	errCh := make(chan error, 1)
	go func() { errCh <- front.Wait() }()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runErr = front.Shutdown(shutdownCtx)
	}

	deps.Manager.CloseAll()
	deps.Health.Stop()
	return runErr
}
