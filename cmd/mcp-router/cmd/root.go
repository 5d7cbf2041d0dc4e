// Package cmd provides the CLI commands for mcp-router.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "mcp-router",
	Short: "mcp-router - MCP tool invocation router",
	Long: `mcp-router routes MCP tool invocations to a fleet of upstream MCP
servers. Upstreams are selected by name, tag, or semver version range;
calls pass through per-token rate limits, project allowlists, and a
per-upstream circuit breaker.

Quick start:
  1. Create a config file: mcp-router.json
  2. Run: mcp-router serve --config mcp-router.json

Commands:
  serve        Serve the router over HTTP
  stdio        Serve the router over stdin/stdout
  validate     Validate a configuration file
  fingerprint  Print the audit fingerprint of a token
  version      Print version information

Environment:
  MCP_ROUTER_CONFIG  config file path (flag --config wins)
  MCP_ROUTER_LOG     log level: debug, info, warn, error
  PORT               HTTP port when listen.http.port is unset`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default: ./mcp-router.json)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (default: info)")

	viper.SetEnvPrefix("MCP_ROUTER")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log-level"))
}

// configPath resolves the config file location: flag, then environment,
// then the conventional default.
func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return "mcp-router.json"
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// free for the MCP stream in stdio mode.
func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(viper.GetString("log")),
	}))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
