package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcp-router/mcp-router/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load and validate a configuration file without starting the router.

Exits non-zero with a description of every violation when the file is
invalid. Unknown fields are rejected, so typos surface here instead of
being silently ignored at runtime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s: OK (%d upstreams, %d projects, %d tokens)\n",
			path, len(cfg.Servers), len(cfg.Projects), len(cfg.Auth.Tokens))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
