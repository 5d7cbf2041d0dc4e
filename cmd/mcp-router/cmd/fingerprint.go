package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcp-router/mcp-router/internal/domain/principal"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <token>",
	Short: "Print the audit fingerprint of a token",
	Long: `Print the fingerprint a token appears under in audit records and
logs. Raw tokens are never logged; this lets an operator correlate an
audit trail with a credential they hold.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(principal.Fingerprint(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
}
