// Package app provides the entry point for the dvgate command-line application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/dvgate/dvgate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "dvgate",
	DisableAutoGenTag: true,
	Short:             "dvgate is an authenticating gateway in front of a Dataverse environment",
	Long: `dvgate validates Entra ID bearer tokens, authorizes them against scope and
role allow-lists, and resolves each caller to a downstream Dataverse identity:
signed-in users via the on-behalf-of exchange, services via their provisioned
application user with impersonation.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the dvgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
