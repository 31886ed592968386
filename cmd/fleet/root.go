package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the fleet command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Run and inspect a fleet of LLM-driven trading bots",
		Long: `fleet runs many independent trading bots, each asking a language model for
one decision per cycle and executing it against a simulated portfolio or an exchange.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "config.yaml", "Configuration file path (JSON or YAML)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCycleCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newKlinesCmd())
	return rootCmd
}
