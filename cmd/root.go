// Package cmd wires the CLI entry points.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrapedesk",
		Short: "Scrape-job lifecycle and result-normalization service.",
		Long: `scrapedesk tracks scrape jobs running on an external execution
service from submission to terminal state, normalizes the heterogeneous raw
results into one stable schema, and persists an idempotent backup artifact
before releasing results to clients.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (defaults and env vars apply when unset)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
