// Package cmd defines and implements the CLI commands for the crawlctl
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	apiAddr string
	apiKey  string
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlctl",
		Short: "Control plane for the lead-scraper crawler fleet",
		Long: `crawlctl supervises the lead-scraper crawler subprocess, tracks run
state, and streams crawl log events to dashboard consumers. The serve
command runs the control plane; the remaining commands are thin clients
for its HTTP API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8080", "control plane API address")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authenticated deployments")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newBreakerCmd())
	cmd.AddCommand(newQPICmd())
	cmd.AddCommand(newQueuesCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
