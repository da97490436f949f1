package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leadforge/crawl-control/internal/app"
	"github.com/leadforge/crawl-control/internal/config"
)

// newServeCmd creates the 'serve' subcommand, which runs the control plane
// until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawler control plane",
		Long: `Starts the HTTP API, the crawler supervisor, the database event
listener and the notification router, and runs until SIGINT or SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, cfgFile)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run control plane: %w", err)
	}
	a.Logger().Info("control plane stopped")
	return nil
}
