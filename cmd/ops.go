package cmd

import (
	"strconv"

	"github.com/spf13/cobra"
)

func newBreakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset the supervisor circuit breaker",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Close an open circuit breaker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newAPIClient().post(cmd.Context(), "/v1/breaker/reset", nil)
		},
	})
	return cmd
}

func newQPICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qpi",
		Short: "Adjust the crawler's query throttle",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <value>",
		Short: "Set QPI for subsequent restarts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qpi, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			return newAPIClient().post(cmd.Context(), "/v1/supervisor/qpi", map[string]int{"qpi": qpi})
		},
	})
	return cmd
}

func newQueuesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Inspect the notification queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue occupancy and drop counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newAPIClient().get(cmd.Context(), "/v1/queues/stats")
		},
	})
	return cmd
}
