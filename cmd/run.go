package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// newRunCmd groups the run lifecycle subcommands.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start, inspect and abort crawl runs",
	}
	cmd.AddCommand(newRunStartCmd())
	cmd.AddCommand(newRunAbortCmd())
	cmd.AddCommand(newRunStatusCmd())
	cmd.AddCommand(newRunListCmd())
	cmd.AddCommand(newRunEventsCmd())
	return cmd
}

func newRunStartCmd() *cobra.Command {
	var (
		industry string
		qpi      int
		once     bool
		mode     string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new crawl run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newAPIClient().post(cmd.Context(), "/v1/runs", map[string]any{
				"industry": industry,
				"qpi":      qpi,
				"once":     once,
				"mode":     mode,
			})
		},
	}
	cmd.Flags().StringVar(&industry, "industry", "", "lead vertical to crawl")
	cmd.Flags().IntVar(&qpi, "qpi", 100, "queries per interval")
	cmd.Flags().BoolVar(&once, "once", false, "single pass instead of continuous")
	cmd.Flags().StringVar(&mode, "mode", "", "crawler operating mode")
	cobra.CheckErr(cmd.MarkFlagRequired("industry"))
	return cmd
}

func newRunAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Abort the active crawl run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient().post(cmd.Context(), "/v1/runs/"+args[0]+"/abort", nil)
		},
	}
}

func newRunStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show supervisor status, or one run's record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return newAPIClient().get(cmd.Context(), "/v1/supervisor/status")
			}
			return newAPIClient().get(cmd.Context(), "/v1/runs/"+args[0])
		},
	}
}

func newRunListCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List crawl runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", fmt.Sprint(limit))
			q.Set("offset", fmt.Sprint(offset))
			return newAPIClient().get(cmd.Context(), "/v1/runs?"+q.Encode())
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func newRunEventsCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Drain queued log events for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/runs/" + args[0] + "/events"
			if wait {
				path += "?wait=true"
			}
			return newAPIClient().get(cmd.Context(), path)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until at least one event arrives")
	return cmd
}
