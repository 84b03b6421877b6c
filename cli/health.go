package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "inspect agent health rollups and recent failures",
}

var healthStatusCmd = &cobra.Command{
	Use:   "status <agent>",
	Short: "roll up an agent's samples over --window into a status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		window, _ := cmd.Flags().GetDuration("window")
		rollup, err := rt.Health.Status(context.Background(), args[0], window)
		if err != nil {
			return err
		}
		return printJSON(rollup)
	},
}

var healthDashboardCmd = &cobra.Command{
	Use:   "dashboard [agent...]",
	Short: "roll up every known agent (or the named ones) into one dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		agents := args
		if len(agents) == 0 {
			known, err := rt.Health.KnownAgents(context.Background())
			if err != nil {
				return err
			}
			agents = known
		}
		dashboard, err := rt.Health.Dashboard(context.Background(), agents)
		if err != nil {
			return err
		}
		return printJSON(dashboard)
	},
}

var healthRecentErrorsCmd = &cobra.Command{
	Use:   "recent-errors",
	Short: "list the most recent failure samples across every agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		limit, _ := cmd.Flags().GetInt("limit")
		errs, err := rt.Health.RecentErrors(context.Background(), limit)
		if err != nil {
			return err
		}
		return printJSON(errs)
	},
}

func init() {
	healthStatusCmd.Flags().Duration("window", 24*time.Hour, "rollup window")
	healthRecentErrorsCmd.Flags().Int("limit", 20, "maximum samples to return")

	healthCmd.AddCommand(healthStatusCmd, healthDashboardCmd, healthRecentErrorsCmd)
}
