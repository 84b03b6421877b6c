package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"forgehome.dev/core/agent"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "inspect and exercise registered agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list every registered agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return printJSON(rt.Router.ListAgents())
	},
}

var agentsRouteCmd = &cobra.Command{
	Use:   "route [task description]",
	Short: "show which agent a task would route to, without dispatching it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		result, err := rt.Router.DryRun(joinArgs(args))
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var agentsDispatchCmd = &cobra.Command{
	Use:   "dispatch [task description]",
	Short: "route a task to an agent and synchronously run it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		result, err := rt.Router.Dispatch(agent.Envelope{
			Ctx:          context.Background(),
			TaskOrAction: joinArgs(args),
			Inputs:       map[string]any{},
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	agentsCmd.AddCommand(agentsListCmd, agentsRouteCmd, agentsDispatchCmd)
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
