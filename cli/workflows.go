package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"forgehome.dev/core/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "trigger and inspect workflow runs",
}

var wfTriggerCmd = &cobra.Command{
	Use:   "trigger <name>",
	Short: "start a new run of a registered workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		payload, err := parsePayloadFlag(cmd)
		if err != nil {
			return err
		}
		runID, err := rt.Workflow.Trigger(context.Background(), args[0], payload)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"run_id": runID})
	},
}

var wfTriggerEventCmd = &cobra.Command{
	Use:   "trigger-event <agent> <event>",
	Short: "start the workflow run bound to an (agent, event) pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		payload, err := parsePayloadFlag(cmd)
		if err != nil {
			return err
		}
		runID, err := rt.Workflow.TriggerEvent(context.Background(), args[0], args[1], payload)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"run_id": runID})
	},
}

var wfStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "show a run's current state, cursor, and step results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		run, err := rt.Workflow.Status(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(run)
	},
}

var wfListCmd = &cobra.Command{
	Use:   "list",
	Short: "list runs, optionally filtered by --workflow and --state",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		name, _ := cmd.Flags().GetString("workflow")
		state, _ := cmd.Flags().GetString("state")
		runs, err := rt.Workflow.List(context.Background(), workflow.Filter{
			WorkflowName: name,
			State:        workflow.RunState(state),
		})
		if err != nil {
			return err
		}
		return printJSON(runs)
	},
}

var wfCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "cancel a pending, running, or paused run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.Workflow.Cancel(context.Background(), args[0])
	},
}

var wfPauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "pause a running run before its next step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.Workflow.Pause(context.Background(), args[0])
	},
}

var wfResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "resume a paused run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.Workflow.Resume(context.Background(), args[0])
	},
}

var wfRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "requeue every run left running after an unclean shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		n, err := rt.Workflow.Recover(context.Background())
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"recovered": n})
	},
}

func parsePayloadFlag(cmd *cobra.Command) (map[string]any, error) {
	raw, _ := cmd.Flags().GetString("payload")
	if raw == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func init() {
	wfTriggerCmd.Flags().String("payload", "", "JSON object to seed the run's variables with")
	wfTriggerEventCmd.Flags().String("payload", "", "JSON object to seed the run's variables with")
	wfListCmd.Flags().String("workflow", "", "filter by workflow name")
	wfListCmd.Flags().String("state", "", "filter by run state")

	workflowsCmd.AddCommand(wfTriggerCmd, wfTriggerEventCmd, wfStatusCmd, wfListCmd, wfCancelCmd, wfPauseCmd, wfResumeCmd, wfRecoverCmd)
}
