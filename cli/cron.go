package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "manage scheduled workflow triggers",
}

var cronAddCmd = &cobra.Command{
	Use:   "add <expression> <target-workflow> [agent]",
	Short: "schedule a workflow trigger on a cron expression or @every form",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		agentName := ""
		if len(args) == 3 {
			agentName = args[2]
		}
		payload, err := parsePayloadFlag(cmd)
		if err != nil {
			return err
		}
		id, err := rt.Cron.AddJob(context.Background(), args[0], args[1], agentName, payload)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"id": id})
	},
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "remove a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.Cron.RemoveJob(context.Background(), args[0])
	},
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "list every scheduled job",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		jobs, err := rt.Cron.ListJobs(context.Background())
		if err != nil {
			return err
		}
		return printJSON(jobs)
	},
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "enable a disabled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.Cron.Enable(context.Background(), args[0])
	},
}

var cronDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "disable a job without removing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.Cron.Disable(context.Background(), args[0])
	},
}

func init() {
	cronAddCmd.Flags().String("payload", "", "JSON object passed as the payload template on each firing")
	cronCmd.AddCommand(cronAddCmd, cronRemoveCmd, cronListCmd, cronEnableCmd, cronDisableCmd)
}
