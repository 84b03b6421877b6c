package cli

import (
	"context"

	"github.com/spf13/cobra"

	"forgehome.dev/core/common"
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "manage webhook bindings served by the runtime's loopback HTTP surface",
}

var webhooksAddCmd = &cobra.Command{
	Use:   "add <name> <target-workflow> [agent]",
	Short: "bind a webhook path to a workflow",
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
		secret, _ := cmd.Flags().GetString("secret")
		maxBody, _ := cmd.Flags().GetInt64("max-body-bytes")
		return rt.Webhook.AddBinding(context.Background(), args[0], secret, args[1], agentName, maxBody)
	},
}

var webhooksRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "remove a webhook binding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.Webhook.RemoveBinding(context.Background(), args[0])
	},
}

var webhooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "list every webhook binding",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		bindings, err := rt.Webhook.ListBindings(context.Background())
		if err != nil {
			return err
		}
		for i := range bindings {
			bindings[i].Secret = common.MaskSecret(bindings[i].Secret)
		}
		return printJSON(bindings)
	},
}

func init() {
	webhooksAddCmd.Flags().String("secret", "", "HMAC-SHA256 shared secret for X-Signature verification (empty = unsigned)")
	webhooksAddCmd.Flags().Int64("max-body-bytes", 0, "maximum request body size (0 = the webhook server's configured default, 1MiB unless set)")

	webhooksCmd.AddCommand(webhooksAddCmd, webhooksRemoveCmd, webhooksListCmd)
}
