package cli

import (
	"context"

	"github.com/spf13/cobra"

	"forgehome.dev/core/messaging"
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "send, inspect, and acknowledge messages on the messaging bus",
}

var msgSendCmd = &cobra.Command{
	Use:   "send <sender> <recipient> <body>",
	Short: "send a message to a recipient's inbox",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		priority, _ := cmd.Flags().GetString("priority")
		contentType, _ := cmd.Flags().GetString("content-type")
		id, err := rt.Messaging.Send(context.Background(), args[0], args[1], []byte(args[2]), contentType, messaging.Priority(priority))
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"id": id})
	},
}

var msgPeekCmd = &cobra.Command{
	Use:   "peek <recipient>",
	Short: "view a recipient's inbox without marking messages delivered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		msgs, err := rt.Messaging.Peek(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(msgs)
	},
}

var msgReceiveCmd = &cobra.Command{
	Use:   "receive <recipient>",
	Short: "drain up to --max messages from a recipient's inbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		max, _ := cmd.Flags().GetInt("max")
		mark, _ := cmd.Flags().GetBool("mark-delivered")
		msgs, err := rt.Messaging.Receive(context.Background(), args[0], max, mark)
		if err != nil {
			return err
		}
		return printJSON(msgs)
	},
}

var msgAckCmd = &cobra.Command{
	Use:   "ack <recipient> <id>",
	Short: "acknowledge a delivered message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.Messaging.Acknowledge(context.Background(), args[0], args[1])
	},
}

var msgClearCmd = &cobra.Command{
	Use:   "clear <recipient>",
	Short: "remove a recipient's messages older than --older-than (all of them when 0)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		n, err := rt.Messaging.Clear(context.Background(), args[0], olderThan)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"removed": n})
	},
}

var msgCountsCmd = &cobra.Command{
	Use:   "counts <recipient>",
	Short: "show queued/delivered/acknowledged counts for a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		counts, err := rt.Messaging.CountsFor(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(counts)
	},
}

func init() {
	msgSendCmd.Flags().String("priority", string(messaging.PriorityNormal), "message priority: urgent, high, normal, low")
	msgSendCmd.Flags().String("content-type", "text/plain", "message content type")
	msgReceiveCmd.Flags().Int("max", 10, "maximum messages to receive")
	msgReceiveCmd.Flags().Bool("mark-delivered", true, "mark received messages as delivered")
	msgClearCmd.Flags().Duration("older-than", 0, "minimum age of messages to remove (0 = remove all)")

	messagesCmd.AddCommand(msgSendCmd, msgPeekCmd, msgReceiveCmd, msgAckCmd, msgClearCmd, msgCountsCmd)
}
