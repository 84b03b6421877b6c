package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "read and write shared key/value state and named locks",
}

var stateGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "read a shared state value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		value, ok, err := rt.State.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"found": ok, "value": string(value)})
	},
}

var stateSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "write a shared state value, optionally with a TTL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		ttl, _ := cmd.Flags().GetDuration("ttl")
		return rt.State.Set(context.Background(), args[0], []byte(args[1]), ttl)
	},
}

var stateDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "delete a shared state value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.State.Delete(context.Background(), args[0])
	},
}

var stateLocksCmd = &cobra.Command{
	Use:   "locks",
	Short: "list every lock the process has seen, with holder and wait-queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		return printJSON(rt.State.Locks())
	},
}

var stateAcquireCmd = &cobra.Command{
	Use:   "acquire <name> <holder>",
	Short: "acquire (or renew) a named lock, blocking up to --timeout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		lease, _ := cmd.Flags().GetDuration("lease")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return rt.State.Acquire(context.Background(), args[0], args[1], lease, timeout)
	},
}

var stateReleaseCmd = &cobra.Command{
	Use:   "release <name> <holder>",
	Short: "release a named lock held by holder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		rt.State.Release(args[0], args[1])
		return nil
	},
}

func init() {
	stateSetCmd.Flags().Duration("ttl", 0, "expire this value after the given duration (0 = never)")
	stateAcquireCmd.Flags().Duration("lease", 30*time.Second, "lock lease duration")
	stateAcquireCmd.Flags().Duration("timeout", 10*time.Second, "maximum time to wait for the lock")

	stateCmd.AddCommand(stateGetCmd, stateSetCmd, stateDeleteCmd, stateLocksCmd, stateAcquireCmd, stateReleaseCmd)
}
