package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "inspect and invalidate cached agent results",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "show entry count, hit/miss counts, and total size",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		stats, err := rt.Cache.Stats(context.Background())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <tag-pattern>",
	Short: "evict every entry whose tags match a glob pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()
		n, err := rt.Cache.Invalidate(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"invalidated": n})
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheInvalidateCmd)
}
