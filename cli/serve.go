package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the runtime and serve cron jobs and webhook triggers until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(context.Background())
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.Start(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "core runtime listening for webhooks on %s%s\n", rt.Config.Webhook.Addr, rt.Config.Webhook.PathPrefix)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		fmt.Fprintln(os.Stderr, "shutting down...")
		return nil
	},
}
