// Package cli provides the command-line surface over the in-process
// runtime (spec.md §6.4): one subcommand tree per subsystem, each with
// list/get/set/remove/inspect leaves, talking to a runtime.Runtime
// built from environment configuration. No command touches store,
// workflow, or any other subsystem package directly — everything goes
// through the Runtime returned by buildRuntime.
//
// Grounded on cli/root.go's Cobra-root-plus-Viper-config-file shape,
// generalized from one monolithic runServer command into a command
// tree, and on config.Load/Validator for the configuration this CLI
// binds flags onto.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgehome.dev/core/config"
	"forgehome.dev/core/kerrors"
	"forgehome.dev/core/runtime"
)

var cfgFile string
var envPrefix string

// RootCmd is the entry point for the core CLI.
var RootCmd = &cobra.Command{
	Use:   "core",
	Short: "coordination runtime for local agents, workflows, and schedules",
	Long: `core is the command-line surface for the agent coordination runtime.

It hosts named agents, routes tasks by keyword, executes declarative
workflows, and exposes messaging, shared state, health monitoring,
caching, cron scheduling, and webhook triggers — all backed by a
single embedded store (or Redis, for multi-process deployments).

Configuration is read from environment variables under the prefix
given by --env-prefix (default CORE), or from a config file via
--config.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.core.yaml)")
	RootCmd.PersistentFlags().StringVar(&envPrefix, "env-prefix", "CORE", "environment variable prefix for runtime configuration")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(agentsCmd)
	RootCmd.AddCommand(messagesCmd)
	RootCmd.AddCommand(stateCmd)
	RootCmd.AddCommand(healthCmd)
	RootCmd.AddCommand(cacheCmd)
	RootCmd.AddCommand(workflowsCmd)
	RootCmd.AddCommand(cronCmd)
	RootCmd.AddCommand(webhooksCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".core")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

// buildRuntime loads configuration and constructs a Runtime. Callers
// are responsible for calling Close on the result.
func buildRuntime(ctx context.Context) (*runtime.Runtime, error) {
	cfg, err := config.Load(envPrefix)
	if err != nil {
		return nil, kerrors.New(kerrors.KindUsage, err.Error())
	}
	return runtime.New(ctx, *cfg)
}
