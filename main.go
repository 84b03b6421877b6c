// Command core is the entry point for the agent coordination runtime's
// command-line interface.
package main

import (
	"fmt"
	"os"

	"forgehome.dev/core/cli"
	"forgehome.dev/core/kerrors"
)

func main() {
	err := cli.RootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(kerrors.ExitCode(err))
}
