// Package cli implements the snapbot command-line interface using Cobra.
// serve runs the bot; the other subcommands seed and inspect the ledger.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "snapbot",
	Short: "snapbot: photo proof-of-completion for Snap N Go tasks",
	Long: `snapbot is the Slack bot behind Snap N Go.
Participants accept tasks, photograph the result and send the photo with the
task number; snapbot checks the submission window and acceptance, stores the
image and records the submission in the task ledger.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
