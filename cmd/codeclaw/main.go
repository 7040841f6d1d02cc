// CodeClaw - GitHub-native agent orchestrator.
//
// Webhook events become prompts for sandboxed agent containers; agent output
// flows back to the originating issue or pull-request thread.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "codeclaw",
	Short: "CodeClaw - GitHub-native agent orchestrator",
	Long: `CodeClaw turns GitHub webhook events into sandboxed agent runs.

  codeclaw serve        Start the server
  codeclaw tasks        List scheduled tasks`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
