package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nadahlberg/codeclaw"
	"github.com/nadahlberg/codeclaw/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CodeClaw server",
	Long:  "Start the webhook server, scheduler, and IPC watcher.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	app, err := codeclaw.NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Start(ctx)
}
