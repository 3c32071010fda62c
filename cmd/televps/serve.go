package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/TeleVPS"
	"github.com/jxucoder/TeleVPS/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat bots and HTTP API",
	Long: `Start the configured chat channels (Discord, Telegram), the HTTP API
and the /metrics endpoint. Blocks until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w (run: televps config setup)", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := televps.NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}
	return app.Start(ctx)
}
