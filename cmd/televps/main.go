// TeleVPS
//
// Per-user VPS containers with a tmate link, managed from chat.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jxucoder/TeleVPS"
	"github.com/jxucoder/TeleVPS/internal/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "televps",
	Short: "TeleVPS - VPS containers managed from chat",
	Long: `TeleVPS creates per-user VPS containers, delivers a tmate SSH/Web link
to the owner and lets operators manage them from Discord or Telegram.

  televps config setup                     Set up tokens (first time)
  televps serve                            Start the bots and HTTP API
  televps create --owner-id 42 --owner-tag alice
  televps list -o yaml                     List VPS containers
  televps logs <container> --tail 50       Show recent output
  televps destroy <container>              Remove (asks for confirmation)`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildLocalApp builds an App that drives the local engine without chat
// channels. The caller closes it.
func buildLocalApp() (*televps.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return televps.NewBuilder().WithConfig(cfg).WithoutChannels().Build()
}
