package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jxucoder/TeleVPS/internal/config"
	dockerEngine "github.com/jxucoder/TeleVPS/pkg/engine/docker"
)

// configKey describes a single configuration value.
type configKey struct {
	Key    string
	Desc   string
	Secret bool
	Prefix string // expected prefix for validation, empty = no check
}

// allConfigKeys lists every configurable value in display order.
var allConfigKeys = []configKey{
	{"DISCORD_TOKEN", "Discord bot token", true, ""},
	{"BOT_PREFIX", "Discord command prefix (default !)", false, ""},
	{"TELEGRAM_BOT_TOKEN", "Telegram bot token (from @BotFather)", true, ""},
	{"TELEGRAM_OPERATOR_IDS", "Telegram user ids allowed to operate in private chats (comma separated)", false, ""},
	{"SLACK_BOT_TOKEN", "Slack Bot User OAuth Token for audit notifications (xoxb-...)", true, "xoxb-"},
	{"SLACK_AUDIT_CHANNEL", "Slack channel id for audit notifications", false, ""},
	{"VPS_IMAGE", "VPS container image", false, ""},
	{"TELEVPS_BUILD_CONTEXT", "Directory to build the image from when it is missing", false, ""},
	{"TELEVPS_API_TOKEN", "Bearer token for the HTTP API (empty disables /api)", true, ""},
	{"TELEVPS_ADDR", "HTTP listen address (default :7090)", false, ""},
}

// configKeyOrder returns the file order of known keys.
func configKeyOrder() []string {
	order := make([]string, len(allConfigKeys))
	for i, ck := range allConfigKeys {
		order[i] = ck.Key
	}
	return order
}

// ---------------------------------------------------------------------------
// Cobra commands
// ---------------------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage TeleVPS configuration",
	Long: `Manage TeleVPS configuration (bot tokens, image, API token).

Configuration is stored in ~/.televps/config.env and can be overridden
by environment variables.

  televps config setup              Interactive setup wizard
  televps config set KEY VALUE      Set a single config value
  televps config show               Show current configuration
  televps config path               Print config file path`,
}

var (
	setupNonInteractive bool
	setupDiscordToken   string
	setupTelegramToken  string
)

var configSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Long: `Guided setup that walks you through configuring TeleVPS step by step.

Non-interactive mode for CI/scripting:
  televps config setup --non-interactive --discord-token=xxx`,
	RunE: runConfigSetup,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value. Example:
  televps config set VPS_IMAGE ubuntu-22.04-with-tmate`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.FilePath())
		return nil
	},
}

func init() {
	configSetupCmd.Flags().BoolVar(&setupNonInteractive, "non-interactive", false, "Run without prompts (requires a bot token flag)")
	configSetupCmd.Flags().StringVar(&setupDiscordToken, "discord-token", "", "Discord bot token (non-interactive mode)")
	configSetupCmd.Flags().StringVar(&setupTelegramToken, "telegram-token", "", "Telegram bot token (non-interactive mode)")

	configCmd.AddCommand(configSetupCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// effectiveValue returns the current value for a key, preferring env vars over config file.
func effectiveValue(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

// maskSecret masks a secret string, showing only the first 4 and last 4 characters.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// ---------------------------------------------------------------------------
// Interactive helpers
// ---------------------------------------------------------------------------

// wizard holds shared state for the interactive setup.
type wizard struct {
	reader     *bufio.Reader
	fileValues map[string]string
	changed    int
}

func newWizard(fileValues map[string]string) *wizard {
	return &wizard{
		reader:     bufio.NewReader(os.Stdin),
		fileValues: fileValues,
	}
}

// askYesNo asks a yes/no question. defaultYes controls what Enter means.
func (w *wizard) askYesNo(prompt string, defaultYes bool) (bool, error) {
	hint := "[Y/n]"
	if !defaultYes {
		hint = "[y/N]"
	}
	fmt.Printf("  %s %s ", prompt, hint)
	input, err := w.reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return defaultYes, nil
	}
	return input == "y" || input == "yes", nil
}

// askValue prompts for a single config value with validation.
// Returns true if a new value was accepted.
func (w *wizard) askValue(ck configKey) (bool, error) {
	current := effectiveValue(ck.Key, w.fileValues)

	status := "\033[31m✗ not set\033[0m"
	if current != "" {
		if ck.Secret {
			status = fmt.Sprintf("\033[32m✓ set\033[0m (%s)", maskSecret(current))
		} else {
			status = fmt.Sprintf("\033[32m✓ set\033[0m (%s)", current)
		}
	}
	fmt.Printf("  %s  %s\n", ck.Key, status)

	for {
		fmt.Print("  Paste value (Enter to keep): ")
		input, err := w.reader.ReadString('\n')
		if err != nil {
			return false, err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			return false, nil
		}

		if ck.Prefix != "" && !strings.HasPrefix(input, ck.Prefix) {
			fmt.Printf("  \033[33m!\033[0m  Expected prefix %q. Try again or press Enter to skip.\n", ck.Prefix)
			continue
		}
		if ck.Key == "TELEGRAM_OPERATOR_IDS" && !validIDList(input) {
			fmt.Print("  \033[33m!\033[0m  Expected numeric ids separated by commas. Try again or press Enter to skip.\n")
			continue
		}

		w.fileValues[ck.Key] = input
		w.changed++
		fmt.Printf("  \033[32m✓ saved\033[0m\n")
		return true, nil
	}
}

func validIDList(s string) bool {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Setup wizard
// ---------------------------------------------------------------------------

func runConfigSetup(cmd *cobra.Command, args []string) error {
	fileValues, err := config.ReadFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	if setupNonInteractive {
		return runNonInteractiveSetup(fileValues)
	}

	w := newWizard(fileValues)

	fmt.Println()
	fmt.Println("  \033[1mTeleVPS Setup\033[0m")
	fmt.Println("  ─────────────")
	fmt.Println("  Press Enter at any prompt to keep the current value.")
	fmt.Println()

	// ── Step 1: Discord ──────────────────────────────────────────────────
	fmt.Println("  \033[1mStep 1 of 5 — Discord Bot\033[0m")
	fmt.Println("  Create an application at https://discord.com/developers/applications,")
	fmt.Println("  add a bot and enable the Message Content and Server Members intents.")
	fmt.Println()
	doDiscord, err := w.askYesNo("Set up Discord?", true)
	if err != nil {
		return err
	}
	if doDiscord {
		if _, err := w.askValue(findKey("DISCORD_TOKEN")); err != nil {
			return err
		}
		fmt.Println()
		if _, err := w.askValue(findKey("BOT_PREFIX")); err != nil {
			return err
		}
	}
	fmt.Println()

	// ── Step 2: Telegram ─────────────────────────────────────────────────
	fmt.Println("  \033[1mStep 2 of 5 — Telegram Bot (optional)\033[0m")
	fmt.Println("  Get a bot token from @BotFather. Group admins may operate;")
	fmt.Println("  list operator ids to allow private chats too.")
	fmt.Println()
	doTelegram, err := w.askYesNo("Set up Telegram?", false)
	if err != nil {
		return err
	}
	if doTelegram {
		if _, err := w.askValue(findKey("TELEGRAM_BOT_TOKEN")); err != nil {
			return err
		}
		fmt.Println()
		if _, err := w.askValue(findKey("TELEGRAM_OPERATOR_IDS")); err != nil {
			return err
		}
	}
	if effectiveValue("DISCORD_TOKEN", w.fileValues) == "" && effectiveValue("TELEGRAM_BOT_TOKEN", w.fileValues) == "" {
		fmt.Println()
		fmt.Println("  \033[33m!\033[0m  Warning: no chat platform configured. `televps serve` needs at least one.")
	}
	fmt.Println()

	// ── Step 3: Slack audit ──────────────────────────────────────────────
	fmt.Println("  \033[1mStep 3 of 5 — Slack Audit Notifications (optional)\033[0m")
	fmt.Println("  Post every create/start/stop/restart/destroy to a Slack channel.")
	fmt.Println()
	doSlack, err := w.askYesNo("Set up Slack?", false)
	if err != nil {
		return err
	}
	if doSlack {
		if _, err := w.askValue(findKey("SLACK_BOT_TOKEN")); err != nil {
			return err
		}
		fmt.Println()
		if _, err := w.askValue(findKey("SLACK_AUDIT_CHANNEL")); err != nil {
			return err
		}
	}
	fmt.Println()

	// ── Step 4: Image and API ────────────────────────────────────────────
	fmt.Println("  \033[1mStep 4 of 5 — Image and HTTP API\033[0m")
	fmt.Println()
	if _, err := w.askValue(findKey("VPS_IMAGE")); err != nil {
		return err
	}
	fmt.Println()
	if _, err := w.askValue(findKey("TELEVPS_API_TOKEN")); err != nil {
		return err
	}
	fmt.Println()

	// ── Step 5: Docker ───────────────────────────────────────────────────
	fmt.Println("  \033[1mStep 5 of 5 — Docker Check\033[0m")
	checkDocker(effectiveValue("DOCKER_BIN", w.fileValues))
	fmt.Println()

	if err := config.WriteFile(w.fileValues, configKeyOrder()); err != nil {
		return err
	}

	fmt.Println("  \033[1mConfiguration Summary\033[0m")
	fmt.Println("  ────────────────────")
	printSummaryLine("Discord", effectiveValue("DISCORD_TOKEN", w.fileValues) != "")
	printSummaryLine("Telegram", effectiveValue("TELEGRAM_BOT_TOKEN", w.fileValues) != "")
	printSummaryLine("Slack audit", effectiveValue("SLACK_BOT_TOKEN", w.fileValues) != "" &&
		effectiveValue("SLACK_AUDIT_CHANNEL", w.fileValues) != "")
	printSummaryLine("HTTP API", effectiveValue("TELEVPS_API_TOKEN", w.fileValues) != "")
	fmt.Println()
	fmt.Printf("  Saved to %s\n", config.FilePath())
	fmt.Println()

	fmt.Println("  \033[1mNext Steps\033[0m")
	fmt.Println("  ──────────")
	fmt.Println("  1. Build the VPS image (tmate installed, writes /tmp/tmate-ssh.txt)")
	fmt.Println("  2. Start the bots:   televps serve")
	fmt.Println("  3. In chat:          !create @someone")
	fmt.Println()

	return nil
}

// runNonInteractiveSetup handles --non-interactive mode.
func runNonInteractiveSetup(fileValues map[string]string) error {
	if setupDiscordToken == "" && setupTelegramToken == "" {
		return fmt.Errorf("--discord-token or --telegram-token is required in non-interactive mode")
	}
	if setupDiscordToken != "" {
		fileValues["DISCORD_TOKEN"] = setupDiscordToken
	}
	if setupTelegramToken != "" {
		fileValues["TELEGRAM_BOT_TOKEN"] = setupTelegramToken
	}

	if err := config.WriteFile(fileValues, configKeyOrder()); err != nil {
		return err
	}
	fmt.Printf("Config written to %s\n", config.FilePath())
	return nil
}

// checkDocker reports whether the docker daemon answers.
func checkDocker(bin string) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res := dockerEngine.New(dockerEngine.WithBinary(bin)).Version(ctx)
	if !res.OK() {
		fmt.Println("  \033[33m!\033[0m  Docker is not running or not installed.")
		fmt.Println("     TeleVPS runs every VPS as a Docker container.")
		fmt.Println("     Install: https://docs.docker.com/get-docker/")
		return
	}
	fmt.Printf("  \033[32m✓\033[0m Docker %s is running\n", strings.TrimSpace(res.Stdout))
}

// findKey looks up a configKey by name.
func findKey(name string) configKey {
	for _, ck := range allConfigKeys {
		if ck.Key == name {
			return ck
		}
	}
	return configKey{Key: name}
}

// printSummaryLine prints a check or cross for a config section.
func printSummaryLine(label string, ok bool) {
	if ok {
		fmt.Printf("  \033[32m✓\033[0m %-12s configured\n", label)
	} else {
		fmt.Printf("  \033[90m-\033[0m %-12s not configured\n", label)
	}
}

// ---------------------------------------------------------------------------
// config set / config show
// ---------------------------------------------------------------------------

// runConfigSet sets a single key=value in the config file.
func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	fileValues, err := config.ReadFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	fileValues[key] = value
	if err := config.WriteFile(fileValues, configKeyOrder()); err != nil {
		return err
	}

	display := value
	if findKey(key).Secret {
		display = maskSecret(value)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, display)
	return nil
}

// runConfigShow displays the current effective configuration.
func runConfigShow(cmd *cobra.Command, args []string) error {
	fileValues, err := config.ReadFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config file: %s\n\n", config.FilePath())

	for _, ck := range allConfigKeys {
		value := effectiveValue(ck.Key, fileValues)
		source := ""
		if os.Getenv(ck.Key) != "" {
			source = " (from env)"
		} else if fileValues[ck.Key] != "" {
			source = " (from config file)"
		}

		display := "(not set)"
		if value != "" {
			if ck.Secret {
				display = maskSecret(value)
			} else {
				display = value
			}
		}
		fmt.Fprintf(out, "  %-25s %s%s\n", ck.Key, display, source)
	}
	return nil
}
