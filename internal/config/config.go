// Package config provides configuration management for TeleVPS.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jxucoder/TeleVPS/pkg/command"
	"github.com/jxucoder/TeleVPS/pkg/confirm"
	"github.com/jxucoder/TeleVPS/pkg/lifecycle"
	"github.com/jxucoder/TeleVPS/pkg/readiness"
)

// Config holds all configuration for the TeleVPS server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7090").
	ServerAddr string

	// DataDir is the directory for persistent data (audit DB, config file).
	DataDir string

	// DatabasePath is the full path to the SQLite audit database.
	DatabasePath string

	// JobsDir holds scheduled maintenance job files (*.yaml).
	JobsDir string

	// APIToken enables the /api routes behind bearer authentication.
	APIToken string

	// Discord integration (primary chat platform).
	DiscordToken string
	// BotPrefix is the Discord command prefix. Default: "!".
	BotPrefix string

	// Telegram integration (optional -- long polling).
	TelegramBotToken string
	// TelegramOperatorIDs are user IDs allowed to run operator commands in
	// private chats.
	TelegramOperatorIDs []uint64

	// Slack audit notifications (optional).
	SlackBotToken     string
	SlackAuditChannel string

	// Image is the VPS container image.
	Image string
	// DockerBin overrides the docker binary lookup.
	DockerBin string
	// BuildContext enables build-if-missing when set.
	BuildContext  string
	RestartPolicy string

	// Readiness.
	MarkerPath    string
	ReadyTimeout  time.Duration
	PollInterval  time.Duration
	EnsureSession bool
	InstallCmd    string

	// Destroy confirmation.
	ConfirmTimeout time.Duration
	ConfirmKeyword string

	// Engine call timeouts.
	LaunchTimeout time.Duration
	OpTimeout     time.Duration

	// Logs.
	LogTail     int
	LogMaxChars int
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile()

	dataDir := envOr("TELEVPS_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	operators, err := parseIDs(os.Getenv("TELEGRAM_OPERATOR_IDS"))
	if err != nil {
		return nil, fmt.Errorf("TELEGRAM_OPERATOR_IDS: %w", err)
	}

	cfg := &Config{
		ServerAddr:          envOr("TELEVPS_ADDR", ":7090"),
		DataDir:             dataDir,
		DatabasePath:        filepath.Join(dataDir, "televps.db"),
		JobsDir:             envOr("TELEVPS_JOBS_DIR", filepath.Join(dataDir, "jobs")),
		APIToken:            os.Getenv("TELEVPS_API_TOKEN"),
		DiscordToken:        os.Getenv("DISCORD_TOKEN"),
		BotPrefix:           envOr("BOT_PREFIX", command.DefaultPrefix),
		TelegramBotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramOperatorIDs: operators,
		SlackBotToken:       os.Getenv("SLACK_BOT_TOKEN"),
		SlackAuditChannel:   os.Getenv("SLACK_AUDIT_CHANNEL"),
		Image:               envOr("VPS_IMAGE", envOr("DEFAULT_IMAGE", lifecycle.DefaultImage)),
		DockerBin:           os.Getenv("DOCKER_BIN"),
		BuildContext:        os.Getenv("TELEVPS_BUILD_CONTEXT"),
		RestartPolicy:       envOr("TELEVPS_RESTART_POLICY", lifecycle.DefaultRestartPolicy),
		MarkerPath:          envOr("TELEVPS_MARKER_PATH", readiness.DefaultMarkerPath),
		ReadyTimeout:        envOrDuration("TELEVPS_READY_TIMEOUT", lifecycle.DefaultReadyTimeout),
		PollInterval:        envOrDuration("TELEVPS_POLL_INTERVAL", readiness.DefaultInterval),
		EnsureSession:       envOrBool("TELEVPS_ENSURE_SESSION", false),
		InstallCmd:          envOr("TELEVPS_INSTALL_CMD", readiness.DefaultInstallCmd),
		ConfirmTimeout:      envOrDuration("TELEVPS_CONFIRM_TIMEOUT", confirm.DefaultTimeout),
		ConfirmKeyword:      envOr("TELEVPS_CONFIRM_KEYWORD", confirm.DefaultKeyword),
		LaunchTimeout:       envOrDuration("TELEVPS_LAUNCH_TIMEOUT", 30*time.Second),
		OpTimeout:           envOrDuration("TELEVPS_OP_TIMEOUT", 60*time.Second),
		LogTail:             envOrInt("TELEVPS_LOG_TAIL", lifecycle.DefaultLogTail),
		LogMaxChars:         envOrInt("TELEVPS_LOG_MAX_CHARS", lifecycle.DefaultLogMaxChars),
	}

	return cfg, nil
}

// Validate checks that the configuration can run the server.
func (c *Config) Validate() error {
	if !c.DiscordEnabled() && !c.TelegramEnabled() {
		return fmt.Errorf("at least one of DISCORD_TOKEN or TELEGRAM_BOT_TOKEN is required")
	}
	if strings.TrimSpace(c.BotPrefix) == "" {
		return fmt.Errorf("BOT_PREFIX must not be blank")
	}
	if c.SlackBotToken != "" && c.SlackAuditChannel == "" {
		return fmt.Errorf("SLACK_AUDIT_CHANNEL is required when SLACK_BOT_TOKEN is set")
	}
	if c.ReadyTimeout <= 0 || c.ConfirmTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("timeouts and poll interval must be positive")
	}
	return nil
}

// DiscordEnabled returns true if the Discord bot is configured.
func (c *Config) DiscordEnabled() bool {
	return c.DiscordToken != ""
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// SlackEnabled returns true if Slack audit notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAuditChannel != ""
}

// Lifecycle returns the controller settings.
func (c *Config) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		Image:         c.Image,
		RestartPolicy: c.RestartPolicy,
		BuildContext:  c.BuildContext,
		ReadyTimeout:  c.ReadyTimeout,
		LogTail:       c.LogTail,
		LogMaxChars:   c.LogMaxChars,
	}
}

// ---------------------------------------------------------------------------
// Config file
// ---------------------------------------------------------------------------

// FilePath returns ~/.televps/config.env.
func FilePath() string {
	return filepath.Join(defaultDataDir(), "config.env")
}

// ReadFile reads key=value pairs from the config file. A missing file
// yields an empty map.
func ReadFile() (map[string]string, error) {
	values := make(map[string]string)
	f, err := os.Open(FilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if ok {
			values[key] = value
		}
	}
	return values, scanner.Err()
}

// WriteFile writes values to the config file. Keys listed in order come
// first, then any remaining keys sorted.
func WriteFile(values map[string]string, order []string) error {
	path := FilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# TeleVPS configuration")
	fmt.Fprintln(f, "# Managed by: televps config")
	fmt.Fprintln(f, "# Environment variables override these values.")
	fmt.Fprintln(f)

	written := make(map[string]bool)
	for _, k := range order {
		if v := values[k]; v != "" && !written[k] {
			fmt.Fprintf(f, "%s=%s\n", k, v)
			written[k] = true
		}
	}
	var extras []string
	for k, v := range values {
		if !written[k] && v != "" {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		fmt.Fprintf(f, "%s=%s\n", k, values[k])
	}
	return nil
}

// loadConfigFile sets values from the config file that are not already
// present in the environment.
func loadConfigFile() {
	values, err := ReadFile()
	if err != nil {
		return
	}
	for key, value := range values {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func parseIDs(s string) ([]uint64, error) {
	var ids []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".televps"
	}
	return filepath.Join(home, ".televps")
}
