package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jxucoder/TeleVPS/internal/config"
)

// clearConfigEnv unsets all environment variables that Load reads and points
// HOME at a temp dir so a real ~/.televps/config.env never leaks in.
func clearConfigEnv(t *testing.T) string {
	t.Helper()
	for _, key := range []string{
		"TELEVPS_ADDR",
		"TELEVPS_DATA_DIR",
		"TELEVPS_JOBS_DIR",
		"TELEVPS_API_TOKEN",
		"DISCORD_TOKEN",
		"BOT_PREFIX",
		"VPS_IMAGE",
		"DEFAULT_IMAGE",
		"DOCKER_BIN",
		"TELEVPS_BUILD_CONTEXT",
		"TELEVPS_RESTART_POLICY",
		"TELEVPS_MARKER_PATH",
		"TELEVPS_READY_TIMEOUT",
		"TELEVPS_POLL_INTERVAL",
		"TELEVPS_CONFIRM_TIMEOUT",
		"TELEVPS_CONFIRM_KEYWORD",
		"TELEVPS_LAUNCH_TIMEOUT",
		"TELEVPS_OP_TIMEOUT",
		"TELEVPS_LOG_TAIL",
		"TELEVPS_LOG_MAX_CHARS",
		"TELEVPS_ENSURE_SESSION",
		"TELEVPS_INSTALL_CMD",
		"TELEGRAM_BOT_TOKEN",
		"TELEGRAM_OPERATOR_IDS",
		"SLACK_BOT_TOKEN",
		"SLACK_AUDIT_CHANNEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoad_Defaults(t *testing.T) {
	home := clearConfigEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	wantDir := filepath.Join(home, ".televps")
	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"ServerAddr", cfg.ServerAddr, ":7090"},
		{"DataDir", cfg.DataDir, wantDir},
		{"DatabasePath", cfg.DatabasePath, filepath.Join(wantDir, "televps.db")},
		{"JobsDir", cfg.JobsDir, filepath.Join(wantDir, "jobs")},
		{"BotPrefix", cfg.BotPrefix, "!"},
		{"Image", cfg.Image, "ubuntu-22.04-with-tmate"},
		{"RestartPolicy", cfg.RestartPolicy, "always"},
		{"MarkerPath", cfg.MarkerPath, "/tmp/tmate-ssh.txt"},
		{"ConfirmKeyword", cfg.ConfirmKeyword, "confirm"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
	if cfg.ReadyTimeout != 120*time.Second {
		t.Errorf("ReadyTimeout = %v, want 120s", cfg.ReadyTimeout)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.ConfirmTimeout != 20*time.Second {
		t.Errorf("ConfirmTimeout = %v, want 20s", cfg.ConfirmTimeout)
	}
	if cfg.LogTail != 120 || cfg.LogMaxChars != 1800 {
		t.Errorf("log defaults = %d/%d, want 120/1800", cfg.LogTail, cfg.LogMaxChars)
	}
	if cfg.EnsureSession {
		t.Error("EnsureSession should default to false")
	}
	if cfg.DiscordEnabled() || cfg.TelegramEnabled() || cfg.SlackEnabled() {
		t.Error("no transport should be enabled by default")
	}
}

func TestLoad_CustomEnvVars(t *testing.T) {
	clearConfigEnv(t)
	tmpDir := t.TempDir()

	t.Setenv("TELEVPS_ADDR", ":9090")
	t.Setenv("TELEVPS_DATA_DIR", tmpDir)
	t.Setenv("DISCORD_TOKEN", "discord-token")
	t.Setenv("BOT_PREFIX", "?")
	t.Setenv("VPS_IMAGE", "my-vps:latest")
	t.Setenv("TELEVPS_READY_TIMEOUT", "45s")
	t.Setenv("TELEVPS_ENSURE_SESSION", "true")
	t.Setenv("TELEVPS_LOG_TAIL", "50")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123456:ABC")
	t.Setenv("TELEGRAM_OPERATOR_IDS", "11, 22")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_AUDIT_CHANNEL", "C123")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerAddr != ":9090" || cfg.DataDir != tmpDir {
		t.Errorf("addr/dir = %q/%q", cfg.ServerAddr, cfg.DataDir)
	}
	if cfg.DatabasePath != filepath.Join(tmpDir, "televps.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.BotPrefix != "?" || cfg.Image != "my-vps:latest" {
		t.Errorf("prefix/image = %q/%q", cfg.BotPrefix, cfg.Image)
	}
	if cfg.ReadyTimeout != 45*time.Second || !cfg.EnsureSession || cfg.LogTail != 50 {
		t.Errorf("ready=%v ensure=%v tail=%d", cfg.ReadyTimeout, cfg.EnsureSession, cfg.LogTail)
	}
	if len(cfg.TelegramOperatorIDs) != 2 || cfg.TelegramOperatorIDs[1] != 22 {
		t.Errorf("TelegramOperatorIDs = %v", cfg.TelegramOperatorIDs)
	}
	if !cfg.DiscordEnabled() || !cfg.TelegramEnabled() || !cfg.SlackEnabled() {
		t.Error("all transports should be enabled")
	}
}

func TestLoad_DefaultImageFallback(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TELEVPS_DATA_DIR", t.TempDir())
	t.Setenv("DEFAULT_IMAGE", "legacy-image")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.Image != "legacy-image" {
		t.Errorf("Image = %q, want DEFAULT_IMAGE fallback", cfg.Image)
	}

	t.Setenv("VPS_IMAGE", "preferred")
	cfg, _ = config.Load()
	if cfg.Image != "preferred" {
		t.Errorf("Image = %q, VPS_IMAGE should win", cfg.Image)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TELEVPS_DATA_DIR", t.TempDir())
	t.Setenv("TELEVPS_READY_TIMEOUT", "soon")
	t.Setenv("TELEVPS_LOG_TAIL", "many")
	t.Setenv("TELEVPS_ENSURE_SESSION", "perhaps")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.ReadyTimeout != 120*time.Second || cfg.LogTail != 120 || cfg.EnsureSession {
		t.Errorf("invalid values should fall back: %v %d %v", cfg.ReadyTimeout, cfg.LogTail, cfg.EnsureSession)
	}
}

func TestLoad_InvalidOperatorIDs(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TELEVPS_DATA_DIR", t.TempDir())
	t.Setenv("TELEGRAM_OPERATOR_IDS", "11,bob")

	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "bob") {
		t.Fatalf("expected invalid id error, got %v", err)
	}
}

func TestLoad_CreatesDataDir(t *testing.T) {
	clearConfigEnv(t)

	nested := filepath.Join(t.TempDir(), "a", "b", "c")
	t.Setenv("TELEVPS_DATA_DIR", nested)

	if _, err := config.Load(); err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	info, err := os.Stat(nested)
	if err != nil {
		t.Fatalf("data dir was not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("data dir path exists but is not a directory")
	}
}

// ---------------------------------------------------------------------------
// Config file
// ---------------------------------------------------------------------------

func TestLoad_ConfigFileUnderEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TELEVPS_DATA_DIR", t.TempDir())

	err := config.WriteFile(map[string]string{
		"DISCORD_TOKEN": "from-file",
		"BOT_PREFIX":    "$",
	}, []string{"DISCORD_TOKEN"})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("DISCORD_TOKEN")
		os.Unsetenv("BOT_PREFIX")
	})
	t.Setenv("BOT_PREFIX", "%")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.DiscordToken != "from-file" {
		t.Errorf("DiscordToken = %q, want value from file", cfg.DiscordToken)
	}
	if cfg.BotPrefix != "%" {
		t.Errorf("BotPrefix = %q, env should win over file", cfg.BotPrefix)
	}
}

func TestReadWriteFile(t *testing.T) {
	home := clearConfigEnv(t)

	values, err := config.ReadFile()
	if err != nil || len(values) != 0 {
		t.Fatalf("missing file should read as empty: %v %v", values, err)
	}

	err = config.WriteFile(map[string]string{
		"ZETA":          "z",
		"DISCORD_TOKEN": "tok",
		"EMPTY":         "",
		"ALPHA":         "a=b",
	}, []string{"DISCORD_TOKEN"})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if config.FilePath() != filepath.Join(home, ".televps", "config.env") {
		t.Fatalf("FilePath = %q", config.FilePath())
	}

	raw, _ := os.ReadFile(config.FilePath())
	body := string(raw)
	if strings.Index(body, "DISCORD_TOKEN=") > strings.Index(body, "ALPHA=") {
		t.Errorf("ordered keys should come first:\n%s", body)
	}
	if strings.Index(body, "ALPHA=") > strings.Index(body, "ZETA=") {
		t.Errorf("extra keys should be sorted:\n%s", body)
	}
	if strings.Contains(body, "EMPTY") {
		t.Errorf("empty values should be skipped:\n%s", body)
	}

	values, err = config.ReadFile()
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if values["ALPHA"] != "a=b" || values["DISCORD_TOKEN"] != "tok" {
		t.Fatalf("values = %v", values)
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func validConfig() *config.Config {
	return &config.Config{
		DiscordToken:   "tok",
		BotPrefix:      "!",
		ReadyTimeout:   time.Minute,
		ConfirmTimeout: time.Second,
		PollInterval:   time.Second,
	}
}

func TestValidate_RequiresTransport(t *testing.T) {
	cfg := validConfig()
	cfg.DiscordToken = ""

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DISCORD_TOKEN") {
		t.Fatalf("expected transport error, got %v", err)
	}

	cfg.TelegramBotToken = "123:abc"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Telegram alone should be valid: %v", err)
	}
}

func TestValidate_SlackNeedsChannel(t *testing.T) {
	cfg := validConfig()
	cfg.SlackBotToken = "xoxb-test"

	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "SLACK_AUDIT_CHANNEL") {
		t.Fatalf("expected channel error, got %v", err)
	}
	if cfg.SlackEnabled() {
		t.Error("SlackEnabled() should need a channel")
	}
}

func TestValidate_BlankPrefixAndTimeouts(t *testing.T) {
	cfg := validConfig()
	cfg.BotPrefix = "  "
	if err := cfg.Validate(); err == nil {
		t.Error("blank prefix should be rejected")
	}

	cfg = validConfig()
	cfg.ConfirmTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero confirm timeout should be rejected")
	}
}

func TestLifecycle(t *testing.T) {
	cfg := validConfig()
	cfg.Image = "img"
	cfg.RestartPolicy = "unless-stopped"
	cfg.LogTail = 7

	lc := cfg.Lifecycle()
	if lc.Image != "img" || lc.RestartPolicy != "unless-stopped" || lc.LogTail != 7 || lc.ReadyTimeout != time.Minute {
		t.Fatalf("Lifecycle() = %+v", lc)
	}
}
