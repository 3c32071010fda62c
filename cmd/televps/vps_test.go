package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/jxucoder/TeleVPS"
	"github.com/jxucoder/TeleVPS/internal/config"
	"github.com/jxucoder/TeleVPS/pkg/audit"
	"github.com/jxucoder/TeleVPS/pkg/engine/enginetest"
	"github.com/jxucoder/TeleVPS/pkg/model"
)

var sample = []model.VPS{
	{ContainerID: "cid0001", Name: "vps_42_abcde", OwnerID: 42, OwnerTag: "alice", Image: "img", Status: "Up 2 hours"},
}

func TestRenderVPS_Table(t *testing.T) {
	var buf bytes.Buffer
	if err := renderVPS(&buf, "table", sample); err != nil {
		t.Fatalf("renderVPS: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "NAME") || !strings.Contains(out, "vps_42_abcde") || !strings.Contains(out, "Up 2 hours") {
		t.Fatalf("table output:\n%s", out)
	}

	buf.Reset()
	renderVPS(&buf, "", nil)
	if buf.String() != "No VPS containers found.\n" {
		t.Fatalf("empty table = %q", buf.String())
	}
}

func TestRenderVPS_JSONAndYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := renderVPS(&buf, "json", sample); err != nil {
		t.Fatalf("renderVPS json: %v", err)
	}
	var decoded []model.VPS
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded[0].OwnerID != 42 {
		t.Fatalf("json = %s (%v)", buf.String(), err)
	}

	buf.Reset()
	if err := renderVPS(&buf, "yaml", sample); err != nil {
		t.Fatalf("renderVPS yaml: %v", err)
	}
	var fromYAML []map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if fromYAML[0]["owner_tag"] != "alice" {
		t.Fatalf("yaml = %s", buf.String())
	}

	buf.Reset()
	if err := renderVPS(&buf, "json", nil); err != nil || strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("empty json = %q", buf.String())
	}

	if err := renderVPS(&buf, "xml", sample); err == nil {
		t.Fatal("unknown format should fail")
	}
}

func TestRenderHistory(t *testing.T) {
	entries := []*audit.Entry{{
		Action:    audit.ActionDestroy,
		Target:    "vps_42_abcde",
		Platform:  "discord",
		ActorTag:  "op",
		Outcome:   audit.OutcomeExpired,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}

	var buf bytes.Buffer
	if err := renderHistory(&buf, "table", entries); err != nil {
		t.Fatalf("renderHistory: %v", err)
	}
	if !strings.Contains(buf.String(), "expired") || !strings.Contains(buf.String(), "discord") {
		t.Fatalf("table:\n%s", buf.String())
	}

	buf.Reset()
	if err := renderHistory(&buf, "yaml", entries); err != nil {
		t.Fatalf("renderHistory yaml: %v", err)
	}
	if !strings.Contains(buf.String(), "action: destroy") {
		t.Fatalf("yaml:\n%s", buf.String())
	}
}

func TestPlainText(t *testing.T) {
	got := plainText("✅ VPS `vps_1` created for **alice**.")
	if got != "✅ VPS vps_1 created for alice." {
		t.Fatalf("plainText = %q", got)
	}
	if got := plainText("```\nline\n```"); got != "line" {
		t.Fatalf("plainText code block = %q", got)
	}
}

func TestConfigHelpers(t *testing.T) {
	if maskSecret("short") != "*****" {
		t.Fatalf("maskSecret short = %q", maskSecret("short"))
	}
	if got := maskSecret("abcd12345678wxyz"); got != "abcd********wxyz" {
		t.Fatalf("maskSecret = %q", got)
	}
	if !validIDList("1, 22,333") || validIDList("1,,2") || validIDList("bob") {
		t.Fatal("validIDList mismatch")
	}
	if findKey("SLACK_BOT_TOKEN").Prefix != "xoxb-" || !findKey("DISCORD_TOKEN").Secret {
		t.Fatal("findKey mismatch")
	}
	if order := configKeyOrder(); order[0] != "DISCORD_TOKEN" || len(order) != len(allConfigKeys) {
		t.Fatalf("configKeyOrder = %v", order)
	}
}

func newLocalApp(t *testing.T, eng *enginetest.Fake) *televps.App {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DatabasePath:   filepath.Join(dir, "televps.db"),
		BotPrefix:      "!",
		Image:          "img",
		MarkerPath:     "/tmp/tmate-ssh.txt",
		ReadyTimeout:   50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		ConfirmTimeout: 2 * time.Second,
		ConfirmKeyword: "confirm",
	}
	app, err := televps.NewBuilder().
		WithConfig(cfg).
		WithEngine(eng).
		WithRegistry(prometheus.NewRegistry()).
		WithoutChannels().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app
}

func TestDestroy_ConfirmedFromInput(t *testing.T) {
	eng := enginetest.NewFake()
	c := eng.Add(enginetest.Container{Name: "vps_42_abcde", Image: "img"})
	app := newLocalApp(t, eng)

	var out bytes.Buffer
	term := &terminal{w: &out}
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.Router().Handle(ctx, term, terminalCommand("destroy "+c.Name))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !app.Gate().IsPending(c.ID) {
		if time.Now().After(deadline) {
			t.Fatal("confirmation never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	feedInput(ctx, app, term, strings.NewReader("\nConfirm\n"), done)

	if eng.Get(c.Name) != nil {
		t.Fatal("container should be removed")
	}
	if !strings.Contains(out.String(), "Destroyed.") {
		t.Fatalf("output:\n%s", out.String())
	}
	entries, _ := app.Journal().Recent(ctx, 1)
	if len(entries) != 1 || entries[0].Platform != cliPlatform || entries[0].Outcome != audit.OutcomeOK {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestSimpleCommandThroughTerminal(t *testing.T) {
	eng := enginetest.NewFake()
	c := eng.Add(enginetest.Container{Name: "vps_42_abcde", Image: "img"})
	app := newLocalApp(t, eng)

	var out bytes.Buffer
	app.Router().Handle(context.Background(), &terminal{w: &out}, terminalCommand("stop "+c.Name))
	if !strings.Contains(out.String(), "Stopped.") {
		t.Fatalf("output = %q", out.String())
	}
	if !strings.HasPrefix(eng.Get(c.Name).Status, "Exited") {
		t.Fatalf("status = %q", eng.Get(c.Name).Status)
	}
}
