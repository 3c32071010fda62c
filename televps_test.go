package televps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jxucoder/TeleVPS/internal/config"
	"github.com/jxucoder/TeleVPS/pkg/audit"
	"github.com/jxucoder/TeleVPS/pkg/command"
	"github.com/jxucoder/TeleVPS/pkg/engine/enginetest"
	"github.com/jxucoder/TeleVPS/pkg/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ServerAddr:     "127.0.0.1:0",
		DataDir:        dir,
		DatabasePath:   filepath.Join(dir, "televps.db"),
		APIToken:       "tok",
		BotPrefix:      "!",
		Image:          "img",
		RestartPolicy:  "always",
		MarkerPath:     "/tmp/tmate-ssh.txt",
		ReadyTimeout:   50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		ConfirmTimeout: time.Second,
		ConfirmKeyword: "confirm",
		LogTail:        120,
		LogMaxChars:    1800,
	}
}

type nopMessage struct{}

func (nopMessage) Edit(context.Context, string) error { return nil }

type recordingConversation struct{ replies []string }

func (c *recordingConversation) Reply(_ context.Context, text string) (command.Message, error) {
	c.replies = append(c.replies, text)
	return nopMessage{}, nil
}
func (c *recordingConversation) DirectMessage(context.Context, uint64, string) error { return nil }
func (c *recordingConversation) ResolveMember(context.Context, string) (model.Identity, error) {
	return model.Identity{}, model.ErrResolution
}

func TestBuild_WiresComponents(t *testing.T) {
	eng := enginetest.NewFake()
	reg := prometheus.NewRegistry()
	app, err := NewBuilder().
		WithConfig(testConfig(t)).
		WithEngine(eng).
		WithRegistry(reg).
		WithoutChannels().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()

	if len(app.Channels()) != 0 {
		t.Fatalf("expected no channels, got %d", len(app.Channels()))
	}
	if app.Router().Prefix() != "!" {
		t.Fatalf("prefix = %q", app.Router().Prefix())
	}

	c := eng.Add(enginetest.Container{Name: "vps_1_abcde", Image: "img", Labels: map[string]string{
		model.LabelOwnerID: "1", model.LabelOwnerTag: "one",
	}})
	conv := &recordingConversation{}
	app.Router().Handle(context.Background(), conv, command.Request{
		Platform:  "discord",
		ChannelID: "chan",
		Author:    model.Identity{ID: 9, Tag: "op"},
		Operator:  true,
		Text:      "!stop " + c.Name,
	})
	if len(conv.replies) == 0 || !strings.Contains(conv.replies[len(conv.replies)-1], "Stopped") {
		t.Fatalf("replies = %v", conv.replies)
	}

	entries, err := app.Journal().Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionStop || entries[0].ActorID != 9 {
		t.Fatalf("entries = %+v", entries)
	}

	w := httptest.NewRecorder()
	app.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), `televps_operations_total{op="stop",outcome="ok"} 1`) {
		t.Fatalf("operation not counted:\n%s", w.Body.String())
	}
}

func TestBuild_ConfiguresChannels(t *testing.T) {
	cfg := testConfig(t)
	cfg.DiscordToken = "discord-token"

	app, err := NewBuilder().
		WithConfig(cfg).
		WithEngine(enginetest.NewFake()).
		WithRegistry(prometheus.NewRegistry()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()

	if len(app.Channels()) != 1 || app.Channels()[0].Name() != "discord" {
		t.Fatalf("channels = %v", app.Channels())
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	app, err := NewBuilder().
		WithConfig(testConfig(t)).
		WithEngine(enginetest.NewFake()).
		WithRegistry(prometheus.NewRegistry()).
		WithoutChannels().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

type stubChannel struct {
	name string
	ran  chan string
}

func (c *stubChannel) Name() string { return c.name }

func (c *stubChannel) Run(ctx context.Context) error {
	c.ran <- c.name
	<-ctx.Done()
	return nil
}

func TestStart_RunsEveryChannel(t *testing.T) {
	ran := make(chan string, 2)
	app, err := NewBuilder().
		WithConfig(testConfig(t)).
		WithEngine(enginetest.NewFake()).
		WithRegistry(prometheus.NewRegistry()).
		WithoutChannels().
		WithChannel(&stubChannel{name: "first", ran: ran}).
		WithChannel(&stubChannel{name: "second", ran: ran}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Start(ctx) }()

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case name := <-ran:
			seen[name] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("channels started: %v", seen)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !seen["first"] || !seen["second"] {
		t.Fatalf("channels started: %v", seen)
	}
}
