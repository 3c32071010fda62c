package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/jxucoder/TeleVPS/pkg/command"
	"github.com/jxucoder/TeleVPS/pkg/model"
)

// Platform and channel used for commands run from the terminal.
const (
	cliPlatform = "cli"
	cliChannel  = "terminal"
)

// localOperator returns the identity recorded for terminal actions.
func localOperator() model.Identity {
	tag := envOr("USER", "local")
	return model.Identity{ID: 1, Tag: cliPlatform + ":" + tag}
}

// terminal is a command.Conversation that prints to w. Edits print the
// new text on a fresh line.
type terminal struct {
	mu sync.Mutex
	w  io.Writer
}

type terminalMessage struct{ t *terminal }

func (m terminalMessage) Edit(_ context.Context, text string) error {
	m.t.print(text)
	return nil
}

func (t *terminal) print(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, plainText(text))
}

func (t *terminal) Reply(_ context.Context, text string) (command.Message, error) {
	t.print(text)
	return terminalMessage{t: t}, nil
}

func (t *terminal) DirectMessage(_ context.Context, userID uint64, text string) error {
	t.print(fmt.Sprintf("📨 Message for user %d:\n%s", userID, text))
	return nil
}

func (t *terminal) ResolveMember(context.Context, string) (model.Identity, error) {
	return model.Identity{}, model.ErrResolution
}

// plainText drops chat markup.
func plainText(s string) string {
	return strings.NewReplacer("**", "", "```\n", "", "\n```", "", "`", "").Replace(s)
}

// terminalCommand builds the request for a command line without prefix.
func terminalCommand(line string, mentions ...model.Identity) command.Request {
	return terminalRequest(command.DefaultPrefix+line, mentions...)
}

// terminalRequest wraps raw input typed by the local operator.
func terminalRequest(text string, mentions ...model.Identity) command.Request {
	return command.Request{
		Platform:  cliPlatform,
		ChannelID: cliChannel,
		Author:    localOperator(),
		Operator:  true,
		Text:      text,
		Mentions:  mentions,
		Prefix:    command.DefaultPrefix,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
