// Package slack posts audit entries to a Slack channel.
package slack

import (
	"context"
	"fmt"
	"log"

	"github.com/slack-go/slack"

	"github.com/jxucoder/TeleVPS/pkg/audit"
)

// Notifier posts one message per audit entry.
type Notifier struct {
	api     *slack.Client
	channel string
}

// New creates a Notifier. Extra options are passed to the Slack client.
func New(botToken, channel string, opts ...slack.Option) *Notifier {
	return &Notifier{
		api:     slack.New(botToken, opts...),
		channel: channel,
	}
}

// Notify posts e to the configured channel.
func (n *Notifier) Notify(ctx context.Context, e *audit.Entry) error {
	header := slack.NewTextBlockObject(slack.MarkdownType,
		fmt.Sprintf("%s *%s* `%s` — %s", outcomeEmoji(e.Outcome), e.Action, e.Target, e.Outcome),
		false, false)
	blocks := []slack.Block{slack.NewSectionBlock(header, nil, nil)}

	ctxText := fmt.Sprintf("by %s (%d) via %s", e.ActorTag, e.ActorID, e.Platform)
	if e.Detail != "" {
		ctxText += " | " + e.Detail
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, ctxText, false, false)))

	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fmt.Sprintf("%s %s: %s", e.Action, e.Target, e.Outcome), false),
	)
	if err != nil {
		log.Printf("Slack: failed to post audit entry to %s: %v", n.channel, err)
		return fmt.Errorf("posting to slack: %w", err)
	}
	return nil
}

func outcomeEmoji(outcome string) string {
	switch outcome {
	case audit.OutcomeOK:
		return ":white_check_mark:"
	case audit.OutcomeExpired:
		return ":hourglass:"
	default:
		return ":warning:"
	}
}

var _ audit.Notifier = (*Notifier)(nil)
