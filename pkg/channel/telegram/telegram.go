// Package telegram provides a Telegram bot channel for TeleVPS.
package telegram

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jxucoder/TeleVPS/pkg/channel"
	"github.com/jxucoder/TeleVPS/pkg/command"
	"github.com/jxucoder/TeleVPS/pkg/model"
)

// Platform is the platform name used in channel keys and audit entries.
const Platform = "telegram"

// Prefix is the Telegram command prefix.
const Prefix = "/"

// botAPI is the subset of *tgbotapi.BotAPI used to talk back to Telegram.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
}

// Bot is the Telegram bot for TeleVPS.
type Bot struct {
	api       *tgbotapi.BotAPI
	client    botAPI
	router    *command.Router
	operators map[uint64]bool
}

// NewBot creates a new Telegram bot. Users in operatorIDs are operators in
// every chat, including private ones; elsewhere chat administrators are.
func NewBot(token string, router *command.Router, operatorIDs []uint64) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}

	log.Printf("Telegram bot authorized as @%s", api.Self.UserName)

	return newBot(api, api, router, operatorIDs), nil
}

func newBot(api *tgbotapi.BotAPI, client botAPI, router *command.Router, operatorIDs []uint64) *Bot {
	ops := make(map[uint64]bool, len(operatorIDs))
	for _, id := range operatorIDs {
		ops[id] = true
	}
	return &Bot{api: api, client: client, router: router, operators: ops}
}

// Name returns the channel name.
func (b *Bot) Name() string { return Platform }

// Run starts the long-polling loop. Blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	log.Println("Telegram bot listening for messages...")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.From == nil || msg.Chat == nil {
		return
	}

	// Telegram clients send /start on first contact.
	if cmd, _, _ := strings.Cut(text, " "); text == cmd && (cmd == "/start" || strings.HasPrefix(cmd, "/start@")) {
		text = "/help"
	}

	req := command.Request{
		Platform:  Platform,
		ChannelID: strconv.FormatInt(msg.Chat.ID, 10),
		Author:    identity(msg.From),
		Text:      text,
		Mentions:  mentions(msg),
		Prefix:    Prefix,
	}
	if strings.HasPrefix(text, Prefix) {
		req.Operator = b.isOperator(msg)
	}

	b.router.Handle(ctx, &conversation{client: b.client, chatID: msg.Chat.ID, replyTo: msg.MessageID}, req)
}

func (b *Bot) isOperator(msg *tgbotapi.Message) bool {
	if b.operators[uint64(msg.From.ID)] {
		return true
	}
	if msg.Chat.IsPrivate() {
		return false
	}
	member, err := b.client.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: msg.Chat.ID, UserID: msg.From.ID},
	})
	if err != nil {
		log.Printf("Telegram: chat member lookup for %d failed: %v", msg.From.ID, err)
		return false
	}
	return member.IsCreator() || member.IsAdministrator()
}

// mentions returns the author of the replied-to message, then users
// mentioned by text_mention entities. Plain @username mentions carry no
// user ID and cannot be resolved by a bot.
func mentions(msg *tgbotapi.Message) []model.Identity {
	var out []model.Identity
	if r := msg.ReplyToMessage; r != nil && r.From != nil && !r.From.IsBot {
		out = append(out, identity(r.From))
	}
	for _, e := range msg.Entities {
		if e.Type == "text_mention" && e.User != nil {
			out = append(out, identity(e.User))
		}
	}
	return out
}

func identity(u *tgbotapi.User) model.Identity {
	if u == nil || u.ID <= 0 {
		return model.Identity{}
	}
	tag := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if u.UserName != "" {
		tag = "@" + u.UserName
	}
	return model.Identity{ID: uint64(u.ID), Tag: tag}
}

// conversation replies to a single Telegram message.
type conversation struct {
	client  botAPI
	chatID  int64
	replyTo int
}

type sentMessage struct {
	client botAPI
	chatID int64
	id     int
}

func (m *sentMessage) Edit(_ context.Context, text string) error {
	edit := tgbotapi.NewEditMessageText(m.chatID, m.id, toMarkdown(text))
	edit.ParseMode = tgbotapi.ModeMarkdown
	if _, err := m.client.Send(edit); err != nil {
		edit.ParseMode = ""
		edit.Text = plain(text)
		_, err = m.client.Send(edit)
		return err
	}
	return nil
}

func (c *conversation) Reply(_ context.Context, text string) (command.Message, error) {
	sent, err := send(c.client, c.chatID, c.replyTo, text)
	if err != nil {
		return nil, err
	}
	return &sentMessage{client: c.client, chatID: c.chatID, id: sent.MessageID}, nil
}

func (c *conversation) DirectMessage(_ context.Context, userID uint64, text string) error {
	if _, err := send(c.client, int64(userID), 0, text); err != nil {
		return fmt.Errorf("sending DM (the user must start a chat with the bot first): %w", err)
	}
	return nil
}

func (c *conversation) ResolveMember(context.Context, string) (model.Identity, error) {
	return model.Identity{}, fmt.Errorf("%w: reply to one of their messages instead", model.ErrResolution)
}

// send posts text with Markdown formatting, falling back to plain text when
// Telegram rejects the markup.
func send(client botAPI, chatID int64, replyTo int, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, toMarkdown(text))
	msg.ReplyToMessageID = replyTo
	msg.ParseMode = tgbotapi.ModeMarkdown

	sent, err := client.Send(msg)
	if err != nil {
		log.Printf("Telegram: failed to send message: %v", err)
		msg.ParseMode = ""
		msg.Text = plain(text)
		return client.Send(msg)
	}
	return sent, nil
}

// toMarkdown converts the router's **bold** to Telegram's legacy *bold*.
func toMarkdown(s string) string {
	return strings.ReplaceAll(s, "**", "*")
}

func plain(s string) string {
	return strings.ReplaceAll(s, "**", "")
}

var _ channel.Channel = (*Bot)(nil)
