// Package discord provides the Discord channel for TeleVPS.
package discord

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/jxucoder/TeleVPS/pkg/channel"
	"github.com/jxucoder/TeleVPS/pkg/command"
	"github.com/jxucoder/TeleVPS/pkg/model"
)

// Platform is the platform name used in channel keys and audit entries.
const Platform = "discord"

// operatorPerms grants the operator role.
const operatorPerms = discordgo.PermissionManageServer | discordgo.PermissionAdministrator

// api is the subset of *discordgo.Session used to talk back to Discord.
type api interface {
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildMembersSearch(guildID, query string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

// Bot is the Discord bot for TeleVPS.
type Bot struct {
	session *discordgo.Session
	router  *command.Router
}

// NewBot creates a new Discord bot. The connection is opened by Run.
func NewBot(token string, router *command.Router) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating Discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Bot{session: s, router: router}, nil
}

// Name returns the channel name.
func (b *Bot) Name() string { return Platform }

// Run connects to the gateway and handles messages. Blocks until ctx is
// canceled.
func (b *Bot) Run(ctx context.Context) error {
	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		log.Printf("Discord bot logged in as %s", tag(r.User))
		if err := s.UpdateGameStatus(0, presence(b.router.Prefix())); err != nil {
			log.Printf("Discord: failed to set presence: %v", err)
		}
	})
	b.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		go b.handleMessage(ctx, s, m)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("opening Discord connection: %w", err)
	}
	log.Println("Discord bot listening for messages...")

	<-ctx.Done()
	return b.session.Close()
}

func (b *Bot) handleMessage(ctx context.Context, s api, m *discordgo.MessageCreate) {
	author, ok := identity(m.Author)
	if !ok {
		return
	}

	req := command.Request{
		Platform:  Platform,
		ChannelID: m.ChannelID,
		Author:    author,
		Text:      m.Content,
	}
	for _, u := range m.Mentions {
		if id, ok := identity(u); ok {
			req.Mentions = append(req.Mentions, id)
		}
	}
	if b.router.IsCommand(m.Content) {
		req.Operator = isOperator(s, m)
	}

	b.router.Handle(ctx, &conversation{api: s, msg: m.Message}, req)
}

// isOperator reports whether the author may manage the server from this
// channel. Direct messages never grant the role.
func isOperator(s api, m *discordgo.MessageCreate) bool {
	if m.GuildID == "" {
		return false
	}
	perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		log.Printf("Discord: permission lookup for %s failed: %v", m.Author.ID, err)
		return false
	}
	return perms&operatorPerms != 0
}

// identity converts a Discord user into an owner identity.
func identity(u *discordgo.User) (model.Identity, bool) {
	if u == nil {
		return model.Identity{}, false
	}
	id, err := strconv.ParseUint(u.ID, 10, 64)
	if err != nil || id == 0 {
		return model.Identity{}, false
	}
	return model.Identity{ID: id, Tag: tag(u)}, true
}

// tag renders a user as "name" or, for legacy accounts, "name#1234".
func tag(u *discordgo.User) string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

func presence(prefix string) string {
	return prefix + "help • TeleVPS"
}

// conversation replies to a single Discord message.
type conversation struct {
	api api
	msg *discordgo.Message
}

type sentMessage struct {
	api       api
	channelID string
	id        string
}

func (m *sentMessage) Edit(_ context.Context, text string) error {
	_, err := m.api.ChannelMessageEdit(m.channelID, m.id, text)
	return err
}

func (c *conversation) Reply(_ context.Context, text string) (command.Message, error) {
	sent, err := c.api.ChannelMessageSendReply(c.msg.ChannelID, text, c.msg.Reference())
	if err != nil {
		return nil, err
	}
	return &sentMessage{api: c.api, channelID: sent.ChannelID, id: sent.ID}, nil
}

func (c *conversation) DirectMessage(_ context.Context, userID uint64, text string) error {
	ch, err := c.api.UserChannelCreate(strconv.FormatUint(userID, 10))
	if err != nil {
		return fmt.Errorf("opening DM channel: %w", err)
	}
	if _, err := c.api.ChannelMessageSend(ch.ID, text); err != nil {
		return fmt.Errorf("sending DM: %w", err)
	}
	return nil
}

// ResolveMember matches query exactly (ignoring case) against usernames,
// global names, nicknames and tags of the guild the message came from. A
// query matching no member, or more than one, is a resolution failure.
func (c *conversation) ResolveMember(_ context.Context, query string) (model.Identity, error) {
	if c.msg.GuildID == "" {
		return model.Identity{}, fmt.Errorf("%w: not in a server", model.ErrResolution)
	}
	query = strings.TrimSpace(query)
	members, err := c.api.GuildMembersSearch(c.msg.GuildID, query, 10)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", model.ErrResolution, err)
	}

	var found *model.Identity
	for _, mem := range members {
		if mem.User == nil || !matchesMember(mem, query) {
			continue
		}
		id, ok := identity(mem.User)
		if !ok {
			continue
		}
		if found != nil && found.ID != id.ID {
			return model.Identity{}, fmt.Errorf("%w: %q matches more than one member", model.ErrResolution, query)
		}
		found = &id
	}
	if found == nil {
		return model.Identity{}, fmt.Errorf("%w: no member named %q", model.ErrResolution, query)
	}
	return *found, nil
}

func matchesMember(mem *discordgo.Member, query string) bool {
	for _, name := range []string{mem.User.Username, mem.User.GlobalName, mem.Nick, tag(mem.User)} {
		if name != "" && strings.EqualFold(name, query) {
			return true
		}
	}
	return false
}

var _ channel.Channel = (*Bot)(nil)
