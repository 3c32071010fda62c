// Package command implements the chat command surface shared by every chat
// platform. Platforms translate their events into a Request and provide a
// Conversation to reply through.
package command

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jxucoder/TeleVPS/pkg/audit"
	"github.com/jxucoder/TeleVPS/pkg/confirm"
	"github.com/jxucoder/TeleVPS/pkg/eventbus"
	"github.com/jxucoder/TeleVPS/pkg/lifecycle"
	"github.com/jxucoder/TeleVPS/pkg/model"
)

// DefaultPrefix is the command prefix used when none is configured.
const DefaultPrefix = "!"

// historyLimit is how many audit entries the history command shows.
const historyLimit = 15

// maxReply keeps replies inside the smallest platform message limit.
const maxReply = 1900

// logFrame is the code block wrapped around log output.
const logFrame = "```\n\n```"

// Message is a reply that can be edited in place to report progress.
type Message interface {
	Edit(ctx context.Context, text string) error
}

// Conversation is the platform side of a single inbound command.
type Conversation interface {
	// Reply posts text in the channel the command came from.
	Reply(ctx context.Context, text string) (Message, error)
	// DirectMessage sends text privately to a user.
	DirectMessage(ctx context.Context, userID uint64, text string) error
	// ResolveMember finds a user of the current community by name.
	ResolveMember(ctx context.Context, query string) (model.Identity, error)
}

// Request is an inbound chat message.
type Request struct {
	Platform  string
	ChannelID string
	Author    model.Identity
	// Operator is set by the platform when the author holds the management
	// permission for this channel.
	Operator bool
	Text     string
	// Mentions lists the users mentioned in the message, in order.
	Mentions []model.Identity
	// Prefix overrides the router prefix for platforms with their own
	// command syntax.
	Prefix string
}

// Controller is the lifecycle surface used by commands.
type Controller interface {
	Provision(ctx context.Context, req lifecycle.ProvisionRequest) (*lifecycle.Provisioned, error)
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string) error
	Restart(ctx context.Context, ref string) error
	Logs(ctx context.Context, ref string, tail, maxChars int) (string, error)
	Destroy(ctx context.Context, ref string, approval *confirm.Approval) error
	Resolve(ctx context.Context, ref string) (string, error)
	Link(ctx context.Context, ref string) (string, error)
	List(ctx context.Context) ([]model.VPS, error)
	ListOwned(ctx context.Context, ownerID uint64) ([]model.VPS, error)
}

// Journal records actions and lists recent ones.
type Journal interface {
	Record(ctx context.Context, e *audit.Entry) error
	Recent(ctx context.Context, limit int) ([]*audit.Entry, error)
}

type handler struct {
	operator bool
	usage    string
	run      func(r *Router, ctx context.Context, conv Conversation, req Request, args []string)
}

var handlers = map[string]handler{
	"help":    {run: (*Router).help},
	"ping":    {run: (*Router).ping},
	"create":  {operator: true, usage: "create <@user|name>", run: (*Router).create},
	"list":    {run: (*Router).list},
	"mine":    {run: (*Router).mine},
	"ssh":     {usage: "ssh <container>", run: (*Router).ssh},
	"start":   {operator: true, usage: "start <container>", run: (*Router).start},
	"stop":    {operator: true, usage: "stop <container>", run: (*Router).stop},
	"restart": {operator: true, usage: "restart <container>", run: (*Router).restart},
	"logs":    {usage: "logs <container> [lines]", run: (*Router).logs},
	"destroy": {operator: true, usage: "destroy <container>", run: (*Router).destroy},
	"history": {operator: true, run: (*Router).history},
}

var aliases = map[string]string{
	"kvm-help":    "help",
	"create-vps":  "create",
	"kvm-list":    "list",
	"kvm-ssh":     "ssh",
	"kvm-start":   "start",
	"kvm-stop":    "stop",
	"kvm-restart": "restart",
	"kvm-logs":    "logs",
	"kvm-destroy": "destroy",
}

// Router parses commands and runs them against the controller.
type Router struct {
	prefix  string
	ctrl    Controller
	gate    *confirm.Gate
	bus     eventbus.Bus
	journal Journal
}

// Option configures a Router.
type Option func(*Router)

// WithPrefix sets the command prefix.
func WithPrefix(prefix string) Option {
	return func(r *Router) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithJournal records every lifecycle action to j.
func WithJournal(j Journal) Option {
	return func(r *Router) { r.journal = j }
}

// NewRouter creates a Router. Non-command messages are published to bus,
// where the gate picks up confirmations.
func NewRouter(ctrl Controller, gate *confirm.Gate, bus eventbus.Bus, opts ...Option) *Router {
	r := &Router{prefix: DefaultPrefix, ctrl: ctrl, gate: gate, bus: bus}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prefix returns the command prefix.
func (r *Router) Prefix() string { return r.prefix }

// IsCommand reports whether text would be handled as a command.
func (r *Router) IsCommand(text string) bool {
	_, _, ok := r.parse(r.prefix, text)
	return ok
}

// Handle processes one inbound message. It blocks for as long as the
// command runs, so platforms call it on its own goroutine.
func (r *Router) Handle(ctx context.Context, conv Conversation, req Request) {
	prefix := req.Prefix
	if prefix == "" {
		prefix = r.prefix
	}
	name, args, ok := r.parse(prefix, req.Text)
	if !ok {
		r.bus.Publish(&model.ChatMessage{
			Platform:  req.Platform,
			ChannelID: req.ChannelID,
			AuthorID:  req.Author.ID,
			Text:      req.Text,
			CreatedAt: time.Now(),
		})
		return
	}

	h, known := handlers[name]
	if !known {
		r.reply(ctx, conv, fmt.Sprintf("❓ Unknown command `%s`. Try `%shelp`.", name, prefix))
		return
	}
	if h.operator && !req.Operator {
		r.reply(ctx, conv, "⛔ You need the server management permission to use this command.")
		return
	}
	if h.usage != "" && len(args) == 0 {
		r.reply(ctx, conv, fmt.Sprintf("Usage: `%s%s`", prefix, h.usage))
		return
	}
	h.run(r, ctx, conv, req, args)
}

// parse splits a command line into its lowercased name and arguments.
// A "@botname" suffix on the command name is dropped.
func (r *Router) parse(prefix, text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	name := strings.ToLower(fields[0])
	if at := strings.Index(name, "@"); at > 0 {
		name = name[:at]
	}
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	return name, fields[1:], true
}

func (r *Router) help(ctx context.Context, conv Conversation, req Request, _ []string) {
	p := req.Prefix
	if p == "" {
		p = r.prefix
	}
	r.reply(ctx, conv, HelpText(p))
}

// HelpText returns the command overview for prefix.
func HelpText(p string) string {
	return "🖥️ **TeleVPS**\n" +
		fmt.Sprintf("`%screate <@user|name>` Create a VPS and DM the tmate link\n", p) +
		fmt.Sprintf("`%slist` List all VPS containers\n", p) +
		fmt.Sprintf("`%smine` List your VPS containers\n", p) +
		fmt.Sprintf("`%sssh <container>` DM the tmate SSH/Web link again\n", p) +
		fmt.Sprintf("`%sstart|stop|restart <container>` Control a container\n", p) +
		fmt.Sprintf("`%slogs <container> [lines]` Show recent output\n", p) +
		fmt.Sprintf("`%sdestroy <container>` Remove a container (asks for confirmation)\n", p) +
		fmt.Sprintf("`%shistory` Recent actions\n", p) +
		fmt.Sprintf("`%sping` Check the bot is alive", p)
}

func (r *Router) ping(ctx context.Context, conv Conversation, _ Request, _ []string) {
	r.reply(ctx, conv, "🏓 Pong!")
}

func (r *Router) create(ctx context.Context, conv Conversation, req Request, args []string) {
	owner, err := r.resolveOwner(ctx, conv, req, args)
	if err != nil {
		r.reply(ctx, conv, fmt.Sprintf("⚠️ Could not find user `%s`.", strings.Join(args, " ")))
		return
	}

	msg := r.reply(ctx, conv, fmt.Sprintf("🛠️ Creating VPS for %s…", owner.Tag))
	p, err := r.ctrl.Provision(ctx, lifecycle.ProvisionRequest{
		Owner: owner,
		Progress: func(p *lifecycle.Provisioned) {
			r.edit(ctx, conv, msg, fmt.Sprintf("🛠️ Container `%s` started, waiting for tmate…", p.Name))
		},
	})

	switch {
	case errors.Is(err, model.ErrReadinessTimeout) && p != nil:
		r.record(ctx, req, audit.ActionCreate, p.Name, audit.OutcomeTimeout, err.Error())
		r.edit(ctx, conv, msg, fmt.Sprintf("⚠️ Timed out while waiting for tmate link. Use `%sssh %s` later.", r.prefixFor(req), p.Name))
		return
	case err != nil:
		r.record(ctx, req, audit.ActionCreate, "", audit.OutcomeFailed, failureText(err))
		r.edit(ctx, conv, msg, "⚠️ Failed to create container: "+failureText(err))
		return
	}

	r.record(ctx, req, audit.ActionCreate, p.Name, audit.OutcomeOK, "owner "+owner.Tag)
	dm := fmt.Sprintf("🔑 **Your VPS is ready!**\n\n%s\n\n🖥️ Container: `%s`", p.Token, p.Name)
	if err := conv.DirectMessage(ctx, owner.ID, dm); err != nil {
		log.Printf("Command: DM to %d failed: %v", owner.ID, err)
		r.edit(ctx, conv, msg, fmt.Sprintf("✅ VPS `%s` created for %s, but the DM failed (%v). Use `%sssh %s`.",
			p.Name, owner.Tag, err, r.prefixFor(req), p.Name))
		return
	}
	r.edit(ctx, conv, msg, fmt.Sprintf("✅ VPS `%s` created for %s. tmate link sent by DM.", p.Name, owner.Tag))
}

// resolveOwner picks the first mention, falling back to a name lookup.
func (r *Router) resolveOwner(ctx context.Context, conv Conversation, req Request, args []string) (model.Identity, error) {
	for _, m := range req.Mentions {
		if m.Known() {
			return m, nil
		}
	}
	query := strings.TrimPrefix(strings.Join(args, " "), "@")
	if query == "" {
		return model.Identity{}, model.ErrResolution
	}
	id, err := conv.ResolveMember(ctx, query)
	if err != nil {
		return model.Identity{}, err
	}
	if !id.Known() {
		return model.Identity{}, model.ErrResolution
	}
	return id, nil
}

func (r *Router) list(ctx context.Context, conv Conversation, _ Request, _ []string) {
	vpses, err := r.ctrl.List(ctx)
	if err != nil {
		r.reply(ctx, conv, "⚠️ "+failureText(err))
		return
	}
	if len(vpses) == 0 {
		r.reply(ctx, conv, "📜 No VPS containers found.")
		return
	}
	r.reply(ctx, conv, "📜 **Active VPS**\n"+formatList(vpses))
}

func (r *Router) mine(ctx context.Context, conv Conversation, req Request, _ []string) {
	vpses, err := r.ctrl.ListOwned(ctx, req.Author.ID)
	if err != nil {
		r.reply(ctx, conv, "⚠️ "+failureText(err))
		return
	}
	if len(vpses) == 0 {
		r.reply(ctx, conv, "📜 You have no VPS containers.")
		return
	}
	r.reply(ctx, conv, "📜 **Your VPS**\n"+formatList(vpses))
}

func formatList(vpses []model.VPS) string {
	lines := make([]string, 0, len(vpses))
	for _, v := range vpses {
		owner := v.OwnerTag
		if v.OwnerID != 0 {
			owner = fmt.Sprintf("%s (%d)", v.OwnerTag, v.OwnerID)
		}
		lines = append(lines, fmt.Sprintf("• **%s** %s `%s`", v.Name, owner, v.Status))
	}
	return strings.Join(lines, "\n")
}

func (r *Router) ssh(ctx context.Context, conv Conversation, req Request, args []string) {
	ref := args[0]
	token, err := r.ctrl.Link(ctx, ref)
	if err != nil {
		r.reply(ctx, conv, "⚠️ "+failureText(err))
		return
	}
	if token == "" {
		r.reply(ctx, conv, fmt.Sprintf("⚠️ No tmate info found for `%s` yet.", ref))
		return
	}
	if err := conv.DirectMessage(ctx, req.Author.ID, fmt.Sprintf("🔑 %s\n\n🖥️ Container: `%s`", token, ref)); err != nil {
		r.reply(ctx, conv, fmt.Sprintf("⚠️ Could not DM you the link: %v", err))
		return
	}
	r.reply(ctx, conv, fmt.Sprintf("🔑 Sent the tmate link for `%s` by DM.", ref))
}

func (r *Router) start(ctx context.Context, conv Conversation, req Request, args []string) {
	r.simple(ctx, conv, req, audit.ActionStart, args[0], r.ctrl.Start, "✅ Started.")
}

func (r *Router) stop(ctx context.Context, conv Conversation, req Request, args []string) {
	r.simple(ctx, conv, req, audit.ActionStop, args[0], r.ctrl.Stop, "✅ Stopped.")
}

func (r *Router) restart(ctx context.Context, conv Conversation, req Request, args []string) {
	r.simple(ctx, conv, req, audit.ActionRestart, args[0], r.ctrl.Restart, "✅ Restarted.")
}

func (r *Router) simple(ctx context.Context, conv Conversation, req Request, action, ref string,
	call func(context.Context, string) error, okText string) {
	if err := call(ctx, ref); err != nil {
		r.record(ctx, req, action, ref, audit.OutcomeFailed, failureText(err))
		r.reply(ctx, conv, "⚠️ "+failureText(err))
		return
	}
	r.record(ctx, req, action, ref, audit.OutcomeOK, "")
	r.reply(ctx, conv, okText)
}

func (r *Router) logs(ctx context.Context, conv Conversation, _ Request, args []string) {
	tail := 0
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			r.reply(ctx, conv, fmt.Sprintf("⚠️ `%s` is not a line count.", args[1]))
			return
		}
		tail = n
	}
	out, err := r.ctrl.Logs(ctx, args[0], tail, 0)
	if err != nil {
		r.reply(ctx, conv, "⚠️ "+failureText(err))
		return
	}
	if strings.TrimSpace(out) == "" {
		r.reply(ctx, conv, "ℹ️ No logs available.")
		return
	}
	out = model.Tail(strings.ReplaceAll(out, "```", "'''"), maxReply-len(logFrame))
	r.reply(ctx, conv, "```\n"+out+"\n```")
}

func (r *Router) destroy(ctx context.Context, conv Conversation, req Request, args []string) {
	ref := args[0]
	// The gate is keyed by container ID so a name and an ID for the same
	// container share one pending confirmation.
	target, err := r.ctrl.Resolve(ctx, ref)
	if err != nil {
		r.record(ctx, req, audit.ActionDestroy, ref, audit.OutcomeFailed, failureText(err))
		r.reply(ctx, conv, "⚠️ "+failureText(err))
		return
	}
	pending, err := r.gate.Open(confirm.Request{
		Target:     target,
		Requester:  req.Author.ID,
		ChannelKey: model.ChannelKey(req.Platform, req.ChannelID),
	})
	if errors.Is(err, model.ErrConfirmationPending) {
		r.reply(ctx, conv, fmt.Sprintf("⚠️ A destroy of `%s` is already waiting for confirmation.", ref))
		return
	}
	if err != nil {
		r.reply(ctx, conv, "⚠️ "+err.Error())
		return
	}

	prompt, err := conv.Reply(ctx, fmt.Sprintf("🗑️ Removing `%s` is permanent. Type `%s` in chat within %s to proceed.",
		ref, r.gate.Keyword(), r.gate.Timeout()))
	if err != nil {
		pending.Cancel()
		log.Printf("Command: destroy prompt for %s failed: %v", ref, err)
		return
	}

	approval, err := pending.Wait(ctx)
	if err != nil {
		r.record(ctx, req, audit.ActionDestroy, ref, audit.OutcomeExpired, "")
		r.edit(ctx, conv, prompt, "⚠️ Cancelling destroy, no confirmation received.")
		return
	}

	if err := r.ctrl.Destroy(ctx, target, approval); err != nil {
		r.record(ctx, req, audit.ActionDestroy, ref, audit.OutcomeFailed, failureText(err))
		r.reply(ctx, conv, "⚠️ "+failureText(err))
		return
	}
	r.record(ctx, req, audit.ActionDestroy, ref, audit.OutcomeOK, "")
	r.reply(ctx, conv, "✅ Destroyed.")
}

func (r *Router) history(ctx context.Context, conv Conversation, _ Request, _ []string) {
	if r.journal == nil {
		r.reply(ctx, conv, "ℹ️ The audit journal is disabled.")
		return
	}
	entries, err := r.journal.Recent(ctx, historyLimit)
	if err != nil {
		r.reply(ctx, conv, "⚠️ "+err.Error())
		return
	}
	if len(entries) == 0 {
		r.reply(ctx, conv, "📜 No recorded actions.")
		return
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		target := e.Target
		if target == "" {
			target = "-"
		}
		lines = append(lines, fmt.Sprintf("• %s **%s** `%s` %s by %s",
			e.CreatedAt.UTC().Format("2006-01-02 15:04"), e.Action, target, e.Outcome, e.ActorTag))
	}
	r.reply(ctx, conv, "📜 **Recent actions**\n"+strings.Join(lines, "\n"))
}

func (r *Router) record(ctx context.Context, req Request, action, target, outcome, detail string) {
	if r.journal == nil {
		return
	}
	err := r.journal.Record(ctx, &audit.Entry{
		Action:   action,
		Target:   target,
		Platform: req.Platform,
		ActorID:  req.Author.ID,
		ActorTag: req.Author.Tag,
		Outcome:  outcome,
		Detail:   detail,
	})
	if err != nil {
		log.Printf("Command: audit record failed for %s %s: %v", action, target, err)
	}
}

func (r *Router) prefixFor(req Request) string {
	if req.Prefix != "" {
		return req.Prefix
	}
	return r.prefix
}

func (r *Router) reply(ctx context.Context, conv Conversation, text string) Message {
	msg, err := conv.Reply(ctx, model.Truncate(text, maxReply))
	if err != nil {
		log.Printf("Command: reply failed: %v", err)
		return nil
	}
	return msg
}

// edit updates msg, or posts a new reply when the original could not be sent.
func (r *Router) edit(ctx context.Context, conv Conversation, msg Message, text string) {
	text = model.Truncate(text, maxReply)
	if msg == nil {
		r.reply(ctx, conv, text)
		return
	}
	if err := msg.Edit(ctx, text); err != nil {
		log.Printf("Command: edit failed: %v", err)
	}
}

// failureText returns the engine's own error text when there is one.
func failureText(err error) string {
	var opErr *model.OperationError
	if errors.As(err, &opErr) {
		if s := strings.TrimSpace(opErr.Stderr); s != "" {
			return s
		}
	}
	return err.Error()
}
