// Package confirm implements the confirmation gate that guards destructive
// actions: a destroy runs only after the requesting user repeats a keyword
// in the same channel before a deadline.
package confirm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jxucoder/TeleVPS/pkg/eventbus"
	"github.com/jxucoder/TeleVPS/pkg/model"
)

// Defaults.
const (
	DefaultKeyword = "confirm"
	DefaultTimeout = 20 * time.Second
)

// Outcomes reported to an Observer.
const (
	OutcomeApproved = "approved"
	OutcomeExpired  = "expired"
	OutcomeCanceled = "canceled"
)

// State is the lifecycle state of a single confirmation.
type State int

const (
	Idle State = iota
	Awaiting
	Approved
	Expired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Awaiting:
		return "awaiting_confirmation"
	case Approved:
		return "approved"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Observer receives the outcome of each confirmation.
type Observer interface {
	ObserveConfirmation(outcome string)
}

// Request identifies what is being confirmed and who may confirm it.
type Request struct {
	Target     string // container ID or name
	Requester  uint64
	ChannelKey string // model.ChannelKey of the channel the prompt is sent to
}

// Gate tracks open confirmations. At most one confirmation is open per
// target at a time.
type Gate struct {
	bus      eventbus.Bus
	keyword  string
	timeout  time.Duration
	observer Observer

	mu      sync.Mutex
	pending map[string]struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithKeyword sets the confirmation keyword. Matching is case-insensitive.
func WithKeyword(keyword string) Option {
	return func(g *Gate) {
		if k := strings.TrimSpace(keyword); k != "" {
			g.keyword = k
		}
	}
}

// WithTimeout sets how long a confirmation stays open.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithObserver reports confirmation outcomes to o.
func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observer = o }
}

// NewGate creates a Gate that reads replies from bus.
func NewGate(bus eventbus.Bus, opts ...Option) *Gate {
	g := &Gate{
		bus:     bus,
		keyword: DefaultKeyword,
		timeout: DefaultTimeout,
		pending: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Keyword returns the word the requester must send.
func (g *Gate) Keyword() string { return g.keyword }

// Timeout returns how long a confirmation stays open.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// IsPending reports whether a confirmation is open for target.
func (g *Gate) IsPending(target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[target]
	return ok
}

// Open starts a confirmation for req.Target. It subscribes to the channel
// before returning, so the caller must prompt the user only after Open
// succeeds. A target that already has an open confirmation is rejected with
// model.ErrConfirmationPending.
func (g *Gate) Open(req Request) (*Pending, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("confirm: empty target")
	}
	if req.Requester == 0 {
		return nil, fmt.Errorf("confirm: unknown requester")
	}

	g.mu.Lock()
	if _, busy := g.pending[req.Target]; busy {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrConfirmationPending, req.Target)
	}
	g.pending[req.Target] = struct{}{}
	g.mu.Unlock()

	return &Pending{
		gate:     g,
		req:      req,
		ch:       g.bus.Subscribe(req.ChannelKey),
		deadline: time.Now().Add(g.timeout),
		state:    Awaiting,
	}, nil
}

func (g *Gate) release(target string) {
	g.mu.Lock()
	delete(g.pending, target)
	g.mu.Unlock()
}

func (g *Gate) observe(outcome string) {
	if g.observer != nil {
		g.observer.ObserveConfirmation(outcome)
	}
}

// Pending is an open confirmation.
type Pending struct {
	gate     *Gate
	req      Request
	ch       chan *model.ChatMessage
	deadline time.Time

	mu    sync.Mutex
	state State
	done  bool
}

// Deadline returns when the confirmation expires.
func (p *Pending) Deadline() time.Time { return p.deadline }

// State returns the current state.
func (p *Pending) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Wait blocks until the requester sends the keyword in the channel, the
// deadline passes, or ctx is done. Messages from other users, from other
// channels, or with other text are ignored and do not extend the deadline.
// Wait can be called once; the target is released when it returns.
func (p *Pending) Wait(ctx context.Context) (*Approval, error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return nil, fmt.Errorf("confirm: %s already resolved", p.req.Target)
	}
	p.mu.Unlock()

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-p.ch:
			if !ok {
				p.finish(Expired, OutcomeCanceled)
				return nil, fmt.Errorf("%w: %s", model.ErrConfirmationExpired, p.req.Target)
			}
			if !p.matches(msg) {
				continue
			}
			if time.Now().After(p.deadline) {
				p.finish(Expired, OutcomeExpired)
				return nil, fmt.Errorf("%w: %s", model.ErrConfirmationExpired, p.req.Target)
			}
			p.finish(Approved, OutcomeApproved)
			return &Approval{target: p.req.Target, requester: p.req.Requester}, nil
		case <-timer.C:
			p.finish(Expired, OutcomeExpired)
			return nil, fmt.Errorf("%w: %s", model.ErrConfirmationExpired, p.req.Target)
		case <-ctx.Done():
			p.finish(Expired, OutcomeCanceled)
			return nil, fmt.Errorf("%w: %s: %w", model.ErrConfirmationExpired, p.req.Target, ctx.Err())
		}
	}
}

// Cancel abandons the confirmation without waiting, for callers that fail
// to deliver the prompt.
func (p *Pending) Cancel() {
	p.finish(Expired, OutcomeCanceled)
}

func (p *Pending) matches(msg *model.ChatMessage) bool {
	return msg != nil &&
		msg.Key() == p.req.ChannelKey &&
		msg.AuthorID == p.req.Requester &&
		strings.EqualFold(msg.Text, p.gate.keyword)
}

func (p *Pending) finish(state State, outcome string) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.state = state
	p.mu.Unlock()

	p.gate.bus.Unsubscribe(p.req.ChannelKey, p.ch)
	p.gate.release(p.req.Target)
	p.gate.observe(outcome)
}

// Approval authorizes exactly one destroy of its target.
type Approval struct {
	target    string
	requester uint64
	used      atomic.Bool
}

// Target returns the approved container ID or name.
func (a *Approval) Target() string { return a.target }

// Requester returns the user who confirmed.
func (a *Approval) Requester() uint64 { return a.requester }

// Consume marks the approval used. It succeeds once, and only for the
// approved target.
func (a *Approval) Consume(target string) bool {
	if a == nil || a.target != target {
		return false
	}
	return a.used.CompareAndSwap(false, true)
}
