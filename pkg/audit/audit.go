// Package audit records lifecycle actions taken through TeleVPS. The journal
// is a log of what operators did; it is never consulted to decide who owns
// a container.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Action names.
const (
	ActionCreate  = "create"
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionDestroy = "destroy"
)

// Outcome values.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
	OutcomeExpired = "expired"
)

// Entry is a single recorded action.
type Entry struct {
	ID        string    `json:"id" yaml:"id"`
	Action    string    `json:"action" yaml:"action"`
	Target    string    `json:"target" yaml:"target"`
	Platform  string    `json:"platform" yaml:"platform"`
	ActorID   uint64    `json:"actor_id" yaml:"actor_id"`
	ActorTag  string    `json:"actor_tag" yaml:"actor_tag"`
	Outcome   string    `json:"outcome" yaml:"outcome"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Recent(ctx context.Context, limit int) ([]*Entry, error)
	Close() error
}

// Notifier forwards entries to an external destination.
type Notifier interface {
	Notify(ctx context.Context, e *Entry) error
}

// Journal writes entries to a store and forwards them to notifiers. A nil
// store keeps only the notifications.
type Journal struct {
	store     Store
	notifiers []Notifier
}

// NewJournal creates a Journal.
func NewJournal(store Store, notifiers ...Notifier) *Journal {
	return &Journal{store: store, notifiers: notifiers}
}

// Record assigns an ID and timestamp to e, stores it and notifies. Notifier
// failures are logged and do not fail the call.
func (j *Journal) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if j.store != nil {
		if err := j.store.Append(ctx, e); err != nil {
			return err
		}
	}
	for _, n := range j.notifiers {
		if err := n.Notify(ctx, e); err != nil {
			log.Printf("Audit: notifier failed for %s %s: %v", e.Action, e.Target, err)
		}
	}
	return nil
}

// Recent returns the newest entries first. Without a store it returns none.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if j.store == nil {
		return nil, nil
	}
	return j.store.Recent(ctx, limit)
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	if j.store == nil {
		return nil
	}
	return j.store.Close()
}
