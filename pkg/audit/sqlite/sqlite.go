// Package sqlite provides an audit.Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/TeleVPS/pkg/audit"
)

// Store persists audit entries in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			action     TEXT NOT NULL,
			target     TEXT NOT NULL DEFAULT '',
			platform   TEXT NOT NULL DEFAULT '',
			actor_id   TEXT NOT NULL DEFAULT '0',
			actor_tag  TEXT NOT NULL DEFAULT '',
			outcome    TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_target
			ON audit_entries(target);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts an entry. Actor IDs are stored as text because they use
// the full unsigned 64-bit range.
func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, action, target, platform, actor_id, actor_tag, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.Target, e.Platform, strconv.FormatUint(e.ActorID, 10),
		e.ActorTag, e.Outcome, e.Detail, e.CreatedAt,
	)
	return err
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*audit.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, target, platform, actor_id, actor_tag, outcome, detail, created_at
		 FROM audit_entries ORDER BY seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		e := &audit.Entry{}
		var actor string
		if err := rows.Scan(&e.ID, &e.Action, &e.Target, &e.Platform, &actor,
			&e.ActorTag, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.ActorID, err = strconv.ParseUint(actor, 10, 64); err != nil {
			return nil, fmt.Errorf("entry %s: actor id: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ForTarget returns every entry for a container, oldest first.
func (s *Store) ForTarget(ctx context.Context, target string) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, target, platform, actor_id, actor_tag, outcome, detail, created_at
		 FROM audit_entries WHERE target = ? ORDER BY seq ASC`, target,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		e := &audit.Entry{}
		var actor string
		if err := rows.Scan(&e.ID, &e.Action, &e.Target, &e.Platform, &actor,
			&e.ActorTag, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.ActorID, err = strconv.ParseUint(actor, 10, 64); err != nil {
			return nil, fmt.Errorf("entry %s: actor id: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ audit.Store = (*Store)(nil)
