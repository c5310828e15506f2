// Package sqlite archives finished negotiations in a local SQLite file through
// the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/negotiation"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS negotiations (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	plan_digest TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_negotiations_parent ON negotiations(parent_id);
CREATE INDEX IF NOT EXISTS idx_negotiations_user ON negotiations(user_id, created_at);
`

// Archive stores negotiation views in SQLite.
type Archive struct {
	db *sql.DB
}

// NewArchive opens (or creates) the database file and its schema.
func NewArchive(ctx context.Context, path string) (*Archive, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sqlite archive path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create database directory")
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open database")
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "initialize schema")
	}
	return &Archive{db: db}, nil
}

// Save upserts the view keyed by negotiation id.
func (a *Archive) Save(ctx context.Context, view negotiation.View) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal negotiation view: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO negotiations (id, parent_id, depth, state, user_id, plan_digest, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			plan_digest = excluded.plan_digest,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		view.NegotiationID,
		view.ParentID,
		view.Depth,
		string(view.State),
		view.UserID,
		view.PlanDigest,
		string(payload),
		view.CreatedAt.UnixMilli(),
		view.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save negotiation")
	}
	return nil
}

// Get loads an archived view.
func (a *Archive) Get(ctx context.Context, id string) (*negotiation.View, error) {
	var payload string
	err := a.db.QueryRowContext(ctx, `SELECT payload FROM negotiations WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("negotiation %s not archived", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query negotiation")
	}
	var view negotiation.View
	if err := json.Unmarshal([]byte(payload), &view); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode negotiation")
	}
	return &view, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
