package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id         UUID PRIMARY KEY,
    user_id    TEXT NOT NULL,
    status     TEXT NOT NULL,
    context    JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expires_at_idx ON sessions (expires_at);
CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON sessions (user_id);
`

// PGRecords implements Durable over PostgreSQL.
type PGRecords struct {
	pool *pgxpool.Pool
}

var _ Durable = (*PGRecords)(nil)

// NewPGRecords creates the durable session store, running its migration.
func NewPGRecords(ctx context.Context, pool *pgxpool.Pool) (*PGRecords, error) {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return nil, fmt.Errorf("session: migrate: %w", err)
	}
	return &PGRecords{pool: pool}, nil
}

// SaveSession implements Durable.
func (r *PGRecords) SaveSession(ctx context.Context, s *Session) error {
	blob, err := json.Marshal(s.Context)
	if err != nil {
		return fmt.Errorf("session: encode context: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, status, context, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.UserID, string(s.Status), blob, s.CreatedAt, s.UpdatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("session: insert: %w", err)
	}
	return nil
}

// UpdateSession implements Durable.
func (r *PGRecords) UpdateSession(ctx context.Context, s *Session) error {
	blob, err := json.Marshal(s.Context)
	if err != nil {
		return fmt.Errorf("session: encode context: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $2, context = $3, updated_at = $4, expires_at = $5
		WHERE id = $1`,
		s.ID, string(s.Status), blob, s.UpdatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("session: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FetchSession implements Durable.
func (r *PGRecords) FetchSession(ctx context.Context, id string) (*Session, error) {
	var (
		s      Session
		status string
		blob   []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, status, context, created_at, updated_at, expires_at
		FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.UserID, &status, &blob, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: fetch: %w", err)
	}
	s.Status = Status(status)
	if err := json.Unmarshal(blob, &s.Context); err != nil {
		return nil, fmt.Errorf("session: decode context: %w", err)
	}
	return &s, nil
}

// PurgeExpired deletes durable records expired for longer than retain. Used
// by operational cleanup, not the hot path.
func (r *PGRecords) PurgeExpired(ctx context.Context, retain time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM sessions WHERE expires_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retain.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("session: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
