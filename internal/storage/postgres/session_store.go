// Package postgres implements the session store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/miravo/scrapedesk/internal/session"
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionStore persists sessions in a `sessions` table:
//
//	CREATE TABLE sessions (
//	    id TEXT PRIMARY KEY,
//	    status TEXT NOT NULL,
//	    url TEXT NOT NULL,
//	    external_job_id TEXT NOT NULL DEFAULT '',
//	    external_result_set_id TEXT NOT NULL DEFAULT '',
//	    total_items INT NOT NULL DEFAULT 0,
//	    preview_items JSONB,
//	    has_data BOOLEAN NOT NULL DEFAULT FALSE,
//	    failure_reason TEXT NOT NULL DEFAULT '',
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
type SessionStore struct {
	db DB
}

// New creates a SessionStore on an existing pool.
func New(db DB) (*SessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	return &SessionStore{db: db}, nil
}

// Connect opens a pgx pool and pings it to verify the connection.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const insertSession = `
INSERT INTO sessions (id, status, url, external_job_id, external_result_set_id,
    total_items, preview_items, has_data, failure_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// CreateSession inserts a new session row.
func (s *SessionStore) CreateSession(ctx context.Context, sess session.Session) error {
	preview, err := marshalPreview(sess.PreviewItems)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, insertSession,
		sess.ID, string(sess.Status), sess.URL,
		sess.ExternalJobID, sess.ExternalResultSetID,
		sess.TotalItems, preview, sess.HasData, sess.FailureReason,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return session.ErrSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const selectSession = `
SELECT id, status, url, external_job_id, external_result_set_id,
    total_items, preview_items, has_data, failure_reason, created_at, updated_at
FROM sessions WHERE id = $1`

// GetSession fetches a session row by id.
func (s *SessionStore) GetSession(ctx context.Context, id string) (session.Session, error) {
	var (
		sess    session.Session
		status  string
		preview []byte
	)
	err := s.db.QueryRow(ctx, selectSession, id).Scan(
		&sess.ID, &status, &sess.URL,
		&sess.ExternalJobID, &sess.ExternalResultSetID,
		&sess.TotalItems, &preview, &sess.HasData, &sess.FailureReason,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, fmt.Errorf("select session: %w", err)
	}
	sess.Status = session.Status(status)
	if len(preview) > 0 {
		if err := json.Unmarshal(preview, &sess.PreviewItems); err != nil {
			return session.Session{}, fmt.Errorf("unmarshal preview items: %w", err)
		}
	}
	return sess, nil
}

// Terminal immutability is enforced at the row level: the update only
// matches non-terminal rows, so a concurrent writer can never overwrite
// a finished or failed session.
const updateSession = `
UPDATE sessions SET status = $2, external_job_id = $3, external_result_set_id = $4,
    total_items = $5, preview_items = $6, has_data = $7, failure_reason = $8, updated_at = $9
WHERE id = $1 AND status NOT IN ('finished', 'failed')`

// UpdateSession replaces a non-terminal session row. Re-writing a session
// that already holds the same terminal status is a no-op.
func (s *SessionStore) UpdateSession(ctx context.Context, sess session.Session) error {
	preview, err := marshalPreview(sess.PreviewItems)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, updateSession,
		sess.ID, string(sess.Status),
		sess.ExternalJobID, sess.ExternalResultSetID,
		sess.TotalItems, preview, sess.HasData, sess.FailureReason,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() && current.Status == sess.Status {
		return nil
	}
	return session.ErrInvalidTransition
}

func marshalPreview(items []session.NormalizedItem) ([]byte, error) {
	if items == nil {
		return nil, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal preview items: %w", err)
	}
	return data, nil
}
