package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/remote-serial-bridge/bridge/internal/model"
)

// SessionRepository provides data access for bridge session history.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Start inserts a new session record at client attach time.
func (r *SessionRepository) Start(ctx context.Context, session *model.BridgeSession) error {
	query := `
		INSERT INTO bridge_sessions (id, mode, topic, remote_addr, bytes_in, bytes_out, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		string(session.Mode),
		session.Topic,
		session.RemoteAddr,
		session.BytesIn,
		session.BytesOut,
		session.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}

	return nil
}

// Finish closes a session record with its final byte counters.
func (r *SessionRepository) Finish(ctx context.Context, id string, bytesIn, bytesOut int64, endedAt time.Time) error {
	query := `
		UPDATE bridge_sessions
		SET bytes_in = ?, bytes_out = ?, ended_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, bytesIn, bytesOut, endedAt, id)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// GetByID retrieves a session record by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.BridgeSession, error) {
	query := `
		SELECT id, mode, topic, remote_addr, bytes_in, bytes_out, started_at, ended_at
		FROM bridge_sessions
		WHERE id = ?
	`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListRecent retrieves the most recent session records, newest first.
func (r *SessionRepository) ListRecent(ctx context.Context, limit int) ([]*model.BridgeSession, error) {
	query := `
		SELECT id, mode, topic, remote_addr, bytes_in, bytes_out, started_at, ended_at
		FROM bridge_sessions
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.BridgeSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.BridgeSession, error) {
	session := &model.BridgeSession{}
	var mode string
	var endedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&mode,
		&session.Topic,
		&session.RemoteAddr,
		&session.BytesIn,
		&session.BytesOut,
		&session.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Mode = model.Mode(mode)
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}

	return session, nil
}
