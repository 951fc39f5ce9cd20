package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/console-relay/broker/internal/model"
)

const defaultListLimit = 100

const sessionColumns = `id, console_id, owner_id, web_conn_id, console_conn_id, status, end_reason, recording_path, preview_line, opened_at, closed_at`

// SessionRepository journals terminal sessions. It records history only; live
// relay state is never restored from it.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a newly opened session.
func (r *SessionRepository) Create(ctx context.Context, s *model.TerminalSession) error {
	query := `
		INSERT INTO terminal_sessions (id, console_id, owner_id, web_conn_id, console_conn_id, status, recording_path, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	status := s.Status
	if status == "" {
		status = model.SessionStatusOpen
	}

	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.ConsoleID,
		s.OwnerID,
		s.WebConnID,
		s.ConsoleConnID,
		status,
		nullString(s.RecordingPath),
		s.OpenedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Finish marks a session closed with its end reason and final preview line.
func (r *SessionRepository) Finish(ctx context.Context, s *model.TerminalSession) error {
	query := `
		UPDATE terminal_sessions
		SET status = ?, end_reason = ?, preview_line = ?, closed_at = ?
		WHERE id = ?
	`

	closedAt := time.Now().UTC()
	if s.ClosedAt != nil {
		closedAt = s.ClosedAt.UTC()
	}

	result, err := r.db.ExecContext(ctx, query,
		model.SessionStatusClosed,
		nullString(string(s.EndReason)),
		nullString(s.PreviewLine),
		closedAt,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
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

// CloseOpen marks every session still open as closed with reason. It runs at
// startup for sessions a previous process never finished.
func (r *SessionRepository) CloseOpen(ctx context.Context, reason model.EndReason) (int64, error) {
	query := `
		UPDATE terminal_sessions
		SET status = ?, end_reason = ?, closed_at = ?
		WHERE status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		model.SessionStatusClosed,
		reason,
		time.Now().UTC(),
		model.SessionStatusOpen,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", err)
	}
	return result.RowsAffected()
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.TerminalSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM terminal_sessions WHERE id = ?`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListByOwner returns the newest sessions of an owner first. An empty owner
// lists every owner's sessions.
func (r *SessionRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.TerminalSession, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + sessionColumns + ` FROM terminal_sessions`
	args := []interface{}{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY opened_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.TerminalSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// CountOpen returns the number of sessions journaled as open.
func (r *SessionRepository) CountOpen(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM terminal_sessions WHERE status = ?`,
		model.SessionStatusOpen,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open sessions: %w", err)
	}
	return count, nil
}

// Ping checks the database connection.
func (r *SessionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.TerminalSession, error) {
	s := &model.TerminalSession{}
	var endReason, recordingPath, previewLine sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(
		&s.ID,
		&s.ConsoleID,
		&s.OwnerID,
		&s.WebConnID,
		&s.ConsoleConnID,
		&s.Status,
		&endReason,
		&recordingPath,
		&previewLine,
		&s.OpenedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	s.EndReason = model.EndReason(endReason.String)
	s.RecordingPath = recordingPath.String
	s.PreviewLine = previewLine.String
	if closedAt.Valid {
		t := closedAt.Time
		s.ClosedAt = &t
	}
	return s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
