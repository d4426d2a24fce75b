// Package store persists call records to a local SQLite database. It
// is an audit side channel: the call engine writes status transitions
// here but never reads them back to make negotiation decisions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Statuses a call record moves through. The persisted "ringing" covers
// both the caller's local calling state and the callee's ringing state.
const (
	StatusRinging   = "ringing"
	StatusConnected = "connected"
	StatusDeclined  = "declined"
	StatusEnded     = "ended"
)

// End reasons recorded alongside a terminal status.
const (
	ReasonHangup   = "hangup"
	ReasonNoAnswer = "no-answer"
	ReasonFailure  = "connection-failure"
	ReasonRemote   = "remote"
)

// ErrNotFound is returned when a call record does not exist.
var ErrNotFound = errors.New("store: call record not found")

// Record is one persisted call.
type Record struct {
	CallID          string
	ConversationID  string
	CallerID        string
	ReceiverID      string
	CallType        string
	Status          string
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds int
	EndedBy         string
	EndReason       string
	CreatedAt       time.Time
}

// CreateParams identify the call being recorded.
type CreateParams struct {
	ConversationID string
	CallerID       string
	ReceiverID     string
	CallType       string
}

// Update patches a record; nil/empty fields are left untouched.
type Update struct {
	Status          string
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	EndedBy         string
	EndReason       string
}

// Store wraps the SQLite database holding call history.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the call database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	path := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open call database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure call database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id          TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			caller_id        TEXT NOT NULL,
			receiver_id      TEXT NOT NULL,
			call_type        TEXT NOT NULL,
			status           TEXT NOT NULL,
			started_at       DATETIME,
			ended_at         DATETIME,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			ended_by         TEXT NOT NULL DEFAULT '',
			end_reason       TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls(caller_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_calls_receiver ON calls(receiver_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Create inserts a new ringing record and returns its call ID.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, error) {
	callID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, conversation_id, caller_id, receiver_id, call_type, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		callID, p.ConversationID, p.CallerID, p.ReceiverID, p.CallType, StatusRinging,
	)
	if err != nil {
		return "", fmt.Errorf("create call record: %w", err)
	}
	return callID, nil
}

// UpdateRecord applies the non-empty fields of u to callID.
func (s *Store) UpdateRecord(ctx context.Context, callID string, u Update) error {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 7)

	if u.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, u.Status)
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, u.StartedAt.UTC())
	}
	if u.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, u.EndedAt.UTC())
	}
	if u.DurationSeconds != nil {
		sets = append(sets, "duration_seconds = ?")
		args = append(args, *u.DurationSeconds)
	}
	if u.EndedBy != "" {
		sets = append(sets, "ended_by = ?")
		args = append(args, u.EndedBy)
	}
	if u.EndReason != "" {
		sets = append(sets, "end_reason = ?")
		args = append(args, u.EndReason)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, callID)
	res, err := s.db.ExecContext(ctx,
		"UPDATE calls SET "+strings.Join(sets, ", ")+" WHERE call_id = ?", args...)
	if err != nil {
		return fmt.Errorf("update call record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one record by call ID.
func (s *Store) Get(ctx context.Context, callID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, conversation_id, caller_id, receiver_id, call_type, status,
		       started_at, ended_at, duration_seconds, ended_by, end_reason, created_at
		FROM calls WHERE call_id = ?`, callID)
	return scanRecord(row)
}

// History returns the most recent calls peerID took part in, newest
// first.
func (s *Store) History(ctx context.Context, peerID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, conversation_id, caller_id, receiver_id, call_type, status,
		       started_at, ended_at, duration_seconds, ended_by, end_reason, created_at
		FROM calls
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, peerID, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var r Record
	var started, ended sql.NullTime
	err := sc.Scan(
		&r.CallID, &r.ConversationID, &r.CallerID, &r.ReceiverID, &r.CallType,
		&r.Status, &started, &ended, &r.DurationSeconds, &r.EndedBy, &r.EndReason,
		&r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call record: %w", err)
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return &r, nil
}
