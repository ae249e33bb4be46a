// Package store persists call history and conversation membership in a
// local SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Call status values, in lifecycle order.
const (
	CallRinging  = "ringing"
	CallActive   = "active"
	CallDeclined = "declined"
	CallMissed   = "missed"
	CallEnded    = "ended"
)

// Participant status values.
const (
	ParticipantInvited  = "invited"
	ParticipantRinging  = "ringing"
	ParticipantJoined   = "joined"
	ParticipantRejected = "rejected"
	ParticipantTimedOut = "timed_out"
	ParticipantLeft     = "left"
)

type CallRecord struct {
	ID             string
	ConversationID string
	CallerID       string
	Type           string // audio|video
	Status         string
	Group          bool
	StartedAt      time.Time
	EndedAt        *time.Time
	DurationSec    int64
}

type ParticipantRecord struct {
	CallID   string
	UserID   string
	Status   string
	JoinedAt *time.Time
	LeftAt   *time.Time
}

type Conversation struct {
	ID        string
	Name      string
	Group     bool
	CreatedAt time.Time
}

// DB wraps the SQLite call-history database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dbPath := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			is_group   INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS calls (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			caller_id       TEXT NOT NULL,
			call_type       TEXT NOT NULL,
			status          TEXT NOT NULL,
			is_group        INTEGER NOT NULL DEFAULT 0,
			started_at      INTEGER NOT NULL,
			ended_at        INTEGER,
			duration_sec    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_calls_conversation
			ON calls(conversation_id, started_at);
		CREATE TABLE IF NOT EXISTS call_participants (
			call_id   TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			user_id   TEXT NOT NULL,
			status    TEXT NOT NULL,
			joined_at INTEGER,
			left_at   INTEGER,
			PRIMARY KEY (call_id, user_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// ── Conversations ────────────────────────────────────────────────────────

func (d *DB) CreateConversation(ctx context.Context, id, name string, group bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, name, is_group, created_at)
		VALUES (?, ?, ?, ?)
	`, id, name, boolInt(group), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (d *DB) GetConversation(ctx context.Context, id string) (Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var c Conversation
	var group int
	var created int64
	err := d.db.QueryRowContext(ctx, `
		SELECT id, name, is_group, created_at FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &group, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.Group = group != 0
	c.CreatedAt = time.UnixMilli(created)
	return c, nil
}

func (d *DB) AddMember(ctx context.Context, conversationID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_members (conversation_id, user_id)
		VALUES (?, ?)
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (d *DB) RemoveMember(ctx context.Context, conversationID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
	return err
}

func (d *DB) Members(ctx context.Context, conversationID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = ? ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ── Calls ────────────────────────────────────────────────────────────────

func (d *DB) CreateCall(ctx context.Context, id, conversationID, callerID, callType, status string, group bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO calls (id, conversation_id, caller_id, call_type, status, is_group, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, conversationID, callerID, callType, status, boolInt(group), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

func (d *DB) UpdateCallStatus(ctx context.Context, id, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `UPDATE calls SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EndCall marks a call terminal, stamps ended_at and computes duration.
// Idempotent: a call that already ended keeps its first terminal status.
func (d *DB) EndCall(ctx context.Context, id, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UnixMilli()
	res, err := d.db.ExecContext(ctx, `
		UPDATE calls
		SET status = ?, ended_at = ?, duration_sec = (? - started_at) / 1000
		WHERE id = ? AND ended_at IS NULL
	`, status, now, now, id)
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already terminal; distinguish for the caller.
		var exists int
		if err := d.db.QueryRowContext(ctx, `SELECT 1 FROM calls WHERE id = ?`, id).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
	}
	return nil
}

func (d *DB) GetCall(ctx context.Context, id string) (CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return scanCall(d.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, caller_id, call_type, status, is_group,
		       started_at, ended_at, duration_sec
		FROM calls WHERE id = ?
	`, id))
}

// ListCalls returns the call history involving a user, newest first.
func (d *DB) ListCalls(ctx context.Context, userID string, limit, offset int) ([]CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, conversation_id, caller_id, call_type, status, is_group,
		       started_at, ended_at, duration_sec
		FROM calls
		WHERE caller_id = ?
		   OR id IN (SELECT call_id FROM call_participants WHERE user_id = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, userID, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ── Participants ─────────────────────────────────────────────────────────

func (d *DB) AddParticipant(ctx context.Context, callID, userID, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var joined any
	if status == ParticipantJoined {
		joined = time.Now().UnixMilli()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO call_participants (call_id, user_id, status, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (call_id, user_id) DO UPDATE SET status = excluded.status
	`, callID, userID, status, joined)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (d *DB) SetParticipantStatus(ctx context.Context, callID, userID, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res sql.Result
	var err error
	if status == ParticipantJoined {
		res, err = d.db.ExecContext(ctx, `
			UPDATE call_participants SET status = ?, joined_at = ?
			WHERE call_id = ? AND user_id = ?
		`, status, time.Now().UnixMilli(), callID, userID)
	} else {
		res, err = d.db.ExecContext(ctx, `
			UPDATE call_participants SET status = ?
			WHERE call_id = ? AND user_id = ?
		`, status, callID, userID)
	}
	if err != nil {
		return fmt.Errorf("set participant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) MarkParticipantLeft(ctx context.Context, callID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE call_participants SET status = ?, left_at = ?
		WHERE call_id = ? AND user_id = ?
	`, ParticipantLeft, time.Now().UnixMilli(), callID, userID)
	if err != nil {
		return fmt.Errorf("mark participant left: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) Participants(ctx context.Context, callID string) ([]ParticipantRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT call_id, user_id, status, joined_at, left_at
		FROM call_participants WHERE call_id = ? ORDER BY user_id
	`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ParticipantRecord
	for rows.Next() {
		var p ParticipantRecord
		var joined, left sql.NullInt64
		if err := rows.Scan(&p.CallID, &p.UserID, &p.Status, &joined, &left); err != nil {
			return nil, err
		}
		p.JoinedAt = millisPtr(joined)
		p.LeftAt = millisPtr(left)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var rec CallRecord
	var group int
	var started int64
	var ended sql.NullInt64
	err := row.Scan(&rec.ID, &rec.ConversationID, &rec.CallerID, &rec.Type,
		&rec.Status, &group, &started, &ended, &rec.DurationSec)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	if err != nil {
		return CallRecord{}, err
	}
	rec.Group = group != 0
	rec.StartedAt = time.UnixMilli(started)
	rec.EndedAt = millisPtr(ended)
	return rec, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
