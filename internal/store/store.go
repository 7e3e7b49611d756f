package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Turn is one committed message within a session. Turns are immutable once
// committed; Seq is assigned by the store, strictly increasing per session
// with no gaps.
type Turn struct {
	SessionID  string            `json:"session_id"`
	Seq        int64             `json:"seq"`
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	Intent     string            `json:"intent,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Session is the registry record for one conversation.
type Session struct {
	ID             string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	RetentionLimit int       `json:"retention_limit"`
}

// RetentionPolicy bounds how many turns a session keeps. After each append,
// turns beyond MaxTurns are evicted oldest-sequence-first. Eviction never
// removes the turn that triggered it and never fails the triggering write.
type RetentionPolicy struct {
	MaxTurns int
}

func (p RetentionPolicy) Validate() error {
	if p.MaxTurns < 1 {
		return fmt.Errorf("retention max turns must be >= 1, got %d", p.MaxTurns)
	}
	return nil
}

// Store persists and retrieves conversation turns, isolated by session id.
// Appends to the same session are serialized; appends to distinct sessions
// proceed in parallel. A failed Append leaves no partial turn visible.
type Store interface {
	// Append assigns the next sequence number for the session, persists the
	// turn durably, applies retention, and returns the assigned number.
	// The session record is created on first append to an unseen id.
	Append(ctx context.Context, sessionID string, turn Turn) (int64, error)

	// ReadRecent returns up to limit most recent turns, oldest first.
	// An unknown session yields an empty slice, not an error.
	ReadRecent(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// ListSessions returns all known sessions with last-activity times.
	ListSessions(ctx context.Context) ([]Session, error)

	// DeleteSession removes all turns and the session record. It is a no-op
	// when the session does not exist.
	DeleteSession(ctx context.Context, sessionID string) error

	// ClearSession removes all turns but keeps the session record.
	ClearSession(ctx context.Context, sessionID string) error

	Close() error
}

// StorageError marks an I/O, lock, or corruption failure at the store
// boundary. Callers distinguish it from domain errors with errors.As.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err originated at the store boundary.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
