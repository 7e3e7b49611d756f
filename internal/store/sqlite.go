package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default durable backend. One writer transaction per
// turn keeps appends all-or-nothing; an in-process lock per session keeps
// sequence assignment serialized without relying on driver busy-retries.
type SQLiteStore struct {
	db        *sql.DB
	retention RetentionPolicy
	locks     *sessionLocks
}

func NewSQLiteStore(path string, retention RetentionPolicy) (*SQLiteStore, error) {
	if err := retention.Validate(); err != nil {
		return nil, err
	}

	dsn := path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}

	s := &SQLiteStore{
		db:        db,
		retention: retention,
		locks:     newSessionLocks(),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			retention_limit INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			intent TEXT,
			confidence REAL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return storageErr("init schema", fmt.Errorf("%q: %w", stmt, err))
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turn Turn) (int64, error) {
	lock := s.locks.acquire(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(metadataOrEmpty(turn.Metadata))
	if err != nil {
		return 0, storageErr("append", fmt.Errorf("encode metadata: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("append", err)
	}
	defer tx.Rollback()

	now := turn.CreatedAt.Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, last_activity_at, retention_limit)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
		sessionID, now, now, s.retention.MaxTurns,
	)
	if err != nil {
		return 0, storageErr("append", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`,
		sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, storageErr("append", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (session_id, seq, role, content, intent, confidence, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, string(turn.Role), turn.Content,
		nullString(turn.Intent), nullFloat(turn.Confidence), string(meta), now,
	)
	if err != nil {
		return 0, storageErr("append", err)
	}

	if limit := s.retention.MaxTurns; limit > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM turns WHERE session_id = ? AND seq <= ?`,
			sessionID, seq-int64(limit),
		)
		if err != nil {
			return 0, storageErr("append", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("append", err)
	}
	return seq, nil
}

func (s *SQLiteStore) ReadRecent(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = s.retention.MaxTurns
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, role, content, intent, confidence, metadata, created_at
		 FROM turns WHERE session_id = ?
		 ORDER BY seq DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, storageErr("read recent", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, storageErr("read recent", err)
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, last_activity_at, retention_limit
		 FROM sessions ORDER BY last_activity_at DESC`,
	)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess                Session
			created, lastActive string
		)
		if err := rows.Scan(&sess.ID, &created, &lastActive, &sess.RetentionLimit); err != nil {
			return nil, storageErr("list sessions", err)
		}
		sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		sess.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastActive)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	lock := s.locks.acquire(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete session", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return storageErr("delete session", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return storageErr("delete session", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete session", err)
	}
	s.locks.forget(sessionID)
	return nil
}

func (s *SQLiteStore) ClearSession(ctx context.Context, sessionID string) error {
	lock := s.locks.acquire(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return storageErr("clear session", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTurns(rows rowScanner) ([]Turn, error) {
	turns := []Turn{}
	for rows.Next() {
		var (
			t          Turn
			role       string
			intent     sql.NullString
			confidence sql.NullFloat64
			meta       string
			created    string
		)
		if err := rows.Scan(&t.SessionID, &t.Seq, &role, &t.Content, &intent, &confidence, &meta, &created); err != nil {
			return nil, err
		}
		t.Role = Role(role)
		if intent.Valid {
			t.Intent = intent.String
		}
		if confidence.Valid {
			v := confidence.Float64
			t.Confidence = &v
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func reverseTurns(turns []Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
