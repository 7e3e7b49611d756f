package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps sessions and turns in Postgres. Sequence assignment
// happens under a per-session row lock so concurrent appends to the same
// session serialize without gaps.
type PostgresStore struct {
	pool      *pgxpool.Pool
	retention RetentionPolicy
}

func NewPostgresStore(ctx context.Context, databaseURL string, retention RetentionPolicy) (*PostgresStore, error) {
	if err := retention.Validate(); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, storageErr("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageErr("ping", err)
	}

	s := &PostgresStore{pool: pool, retention: retention}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL,
		retention_limit INT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq BIGINT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		intent TEXT,
		confidence DOUBLE PRECISION,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, seq)
	);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return storageErr("init schema", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, turn Turn) (int64, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(metadataOrEmpty(turn.Metadata))
	if err != nil {
		return 0, storageErr("append", fmt.Errorf("encode metadata: %w", err))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, storageErr("append", err)
	}
	defer tx.Rollback(ctx)

	// Upsert then lock the session row; the lock serializes seq assignment.
	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, created_at, last_activity_at, retention_limit)
		 VALUES ($1, $2, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET last_activity_at = EXCLUDED.last_activity_at`,
		sessionID, turn.CreatedAt, s.retention.MaxTurns,
	)
	if err != nil {
		return 0, storageErr("append", err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM sessions WHERE id = $1 FOR UPDATE`, sessionID); err != nil {
		return 0, storageErr("append", err)
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = $1`,
		sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, storageErr("append", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO turns (session_id, seq, role, content, intent, confidence, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sessionID, seq, string(turn.Role), turn.Content,
		nullString(turn.Intent), nullFloat(turn.Confidence), meta, turn.CreatedAt,
	)
	if err != nil {
		return 0, storageErr("append", err)
	}

	if limit := s.retention.MaxTurns; limit > 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM turns WHERE session_id = $1 AND seq <= $2`,
			sessionID, seq-int64(limit),
		)
		if err != nil {
			return 0, storageErr("append", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("append", err)
	}
	return seq, nil
}

func (s *PostgresStore) ReadRecent(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = s.retention.MaxTurns
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, seq, role, content, intent, confidence, metadata, created_at
		 FROM turns WHERE session_id = $1
		 ORDER BY seq DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, storageErr("read recent", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var (
			t          Turn
			role       string
			intent     *string
			confidence *float64
			meta       []byte
		)
		if err := rows.Scan(&t.SessionID, &t.Seq, &role, &t.Content, &intent, &confidence, &meta, &t.CreatedAt); err != nil {
			return nil, storageErr("read recent", err)
		}
		t.Role = Role(role)
		if intent != nil {
			t.Intent = *intent
		}
		t.Confidence = confidence
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, storageErr("read recent", fmt.Errorf("decode metadata: %w", err))
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read recent", err)
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at, last_activity_at, retention_limit
		 FROM sessions ORDER BY last_activity_at DESC`,
	)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivityAt, &sess.RetentionLimit); err != nil {
			return nil, storageErr("list sessions", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return storageErr("delete session", err)
	}
	return nil
}

func (s *PostgresStore) ClearSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM turns WHERE session_id = $1`, sessionID); err != nil {
		return storageErr("clear session", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
