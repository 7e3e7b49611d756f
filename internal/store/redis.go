package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "intentchat"

// RedisStore keeps each session's turns in a list trimmed to the retention
// limit, with an atomic counter per session for sequence numbers. Session
// metadata lives in a hash and the session index in a sorted set keyed by
// last activity. Same-session appends serialize on an in-process lock so
// an interleaved trim can never evict a newer turn than the one just
// written, and a failed push rolls the counter back to keep committed
// sequence numbers gapless.
type RedisStore struct {
	client    *redis.Client
	retention RetentionPolicy
	locks     *sessionLocks
}

func NewRedisStore(ctx context.Context, redisURL string, retention RetentionPolicy) (*RedisStore, error) {
	if err := retention.Validate(); err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, storageErr("connect", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storageErr("ping", err)
	}
	return &RedisStore{client: client, retention: retention, locks: newSessionLocks()}, nil
}

func sessionHashKey(id string) string  { return fmt.Sprintf("%s:session:%s", redisKeyPrefix, id) }
func sessionSeqKey(id string) string   { return fmt.Sprintf("%s:session:%s:seq", redisKeyPrefix, id) }
func sessionTurnsKey(id string) string { return fmt.Sprintf("%s:session:%s:turns", redisKeyPrefix, id) }
func sessionIndexKey() string          { return redisKeyPrefix + ":sessions" }

func (s *RedisStore) Append(ctx context.Context, sessionID string, turn Turn) (int64, error) {
	lock := s.locks.acquire(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	seq, err := s.client.Incr(ctx, sessionSeqKey(sessionID)).Result()
	if err != nil {
		return 0, storageErr("append", err)
	}
	turn.SessionID = sessionID
	turn.Seq = seq

	payload, err := json.Marshal(turn)
	if err != nil {
		s.rollbackSeq(sessionID)
		return 0, storageErr("append", fmt.Errorf("encode turn: %w", err))
	}

	now := turn.CreatedAt.Format(time.RFC3339Nano)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, sessionTurnsKey(sessionID), payload)
		if limit := s.retention.MaxTurns; limit > 0 {
			pipe.LTrim(ctx, sessionTurnsKey(sessionID), int64(-limit), -1)
		}
		pipe.HSetNX(ctx, sessionHashKey(sessionID), "created_at", now)
		pipe.HSet(ctx, sessionHashKey(sessionID), "last_activity_at", now)
		pipe.ZAdd(ctx, sessionIndexKey(), redis.Z{
			Score:  float64(turn.CreatedAt.UnixNano()),
			Member: sessionID,
		})
		return nil
	})
	if err != nil {
		s.rollbackSeq(sessionID)
		return 0, storageErr("append", err)
	}
	return seq, nil
}

// rollbackSeq returns an assigned-but-unwritten sequence number to the
// counter. Only safe while holding the session lock; without it a failed
// append would leave a permanent gap between committed turns.
func (s *RedisStore) rollbackSeq(sessionID string) {
	rollbackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Decr(rollbackCtx, sessionSeqKey(sessionID)).Err()
}

func (s *RedisStore) ReadRecent(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = s.retention.MaxTurns
	}
	raw, err := s.client.LRange(ctx, sessionTurnsKey(sessionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, storageErr("read recent", err)
	}

	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, storageErr("read recent", fmt.Errorf("decode turn: %w", err))
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]Session, error) {
	ids, err := s.client.ZRevRange(ctx, sessionIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, storageErr("list sessions", err)
	}

	var out []Session
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, sessionHashKey(id)).Result()
		if err != nil {
			return nil, storageErr("list sessions", err)
		}
		sess := Session{ID: id, RetentionLimit: s.retention.MaxTurns}
		sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
		sess.LastActivityAt, _ = time.Parse(time.RFC3339Nano, fields["last_activity_at"])
		out = append(out, sess)
	}
	return out, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	lock := s.locks.acquire(sessionID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionTurnsKey(sessionID), sessionSeqKey(sessionID), sessionHashKey(sessionID))
		pipe.ZRem(ctx, sessionIndexKey(), sessionID)
		return nil
	})
	if err != nil {
		return storageErr("delete session", err)
	}
	s.locks.forget(sessionID)
	return nil
}

func (s *RedisStore) ClearSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionTurnsKey(sessionID)).Err(); err != nil {
		return storageErr("clear session", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
