package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T, retention RetentionPolicy) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), retention)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisAppendReadRoundTrip(t *testing.T) {
	s := newTestRedis(t, RetentionPolicy{MaxTurns: 100})
	ctx := context.Background()

	conf := 0.91
	seq, err := s.Append(ctx, "sess", Turn{
		Role:       RoleHuman,
		Content:    "hello",
		Intent:     "greeting",
		Confidence: &conf,
		Metadata:   map[string]string{"request_id": "r-1"},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if seq != 1 {
		t.Fatalf("Append() seq = %d, want 1", seq)
	}

	turns, err := s.ReadRecent(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("ReadRecent() len = %d, want 1", len(turns))
	}
	got := turns[0]
	if got.SessionID != "sess" || got.Seq != 1 || got.Role != RoleHuman || got.Content != "hello" {
		t.Fatalf("turn = %+v", got)
	}
	if got.Intent != "greeting" || got.Confidence == nil || *got.Confidence != conf {
		t.Fatalf("classification fields = %q/%v", got.Intent, got.Confidence)
	}
	if got.Metadata["request_id"] != "r-1" {
		t.Fatalf("metadata = %v", got.Metadata)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestRedisReadRecentUnknownSession(t *testing.T) {
	s := newTestRedis(t, RetentionPolicy{MaxTurns: 100})
	turns, err := s.ReadRecent(context.Background(), "never-seen", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("ReadRecent() len = %d, want 0", len(turns))
	}
}

func TestRedisConcurrentAppendsKeepNewestUnderRetention(t *testing.T) {
	const writers = 30
	s := newTestRedis(t, RetentionPolicy{MaxTurns: 3})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: fmt.Sprintf("msg %d", n)}); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	turns, err := s.ReadRecent(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("retained %d turns, want 3", len(turns))
	}
	// Eviction must keep the highest sequence numbers: a slower writer's
	// trim landing after a faster one must never drop a newer turn.
	want := int64(writers - 2)
	for i, turn := range turns {
		if turn.Seq != want+int64(i) {
			t.Fatalf("retained seqs %v, want [%d..%d]", seqsOf(turns), want, writers)
		}
	}
}

func TestRedisFailedAppendLeavesNoSeqGap(t *testing.T) {
	s := newTestRedis(t, RetentionPolicy{MaxTurns: 100})
	ctx := context.Background()

	if _, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: "first"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	hook := &failPipelineHook{}
	s.client.AddHook(hook)

	hook.armed.Store(true)
	if _, err := s.Append(ctx, "sess", Turn{Role: RoleAssistant, Content: "lost"}); !IsStorageError(err) {
		t.Fatalf("Append() error = %v, want StorageError", err)
	}
	hook.armed.Store(false)

	seq, err := s.Append(ctx, "sess", Turn{Role: RoleAssistant, Content: "second"})
	if err != nil {
		t.Fatalf("Append() after recovery error = %v", err)
	}
	if seq != 2 {
		t.Fatalf("seq after failed append = %d, want contiguous 2", seq)
	}

	turns, err := s.ReadRecent(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if got := seqsOf(turns); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("committed seqs = %v, want gapless [1 2]", got)
	}
}

func TestRedisDeleteSessionIdempotentAndPrunesLock(t *testing.T) {
	s := newTestRedis(t, RetentionPolicy{MaxTurns: 100})
	ctx := context.Background()

	if _, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: "hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if got := s.locks.size(); got != 1 {
		t.Fatalf("lock entries = %d, want 1", got)
	}

	if err := s.DeleteSession(ctx, "sess"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if got := s.locks.size(); got != 0 {
		t.Fatalf("lock entries after delete = %d, want 0", got)
	}
	if err := s.DeleteSession(ctx, "sess"); err != nil {
		t.Fatalf("second DeleteSession() error = %v", err)
	}

	// Sequence numbering restarts for a recreated session.
	seq, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: "again"})
	if err != nil {
		t.Fatalf("Append() after delete error = %v", err)
	}
	if seq != 1 {
		t.Fatalf("seq after delete = %d, want 1", seq)
	}
}

func TestRedisClearSessionKeepsRecord(t *testing.T) {
	s := newTestRedis(t, RetentionPolicy{MaxTurns: 100})
	ctx := context.Background()

	if _, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: "hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.ClearSession(ctx, "sess"); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}

	turns, err := s.ReadRecent(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("turns after clear = %d, want 0", len(turns))
	}
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess" {
		t.Fatalf("sessions after clear = %+v, want the record kept", sessions)
	}
}

func seqsOf(turns []Turn) []int64 {
	out := make([]int64, len(turns))
	for i, t := range turns {
		out[i] = t.Seq
	}
	return out
}

// failPipelineHook fails pipelined commands while armed, leaving plain
// commands (INCR, DECR) untouched.
type failPipelineHook struct {
	armed atomic.Bool
}

func (h *failPipelineHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failPipelineHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *failPipelineHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.armed.Load() {
			return errors.New("pipeline unavailable")
		}
		return next(ctx, cmds)
	}
}
