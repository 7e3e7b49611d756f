package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T, retention RetentionPolicy) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conversations.db")
	s, err := NewSQLiteStore(path, retention)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSQLiteAppendAndReadRoundTrip(t *testing.T) {
	s, _ := newTestSQLite(t, RetentionPolicy{MaxTurns: 50})
	ctx := context.Background()

	conf := 0.92
	seq, err := s.Append(ctx, "sess", Turn{
		Role:       RoleHuman,
		Content:    "what is the weather",
		Intent:     "question_answering",
		Confidence: &conf,
		Metadata:   map[string]string{"source": "oracle"},
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
	if got.Role != RoleHuman || got.Content != "what is the weather" {
		t.Fatalf("ReadRecent() turn = %+v", got)
	}
	if got.Intent != "question_answering" {
		t.Fatalf("intent = %q, want question_answering", got.Intent)
	}
	if got.Confidence == nil || *got.Confidence != conf {
		t.Fatalf("confidence = %v, want %v", got.Confidence, conf)
	}
	if got.Metadata["source"] != "oracle" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("created_at not persisted")
	}
}

func TestSQLiteRetentionEvictsInSameTransaction(t *testing.T) {
	s, _ := newTestSQLite(t, RetentionPolicy{MaxTurns: 3})
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		if _, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	turns, err := s.ReadRecent(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	want := []int64{4, 5, 6}
	if len(turns) != len(want) {
		t.Fatalf("ReadRecent() len = %d, want %d", len(turns), len(want))
	}
	for i, turn := range turns {
		if turn.Seq != want[i] {
			t.Fatalf("turn %d seq = %d, want %d", i, turn.Seq, want[i])
		}
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	retention := RetentionPolicy{MaxTurns: 10}
	s, path := newTestSQLite(t, retention)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := s.Append(ctx, "sess", Turn{Role: RoleAssistant, Content: fmt.Sprintf("reply %d", i)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteStore(path, retention)
	if err != nil {
		t.Fatalf("NewSQLiteStore() reopen error = %v", err)
	}
	defer reopened.Close()

	turns, err := reopened.ReadRecent(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("ReadRecent() len = %d after reopen, want 3", len(turns))
	}

	// Seq continues where the previous process left off.
	seq, err := reopened.Append(ctx, "sess", Turn{Role: RoleHuman, Content: "back"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if seq != 4 {
		t.Fatalf("Append() seq = %d after reopen, want 4", seq)
	}
}

func TestSQLiteDeleteAndClear(t *testing.T) {
	s, _ := newTestSQLite(t, RetentionPolicy{MaxTurns: 10})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := s.Append(ctx, id, Turn{Role: RoleHuman, Content: "hi"}); err != nil {
			t.Fatalf("Append(%s) error = %v", id, err)
		}
	}

	if err := s.ClearSession(ctx, "a"); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	turns, err := s.ReadRecent(ctx, "a", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("ReadRecent() len = %d after clear, want 0", len(turns))
	}
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("ListSessions() len = %d after clear, want 2", len(sessions))
	}

	if err := s.DeleteSession(ctx, "b"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if err := s.DeleteSession(ctx, "b"); err != nil {
		t.Fatalf("DeleteSession() second call error = %v", err)
	}
	sessions, err = s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "a" {
		t.Fatalf("ListSessions() = %+v, want only session a", sessions)
	}
}

func TestSQLiteDeleteSessionPrunesLockEntry(t *testing.T) {
	s, _ := newTestSQLite(t, RetentionPolicy{MaxTurns: 10})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("churn-%d", i)
		if _, err := s.Append(ctx, id, Turn{Role: RoleHuman, Content: "hi"}); err != nil {
			t.Fatalf("Append(%s) error = %v", id, err)
		}
		if err := s.DeleteSession(ctx, id); err != nil {
			t.Fatalf("DeleteSession(%s) error = %v", id, err)
		}
	}
	if got := s.locks.size(); got != 0 {
		t.Fatalf("lock entries after churn = %d, want 0", got)
	}
}

func TestSQLiteConcurrentAppendsSameSession(t *testing.T) {
	s, _ := newTestSQLite(t, RetentionPolicy{MaxTurns: 200})
	ctx := context.Background()

	const n = 40
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: fmt.Sprintf("msg %d", i)})
			done <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	turns, err := s.ReadRecent(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != n {
		t.Fatalf("ReadRecent() len = %d, want %d", len(turns), n)
	}
	for i, turn := range turns {
		if turn.Seq != int64(i+1) {
			t.Fatalf("turn %d seq = %d, want %d", i, turn.Seq, i+1)
		}
	}
}
