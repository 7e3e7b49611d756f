package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestInMemoryAppendAssignsGaplessSeq(t *testing.T) {
	s := NewInMemoryStore(RetentionPolicy{MaxTurns: 100})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: fmt.Sprintf("msg %d", i)})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if seq != int64(i) {
			t.Fatalf("Append() seq = %d, want %d", seq, i)
		}
	}

	turns, err := s.ReadRecent(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != 5 {
		t.Fatalf("ReadRecent() len = %d, want 5", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != int64(i+1) {
			t.Fatalf("turn %d seq = %d, want %d", i, turn.Seq, i+1)
		}
	}
}

func TestInMemoryRetentionEvictsOldest(t *testing.T) {
	s := NewInMemoryStore(RetentionPolicy{MaxTurns: 3})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	turns, err := s.ReadRecent(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("ReadRecent() len = %d, want 3", len(turns))
	}
	// Oldest survivors go first; seqs keep counting past eviction.
	want := []int64{3, 4, 5}
	for i, turn := range turns {
		if turn.Seq != want[i] {
			t.Fatalf("turn %d seq = %d, want %d", i, turn.Seq, want[i])
		}
	}

	seq, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: "msg 6"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if seq != 6 {
		t.Fatalf("Append() seq = %d, want 6 after eviction", seq)
	}
}

func TestInMemoryReadRecentLimit(t *testing.T) {
	s := NewInMemoryStore(RetentionPolicy{MaxTurns: 100})
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		if _, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	turns, err := s.ReadRecent(ctx, "sess", 4)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("ReadRecent() len = %d, want 4", len(turns))
	}
	if turns[0].Seq != 7 || turns[3].Seq != 10 {
		t.Fatalf("ReadRecent() window = [%d..%d], want [7..10]", turns[0].Seq, turns[3].Seq)
	}
}

func TestInMemoryUnknownSessionIsEmpty(t *testing.T) {
	s := NewInMemoryStore(RetentionPolicy{MaxTurns: 10})
	turns, err := s.ReadRecent(context.Background(), "missing", 5)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("ReadRecent() len = %d, want 0", len(turns))
	}
}

func TestInMemoryDeleteSessionIdempotent(t *testing.T) {
	s := NewInMemoryStore(RetentionPolicy{MaxTurns: 10})
	ctx := context.Background()

	if _, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: "hi"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.DeleteSession(ctx, "sess"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if err := s.DeleteSession(ctx, "sess"); err != nil {
		t.Fatalf("DeleteSession() second call error = %v", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("ListSessions() len = %d, want 0", len(sessions))
	}

	// Fresh session after delete starts over at seq 1.
	seq, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: "again"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if seq != 1 {
		t.Fatalf("Append() seq = %d, want 1 after delete", seq)
	}
}

func TestInMemoryClearKeepsSession(t *testing.T) {
	s := NewInMemoryStore(RetentionPolicy{MaxTurns: 10})
	ctx := context.Background()

	if _, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: "hi"}); err != nil {
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
		t.Fatalf("ReadRecent() len = %d after clear, want 0", len(turns))
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess" {
		t.Fatalf("ListSessions() = %+v, want the cleared session to remain", sessions)
	}
}

func TestInMemoryConcurrentAppendsSameSession(t *testing.T) {
	s := NewInMemoryStore(RetentionPolicy{MaxTurns: 1000})
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := s.Append(ctx, "sess", Turn{Role: RoleHuman, Content: fmt.Sprintf("msg %d", i)})
			if err != nil {
				t.Errorf("Append() error = %v", err)
				return
			}
			seqs <- seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate seq %d", seq)
		}
		seen[seq] = true
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("missing seq %d", i)
		}
	}
}

func TestInMemoryConcurrentAppendsDistinctSessions(t *testing.T) {
	s := NewInMemoryStore(RetentionPolicy{MaxTurns: 100})
	ctx := context.Background()

	const sessions = 10
	const perSession = 20
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("sess-%d", i)
			for j := 0; j < perSession; j++ {
				if _, err := s.Append(ctx, id, Turn{Role: RoleHuman, Content: fmt.Sprintf("msg %d", j)}); err != nil {
					t.Errorf("Append(%s) error = %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("sess-%d", i)
		turns, err := s.ReadRecent(ctx, id, 0)
		if err != nil {
			t.Fatalf("ReadRecent(%s) error = %v", id, err)
		}
		if len(turns) != perSession {
			t.Fatalf("ReadRecent(%s) len = %d, want %d", id, len(turns), perSession)
		}
		for j, turn := range turns {
			if turn.Seq != int64(j+1) {
				t.Fatalf("%s turn %d seq = %d, want %d", id, j, turn.Seq, j+1)
			}
		}
	}
}
