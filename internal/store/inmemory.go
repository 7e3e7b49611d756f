package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps sessions in process memory for local/dev use and tests.
// Each session has its own lock so writers to distinct sessions never block
// each other; the outer lock only guards the session map itself.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*memSession
	retention RetentionPolicy
}

type memSession struct {
	mu      sync.Mutex
	meta    Session
	nextSeq int64
	turns   []Turn
}

func NewInMemoryStore(retention RetentionPolicy) *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*memSession),
		retention: retention,
	}
}

func (s *InMemoryStore) session(id string, create bool) *memSession {
	s.mu.RLock()
	ms, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok || !create {
		return ms
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.sessions[id]; ok {
		return ms
	}
	now := time.Now().UTC()
	ms = &memSession{
		meta: Session{
			ID:             id,
			CreatedAt:      now,
			LastActivityAt: now,
			RetentionLimit: s.retention.MaxTurns,
		},
		nextSeq: 1,
	}
	s.sessions[id] = ms
	return ms
}

func (s *InMemoryStore) Append(ctx context.Context, sessionID string, turn Turn) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageErr("append", err)
	}

	ms := s.session(sessionID, true)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	turn.SessionID = sessionID
	turn.Seq = ms.nextSeq
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	ms.nextSeq++
	ms.turns = append(ms.turns, turn)
	ms.meta.LastActivityAt = turn.CreatedAt

	if limit := ms.meta.RetentionLimit; limit > 0 && len(ms.turns) > limit {
		ms.turns = append(ms.turns[:0:0], ms.turns[len(ms.turns)-limit:]...)
	}

	return turn.Seq, nil
}

func (s *InMemoryStore) ReadRecent(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	ms := s.session(sessionID, false)
	if ms == nil {
		return []Turn{}, nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	n := len(ms.turns)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Turn, limit)
	copy(out, ms.turns[n-limit:])
	return out, nil
}

func (s *InMemoryStore) ListSessions(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, ms := range s.sessions {
		ms.mu.Lock()
		out = append(out, ms.meta)
		ms.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemoryStore) ClearSession(_ context.Context, sessionID string) error {
	ms := s.session(sessionID, false)
	if ms == nil {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.turns = nil
	ms.meta.LastActivityAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
