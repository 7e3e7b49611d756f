package store

import "sync"

// sessionLocks hands out one mutex per session id so same-session writers
// serialize without a store-wide lock. forget drops the entry when a
// session is deleted so id churn does not grow the map without bound.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (sl *sessionLocks) acquire(id string) *sync.Mutex {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	l, ok := sl.locks[id]
	if !ok {
		l = &sync.Mutex{}
		sl.locks[id] = l
	}
	return l
}

func (sl *sessionLocks) forget(id string) {
	sl.mu.Lock()
	delete(sl.locks, id)
	sl.mu.Unlock()
}

func (sl *sessionLocks) size() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.locks)
}
