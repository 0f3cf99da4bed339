package quota

import (
	"context"
	"sync"
	"time"
)

// LocalStore keeps per-user counters in process memory. It is the degraded
// fallback when the shared store is unreachable: per-instance accuracy only,
// no cross-instance consistency.
type LocalStore struct {
	mu    sync.Mutex
	users map[string]Snapshot
}

func NewLocalStore() *LocalStore {
	return &LocalStore{users: make(map[string]Snapshot)}
}

// Usage implements Store.
func (s *LocalStore) Usage(_ context.Context, key string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.users[key]
	return snap, ok, nil
}

// Increment implements Store, resetting the window to (now, 1) when expired.
func (s *LocalStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.users[key]
	if !ok || now.Sub(snap.WindowStart) >= window {
		snap = Snapshot{WindowStart: now, Count: 1}
	} else {
		snap.Count++
	}
	s.users[key] = snap
	return snap, nil
}
