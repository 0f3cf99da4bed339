package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalStore is the process-local backing store, used when no shared Redis
// store is configured. It lives for the process lifetime and enforces the
// same sliding-window semantics, but only sees this instance's traffic —
// a degraded, per-instance approximation by contract.
type LocalStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// TakeSlot implements Store. A single mutex guards all identities; contention
// is acceptable here because the local store is already the degraded path.
func (s *LocalStore) TakeSlot(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-window)

	kept := s.windows[key][:0]
	for _, t := range s.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	res := Result{Count: len(kept)}
	if len(kept) > 0 {
		res.Oldest = kept[0]
	}

	if len(kept) >= limit {
		s.windows[key] = kept
		return res, nil
	}

	kept = append(kept, now)
	s.windows[key] = kept
	res.Allowed = true
	res.Count = len(kept)
	if res.Oldest.IsZero() {
		res.Oldest = now
	}
	return res, nil
}

// Len reports the number of tracked identities (for stats/tests).
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
