package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

func (s *MemoryStore) Allow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.windows[key] = kept

	if len(kept) >= limit {
		oldest := kept[0]
		retryAfter := window - now.Sub(oldest) + time.Second
		return false, retryAfter, nil
	}

	s.windows[key] = append(kept, now)
	return true, 0, nil
}
