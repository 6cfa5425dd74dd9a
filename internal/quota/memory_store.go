package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node use
// where durability across restarts is not needed.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) GetRolled(ctx context.Context, model string, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[model]
	if !ok {
		return nil, nil
	}
	rollover(rec, now)
	out := *rec
	return &out, nil
}

func (s *MemoryStore) Increment(ctx context.Context, model string, tokens int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[model]
	if !ok {
		s.records[model] = &Record{
			Model:          model,
			RequestsMinute: 1,
			RequestsHour:   1,
			RequestsDay:    1,
			TokensMinute:   tokens,
			TokensDay:      tokens,
			MinuteResetAt:  now.Add(time.Minute),
			HourResetAt:    now.Add(time.Hour),
			DayResetAt:     now.Add(24 * time.Hour),
			LastUpdated:    now,
		}
		return nil
	}

	rec.RequestsMinute++
	rec.RequestsHour++
	rec.RequestsDay++
	rec.TokensMinute += tokens
	rec.TokensDay += tokens
	rec.LastUpdated = now
	return nil
}

func rollover(rec *Record, now time.Time) {
	if !rec.MinuteResetAt.After(now) {
		rec.RequestsMinute = 0
		rec.TokensMinute = 0
		rec.MinuteResetAt = now.Add(time.Minute)
	}
	if !rec.HourResetAt.After(now) {
		rec.RequestsHour = 0
		rec.HourResetAt = now.Add(time.Hour)
	}
	if !rec.DayResetAt.After(now) {
		rec.RequestsDay = 0
		rec.TokensDay = 0
		rec.DayResetAt = now.Add(24 * time.Hour)
	}
}
