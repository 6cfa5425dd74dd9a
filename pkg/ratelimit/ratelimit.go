// Package ratelimit provides a sliding-window request limiter keyed by
// caller identity. It protects against caller abuse and is independent
// of provider-side breakers and quotas.
package ratelimit

import (
	"context"
	"time"
)

// Store holds the per-key timestamp windows.
type Store interface {
	// Allow prunes timestamps older than window for key, then either
	// records now and allows the call, or rejects it with a retry
	// hint derived from the oldest retained timestamp.
	Allow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error)
}

// Limiter is a thin policy wrapper over a Store.
type Limiter struct {
	store   Store
	limit   int
	window  time.Duration
	enabled bool
	now     func() time.Time
}

func NewLimiter(store Store, limit int, window time.Duration, enabled bool) *Limiter {
	return &Limiter{
		store:   store,
		limit:   limit,
		window:  window,
		enabled: enabled,
		now:     time.Now,
	}
}

// Allow reports whether the caller identified by key may proceed.
// When rejected, retryAfter estimates how long until a slot frees up.
func (l *Limiter) Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error) {
	if !l.enabled {
		return true, 0, nil
	}
	return l.store.Allow(ctx, key, l.now(), l.window, l.limit)
}
