package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(limit int, window time.Duration) (*Limiter, *time.Time) {
	l := NewLimiter(NewMemoryStore(), limit, window, true)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, retryAfter, err := l.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("request over the limit should be rejected")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %v, want positive", retryAfter)
	}
}

func TestWindowSlides(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute)
	ctx := context.Background()

	l.Allow(ctx, "k")
	*now = now.Add(30 * time.Second)
	l.Allow(ctx, "k")

	if allowed, _, _ := l.Allow(ctx, "k"); allowed {
		t.Fatal("third request inside the window should be rejected")
	}

	// The first timestamp falls out of the window; one slot frees up.
	*now = now.Add(31 * time.Second)
	if allowed, _, _ := l.Allow(ctx, "k"); !allowed {
		t.Fatal("request should be allowed once the oldest entry expires")
	}
	if allowed, _, _ := l.Allow(ctx, "k"); allowed {
		t.Fatal("window should be full again")
	}
}

func TestKeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	ctx := context.Background()

	l.Allow(ctx, "a")
	if allowed, _, _ := l.Allow(ctx, "b"); !allowed {
		t.Error("one caller's window must not affect another's")
	}
}

func TestRetryAfterFromOldestEntry(t *testing.T) {
	l, now := newTestLimiter(1, time.Minute)
	ctx := context.Background()

	l.Allow(ctx, "k")
	*now = now.Add(20 * time.Second)

	_, retryAfter, _ := l.Allow(ctx, "k")
	// Oldest entry is 20s old in a 60s window: 40s remain, plus the
	// one-second rounding cushion.
	if retryAfter != 41*time.Second {
		t.Errorf("retryAfter = %v, want 41s", retryAfter)
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), 1, time.Minute, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if allowed, _, _ := l.Allow(ctx, "k"); !allowed {
			t.Fatal("disabled limiter must not reject")
		}
	}
}
