// Package quota tracks per-model request and token usage over
// minute/hour/day windows. Counters are persisted so limits survive
// process restarts; windows roll over lazily on access.
package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Record is the persisted usage row for one model.
type Record struct {
	Model          string    `json:"model_name"`
	RequestsMinute int       `json:"requests_minute"`
	RequestsHour   int       `json:"requests_hour"`
	RequestsDay    int       `json:"requests_day"`
	TokensMinute   int64     `json:"tokens_minute"`
	TokensDay      int64     `json:"tokens_day"`
	MinuteResetAt  time.Time `json:"minute_reset_at"`
	HourResetAt    time.Time `json:"hour_reset_at"`
	DayResetAt     time.Time `json:"day_reset_at"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Store persists usage records. Implementations must make both
// operations atomic: GetRolled resets any expired windows together
// with the read, Increment is an upsert increment safe under
// concurrent callers.
type Store interface {
	// GetRolled returns the record for model after rolling over
	// expired windows, or nil when no record exists yet.
	GetRolled(ctx context.Context, model string, now time.Time) (*Record, error)
	// Increment adds one request and the given tokens to the model's
	// counters, creating the record on first use.
	Increment(ctx context.Context, model string, tokens int64, now time.Time) error
}

// Limits are the per-window request caps for every model.
type Limits struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
}

// DefaultLimits returns deliberately conservative caps.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute: 10,
		RequestsPerHour:   100,
		RequestsPerDay:    1000,
	}
}

// Tracker answers availability questions and records usage. Quota is
// an advisory gate: storage errors are logged and fail open rather
// than surfacing to the request path.
type Tracker struct {
	store   Store
	limits  Limits
	enabled bool
	logger  *zap.Logger
	now     func() time.Time
}

func NewTracker(store Store, limits Limits, enabled bool, logger *zap.Logger) *Tracker {
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	return &Tracker{
		store:   store,
		limits:  limits,
		enabled: enabled,
		logger:  logger,
		now:     time.Now,
	}
}

// CheckAvailability reports whether model may serve another request.
// Windows are checked tightest first so the reason names the first
// violated one. A model with no usage record is unrestricted.
func (t *Tracker) CheckAvailability(ctx context.Context, model string) (bool, string) {
	if !t.enabled {
		return true, "quota tracking disabled"
	}

	rec, err := t.store.GetRolled(ctx, model, t.now())
	if err != nil {
		t.logger.Warn("quota check failed, allowing request",
			zap.String("model", model), zap.Error(err))
		return true, "quota check unavailable"
	}
	if rec == nil {
		return true, "OK"
	}

	if rec.RequestsMinute >= t.limits.RequestsPerMinute {
		return false, fmt.Sprintf("RPM limit reached (%d/%d)", rec.RequestsMinute, t.limits.RequestsPerMinute)
	}
	if rec.RequestsHour >= t.limits.RequestsPerHour {
		return false, fmt.Sprintf("RPH limit reached (%d/%d)", rec.RequestsHour, t.limits.RequestsPerHour)
	}
	if rec.RequestsDay >= t.limits.RequestsPerDay {
		return false, fmt.Sprintf("RPD limit reached (%d/%d)", rec.RequestsDay, t.limits.RequestsPerDay)
	}
	return true, "OK"
}

// IncrementUsage records one request and its token consumption.
func (t *Tracker) IncrementUsage(ctx context.Context, model string, tokens int64) {
	if !t.enabled {
		return
	}

	now := t.now()
	// Roll expired windows first so the increment lands in the
	// current window rather than inflating a stale one.
	if _, err := t.store.GetRolled(ctx, model, now); err != nil {
		t.logger.Warn("quota rollover failed", zap.String("model", model), zap.Error(err))
	}
	if err := t.store.Increment(ctx, model, tokens, now); err != nil {
		t.logger.Warn("quota increment failed", zap.String("model", model), zap.Error(err))
	}
}

// Usage returns the current record for model, rolling windows first.
func (t *Tracker) Usage(ctx context.Context, model string) (*Record, error) {
	return t.store.GetRolled(ctx, model, t.now())
}
