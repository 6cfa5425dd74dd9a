package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps one row per model in the model_quotas table.
// The row layout is a stable contract: operational tooling may read
// it directly.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS model_quotas (
	model_name      TEXT PRIMARY KEY,
	requests_minute INTEGER NOT NULL DEFAULT 0,
	requests_hour   INTEGER NOT NULL DEFAULT 0,
	requests_day    INTEGER NOT NULL DEFAULT 0,
	tokens_minute   BIGINT NOT NULL DEFAULT 0,
	tokens_day      BIGINT NOT NULL DEFAULT 0,
	minute_reset_at TIMESTAMPTZ NOT NULL,
	hour_reset_at   TIMESTAMPTZ NOT NULL,
	day_reset_at    TIMESTAMPTZ NOT NULL,
	last_updated    TIMESTAMPTZ NOT NULL
)
`

// EnsureSchema creates the model_quotas table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure model_quotas schema: %w", err)
	}
	return nil
}

// GetRolled resets any expired windows and returns the row in one
// statement, so concurrent checks never observe a stale window.
func (s *PostgresStore) GetRolled(ctx context.Context, model string, now time.Time) (*Record, error) {
	query := `
		UPDATE model_quotas SET
			requests_minute = CASE WHEN minute_reset_at <= $2 THEN 0 ELSE requests_minute END,
			tokens_minute   = CASE WHEN minute_reset_at <= $2 THEN 0 ELSE tokens_minute END,
			minute_reset_at = CASE WHEN minute_reset_at <= $2 THEN $2 + interval '1 minute' ELSE minute_reset_at END,
			requests_hour   = CASE WHEN hour_reset_at <= $2 THEN 0 ELSE requests_hour END,
			hour_reset_at   = CASE WHEN hour_reset_at <= $2 THEN $2 + interval '1 hour' ELSE hour_reset_at END,
			requests_day    = CASE WHEN day_reset_at <= $2 THEN 0 ELSE requests_day END,
			tokens_day      = CASE WHEN day_reset_at <= $2 THEN 0 ELSE tokens_day END,
			day_reset_at    = CASE WHEN day_reset_at <= $2 THEN $2 + interval '1 day' ELSE day_reset_at END
		WHERE model_name = $1
		RETURNING model_name, requests_minute, requests_hour, requests_day,
			tokens_minute, tokens_day, minute_reset_at, hour_reset_at, day_reset_at, last_updated
	`
	var rec Record
	err := s.db.QueryRow(ctx, query, model, now).Scan(
		&rec.Model, &rec.RequestsMinute, &rec.RequestsHour, &rec.RequestsDay,
		&rec.TokensMinute, &rec.TokensDay,
		&rec.MinuteResetAt, &rec.HourResetAt, &rec.DayResetAt, &rec.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to roll quota record: %w", err)
	}
	return &rec, nil
}

// Increment upserts the row with a transactional increment, seeding
// reset times one window ahead on first use.
func (s *PostgresStore) Increment(ctx context.Context, model string, tokens int64, now time.Time) error {
	query := `
		INSERT INTO model_quotas (
			model_name, requests_minute, requests_hour, requests_day,
			tokens_minute, tokens_day, minute_reset_at, hour_reset_at, day_reset_at, last_updated
		) VALUES (
			$1, 1, 1, 1, $2, $2,
			$3 + interval '1 minute', $3 + interval '1 hour', $3 + interval '1 day', $3
		)
		ON CONFLICT (model_name) DO UPDATE SET
			requests_minute = model_quotas.requests_minute + 1,
			requests_hour   = model_quotas.requests_hour + 1,
			requests_day    = model_quotas.requests_day + 1,
			tokens_minute   = model_quotas.tokens_minute + EXCLUDED.tokens_minute,
			tokens_day      = model_quotas.tokens_day + EXCLUDED.tokens_day,
			last_updated    = EXCLUDED.last_updated
	`
	if _, err := s.db.Exec(ctx, query, model, tokens, now); err != nil {
		return fmt.Errorf("failed to increment quota usage: %w", err)
	}
	return nil
}
