package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each caller's window in a sorted set scored by
// request time, so multiple gateway instances share one view.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Allow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	redisKey := fmt.Sprintf("ratelimit:caller:%s", key)
	cutoff := now.Add(-window)

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit window read failed: %w", err)
	}

	if int(countCmd.Val()) >= limit {
		retryAfter := window + time.Second
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			retryAfter = window - now.Sub(oldestAt) + time.Second
		}
		return false, retryAfter, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe = s.rdb.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, redisKey, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit window update failed: %w", err)
	}
	return true, 0, nil
}
