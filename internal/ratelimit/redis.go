package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tableside/auth-core/internal/infrastructure/redis"
)

// RedisStore shares limiter state between processes. Windows are sorted sets
// scored by millisecond timestamps; locks and counters are plain strings with
// a PX expiry.
type RedisStore struct {
	rdb    goredis.Cmdable
	prefix string
}

// NewRedisStore wraps a connected client.
func NewRedisStore(c *redis.Client) *RedisStore {
	return &RedisStore{rdb: c.Client, prefix: c.Prefix() + "rl:"}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) AddFailure(ctx context.Context, key string, at time.Time, window time.Duration) (Window, error) {
	k := s.key(key)
	cutoff := strconv.FormatInt(at.Add(-window).UnixMilli(), 10)

	var card *goredis.IntCmd
	var oldest *goredis.ZSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", cutoff)
		pipe.ZAdd(ctx, k, goredis.Z{
			Score:  float64(at.UnixMilli()),
			Member: uuid.NewString(),
		})
		card = pipe.ZCard(ctx, k)
		oldest = pipe.ZRangeWithScores(ctx, k, 0, 0)
		pipe.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return Window{}, fmt.Errorf("recording failure: %w", err)
	}
	return windowFrom(card.Val(), oldest.Val()), nil
}

func (s *RedisStore) Window(ctx context.Context, key string, at time.Time, window time.Duration) (Window, error) {
	k := s.key(key)
	lo := "(" + strconv.FormatInt(at.Add(-window).UnixMilli(), 10)
	hi := strconv.FormatInt(at.UnixMilli(), 10)

	var card *goredis.IntCmd
	var oldest *goredis.ZSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		card = pipe.ZCount(ctx, k, lo, hi)
		oldest = pipe.ZRangeByScoreWithScores(ctx, k, &goredis.ZRangeBy{
			Min: lo, Max: hi, Offset: 0, Count: 1,
		})
		return nil
	})
	if err != nil {
		return Window{}, fmt.Errorf("reading window: %w", err)
	}
	return windowFrom(card.Val(), oldest.Val()), nil
}

func windowFrom(count int64, oldest []goredis.Z) Window {
	w := Window{Count: int(count)}
	if len(oldest) > 0 {
		w.Oldest = time.UnixMilli(int64(oldest[0].Score)).UTC()
	}
	return w
}

func (s *RedisStore) SetLock(ctx context.Context, key string, until, now time.Time) error {
	ttl := until.Sub(now)
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, s.key(key), until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("setting lock: %w", err)
	}
	return nil
}

func (s *RedisStore) LockedUntil(ctx context.Context, key string, now time.Time) (time.Time, error) {
	ms, err := s.rdb.Get(ctx, s.key(key)).Int64()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading lock: %w", err)
	}
	until := time.UnixMilli(ms).UTC()
	if !until.After(now) {
		return time.Time{}, nil
	}
	return until, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration, _ time.Time) (int, error) {
	k := s.key(key)
	var incr *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing counter: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("deleting keys: %w", err)
	}
	return nil
}
