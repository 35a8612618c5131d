package fraud

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindow is a RateCounter shared by every instance, backed by one
// sorted set per key scored by hit time.
type RedisWindow struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisWindow creates a counter over window storing keys under prefix.
func NewRedisWindow(client *redis.Client, prefix string, window time.Duration) *RedisWindow {
	if prefix == "" {
		prefix = "attendguard:rate:"
	}
	return &RedisWindow{client: client, prefix: prefix, window: window}
}

// Hit implements RateCounter.
func (r *RedisWindow) Hit(ctx context.Context, key string, now time.Time) (int, error) {
	k := r.prefix + key
	cutoff := now.Add(-r.window).UnixMilli()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, k)
	pipe.Expire(ctx, k, r.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}
