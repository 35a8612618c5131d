package keylock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrTimeout is returned when a Redis lock could not be taken in time.
var ErrTimeout = errors.New("keylock: timed out waiting for lock")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared across instances. A holder that outlives ttl
// loses the lock, so ttl must comfortably exceed one record round trip.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	wait   time.Duration
	logger zerolog.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithLogger logs releases that found the lock already gone.
func WithLogger(l zerolog.Logger) RedisOption { return func(r *Redis) { r.logger = l } }

// NewRedis builds a Redis locker. wait bounds how long Lock polls before
// giving up with ErrTimeout.
func NewRedis(client *redis.Client, ttl, wait time.Duration, opts ...RedisOption) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = ttl
	}
	r := &Redis{
		client: client,
		prefix: "attendguard:lock:",
		ttl:    ttl,
		retry:  25 * time.Millisecond,
		wait:   wait,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Lock polls SET NX until it owns key.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("keylock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, r.client, []string{k}, token).Int()
		switch {
		case err != nil:
			r.logger.Debug().Err(err).Str("key", k).Msg("lock release failed")
		case n == 0:
			r.logger.Debug().Str("key", k).Dur("ttl", r.ttl).Msg("lock expired before release")
		}
	}, nil
}
