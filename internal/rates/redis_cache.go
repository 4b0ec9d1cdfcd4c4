package rates

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisCache is a Redis-backed rate cache shared across processes.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis-backed rate cache from a connection URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (r *RedisCache) Get(ctx context.Context, from, to string) (decimal.Decimal, bool, error) {
	raw, err := r.client.Get(ctx, key(from, to)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		// Corrupt cache entry; treat as a miss rather than poisoning callers.
		return decimal.Zero, false, nil
	}
	return v, true, nil
}

func (r *RedisCache) Set(ctx context.Context, from, to string, rate decimal.Decimal, ttl time.Duration) error {
	return r.client.Set(ctx, key(from, to), rate.String(), ttl).Err()
}

// Ping verifies connectivity, used by the health registry.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func key(from, to string) string {
	return "rates:" + from + ":" + to
}

// Compile-time assertion that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)
