package query

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leads-cli/internal/config"
)

const (
	keyPrefix     = "leads:top:"
	generationKey = keyPrefix + "gen"
)

// Cache stores encoded query results. Invalidate makes every earlier entry
// unreachable.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Invalidate(ctx context.Context) error
}

// redisClient is the subset of *redis.Client the cache uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisCache keys entries by a generation counter. Invalidation bumps the
// counter; old entries expire by TTL.
type RedisCache struct {
	client redisClient
	ttl    time.Duration
	closer func() error
}

// NewRedisCache connects to Redis. It returns nil when no address is configured.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "query: connect redis %s", cfg.Addr)
	}
	c := newRedisCache(client, time.Duration(cfg.TTLSeconds)*time.Second)
	c.closer = client.Close
	return c, nil
}

func newRedisCache(client redisClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) generation(ctx context.Context) (string, error) {
	gen, err := c.client.Get(ctx, generationKey).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "query: read cache generation")
	}
	return gen, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, false, err
	}
	val, err := c.client.Get(ctx, keyPrefix+gen+":"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "query: cache get")
	}
	return val, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, keyPrefix+gen+":"+key, value, c.ttl).Err(); err != nil {
		return eris.Wrap(err, "query: cache set")
	}
	return nil
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return eris.Wrap(err, "query: bump cache generation")
	}
	return nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}
