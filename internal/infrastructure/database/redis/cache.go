package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
)

var (
	// ErrCacheMiss is returned when a key is absent or negatively cached.
	// Callers compare against it directly, so it is never decorated.
	ErrCacheMiss = errors.New(errors.ErrCodeCacheError, "cache miss")

	ErrSerializationFailed = errors.New(errors.ErrCodeSerialization, "cache serialization failed")
)

// nullValue is the sentinel stored for negatively cached keys.  It keeps
// repeated lookups of a nonexistent entity from hammering the database.
const nullValue = "__null__"

// Serializer converts cached values to and from their stored byte form.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonSerializer) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// Cache is the generic key/value cache used by the adapters in this package
// and by the HTTP rate limiter.  Values are serialized as JSON by default.
type Cache interface {
	// Get loads the value stored under key into dest.  An absent or
	// negatively cached key yields ErrCacheMiss.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores value under key.  A non-positive ttl falls back to the
	// cache's default; the effective ttl is jittered to spread expiry.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes the given keys.
	Delete(ctx context.Context, keys ...string) error

	// DeleteByPrefix removes every key sharing the given prefix (relative to
	// the cache's own prefix), scanning in batches.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire resets the ttl of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr atomically increments the integer stored at key, creating it at
	// zero when absent.
	Incr(ctx context.Context, key string) (int64, error)

	// GetOrSet returns the cached value for key, or runs loader to produce
	// it, caching the result.  Concurrent callers for the same key share a
	// single loader execution.  A loader returning (nil, nil) negatively
	// caches the key and the call yields ErrCacheMiss.  Cache-side read
	// failures degrade to the loader rather than failing the call.
	GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader func(ctx context.Context) (interface{}, error)) error

	// Ping verifies the cache backend is reachable.
	Ping(ctx context.Context) error
}

type redisCache struct {
	client       *Client
	logger       logging.Logger
	serializer   Serializer
	prefix       string
	defaultTTL   time.Duration
	nullCacheTTL time.Duration
	jitter       func(time.Duration) time.Duration
	group        singleflight.Group
}

var _ Cache = (*redisCache)(nil)

// CacheOption customizes a redisCache.
type CacheOption func(*redisCache)

// WithPrefix overrides the key prefix ("ablab:" by default).
func WithPrefix(prefix string) CacheOption {
	return func(c *redisCache) { c.prefix = prefix }
}

// WithDefaultTTL overrides the ttl applied when Set receives a non-positive one.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *redisCache) { c.defaultTTL = ttl }
}

// WithNullCacheTTL overrides the lifetime of negative-cache sentinels.
func WithNullCacheTTL(ttl time.Duration) CacheOption {
	return func(c *redisCache) { c.nullCacheTTL = ttl }
}

// WithSerializer swaps the JSON serializer for a custom one.
func WithSerializer(s Serializer) CacheOption {
	return func(c *redisCache) { c.serializer = s }
}

// NewRedisCache builds a Cache on top of the given client.
func NewRedisCache(client *Client, log logging.Logger, opts ...CacheOption) Cache {
	c := &redisCache{
		client:       client,
		logger:       log,
		serializer:   jsonSerializer{},
		prefix:       "ablab:",
		defaultTTL:   15 * time.Minute,
		nullCacheTTL: 30 * time.Second,
		jitter:       jitterTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *redisCache) buildKey(key string) string {
	return c.prefix + key
}

// jitterTTL spreads expirations by up to ±10% so that entries written in the
// same burst do not all expire in the same instant.
func jitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	jitter := int64(float64(ttl) * 0.1)
	if jitter <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(2*jitter)-jitter) //nolint:gosec // expiry spread, not security sensitive
}

func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.buildKey(key)).Bytes()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to get cache key").WithDetail("key=" + key)
	}
	if string(data) == nullValue {
		return ErrCacheMiss
	}
	if err := c.serializer.Unmarshal(data, dest); err != nil {
		return ErrSerializationFailed.WithCause(err)
	}
	return nil
}

func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := c.serializer.Marshal(value)
	if err != nil {
		return ErrSerializationFailed.WithCause(err)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, c.buildKey(key), data, c.jitter(ttl)).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to set cache key").WithDetail("key=" + key)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.buildKey(k)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to delete cache keys")
	}
	return nil
}

func (c *redisCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	var (
		cursor  uint64
		deleted int
	)
	pattern := c.buildKey(prefix) + "*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeCacheError, "failed to scan cache keys").WithDetail("pattern=" + pattern)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Wrap(err, errors.ErrCodeCacheError, "failed to delete scanned cache keys")
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if deleted > 0 {
		c.logger.Debug("deleted cache keys by prefix",
			logging.String("pattern", pattern),
			logging.Int("count", deleted),
		)
	}
	return nil
}

func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.buildKey(key)).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeCacheError, "failed to check cache key").WithDetail("key=" + key)
	}
	return n > 0, nil
}

func (c *redisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, c.buildKey(key), ttl).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to expire cache key").WithDetail("key=" + key)
	}
	return nil
}

func (c *redisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, c.buildKey(key)).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeCacheError, "failed to read cache key ttl").WithDetail("key=" + key)
	}
	return ttl, nil
}

func (c *redisCache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, c.buildKey(key)).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeCacheError, "failed to increment cache key").WithDetail("key=" + key)
	}
	return n, nil
}

func (c *redisCache) GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader func(ctx context.Context) (interface{}, error)) error {
	data, err := c.client.Get(ctx, c.buildKey(key)).Bytes()
	switch {
	case err == nil:
		if string(data) == nullValue {
			return ErrCacheMiss
		}
		if uerr := c.serializer.Unmarshal(data, dest); uerr == nil {
			return nil
		}
		// Corrupt payload; reload below.
	case err != redis.Nil:
		c.logger.Warn("cache read failed, falling through to loader",
			logging.String("key", key),
			logging.Err(err),
		)
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		loaded, lerr := loader(ctx)
		if lerr != nil {
			return nil, lerr
		}
		if loaded == nil {
			c.setNull(ctx, key)
			return nil, ErrCacheMiss
		}
		if serr := c.Set(ctx, key, loaded, ttl); serr != nil {
			c.logger.Warn("cache write failed after load",
				logging.String("key", key),
				logging.Err(serr),
			)
		}
		return loaded, nil
	})
	if err != nil {
		return err
	}

	// Followers of the singleflight share the leader's value, so copy it into
	// dest through the serializer regardless of which caller produced it.
	raw, err := c.serializer.Marshal(v)
	if err != nil {
		return ErrSerializationFailed.WithCause(err)
	}
	if err := c.serializer.Unmarshal(raw, dest); err != nil {
		return ErrSerializationFailed.WithCause(err)
	}
	return nil
}

func (c *redisCache) setNull(ctx context.Context, key string) {
	if err := c.client.Set(ctx, c.buildKey(key), nullValue, c.nullCacheTTL).Err(); err != nil {
		c.logger.Warn("failed to negatively cache key",
			logging.String("key", key),
			logging.Err(err),
		)
	}
}

func (c *redisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}
