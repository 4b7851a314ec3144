package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

var (
	ErrCacheMiss           = errors.New(errors.ErrCodeNotFound, "cache miss")
	ErrSerializationFailed = errors.New(errors.ErrCodeSerialization, "serialization failed")
)

// Cache stores JSON documents under a namespace of the client prefix.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// GetOrSet fills dest from the cache or, on a miss, from loader, and
	// reports whether the cache served it. Loads of the same key in one
	// process are collapsed into a single call.
	GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader func(ctx context.Context) (interface{}, error)) (bool, error)
}

type jsonCache struct {
	client     *Client
	logger     logging.Logger
	namespace  string
	defaultTTL time.Duration
	jitter     bool
	loads      singleflight.Group
}

type CacheOption func(*jsonCache)

// WithNamespace scopes keys below the client prefix. Default: cache.
func WithNamespace(ns string) CacheOption {
	return func(c *jsonCache) { c.namespace = ns }
}

// WithDefaultTTL applies when Set or GetOrSet get a zero ttl.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *jsonCache) { c.defaultTTL = ttl }
}

// WithJitter spreads expiries by up to 10% either way.
func WithJitter(enabled bool) CacheOption {
	return func(c *jsonCache) { c.jitter = enabled }
}

func NewRedisCache(client *Client, log logging.Logger, opts ...CacheOption) Cache {
	c := &jsonCache{
		client:     client,
		logger:     log,
		namespace:  "cache",
		defaultTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *jsonCache) key(k string) string {
	return c.client.Key(c.namespace, k)
}

func (c *jsonCache) expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if c.jitter {
		ttl += time.Duration(float64(ttl) * 0.1 * (rand.Float64()*2 - 1))
	}
	return ttl
}

func (c *jsonCache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	switch {
	case err == redis.Nil:
		return ErrCacheMiss
	case err != nil:
		return errors.Wrap(err, errors.ErrCodeCacheError, "cache read failed")
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return ErrSerializationFailed.WithCause(err)
	}
	return nil
}

func (c *jsonCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return ErrSerializationFailed.WithCause(err)
	}
	return c.store(ctx, key, raw, ttl)
}

func (c *jsonCache) store(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), raw, c.expiry(ttl)).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "cache write failed")
	}
	return nil
}

func (c *jsonCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, c.key(k))
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "cache delete failed")
	}
	return nil
}

// GetOrSet treats a failing cache read like a miss: the loader still runs
// and the caller only sees loader errors.
func (c *jsonCache) GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader func(ctx context.Context) (interface{}, error)) (bool, error) {
	err := c.Get(ctx, key, dest)
	if err == nil {
		return true, nil
	}
	if err != ErrCacheMiss {
		c.logger.Warn("Cache read failed, loading from source", logging.String("key", key), logging.Err(err))
	}

	v, err, _ := c.loads.Do(key, func() (interface{}, error) {
		loaded, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(loaded)
		if err != nil {
			return nil, ErrSerializationFailed.WithCause(err)
		}
		if err := c.store(ctx, key, raw, ttl); err != nil {
			c.logger.Warn("Failed to populate cache", logging.String("key", key), logging.Err(err))
		}
		return raw, nil
	})
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(v.([]byte), dest); err != nil {
		return false, ErrSerializationFailed.WithCause(err)
	}
	return false, nil
}
