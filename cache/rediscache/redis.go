// Package rediscache stores query results in Redis so several processes share one cache.
// Invalidation deletes the matching entries; the next read misses and refetches.
package rediscache

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-redis/redis/v9"

	"github.com/autom8ter/rtsync/cache"
	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/util"
)

func init() {
	cache.Register("redis", func(params map[string]any) (cache.QueryCache, error) {
		var cfg Config
		if err := util.Decode(params, &cfg); err != nil {
			return nil, err
		}
		return Open(context.Background(), cfg)
	})
}

// Config configures the redis cache
type Config struct {
	URL       string `json:"url" validate:"required"`
	Namespace string `json:"namespace"`
}

// Cache is a redis backed cache.QueryCache
type Cache struct {
	client    *redis.Client
	namespace string
}

var _ cache.QueryCache = (*Cache)(nil)

// Open connects to redis and pings it
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	if err := util.ValidateStruct(&cfg); err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "invalid redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.Unavailable, "failed to ping redis")
	}
	return New(client, cfg.Namespace), nil
}

// New wraps an existing client. Keys are stored under namespace (default "rtsync").
func New(client *redis.Client, namespace string) *Cache {
	if namespace == "" {
		namespace = "rtsync"
	}
	return &Cache{client: client, namespace: namespace}
}

func (c *Cache) redisKey(key cache.Key) string {
	return c.namespace + ":" + key.String()
}

// Get returns the decoded value at key
func (c *Cache) Get(ctx context.Context, key cache.Key) (any, bool, error) {
	bits, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.Unavailable, "failed to get %s", key)
	}
	var value any
	if err := json.Unmarshal(bits, &value); err != nil {
		return nil, false, errors.Wrap(err, errors.Internal, "failed to decode %s", key)
	}
	return value, true, nil
}

func (c *Cache) SetData(ctx context.Context, key cache.Key, value any) error {
	bits, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.Validation, "failed to encode %s", key)
	}
	if err := c.client.Set(ctx, c.redisKey(key), bits, 0).Err(); err != nil {
		return errors.Wrap(err, errors.Unavailable, "failed to set %s", key)
	}
	return nil
}

func (c *Cache) RemoveData(ctx context.Context, key cache.Key) error {
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return errors.Wrap(err, errors.Unavailable, "failed to remove %s", key)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, keys ...cache.Key) error {
	for _, key := range keys {
		prefix := c.redisKey(key)
		iter := c.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
		var matched []string
		for iter.Next(ctx) {
			k := iter.Val()
			// items/list must not match items/listing
			if k == prefix || strings.HasPrefix(k, prefix+"/") {
				matched = append(matched, k)
			}
		}
		if err := iter.Err(); err != nil {
			return errors.Wrap(err, errors.Unavailable, "failed to scan %s", key)
		}
		if len(matched) == 0 {
			continue
		}
		if err := c.client.Del(ctx, matched...).Err(); err != nil {
			return errors.Wrap(err, errors.Unavailable, "failed to invalidate %s", key)
		}
	}
	return nil
}

// Close closes the redis client
func (c *Cache) Close() error {
	return c.client.Close()
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
