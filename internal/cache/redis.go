package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared key-value cache: read-through on the catalog read
// path, invalidate-on-write from the order core. Backend errors are logged
// and swallowed; a broken cache degrades to uncached reads, never to a
// failed request.
type Redis struct {
	log *slog.Logger
	rdb *redis.Client
}

func NewRedis(log *slog.Logger, rdb *redis.Client) *Redis {
	return &Redis{log: log, rdb: rdb}
}

// Get unmarshals the cached value for key into dest, reporting whether a
// value was present.
func (c *Redis) Get(ctx context.Context, key string, dest any) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("cache get failed", "key", key, "err", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.log.Warn("cache entry corrupt, dropping", "key", key, "err", err)
		c.Delete(ctx, key)
		return false
	}
	return true
}

func (c *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("cache marshal failed", "key", key, "err", err)
		return
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Warn("cache set failed", "key", key, "err", err)
	}
}

func (c *Redis) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("cache delete failed", "keys", keys, "err", err)
	}
}

// DeleteByPattern removes every key matching pattern via SCAN and returns
// the number of keys dropped.
func (c *Redis) DeleteByPattern(ctx context.Context, pattern string) int {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.Warn("cache scan failed", "pattern", pattern, "err", err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	deleted, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("cache pattern delete failed", "pattern", pattern, "err", err)
		return 0
	}
	return int(deleted)
}
