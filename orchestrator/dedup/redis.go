package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyPrefix  = "storyfab:dedup:"
	defaultCacheTTL = 30 * 24 * time.Hour
)

// RedisCache mirrors processed-hash entries into Redis so sibling tooling
// (and a rebuilt node) can answer duplicate checks without the JSON file.
// The file remains the durable record; every cache call is best-effort.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects and pings the given address.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client, ttl: defaultCacheTTL}, nil
}

// Seen returns the mirrored entry for hash, or nil when absent.
func (c *RedisCache) Seen(ctx context.Context, hash string) (*Entry, error) {
	data, err := c.client.Get(ctx, cacheKeyPrefix+hash).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Record mirrors an entry with the cache TTL.
func (c *RedisCache) Record(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKeyPrefix+e.Hash, data, c.ttl).Err()
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
