package dedupcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaelstrom/pixelsync/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisCache is the shared-cache alternative to BoltCache, used when
// multiple ingestion processes need to see each other's dedup entries
// (dedup.backend: redis in configuration).
type RedisCache struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures the redis-backed dedup cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces keys so a shared redis instance can host
	// more than one pixelsync deployment.
	KeyPrefix string
}

// NewRedisCache dials addr and returns a ready-to-use cache. The
// connection is verified with a PING before returning.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("dedupcache: redis ping %s: %w", cfg.Addr, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pixelsync:dedup:"
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

func (c *RedisCache) redisKey(collection, hash string) string {
	return c.prefix + key(collection, hash)
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, collection, hash string) (types.DedupCacheEntry, error) {
	raw, err := c.client.Get(ctx, c.redisKey(collection, hash)).Bytes()
	if err == redis.Nil {
		return types.DedupCacheEntry{}, ErrNotFound
	}
	if err != nil {
		return types.DedupCacheEntry{}, fmt.Errorf("dedupcache: redis get %s: %w", key(collection, hash), err)
	}
	var entry types.DedupCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return types.DedupCacheEntry{}, fmt.Errorf("dedupcache: decode entry: %w", err)
	}
	return entry, nil
}

// Put implements Cache. SET is atomic per key in redis by construction.
func (c *RedisCache) Put(ctx context.Context, collection, hash string, entry types.DedupCacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dedupcache: encode entry: %w", err)
	}
	if err := c.client.Set(ctx, c.redisKey(collection, hash), raw, 0).Err(); err != nil {
		return fmt.Errorf("dedupcache: redis set %s: %w", key(collection, hash), err)
	}
	return nil
}

// Clear implements Cache via SCAN+UNLINK so a large collection doesn't
// block redis with a single blocking KEYS call.
func (c *RedisCache) Clear(ctx context.Context, collection string) error {
	pattern := c.prefix + collection + "/*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return fmt.Errorf("dedupcache: redis scan %s: %w", collection, err)
		}
		if len(keys) > 0 {
			if err := c.client.Unlink(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("dedupcache: redis unlink %s: %w", collection, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
