package geo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on redis so multiple processes share lookup
// results. Entries carry the TTL natively; a per-professional tag set maps
// each professional to the lookup keys that mention them, so invalidation
// is a set read plus a delete.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr, password string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisCache{client: c, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]Result, bool) {
	raw, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var out []Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (c *RedisCache) Set(ctx context.Context, key string, results []Result) {
	raw, err := json.Marshal(results)
	if err != nil {
		return
	}
	k := cacheKey(key)
	_ = c.client.Set(ctx, k, raw, c.ttl).Err()
	for _, r := range results {
		tag := tagKey(r.Professional.ID)
		_ = c.client.SAdd(ctx, tag, k).Err()
		_ = c.client.Expire(ctx, tag, c.ttl).Err()
	}
}

func (c *RedisCache) InvalidateProfessional(ctx context.Context, professionalID string) {
	tag := tagKey(professionalID)
	keys, err := c.client.SMembers(ctx, tag).Result()
	if err != nil {
		return
	}
	if len(keys) > 0 {
		_ = c.client.Del(ctx, keys...).Err()
	}
	_ = c.client.Del(ctx, tag).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }

func cacheKey(key string) string          { return "geo:" + key }
func tagKey(professionalID string) string { return "geo:prof:" + professionalID }
