package certificates

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a redis-backed claims cache keyed by certificate
// fingerprint. The platform validator is the source of truth; the
// cache only avoids re-parsing chains for chatty senders such as
// scrapers.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a claims cache on the given redis client.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(fingerprint string) string {
	return "datacollector:cert:" + fingerprint
}

// Get returns the cached claims for a fingerprint, or nil on a miss.
// Redis errors degrade to a miss; the validator path still works.
func (c *Cache) Get(ctx context.Context, fingerprint string) *Claims {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := c.client.Get(ctx, cacheKey(fingerprint)).Bytes()
	if err != nil {
		return nil
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil
	}
	return &claims
}

// Put stores claims under their fingerprint.
func (c *Cache) Put(ctx context.Context, claims *Claims) {
	if c == nil || c.client == nil || claims == nil || claims.Fingerprint == "" {
		return
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return
	}
	c.client.Set(ctx, cacheKey(claims.Fingerprint), raw, c.ttl)
}
