package calendar

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores short-lived provider access tokens keyed by expert id.
// A miss is always safe: the gateway falls back to a refresh-token exchange.
type TokenCache interface {
	Get(ctx context.Context, expertID string) (string, bool)
	Set(ctx context.Context, expertID, token string, ttl time.Duration)
	Delete(ctx context.Context, expertID string)
}

type memoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]memoryToken
}

type memoryToken struct {
	token   string
	expires time.Time
}

func NewMemoryTokenCache() TokenCache {
	return &memoryTokenCache{entries: map[string]memoryToken{}}
}

func (c *memoryTokenCache) Get(_ context.Context, expertID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[expertID]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, expertID)
		return "", false
	}
	return e.token, true
}

func (c *memoryTokenCache) Set(_ context.Context, expertID, token string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[expertID] = memoryToken{token: token, expires: time.Now().Add(ttl)}
}

func (c *memoryTokenCache) Delete(_ context.Context, expertID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, expertID)
}

type redisTokenCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisTokenCache shares tokens across instances so a fleet does not
// hammer the provider's token endpoint. Redis errors degrade to cache misses.
func NewRedisTokenCache(rdb *redis.Client, prefix string) TokenCache {
	if prefix == "" {
		prefix = "caltoken"
	}
	return &redisTokenCache{rdb: rdb, prefix: prefix}
}

func (c *redisTokenCache) key(expertID string) string {
	return c.prefix + ":" + expertID
}

func (c *redisTokenCache) Get(ctx context.Context, expertID string) (string, bool) {
	v, err := c.rdb.Get(ctx, c.key(expertID)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *redisTokenCache) Set(ctx context.Context, expertID, token string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	_ = c.rdb.Set(ctx, c.key(expertID), token, ttl).Err()
}

func (c *redisTokenCache) Delete(ctx context.Context, expertID string) {
	_ = c.rdb.Del(ctx, c.key(expertID)).Err()
}
