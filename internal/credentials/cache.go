package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lgulliver/storepush/internal/common"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/rs/zerolog/log"
)

// TokenCache keeps exchanged access tokens between publishes
type TokenCache interface {
	Get(ctx context.Context, key string) (types.Credential, bool)
	Put(ctx context.Context, key string, cred types.Credential)
}

// MemoryTokenCache is a process-local token cache
type MemoryTokenCache struct {
	mu     sync.Mutex
	tokens map[string]types.Credential
}

// NewMemoryTokenCache creates an empty in-memory cache
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{tokens: make(map[string]types.Credential)}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (types.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.tokens[key]
	return cred, ok
}

func (c *MemoryTokenCache) Put(_ context.Context, key string, cred types.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[key] = cred
}

// RedisTokenCache shares tokens between build agents through Redis.
// Cache failures are logged and treated as misses.
type RedisTokenCache struct {
	cache *common.Cache
}

// NewRedisTokenCache creates a token cache on top of a Redis cache
func NewRedisTokenCache(cache *common.Cache) *RedisTokenCache {
	return &RedisTokenCache{cache: cache}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (types.Credential, bool) {
	var cred types.Credential
	if err := c.cache.Get(ctx, "token:"+key, &cred); err != nil {
		if !errors.Is(err, common.ErrCacheMiss) {
			log.Warn().Err(err).Msg("Failed to read cached token")
		}
		return types.Credential{}, false
	}
	return cred, true
}

func (c *RedisTokenCache) Put(ctx context.Context, key string, cred types.Credential) {
	ttl := time.Until(cred.Expiry)
	if ttl <= 0 {
		return
	}
	if err := c.cache.Set(ctx, "token:"+key, cred, ttl); err != nil {
		log.Warn().Err(err).Msg("Failed to cache token")
	}
}
