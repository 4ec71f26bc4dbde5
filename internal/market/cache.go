// Package market is the data layer between providers and the filtering
// engine: a Redis cache for hot provider lookups and the PreparedData object
// that serves every gate and decision step with as-of-T sliced history.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/levscan/internal/provider"
)

// Cache provides Redis-based caching for market metadata. Misses and Redis
// errors are both treated as cache misses; the provider is always the source
// of truth.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a Redis market cache.
// If client is nil, returns nil (Redis is optional).
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &Cache{client: client, ttl: ttl}
}

func marketInfoKey(id provider.Identity, symbol string) string {
	return fmt.Sprintf("levscan:market_info:%s:%s", id, symbol)
}

// GetMarketInfo retrieves cached tradability metadata
func (c *Cache) GetMarketInfo(ctx context.Context, id provider.Identity, symbol string) (*provider.MarketInfo, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	key := marketInfoKey(id, symbol)

	// Short timeout so a slow Redis never blocks the validator
	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("Redis get error - treating as cache miss")
		}
		return nil, false
	}

	var info provider.MarketInfo
	if err := json.Unmarshal([]byte(cached), &info); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached market info")
		return nil, false
	}

	log.Debug().
		Str("symbol", symbol).
		Str("provider", string(id)).
		Msg("Cache hit for market info")
	return &info, true
}

// SetMarketInfo stores tradability metadata with the configured TTL
func (c *Cache) SetMarketInfo(ctx context.Context, id provider.Identity, info *provider.MarketInfo) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal market info: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	key := marketInfoKey(id, info.Symbol)
	if err := c.client.Set(cacheCtx, key, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache market info")
		return err
	}
	return nil
}

// CachingProvider wraps a provider with the Redis cache for market-info
// lookups. Candle fetches are never cached here: PreparedData holds them per
// task.
type CachingProvider struct {
	provider.Provider
	cache *Cache
}

// NewCachingProvider wraps p; a nil cache passes through
func NewCachingProvider(p provider.Provider, cache *Cache) *CachingProvider {
	return &CachingProvider{Provider: p, cache: cache}
}

// GetMarketInfo serves from cache when possible
func (cp *CachingProvider) GetMarketInfo(ctx context.Context, symbol string) (*provider.MarketInfo, error) {
	if info, ok := cp.cache.GetMarketInfo(ctx, cp.Name(), symbol); ok {
		return info, nil
	}
	info, err := cp.Provider.GetMarketInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if cp.cache != nil {
		_ = cp.cache.SetMarketInfo(ctx, cp.Name(), info)
	}
	return info, nil
}
