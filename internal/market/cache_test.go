package market

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/levscan/internal/provider"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(client, time.Minute), mr
}

func TestCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	info := &provider.MarketInfo{
		Symbol:      "BTC",
		IsActive:    true,
		Volume24h:   1_500_000,
		MaxLeverage: 50,
	}
	require.NoError(t, cache.SetMarketInfo(ctx, provider.IdentityHyperliquid, info))

	got, ok := cache.GetMarketInfo(ctx, provider.IdentityHyperliquid, "BTC")
	require.True(t, ok)
	assert.Equal(t, info, got)
}

func TestCacheMissAndProviderIsolation(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, ok := cache.GetMarketInfo(ctx, provider.IdentityHyperliquid, "BTC")
	assert.False(t, ok)

	// Entries are keyed per provider identity.
	info := &provider.MarketInfo{Symbol: "BTC", IsActive: true}
	require.NoError(t, cache.SetMarketInfo(ctx, provider.IdentityGateio, info))
	_, ok = cache.GetMarketInfo(ctx, provider.IdentityHyperliquid, "BTC")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	info := &provider.MarketInfo{Symbol: "ETH", IsActive: true}
	require.NoError(t, cache.SetMarketInfo(ctx, provider.IdentityHyperliquid, info))

	mr.FastForward(2 * time.Minute)

	_, ok := cache.GetMarketInfo(ctx, provider.IdentityHyperliquid, "ETH")
	assert.False(t, ok)
}

func TestNilCacheIsPassthrough(t *testing.T) {
	var cache *Cache
	_, ok := cache.GetMarketInfo(context.Background(), provider.IdentityHyperliquid, "BTC")
	assert.False(t, ok)

	mock := provider.NewMockProvider()
	mock.SetMarketInfo("BTC", provider.MarketInfo{IsActive: true, Volume24h: 100})

	cp := NewCachingProvider(mock, nil)
	info, err := cp.GetMarketInfo(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, info.IsActive)
}

func TestCachingProviderServesFromCache(t *testing.T) {
	cache, _ := newTestCache(t)
	mock := provider.NewMockProvider()
	mock.SetMarketInfo("BTC", provider.MarketInfo{IsActive: true, Volume24h: 100})

	cp := NewCachingProvider(mock, cache)
	ctx := context.Background()

	_, err := cp.GetMarketInfo(ctx, "BTC")
	require.NoError(t, err)

	// Second read hits the cache even if the provider forgets the symbol.
	mock.SetMarketInfo("BTC", provider.MarketInfo{IsActive: false})
	info, err := cp.GetMarketInfo(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, info.IsActive)
}
