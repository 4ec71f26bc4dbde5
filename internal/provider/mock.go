package provider

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MockProvider simulates a market-data provider for tests and dry runs.
// Candle series are installed per (symbol, timeframe) and served with the
// same ordering and gap semantics as a real provider.
type MockProvider struct {
	mu sync.RWMutex

	identity Identity
	info     map[string]*MarketInfo
	candles  map[string][]Candle // key: symbol + "|" + timeframe
	prices   map[string]float64

	pingErr error
}

// NewMockProvider creates an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		identity: IdentityHyperliquid,
		info:     make(map[string]*MarketInfo),
		candles:  make(map[string][]Candle),
		prices:   make(map[string]float64),
	}
}

// Name returns the provider identity.
func (m *MockProvider) Name() Identity { return m.identity }

// SetIdentity overrides the reported identity.
func (m *MockProvider) SetIdentity(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = id
}

// SetMarketInfo installs tradability metadata for a symbol.
func (m *MockProvider) SetMarketInfo(symbol string, info MarketInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info.Symbol = symbol
	m.info[symbol] = &info
}

// SetCandles installs a candle series for a (symbol, timeframe).
func (m *MockProvider) SetCandles(symbol string, tf Timeframe, candles []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[candleKey(symbol, tf)] = candles
}

// SetCurrentPrice installs a live price for a symbol.
func (m *MockProvider) SetCurrentPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetPingError makes Ping fail, simulating an unreachable API.
func (m *MockProvider) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// GetMarketInfo returns the installed metadata.
func (m *MockProvider) GetMarketInfo(ctx context.Context, symbol string) (*MarketInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.info[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s not listed on mock provider", symbol)
	}
	copied := *info
	return &copied, nil
}

// GetOHLCV returns installed candles clipped to [start, end).
func (m *MockProvider) GetOHLCV(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series, ok := m.candles[candleKey(symbol, tf)]
	if !ok {
		return nil, fmt.Errorf("no candle data for %s %s", symbol, tf)
	}

	out := make([]Candle, 0, len(series))
	for _, c := range series {
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// GetCurrentPrice returns the installed live price.
func (m *MockProvider) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	price, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for symbol %s", symbol)
	}
	return price, nil
}

// Ping returns the configured ping error, if any.
func (m *MockProvider) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

func candleKey(symbol string, tf Timeframe) string {
	return symbol + "|" + string(tf)
}

// GenerateCandles builds a deterministic synthetic series: a slow sine trend
// with mild oscillation around basePrice, one candle per interval starting at
// start. Useful for engine and validator tests.
func GenerateCandles(symbol string, tf Timeframe, start time.Time, n int, basePrice float64) []Candle {
	candles := make([]Candle, 0, n)
	step := tf.Duration()

	for i := 0; i < n; i++ {
		phase := float64(i) / 24.0
		open := basePrice * (1 + 0.03*math.Sin(phase) + 0.002*math.Sin(7*phase))
		close := basePrice * (1 + 0.03*math.Sin(phase+0.04) + 0.002*math.Sin(7*phase+0.3))
		high := math.Max(open, close) * 1.004
		low := math.Min(open, close) * 0.996
		candles = append(candles, Candle{
			Symbol:    symbol,
			Timestamp: start.Add(time.Duration(i) * step).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    1000 + 400*math.Abs(math.Sin(phase*3)),
		})
	}

	log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("candles", len(candles)).
		Msg("Generated synthetic candles")

	return candles
}
