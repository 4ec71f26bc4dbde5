package provider

import (
	"context"
	"time"

	"github.com/tradeforge/levscan/internal/metrics"
)

// instrumented decorates a Provider with per-call latency and error metrics
type instrumented struct {
	inner Provider
	name  string
}

// WithMetrics wraps a provider so every call is timed and counted
func WithMetrics(p Provider) Provider {
	return &instrumented{inner: p, name: string(p.Name())}
}

func (m *instrumented) Name() Identity { return m.inner.Name() }

func (m *instrumented) GetMarketInfo(ctx context.Context, symbol string) (*MarketInfo, error) {
	start := time.Now()
	info, err := m.inner.GetMarketInfo(ctx, symbol)
	m.observe("get_market_info", start, err)
	return info, err
}

func (m *instrumented) GetOHLCV(ctx context.Context, symbol string, tf Timeframe, from, to time.Time) ([]Candle, error) {
	start := time.Now()
	candles, err := m.inner.GetOHLCV(ctx, symbol, tf, from, to)
	m.observe("get_ohlcv", start, err)
	return candles, err
}

func (m *instrumented) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	start := time.Now()
	price, err := m.inner.GetCurrentPrice(ctx, symbol)
	m.observe("get_current_price", start, err)
	return price, err
}

func (m *instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := m.inner.Ping(ctx)
	m.observe("ping", start, err)
	return err
}

func (m *instrumented) observe(op string, start time.Time, err error) {
	metrics.ProviderRequestDuration.WithLabelValues(m.name, op).
		Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.ProviderErrors.WithLabelValues(m.name, op).Inc()
	}
}
