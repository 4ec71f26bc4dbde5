// Package provider implements the pluggable market-data source contract.
//
// Two provider identities are recognized (hyperliquid, gateio). Symbol
// aliasing (short vs k-prefixed micro-contracts) is handled here and
// round-trips: the symbol a caller passes in is the symbol it gets back.
package provider

import (
	"context"
	"time"
)

// Provider is the data-source contract the analysis core depends on.
// GetOHLCV returns an ascending, UTC-stamped series; gaps are missing rows.
// GetCurrentPrice is only legal in realtime mode; backtest code paths must
// never call it.
type Provider interface {
	// Name returns the provider identity.
	Name() Identity

	// GetMarketInfo fetches tradability metadata for a symbol.
	GetMarketInfo(ctx context.Context, symbol string) (*MarketInfo, error)

	// GetOHLCV fetches candles in [start, end), sorted ascending.
	GetOHLCV(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]Candle, error)

	// GetCurrentPrice fetches the live price. Realtime mode only.
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)

	// Ping performs a connection round-trip against the provider API.
	Ping(ctx context.Context) error
}

// Credentials holds provider API access material, loaded from Vault or the
// environment by the config layer.
type Credentials struct {
	APIKey    string
	APISecret string
}
