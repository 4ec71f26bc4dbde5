package provider

import (
	"fmt"
	"time"
)

// Identity names a recognized data provider. Switching providers is an
// explicit user action, never implicit and never done on error.
type Identity string

const (
	IdentityHyperliquid Identity = "hyperliquid"
	IdentityGateio      Identity = "gateio"
)

// ParseIdentity validates a provider name from config or request input.
func ParseIdentity(s string) (Identity, error) {
	switch Identity(s) {
	case IdentityHyperliquid, IdentityGateio:
		return Identity(s), nil
	default:
		return "", fmt.Errorf("unknown provider identity: %q", s)
	}
}

// Timeframe is an enumerated candle interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe3m  Timeframe = "3m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Timeframes lists all supported intervals in ascending duration order.
var Timeframes = []Timeframe{
	Timeframe1m, Timeframe3m, Timeframe5m, Timeframe15m,
	Timeframe30m, Timeframe1h, Timeframe4h, Timeframe1d,
}

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe3m:  3 * time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	if _, ok := timeframeDurations[Timeframe(s)]; !ok {
		return "", fmt.Errorf("unknown timeframe: %q", s)
	}
	return Timeframe(s), nil
}

// Duration returns the candle interval length.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

func (tf Timeframe) String() string { return string(tf) }

// Candle is one OHLCV row. Timestamps are UTC candle open times. Gaps in a
// series are represented by missing rows, never by zero rows.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// MarketInfo describes the current tradability of an instrument.
type MarketInfo struct {
	Symbol       string  `json:"symbol"`
	IsActive     bool    `json:"is_active"`
	Volume24h    float64 `json:"volume_24h"`
	MinOrderSize float64 `json:"min_order_size"`
	MaxLeverage  float64 `json:"max_leverage"`
	PriceStep    float64 `json:"price_step"`
}
