package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const gateioDefaultURL = "https://api.gateio.ws/api/v4"

// Gateio is the gate.io spot data provider. Pairs are quoted against USDT;
// callers pass the bare base symbol ("BTC") and it round-trips unchanged.
type Gateio struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *Breaker
	retry   RetryConfig
	quote   string
}

// NewGateio creates a gate.io provider client.
func NewGateio(baseURL string, timeout time.Duration, requestsPerSecond float64) *Gateio {
	if baseURL == "" {
		baseURL = gateioDefaultURL
	}
	return &Gateio{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
		breaker: NewBreaker(IdentityGateio),
		retry:   DefaultRetryConfig(),
		quote:   "USDT",
	}
}

// Name returns the provider identity.
func (g *Gateio) Name() Identity { return IdentityGateio }

// pair maps a caller symbol to the gate.io currency pair.
func (g *Gateio) pair(symbol string) string {
	return symbol + "_" + g.quote
}

// get issues a rate-limited, breaker-guarded GET with retry.
func (g *Gateio) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	return WithRetry(ctx, g.retry, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		_, err := g.breaker.Execute(func() (interface{}, error) {
			endpoint := g.baseURL + path
			if len(params) > 0 {
				endpoint += "?" + params.Encode()
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")

			resp, err := g.http.Do(req)
			if err != nil {
				return nil, fmt.Errorf("gateio request failed: %w", err)
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("gateio returned %d: %s", resp.StatusCode, string(raw))
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
			return nil, nil
		})
		return err
	})
}

// gateioPair is the currency-pair listing entry.
type gateioPair struct {
	ID           string `json:"id"`
	TradeStatus  string `json:"trade_status"`
	MinBaseAmt   string `json:"min_base_amount"`
	MinQuoteAmt  string `json:"min_quote_amount"`
	AmtPrecision int    `json:"amount_precision"`
}

// gateioTicker is the 24h ticker entry.
type gateioTicker struct {
	CurrencyPair string `json:"currency_pair"`
	Last         string `json:"last"`
	QuoteVolume  string `json:"quote_volume"`
}

// GetMarketInfo fetches tradability metadata for a symbol.
func (g *Gateio) GetMarketInfo(ctx context.Context, symbol string) (*MarketInfo, error) {
	var pair gateioPair
	if err := g.get(ctx, "/spot/currency_pairs/"+g.pair(symbol), nil, &pair); err != nil {
		return nil, fmt.Errorf("symbol %s not listed on gateio: %w", symbol, err)
	}

	params := url.Values{}
	params.Set("currency_pair", g.pair(symbol))
	var tickers []gateioTicker
	if err := g.get(ctx, "/spot/tickers", params, &tickers); err != nil {
		return nil, err
	}

	info := &MarketInfo{
		Symbol:      symbol,
		IsActive:    pair.TradeStatus == "tradable",
		MaxLeverage: 10, // spot margin cap
	}
	info.MinOrderSize = parseFloat(pair.MinBaseAmt)
	if len(tickers) > 0 {
		info.Volume24h = parseFloat(tickers[0].QuoteVolume)
	}
	return info, nil
}

// GetOHLCV fetches candles in [start, end), sorted ascending.
// gate.io returns rows as string arrays:
// [timestamp, quote_volume, close, high, low, open, base_volume, closed_flag]
func (g *Gateio) GetOHLCV(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]Candle, error) {
	params := url.Values{}
	params.Set("currency_pair", g.pair(symbol))
	params.Set("interval", string(tf))
	params.Set("from", strconv.FormatInt(start.UTC().Unix(), 10))
	params.Set("to", strconv.FormatInt(end.UTC().Unix(), 10))

	var rows [][]string
	if err := g.get(ctx, "/spot/candlesticks", params, &rows); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		candles = append(candles, Candle{
			Symbol:    symbol,
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      parseFloat(row[5]),
			High:      parseFloat(row[3]),
			Low:       parseFloat(row[4]),
			Close:     parseFloat(row[2]),
			Volume:    parseFloat(row[6]),
		})
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})

	log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("candles", len(candles)).
		Msg("Fetched gateio candles")

	return candles, nil
}

// GetCurrentPrice fetches the last traded price. Realtime mode only.
func (g *Gateio) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("currency_pair", g.pair(symbol))

	var tickers []gateioTicker
	if err := g.get(ctx, "/spot/tickers", params, &tickers); err != nil {
		return 0, err
	}
	if len(tickers) == 0 {
		return 0, fmt.Errorf("no ticker for symbol %s", symbol)
	}
	return parseFloat(tickers[0].Last), nil
}

// Ping performs a cheap round-trip against the provider API.
func (g *Gateio) Ping(ctx context.Context) error {
	var t interface{}
	return g.get(ctx, "/spot/time", nil, &t)
}
