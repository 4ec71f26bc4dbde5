package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const hyperliquidDefaultURL = "https://api.hyperliquid.xyz"

// Hyperliquid is the Hyperliquid perpetuals data provider.
//
// Micro-contract aliasing: Hyperliquid lists some low-price assets as
// k-prefixed 1000x contracts (kPEPE, kSHIB). Callers always use the short
// symbol; the alias is applied on the wire and stripped from responses, so
// symbols round-trip.
type Hyperliquid struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *Breaker
	retry   RetryConfig

	// short symbol -> wire symbol, populated from exchange metadata
	aliases map[string]string
}

// NewHyperliquid creates a Hyperliquid provider client.
func NewHyperliquid(baseURL string, timeout time.Duration, requestsPerSecond float64) *Hyperliquid {
	if baseURL == "" {
		baseURL = hyperliquidDefaultURL
	}
	return &Hyperliquid{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
		breaker: NewBreaker(IdentityHyperliquid),
		retry:   DefaultRetryConfig(),
		aliases: map[string]string{
			"PEPE":  "kPEPE",
			"SHIB":  "kSHIB",
			"BONK":  "kBONK",
			"FLOKI": "kFLOKI",
			"LUNC":  "kLUNC",
		},
	}
}

// Name returns the provider identity.
func (h *Hyperliquid) Name() Identity { return IdentityHyperliquid }

// wireSymbol maps a caller symbol to the exchange listing.
func (h *Hyperliquid) wireSymbol(symbol string) string {
	if alias, ok := h.aliases[symbol]; ok {
		return alias
	}
	return symbol
}

// shortSymbol reverses wireSymbol.
func (h *Hyperliquid) shortSymbol(wire string) string {
	if strings.HasPrefix(wire, "k") && len(wire) > 1 {
		for short, alias := range h.aliases {
			if alias == wire {
				return short
			}
		}
	}
	return wire
}

// infoRequest is the body of a POST /info call.
type infoRequest struct {
	Type string      `json:"type"`
	Req  interface{} `json:"req,omitempty"`
	Coin string      `json:"coin,omitempty"`
}

// candleReq selects a candle snapshot window.
type candleReq struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// hlCandle is the wire representation of one candle.
type hlCandle struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
}

// hlAssetCtx is one entry of the metaAndAssetCtxs response.
type hlAssetCtx struct {
	DayNtlVlm string `json:"dayNtlVlm"`
	MarkPx    string `json:"markPx"`
	MidPx     string `json:"midPx"`
}

// hlMeta is the universe listing.
type hlMeta struct {
	Universe []struct {
		Name        string `json:"name"`
		SzDecimals  int    `json:"szDecimals"`
		MaxLeverage int    `json:"maxLeverage"`
		IsDelisted  bool   `json:"isDelisted"`
	} `json:"universe"`
}

// post issues a rate-limited, breaker-guarded POST /info call with retry.
func (h *Hyperliquid) post(ctx context.Context, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal info request: %w", err)
	}

	return WithRetry(ctx, h.retry, func() error {
		if err := h.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		_, err := h.breaker.Execute(func() (interface{}, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/info", bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := h.http.Do(req)
			if err != nil {
				return nil, fmt.Errorf("hyperliquid request failed: %w", err)
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("hyperliquid returned %d: %s", resp.StatusCode, string(raw))
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
			return nil, nil
		})
		return err
	})
}

// GetMarketInfo fetches tradability metadata from the universe listing.
func (h *Hyperliquid) GetMarketInfo(ctx context.Context, symbol string) (*MarketInfo, error) {
	wire := h.wireSymbol(symbol)

	var payload []json.RawMessage
	if err := h.post(ctx, infoRequest{Type: "metaAndAssetCtxs"}, &payload); err != nil {
		return nil, err
	}
	if len(payload) != 2 {
		return nil, fmt.Errorf("unexpected metaAndAssetCtxs shape: %d elements", len(payload))
	}

	var meta hlMeta
	if err := json.Unmarshal(payload[0], &meta); err != nil {
		return nil, fmt.Errorf("failed to decode universe: %w", err)
	}
	var ctxs []hlAssetCtx
	if err := json.Unmarshal(payload[1], &ctxs); err != nil {
		return nil, fmt.Errorf("failed to decode asset contexts: %w", err)
	}

	for i, asset := range meta.Universe {
		if asset.Name != wire {
			continue
		}
		info := &MarketInfo{
			Symbol:      symbol, // round-trip the caller's symbol, not the alias
			IsActive:    !asset.IsDelisted,
			MaxLeverage: float64(asset.MaxLeverage),
		}
		if i < len(ctxs) {
			info.Volume24h = parseFloat(ctxs[i].DayNtlVlm)
		}
		return info, nil
	}

	return nil, fmt.Errorf("symbol %s not listed on hyperliquid", symbol)
}

// GetOHLCV fetches candles in [start, end), sorted ascending.
func (h *Hyperliquid) GetOHLCV(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]Candle, error) {
	wire := h.wireSymbol(symbol)

	var raw []hlCandle
	body := infoRequest{
		Type: "candleSnapshot",
		Req: candleReq{
			Coin:      wire,
			Interval:  string(tf),
			StartTime: start.UTC().UnixMilli(),
			EndTime:   end.UTC().UnixMilli(),
		},
	}
	if err := h.post(ctx, body, &raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, c := range raw {
		candles = append(candles, Candle{
			Symbol:    h.shortSymbol(c.Symbol),
			Timestamp: time.UnixMilli(c.OpenTime).UTC(),
			Open:      parseFloat(c.Open),
			High:      parseFloat(c.High),
			Low:       parseFloat(c.Low),
			Close:     parseFloat(c.Close),
			Volume:    parseFloat(c.Volume),
		})
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})

	log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("candles", len(candles)).
		Msg("Fetched hyperliquid candles")

	return candles, nil
}

// GetCurrentPrice fetches the live mid price. Realtime mode only.
func (h *Hyperliquid) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	wire := h.wireSymbol(symbol)

	var mids map[string]string
	if err := h.post(ctx, infoRequest{Type: "allMids"}, &mids); err != nil {
		return 0, err
	}

	px, ok := mids[wire]
	if !ok {
		return 0, fmt.Errorf("no mid price for symbol %s", symbol)
	}
	return parseFloat(px), nil
}

// Ping performs a cheap round-trip against the provider API.
func (h *Hyperliquid) Ping(ctx context.Context) error {
	var mids map[string]string
	return h.post(ctx, infoRequest{Type: "allMids"}, &mids)
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
