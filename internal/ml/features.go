package ml

import (
	"github.com/tradeforge/levscan/internal/errs"
	"github.com/tradeforge/levscan/internal/market"
)

const (
	rsiPeriod        = 14
	fastEMAPeriod    = 9
	slowEMAPeriod    = 21
	volatilityWindow = 24
	volumeWindow     = 20
	minFeatureCandles = 50
)

// Features is the model input vector for one evaluation timepoint. Every
// field is derived from real data as of T; there are no default values. If
// any component cannot be computed, Build fails and the evaluation
// early-exits.
type Features struct {
	RSI                   float64 `json:"rsi"`
	FastEMA               float64 `json:"fast_ema"`
	SlowEMA               float64 `json:"slow_ema"`
	Volatility            float64 `json:"volatility"`
	VolumeRatio           float64 `json:"volume_ratio"`
	SupportDistancePct    float64 `json:"support_distance_pct"`
	ResistanceDistancePct float64 `json:"resistance_distance_pct"`
	SupportStrength       float64 `json:"support_strength"`
	ResistanceStrength    float64 `json:"resistance_strength"`
}

// Build derives the feature vector from the as-of-T view. The reference
// price is the open of the candle at T (never the close).
func Build(view market.View, referencePrice float64) (*Features, error) {
	if view.Len() < minFeatureCandles {
		return nil, errs.New(errs.KindInsufficientMarketData, "ml_features",
			"not enough candles for feature computation").WithDataSize(view.Len())
	}

	closes := view.Closes()

	rsi, err := RSI(closes, rsiPeriod)
	if err != nil {
		return nil, errs.Wrap(errs.KindInsufficientMarketData, "ml_features", err)
	}
	fast, err := EMA(closes, fastEMAPeriod)
	if err != nil {
		return nil, errs.Wrap(errs.KindInsufficientMarketData, "ml_features", err)
	}
	slow, err := EMA(closes, slowEMAPeriod)
	if err != nil {
		return nil, errs.Wrap(errs.KindInsufficientMarketData, "ml_features", err)
	}
	vol, err := view.Volatility(volatilityWindow)
	if err != nil {
		return nil, errs.Wrap(errs.KindInsufficientMarketData, "ml_features", err)
	}

	candles := view.Candles()
	if len(candles) < volumeWindow+1 {
		return nil, errs.New(errs.KindInsufficientMarketData, "ml_features",
			"not enough candles for volume ratio").WithDataSize(len(candles))
	}
	var avgVolume float64
	for _, c := range candles[len(candles)-volumeWindow-1 : len(candles)-1] {
		avgVolume += c.Volume
	}
	avgVolume /= float64(volumeWindow)
	if avgVolume <= 0 {
		return nil, errs.New(errs.KindInsufficientMarketData, "ml_features", "zero average volume")
	}

	// Levels of any strength: the gate chain applies strength thresholds,
	// the feature vector carries the raw values.
	supports := view.Levels(market.Support, 0)
	resistances := view.Levels(market.Resistance, 0)
	support, okS := market.NearestBelow(supports, referencePrice)
	resistance, okR := market.NearestAbove(resistances, referencePrice)
	if !okS || !okR {
		return nil, errs.New(errs.KindInsufficientMarketData, "ml_features",
			"no support/resistance pair around reference price")
	}

	return &Features{
		RSI:                   last(rsi),
		FastEMA:               last(fast),
		SlowEMA:               last(slow),
		Volatility:            vol,
		VolumeRatio:           candles[len(candles)-1].Volume / avgVolume,
		SupportDistancePct:    (referencePrice - support.Price) / referencePrice * 100,
		ResistanceDistancePct: (resistance.Price - referencePrice) / referencePrice * 100,
		SupportStrength:       support.Strength,
		ResistanceStrength:    resistance.Strength,
	}, nil
}
