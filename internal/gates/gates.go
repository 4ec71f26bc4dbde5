// Package gates implements the nine-gate filter chain applied at every
// evaluation timepoint. Gates run in fixed order, cheap to expensive, and the
// first reject ends the evaluation.
package gates

import (
	"context"
	"math"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/decision"
	"github.com/tradeforge/levscan/internal/market"
	"github.com/tradeforge/levscan/internal/ml"
	"github.com/tradeforge/levscan/internal/strategy"
)

// Gate names in chain order; histogram keys and rejection reporting use these
const (
	GateDataQuality      = "data_quality"
	GateMarketConditions = "market_conditions"
	GateSRExistence      = "sr_existence"
	GateDistanceStrength = "distance_strength"
	GateMLConfidence     = "ml_confidence"
	GateVolatility       = "volatility"
	GateLeverage         = "leverage_feasibility"
	GateRiskReward       = "risk_reward"
	GateStrategySpecific = "strategy_specific"
)

// Names lists the gates in chain order
var Names = []string{
	GateDataQuality, GateMarketConditions, GateSRExistence,
	GateDistanceStrength, GateMLConfidence, GateVolatility,
	GateLeverage, GateRiskReward, GateStrategySpecific,
}

const (
	spikeMaxFrac    = 0.20
	volShortWindow  = 12
	volLongWindow   = 48
	volRiseFactor   = 1.5
	volNearMaxFrac  = 0.9
	liqVolumeFactor = 10.0
)

// Outcome is the chain verdict for one timepoint. On pass, the computed
// artifacts are carried forward so the decision path and gate 9 reuse them.
type Outcome struct {
	Pass      bool               `json:"pass"`
	GateIndex int                `json:"gate_index,omitempty"` // 1-based, 0 on pass
	GateName  string             `json:"gate_name,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`

	ReferencePrice float64                 `json:"-"`
	Features       *ml.Features            `json:"-"`
	Prediction     *ml.Prediction          `json:"-"`
	Volatility     float64                 `json:"-"`
	Recommendation *decision.Recommendation `json:"-"`
}

// Chain is the configured gate list for one task
type Chain struct {
	symbol     string
	timeframe  string
	thresholds config.Thresholds
	strat      *strategy.Strategy
	models     *ml.Registry
}

// NewChain binds the chain to one task's resolved thresholds and strategy
func NewChain(symbol, timeframe string, thresholds config.Thresholds, strat *strategy.Strategy, models *ml.Registry) *Chain {
	return &Chain{
		symbol:     symbol,
		timeframe:  timeframe,
		thresholds: thresholds,
		strat:      strat,
		models:     models,
	}
}

func reject(index int, name, reason string, metrics map[string]float64) Outcome {
	return Outcome{GateIndex: index, GateName: name, Reason: reason, Metrics: metrics}
}

// Evaluate runs the chain against the as-of view for one timepoint. The view
// must already be sliced to the evaluation timestamp; no gate reads past it.
func (c *Chain) Evaluate(ctx context.Context, view market.View) Outcome {
	// Gate 1: data quality.
	candle, ok := view.CandleAt()
	if !ok {
		return reject(1, GateDataQuality, "missing_candle", nil)
	}
	if candle.Open <= 0 || candle.Close <= 0 {
		return reject(1, GateDataQuality, "non_positive_price",
			map[string]float64{"open": candle.Open, "close": candle.Close})
	}
	candles := view.Candles()
	if len(candles) >= 2 {
		prev := candles[len(candles)-2]
		if prev.Close > 0 {
			jump := math.Abs(candle.Open-prev.Close) / prev.Close
			if jump > spikeMaxFrac {
				return reject(1, GateDataQuality, "anomalous_spike", map[string]float64{"jump": jump})
			}
		}
	}
	price := candle.Open

	// Gate 2: market conditions.
	if candle.Volume < c.thresholds.MinVolume {
		return reject(2, GateMarketConditions, "volume_below_threshold",
			map[string]float64{"volume": candle.Volume, "min_volume": c.thresholds.MinVolume})
	}
	spreadPct := (candle.High - candle.Low) / candle.Open * 100
	if spreadPct > c.thresholds.MaxSpreadPct {
		return reject(2, GateMarketConditions, "spread_too_wide",
			map[string]float64{"spread_pct": spreadPct, "max_spread_pct": c.thresholds.MaxSpreadPct})
	}
	liquidity := math.Min(1, candle.Volume/(liqVolumeFactor*c.thresholds.MinVolume))
	if liquidity < c.thresholds.MinLiquidityScore {
		return reject(2, GateMarketConditions, "liquidity_too_low",
			map[string]float64{"liquidity_score": liquidity})
	}

	// Gate 3: support/resistance existence in the window preceding T.
	supports := view.Levels(market.Support, c.thresholds.MinSupportStrength)
	resistances := view.Levels(market.Resistance, c.thresholds.MinResistanceStrength)
	if len(supports) == 0 && len(resistances) == 0 {
		return reject(3, GateSRExistence, "no_levels", nil)
	}
	support, okS := market.NearestBelow(supports, price)
	resistance, okR := market.NearestAbove(resistances, price)
	if !okS || !okR {
		return reject(3, GateSRExistence, "no_level_pair_around_price",
			map[string]float64{"supports": float64(len(supports)), "resistances": float64(len(resistances))})
	}

	// Gate 4: distance and strength bounds.
	supportDistPct := (price - support.Price) / price * 100
	resistanceDistPct := (resistance.Price - price) / price * 100
	distMetrics := map[string]float64{
		"support_distance_pct":    supportDistPct,
		"resistance_distance_pct": resistanceDistPct,
	}
	if supportDistPct < c.thresholds.LevelMinDistancePct || supportDistPct > c.thresholds.LevelMaxDistancePct {
		return reject(4, GateDistanceStrength, "support_distance_out_of_bounds", distMetrics)
	}
	if resistanceDistPct < c.thresholds.LevelMinDistancePct || resistanceDistPct > c.thresholds.LevelMaxDistancePct {
		return reject(4, GateDistanceStrength, "resistance_distance_out_of_bounds", distMetrics)
	}

	// Gate 5: ML confidence. Missing features are a reject, never defaulted.
	features, err := ml.Build(view, price)
	if err != nil {
		return reject(5, GateMLConfidence, "features_unavailable", nil)
	}
	model, err := c.models.Get(c.symbol, c.timeframe)
	if err != nil {
		return reject(5, GateMLConfidence, "model_unavailable", nil)
	}
	pred, err := model.Predict(ctx, features)
	if err != nil {
		return reject(5, GateMLConfidence, "prediction_failed", nil)
	}
	if pred.Confidence < c.thresholds.MinConfidence {
		return reject(5, GateMLConfidence, "confidence_below_threshold",
			map[string]float64{"confidence": pred.Confidence, "min_confidence": c.thresholds.MinConfidence})
	}

	// Gate 6: volatility band, plus the rising-volatility guard near the max.
	vol, err := view.Volatility(volShortWindow)
	if err != nil {
		return reject(6, GateVolatility, "volatility_unavailable", nil)
	}
	volMetrics := map[string]float64{
		"volatility": vol,
		"min":        c.thresholds.VolatilityMin,
		"max":        c.thresholds.VolatilityMax,
	}
	if vol < c.thresholds.VolatilityMin || vol > c.thresholds.VolatilityMax {
		return reject(6, GateVolatility, "volatility_out_of_band", volMetrics)
	}
	if longVol, lerr := view.Volatility(volLongWindow); lerr == nil {
		if vol > volNearMaxFrac*c.thresholds.VolatilityMax && vol > volRiseFactor*longVol {
			volMetrics["long_volatility"] = longVol
			return reject(6, GateVolatility, "volatility_rising_near_max", volMetrics)
		}
	}

	// Gate 7: leverage feasibility.
	rec, err := decision.ComputeLeverage(decision.LeverageInputs{
		EntryPrice:  price,
		Support:     support,
		Resistance:  resistance,
		Prediction:  pred,
		Volatility:  vol,
		LeverageCap: c.strat.Parameters.LeverageCap,
	})
	if err != nil {
		return reject(7, GateLeverage, "leverage_not_computable", nil)
	}
	levMetrics := map[string]float64{
		"leverage":   rec.Leverage,
		"risk_level": rec.RiskLevel,
	}
	if rec.Leverage < c.thresholds.MinLeverage || rec.Leverage > c.strat.Parameters.LeverageCap {
		return reject(7, GateLeverage, "leverage_out_of_bounds", levMetrics)
	}
	if rec.RiskLevel > c.thresholds.MaxRiskLevel {
		return reject(7, GateLeverage, "risk_level_too_high", levMetrics)
	}

	// Gate 8: risk/reward economics.
	rrMetrics := map[string]float64{
		"risk_reward":        rec.RiskReward,
		"max_loss_pct":       rec.MaxLossPct,
		"profit_probability": rec.ProfitProbability,
	}
	if rec.RiskReward < c.thresholds.MinRiskReward {
		return reject(8, GateRiskReward, "risk_reward_below_threshold", rrMetrics)
	}
	if rec.MaxLossPct > c.thresholds.MaxLossPct {
		return reject(8, GateRiskReward, "max_loss_exceeded", rrMetrics)
	}
	if rec.ProfitProbability < c.thresholds.MinProfitProbability {
		return reject(8, GateRiskReward, "profit_probability_below_threshold", rrMetrics)
	}

	// Gate 9: strategy-specific rules keyed to the base kind.
	trend := trendLabel(features.FastEMA, features.SlowEMA)
	corr := 0.0
	if needsCorrelation(c.strat.BaseKind) {
		corr, err = view.ReferenceCorrelation(volLongWindow / 2)
		if err != nil {
			return reject(9, GateStrategySpecific, "btc_correlation_unavailable", nil)
		}
	}
	if reason := strategy.CheckGate9(c.strat.BaseKind, strategy.Gate9Inputs{
		Confidence:     pred.Confidence,
		BTCCorrelation: corr,
		Volatility:     vol,
		SignalStrength: pred.SignalStrength,
		Trend:          trend,
	}); reason != "" {
		return reject(9, GateStrategySpecific, reason, map[string]float64{
			"confidence":      pred.Confidence,
			"btc_correlation": corr,
			"volatility":      vol,
			"signal_strength": pred.SignalStrength,
		})
	}

	return Outcome{
		Pass:           true,
		ReferencePrice: price,
		Features:       features,
		Prediction:     pred,
		Volatility:     vol,
		Recommendation: rec,
	}
}

func trendLabel(fast, slow float64) string {
	switch {
	case slow <= 0:
		return "sideways"
	case fast > slow*1.002:
		return "bullish"
	case fast < slow*0.998:
		return "bearish"
	default:
		return "sideways"
	}
}

// needsCorrelation reports whether the base kind's gate-9 rules read the
// BTC correlation; other kinds skip the reference-series lookup entirely
func needsCorrelation(kind strategy.BaseKind) bool {
	return kind == strategy.ConservativeML
}
