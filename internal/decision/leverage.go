// Package decision implements the leverage decision path: the six-step
// pipeline run for every timepoint that survives the filter chain, and the
// leverage/risk math shared with the feasibility gates.
package decision

import (
	"math"

	"github.com/tradeforge/levscan/internal/errs"
	"github.com/tradeforge/levscan/internal/market"
	"github.com/tradeforge/levscan/internal/ml"
)

const (
	// MinLeverage is the floor below which no position is worth opening
	MinLeverage = 2.0
	// MinConfidence is the floor below which no recommendation is emitted
	MinConfidence = 0.3
	// maxEquityLossFrac caps the loss at the stop at 10% of equity
	maxEquityLossFrac = 0.10
)

// Recommendation is the emitted trade decision for one timepoint
type Recommendation struct {
	Direction         string  `json:"direction"`
	Leverage          float64 `json:"leverage"`
	Confidence        float64 `json:"confidence"`
	EntryPrice        float64 `json:"entry_price"`
	StopLoss          float64 `json:"stop_loss"`
	TakeProfit        float64 `json:"take_profit"`
	RiskReward        float64 `json:"risk_reward"`
	MaxLossPct        float64 `json:"max_loss_pct"`
	ProfitProbability float64 `json:"profit_probability"`
	RiskLevel         float64 `json:"risk_level"`
}

// LeverageInputs is everything the leverage math needs, gathered by the
// earlier steps. All values are real observations; the math never defaults.
type LeverageInputs struct {
	EntryPrice  float64
	Support     market.Level
	Resistance  market.Level
	Prediction  *ml.Prediction
	Volatility  float64
	LeverageCap float64
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// conservatism maps current volatility to a multiplier in [0.5, 0.8]:
// calm markets keep the full 0.8, volatile markets are cut toward 0.5
func conservatism(volatility float64) float64 {
	return clamp(0.8-3.0*volatility, 0.5, 0.8)
}

// ComputeLeverage derives a long recommendation from the level structure
// around the entry and the model output.
//
// The safe-leverage bound is the ratio of upside potential (distance to the
// nearest resistance, extended when breakout probability exceeds 0.6) to
// downside risk (distance to the nearest support, scaled by the
// support-strength factor 1.2 - strength), times the volatility-driven
// conservatism multiplier.
func ComputeLeverage(in LeverageInputs) (*Recommendation, error) {
	entry := in.EntryPrice
	if entry <= 0 {
		return nil, errs.New(errs.KindLeverageAnalysis, "leverage_decision", "non-positive entry price %f", entry)
	}
	if in.Prediction == nil {
		return nil, errs.New(errs.KindLeverageAnalysis, "leverage_decision", "no prediction available")
	}
	if in.Support.Price >= entry || in.Resistance.Price <= entry {
		return nil, errs.New(errs.KindLeverageAnalysis, "leverage_decision",
			"entry %f outside level corridor [%f, %f]", entry, in.Support.Price, in.Resistance.Price)
	}

	resistanceDist := in.Resistance.Price - entry

	// Take profit near the resistance: extended past it by 10% of the
	// distance on a likely breakout, otherwise placed 10% short of it.
	var takeProfit float64
	if in.Prediction.BreakoutProb > 0.6 {
		takeProfit = in.Resistance.Price + 0.1*resistanceDist
	} else {
		takeProfit = entry + 0.9*resistanceDist
	}

	upside := takeProfit - entry
	downside := (entry - in.Support.Price) * (1.2 - in.Support.Strength)
	if downside <= 0 {
		return nil, errs.New(errs.KindLeverageAnalysis, "leverage_decision", "non-positive downside risk")
	}

	leverage := upside / downside * conservatism(in.Volatility)
	if in.LeverageCap > 0 {
		leverage = math.Min(leverage, in.LeverageCap)
	}

	// Stop below the support, distance scaled down for strong supports,
	// then tightened so the loss at this leverage stays within 10% of equity.
	stopFrac := clamp(0.02*(1.2-in.Support.Strength), 0.01, 0.15)
	stopLoss := in.Support.Price * (1 - stopFrac)
	if leverage > 0 {
		maxStopDist := maxEquityLossFrac / leverage
		if (entry-stopLoss)/entry > maxStopDist {
			stopLoss = entry * (1 - maxStopDist)
		}
	}

	if !(stopLoss < entry && entry < takeProfit) {
		return nil, errs.New(errs.KindCriticalAnalysis, "leverage_decision",
			"inverted price ladder: stop %f entry %f take %f", stopLoss, entry, takeProfit)
	}

	riskDist := entry - stopLoss
	confidence := clamp(
		0.5*in.Prediction.Confidence+0.3*in.Support.Strength+0.2*math.Min(upside/downside/3, 1),
		0, 1)

	return &Recommendation{
		Direction:         "long",
		Leverage:          leverage,
		Confidence:        confidence,
		EntryPrice:        entry,
		StopLoss:          stopLoss,
		TakeProfit:        takeProfit,
		RiskReward:        upside / riskDist,
		MaxLossPct:        riskDist / entry * leverage * 100,
		ProfitProbability: clamp(0.6*in.Prediction.BreakoutProb+0.4*in.Support.Strength, 0, 1),
		RiskLevel:         clamp(5*in.Volatility+0.3*(1-in.Support.Strength)+0.3*math.Min(leverage/20, 1), 0, 1),
	}, nil
}
