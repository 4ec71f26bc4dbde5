package strategy

import (
	"fmt"
	"math"
)

// Gate9Inputs carries the signal context evaluated by the strategy-specific
// gate (gate 9 of the filter chain).
type Gate9Inputs struct {
	Confidence     float64 // ML breakout/bounce confidence
	BTCCorrelation float64 // signed correlation with the reference series
	Volatility     float64 // current realized volatility
	SignalStrength float64 // composite level+momentum strength
	Trend          string  // "bullish", "bearish", "sideways"
}

// Gate9Rule checks the kind-specific entry rules against one timepoint.
// Returns a reject reason, or "" on pass.
type Gate9Rule func(in Gate9Inputs) string

// gate9Rules is the dispatch table keyed by base kind
var gate9Rules = map[BaseKind]Gate9Rule{
	ConservativeML: func(in Gate9Inputs) string {
		if in.Confidence < 0.8 {
			return fmt.Sprintf("confidence %.2f below conservative floor 0.80", in.Confidence)
		}
		if math.Abs(in.BTCCorrelation) > 0.7 {
			return fmt.Sprintf("|btc correlation| %.2f exceeds 0.70", math.Abs(in.BTCCorrelation))
		}
		return ""
	},
	AggressiveML: func(in Gate9Inputs) string {
		if in.Volatility < 0.03 {
			return fmt.Sprintf("volatility %.4f below aggressive floor 0.03", in.Volatility)
		}
		if in.SignalStrength < 0.6 {
			return fmt.Sprintf("signal strength %.2f below 0.60", in.SignalStrength)
		}
		return ""
	},
	AggressiveTraditional: func(in Gate9Inputs) string {
		if in.SignalStrength < 0.5 {
			return fmt.Sprintf("signal strength %.2f below 0.50", in.SignalStrength)
		}
		if in.Trend == "sideways" {
			return "sideways trend"
		}
		return ""
	},
	FullML: func(in Gate9Inputs) string {
		if in.Confidence < 0.6 {
			return fmt.Sprintf("confidence %.2f below full-ml floor 0.60", in.Confidence)
		}
		return ""
	},
	Balanced: func(in Gate9Inputs) string {
		if in.Confidence < 0.5 {
			return fmt.Sprintf("confidence %.2f below balanced floor 0.50", in.Confidence)
		}
		if in.Volatility > 0.08 {
			return fmt.Sprintf("volatility %.4f above balanced ceiling 0.08", in.Volatility)
		}
		return ""
	},
}

// CheckGate9 runs the strategy-specific gate for a kind
func CheckGate9(kind BaseKind, in Gate9Inputs) string {
	rule, ok := gate9Rules[kind]
	if !ok {
		return fmt.Sprintf("no gate rules for base kind %q", kind)
	}
	return rule(in)
}
