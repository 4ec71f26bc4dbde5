package gates

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/market"
	"github.com/tradeforge/levscan/internal/ml"
	"github.com/tradeforge/levscan/internal/provider"
	"github.com/tradeforge/levscan/internal/strategy"
)

// stubModel returns a fixed favorable prediction so gate behavior is
// deterministic regardless of the synthetic series shape
type stubModel struct{ pred ml.Prediction }

func (s stubModel) Name() string { return "stub" }
func (s stubModel) Predict(context.Context, *ml.Features) (*ml.Prediction, error) {
	p := s.pred
	return &p, nil
}

func stubRegistry(pred ml.Prediction) *ml.Registry {
	return ml.NewRegistry(func(string, string) (ml.Predictor, error) {
		return stubModel{pred: pred}, nil
	})
}

func favorablePrediction() ml.Prediction {
	return ml.Prediction{BreakoutProb: 0.85, BounceProb: 0.05, Confidence: 0.85, SignalStrength: 0.8}
}

// looseThresholds lets everything through; individual tests tighten one knob
func looseThresholds() config.Thresholds {
	return config.Thresholds{
		MinLeverage:           0.1,
		MinConfidence:         0,
		MinRiskReward:         0,
		MinSupportStrength:    0.1,
		MinResistanceStrength: 0.1,
		MinVolume:             10,
		MaxSpreadPct:          50,
		MinLiquidityScore:     0,
		VolatilityMin:         0,
		VolatilityMax:         1,
		MaxRiskLevel:          1,
		MinProfitProbability:  0,
		MaxLossPct:            100,
		LevelMinDistancePct:   0,
		LevelMaxDistancePct:   100,
	}
}

func preparedSeries(t *testing.T) *market.PreparedData {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := provider.GenerateCandles("SOL", provider.Timeframe1h, start, 300, 150)
	p, err := market.Prepare("SOL", provider.Timeframe1h, candles)
	require.NoError(t, err)
	return p
}

func newChain(th config.Thresholds, kind strategy.BaseKind, pred ml.Prediction) *Chain {
	strat := strategy.NewDefault("test", kind, "1h")
	strat.Parameters.LeverageCap = 1000
	return NewChain("SOL", "1h", th, strat, stubRegistry(pred))
}

func TestChainPassesWithLooseThresholds(t *testing.T) {
	p := preparedSeries(t)
	chain := newChain(looseThresholds(), strategy.Balanced, favorablePrediction())

	out := chain.Evaluate(context.Background(), p.AsOf(p.End()))
	require.True(t, out.Pass, "rejected at gate %d (%s): %s", out.GateIndex, out.GateName, out.Reason)
	assert.NotNil(t, out.Features)
	assert.NotNil(t, out.Prediction)
	assert.NotNil(t, out.Recommendation)
	assert.Greater(t, out.ReferencePrice, 0.0)
}

func TestGate1RejectsMissingCandle(t *testing.T) {
	p := preparedSeries(t)
	chain := newChain(looseThresholds(), strategy.Balanced, favorablePrediction())

	// 31 minutes past the last open is beyond the widest matcher tolerance.
	out := chain.Evaluate(context.Background(), p.AsOf(p.End().Add(31*time.Minute)))
	require.False(t, out.Pass)
	assert.Equal(t, 1, out.GateIndex)
	assert.Equal(t, "missing_candle", out.Reason)
}

func TestGate2RejectsThinVolume(t *testing.T) {
	p := preparedSeries(t)
	th := looseThresholds()
	th.MinVolume = 1e9
	chain := newChain(th, strategy.Balanced, favorablePrediction())

	out := chain.Evaluate(context.Background(), p.AsOf(p.End()))
	require.False(t, out.Pass)
	assert.Equal(t, 2, out.GateIndex)
	assert.Equal(t, "volume_below_threshold", out.Reason)
}

func TestGate3RejectsWhenNoStrongLevels(t *testing.T) {
	p := preparedSeries(t)
	th := looseThresholds()
	th.MinSupportStrength = 0.999
	th.MinResistanceStrength = 0.999
	chain := newChain(th, strategy.Balanced, favorablePrediction())

	out := chain.Evaluate(context.Background(), p.AsOf(p.End()))
	require.False(t, out.Pass)
	assert.Equal(t, 3, out.GateIndex)
}

func TestGate4RejectsDistanceOutOfBounds(t *testing.T) {
	p := preparedSeries(t)
	th := looseThresholds()
	th.LevelMinDistancePct = 50
	chain := newChain(th, strategy.Balanced, favorablePrediction())

	out := chain.Evaluate(context.Background(), p.AsOf(p.End()))
	require.False(t, out.Pass)
	assert.Equal(t, 4, out.GateIndex)
	assert.Contains(t, out.Metrics, "support_distance_pct")
}

func TestGate5RejectsLowConfidence(t *testing.T) {
	p := preparedSeries(t)
	pred := favorablePrediction()
	pred.Confidence = 0.2
	th := looseThresholds()
	th.MinConfidence = 0.3
	chain := newChain(th, strategy.Balanced, pred)

	out := chain.Evaluate(context.Background(), p.AsOf(p.End()))
	require.False(t, out.Pass)
	assert.Equal(t, 5, out.GateIndex)
	assert.Equal(t, "confidence_below_threshold", out.Reason)
}

func TestGate6RejectsVolatilityOutOfBand(t *testing.T) {
	p := preparedSeries(t)
	th := looseThresholds()
	th.VolatilityMax = 1e-9
	chain := newChain(th, strategy.Balanced, favorablePrediction())

	out := chain.Evaluate(context.Background(), p.AsOf(p.End()))
	require.False(t, out.Pass)
	assert.Equal(t, 6, out.GateIndex)
	assert.Equal(t, "volatility_out_of_band", out.Reason)
}

func TestGate8RejectsPoorRiskReward(t *testing.T) {
	p := preparedSeries(t)
	th := looseThresholds()
	th.MinRiskReward = 1000
	chain := newChain(th, strategy.Balanced, favorablePrediction())

	out := chain.Evaluate(context.Background(), p.AsOf(p.End()))
	require.False(t, out.Pass)
	assert.Equal(t, 8, out.GateIndex)
	assert.Equal(t, "risk_reward_below_threshold", out.Reason)
}

func TestGate9RejectsAggressiveMLInCalmMarket(t *testing.T) {
	// The synthetic series is far calmer than the 0.03 aggressive floor.
	p := preparedSeries(t)
	chain := newChain(looseThresholds(), strategy.AggressiveML, favorablePrediction())

	out := chain.Evaluate(context.Background(), p.AsOf(p.End()))
	require.False(t, out.Pass)
	assert.Equal(t, 9, out.GateIndex)
	assert.Equal(t, GateStrategySpecific, out.GateName)
	assert.Contains(t, out.Reason, "volatility")
}

func TestGate9ConservativeNeedsReferenceSeries(t *testing.T) {
	p := preparedSeries(t)
	chain := newChain(looseThresholds(), strategy.ConservativeML, favorablePrediction())

	out := chain.Evaluate(context.Background(), p.AsOf(p.End()))
	require.False(t, out.Pass)
	assert.Equal(t, 9, out.GateIndex)
	assert.Equal(t, "btc_correlation_unavailable", out.Reason)
}

func TestChainNeverReadsPastEvaluationTime(t *testing.T) {
	p := preparedSeries(t)
	chain := newChain(looseThresholds(), strategy.Balanced, favorablePrediction())

	at := p.Start().Add(150 * time.Hour)
	view := p.AsOf(at)
	out := chain.Evaluate(context.Background(), view)

	// Whatever the verdict, the view itself caps every read at T.
	last, ok := view.Last()
	require.True(t, ok)
	assert.False(t, last.Timestamp.After(at))
	if out.Pass {
		c, ok := view.CandleAt()
		require.True(t, ok)
		assert.Equal(t, c.Open, out.ReferencePrice)
	}
}
