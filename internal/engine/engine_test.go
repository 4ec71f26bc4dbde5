package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/decision"
	"github.com/tradeforge/levscan/internal/gates"
	"github.com/tradeforge/levscan/internal/market"
	"github.com/tradeforge/levscan/internal/ml"
	"github.com/tradeforge/levscan/internal/provider"
	"github.com/tradeforge/levscan/internal/strategy"
)

type fixedModel struct{ pred ml.Prediction }

func (f fixedModel) Name() string { return "fixed" }
func (f fixedModel) Predict(context.Context, *ml.Features) (*ml.Prediction, error) {
	p := f.pred
	return &p, nil
}

func testThresholds() config.Thresholds {
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

func newTestEngine(t *testing.T, n int, grid GridConfig) *Engine {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base := provider.GenerateCandles("SOL", provider.Timeframe1h, start, n, 150)
	ref := provider.GenerateCandles("BTC", provider.Timeframe1h, start, n, 50000)

	data, err := market.Prepare("SOL", provider.Timeframe1h, base)
	require.NoError(t, err)
	refData, err := market.Prepare("BTC", provider.Timeframe1h, ref)
	require.NoError(t, err)
	data = data.WithReference(refData)

	models := ml.NewRegistry(func(string, string) (ml.Predictor, error) {
		return fixedModel{pred: ml.Prediction{
			BreakoutProb: 0.85, BounceProb: 0.05, Confidence: 0.85, SignalStrength: 0.8,
		}}, nil
	})

	strat := strategy.NewDefault("steady", strategy.Balanced, "1h")
	strat.Parameters.LeverageCap = 1000
	chain := gates.NewChain("SOL", "1h", testThresholds(), strat, models)
	path := decision.NewPath("SOL", "1h", strat, models, 0.05)

	return New(data, chain, path, grid, zerolog.Nop())
}

func sum(m map[string]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}

func TestTimepointsHonorCapAndCoverage(t *testing.T) {
	e := newTestEngine(t, 2000, GridConfig{
		WindowDays: 90, StepCandles: 1, TargetCoverage: 0.80, Cap: 500,
	})

	points, candidates := e.Timepoints()
	assert.LessOrEqual(t, len(points), 500)
	assert.Greater(t, candidates, 1000)

	for i := 1; i < len(points); i++ {
		assert.True(t, points[i].After(points[i-1]), "grid not ascending at %d", i)
	}
}

func TestTimepointsNeverFabricateEarlyTimestamps(t *testing.T) {
	// 10 days of data against a 90-day window: the grid starts at the first
	// available candle.
	e := newTestEngine(t, 240, GridConfig{
		WindowDays: 90, StepCandles: 1, TargetCoverage: 1.0, Cap: 5000,
	})

	points, _ := e.Timepoints()
	require.NotEmpty(t, points)
	assert.Equal(t, e.data.Start(), points[0])
}

func TestTimepointsStepThinning(t *testing.T) {
	e := newTestEngine(t, 480, GridConfig{
		WindowDays: 90, StepCandles: 4, TargetCoverage: 1.0, Cap: 5000,
	})

	points, candidates := e.Timepoints()
	assert.Equal(t, 120, candidates)
	assert.Len(t, points, 120)
	for i := 1; i < len(points); i++ {
		assert.Equal(t, 4*time.Hour, points[i].Sub(points[i-1]))
	}
}

func TestRunAccountingInvariant(t *testing.T) {
	e := newTestEngine(t, 600, GridConfig{
		WindowDays: 90, StepCandles: 4, TargetCoverage: 0.80, Cap: 5000,
	})

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, stats.TotalEvaluations, 0)
	assert.Equal(t, stats.Planned, stats.TotalEvaluations)

	accounted := sum(stats.GateRejects) + stats.Trades + stats.NoSignal + sum(stats.EarlyExits)
	assert.Equal(t, stats.TotalEvaluations, accounted)
}

func TestRunEmitsSignalsThroughHook(t *testing.T) {
	e := newTestEngine(t, 600, GridConfig{
		WindowDays: 90, StepCandles: 4, TargetCoverage: 0.80, Cap: 5000,
	})

	var signals []*Signal
	stats, err := e.RunWithHooks(context.Background(), Hooks{
		OnSignal: func(sig *Signal) error {
			signals = append(signals, sig)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Len(t, signals, stats.Trades)

	for _, sig := range signals {
		rec := sig.Recommendation
		require.NotNil(t, rec)
		assert.Less(t, rec.StopLoss, rec.EntryPrice)
		assert.Greater(t, rec.TakeProfit, rec.EntryPrice)
		assert.InDelta(t, rec.EntryPrice, sig.ReferencePrice, sig.ReferencePrice*0.05)
	}
}

func TestRunCancellationBetweenTimepoints(t *testing.T) {
	e := newTestEngine(t, 600, GridConfig{
		WindowDays: 90, StepCandles: 1, TargetCoverage: 1.0, Cap: 5000,
	})

	polls := 0
	stats, err := e.RunWithHooks(context.Background(), Hooks{
		Cancelled: func() bool {
			polls++
			return polls > 50
		},
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, stats.TotalEvaluations, stats.Planned)

	accounted := sum(stats.GateRejects) + stats.Trades + stats.NoSignal + sum(stats.EarlyExits)
	assert.Equal(t, stats.TotalEvaluations, accounted)
}

func TestRunProgressIsMonotonic(t *testing.T) {
	e := newTestEngine(t, 600, GridConfig{
		WindowDays: 90, StepCandles: 1, TargetCoverage: 1.0, Cap: 5000,
	})

	var seen []int
	_, err := e.RunWithHooks(context.Background(), Hooks{
		OnProgress: func(done, planned int, stats *Stats) {
			seen = append(seen, done)
			assert.LessOrEqual(t, done, planned)
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}
