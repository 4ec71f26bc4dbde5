package decision

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/tradeforge/levscan/internal/errs"
	"github.com/tradeforge/levscan/internal/market"
	"github.com/tradeforge/levscan/internal/ml"
	"github.com/tradeforge/levscan/internal/strategy"
)

// ErrCancelled is returned when a cancellation checkpoint fires between steps
var ErrCancelled = errors.New("cancelled")

// Early-exit reasons, one per step plus the price-consistency rule
const (
	ExitInsufficientData    = "insufficient_data"
	ExitNoSupportResistance = "no_support_resistance"
	ExitMLPredictionFailed  = "ml_prediction_failed"
	ExitBTCDataInsufficient = "btc_data_insufficient"
	ExitMarketContextFailed = "market_context_failed"
	ExitLeverageConditions  = "leverage_conditions_not_met"
	ExitPriceConsistency    = "price_consistency"
)

const (
	minSliceLen       = 50
	correlationWindow = 24
	contextWindow     = 24
	anomalyFactor     = 4.0
)

// StageResult is the per-step audit record carried on every evaluation
type StageResult struct {
	Stage           string `json:"stage"`
	Success         bool   `json:"success"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	DataProcessed   int    `json:"data_processed,omitempty"`
	ItemsFound      int    `json:"items_found,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// MarketContext is the step-5 output
type MarketContext struct {
	Trend          string  `json:"trend"` // bullish, bearish, sideways
	Volatility     float64 `json:"volatility"`
	Anomaly        bool    `json:"anomaly"`
	BTCCorrelation float64 `json:"btc_correlation"`
}

// Result is the per-evaluation outcome of the decision path
type Result struct {
	Completed      bool            `json:"completed"`
	EarlyExit      bool            `json:"early_exit"`
	ExitStage      string          `json:"exit_stage,omitempty"`
	ExitReason     string          `json:"exit_reason,omitempty"`
	StageResults   []StageResult   `json:"stage_results"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	Context        *MarketContext  `json:"context,omitempty"`
	Features       *ml.Features    `json:"features,omitempty"`
	Prediction     *ml.Prediction  `json:"prediction,omitempty"`
}

// Path runs the six decision steps for one instrument/strategy pairing
type Path struct {
	symbol        string
	timeframe     string
	strat         *strategy.Strategy
	models        *ml.Registry
	priceDriftMax float64
}

// NewPath creates a decision path bound to one task's strategy
func NewPath(symbol, timeframe string, strat *strategy.Strategy, models *ml.Registry, priceDriftMax float64) *Path {
	if priceDriftMax <= 0 {
		priceDriftMax = 0.05
	}
	return &Path{
		symbol:        symbol,
		timeframe:     timeframe,
		strat:         strat,
		models:        models,
		priceDriftMax: priceDriftMax,
	}
}

// Cancelled reports whether the owning execution was cancelled; polled
// between steps
type Cancelled func() bool

// Run executes the six steps against the as-of view. referencePrice is the
// open of the candle at T; entryPrice equals it in backtest mode and the
// live price in realtime mode.
//
// A nil error with an early-exit Result is the normal degraded outcome. A
// non-nil error is either ErrCancelled or a critical invariant violation
// that fails the whole task.
func (p *Path) Run(ctx context.Context, view market.View, referencePrice, entryPrice float64, cancelled Cancelled) (*Result, error) {
	res := &Result{}

	// Price-consistency rule: a drifted entry is dropped, never a failure.
	if referencePrice > 0 && math.Abs(entryPrice-referencePrice)/referencePrice > p.priceDriftMax {
		res.EarlyExit = true
		res.ExitStage = "price_consistency"
		res.ExitReason = ExitPriceConsistency
		return res, nil
	}

	type step struct {
		stage string
		run   func(*Result) (exitReason string, err error)
	}
	steps := []step{
		{"data_slice", func(r *Result) (string, error) { return p.stepDataSlice(view, r) }},
		{"support_resistance", func(r *Result) (string, error) { return p.stepLevels(view, referencePrice, r) }},
		{"ml_prediction", func(r *Result) (string, error) { return p.stepPrediction(ctx, view, referencePrice, r) }},
		{"btc_correlation", func(r *Result) (string, error) { return p.stepCorrelation(view, r) }},
		{"market_context", func(r *Result) (string, error) { return p.stepContext(view, r) }},
		{"leverage_decision", func(r *Result) (string, error) { return p.stepLeverage(view, entryPrice, r) }},
	}

	for _, s := range steps {
		if cancelled != nil && cancelled() {
			return nil, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}

		began := time.Now()
		reason, err := s.run(res)
		sr := StageResult{
			Stage:           s.stage,
			Success:         reason == "" && err == nil,
			ExecutionTimeMs: time.Since(began).Milliseconds(),
		}
		if err != nil {
			sr.ErrorMessage = err.Error()
			res.StageResults = append(res.StageResults, sr)
			return res, err
		}
		if reason != "" {
			sr.ErrorMessage = reason
			res.StageResults = append(res.StageResults, sr)
			res.EarlyExit = true
			res.ExitStage = s.stage
			res.ExitReason = reason
			return res, nil
		}
		res.StageResults = append(res.StageResults, sr)
	}

	res.Completed = true
	return res, nil
}

func (p *Path) stepDataSlice(view market.View, res *Result) (string, error) {
	if view.Len() < minSliceLen {
		return ExitInsufficientData, nil
	}
	return "", nil
}

func (p *Path) stepLevels(view market.View, referencePrice float64, res *Result) (string, error) {
	supports := view.Levels(market.Support, 0)
	resistances := view.Levels(market.Resistance, 0)
	if len(supports) == 0 && len(resistances) == 0 {
		return ExitNoSupportResistance, nil
	}
	_, okS := market.NearestBelow(supports, referencePrice)
	_, okR := market.NearestAbove(resistances, referencePrice)
	if !okS || !okR {
		return ExitNoSupportResistance, nil
	}
	return "", nil
}

func (p *Path) stepPrediction(ctx context.Context, view market.View, referencePrice float64, res *Result) (string, error) {
	features, err := ml.Build(view, referencePrice)
	if err != nil {
		if errs.Is(err, errs.KindInsufficientMarketData) {
			return ExitMLPredictionFailed, nil
		}
		return "", err
	}

	model, err := p.models.Get(p.symbol, p.timeframe)
	if err != nil {
		return ExitMLPredictionFailed, nil
	}
	pred, err := model.Predict(ctx, features)
	if err != nil {
		if errs.Is(err, errs.KindCriticalAnalysis) {
			return "", err
		}
		return ExitMLPredictionFailed, nil
	}

	res.Features = features
	res.Prediction = pred
	return "", nil
}

func (p *Path) stepCorrelation(view market.View, res *Result) (string, error) {
	corr, err := view.ReferenceCorrelation(correlationWindow)
	if err != nil {
		return ExitBTCDataInsufficient, nil
	}
	if res.Context == nil {
		res.Context = &MarketContext{}
	}
	res.Context.BTCCorrelation = corr
	return "", nil
}

// classifyTrend buckets the EMA alignment into the three-way trend label
func classifyTrend(fast, slow float64) string {
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

func (p *Path) stepContext(view market.View, res *Result) (string, error) {
	if res.Features == nil {
		return ExitMarketContextFailed, nil
	}
	vol, err := view.Volatility(contextWindow)
	if err != nil {
		return ExitMarketContextFailed, nil
	}

	last, ok := view.Last()
	if !ok {
		return ExitMarketContextFailed, nil
	}
	anomaly := false
	if last.Open > 0 {
		anomaly = math.Abs(last.Close-last.Open)/last.Open > anomalyFactor*vol
	}

	if res.Context == nil {
		res.Context = &MarketContext{}
	}
	res.Context.Trend = classifyTrend(res.Features.FastEMA, res.Features.SlowEMA)
	res.Context.Volatility = vol
	res.Context.Anomaly = anomaly
	return "", nil
}

func (p *Path) stepLeverage(view market.View, entryPrice float64, res *Result) (string, error) {
	supports := view.Levels(market.Support, 0)
	resistances := view.Levels(market.Resistance, 0)
	support, okS := market.NearestBelow(supports, entryPrice)
	if !okS {
		// Gate 3 and step 2 both said levels exist; losing them here is an
		// invariant violation, not bad market data.
		return "", errs.New(errs.KindCriticalAnalysis, "leverage_decision",
			"support vanished after support_resistance step passed")
	}
	resistance, okR := market.NearestAbove(resistances, entryPrice)
	if !okR {
		return "", errs.New(errs.KindCriticalAnalysis, "leverage_decision",
			"resistance vanished after support_resistance step passed")
	}

	rec, err := ComputeLeverage(LeverageInputs{
		EntryPrice:  entryPrice,
		Support:     support,
		Resistance:  resistance,
		Prediction:  res.Prediction,
		Volatility:  res.Context.Volatility,
		LeverageCap: p.strat.Parameters.LeverageCap,
	})
	if err != nil {
		if errs.Is(err, errs.KindCriticalAnalysis) {
			return "", err
		}
		return ExitLeverageConditions, nil
	}

	if rec.Leverage < MinLeverage || rec.Confidence < MinConfidence {
		return ExitLeverageConditions, nil
	}

	res.Recommendation = rec
	return "", nil
}
