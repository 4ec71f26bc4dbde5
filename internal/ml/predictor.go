package ml

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/levscan/internal/errs"
)

// Prediction is the model output for one evaluation timepoint
type Prediction struct {
	BreakoutProb   float64 `json:"breakout_prob"`
	BounceProb     float64 `json:"bounce_prob"`
	Confidence     float64 `json:"confidence"`
	SignalStrength float64 `json:"signal_strength"`
}

// Predictor scores one feature vector. Implementations must be pure with
// respect to the features: no hidden data fetches, no defaults for missing
// inputs.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, f *Features) (*Prediction, error)
}

// Factory builds a predictor for one (symbol, timeframe). Returning an error
// means no model exists for the instrument; the evaluation early-exits.
type Factory func(symbol, timeframe string) (Predictor, error)

// Registry caches predictors per (symbol, timeframe). Model load happens
// once per instrument; subsequent lookups are map reads.
type Registry struct {
	mu      sync.RWMutex
	factory Factory
	loaded  map[string]Predictor
}

// NewRegistry creates a registry over a model factory
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		loaded:  make(map[string]Predictor),
	}
}

// Get returns the cached predictor for the instrument, loading it on first use
func (r *Registry) Get(symbol, timeframe string) (Predictor, error) {
	key := symbol + "|" + timeframe

	r.mu.RLock()
	p, ok := r.loaded[key]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.loaded[key]; ok {
		return p, nil
	}

	p, err := r.factory(symbol, timeframe)
	if err != nil {
		return nil, fmt.Errorf("no model for %s %s: %w", symbol, timeframe, err)
	}
	r.loaded[key] = p

	log.Debug().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Str("model", p.Name()).
		Msg("Predictor loaded")
	return p, nil
}

// LogitModel is the built-in predictor: a fixed-weight logistic score over
// the feature vector. It exists so the pipeline runs end-to-end without an
// external model server; instruments with trained models register their own
// factory.
type LogitModel struct {
	symbol    string
	timeframe string
}

// NewLogitFactory is the default registry factory
func NewLogitFactory() Factory {
	return func(symbol, timeframe string) (Predictor, error) {
		return &LogitModel{symbol: symbol, timeframe: timeframe}, nil
	}
}

// Name identifies the model version in stage traces
func (m *LogitModel) Name() string { return "threshold_logit_v1" }

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Predict scores the features. Nil features are a programming error, not a
// degraded input.
func (m *LogitModel) Predict(ctx context.Context, f *Features) (*Prediction, error) {
	if f == nil {
		return nil, errs.New(errs.KindCriticalAnalysis, "ml_prediction", "nil feature vector")
	}

	// Momentum component: RSI distance from neutral plus EMA alignment.
	momentum := (f.RSI - 50) / 50
	trendAlign := 0.0
	if f.SlowEMA > 0 {
		trendAlign = (f.FastEMA - f.SlowEMA) / f.SlowEMA * 10
	}

	breakout := sigmoid(1.8*momentum + 2.5*trendAlign + 1.2*(f.VolumeRatio-1) - 0.08*f.ResistanceDistancePct)
	bounce := sigmoid(-1.8*momentum + 1.5*f.SupportStrength - 0.08*f.SupportDistancePct)

	// Confidence peaks when the two hypotheses disagree strongly.
	confidence := math.Abs(breakout - bounce)
	strength := math.Max(breakout, bounce) * (0.5 + 0.5*math.Min(f.VolumeRatio, 2)/2)

	return &Prediction{
		BreakoutProb:   breakout,
		BounceProb:     bounce,
		Confidence:     confidence,
		SignalStrength: strength,
	}, nil
}
