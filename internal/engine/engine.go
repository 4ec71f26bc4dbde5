// Package engine drives one task end-to-end: it builds the evaluation grid,
// runs the nine-gate filter chain at every timepoint, hands survivors to the
// leverage decision path, and keeps the outcome accounting that the recorder
// persists.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/levscan/internal/decision"
	"github.com/tradeforge/levscan/internal/gates"
	"github.com/tradeforge/levscan/internal/market"
)

// ErrCancelled is returned when a cancellation checkpoint fires mid-task.
// Outcomes recorded before the checkpoint stay recorded.
var ErrCancelled = errors.New("cancelled")

// GridConfig bounds the evaluation grid for one task
type GridConfig struct {
	WindowDays     int
	StepCandles    int
	TargetCoverage float64
	Cap            int
}

// Stats is the task's outcome accounting. The invariant
// sum(GateRejects) + Trades + NoSignal + sum(EarlyExits) == TotalEvaluations
// holds at every checkpoint.
type Stats struct {
	Candidates       int            `json:"candidates"`
	Planned          int            `json:"planned"`
	TotalEvaluations int            `json:"total_evaluations"`
	Trades           int            `json:"trades"`
	NoSignal         int            `json:"no_signal"`
	GateRejects      map[string]int `json:"gate_rejects"` // keyed by gate name
	EarlyExits       map[string]int `json:"early_exits"`  // keyed "stage/reason"
}

// Efficiency is the filtering-efficiency metric: trades emitted over the
// candidate count
func (s *Stats) Efficiency() float64 {
	if s.Candidates == 0 {
		return 0
	}
	return float64(s.Trades) / float64(s.Candidates)
}

// Signal is one emitted trade recommendation with its full stage trace
type Signal struct {
	Timestamp      time.Time                `json:"timestamp"`
	ReferencePrice float64                  `json:"reference_price"`
	Recommendation *decision.Recommendation `json:"recommendation"`
	StageResults   []decision.StageResult   `json:"stage_results"`
}

// Hooks are the engine's callbacks into the recorder and the cancellation
// and progress plumbing. Cancelled is polled at every timepoint.
type Hooks struct {
	Cancelled  func() bool
	OnSignal   func(sig *Signal) error
	OnProgress func(done, planned int, stats *Stats)
}

const progressEvery = 25

// Engine runs the filter loop for one task
type Engine struct {
	data   *market.PreparedData
	chain  *gates.Chain
	path   *decision.Path
	grid   GridConfig
	logger zerolog.Logger
}

// New wires an engine over prepared market data
func New(data *market.PreparedData, chain *gates.Chain, path *decision.Path, grid GridConfig, logger zerolog.Logger) *Engine {
	return &Engine{data: data, chain: chain, path: path, grid: grid, logger: logger}
}

// Timepoints builds the evaluation grid: candle open times inside the
// analysis window, stepped by the timeframe's step, evenly thinned down to
// min(cap, ceil(coverage * |candidates|)) entries in ascending order.
//
// If available data starts after the nominal window start, the grid starts
// at the first available candle; timestamps are never fabricated.
func (e *Engine) Timepoints() ([]time.Time, int) {
	end := e.data.End()
	start := end.AddDate(0, 0, -e.grid.WindowDays)
	if first := e.data.Start(); first.After(start) {
		start = first
	}

	opens := e.data.OpenTimes(start, end)
	step := e.grid.StepCandles
	if step < 1 {
		step = 1
	}
	candidates := make([]time.Time, 0, len(opens)/step+1)
	for i := 0; i < len(opens); i += step {
		candidates = append(candidates, opens[i])
	}

	coverage := e.grid.TargetCoverage
	if coverage <= 0 || coverage > 1 {
		coverage = 0.80
	}
	planned := int(math.Ceil(coverage * float64(len(candidates))))
	if e.grid.Cap > 0 && planned > e.grid.Cap {
		planned = e.grid.Cap
	}
	if planned >= len(candidates) {
		return candidates, len(candidates)
	}

	// Even thinning keeps the window covered end to end.
	thinned := make([]time.Time, 0, planned)
	for i := 0; i < planned; i++ {
		thinned = append(thinned, candidates[i*len(candidates)/planned])
	}
	return thinned, len(candidates)
}

// Run executes the full evaluation loop. A nil error means the grid was
// processed to the end; ErrCancelled means a checkpoint fired; any other
// error is a critical failure that fails the task. The returned stats are
// valid in all three cases.
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	return e.RunWithHooks(ctx, Hooks{})
}

// RunWithHooks is Run with recorder and progress callbacks attached
func (e *Engine) RunWithHooks(ctx context.Context, hooks Hooks) (*Stats, error) {
	timepoints, candidates := e.Timepoints()
	stats := &Stats{
		Candidates:  candidates,
		Planned:     len(timepoints),
		GateRejects: make(map[string]int),
		EarlyExits:  make(map[string]int),
	}
	return stats, e.run(ctx, timepoints, stats, hooks)
}

func (e *Engine) run(ctx context.Context, timepoints []time.Time, stats *Stats, hooks Hooks) error {
	for i, at := range timepoints {
		if hooks.Cancelled != nil && hooks.Cancelled() {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		view := e.data.AsOf(at)
		outcome := e.chain.Evaluate(ctx, view)
		stats.TotalEvaluations++

		if !outcome.Pass {
			stats.GateRejects[outcome.GateName]++
			e.progress(i+1, len(timepoints), stats, hooks)
			continue
		}

		res, err := e.path.Run(ctx, view, outcome.ReferencePrice, outcome.ReferencePrice, hooks.Cancelled)
		if err != nil {
			if errors.Is(err, decision.ErrCancelled) {
				// The decision path did not record an outcome for this
				// timepoint; keep the accounting consistent.
				stats.TotalEvaluations--
				return ErrCancelled
			}
			return err
		}

		switch {
		case res.Completed:
			stats.Trades++
			if hooks.OnSignal != nil {
				sig := &Signal{
					Timestamp:      at,
					ReferencePrice: outcome.ReferencePrice,
					Recommendation: res.Recommendation,
					StageResults:   res.StageResults,
				}
				if err := hooks.OnSignal(sig); err != nil {
					return fmt.Errorf("failed to record signal at %s: %w", at, err)
				}
			}
		case res.ExitReason == decision.ExitLeverageConditions:
			// The path ran to its final step and declined: a valid,
			// final no-signal outcome, not a degraded one.
			stats.NoSignal++
		default:
			stats.EarlyExits[res.ExitStage+"/"+res.ExitReason]++
		}

		e.progress(i+1, len(timepoints), stats, hooks)
	}

	e.logger.Debug().
		Int("evaluations", stats.TotalEvaluations).
		Int("trades", stats.Trades).
		Int("no_signal", stats.NoSignal).
		Msg("Filter loop finished")
	return nil
}

func (e *Engine) progress(done, planned int, stats *Stats, hooks Hooks) {
	if hooks.OnProgress == nil {
		return
	}
	if done%progressEvery == 0 || done == planned {
		hooks.OnProgress(done, planned, stats)
	}
}
