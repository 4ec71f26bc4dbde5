// Package recorder persists task outcomes: signal blobs, no-signal and
// early-exit accounting, and the aggregate metrics written when a task
// finishes. No-signal is a valid final outcome here, never a failure.
package recorder

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/tradeforge/levscan/internal/engine"
	"github.com/tradeforge/levscan/internal/market"
	"github.com/tradeforge/levscan/internal/store"
)

// TaskStore is the analysis-store surface the recorder writes through
type TaskStore interface {
	CompleteTask(ctx context.Context, id int64, agg *store.Aggregates, summary *store.TradeSummary) error
	FailTask(ctx context.Context, id int64, message string) error
	SkipTaskWithOutcomes(ctx context.Context, id int64, message string, agg *store.Aggregates, summary *store.TradeSummary) error
}

// Recorder finalizes tasks against the analysis store
type Recorder struct {
	tasks   TaskStore
	blobDir string
	logger  zerolog.Logger
}

// New creates a recorder writing blobs under blobDir
func New(tasks TaskStore, blobDir string, logger zerolog.Logger) *Recorder {
	return &Recorder{tasks: tasks, blobDir: blobDir, logger: logger}
}

// buildOutcome simulates exits for the emitted signals, computes the
// aggregate metrics, and writes the compressed per-trade blob when any
// signal exists.
func (r *Recorder) buildOutcome(task *store.Task, stats *engine.Stats, signals []*engine.Signal, data *market.PreparedData) (*store.Aggregates, *store.TradeSummary, error) {
	trades := SimulateTrades(data, signals)
	tradeStats := ComputeTradeStats(trades)

	agg := &store.Aggregates{
		TotalEvaluations: stats.TotalEvaluations,
		TotalTrades:      len(trades),
		WinRate:          tradeStats.WinRate,
		SharpeRatio:      tradeStats.SharpeRatio,
		MaxDrawdown:      tradeStats.MaxDrawdown,
		AvgLeverage:      tradeStats.AvgLeverage,
		NoSignalCount:    stats.NoSignal,
		EarlyExits:       stats.EarlyExits,
		FilterRejects:    stats.GateRejects,
	}

	if len(signals) > 0 {
		path, rawSize, gzSize, err := WriteBlob(r.blobDir, signals)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to write trade blob: %w", err)
		}
		agg.CompressedPath = path
		r.logger.Debug().
			Int64("raw_bytes", rawSize).
			Int64("compressed_bytes", gzSize).
			Float64("reduction", 1-float64(gzSize)/float64(rawSize)).
			Msg("Trade blob written")
	}

	summary := &store.TradeSummary{
		AnalysisID:    task.ID,
		ExecutionID:   task.ExecutionID,
		TotalTrades:   len(trades),
		WinningTrades: tradeStats.Wins,
		LosingTrades:  tradeStats.Losses,
		AvgWin:        tradeStats.AvgWin,
		AvgLoss:       tradeStats.AvgLoss,
		ProfitFactor:  sanitize(tradeStats.ProfitFactor),
	}
	return agg, summary, nil
}

// FinalizeCompleted simulates exits for the emitted signals, computes the
// aggregate metrics, writes the compressed per-trade blob, and marks the
// task completed. A zero-trade task completes the same way with empty
// metrics.
func (r *Recorder) FinalizeCompleted(ctx context.Context, task *store.Task, stats *engine.Stats, signals []*engine.Signal, data *market.PreparedData) (*store.Aggregates, error) {
	agg, summary, err := r.buildOutcome(task, stats, signals, data)
	if err != nil {
		return nil, err
	}

	if err := r.tasks.CompleteTask(ctx, task.ID, agg, summary); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("execution_id", task.ExecutionID).
		Int64("task_id", task.ID).
		Int("trades", agg.TotalTrades).
		Int("no_signal", stats.NoSignal).
		Float64("win_rate", agg.WinRate).
		Msg("Task completed")
	return agg, nil
}

// FinalizeFailed marks the task failed; sibling tasks keep running
func (r *Recorder) FinalizeFailed(ctx context.Context, task *store.Task, cause error) error {
	r.logger.Warn().
		Str("execution_id", task.ExecutionID).
		Int64("task_id", task.ID).
		Err(cause).
		Msg("Task failed")
	return r.tasks.FailTask(ctx, task.ID, cause.Error())
}

// FinalizeSkipped marks the task skipped after a cooperative cancel. The
// evaluations processed before the checkpoint are a recorded outcome: when
// the run got far enough to carry stats, their aggregates, trade summary and
// blob are persisted on the skipped row. A nil stats means the task never
// started analyzing.
func (r *Recorder) FinalizeSkipped(ctx context.Context, task *store.Task, stats *engine.Stats, signals []*engine.Signal, data *market.PreparedData) error {
	if stats == nil {
		r.logger.Info().
			Str("execution_id", task.ExecutionID).
			Int64("task_id", task.ID).
			Msg("Task skipped before start")
		return r.tasks.SkipTaskWithOutcomes(ctx, task.ID, "cancelled", nil, nil)
	}

	agg, summary, err := r.buildOutcome(task, stats, signals, data)
	if err != nil {
		return err
	}
	r.logger.Info().
		Str("execution_id", task.ExecutionID).
		Int64("task_id", task.ID).
		Int("evaluations", stats.TotalEvaluations).
		Int("trades", agg.TotalTrades).
		Msg("Task skipped after cancellation, partial outcomes recorded")
	return r.tasks.SkipTaskWithOutcomes(ctx, task.ID, "cancelled", agg, summary)
}

// sanitize maps non-finite metric values to zero before they hit jsonb
func sanitize(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}
