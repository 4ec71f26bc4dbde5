// Package worker runs exactly one task end-to-end inside a short-lived
// subprocess: fetch data, run the filter loop and decision path, record
// outcomes, finalize the task row. Process isolation keeps cancellation
// clean and memory growth bounded.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/decision"
	"github.com/tradeforge/levscan/internal/engine"
	"github.com/tradeforge/levscan/internal/errs"
	"github.com/tradeforge/levscan/internal/gates"
	"github.com/tradeforge/levscan/internal/ledger"
	"github.com/tradeforge/levscan/internal/market"
	"github.com/tradeforge/levscan/internal/metrics"
	"github.com/tradeforge/levscan/internal/ml"
	"github.com/tradeforge/levscan/internal/progress"
	"github.com/tradeforge/levscan/internal/provider"
	"github.com/tradeforge/levscan/internal/recorder"
	"github.com/tradeforge/levscan/internal/store"
	"github.com/tradeforge/levscan/internal/strategy"
)

// ErrCancelled is the clean-cancel outcome: the task ended skipped
var ErrCancelled = errors.New("cancelled")

// featureWarmupDays of extra history are fetched before the analysis window
// so indicators have data at the first timepoint
const featureWarmupDays = 7

// cancelPollInterval throttles ledger cancellation reads; the flag is
// checked at every timepoint but hits the database at most this often
const cancelPollInterval = time.Second

// LedgerStore is the ledger surface the worker reads and updates
type LedgerStore interface {
	IsCancelled(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status ledger.ExecutionStatus, progress *float64, currentOp *string) error
}

// TaskStore is the analysis-store surface the worker reads
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (*store.Task, error)
	GetStrategy(ctx context.Context, id int64) (*strategy.Strategy, error)
	MarkTaskRunning(ctx context.Context, id int64) error
}

// Options identifies the single task this process owns
type Options struct {
	ExecutionID  string
	TaskID       int64
	Symbol       string
	Mode         AnalysisMode
	FilterParams *config.FilterParams
	Period       *ledger.Period // optional custom evaluation window
	TotalTasks   int            // for execution-level progress weighting
}

// Worker executes one task
type Worker struct {
	cfg          *config.Config
	ledger       LedgerStore
	tasks        TaskStore
	rec          *recorder.Recorder
	provider     provider.Provider
	models       *ml.Registry
	logger       zerolog.Logger
	now          func() time.Time
	pollInterval time.Duration
}

// New wires a worker over its stores and the active data provider
func New(cfg *config.Config, ledgerStore LedgerStore, tasks TaskStore, rec *recorder.Recorder, p provider.Provider, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:          cfg,
		ledger:       ledgerStore,
		tasks:        tasks,
		rec:          rec,
		provider:     p,
		models:       ml.NewRegistry(ml.NewLogitFactory()),
		logger:       logger,
		now:          time.Now,
		pollInterval: cancelPollInterval,
	}
}

// canceller caches the ledger cancellation flag between polls; once
// observed, cancellation is sticky
type canceller struct {
	ctx         context.Context
	ledger      LedgerStore
	executionID string
	interval    time.Duration
	lastPoll    time.Time
	cancelled   bool
	logger      zerolog.Logger
}

func (c *canceller) Poll() bool {
	if c.cancelled {
		return true
	}
	now := time.Now()
	if now.Sub(c.lastPoll) < c.interval {
		return false
	}
	c.lastPoll = now

	cancelled, err := c.ledger.IsCancelled(c.ctx, c.executionID)
	if err != nil {
		// A flaky ledger read never cancels work; the next poll retries.
		c.logger.Warn().Err(err).Msg("Cancellation poll failed")
		return false
	}
	c.cancelled = cancelled
	return cancelled
}

// RunTask is the worker entry point. Returns nil on completion (including
// the no-signal outcome), ErrCancelled after a clean cancel, or the failure
// that was recorded on the task row.
func (w *Worker) RunTask(ctx context.Context, opts Options) error {
	task, err := w.tasks.GetTask(ctx, opts.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task %d: %w", opts.TaskID, err)
	}
	taskLogger := w.logger.With().
		Str("execution_id", opts.ExecutionID).
		Int64("task_id", task.ID).
		Str("timeframe", task.Timeframe).
		Logger()

	cancel := &canceller{
		ctx:         ctx,
		ledger:      w.ledger,
		executionID: opts.ExecutionID,
		interval:    w.pollInterval,
		logger:      taskLogger,
	}

	// Checkpoint: before task start. Nothing has been processed yet.
	if cancel.Poll() {
		if err := w.rec.FinalizeSkipped(ctx, task, nil, nil, nil); err != nil {
			return err
		}
		return ErrCancelled
	}

	strat, err := w.tasks.GetStrategy(ctx, task.StrategyID)
	if err != nil {
		ferr := fmt.Errorf("failed to load strategy %d: %w", task.StrategyID, err)
		_ = w.rec.FinalizeFailed(ctx, task, ferr)
		return ferr
	}

	if err := w.tasks.MarkTaskRunning(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to claim task %d: %w", task.ID, err)
	}

	started := w.now()
	stats, runErr := w.analyze(ctx, task, strat, opts, cancel, taskLogger)
	elapsed := w.now().Sub(started).Seconds()
	switch {
	case errors.Is(runErr, engine.ErrCancelled):
		// analyze already recorded the partial outcomes on the skipped row.
		metrics.RecordTaskOutcome(string(store.TaskSkipped), task.Timeframe, elapsed)
		return ErrCancelled
	case runErr != nil:
		_ = w.rec.FinalizeFailed(ctx, task, runErr)
		metrics.RecordTaskOutcome(string(store.TaskFailed), task.Timeframe, elapsed)
		return runErr
	default:
		metrics.RecordTaskOutcome(string(store.TaskCompleted), task.Timeframe, elapsed)
		metrics.RecordStats(stats.GateRejects, stats.EarlyExits, stats.Trades, stats.NoSignal)
		taskLogger.Info().
			Int("evaluations", stats.TotalEvaluations).
			Int("trades", stats.Trades).
			Msg("Task finished")
		return nil
	}
}

func (w *Worker) analyze(ctx context.Context, task *store.Task, strat *strategy.Strategy, opts Options, cancel *canceller, taskLogger zerolog.Logger) (*engine.Stats, error) {
	tfCfg, ok := w.cfg.Timeframes[task.Timeframe]
	if !ok {
		return nil, errs.New(errs.KindInsufficientConfiguration, "worker_setup",
			"no timeframe config for %q and no central default exists", task.Timeframe)
	}
	tf, err := provider.ParseTimeframe(task.Timeframe)
	if err != nil {
		return nil, errs.Wrap(errs.KindInsufficientConfiguration, "worker_setup", err)
	}

	thresholds := config.ResolveThresholds(
		w.cfg.Thresholds, tfCfg.Thresholds, strat.Parameters.Thresholds, opts.FilterParams)

	windowDays := tfCfg.WindowDays
	end := w.now().UTC()
	if opts.Period != nil && opts.Period.Mode == ledger.PeriodCustom {
		end = opts.Period.EndDate.UTC()
		span := end.Sub(opts.Period.StartDate.UTC())
		windowDays = int(span.Hours()/24 + 0.5)
		if windowDays < 1 {
			windowDays = 1
		}
	}

	data, err := w.prepareData(ctx, opts.Symbol, tf, windowDays, end)
	if err != nil {
		return nil, err
	}

	chain := gates.NewChain(opts.Symbol, task.Timeframe, thresholds, strat, w.models)
	path := decision.NewPath(opts.Symbol, task.Timeframe, strat, w.models, w.cfg.Analysis.PriceDriftMaxFrac)
	eng := engine.New(data, chain, path, engine.GridConfig{
		WindowDays:     windowDays,
		StepCandles:    tfCfg.StepCandles,
		TargetCoverage: w.cfg.Analysis.TargetCoverage,
		Cap:            w.cfg.Analysis.EvaluationCap,
	}, taskLogger)

	progressWriter, err := progress.NewWriter(w.cfg.Analysis.ProgressDir, opts.ExecutionID, task.StrategyID, task.Timeframe)
	if err != nil {
		return nil, err
	}
	taskKey := progress.TaskKey(task.StrategyID, task.Timeframe)

	var signals []*engine.Signal
	stats, runErr := eng.RunWithHooks(ctx, engine.Hooks{
		Cancelled: cancel.Poll,
		OnSignal: func(sig *engine.Signal) error {
			signals = append(signals, sig)
			return nil
		},
		OnProgress: func(done, planned int, st *engine.Stats) {
			w.reportProgress(ctx, progressWriter, opts, taskKey, done, planned, st)
		},
	})
	if runErr != nil {
		if errors.Is(runErr, engine.ErrCancelled) {
			// A mid-run cancel still finalizes the task: every evaluation
			// processed before the checkpoint is persisted with the skip.
			if err := w.rec.FinalizeSkipped(ctx, task, stats, signals, data); err != nil {
				return stats, err
			}
		}
		return stats, runErr
	}

	if opts.Mode == ModeRealtime {
		if err := w.evaluateLive(ctx, data, path, cancel, &signals, stats, opts.Symbol); err != nil {
			return stats, err
		}
	}

	if _, err := w.rec.FinalizeCompleted(ctx, task, stats, signals, data); err != nil {
		return stats, err
	}
	return stats, nil
}

// prepareData fetches the instrument series plus the reference series and
// indexes them. Missing market data fails this task only.
func (w *Worker) prepareData(ctx context.Context, symbol string, tf provider.Timeframe, windowDays int, end time.Time) (*market.PreparedData, error) {
	start := end.AddDate(0, 0, -(windowDays + featureWarmupDays))

	fetchCtx, cancelFetch := context.WithTimeout(ctx, w.cfg.Provider.DataProbeTimeoutDuration())
	defer cancelFetch()

	candles, err := w.provider.GetOHLCV(fetchCtx, symbol, tf, start, end)
	if err != nil {
		return nil, errs.Wrap(errs.KindInsufficientMarketData, "data_fetch", err)
	}
	data, err := market.Prepare(symbol, tf, candles)
	if err != nil {
		return nil, errs.Wrap(errs.KindInsufficientMarketData, "data_fetch", err).WithDataSize(len(candles))
	}

	refSymbol := w.cfg.Analysis.ReferenceSymbol
	if refSymbol != "" && refSymbol != symbol {
		refCandles, err := w.provider.GetOHLCV(fetchCtx, refSymbol, tf, start, end)
		if err != nil {
			// The reference series is optional at fetch time; evaluations
			// needing it early-exit with btc_data_insufficient.
			w.logger.Warn().Str("reference", refSymbol).Err(err).Msg("Reference series unavailable")
			return data, nil
		}
		ref, err := market.Prepare(refSymbol, tf, refCandles)
		if err != nil {
			w.logger.Warn().Str("reference", refSymbol).Err(err).Msg("Reference series unusable")
			return data, nil
		}
		data = data.WithReference(ref)
	}
	return data, nil
}

// evaluateLive runs the decision path once more at the newest timepoint with
// the live price as entry, so the price-consistency rule applies against the
// candle open. GetCurrentPrice is only ever called here, never in backtest.
func (w *Worker) evaluateLive(ctx context.Context, data *market.PreparedData, path *decision.Path, cancel *canceller, signals *[]*engine.Signal, stats *engine.Stats, symbol string) error {
	priceCtx, cancelFetch := context.WithTimeout(ctx, w.cfg.Provider.ConnectTimeoutDuration())
	defer cancelFetch()

	livePrice, err := w.provider.GetCurrentPrice(priceCtx, symbol)
	if err != nil {
		return errs.Wrap(errs.KindInsufficientMarketData, "live_price", err)
	}

	view := data.AsOf(data.End())
	last, ok := view.Last()
	if !ok {
		return errs.New(errs.KindInsufficientMarketData, "live_price", "empty series")
	}

	res, err := path.Run(ctx, view, last.Open, livePrice, cancel.Poll)
	if err != nil {
		return err
	}
	stats.TotalEvaluations++
	switch {
	case res.Completed:
		stats.Trades++
		*signals = append(*signals, &engine.Signal{
			Timestamp:      view.At(),
			ReferencePrice: last.Open,
			Recommendation: res.Recommendation,
			StageResults:   res.StageResults,
		})
	case res.ExitReason == decision.ExitLeverageConditions:
		stats.NoSignal++
	default:
		stats.EarlyExits[res.ExitStage+"/"+res.ExitReason]++
	}
	return nil
}

func (w *Worker) reportProgress(ctx context.Context, writer *progress.Writer, opts Options, taskKey string, done, planned int, st *engine.Stats) {
	snap := &progress.Snapshot{
		ExecutionID:       opts.ExecutionID,
		TaskKey:           taskKey,
		TimepointIndex:    done,
		PlannedTimepoints: planned,
		GateHistogram:     st.GateRejects,
		Trades:            st.Trades,
		NoSignal:          st.NoSignal,
		EarlyExits:        st.EarlyExits,
	}
	if err := writer.Write(snap); err != nil {
		w.logger.Debug().Err(err).Msg("Progress snapshot write failed")
	}

	// The ledger carries execution-level progress: this task's fresh snapshot
	// plus whatever the sibling tasks last wrote. Unstarted siblings count as
	// zero through the TotalTasks denominator.
	if opts.TotalTasks > 0 {
		snaps := progress.ReadAll(w.cfg.Analysis.ProgressDir, opts.ExecutionID)
		pct := progress.ExecutionPercent(snaps, opts.TotalTasks)
		op := fmt.Sprintf("analyzing %s %s", opts.Symbol, taskKey)
		if err := w.ledger.UpdateStatus(ctx, opts.ExecutionID, ledger.StatusRunning, &pct, &op); err != nil {
			w.logger.Debug().Err(err).Msg("Ledger progress update failed")
		}
	}
}
