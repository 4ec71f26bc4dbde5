// Package pool is the parent-side bounded executor: it spawns one worker
// subprocess per task, capped at min(configured cap, host CPUs), watches the
// ledger for cancellation, and finalizes the execution row when every task
// has reached a terminal state.
package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/ledger"
	"github.com/tradeforge/levscan/internal/metrics"
	"github.com/tradeforge/levscan/internal/store"
	"github.com/tradeforge/levscan/internal/worker"
)

// Worker exit codes, mirrored from the levscan-worker entry point
const (
	ExitSuccess   = 0
	ExitCancelled = 2
)

const cancelWatchInterval = time.Second

// LedgerStore is the ledger surface the pool drives
type LedgerStore interface {
	IsCancelled(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status ledger.ExecutionStatus, progress *float64, currentOp *string) error
	AppendError(ctx context.Context, id string, serr ledger.StructuredError) error
}

// TaskStore is the analysis-store surface the pool finalizes through
type TaskStore interface {
	SkipTask(ctx context.Context, id int64, message string) error
	FailTask(ctx context.Context, id int64, message string) error
	ForceFailRunning(ctx context.Context, executionID, reason string) (int64, error)
	CountByStatus(ctx context.Context, executionID string) (map[store.TaskStatus]int, error)
}

// LaunchSpec describes one worker subprocess
type LaunchSpec struct {
	Execution    *ledger.Execution
	Task         *store.Task
	Mode         worker.AnalysisMode
	FilterParams string // pre-encoded FILTER_PARAMS value
	TotalTasks   int
}

// launchFunc starts a worker and blocks until it exits, returning its exit
// code. cancelled is closed when the execution is cancelled; the launcher
// escalates to process termination after the grace window.
type launchFunc func(ctx context.Context, spec LaunchSpec, cancelled <-chan struct{}) (int, error)

// Pool runs one execution's tasks with bounded parallelism
type Pool struct {
	cfg    *config.Config
	ledger LedgerStore
	tasks  TaskStore
	launch launchFunc
	logger zerolog.Logger
}

// New creates a pool spawning the configured worker binary
func New(cfg *config.Config, ledgerStore LedgerStore, tasks TaskStore, logger zerolog.Logger) *Pool {
	p := &Pool{cfg: cfg, ledger: ledgerStore, tasks: tasks, logger: logger}
	p.launch = p.launchProcess
	return p
}

// Execute runs all tasks of one execution and finalizes the ledger row.
// It blocks until every task is terminal.
func (p *Pool) Execute(ctx context.Context, execution *ledger.Execution, tasks []*store.Task, mode worker.AnalysisMode) error {
	filterEnv, err := worker.EncodeFilterParams(execution.FilterParams)
	if err != nil {
		return err
	}

	cancelled := make(chan struct{})
	watchDone := make(chan struct{})
	go p.watchCancellation(ctx, execution.ID, cancelled, watchDone)

	maxWorkers := int64(p.cfg.Analysis.EffectiveMaxWorkers())
	sem := semaphore.NewWeighted(maxWorkers)
	var wg sync.WaitGroup

	for _, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(task *store.Task) {
			defer wg.Done()
			defer sem.Release(1)
			p.runOne(ctx, LaunchSpec{
				Execution:    execution,
				Task:         task,
				Mode:         mode,
				FilterParams: filterEnv,
				TotalTasks:   len(tasks),
			}, cancelled)
		}(task)
	}

	wg.Wait()
	close(watchDone)

	return p.finalize(ctx, execution, isClosed(cancelled))
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// watchCancellation polls the ledger and closes cancelled once the
// execution's status flips
func (p *Pool) watchCancellation(ctx context.Context, executionID string, cancelled chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(cancelWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			isCancelled, err := p.ledger.IsCancelled(ctx, executionID)
			if err != nil {
				continue
			}
			if isCancelled {
				close(cancelled)
				return
			}
		}
	}
}

// runOne spawns one worker and maps its exit code onto the task row. The
// worker finalizes its own row on clean paths; the pool only covers crashes.
func (p *Pool) runOne(ctx context.Context, spec LaunchSpec, cancelled <-chan struct{}) {
	if isClosed(cancelled) {
		if err := p.tasks.SkipTask(ctx, spec.Task.ID, "cancelled"); err != nil {
			p.logger.Warn().Err(err).Int64("task_id", spec.Task.ID).Msg("Failed to skip task")
		}
		return
	}

	metrics.ActiveWorkers.Inc()
	code, err := p.launch(ctx, spec, cancelled)
	metrics.ActiveWorkers.Dec()
	if err != nil {
		p.logger.Error().Err(err).Int64("task_id", spec.Task.ID).Msg("Worker failed to launch")
		_ = p.tasks.FailTask(ctx, spec.Task.ID, fmt.Sprintf("worker launch failed: %v", err))
		return
	}

	switch code {
	case ExitSuccess, ExitCancelled:
		// Worker finalized its own task row.
	default:
		p.logger.Warn().
			Int64("task_id", spec.Task.ID).
			Int("exit_code", code).
			Msg("Worker exited abnormally")
		// FailTask is a no-op if the worker already reached a terminal state.
		_ = p.tasks.FailTask(ctx, spec.Task.ID, fmt.Sprintf("worker exited with code %d", code))
	}
}

// workerArgs builds the worker invocation. The parent's config file rides
// along so the subprocess resolves the exact same settings.
func (p *Pool) workerArgs(spec LaunchSpec) []string {
	args := []string{
		"--execution-id", spec.Execution.ID,
		"--task-id", strconv.FormatInt(spec.Task.ID, 10),
		"--symbol", spec.Execution.Symbol,
		"--total-tasks", strconv.Itoa(spec.TotalTasks),
	}
	if p.cfg.ConfigFile != "" {
		args = append(args, "--config", p.cfg.ConfigFile)
	}
	return args
}

// launchProcess is the production launcher: fork the worker binary and wait,
// escalating to SIGKILL if cancellation outlives the grace window
func (p *Pool) launchProcess(ctx context.Context, spec LaunchSpec, cancelled <-chan struct{}) (int, error) {
	cmd := exec.Command(p.cfg.Analysis.WorkerBinary, p.workerArgs(spec)...)
	periodEnv, err := worker.EncodePeriod(spec.Execution.Period)
	if err != nil {
		return 0, err
	}
	cmd.Env = append(os.Environ(),
		worker.EnvFilterParams+"="+spec.FilterParams,
		worker.EnvAnalysisMode+"="+string(spec.Mode),
		worker.EnvPeriod+"="+periodEnv,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	grace := time.Duration(p.cfg.Analysis.CancelGraceSecs) * time.Second
	for {
		select {
		case <-done:
			return cmd.ProcessState.ExitCode(), nil
		case <-cancelled:
			// Cooperative window first; the worker polls the ledger itself.
			select {
			case <-done:
				return cmd.ProcessState.ExitCode(), nil
			case <-time.After(grace):
				p.logger.Warn().
					Int64("task_id", spec.Task.ID).
					Dur("grace", grace).
					Msg("Cooperative cancel timed out, killing worker")
				_ = cmd.Process.Kill()
				<-done
				return cmd.ProcessState.ExitCode(), nil
			}
		}
	}
}

// finalize settles the execution row once every task is terminal. Success
// requires all tasks completed or skipped with at least one completed.
func (p *Pool) finalize(ctx context.Context, execution *ledger.Execution, wasCancelled bool) error {
	if wasCancelled {
		forced, err := p.tasks.ForceFailRunning(ctx, execution.ID, "cancelled_hard")
		if err != nil {
			return fmt.Errorf("failed to force-fail running tasks: %w", err)
		}
		if forced > 0 {
			p.logger.Warn().
				Str("execution_id", execution.ID).
				Int64("forced", forced).
				Msg("Hard-cancelled running tasks")
		}
		op := "cancelled"
		metrics.ExecutionsFinished.WithLabelValues(string(ledger.StatusCancelled)).Inc()
		return p.ledger.UpdateStatus(ctx, execution.ID, ledger.StatusCancelled, nil, &op)
	}

	counts, err := p.tasks.CountByStatus(ctx, execution.ID)
	if err != nil {
		return fmt.Errorf("failed to count task statuses: %w", err)
	}

	unfinished := counts[store.TaskPending] + counts[store.TaskRunning]
	completed := counts[store.TaskCompleted]
	failed := counts[store.TaskFailed]

	if unfinished == 0 && failed == 0 && completed > 0 {
		full := 100.0
		op := "completed"
		metrics.ExecutionsFinished.WithLabelValues(string(ledger.StatusSuccess)).Inc()
		return p.ledger.UpdateStatus(ctx, execution.ID, ledger.StatusSuccess, &full, &op)
	}

	reason := fmt.Sprintf("%d failed, %d completed, %d unfinished", failed, completed, unfinished)
	_ = p.ledger.AppendError(ctx, execution.ID, ledger.StructuredError{
		Kind:       "critical_analysis_error",
		Stage:      "execution_finalize",
		Message:    reason,
		OccurredAt: time.Now().UTC(),
	})
	op := "failed"
	metrics.ExecutionsFinished.WithLabelValues(string(ledger.StatusFailed)).Inc()
	return p.ledger.UpdateStatus(ctx, execution.ID, ledger.StatusFailed, nil, &op)
}
