package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// CreateTasks inserts one pending analyses row per spec. Called by the
// planner after early-fail passes; uniqueness on
// (execution_id, strategy_id, timeframe) makes double-planning fail loudly.
func (r *Repo) CreateTasks(ctx context.Context, executionID string, specs []TaskSpec) ([]*Task, error) {
	tasks := make([]*Task, 0, len(specs))
	for _, spec := range specs {
		task := &Task{
			ExecutionID:  executionID,
			StrategyID:   spec.Strategy.ID,
			StrategyName: spec.Strategy.Name,
			BaseKind:     string(spec.Strategy.BaseKind),
			Timeframe:    spec.Timeframe,
			Status:       TaskPending,
			CreatedAt:    time.Now().UTC(),
		}
		err := r.pool.QueryRow(ctx, `
			INSERT INTO analyses
				(execution_id, strategy_id, strategy_name, base_kind, timeframe,
				 task_status, retry_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
			RETURNING id`,
			task.ExecutionID, task.StrategyID, task.StrategyName, task.BaseKind,
			task.Timeframe, string(task.Status), task.CreatedAt,
		).Scan(&task.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create task %s/%s: %w", task.StrategyName, task.Timeframe, err)
		}
		tasks = append(tasks, task)
	}

	log.Info().
		Str("execution_id", executionID).
		Int("tasks", len(tasks)).
		Msg("Task rows created")
	return tasks, nil
}

const taskColumns = `id, execution_id, strategy_id, strategy_name, base_kind, timeframe,
	task_status, error_message, retry_count, created_at, started_at, completed_at, aggregates`

// GetTask fetches one task row by id
func (r *Repo) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM analyses WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("task %d not found", id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks returns all task rows of one execution in creation order
func (r *Repo) ListTasks(ctx context.Context, executionID string) ([]*Task, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM analyses WHERE execution_id = $1 ORDER BY id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// MarkTaskRunning transitions pending -> running. Only the owning worker
// calls this; a row already claimed or cancelled is not transitioned.
func (r *Repo) MarkTaskRunning(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE analyses SET task_status = 'running', started_at = NOW()
		WHERE id = $1 AND task_status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d is not pending", id)
	}
	return nil
}

// CompleteTask finalizes a task with its aggregates and writes the derived
// trade summary in the same transaction-free single statement pair (each
// statement is atomic; the summary is derived, so a crash between the two
// loses nothing authoritative).
func (r *Repo) CompleteTask(ctx context.Context, id int64, agg *Aggregates, summary *TradeSummary) error {
	raw, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregates: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE analyses SET
			task_status = 'completed',
			completed_at = NOW(),
			aggregates = $2
		WHERE id = $1 AND task_status = 'running'`, id, raw)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d is not running", id)
	}

	if summary != nil {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO analysis_trades_summary
				(analysis_id, execution_id, total_trades, winning_trades, losing_trades,
				 avg_win, avg_loss, profit_factor, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
			id, summary.ExecutionID, summary.TotalTrades, summary.WinningTrades,
			summary.LosingTrades, summary.AvgWin, summary.AvgLoss, summary.ProfitFactor,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trade summary: %w", err)
		}
	}

	log.Info().
		Int64("task_id", id).
		Int("trades", agg.TotalTrades).
		Int("no_signal", agg.NoSignalCount).
		Msg("Task completed")
	return nil
}

// FailTask finalizes a task as failed with an error message
func (r *Repo) FailTask(ctx context.Context, id int64, message string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE analyses SET
			task_status = 'failed',
			error_message = $2,
			completed_at = NOW()
		WHERE id = $1 AND task_status NOT IN ('completed', 'skipped')`, id, message)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	return nil
}

// SkipTask marks a task skipped (cancellation observed)
func (r *Repo) SkipTask(ctx context.Context, id int64, message string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE analyses SET
			task_status = 'skipped',
			error_message = $2,
			completed_at = NOW()
		WHERE id = $1 AND task_status IN ('pending', 'running')`, id, message)
	if err != nil {
		return fmt.Errorf("failed to skip task: %w", err)
	}
	return nil
}

// SkipTaskWithOutcomes marks a task skipped while persisting the aggregates
// of the evaluations that finished before the cancellation checkpoint. A nil
// aggregates degrades to a plain skip.
func (r *Repo) SkipTaskWithOutcomes(ctx context.Context, id int64, message string, agg *Aggregates, summary *TradeSummary) error {
	if agg == nil {
		return r.SkipTask(ctx, id, message)
	}
	raw, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregates: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE analyses SET
			task_status = 'skipped',
			error_message = $2,
			aggregates = $3,
			completed_at = NOW()
		WHERE id = $1 AND task_status IN ('pending', 'running')`, id, message, raw)
	if err != nil {
		return fmt.Errorf("failed to skip task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal; nothing to attach the summary to.
		return nil
	}

	if summary != nil {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO analysis_trades_summary
				(analysis_id, execution_id, total_trades, winning_trades, losing_trades,
				 avg_win, avg_loss, profit_factor, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
			id, summary.ExecutionID, summary.TotalTrades, summary.WinningTrades,
			summary.LosingTrades, summary.AvgWin, summary.AvgLoss, summary.ProfitFactor,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trade summary: %w", err)
		}
	}

	log.Info().
		Int64("task_id", id).
		Int("evaluations", agg.TotalEvaluations).
		Int("trades", agg.TotalTrades).
		Msg("Task skipped with partial outcomes")
	return nil
}

// ForceFailRunning is the ledger finalizer's escalation path: after a
// cancellation grace window expires and workers are terminated, any row still
// running is forced to failed.
func (r *Repo) ForceFailRunning(ctx context.Context, executionID, reason string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE analyses SET
			task_status = 'failed',
			error_message = $2,
			completed_at = NOW()
		WHERE execution_id = $1 AND task_status = 'running'`, executionID, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to force-fail running tasks: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		log.Warn().
			Str("execution_id", executionID).
			Int64("tasks", n).
			Str("reason", reason).
			Msg("Forced running tasks to failed")
	}
	return n, nil
}

// CountByStatus returns the task-status histogram for one execution
func (r *Repo) CountByStatus(ctx context.Context, executionID string) (map[TaskStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_status, COUNT(*) FROM analyses
		WHERE execution_id = $1 GROUP BY task_status`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[TaskStatus(status)] = count
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		task   Task
		status string
		rawAgg []byte
	)
	err := row.Scan(&task.ID, &task.ExecutionID, &task.StrategyID, &task.StrategyName,
		&task.BaseKind, &task.Timeframe, &status, &task.ErrorMessage, &task.RetryCount,
		&task.CreatedAt, &task.StartedAt, &task.CompletedAt, &rawAgg)
	if err != nil {
		return nil, err
	}
	task.Status = TaskStatus(status)
	if len(rawAgg) > 0 && string(rawAgg) != "null" {
		var agg Aggregates
		if err := json.Unmarshal(rawAgg, &agg); err != nil {
			return nil, fmt.Errorf("failed to decode aggregates: %w", err)
		}
		task.Aggregates = &agg
	}
	return &task, nil
}
