package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/levscan/internal/config"
)

// PoolInterface defines the interface for database pool operations
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repo is the durable execution ledger over the ledger database
type Repo struct {
	pool PoolInterface
}

// NewRepo creates a ledger repository
func NewRepo(pool PoolInterface) *Repo {
	return &Repo{pool: pool}
}

// NewRepoWithPool creates a ledger repository over pgxpool.Pool
func NewRepoWithPool(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// ListFilter narrows ListRecent results
type ListFilter struct {
	Symbol string
	Status ExecutionStatus
	Limit  int
	Offset int
}

// CreateExecution inserts a new ledger row
func (r *Repo) CreateExecution(ctx context.Context, exec *Execution) error {
	params, err := json.Marshal(exec.FilterParams)
	if err != nil {
		return fmt.Errorf("failed to marshal filter params: %w", err)
	}
	errs, err := json.Marshal(exec.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}
	period, err := json.Marshal(exec.Period)
	if err != nil {
		return fmt.Errorf("failed to marshal period: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO executions
			(execution_id, symbol, mode, selected_strategy_ids, status,
			 progress_percent, current_operation, filter_params, period, errors,
			 created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		exec.ID, exec.Symbol, string(exec.Mode), exec.SelectedStrategyIDs,
		string(exec.Status), exec.ProgressPercent, exec.CurrentOperation,
		params, period, errs, exec.CreatedAt, exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	log.Info().
		Str("execution_id", exec.ID).
		Str("symbol", exec.Symbol).
		Str("mode", string(exec.Mode)).
		Str("status", string(exec.Status)).
		Msg("Execution created")

	return nil
}

// GetExecution fetches one ledger row by id
func (r *Repo) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT execution_id, symbol, mode, selected_strategy_ids, status,
		       progress_percent, current_operation, filter_params, period, errors,
		       created_at, started_at, completed_at
		FROM executions WHERE execution_id = $1`, id)

	exec, err := scanExecution(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("execution %s not found", id)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// UpdateStatus transitions an execution's status and optionally advances
// progress. Progress is monotonically non-decreasing: the stored value never
// moves backwards. Terminal statuses are sticky: a row that is already
// success, failed or cancelled only accepts an update carrying the same
// status, so a worker progress tick racing a cancel can never resurrect the
// row to running. Such stale updates are dropped silently.
func (r *Repo) UpdateStatus(ctx context.Context, id string, status ExecutionStatus, progress *float64, currentOp *string) error {
	completedAt := interface{}(nil)
	if status.Terminal() {
		completedAt = time.Now().UTC()
	}
	startedAt := interface{}(nil)
	if status == StatusRunning {
		startedAt = time.Now().UTC()
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE executions SET
			status = $2,
			progress_percent = GREATEST(progress_percent, COALESCE($3, progress_percent)),
			current_operation = COALESCE($4, current_operation),
			started_at = COALESCE(started_at, $5),
			completed_at = COALESCE($6, completed_at)
		WHERE execution_id = $1
		  AND (status = $2 OR status IN ('pending', 'running'))`,
		id, string(status), progress, currentOp, startedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := r.pool.QueryRow(ctx,
			`SELECT status FROM executions WHERE execution_id = $1`, id,
		).Scan(&current)
		if err == pgx.ErrNoRows {
			return fmt.Errorf("execution %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("failed to update execution status: %w", err)
		}
		log.Debug().
			Str("execution_id", id).
			Str("status", current).
			Str("requested", string(status)).
			Msg("Dropped stale status update for terminal execution")
		return nil
	}
	return nil
}

// AppendError appends a structured error to the execution's ordered list
func (r *Repo) AppendError(ctx context.Context, id string, serr StructuredError) error {
	raw, err := json.Marshal(serr)
	if err != nil {
		return fmt.Errorf("failed to marshal structured error: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET errors = COALESCE(errors, '[]'::jsonb) || $2::jsonb
		WHERE execution_id = $1`,
		id, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to append error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not found", id)
	}
	return nil
}

// ListRecent returns ledger rows newest-first, optionally filtered
func (r *Repo) ListRecent(ctx context.Context, filter ListFilter) ([]*Execution, error) {
	query := `
		SELECT execution_id, symbol, mode, selected_strategy_ids, status,
		       progress_percent, current_operation, filter_params, period, errors,
		       created_at, started_at, completed_at
		FROM executions WHERE 1=1`
	args := []interface{}{}

	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// Cancel flips a live execution to cancelled. Returns false when the
// execution was already terminal (cancellation not honored).
func (r *Repo) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET status = 'cancelled', completed_at = NOW()
		WHERE execution_id = $1 AND status IN ('pending', 'running')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel execution: %w", err)
	}
	cancelled := tag.RowsAffected() > 0
	if cancelled {
		log.Info().Str("execution_id", id).Msg("Execution cancelled")
	}
	return cancelled, nil
}

// IsCancelled is the single-read cancellation poll used by workers at
// checkpoints
func (r *Repo) IsCancelled(ctx context.Context, id string) (bool, error) {
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM executions WHERE execution_id = $1`, id,
	).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("failed to poll cancellation: %w", err)
	}
	return ExecutionStatus(status) == StatusCancelled, nil
}

// RecordStep appends a step-log entry and returns its id
func (r *Repo) RecordStep(ctx context.Context, step *Step) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO execution_steps (execution_id, name, status, detail, started_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		step.ExecutionID, step.Name, step.Status, step.Detail, step.StartedAt,
	).Scan(&step.ID)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

// CompleteStep finalizes a step-log entry
func (r *Repo) CompleteStep(ctx context.Context, stepID int64, status, detail string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE execution_steps
		SET status = $2, detail = $3, completed_at = NOW()
		WHERE id = $1`,
		stepID, status, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to complete step: %w", err)
	}
	return nil
}

// ListSteps returns the step log for one execution in insertion order
func (r *Repo) ListSteps(ctx context.Context, executionID string) ([]*Step, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, execution_id, name, status, detail, started_at, completed_at
		FROM execution_steps
		WHERE execution_id = $1
		ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		var s Step
		if err := rows.Scan(&s.ID, &s.ExecutionID, &s.Name, &s.Status, &s.Detail, &s.StartedAt, &s.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// scanExecution decodes one executions row
func scanExecution(row pgx.Row) (*Execution, error) {
	var (
		exec      Execution
		mode      string
		status    string
		rawParams []byte
		rawPeriod []byte
		rawErrors []byte
	)
	err := row.Scan(
		&exec.ID, &exec.Symbol, &mode, &exec.SelectedStrategyIDs, &status,
		&exec.ProgressPercent, &exec.CurrentOperation, &rawParams, &rawPeriod, &rawErrors,
		&exec.CreatedAt, &exec.StartedAt, &exec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	exec.Mode = Mode(mode)
	exec.Status = ExecutionStatus(status)

	if len(rawParams) > 0 && string(rawParams) != "null" {
		var params config.FilterParams
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, fmt.Errorf("failed to decode filter params: %w", err)
		}
		exec.FilterParams = &params
	}
	if len(rawPeriod) > 0 && string(rawPeriod) != "null" {
		var period Period
		if err := json.Unmarshal(rawPeriod, &period); err != nil {
			return nil, fmt.Errorf("failed to decode period: %w", err)
		}
		exec.Period = &period
	}
	if len(rawErrors) > 0 && string(rawErrors) != "null" {
		if err := json.Unmarshal(rawErrors, &exec.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode errors: %w", err)
		}
	}
	return &exec, nil
}
