package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutionIDFormat(t *testing.T) {
	now := time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)
	id := NewExecutionID(now)

	assert.Regexp(t, regexp.MustCompile(`^symbol_addition_20260203T103000Z_[0-9a-f]{8}$`), id)

	// Distinct per call even at the same instant.
	assert.NotEqual(t, id, NewExecutionID(now))
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{"default", ModeDefault, false},
		{"Selective", ModeSelective, false},
		{"CUSTOM", ModeCustom, false},
		{"turbo", "", true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got)
	}
}

func TestPeriodValidate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	assert.NoError(t, (&Period{Mode: PeriodDefault}).Validate())
	assert.NoError(t, (&Period{Mode: PeriodCustom, StartDate: &start, EndDate: &end}).Validate())
	assert.Error(t, (&Period{Mode: PeriodCustom, StartDate: &start}).Validate())
	assert.Error(t, (&Period{Mode: PeriodCustom, StartDate: &end, EndDate: &start}).Validate())
	assert.Error(t, (&Period{Mode: "rolling"}).Validate())
}

func TestCreateExecution(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO executions").
		WithArgs(
			pgxmock.AnyArg(), "BTC", "default", pgxmock.AnyArg(), "pending",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewRepo(mock)
	exec := &Execution{
		ID:        NewExecutionID(time.Now()),
		Symbol:    "BTC",
		Mode:      ModeDefault,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateExecution(context.Background(), exec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE executions SET").
		WithArgs("missing", "running", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM executions").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	repo := NewRepo(mock)
	err = repo.UpdateStatus(context.Background(), "missing", StatusRunning, nil, nil)
	assert.ErrorContains(t, err, "not found")
}

func TestUpdateStatusGuardsLiveRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// The transition only applies to live rows or an idempotent re-set of
	// the same terminal status.
	mock.ExpectExec(`(?s)UPDATE executions SET.+AND \(status = \$2 OR status IN \('pending', 'running'\)\)`).
		WithArgs("exec-1", "running", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewRepo(mock)
	require.NoError(t, repo.UpdateStatus(context.Background(), "exec-1", StatusRunning, nil, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusNeverResurrectsTerminalRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// A worker progress tick lands after the execution was cancelled: the
	// guarded update matches no row, and the stale tick is dropped silently
	// instead of flipping the row back to running.
	pct := 35.0
	op := "analyzing SOL 4_1h"
	mock.ExpectExec("UPDATE executions SET").
		WithArgs("exec-1", "running", &pct, &op, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM executions").
		WithArgs("exec-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("cancelled"))

	repo := NewRepo(mock)
	require.NoError(t, repo.UpdateStatus(context.Background(), "exec-1", StatusRunning, &pct, &op))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelHonoursLiveExecutionOnly(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRepo(mock)

	mock.ExpectExec("UPDATE executions").
		WithArgs("exec-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := repo.Cancel(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal executions are not re-cancelled.
	mock.ExpectExec("UPDATE executions").
		WithArgs("exec-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err = repo.Cancel(context.Background(), "exec-2")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsCancelled(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT status FROM executions").
		WithArgs("exec-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("cancelled"))

	repo := NewRepo(mock)
	cancelled, err := repo.IsCancelled(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestAppendError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE executions").
		WithArgs("exec-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewRepo(mock)
	err = repo.AppendError(context.Background(), "exec-1", StructuredError{
		Kind:       "validation",
		Message:    "symbol not found",
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExecutionDecodesJSONColumns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"execution_id", "symbol", "mode", "selected_strategy_ids", "status",
		"progress_percent", "current_operation", "filter_params", "period", "errors",
		"created_at", "started_at", "completed_at",
	}).AddRow(
		"exec-1", "ETH", "selective", []int64{4, 7}, "failed",
		0.0, "validating",
		[]byte(`{"entry_conditions":{"min_leverage":3}}`),
		[]byte(`{"mode":"custom","start_date":"2026-01-01T00:00:00Z","end_date":"2026-02-01T00:00:00Z"}`),
		[]byte(`[{"kind":"validation","message":"boom","occurred_at":"2026-02-03T10:00:00Z"}]`),
		now, nil, nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM executions").
		WithArgs("exec-1").
		WillReturnRows(rows)

	repo := NewRepo(mock)
	exec, err := repo.GetExecution(context.Background(), "exec-1")
	require.NoError(t, err)

	assert.Equal(t, ModeSelective, exec.Mode)
	assert.Equal(t, StatusFailed, exec.Status)
	require.NotNil(t, exec.FilterParams)
	require.NotNil(t, exec.FilterParams.EntryConditions)
	assert.Equal(t, 3.0, *exec.FilterParams.EntryConditions.MinLeverage)
	require.NotNil(t, exec.Period)
	assert.Equal(t, PeriodCustom, exec.Period.Mode)
	require.Len(t, exec.Errors, 1)
	assert.Equal(t, "validation", exec.Errors[0].Kind)
}
