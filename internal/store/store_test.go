package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/levscan/internal/strategy"
)

func testTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
}

func TestUpsertStrategyAssignsID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO strategy_configurations").
		WithArgs("trend-rider", "balanced", "1h", "1.0.0", pgxmock.AnyArg(), true, true).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	repo := NewRepo(mock)
	s := strategy.NewDefault("trend-rider", strategy.Balanced, "1h")
	require.NoError(t, repo.UpsertStrategy(context.Background(), s))
	assert.Equal(t, int64(7), s.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStrategyRejectsInvalid(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRepo(mock)
	s := strategy.NewDefault("bad", strategy.Balanced, "1h")
	s.Parameters.LeverageCap = 0

	assert.Error(t, repo.UpsertStrategy(context.Background(), s))
}

func TestListByIDsRequiresAllActive(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{
		"id", "name", "base_kind", "timeframe", "version", "parameters",
		"active", "is_default", "created_at", "updated_at",
	}).AddRow(int64(1), "a", "balanced", "1h", "1.0.0",
		[]byte(`{"leverage_cap":10,"stop_take_calculator":"support_resistance"}`),
		true, true, testTime(t), testTime(t))

	mock.ExpectQuery("SELECT (.+) FROM strategy_configurations").
		WithArgs([]int64{1, 3}).
		WillReturnRows(rows)

	repo := NewRepo(mock)
	_, err = repo.ListByIDs(context.Background(), []int64{1, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "found 1 active")
}

func TestMarkTaskRunningOnlyFromPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE analyses SET task_status = 'running'").
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewRepo(mock)
	err = repo.MarkTaskRunning(context.Background(), 5)
	assert.ErrorContains(t, err, "not pending")
}

func TestCompleteTaskWritesAggregatesAndSummary(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE analyses SET").
		WithArgs(int64(9), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO analysis_trades_summary").
		WithArgs(int64(9), "exec-1", 10, 6, 4, 120.0, -60.0, 3.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewRepo(mock)
	agg := &Aggregates{TotalEvaluations: 500, TotalTrades: 10, WinRate: 0.6, NoSignalCount: 40}
	summary := &TradeSummary{
		ExecutionID: "exec-1", TotalTrades: 10, WinningTrades: 6, LosingTrades: 4,
		AvgWin: 120.0, AvgLoss: -60.0, ProfitFactor: 3.0,
	}
	require.NoError(t, repo.CompleteTask(context.Background(), 9, agg, summary))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSkipTaskWithOutcomesWritesAggregates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE analyses SET").
		WithArgs(int64(4), "cancelled", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO analysis_trades_summary").
		WithArgs(int64(4), "exec-1", 3, 2, 1, 80.0, -40.0, 4.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewRepo(mock)
	agg := &Aggregates{TotalEvaluations: 25, TotalTrades: 3, NoSignalCount: 9}
	summary := &TradeSummary{
		ExecutionID: "exec-1", TotalTrades: 3, WinningTrades: 2, LosingTrades: 1,
		AvgWin: 80.0, AvgLoss: -40.0, ProfitFactor: 4.0,
	}
	require.NoError(t, repo.SkipTaskWithOutcomes(context.Background(), 4, "cancelled", agg, summary))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSkipTaskWithOutcomesOnTerminalRowIsNoOp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// The row already reached a terminal state; no summary is inserted.
	mock.ExpectExec("UPDATE analyses SET").
		WithArgs(int64(4), "cancelled", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewRepo(mock)
	agg := &Aggregates{TotalEvaluations: 25}
	summary := &TradeSummary{ExecutionID: "exec-1"}
	require.NoError(t, repo.SkipTaskWithOutcomes(context.Background(), 4, "cancelled", agg, summary))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForceFailRunning(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE analyses SET").
		WithArgs("exec-1", "cancelled_hard").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	repo := NewRepo(mock)
	n, err := repo.ForceFailRunning(context.Background(), "exec-1", "cancelled_hard")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCountByStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"task_status", "count"}).
		AddRow("completed", 16).
		AddRow("skipped", 2)
	mock.ExpectQuery("SELECT task_status, COUNT").
		WithArgs("exec-1").
		WillReturnRows(rows)

	repo := NewRepo(mock)
	counts, err := repo.CountByStatus(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 16, counts[TaskCompleted])
	assert.Equal(t, 2, counts[TaskSkipped])
}
