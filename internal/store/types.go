// Package store is the analysis-store layer: the strategy catalog, one
// analyses row per task, and derived trade summaries. The ledger database is
// separate; the execution_id column here is an application-enforced
// cross-database reference.
package store

import (
	"time"

	"github.com/tradeforge/levscan/internal/strategy"
)

// TaskStatus is the lifecycle state of one (execution, strategy, timeframe) task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the status is final
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Task is one analyses row. Uniqueness: (execution_id, strategy_id, timeframe).
type Task struct {
	ID           int64      `json:"id"`
	ExecutionID  string     `json:"execution_id"`
	StrategyID   int64      `json:"strategy_id"`
	StrategyName string     `json:"strategy_name"`
	BaseKind     string     `json:"base_kind"`
	Timeframe    string     `json:"timeframe"`
	Status       TaskStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	Aggregates *Aggregates `json:"aggregates,omitempty"`
}

// Aggregates is the per-task summary written when a task finishes
type Aggregates struct {
	TotalEvaluations int            `json:"total_evaluations"`
	TotalTrades      int            `json:"total_trades"`
	WinRate          float64        `json:"win_rate"`
	SharpeRatio      float64        `json:"sharpe_ratio"`
	MaxDrawdown      float64        `json:"max_drawdown"`
	AvgLeverage      float64        `json:"avg_leverage"`
	NoSignalCount    int            `json:"no_signal_count"`
	EarlyExits       map[string]int `json:"early_exits,omitempty"` // keyed "stage/reason"
	FilterRejects    map[string]int `json:"filter_rejects,omitempty"`
	CompressedPath   string         `json:"compressed_path,omitempty"`
	ChartPath        string         `json:"chart_path,omitempty"`
}

// TradeSummary is one analysis_trades_summary row of derived metrics
type TradeSummary struct {
	ID            int64     `json:"id"`
	AnalysisID    int64     `json:"analysis_id"`
	ExecutionID   string    `json:"execution_id"`
	TotalTrades   int       `json:"total_trades"`
	WinningTrades int       `json:"winning_trades"`
	LosingTrades  int       `json:"losing_trades"`
	AvgWin        float64   `json:"avg_win"`
	AvgLoss       float64   `json:"avg_loss"`
	ProfitFactor  float64   `json:"profit_factor"`
	CreatedAt     time.Time `json:"created_at"`
}

// TaskSpec is the planner's description of one task to create
type TaskSpec struct {
	Strategy  *strategy.Strategy
	Timeframe string
}
