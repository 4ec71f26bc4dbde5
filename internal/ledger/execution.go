package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/levscan/internal/config"
)

// ExecutionStatus is the lifecycle state of one onboarding request
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSuccess   ExecutionStatus = "success"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Mode selects how the planner expands a request into tasks
type Mode string

const (
	ModeDefault   Mode = "default"
	ModeSelective Mode = "selective"
	ModeCustom    Mode = "custom"
)

// ParseMode validates a request mode
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeDefault:
		return ModeDefault, nil
	case ModeSelective:
		return ModeSelective, nil
	case ModeCustom:
		return ModeCustom, nil
	}
	return "", fmt.Errorf("unknown execution mode: %q", s)
}

// PeriodMode selects how the evaluation window is derived
type PeriodMode string

const (
	PeriodDefault PeriodMode = "default"
	PeriodCustom  PeriodMode = "custom"
)

// Period optionally narrows the evaluation window of every task of an
// execution. Default mode keeps the per-timeframe window configuration.
type Period struct {
	Mode      PeriodMode `json:"mode"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// Validate rejects malformed periods before the execution is created
func (p *Period) Validate() error {
	switch p.Mode {
	case PeriodDefault:
		return nil
	case PeriodCustom:
		if p.StartDate == nil || p.EndDate == nil {
			return fmt.Errorf("custom period requires start_date and end_date")
		}
		if !p.StartDate.Before(*p.EndDate) {
			return fmt.Errorf("custom period start_date must precede end_date")
		}
		return nil
	}
	return fmt.Errorf("unknown period mode: %q", p.Mode)
}

// StructuredError is one entry of an execution's ordered error list
type StructuredError struct {
	Kind       string    `json:"kind"`
	Stage      string    `json:"stage,omitempty"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Execution is one user-initiated onboarding request. Rows are never
// deleted; the ledger doubles as an audit trail.
type Execution struct {
	ID                  string               `json:"execution_id"`
	Symbol              string               `json:"symbol"`
	Mode                Mode                 `json:"mode"`
	SelectedStrategyIDs []int64              `json:"selected_strategy_ids,omitempty"`
	Status              ExecutionStatus      `json:"status"`
	ProgressPercent     float64              `json:"progress_percent"`
	CurrentOperation    string               `json:"current_operation,omitempty"`
	FilterParams        *config.FilterParams `json:"filter_params,omitempty"`
	Period              *Period              `json:"period,omitempty"`
	Errors              []StructuredError    `json:"errors,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	StartedAt           *time.Time           `json:"started_at,omitempty"`
	CompletedAt         *time.Time           `json:"completed_at,omitempty"`
}

// Step is one entry of the per-execution step log
type Step struct {
	ID          int64      `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Detail      string     `json:"detail,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewExecutionID builds a globally unique execution identifier:
// symbol_addition_<utc-timestamp>_<8-hex>
func NewExecutionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("symbol_addition_%s_%s", now.UTC().Format("20060102T150405Z"), suffix)
}
