// Package errs defines the closed error taxonomy for the analysis core.
//
// Every failure inside the pipeline is classified into one of the kinds
// below, each with a fixed propagation policy. Fallback values are forbidden
// in the analysis path: a step that cannot produce a real value returns a
// typed error and the caller records an early-exit outcome instead.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies an error class with a defined propagation policy.
type Kind string

const (
	// KindValidation: an early-fail check rejected the request. Surfaced to
	// the caller, ledger row marked failed, no tasks created.
	KindValidation Kind = "validation_error"

	// KindInsufficientMarketData: market data missing or below minimum size
	// at the point of use. The owning task fails, siblings continue.
	KindInsufficientMarketData Kind = "insufficient_market_data"

	// KindInsufficientConfiguration: a required config key is missing and no
	// central default exists. Fail-fast; indicates a deployment bug.
	KindInsufficientConfiguration Kind = "insufficient_configuration"

	// KindLeverageAnalysis: leverage computation cannot produce a safe value
	// despite present inputs. Recorded as an early exit at the
	// leverage_decision stage; the task continues.
	KindLeverageAnalysis Kind = "leverage_analysis_error"

	// KindCriticalAnalysis: a hard invariant was violated. The task fails,
	// siblings continue, full context is logged.
	KindCriticalAnalysis Kind = "critical_analysis_error"

	// KindPriceConsistency: entry price drifted more than 5% from the
	// reference price. The evaluation is dropped and counted as an early
	// exit, never a task failure.
	KindPriceConsistency Kind = "price_consistency_error"
)

// Error is a classified pipeline error carrying stage and data-size context
// for user-visible messages.
type Error struct {
	Kind     Kind   `json:"kind"`
	Stage    string `json:"stage,omitempty"`
	Message  string `json:"message"`
	DataSize int    `json:"data_size,omitempty"`
	Err      error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, stage, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, stage string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Message: err.Error(), Err: err}
}

// WithDataSize attaches the number of rows available when the error occurred.
func (e *Error) WithDataSize(n int) *Error {
	e.DataSize = n
	return e
}

// KindOf extracts the taxonomy kind from err, or "" if err is unclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// suggestions maps error kinds to actionable follow-ups shown to the user.
var suggestions = map[Kind]string{
	KindValidation:                "fix the reported validation failure and resubmit the symbol",
	KindInsufficientMarketData:    "try a longer analysis window or a higher timeframe",
	KindInsufficientConfiguration: "check the deployment: a required config key has no central default",
	KindLeverageAnalysis:          "relax min_leverage or min_risk_reward in filter_params",
	KindCriticalAnalysis:          "inspect the task log; this indicates a pipeline bug, not bad market data",
	KindPriceConsistency:          "the instrument moved more than 5% mid-evaluation; re-run the analysis",
}

// Suggestion returns the actionable hint paired with the error kind.
func Suggestion(kind Kind) string {
	if s, ok := suggestions[kind]; ok {
		return s
	}
	return "retry the request; if the error persists, inspect the execution log"
}
