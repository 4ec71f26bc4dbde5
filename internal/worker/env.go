package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/ledger"
)

// Environment variable names crossing the parent/worker process boundary
const (
	EnvFilterParams = "FILTER_PARAMS"
	EnvAnalysisMode = "LEVSCAN_ANALYSIS_MODE"
	EnvPeriod       = "LEVSCAN_PERIOD"
)

// AnalysisMode selects the price source: backtest uses candle opens only,
// realtime may call GetCurrentPrice
type AnalysisMode string

const (
	ModeBacktest AnalysisMode = "backtest"
	ModeRealtime AnalysisMode = "realtime"
)

// ParseAnalysisMode rejects unknown values AND absence: the mode is never
// defaulted, a missing flag is a programming error in the parent.
func ParseAnalysisMode(s string) (AnalysisMode, error) {
	switch AnalysisMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBacktest:
		return ModeBacktest, nil
	case ModeRealtime:
		return ModeRealtime, nil
	case "":
		return "", fmt.Errorf("%s is not set: the analysis mode must be passed explicitly", EnvAnalysisMode)
	default:
		return "", fmt.Errorf("invalid analysis mode %q: want backtest or realtime", s)
	}
}

// EncodeFilterParams serializes user overrides for environment carriage.
// A nil params encodes to the empty string (no override).
func EncodeFilterParams(params *config.FilterParams) (string, error) {
	if params == nil {
		return "", nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode filter params: %w", err)
	}
	return string(raw), nil
}

// DecodeFilterParams parses the FILTER_PARAMS environment value. The empty
// string decodes to nil: central defaults apply.
func DecodeFilterParams(value string) (*config.FilterParams, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var params config.FilterParams
	if err := json.Unmarshal([]byte(value), &params); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", EnvFilterParams, err)
	}
	return &params, nil
}

// EncodePeriod serializes a custom evaluation window for environment
// carriage. A nil period encodes to the empty string.
func EncodePeriod(period *ledger.Period) (string, error) {
	if period == nil {
		return "", nil
	}
	raw, err := json.Marshal(period)
	if err != nil {
		return "", fmt.Errorf("failed to encode period: %w", err)
	}
	return string(raw), nil
}

// DecodePeriod parses the LEVSCAN_PERIOD environment value. The empty
// string decodes to nil: the per-timeframe window configuration applies.
func DecodePeriod(value string) (*ledger.Period, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var period ledger.Period
	if err := json.Unmarshal([]byte(value), &period); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", EnvPeriod, err)
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	return &period, nil
}
