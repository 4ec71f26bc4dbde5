// Package strategy defines the strategy catalog: a small closed set of base
// kinds, each paired with a parameter bundle. Strategies are named, versioned
// rows in the analysis store and can be exported/imported as YAML or JSON.
package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/levscan/internal/config"
)

// SchemaVersion is the current strategy schema version
const SchemaVersion = "1.0"

// SupportedSchemaVersions lists schema versions accepted on import
var SupportedSchemaVersions = []string{"1.0"}

// BaseKind is the closed enumeration of strategy families. Adding a kind
// means adding an enum variant plus a dispatch-table row.
type BaseKind string

const (
	ConservativeML        BaseKind = "conservative_ml"
	AggressiveML          BaseKind = "aggressive_ml"
	AggressiveTraditional BaseKind = "aggressive_traditional"
	FullML                BaseKind = "full_ml"
	Balanced              BaseKind = "balanced"
)

// BaseKinds lists every valid kind in a stable order
var BaseKinds = []BaseKind{ConservativeML, AggressiveML, AggressiveTraditional, FullML, Balanced}

// ParseBaseKind validates a kind string
func ParseBaseKind(s string) (BaseKind, error) {
	k := BaseKind(strings.ToLower(s))
	for _, known := range BaseKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown strategy base kind: %q", s)
}

// UsesML reports whether the kind requires an ML predictor
func (k BaseKind) UsesML() bool {
	return k == ConservativeML || k == AggressiveML || k == FullML
}

// StopTakeCalculator selects how stops and takes are placed
type StopTakeCalculator string

const (
	CalcSupportResistance StopTakeCalculator = "support_resistance"
	CalcFixedPercent      StopTakeCalculator = "fixed_percent"
)

// Parameters is the per-strategy bundle: filter-threshold overrides, leverage
// caps, and stop/take calculator selection.
type Parameters struct {
	Thresholds   *config.ThresholdOverrides `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	LeverageCap  float64                    `yaml:"leverage_cap" json:"leverage_cap"`
	StopTake     StopTakeCalculator         `yaml:"stop_take_calculator" json:"stop_take_calculator"`
	StopLossPct  float64                    `yaml:"stop_loss_pct,omitempty" json:"stop_loss_pct,omitempty"`
	TakeProfitPct float64                   `yaml:"take_profit_pct,omitempty" json:"take_profit_pct,omitempty"`
}

// Strategy is one catalog row. Uniqueness: (name, base_kind, timeframe).
type Strategy struct {
	ID            int64      `yaml:"id,omitempty" json:"id,omitempty"`
	SchemaVersion string     `yaml:"schema_version" json:"schema_version"`
	Name          string     `yaml:"name" json:"name"`
	BaseKind      BaseKind   `yaml:"base_kind" json:"base_kind"`
	Timeframe     string     `yaml:"timeframe" json:"timeframe"`
	Version       string     `yaml:"version" json:"version"`
	Parameters    Parameters `yaml:"parameters" json:"parameters"`
	Active        bool       `yaml:"active" json:"active"`
	IsDefault     bool       `yaml:"is_default" json:"is_default"`
	CreatedAt     time.Time  `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt     time.Time  `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Validate checks structural validity of a catalog row
func (s *Strategy) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if _, err := ParseBaseKind(string(s.BaseKind)); err != nil {
		return err
	}
	if s.Timeframe == "" {
		return fmt.Errorf("strategy timeframe is required")
	}
	if s.Version == "" {
		return fmt.Errorf("strategy version is required")
	}
	if s.Parameters.LeverageCap < 1 {
		return fmt.Errorf("leverage_cap must be >= 1, got %f", s.Parameters.LeverageCap)
	}
	return nil
}

// Key identifies the strategy within one execution: (name, base_kind, timeframe)
func (s *Strategy) Key() string {
	return fmt.Sprintf("%s/%s/%s", s.Name, s.BaseKind, s.Timeframe)
}

// DeepCopy returns an independent copy sharing no memory with the original
func (s *Strategy) DeepCopy() *Strategy {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		log.Error().Err(err).Str("strategy", s.Name).Msg("DeepCopy: failed to marshal strategy")
		return nil
	}
	var copied Strategy
	if err := json.Unmarshal(data, &copied); err != nil {
		log.Error().Err(err).Str("strategy", s.Name).Msg("DeepCopy: failed to unmarshal strategy")
		return nil
	}
	return &copied
}

// NewDefault creates a catalog row with sensible parameters for the kind
func NewDefault(name string, kind BaseKind, timeframe string) *Strategy {
	now := time.Now().UTC()
	params := Parameters{
		LeverageCap: 10,
		StopTake:    CalcSupportResistance,
	}
	switch kind {
	case ConservativeML:
		params.LeverageCap = 5
	case AggressiveML, AggressiveTraditional:
		params.LeverageCap = 20
	}
	return &Strategy{
		SchemaVersion: SchemaVersion,
		Name:          name,
		BaseKind:      kind,
		Timeframe:     timeframe,
		Version:       "1.0.0",
		Parameters:    params,
		Active:        true,
		IsDefault:     true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
