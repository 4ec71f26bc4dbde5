package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/tradeforge/levscan/internal/config"
)

// ExportFormat specifies the output format for strategy export
type ExportFormat string

const (
	FormatYAML ExportFormat = "yaml"
	FormatJSON ExportFormat = "json"
)

// Export writes one strategy to the given writer
func Export(w io.Writer, s *Strategy, format ExportFormat) error {
	if s == nil {
		return fmt.Errorf("strategy cannot be nil")
	}

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode strategy as yaml: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode strategy as json: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unsupported export format: %s", format)
}

// ExportToFile writes one strategy to a file, choosing format by extension
func ExportToFile(path string, s *Strategy) error {
	format := FormatYAML
	if len(path) > 5 && path[len(path)-5:] == ".json" {
		format = FormatJSON
	}

	var buf bytes.Buffer
	if err := Export(&buf, s, format); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write strategy file: %w", err)
	}

	log.Info().
		Str("strategy", s.Name).
		Str("path", path).
		Str("format", string(format)).
		Msg("Strategy exported")
	return nil
}

// importedThresholds mirrors config.ThresholdOverrides but accepts the
// use_default sentinel in place of any numeric value.
type importedThresholds struct {
	MinLeverage           config.OptFloat `yaml:"min_leverage"`
	MinConfidence         config.OptFloat `yaml:"min_confidence"`
	MinRiskReward         config.OptFloat `yaml:"min_risk_reward"`
	MinSupportStrength    config.OptFloat `yaml:"min_support_strength"`
	MinResistanceStrength config.OptFloat `yaml:"min_resistance_strength"`
	VolatilityMin         config.OptFloat `yaml:"volatility_min"`
	VolatilityMax         config.OptFloat `yaml:"volatility_max"`
	MaxRiskLevel          config.OptFloat `yaml:"max_risk_level"`
	MinProfitProbability  config.OptFloat `yaml:"min_profit_probability"`
	MaxLossPct            config.OptFloat `yaml:"max_loss_pct"`
}

func (t *importedThresholds) overrides() *config.ThresholdOverrides {
	o := &config.ThresholdOverrides{
		MinLeverage:           t.MinLeverage.Value,
		MinConfidence:         t.MinConfidence.Value,
		MinRiskReward:         t.MinRiskReward.Value,
		MinSupportStrength:    t.MinSupportStrength.Value,
		MinResistanceStrength: t.MinResistanceStrength.Value,
		VolatilityMin:         t.VolatilityMin.Value,
		VolatilityMax:         t.VolatilityMax.Value,
		MaxRiskLevel:          t.MaxRiskLevel.Value,
		MinProfitProbability:  t.MinProfitProbability.Value,
		MaxLossPct:            t.MaxLossPct.Value,
	}
	if *o == (config.ThresholdOverrides{}) {
		return nil
	}
	return o
}

// importedStrategy is the YAML import shell: thresholds are decoded through
// the sentinel-aware wrapper, everything else matches the Strategy layout.
type importedStrategy struct {
	SchemaVersion string   `yaml:"schema_version"`
	Name          string   `yaml:"name"`
	BaseKind      string   `yaml:"base_kind"`
	Timeframe     string   `yaml:"timeframe"`
	Version       string   `yaml:"version"`
	Active        *bool    `yaml:"active"`
	IsDefault     bool     `yaml:"is_default"`
	Parameters    struct {
		Thresholds    *importedThresholds `yaml:"thresholds"`
		LeverageCap   float64             `yaml:"leverage_cap"`
		StopTake      string              `yaml:"stop_take_calculator"`
		StopLossPct   float64             `yaml:"stop_loss_pct"`
		TakeProfitPct float64             `yaml:"take_profit_pct"`
	} `yaml:"parameters"`
}

// Import reads one strategy from YAML, resolving use_default sentinels to
// "no override" (the resolution chain then falls through to central defaults).
func Import(r io.Reader) (*Strategy, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy: %w", err)
	}

	var in importedStrategy
	if err := yaml.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("failed to parse strategy yaml: %w", err)
	}

	kind, err := ParseBaseKind(in.BaseKind)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &Strategy{
		SchemaVersion: in.SchemaVersion,
		Name:          in.Name,
		BaseKind:      kind,
		Timeframe:     in.Timeframe,
		Version:       in.Version,
		Active:        in.Active == nil || *in.Active,
		IsDefault:     in.IsDefault,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if s.SchemaVersion == "" {
		s.SchemaVersion = SchemaVersion
	}
	if s.Version == "" {
		s.Version = "1.0.0"
	}

	s.Parameters.LeverageCap = in.Parameters.LeverageCap
	s.Parameters.StopTake = StopTakeCalculator(in.Parameters.StopTake)
	if s.Parameters.StopTake == "" {
		s.Parameters.StopTake = CalcSupportResistance
	}
	s.Parameters.StopLossPct = in.Parameters.StopLossPct
	s.Parameters.TakeProfitPct = in.Parameters.TakeProfitPct
	if in.Parameters.Thresholds != nil {
		s.Parameters.Thresholds = in.Parameters.Thresholds.overrides()
	}

	if err := CheckCompatibility(s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("strategy", s.Name).
		Str("base_kind", string(s.BaseKind)).
		Str("timeframe", s.Timeframe).
		Msg("Strategy imported")
	return s, nil
}

// ImportFromFile reads one strategy from a YAML file
func ImportFromFile(path string) (*Strategy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open strategy file: %w", err)
	}
	defer f.Close()
	return Import(f)
}
