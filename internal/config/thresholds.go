package config

import (
	"fmt"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// UseDefault is the sentinel a config file may set instead of a numeric
// threshold. The loader substitutes the central default at load time; no
// other file is allowed to hardcode its own fallback.
const UseDefault = "use_default"

// Thresholds is the fully-resolved set of entry-condition bounds used by the
// filter chain and the decision path. Every value here has passed through
// the resolution chain: user override -> strategy -> timeframe -> central
// defaults.
type Thresholds struct {
	MinLeverage           float64 `mapstructure:"min_leverage" json:"min_leverage" yaml:"min_leverage"`
	MinConfidence         float64 `mapstructure:"min_confidence" json:"min_confidence" yaml:"min_confidence"`
	MinRiskReward         float64 `mapstructure:"min_risk_reward" json:"min_risk_reward" yaml:"min_risk_reward"`
	MinSupportStrength    float64 `mapstructure:"min_support_strength" json:"min_support_strength" yaml:"min_support_strength"`
	MinResistanceStrength float64 `mapstructure:"min_resistance_strength" json:"min_resistance_strength" yaml:"min_resistance_strength"`
	MinVolume             float64 `mapstructure:"min_volume" json:"min_volume" yaml:"min_volume"`
	MaxSpreadPct          float64 `mapstructure:"max_spread_pct" json:"max_spread_pct" yaml:"max_spread_pct"`
	MinLiquidityScore     float64 `mapstructure:"min_liquidity_score" json:"min_liquidity_score" yaml:"min_liquidity_score"`
	VolatilityMin         float64 `mapstructure:"volatility_min" json:"volatility_min" yaml:"volatility_min"`
	VolatilityMax         float64 `mapstructure:"volatility_max" json:"volatility_max" yaml:"volatility_max"`
	MaxRiskLevel          float64 `mapstructure:"max_risk_level" json:"max_risk_level" yaml:"max_risk_level"`
	MinProfitProbability  float64 `mapstructure:"min_profit_probability" json:"min_profit_probability" yaml:"min_profit_probability"`
	MaxLossPct            float64 `mapstructure:"max_loss_pct" json:"max_loss_pct" yaml:"max_loss_pct"`
	LevelMinDistancePct   float64 `mapstructure:"level_min_distance_pct" json:"level_min_distance_pct" yaml:"level_min_distance_pct"`
	LevelMaxDistancePct   float64 `mapstructure:"level_max_distance_pct" json:"level_max_distance_pct" yaml:"level_max_distance_pct"`
}

// ThresholdOverrides is one layer of the resolution chain. Nil fields mean
// "inherit from the layer below".
type ThresholdOverrides struct {
	MinLeverage           *float64 `json:"min_leverage,omitempty" yaml:"min_leverage,omitempty"`
	MinConfidence         *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
	MinRiskReward         *float64 `json:"min_risk_reward,omitempty" yaml:"min_risk_reward,omitempty"`
	MinSupportStrength    *float64 `json:"min_support_strength,omitempty" yaml:"min_support_strength,omitempty"`
	MinResistanceStrength *float64 `json:"min_resistance_strength,omitempty" yaml:"min_resistance_strength,omitempty"`
	VolatilityMin         *float64 `json:"volatility_min,omitempty" yaml:"volatility_min,omitempty"`
	VolatilityMax         *float64 `json:"volatility_max,omitempty" yaml:"volatility_max,omitempty"`
	MaxRiskLevel          *float64 `json:"max_risk_level,omitempty" yaml:"max_risk_level,omitempty"`
	MinProfitProbability  *float64 `json:"min_profit_probability,omitempty" yaml:"min_profit_probability,omitempty"`
	MaxLossPct            *float64 `json:"max_loss_pct,omitempty" yaml:"max_loss_pct,omitempty"`
}

// Apply layers the overrides on top of t and returns the result.
func (t Thresholds) Apply(o *ThresholdOverrides) Thresholds {
	if o == nil {
		return t
	}
	if o.MinLeverage != nil {
		t.MinLeverage = *o.MinLeverage
	}
	if o.MinConfidence != nil {
		t.MinConfidence = *o.MinConfidence
	}
	if o.MinRiskReward != nil {
		t.MinRiskReward = *o.MinRiskReward
	}
	if o.MinSupportStrength != nil {
		t.MinSupportStrength = *o.MinSupportStrength
	}
	if o.MinResistanceStrength != nil {
		t.MinResistanceStrength = *o.MinResistanceStrength
	}
	if o.VolatilityMin != nil {
		t.VolatilityMin = *o.VolatilityMin
	}
	if o.VolatilityMax != nil {
		t.VolatilityMax = *o.VolatilityMax
	}
	if o.MaxRiskLevel != nil {
		t.MaxRiskLevel = *o.MaxRiskLevel
	}
	if o.MinProfitProbability != nil {
		t.MinProfitProbability = *o.MinProfitProbability
	}
	if o.MaxLossPct != nil {
		t.MaxLossPct = *o.MaxLossPct
	}
	return t
}

// FilterParams is the user-supplied override bundle accepted by the
// submission API and carried parent -> worker through the FILTER_PARAMS
// environment variable as JSON.
type FilterParams struct {
	EntryConditions   *EntryConditionParams    `json:"entry_conditions,omitempty"`
	SupportResistance *SupportResistanceParams `json:"support_resistance,omitempty"`
}

// EntryConditionParams overrides decision-path entry bounds.
type EntryConditionParams struct {
	MinLeverage   *float64 `json:"min_leverage,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	MinRiskReward *float64 `json:"min_risk_reward,omitempty"`
}

// SupportResistanceParams overrides level-strength bounds.
type SupportResistanceParams struct {
	MinSupportStrength    *float64 `json:"min_support_strength,omitempty"`
	MinResistanceStrength *float64 `json:"min_resistance_strength,omitempty"`
}

// Overrides flattens the user bundle into a resolution layer.
func (p *FilterParams) Overrides() *ThresholdOverrides {
	if p == nil {
		return nil
	}
	o := &ThresholdOverrides{}
	if ec := p.EntryConditions; ec != nil {
		o.MinLeverage = ec.MinLeverage
		o.MinConfidence = ec.MinConfidence
		o.MinRiskReward = ec.MinRiskReward
	}
	if sr := p.SupportResistance; sr != nil {
		o.MinSupportStrength = sr.MinSupportStrength
		o.MinResistanceStrength = sr.MinResistanceStrength
	}
	return o
}

// ResolveThresholds walks the full resolution chain for one task. Layers are
// applied lowest-priority first: timeframe bundle, then strategy config, then
// the user's filter_params.
func ResolveThresholds(central Thresholds, timeframe, strategy *ThresholdOverrides, user *FilterParams) Thresholds {
	resolved := central.Apply(timeframe).Apply(strategy)
	return resolved.Apply(user.Overrides())
}

// TimeframeConfig is the per-timeframe bundle: evaluation step as a multiple
// of the candle interval, historical lookback, and optional threshold
// overrides.
type TimeframeConfig struct {
	WindowDays  int                 `mapstructure:"window_days"`
	StepCandles int                 `mapstructure:"step_candles"`
	Thresholds  *ThresholdOverrides `mapstructure:"thresholds"`
}

// OptFloat is a float64 that accepts the use_default sentinel in YAML files
// (strategy catalog import/export). A nil value means "resolve against the
// central defaults".
type OptFloat struct {
	Value *float64
}

// UnmarshalYAML decodes a float or the use_default sentinel.
func (f *OptFloat) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		if s == UseDefault {
			f.Value = nil
			return nil
		}
		return fmt.Errorf("expected number or %q, got %q", UseDefault, s)
	}
	var v float64
	if err := node.Decode(&v); err != nil {
		return err
	}
	f.Value = &v
	return nil
}

// MarshalYAML encodes the value, or the sentinel when unset.
func (f OptFloat) MarshalYAML() (interface{}, error) {
	if f.Value == nil {
		return UseDefault, nil
	}
	return *f.Value, nil
}

// sentinelKeys lists the config keys that may carry the use_default sentinel
// in a YAML config file, mapped to their central-default values.
var sentinelKeys = []string{
	"thresholds.min_leverage",
	"thresholds.min_confidence",
	"thresholds.min_risk_reward",
	"thresholds.min_support_strength",
	"thresholds.min_resistance_strength",
	"thresholds.min_volume",
	"thresholds.max_spread_pct",
	"thresholds.min_liquidity_score",
	"thresholds.volatility_min",
	"thresholds.volatility_max",
	"thresholds.max_risk_level",
	"thresholds.min_profit_probability",
	"thresholds.max_loss_pct",
	"thresholds.level_min_distance_pct",
	"thresholds.level_max_distance_pct",
	"analysis.target_coverage",
	"analysis.evaluation_cap",
}

// resolveSentinels replaces use_default sentinels with the central default
// for the same key. Runs before unmarshal so sentinel strings never reach the
// typed config.
func resolveSentinels(v *viper.Viper) {
	defaults := viper.New()
	setDefaults(defaults)

	keys := append([]string{}, sentinelKeys...)
	for tf := range v.GetStringMap("timeframes") {
		keys = append(keys,
			fmt.Sprintf("timeframes.%s.window_days", tf),
			fmt.Sprintf("timeframes.%s.step_candles", tf),
		)
	}

	for _, key := range keys {
		if v.GetString(key) == UseDefault {
			v.Set(key, defaults.Get(key))
		}
	}
}
