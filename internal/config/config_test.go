package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "app:\n  name: levscan\n"))
	require.NoError(t, err)

	assert.Equal(t, "hyperliquid", cfg.Provider.Active)
	assert.Equal(t, 5000, cfg.Analysis.EvaluationCap)
	assert.Equal(t, 0.80, cfg.Analysis.TargetCoverage)
	assert.Equal(t, 30, cfg.Analysis.CancelGraceSecs)
	assert.Equal(t, "BTC", cfg.Analysis.ReferenceSymbol)
	assert.Equal(t, 2.0, cfg.Thresholds.MinLeverage)
	assert.Equal(t, 90, cfg.Timeframes["1h"].WindowDays)
	assert.Equal(t, 4, cfg.Timeframes["1h"].StepCandles)
}

func TestLoadRecordsConfigFile(t *testing.T) {
	path := writeConfigFile(t, "app:\n  name: levscan\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	// Spawned workers receive this path via --config.
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestLoadSentinelResolvesToCentralDefault(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
thresholds:
  min_leverage: use_default
  min_confidence: 0.5
timeframes:
  1h:
    window_days: use_default
    step_candles: 2
`))
	require.NoError(t, err)

	// Sentinel fields resolve to central defaults, explicit values stick.
	assert.Equal(t, 2.0, cfg.Thresholds.MinLeverage)
	assert.Equal(t, 0.5, cfg.Thresholds.MinConfidence)
	assert.Equal(t, 90, cfg.Timeframes["1h"].WindowDays)
	assert.Equal(t, 2, cfg.Timeframes["1h"].StepCandles)
}

func TestValidateRejectsBadProvider(t *testing.T) {
	_, err := Load(writeConfigFile(t, "provider:\n  active: binance\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider.active")
}

func TestValidateRejectsSharedDatabase(t *testing.T) {
	_, err := Load(writeConfigFile(t, `
ledger_db:
  database: levscan
analysis_db:
  database: levscan
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "distinct")
}

func TestEffectiveMaxWorkersBoundedByCPU(t *testing.T) {
	a := AnalysisConfig{MaxWorkers: 100000}
	assert.Equal(t, runtime.NumCPU(), a.EffectiveMaxWorkers())

	a.MaxWorkers = 1
	assert.Equal(t, 1, a.EffectiveMaxWorkers())

	a.MaxWorkers = 0
	assert.Equal(t, runtime.NumCPU(), a.EffectiveMaxWorkers())
}

func TestResolveThresholdsChain(t *testing.T) {
	central := Thresholds{MinLeverage: 2.0, MinConfidence: 0.3, MinSupportStrength: 0.5}

	tfLev := 3.0
	timeframe := &ThresholdOverrides{MinLeverage: &tfLev}

	stratConf := 0.6
	strategy := &ThresholdOverrides{MinConfidence: &stratConf}

	userLev := 5.0
	user := &FilterParams{
		EntryConditions: &EntryConditionParams{MinLeverage: &userLev},
	}

	resolved := ResolveThresholds(central, timeframe, strategy, user)

	// User override wins over timeframe, strategy wins over central.
	assert.Equal(t, 5.0, resolved.MinLeverage)
	assert.Equal(t, 0.6, resolved.MinConfidence)
	assert.Equal(t, 0.5, resolved.MinSupportStrength)
}

func TestFilterParamsJSONRoundTrip(t *testing.T) {
	lev := 4.0
	strength := 0.7
	params := FilterParams{
		EntryConditions:   &EntryConditionParams{MinLeverage: &lev},
		SupportResistance: &SupportResistanceParams{MinSupportStrength: &strength},
	}

	raw, err := json.Marshal(params)
	require.NoError(t, err)

	var decoded FilterParams
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, params, decoded)
}

func yamlNode(t *testing.T, raw string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(raw), &doc))
	require.NotEmpty(t, doc.Content)
	return doc.Content[0]
}

func TestOptFloatYAML(t *testing.T) {
	var f OptFloat
	require.NoError(t, f.UnmarshalYAML(yamlNode(t, "use_default")))
	assert.Nil(t, f.Value)

	require.NoError(t, f.UnmarshalYAML(yamlNode(t, "1.5")))
	require.NotNil(t, f.Value)
	assert.Equal(t, 1.5, *f.Value)

	assert.Error(t, f.UnmarshalYAML(yamlNode(t, "bogus")))
}
