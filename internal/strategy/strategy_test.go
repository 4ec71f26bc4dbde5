package strategy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBaseKind(t *testing.T) {
	kind, err := ParseBaseKind("Conservative_ML")
	require.NoError(t, err)
	assert.Equal(t, ConservativeML, kind)

	_, err = ParseBaseKind("momentum")
	assert.Error(t, err)
}

func TestCheckGate9(t *testing.T) {
	tests := []struct {
		name   string
		kind   BaseKind
		in     Gate9Inputs
		passes bool
	}{
		{
			name:   "conservative passes with high confidence and low correlation",
			kind:   ConservativeML,
			in:     Gate9Inputs{Confidence: 0.85, BTCCorrelation: 0.5},
			passes: true,
		},
		{
			name:   "conservative rejects low confidence",
			kind:   ConservativeML,
			in:     Gate9Inputs{Confidence: 0.79, BTCCorrelation: 0.1},
			passes: false,
		},
		{
			name:   "conservative rejects high negative correlation",
			kind:   ConservativeML,
			in:     Gate9Inputs{Confidence: 0.9, BTCCorrelation: -0.8},
			passes: false,
		},
		{
			name:   "aggressive ml needs volatility and signal strength",
			kind:   AggressiveML,
			in:     Gate9Inputs{Volatility: 0.04, SignalStrength: 0.7},
			passes: true,
		},
		{
			name:   "aggressive ml rejects calm market",
			kind:   AggressiveML,
			in:     Gate9Inputs{Volatility: 0.01, SignalStrength: 0.9},
			passes: false,
		},
		{
			name:   "traditional rejects sideways trend",
			kind:   AggressiveTraditional,
			in:     Gate9Inputs{SignalStrength: 0.8, Trend: "sideways"},
			passes: false,
		},
		{
			name:   "balanced rejects excess volatility",
			kind:   Balanced,
			in:     Gate9Inputs{Confidence: 0.6, Volatility: 0.10},
			passes: false,
		},
		{
			name:   "full ml passes on confidence alone",
			kind:   FullML,
			in:     Gate9Inputs{Confidence: 0.65},
			passes: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := CheckGate9(tt.kind, tt.in)
			if tt.passes {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	s := NewDefault("trend-rider", Balanced, "1h")
	require.NoError(t, s.Validate())

	s.Parameters.LeverageCap = 0.5
	assert.Error(t, s.Validate())

	s = NewDefault("", Balanced, "1h")
	assert.Error(t, s.Validate())
}

func TestDeepCopyIsIndependent(t *testing.T) {
	s := NewDefault("orig", ConservativeML, "4h")

	cp := s.DeepCopy()
	require.NotNil(t, cp)
	cp.Name = "copy"
	cp.Parameters.LeverageCap = 99

	assert.Equal(t, "orig", s.Name)
	assert.NotEqual(t, s.Parameters.LeverageCap, cp.Parameters.LeverageCap)
}

func TestImportResolvesSentinels(t *testing.T) {
	doc := `
schema_version: "1.0"
name: sol-breakout
base_kind: aggressive_ml
timeframe: 1h
version: 1.2.0
parameters:
  leverage_cap: 15
  thresholds:
    min_leverage: 3.0
    min_confidence: use_default
`
	s, err := Import(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, AggressiveML, s.BaseKind)
	assert.Equal(t, 15.0, s.Parameters.LeverageCap)
	require.NotNil(t, s.Parameters.Thresholds)
	require.NotNil(t, s.Parameters.Thresholds.MinLeverage)
	assert.Equal(t, 3.0, *s.Parameters.Thresholds.MinLeverage)
	// use_default means "no override": the resolution chain falls through.
	assert.Nil(t, s.Parameters.Thresholds.MinConfidence)
}

func TestImportRejectsNewerSchema(t *testing.T) {
	doc := `
schema_version: "2.0"
name: future
base_kind: balanced
timeframe: 1h
version: 1.0.0
parameters:
  leverage_cap: 5
`
	_, err := Import(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")
}

func TestExportImportRoundTrip(t *testing.T) {
	orig := NewDefault("round-trip", FullML, "15m")

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, orig, FormatYAML))

	got, err := Import(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, orig.Name, got.Name)
	assert.Equal(t, orig.BaseKind, got.BaseKind)
	assert.Equal(t, orig.Timeframe, got.Timeframe)
	assert.Equal(t, orig.Parameters.LeverageCap, got.Parameters.LeverageCap)
}

func TestCompareVersions(t *testing.T) {
	cmp, err := CompareVersions("1.0", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)

	cmp, err = CompareVersions("1.2.0", "1.10.0")
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
}

func TestBumpPatch(t *testing.T) {
	s := NewDefault("bump", Balanced, "1d")
	require.NoError(t, BumpPatch(s))
	assert.Equal(t, "1.0.1", s.Version)
}
