// Package validator implements the early-fail battery: a fixed ordered list
// of checks that rejects an onboarding request before any worker or task row
// exists, with a precise, user-actionable reason.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/provider"
)

// Reason is the closed enumeration of rejection reasons
type Reason string

const (
	ReasonSymbolNotFound       Reason = "symbol_not_found"
	ReasonExchangeNotSupported Reason = "exchange_not_supported"
	ReasonDatabaseFailed       Reason = "database_connection_failed"
	ReasonAPITimeout           Reason = "api_timeout"
	ReasonNotTradable          Reason = "symbol_not_tradable"
	ReasonInsufficientLiq      Reason = "insufficient_liquidity"
	ReasonInsufficientRes      Reason = "insufficient_resources"
	ReasonDataQuality          Reason = "insufficient_data_quality"
	ReasonHistoricalData       Reason = "insufficient_historical_data"
	ReasonCustomRule           Reason = "custom_rule_violation"
)

// suggestions pairs every reason with a natural-language follow-up
var suggestions = map[Reason]string{
	ReasonSymbolNotFound:       "check the symbol spelling against the active exchange listing",
	ReasonExchangeNotSupported: "switch provider.active to one of the allowed exchanges",
	ReasonDatabaseFailed:       "verify both database DSNs and that migrations have been applied",
	ReasonAPITimeout:           "the exchange API did not answer in time; retry in a few minutes",
	ReasonNotTradable:          "the instrument is delisted or has zero 24h volume; pick an active market",
	ReasonInsufficientLiq:      "pick an instrument with higher 24h volume",
	ReasonInsufficientRes:      "free host CPU, memory or disk before submitting new analyses",
	ReasonDataQuality:          "candle history has gaps; try again once the feed backfills",
	ReasonHistoricalData:       "try again after 90 days of history",
	ReasonCustomRule:           "review the custom validation rules configured for this deployment",
}

// Suggestion returns the follow-up hint for a reason
func Suggestion(r Reason) string {
	if s, ok := suggestions[r]; ok {
		return s
	}
	return "inspect the validator log for details"
}

// Failure describes one rejected check
type Failure struct {
	Reason     Reason                 `json:"reason"`
	Step       string                 `json:"step"`
	Suggestion string                 `json:"suggestion"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s at %s", f.Reason, f.Step)
}

// StepResult is the per-check audit record, mirrored into execution_steps
type StepResult struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	DurationMs int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

// Result is the battery outcome: Passed with step timings, or a Failure
type Result struct {
	Passed  bool         `json:"passed"`
	Failure *Failure     `json:"failure,omitempty"`
	Steps   []StepResult `json:"steps"`
}

// Rule is a plug-in custom check, run last and unbounded by per-check budgets
type Rule interface {
	Name() string
	Check(ctx context.Context, symbol string) error
}

// PoolInterface is the subset of pgxpool.Pool the table checks need
type PoolInterface interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// HostStats reports current host utilization. Injectable for tests; the
// production implementation lives in host.go on top of gopsutil.
type HostStats func(ctx context.Context) (cpuPct, memPct, freeDiskGiB float64, err error)

// Validator runs the nine-check battery
type Validator struct {
	cfg        config.ValidatorConfig
	provider   provider.Provider
	ledgerDB   PoolInterface
	analysisDB PoolInterface
	rules      []Rule
	hostStats  HostStats
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates a validator over the active provider and both stores
func New(cfg config.ValidatorConfig, p provider.Provider, ledgerDB, analysisDB PoolInterface, rules []Rule, logger zerolog.Logger) *Validator {
	return &Validator{
		cfg:        cfg,
		provider:   p,
		ledgerDB:   ledgerDB,
		analysisDB: analysisDB,
		rules:      rules,
		hostStats:  readHostStats,
		now:        time.Now,
		logger:     logger,
	}
}

// check is one battery entry. run returns a Failure to reject, nil to pass.
type check struct {
	name string
	run  func(ctx context.Context, st *state) *Failure
}

// state carries results forward between checks so later checks reuse
// earlier fetches instead of hitting the API again
type state struct {
	symbol string
	info   *provider.MarketInfo
}

// Validate runs the battery in fixed order, cheap to expensive, fail-fast.
// The whole run is bounded by the configured total budget.
func (v *Validator) Validate(ctx context.Context, symbol string) *Result {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(v.cfg.TotalBudget)*time.Second)
	defer cancel()

	st := &state{symbol: symbol}
	checks := []check{
		{"symbol_existence", v.checkSymbolExists},
		{"exchange_supported", v.checkExchangeSupported},
		{"database_connectivity", v.checkDatabases},
		{"connection_roundtrip", v.checkRoundTrip},
		{"symbol_tradable", v.checkTradable},
		{"host_resources", v.checkHostResources},
		{"data_quality", v.checkDataQuality},
		{"historical_reach", v.checkHistoricalReach},
		{"custom_rules", v.checkCustomRules},
	}

	res := &Result{Passed: true}
	for _, c := range checks {
		began := v.now()
		fail := c.run(ctx, st)
		step := StepResult{
			Name:       c.name,
			Passed:     fail == nil,
			DurationMs: time.Since(began).Milliseconds(),
		}
		if fail != nil {
			step.Detail = string(fail.Reason)
		}
		res.Steps = append(res.Steps, step)

		if fail != nil {
			fail.Step = c.name
			fail.Suggestion = Suggestion(fail.Reason)
			res.Passed = false
			res.Failure = fail
			v.logger.Warn().
				Str("symbol", symbol).
				Str("step", c.name).
				Str("reason", string(fail.Reason)).
				Msg("Validation failed")
			return res
		}
	}

	v.logger.Info().Str("symbol", symbol).Int("checks", len(checks)).Msg("Validation passed")
	return res
}

func (v *Validator) checkTimeout() time.Duration {
	return time.Duration(v.cfg.CheckTimeout) * time.Second
}

// failOrTimeout classifies a provider error: deadline expiry is an
// api_timeout, anything else maps to the caller's reason
func failOrTimeout(err error, reason Reason, meta map[string]interface{}) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Reason: ReasonAPITimeout, Metadata: meta}
	}
	return &Failure{Reason: reason, Metadata: meta}
}

func (v *Validator) checkSymbolExists(ctx context.Context, st *state) *Failure {
	cctx, cancel := context.WithTimeout(ctx, v.checkTimeout())
	defer cancel()

	info, err := v.provider.GetMarketInfo(cctx, st.symbol)
	if err != nil {
		return failOrTimeout(err, ReasonSymbolNotFound, map[string]interface{}{"error": err.Error()})
	}
	st.info = info
	return nil
}

func (v *Validator) checkExchangeSupported(_ context.Context, _ *state) *Failure {
	active := string(v.provider.Name())
	for _, allowed := range v.cfg.AllowedExchanges {
		if allowed == active {
			return nil
		}
	}
	return &Failure{
		Reason:   ReasonExchangeNotSupported,
		Metadata: map[string]interface{}{"exchange": active, "allowed": v.cfg.AllowedExchanges},
	}
}

// requiredTables per store; schema presence is part of reachability
var (
	ledgerTables   = []string{"executions", "execution_steps"}
	analysisTables = []string{"strategy_configurations", "analyses", "analysis_trades_summary"}
)

func (v *Validator) checkDatabases(ctx context.Context, _ *state) *Failure {
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	for _, probe := range []struct {
		name   string
		pool   PoolInterface
		tables []string
	}{
		{"ledger", v.ledgerDB, ledgerTables},
		{"analysis", v.analysisDB, analysisTables},
	} {
		var present int
		err := probe.pool.QueryRow(cctx,
			`SELECT count(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ANY($1)`,
			probe.tables).Scan(&present)
		if err != nil {
			return &Failure{
				Reason:   ReasonDatabaseFailed,
				Metadata: map[string]interface{}{"store": probe.name, "error": err.Error()},
			}
		}
		if present != len(probe.tables) {
			return &Failure{
				Reason: ReasonDatabaseFailed,
				Metadata: map[string]interface{}{
					"store": probe.name, "expected_tables": len(probe.tables), "present": present,
				},
			}
		}
	}
	return nil
}

func (v *Validator) checkRoundTrip(ctx context.Context, _ *state) *Failure {
	cctx, cancel := context.WithTimeout(ctx, v.checkTimeout())
	defer cancel()

	if err := v.provider.Ping(cctx); err != nil {
		return &Failure{Reason: ReasonAPITimeout, Metadata: map[string]interface{}{"error": err.Error()}}
	}
	return nil
}

func (v *Validator) checkTradable(_ context.Context, st *state) *Failure {
	if st.info == nil {
		return &Failure{Reason: ReasonSymbolNotFound}
	}
	if !st.info.IsActive {
		return &Failure{Reason: ReasonNotTradable, Metadata: map[string]interface{}{"is_active": false}}
	}
	if st.info.Volume24h <= 0 {
		return &Failure{
			Reason:   ReasonNotTradable,
			Metadata: map[string]interface{}{"volume_24h": st.info.Volume24h},
		}
	}
	return nil
}

func (v *Validator) checkHostResources(ctx context.Context, _ *state) *Failure {
	cpuPct, memPct, freeGiB, err := v.hostStats(ctx)
	if err != nil {
		// A broken stats probe is itself a resource problem.
		return &Failure{Reason: ReasonInsufficientRes, Metadata: map[string]interface{}{"error": err.Error()}}
	}
	meta := map[string]interface{}{
		"cpu_percent": cpuPct, "memory_percent": memPct, "free_disk_gib": freeGiB,
	}
	if cpuPct > v.cfg.MaxCPUPercent || memPct > v.cfg.MaxMemoryPercent || freeGiB < v.cfg.MinFreeDiskGiB {
		return &Failure{Reason: ReasonInsufficientRes, Metadata: meta}
	}
	return nil
}

const qualityWindowDays = 30

func (v *Validator) checkDataQuality(ctx context.Context, st *state) *Failure {
	cctx, cancel := context.WithTimeout(ctx, time.Duration(v.cfg.QualityProbeTimeout)*time.Second)
	defer cancel()

	end := v.now().UTC().Truncate(time.Hour)
	start := end.AddDate(0, 0, -qualityWindowDays)

	candles, err := v.provider.GetOHLCV(cctx, st.symbol, provider.Timeframe1h, start, end)
	if err != nil {
		return failOrTimeout(err, ReasonDataQuality, map[string]interface{}{"error": err.Error()})
	}

	expected := int(end.Sub(start) / time.Hour)
	completeness := float64(len(candles)) / float64(expected)
	if completeness < v.cfg.MinCompleteness {
		return &Failure{
			Reason: ReasonDataQuality,
			Metadata: map[string]interface{}{
				"completeness": completeness,
				"required":     v.cfg.MinCompleteness,
				"candles":      len(candles),
				"expected":     expected,
			},
		}
	}
	return nil
}

func (v *Validator) checkHistoricalReach(ctx context.Context, st *state) *Failure {
	cctx, cancel := context.WithTimeout(ctx, time.Duration(v.cfg.QualityProbeTimeout)*time.Second)
	defer cancel()

	reach := v.now().UTC().AddDate(0, 0, -v.cfg.RequiredDays)
	candles, err := v.provider.GetOHLCV(cctx, st.symbol, provider.Timeframe1h, reach, reach.Add(24*time.Hour))
	if err != nil {
		return failOrTimeout(err, ReasonHistoricalData, map[string]interface{}{"error": err.Error()})
	}
	if len(candles) == 0 {
		return &Failure{
			Reason: ReasonHistoricalData,
			Metadata: map[string]interface{}{
				"required_days": v.cfg.RequiredDays,
				"probed_at":     reach.Format(time.RFC3339),
			},
		}
	}
	return nil
}

func (v *Validator) checkCustomRules(ctx context.Context, st *state) *Failure {
	for _, rule := range v.rules {
		if err := rule.Check(ctx, st.symbol); err != nil {
			return &Failure{
				Reason:   ReasonCustomRule,
				Metadata: map[string]interface{}{"rule": rule.Name(), "error": err.Error()},
			}
		}
	}
	return nil
}
