// Package metrics defines the Prometheus instrumentation and its HTTP
// server. Label sets are bounded: gate names, decision stages and validator
// reasons are closed enums, never free-form strings.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Execution lifecycle
var (
	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levscan_executions_started_total",
		Help: "Executions accepted by the submission API, by planning mode",
	}, []string{"mode"})

	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levscan_executions_finished_total",
		Help: "Executions reaching a terminal status",
	}, []string{"status"})

	ValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levscan_validation_failures_total",
		Help: "Early-fail validator rejections, by reason",
	}, []string{"reason"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "levscan_active_workers",
		Help: "Worker subprocesses currently running",
	})
)

// Task outcomes
var (
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levscan_tasks_finished_total",
		Help: "Tasks reaching a terminal status",
	}, []string{"status"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "levscan_task_duration_seconds",
		Help:    "Wall-clock duration of one task, by timeframe",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"timeframe"})

	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levscan_gate_rejections_total",
		Help: "Filter-chain rejections, by gate name",
	}, []string{"gate"})

	EarlyExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levscan_decision_early_exits_total",
		Help: "Decision-path early exits, by stage",
	}, []string{"stage"})

	SignalsFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "levscan_signals_found_total",
		Help: "Completed decision paths that produced a trade signal",
	})

	NoSignalOutcomes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "levscan_no_signal_total",
		Help: "Decision paths that finished without a viable leverage setup",
	})
)

// Provider plumbing
var (
	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "levscan_provider_request_duration_ms",
		Help:    "Data-provider call latency in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"provider", "operation"})

	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "levscan_provider_errors_total",
		Help: "Data-provider call failures",
	}, []string{"provider", "operation"})
)

// HTTP surface
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "levscan_api_request_duration_ms",
		Help:    "API request latency in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"method", "path", "status"})
)

// RecordTaskOutcome bumps the terminal-status counter and duration histogram
func RecordTaskOutcome(status, timeframe string, seconds float64) {
	TasksFinished.WithLabelValues(status).Inc()
	TaskDuration.WithLabelValues(timeframe).Observe(seconds)
}

// RecordStats folds one task's evaluation histogram into the counters.
// Early-exit keys arrive as "stage/reason"; only the stage is kept so the
// label set stays bounded.
func RecordStats(gateRejects, earlyExits map[string]int, trades, noSignal int) {
	for gate, n := range gateRejects {
		GateRejections.WithLabelValues(gate).Add(float64(n))
	}
	for key, n := range earlyExits {
		EarlyExits.WithLabelValues(stageOf(key)).Add(float64(n))
	}
	SignalsFound.Add(float64(trades))
	NoSignalOutcomes.Add(float64(noSignal))
}

func stageOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}
