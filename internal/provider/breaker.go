package provider

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Circuit breaker states for Prometheus metrics
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Circuit breaker thresholds for provider APIs
const (
	ProviderMinRequests     = 5                // Minimum requests before tripping
	ProviderFailureRatio    = 0.6              // Failure ratio threshold (60%)
	ProviderOpenTimeout     = 30 * time.Second // How long circuit stays open
	ProviderHalfOpenMaxReqs = 3                // Max requests in half-open state
	ProviderCountInterval   = 10 * time.Second // Window for counting failures
)

// breakerMetrics holds Prometheus metrics for provider circuit breakers
type breakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
}

var (
	globalBreakerMetrics *breakerMetrics
	breakerMetricsOnce   sync.Once
)

func initBreakerMetrics() {
	breakerMetricsOnce.Do(func() {
		globalBreakerMetrics = &breakerMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "levscan_provider_breaker_state",
					Help: "Provider circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"provider"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "levscan_provider_requests_total",
					Help: "Total number of requests through the provider circuit breaker",
				},
				[]string{"provider", "result"},
			),
		}
	})
}

// Breaker wraps a provider's API calls in a circuit breaker so a flapping
// exchange API cannot stall the validator or the worker pool.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker creates a circuit breaker for one provider identity.
func NewBreaker(identity Identity) *Breaker {
	initBreakerMetrics()

	name := string(identity)
	b := &Breaker{name: name}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: ProviderHalfOpenMaxReqs,
		Interval:    ProviderCountInterval,
		Timeout:     ProviderOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= ProviderMinRequests && failureRatio >= ProviderFailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", stateLabel(from)).
				Str("to", stateLabel(to)).
				Msg("Provider circuit breaker state changed")
			globalBreakerMetrics.state.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return b
}

// Execute runs fn through the breaker, recording the result metric.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		globalBreakerMetrics.requests.WithLabelValues(b.name, "failure").Inc()
		return nil, err
	}
	globalBreakerMetrics.requests.WithLabelValues(b.name, "success").Inc()
	return result, nil
}

// State returns the current breaker state label.
func (b *Breaker) State() string {
	return stateLabel(b.cb.State())
}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
