// Package ml provides the prediction layer of the decision path: a feature
// builder with strict no-fallback semantics and a per-instrument predictor
// registry with load-once model handles.
package ml

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
)

func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// EMA computes the exponential moving average series
func EMA(values []float64, period int) ([]float64, error) {
	if period < 1 || period > len(values) {
		return nil, fmt.Errorf("invalid EMA period %d for %d values", period, len(values))
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	out := collect(ema.Compute(sliceToChan(values)))
	if len(out) == 0 {
		return nil, fmt.Errorf("no EMA values calculated")
	}
	return out, nil
}

// RSI computes the relative strength index series
func RSI(values []float64, period int) ([]float64, error) {
	if period < 1 || period >= len(values) {
		return nil, fmt.Errorf("invalid RSI period %d for %d values", period, len(values))
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	out := collect(rsi.Compute(sliceToChan(values)))
	if len(out) == 0 {
		return nil, fmt.Errorf("no RSI values calculated")
	}
	return out, nil
}

// last returns the final element of a series
func last(values []float64) float64 {
	return values[len(values)-1]
}
