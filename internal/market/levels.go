package market

import (
	"math"
	"sort"
	"time"

	"github.com/tradeforge/levscan/internal/provider"
)

// LevelKind distinguishes support from resistance
type LevelKind string

const (
	Support    LevelKind = "support"
	Resistance LevelKind = "resistance"
)

// Level is one detected support or resistance level. FormedAt is the first
// timestamp at which the level is knowable: a pivot needs pivotLookback
// candles on each side, so the level "exists" only after the right-side
// candles have closed. As-of-T views filter on FormedAt.
type Level struct {
	Kind     LevelKind `json:"kind"`
	Price    float64   `json:"price"`
	Strength float64   `json:"strength"`
	Touches  int       `json:"touches"`
	FormedAt time.Time `json:"formed_at"`
}

const (
	pivotLookback    = 5
	clusterTolerance = 0.005 // merge pivots within 0.5%
)

// DetectLevels finds support/resistance levels by pivot detection over an
// ascending candle series: a pivot low is a candle whose low is the minimum
// of its 2*pivotLookback+1 neighborhood, clustered by price proximity.
// Strength grows with touch count, saturating at 1.0.
func DetectLevels(candles []provider.Candle) []Level {
	if len(candles) < 2*pivotLookback+1 {
		return nil
	}

	var levels []Level
	for i := pivotLookback; i < len(candles)-pivotLookback; i++ {
		isLow, isHigh := true, true
		for j := i - pivotLookback; j <= i+pivotLookback; j++ {
			if j == i {
				continue
			}
			if candles[j].Low < candles[i].Low {
				isLow = false
			}
			if candles[j].High > candles[i].High {
				isHigh = false
			}
			if !isLow && !isHigh {
				break
			}
		}

		formedAt := candles[i+pivotLookback].Timestamp
		if isLow {
			levels = addPivot(levels, Support, candles[i].Low, formedAt)
		}
		if isHigh {
			levels = addPivot(levels, Resistance, candles[i].High, formedAt)
		}
	}

	sort.Slice(levels, func(i, j int) bool {
		return levels[i].FormedAt.Before(levels[j].FormedAt)
	})
	return levels
}

// addPivot merges a pivot into an existing nearby level of the same kind, or
// appends a new one. Merging keeps the earliest FormedAt: extra touches
// strengthen a level but never move its discovery time forward.
func addPivot(levels []Level, kind LevelKind, price float64, formedAt time.Time) []Level {
	for i := range levels {
		if levels[i].Kind != kind {
			continue
		}
		if math.Abs(levels[i].Price-price)/levels[i].Price <= clusterTolerance {
			levels[i].Touches++
			levels[i].Price = (levels[i].Price*float64(levels[i].Touches-1) + price) / float64(levels[i].Touches)
			levels[i].Strength = touchStrength(levels[i].Touches)
			return levels
		}
	}
	return append(levels, Level{
		Kind:     kind,
		Price:    price,
		Strength: touchStrength(1),
		Touches:  1,
		FormedAt: formedAt,
	})
}

func touchStrength(touches int) float64 {
	s := 0.35 + 0.15*float64(touches)
	if s > 1.0 {
		return 1.0
	}
	return s
}

// NearestBelow returns the strongest-then-nearest level below price
func NearestBelow(levels []Level, price float64) (Level, bool) {
	best := Level{}
	found := false
	for _, l := range levels {
		if l.Price >= price {
			continue
		}
		if !found || l.Price > best.Price {
			best = l
			found = true
		}
	}
	return best, found
}

// NearestAbove returns the nearest level above price
func NearestAbove(levels []Level, price float64) (Level, bool) {
	best := Level{}
	found := false
	for _, l := range levels {
		if l.Price <= price {
			continue
		}
		if !found || l.Price < best.Price {
			best = l
			found = true
		}
	}
	return best, found
}
