package market

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/levscan/internal/provider"
)

// PreparedData is the per-task cached series plus derived artifacts. It is
// built once per task; gates and decision steps never refetch. Historical
// correctness is enforced structurally: callers get an as-of-T View and there
// is no accessor for the full series.
type PreparedData struct {
	Symbol    string
	Timeframe provider.Timeframe

	candles []provider.Candle
	times   []time.Time // open times, ascending, for O(log n) lookup
	levels  []Level     // sorted by FormedAt

	reference *PreparedData // correlated reference series (BTC), may be nil
}

// flexMatchSteps are the widening tolerances of the candle matcher. An
// evaluation timestamp falling in a data gap matches the nearest candle
// within 5, then 15, then 30 minutes; beyond that the evaluation must
// early-exit rather than fabricate data.
var flexMatchSteps = []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute}

// Prepare builds the per-task data object from an ascending candle series
func Prepare(symbol string, tf provider.Timeframe, candles []provider.Candle) (*PreparedData, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles for %s %s", symbol, tf)
	}
	if !sort.SliceIsSorted(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	}) {
		return nil, fmt.Errorf("candle series for %s %s is not ascending", symbol, tf)
	}

	times := make([]time.Time, len(candles))
	for i, c := range candles {
		times[i] = c.Timestamp
	}

	p := &PreparedData{
		Symbol:    symbol,
		Timeframe: tf,
		candles:   candles,
		times:     times,
		levels:    DetectLevels(candles),
	}

	log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("candles", len(candles)).
		Int("levels", len(p.levels)).
		Msg("Prepared task data")
	return p, nil
}

// WithReference attaches the correlated reference series (BTC)
func (p *PreparedData) WithReference(ref *PreparedData) *PreparedData {
	p.reference = ref
	return p
}

// Start returns the first available candle open time
func (p *PreparedData) Start() time.Time {
	return p.times[0]
}

// End returns the last available candle open time
func (p *PreparedData) End() time.Time {
	return p.times[len(p.times)-1]
}

// OpenTimes returns the candle open times in [from, to], ascending. Used by
// the engine to build the evaluation grid; it exposes timestamps only, never
// future candle values.
func (p *PreparedData) OpenTimes(from, to time.Time) []time.Time {
	lo := sort.Search(len(p.times), func(i int) bool { return !p.times[i].Before(from) })
	hi := sort.Search(len(p.times), func(i int) bool { return p.times[i].After(to) })
	if lo >= hi {
		return nil
	}
	out := make([]time.Time, hi-lo)
	copy(out, p.times[lo:hi])
	return out
}

// AsOf returns the view of the data at evaluation time T: only candles with
// timestamp <= T and only levels formed at or before T are visible.
func (p *PreparedData) AsOf(t time.Time) View {
	// index of first candle after T; everything before it is visible
	end := sort.Search(len(p.times), func(i int) bool { return p.times[i].After(t) })
	return View{p: p, end: end, at: t}
}

// View is the as-of-T window over PreparedData. All gate and decision-step
// reads go through a View.
type View struct {
	p   *PreparedData
	end int // candles[:end] have timestamp <= at
	at  time.Time
}

// At returns the evaluation timestamp
func (v View) At() time.Time { return v.at }

// Len returns the number of visible candles
func (v View) Len() int { return v.end }

// Candles returns the visible slice. Callers must not mutate it.
func (v View) Candles() []provider.Candle {
	return v.p.candles[:v.end]
}

// Last returns the most recent visible candle
func (v View) Last() (provider.Candle, bool) {
	if v.end == 0 {
		return provider.Candle{}, false
	}
	return v.p.candles[v.end-1], true
}

// CandleAt resolves the candle for the evaluation timestamp with the
// flexible matcher: exact open-time match first, then the nearest visible
// candle within widening tolerances (5m, 15m, 30m).
func (v View) CandleAt() (provider.Candle, bool) {
	if v.end == 0 {
		return provider.Candle{}, false
	}
	last := v.p.candles[v.end-1]
	if last.Timestamp.Equal(v.at) {
		return last, true
	}
	gap := v.at.Sub(last.Timestamp)
	for _, tol := range flexMatchSteps {
		if gap <= tol {
			return last, true
		}
	}
	return provider.Candle{}, false
}

// Closes returns the visible close series
func (v View) Closes() []float64 {
	out := make([]float64, v.end)
	for i := 0; i < v.end; i++ {
		out[i] = v.p.candles[i].Close
	}
	return out
}

// Levels returns the levels of one kind formed at or before T with at least
// the given strength
func (v View) Levels(kind LevelKind, minStrength float64) []Level {
	var out []Level
	for _, l := range v.p.levels {
		if l.FormedAt.After(v.at) {
			break // levels are sorted by FormedAt
		}
		if l.Kind == kind && l.Strength >= minStrength {
			out = append(out, l)
		}
	}
	return out
}

// Volatility returns the realized volatility (stddev of log returns) over
// the last window visible candles
func (v View) Volatility(window int) (float64, error) {
	if v.end < window+1 {
		return 0, fmt.Errorf("need %d candles for volatility, have %d", window+1, v.end)
	}
	closes := make([]float64, window+1)
	for i := 0; i <= window; i++ {
		closes[i] = v.p.candles[v.end-window-1+i].Close
	}
	return stdDev(logReturns(closes)), nil
}

// ReferenceCorrelation returns the Pearson correlation of log returns
// against the reference series over the last window candles, aligning the
// two series by candle open time. Missing reference data is an error, never
// interpolated.
func (v View) ReferenceCorrelation(window int) (float64, error) {
	if v.p.reference == nil {
		return 0, fmt.Errorf("no reference series attached")
	}
	if v.end < window+1 {
		return 0, fmt.Errorf("need %d candles for correlation, have %d", window+1, v.end)
	}

	ref := v.p.reference.AsOf(v.at)

	own := make([]float64, 0, window+1)
	other := make([]float64, 0, window+1)
	refIdx := make(map[time.Time]float64, ref.end)
	for i := 0; i < ref.end; i++ {
		refIdx[ref.p.candles[i].Timestamp] = ref.p.candles[i].Close
	}

	for i := v.end - window - 1; i < v.end; i++ {
		c := v.p.candles[i]
		refClose, ok := refIdx[c.Timestamp]
		if !ok {
			return 0, fmt.Errorf("reference series missing candle at %s", c.Timestamp.UTC())
		}
		own = append(own, c.Close)
		other = append(other, refClose)
	}

	return pearson(logReturns(own), logReturns(other))
}
