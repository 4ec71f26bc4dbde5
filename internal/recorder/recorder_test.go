package recorder

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/levscan/internal/decision"
	"github.com/tradeforge/levscan/internal/engine"
	"github.com/tradeforge/levscan/internal/market"
	"github.com/tradeforge/levscan/internal/provider"
	"github.com/tradeforge/levscan/internal/store"
)

type fakeTaskStore struct {
	completed  map[int64]*store.Aggregates
	summaries  map[int64]*store.TradeSummary
	failed     map[int64]string
	skipped    map[int64]string
	skippedAgg map[int64]*store.Aggregates
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		completed:  make(map[int64]*store.Aggregates),
		summaries:  make(map[int64]*store.TradeSummary),
		failed:     make(map[int64]string),
		skipped:    make(map[int64]string),
		skippedAgg: make(map[int64]*store.Aggregates),
	}
}

func (f *fakeTaskStore) CompleteTask(_ context.Context, id int64, agg *store.Aggregates, summary *store.TradeSummary) error {
	f.completed[id] = agg
	f.summaries[id] = summary
	return nil
}

func (f *fakeTaskStore) FailTask(_ context.Context, id int64, message string) error {
	f.failed[id] = message
	return nil
}

func (f *fakeTaskStore) SkipTaskWithOutcomes(_ context.Context, id int64, message string, agg *store.Aggregates, summary *store.TradeSummary) error {
	f.skipped[id] = message
	f.skippedAgg[id] = agg
	if summary != nil {
		f.summaries[id] = summary
	}
	return nil
}

func testData(t *testing.T) *market.PreparedData {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	data, err := market.Prepare("SOL", provider.Timeframe1h,
		provider.GenerateCandles("SOL", provider.Timeframe1h, start, 400, 150))
	require.NoError(t, err)
	return data
}

func testSignal(at time.Time, entry, stop, take, leverage float64) *engine.Signal {
	return &engine.Signal{
		Timestamp:      at,
		ReferencePrice: entry,
		Recommendation: &decision.Recommendation{
			Direction:  "long",
			Leverage:   leverage,
			Confidence: 0.6,
			EntryPrice: entry,
			StopLoss:   stop,
			TakeProfit: take,
			RiskReward: (take - entry) / (entry - stop),
		},
		StageResults: []decision.StageResult{{Stage: "leverage_decision", Success: true, ExecutionTimeMs: 3}},
	}
}

func TestBlobRoundTrip(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	signals := []*engine.Signal{
		testSignal(at, 150.123456789, 145.987654321, 158.555555555, 3.25),
		testSignal(at.Add(time.Hour), 151.0, 146.5, 160.25, 2.5),
	}

	path, rawSize, gzSize, err := WriteBlob(dir, signals)
	require.NoError(t, err)
	assert.Greater(t, rawSize, gzSize)

	got, err := ReadBlob(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range signals {
		want, have := signals[i].Recommendation, got[i].Recommendation
		assert.InDelta(t, want.EntryPrice, have.EntryPrice, 1e-9)
		assert.InDelta(t, want.StopLoss, have.StopLoss, 1e-9)
		assert.InDelta(t, want.TakeProfit, have.TakeProfit, 1e-9)
		assert.InDelta(t, want.Leverage, have.Leverage, 1e-9)
		assert.True(t, signals[i].Timestamp.Equal(got[i].Timestamp))
	}
}

func TestBlobCompressionRatio(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	signals := make([]*engine.Signal, 0, 500)
	for i := 0; i < 500; i++ {
		signals = append(signals, testSignal(at.Add(time.Duration(i)*time.Hour), 150, 146, 158, 3))
	}

	_, rawSize, gzSize, err := WriteBlob(dir, signals)
	require.NoError(t, err)
	assert.Less(t, float64(gzSize), 0.2*float64(rawSize),
		"expected at least 80%% size reduction, got %d -> %d", rawSize, gzSize)
}

func TestBlobWriteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	signals := []*engine.Signal{testSignal(time.Now().UTC().Truncate(time.Second), 150, 146, 158, 3)}

	p1, _, _, err := WriteBlob(dir, signals)
	require.NoError(t, err)
	p2, _, _, err := WriteBlob(dir, signals)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestSimulateTradesHitsStopAndTake(t *testing.T) {
	data := testData(t)
	start := data.Start()

	// Tight take just above entry: hit quickly. Distant stop: never hit.
	winner := testSignal(start.Add(24*time.Hour), 150, 100, 150.5, 3)
	// Tight stop just below entry: hit quickly.
	loser := testSignal(start.Add(24*time.Hour), 150, 149.9, 400, 3)

	results := SimulateTrades(data, []*engine.Signal{winner, loser})
	require.Len(t, results, 2)

	assert.True(t, results[0].Win)
	assert.Equal(t, 150.5, results[0].ExitPrice)
	assert.False(t, results[1].Win)
	assert.Equal(t, 149.9, results[1].ExitPrice)
	assert.True(t, results[0].ExitTime.After(winner.Timestamp))
}

func TestComputeTradeStats(t *testing.T) {
	data := testData(t)
	start := data.Start()
	signals := []*engine.Signal{
		testSignal(start.Add(24*time.Hour), 150, 100, 150.5, 4),
		testSignal(start.Add(48*time.Hour), 150, 100, 150.5, 2),
		testSignal(start.Add(72*time.Hour), 150, 149.9, 400, 3),
	}

	stats := ComputeTradeStats(SimulateTrades(data, signals))
	assert.Equal(t, 2, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 2.0/3.0, stats.WinRate, 1e-9)
	assert.InDelta(t, 3.0, stats.AvgLeverage, 1e-9)
	assert.GreaterOrEqual(t, stats.MaxDrawdown, 0.0)
	assert.Less(t, stats.MaxDrawdown, 1.0)
}

func TestFinalizeCompletedZeroTrades(t *testing.T) {
	tasks := newFakeTaskStore()
	r := New(tasks, t.TempDir(), zerolog.Nop())
	task := &store.Task{ID: 9, ExecutionID: "exec-1"}
	stats := &engine.Stats{
		TotalEvaluations: 100,
		NoSignal:         40,
		GateRejects:      map[string]int{"sr_existence": 60},
	}

	agg, err := r.FinalizeCompleted(context.Background(), task, stats, nil, testData(t))
	require.NoError(t, err)

	assert.Equal(t, 0, agg.TotalTrades)
	assert.Equal(t, 40, agg.NoSignalCount)
	assert.Empty(t, agg.CompressedPath)
	require.Contains(t, tasks.completed, int64(9))
	assert.Equal(t, 0, tasks.summaries[9].TotalTrades)
}

func TestFinalizeCompletedWritesBlob(t *testing.T) {
	tasks := newFakeTaskStore()
	blobDir := t.TempDir()
	r := New(tasks, blobDir, zerolog.Nop())
	data := testData(t)
	task := &store.Task{ID: 3, ExecutionID: "exec-2"}
	stats := &engine.Stats{TotalEvaluations: 50, GateRejects: map[string]int{}, EarlyExits: map[string]int{}}
	signals := []*engine.Signal{testSignal(data.Start().Add(24*time.Hour), 150, 146, 151, 3)}

	agg, err := r.FinalizeCompleted(context.Background(), task, stats, signals, data)
	require.NoError(t, err)
	require.NotEmpty(t, agg.CompressedPath)

	_, err = os.Stat(agg.CompressedPath)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.TotalTrades)
}

func TestFinalizeSkippedAndFailed(t *testing.T) {
	tasks := newFakeTaskStore()
	r := New(tasks, t.TempDir(), zerolog.Nop())

	// Skipped before anything ran: a plain skip, no aggregates.
	require.NoError(t, r.FinalizeSkipped(context.Background(), &store.Task{ID: 1, ExecutionID: "e"}, nil, nil, nil))
	assert.Equal(t, "cancelled", tasks.skipped[1])
	assert.Nil(t, tasks.skippedAgg[1])

	require.NoError(t, r.FinalizeFailed(context.Background(), &store.Task{ID: 2, ExecutionID: "e"},
		assert.AnError))
	assert.Equal(t, assert.AnError.Error(), tasks.failed[2])
}

func TestFinalizeSkippedPersistsProcessedOutcomes(t *testing.T) {
	tasks := newFakeTaskStore()
	blobDir := t.TempDir()
	r := New(tasks, blobDir, zerolog.Nop())
	data := testData(t)
	task := &store.Task{ID: 7, ExecutionID: "exec-3"}

	// A mid-run cancel arrives after 25 evaluations and one emitted signal;
	// the skip must carry the same aggregates a completion would.
	stats := &engine.Stats{
		TotalEvaluations: 25,
		Trades:           1,
		NoSignal:         9,
		GateRejects:      map[string]int{"sr_existence": 15},
		EarlyExits:       map[string]int{},
	}
	signals := []*engine.Signal{testSignal(data.Start().Add(24*time.Hour), 150, 146, 151, 3)}

	require.NoError(t, r.FinalizeSkipped(context.Background(), task, stats, signals, data))

	assert.Equal(t, "cancelled", tasks.skipped[7])
	agg := tasks.skippedAgg[7]
	require.NotNil(t, agg)
	assert.Equal(t, 25, agg.TotalEvaluations)
	assert.Equal(t, 9, agg.NoSignalCount)
	assert.Equal(t, 1, agg.TotalTrades)

	require.NotEmpty(t, agg.CompressedPath)
	_, err := os.Stat(agg.CompressedPath)
	require.NoError(t, err, "the trade blob is written before the skip lands")

	require.Contains(t, tasks.summaries, int64(7))
	assert.Equal(t, 1, tasks.summaries[7].TotalTrades)
}
