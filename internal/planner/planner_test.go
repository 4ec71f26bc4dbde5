package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/levscan/internal/ledger"
	"github.com/tradeforge/levscan/internal/store"
	"github.com/tradeforge/levscan/internal/strategy"
)

type fakeCatalog struct {
	defaults []*strategy.Strategy
	byID     map[int64]*strategy.Strategy
	upserted []*strategy.Strategy
	created  []store.TaskSpec
}

func (f *fakeCatalog) ListActiveDefaults(context.Context) ([]*strategy.Strategy, error) {
	return f.defaults, nil
}

func (f *fakeCatalog) ListByIDs(_ context.Context, ids []int64) ([]*strategy.Strategy, error) {
	out := make([]*strategy.Strategy, 0, len(ids))
	for _, id := range ids {
		s, ok := f.byID[id]
		if !ok {
			return nil, fmt.Errorf("requested %d strategies, found %d active", len(ids), len(out))
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeCatalog) UpsertStrategy(_ context.Context, s *strategy.Strategy) error {
	s.ID = int64(len(f.upserted) + 100)
	f.upserted = append(f.upserted, s)
	return nil
}

func (f *fakeCatalog) CreateTasks(_ context.Context, executionID string, specs []store.TaskSpec) ([]*store.Task, error) {
	f.created = specs
	tasks := make([]*store.Task, 0, len(specs))
	for i, spec := range specs {
		tasks = append(tasks, &store.Task{
			ID:          int64(i + 1),
			ExecutionID: executionID,
			StrategyID:  spec.Strategy.ID,
			Timeframe:   spec.Timeframe,
			Status:      store.TaskPending,
		})
	}
	return tasks, nil
}

func seedDefaults() []*strategy.Strategy {
	var out []*strategy.Strategy
	id := int64(1)
	for _, name := range []string{"steady", "momentum", "swing"} {
		for _, tf := range []string{"5m", "15m", "30m", "1h", "4h", "1d"} {
			s := strategy.NewDefault(name, strategy.Balanced, tf)
			s.ID = id
			id++
			out = append(out, s)
		}
	}
	return out
}

func TestPlanDefaultModeCrossProduct(t *testing.T) {
	cat := &fakeCatalog{defaults: seedDefaults()}
	p := New(cat, zerolog.Nop())

	exec := &ledger.Execution{ID: "exec-1", Mode: ledger.ModeDefault}
	tasks, err := p.Plan(context.Background(), exec, nil)
	require.NoError(t, err)
	assert.Len(t, tasks, 18)

	seen := make(map[string]bool)
	for _, task := range tasks {
		key := fmt.Sprintf("%d/%s", task.StrategyID, task.Timeframe)
		assert.False(t, seen[key], "duplicate task %s", key)
		seen[key] = true
		assert.Equal(t, store.TaskPending, task.Status)
		assert.Equal(t, "exec-1", task.ExecutionID)
	}
}

func TestPlanSelectiveMode(t *testing.T) {
	defaults := seedDefaults()
	byID := make(map[int64]*strategy.Strategy)
	for _, s := range defaults {
		byID[s.ID] = s
	}
	cat := &fakeCatalog{byID: byID}
	p := New(cat, zerolog.Nop())

	exec := &ledger.Execution{
		ID:                  "exec-2",
		Mode:                ledger.ModeSelective,
		SelectedStrategyIDs: []int64{1, 3, 5},
	}
	tasks, err := p.Plan(context.Background(), exec, nil)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestPlanSelectiveRequiresIDs(t *testing.T) {
	p := New(&fakeCatalog{}, zerolog.Nop())
	exec := &ledger.Execution{ID: "exec-3", Mode: ledger.ModeSelective}

	_, err := p.Plan(context.Background(), exec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selected_strategy_ids")
}

func TestPlanSelectiveMissingStrategy(t *testing.T) {
	cat := &fakeCatalog{byID: map[int64]*strategy.Strategy{}}
	p := New(cat, zerolog.Nop())
	exec := &ledger.Execution{
		ID:                  "exec-4",
		Mode:                ledger.ModeSelective,
		SelectedStrategyIDs: []int64{42},
	}

	_, err := p.Plan(context.Background(), exec, nil)
	require.Error(t, err)
}

func TestPlanCustomModePersistsStrategies(t *testing.T) {
	cat := &fakeCatalog{}
	p := New(cat, zerolog.Nop())

	custom := []*strategy.Strategy{strategy.NewDefault("my-edge", strategy.AggressiveML, "1h")}
	exec := &ledger.Execution{ID: "exec-5", Mode: ledger.ModeCustom}

	tasks, err := p.Plan(context.Background(), exec, custom)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Len(t, cat.upserted, 1)
	assert.NotZero(t, tasks[0].StrategyID)
}

func TestPlanCustomModeRejectsInvalid(t *testing.T) {
	cat := &fakeCatalog{}
	p := New(cat, zerolog.Nop())

	bad := strategy.NewDefault("bad", strategy.Balanced, "1h")
	bad.Parameters.LeverageCap = 0

	exec := &ledger.Execution{ID: "exec-6", Mode: ledger.ModeCustom}
	_, err := p.Plan(context.Background(), exec, []*strategy.Strategy{bad})
	require.Error(t, err)
	assert.Empty(t, cat.upserted)
}
