// Package planner expands an accepted execution into a concrete task list:
// one (execution_id, strategy_id, timeframe) row per planned analysis.
package planner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradeforge/levscan/internal/ledger"
	"github.com/tradeforge/levscan/internal/store"
	"github.com/tradeforge/levscan/internal/strategy"
)

// Catalog is the strategy-store surface the planner needs
type Catalog interface {
	ListActiveDefaults(ctx context.Context) ([]*strategy.Strategy, error)
	ListByIDs(ctx context.Context, ids []int64) ([]*strategy.Strategy, error)
	UpsertStrategy(ctx context.Context, s *strategy.Strategy) error
	CreateTasks(ctx context.Context, executionID string, specs []store.TaskSpec) ([]*store.Task, error)
}

// Planner turns an execution request into pending task rows
type Planner struct {
	catalog Catalog
	logger  zerolog.Logger
}

// New creates a planner over the strategy catalog
func New(catalog Catalog, logger zerolog.Logger) *Planner {
	return &Planner{catalog: catalog, logger: logger}
}

// Plan resolves the strategy set for the execution mode and writes one
// pending task row per entry. Custom-mode strategies are upserted into the
// catalog first so every task row references a persisted strategy ID.
//
// The catalog is seeded per timeframe: an active default row exists for each
// (strategy name, timeframe) pair, so default mode is the full cross product
// by construction.
func (p *Planner) Plan(ctx context.Context, exec *ledger.Execution, custom []*strategy.Strategy) ([]*store.Task, error) {
	strategies, err := p.resolve(ctx, exec, custom)
	if err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("no strategies resolved for mode %s", exec.Mode)
	}

	specs := make([]store.TaskSpec, 0, len(strategies))
	for _, s := range strategies {
		specs = append(specs, store.TaskSpec{Strategy: s, Timeframe: s.Timeframe})
	}

	tasks, err := p.catalog.CreateTasks(ctx, exec.ID, specs)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks: %w", err)
	}

	p.logger.Info().
		Str("execution_id", exec.ID).
		Str("mode", string(exec.Mode)).
		Int("tasks", len(tasks)).
		Msg("Execution planned")
	return tasks, nil
}

func (p *Planner) resolve(ctx context.Context, exec *ledger.Execution, custom []*strategy.Strategy) ([]*strategy.Strategy, error) {
	switch exec.Mode {
	case ledger.ModeDefault:
		return p.catalog.ListActiveDefaults(ctx)

	case ledger.ModeSelective:
		if len(exec.SelectedStrategyIDs) == 0 {
			return nil, fmt.Errorf("selective mode requires selected_strategy_ids")
		}
		return p.catalog.ListByIDs(ctx, exec.SelectedStrategyIDs)

	case ledger.ModeCustom:
		if len(custom) == 0 {
			return nil, fmt.Errorf("custom mode requires at least one strategy definition")
		}
		for _, s := range custom {
			if err := s.Validate(); err != nil {
				return nil, fmt.Errorf("invalid custom strategy %q: %w", s.Name, err)
			}
			if err := p.catalog.UpsertStrategy(ctx, s); err != nil {
				return nil, fmt.Errorf("failed to persist custom strategy %q: %w", s.Name, err)
			}
		}
		return custom, nil

	default:
		return nil, fmt.Errorf("unknown execution mode %q", exec.Mode)
	}
}
