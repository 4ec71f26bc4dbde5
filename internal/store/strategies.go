package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/levscan/internal/strategy"
)

// PoolInterface defines the interface for database pool operations
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repo is the analysis-store repository
type Repo struct {
	pool PoolInterface
}

// NewRepo creates an analysis-store repository
func NewRepo(pool PoolInterface) *Repo {
	return &Repo{pool: pool}
}

// NewRepoWithPool creates an analysis-store repository over pgxpool.Pool
func NewRepoWithPool(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// UpsertStrategy inserts or updates a catalog row keyed by
// (name, base_kind, timeframe) and fills in the assigned id
func (r *Repo) UpsertStrategy(ctx context.Context, s *strategy.Strategy) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid strategy: %w", err)
	}
	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy parameters: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO strategy_configurations
			(name, base_kind, timeframe, version, parameters, active, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (name, base_kind, timeframe) DO UPDATE SET
			version = EXCLUDED.version,
			parameters = EXCLUDED.parameters,
			active = EXCLUDED.active,
			is_default = EXCLUDED.is_default,
			updated_at = NOW()
		RETURNING id`,
		s.Name, string(s.BaseKind), s.Timeframe, s.Version, params, s.Active, s.IsDefault,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy: %w", err)
	}

	log.Info().
		Int64("strategy_id", s.ID).
		Str("name", s.Name).
		Str("base_kind", string(s.BaseKind)).
		Str("timeframe", s.Timeframe).
		Msg("Strategy upserted")
	return nil
}

const strategyColumns = `id, name, base_kind, timeframe, version, parameters, active, is_default, created_at, updated_at`

// GetStrategy fetches one catalog row by id
func (r *Repo) GetStrategy(ctx context.Context, id int64) (*strategy.Strategy, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+strategyColumns+` FROM strategy_configurations WHERE id = $1`, id)
	s, err := scanStrategy(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("strategy %d not found", id)
		}
		return nil, fmt.Errorf("failed to get strategy: %w", err)
	}
	return s, nil
}

// ListActiveDefaults returns all active default strategies (planner default mode)
func (r *Repo) ListActiveDefaults(ctx context.Context) ([]*strategy.Strategy, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+strategyColumns+` FROM strategy_configurations
		 WHERE active AND is_default ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list default strategies: %w", err)
	}
	defer rows.Close()
	return collectStrategies(rows)
}

// ListByIDs returns the catalog rows for the given ids (planner selective mode).
// Every id must exist and be active; a missing or inactive id is an error.
func (r *Repo) ListByIDs(ctx context.Context, ids []int64) ([]*strategy.Strategy, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+strategyColumns+` FROM strategy_configurations
		 WHERE id = ANY($1) AND active ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies by id: %w", err)
	}
	defer rows.Close()

	out, err := collectStrategies(rows)
	if err != nil {
		return nil, err
	}
	if len(out) != len(ids) {
		return nil, fmt.Errorf("requested %d strategies, found %d active", len(ids), len(out))
	}
	return out, nil
}

// ListStrategies returns the whole catalog
func (r *Repo) ListStrategies(ctx context.Context) ([]*strategy.Strategy, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+strategyColumns+` FROM strategy_configurations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()
	return collectStrategies(rows)
}

func collectStrategies(rows pgx.Rows) ([]*strategy.Strategy, error) {
	var out []*strategy.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanStrategy(row pgx.Row) (*strategy.Strategy, error) {
	var (
		s         strategy.Strategy
		kind      string
		rawParams []byte
	)
	err := row.Scan(&s.ID, &s.Name, &kind, &s.Timeframe, &s.Version,
		&rawParams, &s.Active, &s.IsDefault, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.BaseKind = strategy.BaseKind(kind)
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &s.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode strategy parameters: %w", err)
		}
	}
	return &s, nil
}
