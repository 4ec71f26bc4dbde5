package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"
)

// Migration is one versioned schema change, parsed from NNN_description.sql
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrator applies versioned SQL migrations to one store. The ledger and the
// analysis store migrate independently, each with its own schema_version
// table and its own migrations subdirectory.
type Migrator struct {
	db  *sql.DB
	dir string
}

// NewMigrator creates a migration runner over the given directory
func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{db: db, dir: dir}
}

// Migrate applies every migration newer than the stored version, each inside
// its own transaction
func (m *Migrator) Migrate(ctx context.Context) error {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	migrations, err := m.load()
	if err != nil {
		return err
	}

	applied := 0
	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Description, err)
		}
		applied++
	}

	if applied == 0 {
		log.Info().Str("dir", m.dir).Int("version", current).Msg("Schema up to date")
		return nil
	}
	final, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Str("dir", m.dir).
		Int("applied", applied).
		Int("version", final).
		Msg("Migrations applied")
	return nil
}

// Status prints applied/pending state per migration
func (m *Migrator) Status(ctx context.Context) error {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	migrations, err := m.load()
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		state := "pending"
		if mig.Version <= current {
			state = "applied"
		}
		fmt.Printf("%3d  %-8s %s\n", mig.Version, state, mig.Description)
	}
	fmt.Printf("current version: %d\n", current)
	return nil
}

// currentVersion creates the version table on first contact and returns the
// highest applied version
func (m *Migrator) currentVersion(ctx context.Context) (int, error) {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			description TEXT
		)`)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure schema_version table: %w", err)
	}

	var version int
	err = m.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// load parses every NNN_description.sql in the directory, version-sorted.
// Files ending in _down.sql are rollback scripts and never auto-applied.
func (m *Migrator) load() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory %s: %w", m.dir, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, "_down.sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("invalid migration filename %q: want NNN_description.sql", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("invalid migration filename %q: want NNN_description.sql", name)
		}

		raw, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		migrations = append(migrations, Migration{
			Version:     version,
			Description: strings.ReplaceAll(strings.TrimSuffix(rest, ".sql"), "_", " "),
			SQL:         string(raw),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	log.Info().Int("version", mig.Version).Str("description", mig.Description).Msg("Applying migration")

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, description) VALUES ($1, $2)",
		mig.Version, mig.Description)
	if err != nil {
		return fmt.Errorf("failed to record version: %w", err)
	}
	return tx.Commit()
}
