// Migration CLI for the two stores. The ledger and the analysis store live
// in separate databases and migrate independently; -store selects which one.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/db"
)

func main() {
	command := flag.String("command", "migrate", "Command to run: migrate or status")
	store := flag.String("store", "", "Store to migrate: ledger, analysis or all")
	configPath := flag.String("config", "", "Path to config file")
	migrationsRoot := flag.String("migrations", "migrations", "Path to migrations root directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.LoadSecrets(context.Background(), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
		os.Exit(1)
	}

	type target struct {
		name string
		dsn  string
		dir  string
	}
	var targets []target
	switch *store {
	case "ledger":
		targets = []target{{"ledger", cfg.LedgerDB.GetDSN(), filepath.Join(*migrationsRoot, "ledger")}}
	case "analysis":
		targets = []target{{"analysis", cfg.AnalysisDB.GetDSN(), filepath.Join(*migrationsRoot, "analysis")}}
	case "all", "":
		targets = []target{
			{"ledger", cfg.LedgerDB.GetDSN(), filepath.Join(*migrationsRoot, "ledger")},
			{"analysis", cfg.AnalysisDB.GetDSN(), filepath.Join(*migrationsRoot, "analysis")},
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown store %q: want ledger, analysis or all\n", *store)
		os.Exit(1)
	}

	ctx := context.Background()
	for _, t := range targets {
		if err := run(ctx, *command, t.name, t.dsn, t.dir); err != nil {
			fmt.Fprintf(os.Stderr, "%s store: %v\n", t.name, err)
			os.Exit(1)
		}
	}
}

func run(ctx context.Context, command, name, dsn, dir string) error {
	database, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = database.Close() }()

	if err := database.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}

	fmt.Printf("== %s store ==\n", name)
	migrator := db.NewMigrator(database, dir)

	switch command {
	case "migrate":
		return migrator.Migrate(ctx)
	case "status":
		return migrator.Status(ctx)
	default:
		return fmt.Errorf("unknown command %q: want migrate or status", command)
	}
}
