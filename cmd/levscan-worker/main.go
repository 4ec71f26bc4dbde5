// levscan-worker runs exactly one analysis task and exits. The pool reads
// the exit code: 0 task finished (completed or skipped clean), 2 cancelled
// cooperatively, 1 rejected input, 3 internal failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/db"
	"github.com/tradeforge/levscan/internal/errs"
	"github.com/tradeforge/levscan/internal/ledger"
	"github.com/tradeforge/levscan/internal/provider"
	"github.com/tradeforge/levscan/internal/recorder"
	"github.com/tradeforge/levscan/internal/store"
	"github.com/tradeforge/levscan/internal/worker"
)

const (
	exitSuccess   = 0
	exitRejected  = 1
	exitCancelled = 2
	exitInternal  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	executionID := flag.String("execution-id", "", "Owning execution id")
	taskID := flag.Int64("task-id", 0, "Analysis task id to run")
	symbol := flag.String("symbol", "", "Instrument symbol")
	totalTasks := flag.Int("total-tasks", 0, "Task count of the execution, for progress weighting")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *executionID == "" || *taskID == 0 || *symbol == "" {
		fmt.Fprintln(os.Stderr, "usage: levscan-worker --execution-id ID --task-id N --symbol SYM --total-tasks N")
		return exitRejected
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitInternal
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewExecutionLogger("worker", *executionID)

	// The analysis mode crosses the process boundary via environment and is
	// never defaulted; a missing value is a bug in the parent.
	mode, err := worker.ParseAnalysisMode(os.Getenv(worker.EnvAnalysisMode))
	if err != nil {
		logger.Error().Err(err).Msg("Invalid analysis mode")
		return exitRejected
	}
	filterParams, err := worker.DecodeFilterParams(os.Getenv(worker.EnvFilterParams))
	if err != nil {
		logger.Error().Err(err).Msg("Invalid filter params")
		return exitRejected
	}
	period, err := worker.DecodePeriod(os.Getenv(worker.EnvPeriod))
	if err != nil {
		logger.Error().Err(err).Msg("Invalid analysis period")
		return exitRejected
	}

	ctx := context.Background()
	if err := config.LoadSecrets(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("Failed to load secrets")
		return exitInternal
	}

	ledgerDB, err := db.New(ctx, "ledger", cfg.LedgerDB)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to ledger database")
		return exitInternal
	}
	defer ledgerDB.Close()

	analysisDB, err := db.New(ctx, "analysis", cfg.AnalysisDB)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to analysis database")
		return exitInternal
	}
	defer analysisDB.Close()

	prov, err := buildProvider(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build data provider")
		return exitInternal
	}

	ledgerRepo := ledger.NewRepoWithPool(ledgerDB.Pool())
	storeRepo := store.NewRepoWithPool(analysisDB.Pool())
	rec := recorder.New(storeRepo, cfg.Analysis.BlobDir, logger)

	w := worker.New(cfg, ledgerRepo, storeRepo, rec, provider.WithMetrics(prov), logger)

	started := time.Now()
	err = w.RunTask(ctx, worker.Options{
		ExecutionID:  *executionID,
		TaskID:       *taskID,
		Symbol:       *symbol,
		Mode:         mode,
		FilterParams: filterParams,
		Period:       period,
		TotalTasks:   *totalTasks,
	})
	elapsed := time.Since(started)

	switch {
	case err == nil:
		logger.Info().Dur("elapsed", elapsed).Msg("Task finished")
		return exitSuccess
	case errors.Is(err, worker.ErrCancelled):
		logger.Info().Dur("elapsed", elapsed).Msg("Task cancelled")
		return exitCancelled
	case errs.Is(err, errs.KindValidation), errs.Is(err, errs.KindInsufficientConfiguration):
		logger.Error().Err(err).Msg("Task rejected")
		return exitRejected
	default:
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Task failed")
		return exitInternal
	}
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider.Active {
	case "hyperliquid":
		return provider.NewHyperliquid(cfg.Provider.BaseURL,
			cfg.Provider.ConnectTimeoutDuration(), cfg.Provider.RequestsPerSecond), nil
	case "gateio":
		return provider.NewGateio(cfg.Provider.BaseURL,
			cfg.Provider.ConnectTimeoutDuration(), cfg.Provider.RequestsPerSecond), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Active)
	}
}
