// levscan is the long-running server: it hosts the submission API, the
// early-fail validator, the task planner and the worker pool, and exposes
// Prometheus metrics on a separate port.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/levscan/internal/api"
	"github.com/tradeforge/levscan/internal/config"
	"github.com/tradeforge/levscan/internal/db"
	"github.com/tradeforge/levscan/internal/ledger"
	"github.com/tradeforge/levscan/internal/market"
	"github.com/tradeforge/levscan/internal/metrics"
	"github.com/tradeforge/levscan/internal/planner"
	"github.com/tradeforge/levscan/internal/pool"
	"github.com/tradeforge/levscan/internal/provider"
	"github.com/tradeforge/levscan/internal/store"
	"github.com/tradeforge/levscan/internal/strategy"
	"github.com/tradeforge/levscan/internal/validator"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadSecrets(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load secrets")
	}

	ledgerDB, err := db.New(ctx, "ledger", cfg.LedgerDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ledger database")
	}
	defer ledgerDB.Close()

	analysisDB, err := db.New(ctx, "analysis", cfg.AnalysisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to analysis database")
	}
	defer analysisDB.Close()

	redisClient := connectRedis(ctx, cfg)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}
	cache := market.NewCache(redisClient, time.Duration(cfg.Redis.CacheTTL)*time.Second)

	prov, err := buildProvider(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build data provider")
	}
	dataProvider := market.NewCachingProvider(provider.WithMetrics(prov), cache)

	ledgerRepo := ledger.NewRepoWithPool(ledgerDB.Pool())
	storeRepo := store.NewRepoWithPool(analysisDB.Pool())

	if err := seedCatalog(ctx, storeRepo, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed strategy catalog")
	}

	symbolValidator := validator.New(cfg.Validator, dataProvider,
		ledgerDB.Pool(), analysisDB.Pool(), nil, config.NewLogger("validator"))
	taskPlanner := planner.New(storeRepo, config.NewLogger("planner"))
	workerPool := pool.New(cfg, ledgerRepo, storeRepo, config.NewLogger("pool"))

	health := []api.HealthCheck{
		{Name: "ledger_db", Probe: ledgerDB.Health},
		{Name: "analysis_db", Probe: analysisDB.Health},
		{Name: "provider", Probe: dataProvider.Ping},
	}
	if redisClient != nil {
		health = append(health, api.HealthCheck{Name: "redis", Probe: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	server := api.NewServer(api.Config{
		Host:         cfg.API.Host,
		Port:         cfg.API.Port,
		Ledger:       ledgerRepo,
		Tasks:        storeRepo,
		Validator:    symbolValidator,
		Planner:      taskPlanner,
		Runner:       workerPool,
		ProgressRoot: cfg.Analysis.ProgressDir,
		Health:       health,
		Middleware:   []gin.HandlerFunc{metrics.GinMiddleware()},
		Logger:       config.NewLogger("api"),
	})

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, log.Logger)
		if err := metricsServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
	}

	serverErrors := make(chan error, 1)
	go func() { serverErrors <- server.Start() }()

	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("API server error")
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop API server gracefully")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server gracefully")
		}
	}
	log.Info().Msg("Server stopped")
}

// connectRedis returns a verified client or nil; the market cache is optional
// and a missing Redis only costs repeated provider lookups
func connectRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.GetRedisAddr()).
			Msg("Redis unavailable, market-info caching disabled")
		_ = client.Close()
		return nil
	}
	return client
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

// seedCatalog upserts one active default row per (base kind, timeframe) so
// default-mode planning is the full cross product by construction
func seedCatalog(ctx context.Context, repo *store.Repo, cfg *config.Config) error {
	timeframes := make([]string, 0, len(cfg.Timeframes))
	for tf := range cfg.Timeframes {
		timeframes = append(timeframes, tf)
	}
	sort.Strings(timeframes)

	seeded := 0
	for _, tf := range timeframes {
		for _, kind := range strategy.BaseKinds {
			s := strategy.NewDefault("default_"+string(kind), kind, tf)
			if err := repo.UpsertStrategy(ctx, s); err != nil {
				return fmt.Errorf("failed to seed %s/%s: %w", kind, tf, err)
			}
			seeded++
		}
	}
	log.Info().Int("strategies", seeded).Msg("Strategy catalog seeded")
	return nil
}
