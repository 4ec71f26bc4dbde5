package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig                  `mapstructure:"app"`
	LedgerDB   DatabaseConfig             `mapstructure:"ledger_db"`
	AnalysisDB DatabaseConfig             `mapstructure:"analysis_db"`
	Redis      RedisConfig                `mapstructure:"redis"`
	Provider   ProviderConfig             `mapstructure:"provider"`
	Vault      VaultConfig                `mapstructure:"vault"`
	Validator  ValidatorConfig            `mapstructure:"validator"`
	Analysis   AnalysisConfig             `mapstructure:"analysis"`
	Thresholds Thresholds                 `mapstructure:"thresholds"`
	Timeframes map[string]TimeframeConfig `mapstructure:"timeframes"`
	API        APIConfig                  `mapstructure:"api"`
	Monitoring MonitoringConfig           `mapstructure:"monitoring"`

	// ConfigFile is the resolved path of the file this configuration was
	// loaded from, empty when running on defaults and environment only.
	// Worker subprocesses are spawned with it so both sides resolve the
	// same settings.
	ConfigFile string `mapstructure:"-"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings for one of the two stores
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings for the market-info cache
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	CacheTTL int    `mapstructure:"cache_ttl"` // seconds
}

// ProviderConfig contains market-data provider settings.
// Active is one of "hyperliquid" or "gateio"; switching is an explicit user
// action, never done implicitly or on error.
type ProviderConfig struct {
	Active            string  `mapstructure:"active"`
	BaseURL           string  `mapstructure:"base_url"`
	ConnectTimeout    int     `mapstructure:"connect_timeout"`    // seconds
	DataProbeTimeout  int     `mapstructure:"data_probe_timeout"` // seconds
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// VaultConfig contains secret-store settings
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	SecretPath string `mapstructure:"secret_path"`
}

// ValidatorConfig contains early-fail validator settings
type ValidatorConfig struct {
	TotalBudget         int      `mapstructure:"total_budget"`     // seconds, whole battery
	CheckTimeout        int      `mapstructure:"check_timeout"`    // seconds, per API-bound check
	QualityProbeTimeout int      `mapstructure:"quality_probe"`    // seconds, data-quality probe
	RequiredDays        int      `mapstructure:"required_days"`    // historical reach
	MinCompleteness     float64  `mapstructure:"min_completeness"` // fraction over last 30d at 1h
	MaxCPUPercent       float64  `mapstructure:"max_cpu_percent"`
	MaxMemoryPercent    float64  `mapstructure:"max_memory_percent"`
	MinFreeDiskGiB      float64  `mapstructure:"min_free_disk_gib"`
	AllowedExchanges    []string `mapstructure:"allowed_exchanges"`
}

// AnalysisConfig contains pipeline-wide settings
type AnalysisConfig struct {
	MaxWorkers        int     `mapstructure:"max_workers"`      // cap, also bounded by NumCPU
	EvaluationCap     int     `mapstructure:"evaluation_cap"`   // hard ceiling per task
	TargetCoverage    float64 `mapstructure:"target_coverage"`  // fraction of candidate timepoints
	CancelGraceSecs   int     `mapstructure:"cancel_grace_secs"`
	ProgressDir       string  `mapstructure:"progress_dir"`     // snapshot files root
	BlobDir           string  `mapstructure:"blob_dir"`         // compressed trade blobs root
	WorkerBinary      string  `mapstructure:"worker_binary"`    // path to levscan-worker
	ReferenceSymbol   string  `mapstructure:"reference_symbol"` // correlated reference series
	PriceDriftMaxFrac float64 `mapstructure:"price_drift_max"`  // price-consistency bound
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("LEVSCAN")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// The sentinel "use_default" resolves against the central defaults at
	// load time; no other file may hardcode a default.
	resolveSentinels(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate performs structural validation of the loaded configuration
func (c *Config) Validate() error {
	if c.Provider.Active != "hyperliquid" && c.Provider.Active != "gateio" {
		return fmt.Errorf("provider.active must be hyperliquid or gateio, got %q", c.Provider.Active)
	}
	if c.Analysis.TargetCoverage <= 0 || c.Analysis.TargetCoverage > 1 {
		return fmt.Errorf("analysis.target_coverage must be in (0, 1], got %f", c.Analysis.TargetCoverage)
	}
	if c.Analysis.EvaluationCap <= 0 {
		return fmt.Errorf("analysis.evaluation_cap must be positive, got %d", c.Analysis.EvaluationCap)
	}
	if c.Validator.RequiredDays <= 0 {
		return fmt.Errorf("validator.required_days must be positive, got %d", c.Validator.RequiredDays)
	}
	if c.LedgerDB.Database == c.AnalysisDB.Database &&
		c.LedgerDB.Host == c.AnalysisDB.Host && c.LedgerDB.Port == c.AnalysisDB.Port {
		return fmt.Errorf("ledger_db and analysis_db must be distinct databases")
	}
	return nil
}

// EffectiveMaxWorkers bounds the configured cap by host CPU count
func (c *AnalysisConfig) EffectiveMaxWorkers() int {
	n := c.MaxWorkers
	if cpus := runtime.NumCPU(); n <= 0 || n > cpus {
		n = cpus
	}
	return n
}

// setDefaults is the central defaults table: the single source of truth for
// every otherwise-unspecified threshold in the system.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "levscan")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Ledger database defaults
	v.SetDefault("ledger_db.host", "localhost")
	v.SetDefault("ledger_db.port", 5432)
	v.SetDefault("ledger_db.user", "postgres")
	v.SetDefault("ledger_db.database", "levscan_ledger")
	v.SetDefault("ledger_db.ssl_mode", "disable")
	v.SetDefault("ledger_db.pool_size", 10)

	// Analysis store defaults
	v.SetDefault("analysis_db.host", "localhost")
	v.SetDefault("analysis_db.port", 5432)
	v.SetDefault("analysis_db.user", "postgres")
	v.SetDefault("analysis_db.database", "levscan_analysis")
	v.SetDefault("analysis_db.ssl_mode", "disable")
	v.SetDefault("analysis_db.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 60)

	// Provider defaults
	v.SetDefault("provider.active", "hyperliquid")
	v.SetDefault("provider.connect_timeout", 10)
	v.SetDefault("provider.data_probe_timeout", 30)
	v.SetDefault("provider.requests_per_second", 5.0)

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.secret_path", "secret/data/levscan/provider")

	// Validator defaults
	v.SetDefault("validator.total_budget", 120)
	v.SetDefault("validator.check_timeout", 10)
	v.SetDefault("validator.quality_probe", 30)
	v.SetDefault("validator.required_days", 90)
	v.SetDefault("validator.min_completeness", 0.95)
	v.SetDefault("validator.max_cpu_percent", 85.0)
	v.SetDefault("validator.max_memory_percent", 85.0)
	v.SetDefault("validator.min_free_disk_gib", 2.0)
	v.SetDefault("validator.allowed_exchanges", []string{"hyperliquid", "gateio"})

	// Analysis defaults
	v.SetDefault("analysis.max_workers", 8)
	v.SetDefault("analysis.evaluation_cap", 5000)
	v.SetDefault("analysis.target_coverage", 0.80)
	v.SetDefault("analysis.cancel_grace_secs", 30)
	v.SetDefault("analysis.progress_dir", "./data/progress")
	v.SetDefault("analysis.blob_dir", "./data/blobs")
	v.SetDefault("analysis.worker_binary", "./bin/levscan-worker")
	v.SetDefault("analysis.reference_symbol", "BTC")
	v.SetDefault("analysis.price_drift_max", 0.05)

	// Entry-condition thresholds: the base of the resolution chain
	// user override -> strategy -> timeframe -> these values.
	v.SetDefault("thresholds.min_leverage", 2.0)
	v.SetDefault("thresholds.min_confidence", 0.3)
	v.SetDefault("thresholds.min_risk_reward", 1.2)
	v.SetDefault("thresholds.min_support_strength", 0.5)
	v.SetDefault("thresholds.min_resistance_strength", 0.5)
	v.SetDefault("thresholds.min_volume", 1000.0)
	v.SetDefault("thresholds.max_spread_pct", 0.5)
	v.SetDefault("thresholds.min_liquidity_score", 0.3)
	v.SetDefault("thresholds.volatility_min", 0.005)
	v.SetDefault("thresholds.volatility_max", 0.12)
	v.SetDefault("thresholds.max_risk_level", 0.7)
	v.SetDefault("thresholds.min_profit_probability", 0.45)
	v.SetDefault("thresholds.max_loss_pct", 10.0)
	v.SetDefault("thresholds.level_min_distance_pct", 0.3)
	v.SetDefault("thresholds.level_max_distance_pct", 8.0)

	// Per-timeframe bundles: historical lookback and evaluation step
	// expressed as a multiple of the candle interval.
	v.SetDefault("timeframes.1m.window_days", 7)
	v.SetDefault("timeframes.1m.step_candles", 15)
	v.SetDefault("timeframes.3m.window_days", 14)
	v.SetDefault("timeframes.3m.step_candles", 10)
	v.SetDefault("timeframes.5m.window_days", 21)
	v.SetDefault("timeframes.5m.step_candles", 6)
	v.SetDefault("timeframes.15m.window_days", 30)
	v.SetDefault("timeframes.15m.step_candles", 4)
	v.SetDefault("timeframes.30m.window_days", 45)
	v.SetDefault("timeframes.30m.step_candles", 2)
	v.SetDefault("timeframes.1h.window_days", 90)
	v.SetDefault("timeframes.1h.step_candles", 4)
	v.SetDefault("timeframes.4h.window_days", 180)
	v.SetDefault("timeframes.4h.step_candles", 1)
	v.SetDefault("timeframes.1d.window_days", 365)
	v.SetDefault("timeframes.1d.step_candles", 1)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectTimeoutDuration returns the provider connection timeout
func (c *ProviderConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// DataProbeTimeoutDuration returns the data-quality probe timeout
func (c *ProviderConfig) DataProbeTimeoutDuration() time.Duration {
	return time.Duration(c.DataProbeTimeout) * time.Second
}

// CancelGrace returns the cooperative-cancellation grace window
func (c *AnalysisConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSecs) * time.Second
}
