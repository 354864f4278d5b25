package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"mktcast/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Source    SourceConfig    `mapstructure:"source"`
	Estimator EstimatorConfig `mapstructure:"estimator"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Export    ExportConfig    `mapstructure:"export"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN              string        `mapstructure:"dsn"`
	MaxOpenConns     int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout" validate:"gte=0"`
}

// SchedulerConfig governs pipeline cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	Offset          time.Duration `mapstructure:"offset" validate:"gte=0"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay" validate:"gte=0"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
}

// SourceConfig captures market-data connectivity.
type SourceConfig struct {
	Kind           string        `mapstructure:"kind" validate:"oneof=yahoo"`
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// EstimatorConfig selects the estimation capability.
type EstimatorConfig struct {
	Kind           string        `mapstructure:"kind" validate:"oneof=http naive"`
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
	Model          string        `mapstructure:"model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	Attempts       int           `mapstructure:"attempts" validate:"gte=1,lte=10"`
	Backoff        time.Duration `mapstructure:"backoff" validate:"gte=0"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// PipelineConfig chooses which identities the pipeline processes.
type PipelineConfig struct {
	Symbols       []string `mapstructure:"symbols" validate:"dive,required"`
	LookbackDays  int      `mapstructure:"lookback_days" validate:"gt=0"`
	HistoryDays   int      `mapstructure:"history_days" validate:"gt=0"`
	HorizonDays   int      `mapstructure:"horizon_days" validate:"gt=0"`
	Workers       int      `mapstructure:"workers" validate:"gte=1,lte=64"`
	FetchBatch    int      `mapstructure:"fetch_batch" validate:"gte=1,lte=50"`
	ChunkSize     int      `mapstructure:"chunk_size" validate:"gte=1,lte=5000"`
	TieBreak      string   `mapstructure:"tie_break" validate:"oneof=latest_write latest_trained model_priority"`
	ModelPriority []string `mapstructure:"model_priority"`
	LockKey       int64    `mapstructure:"consolidate_lock_key"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path" validate:"startswith=/"`
	Namespace  string `mapstructure:"namespace"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MKTCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Pipeline.Symbols = normalizeSymbols(cfg.Pipeline.Symbols)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mktcast")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.offset", "22h")
	v.SetDefault("scheduler.run_immediately", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d6b7463))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("source.kind", "yahoo")
	v.SetDefault("source.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("source.request_timeout", "10s")
	v.SetDefault("source.user_agent", "mktcast/1.0")

	v.SetDefault("estimator.kind", "naive")
	v.SetDefault("estimator.base_url", "")
	v.SetDefault("estimator.model", "")
	v.SetDefault("estimator.request_timeout", "30s")
	v.SetDefault("estimator.attempts", 3)
	v.SetDefault("estimator.backoff", "500ms")
	v.SetDefault("estimator.user_agent", "mktcast/1.0")

	v.SetDefault("pipeline.symbols", []string{})
	v.SetDefault("pipeline.lookback_days", 7)
	v.SetDefault("pipeline.history_days", 365)
	v.SetDefault("pipeline.horizon_days", 5)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.fetch_batch", 5)
	v.SetDefault("pipeline.chunk_size", 500)
	v.SetDefault("pipeline.tie_break", "latest_write")
	v.SetDefault("pipeline.model_priority", []string{})
	v.SetDefault("pipeline.consolidate_lock_key", int64(0x6d6b7463+1))

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9102")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "mktcast")

	// keys only set through the environment must still be known to viper
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.statement_timeout", "60s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Estimator.Kind == "http" {
		if c.Estimator.BaseURL == "" {
			return fmt.Errorf("estimator.base_url is required for the http estimator")
		}
		if c.Estimator.Model == "" {
			return fmt.Errorf("estimator.model is required for the http estimator")
		}
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	if c.Pipeline.TieBreak == "model_priority" && len(c.Pipeline.ModelPriority) == 0 {
		return fmt.Errorf("pipeline.model_priority must list at least one model when tie_break is model_priority")
	}
	if c.Pipeline.LockKey != 0 && c.Pipeline.LockKey == c.Scheduler.AdvisoryLockKey {
		return fmt.Errorf("pipeline.consolidate_lock_key must differ from scheduler.advisory_lock_key")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveSymbols returns the CLI override when given, else the configured set.
func (c *Config) ResolveSymbols(override []string) []string {
	if syms := normalizeSymbols(override); len(syms) > 0 {
		return syms
	}
	return c.Pipeline.Symbols
}
