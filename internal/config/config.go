package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"metrics-pipeline/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	API        APIConfig        `mapstructure:"api"`
	Export     ExportConfig     `mapstructure:"export"`
	Feeds      []FeedConfig     `mapstructure:"feeds"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs cycle triggering and gap repair.
type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	GapLookback     time.Duration `mapstructure:"gap_lookback"`
	GapScanInterval time.Duration `mapstructure:"gap_scan_interval"`
	MaxWorkers      int           `mapstructure:"max_workers"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupGapScan  bool          `mapstructure:"startup_gap_scan"`
}

// RateLimitConfig tunes the shared outbound admission gate.
type RateLimitConfig struct {
	Capacity   int     `mapstructure:"capacity"`
	RefillRate float64 `mapstructure:"refill_per_second"`
}

// NormalizerConfig points at the metric rules file.
type NormalizerConfig struct {
	RulesPath string `mapstructure:"rules_path"`
}

// APIConfig configures the read-only query service.
type APIConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	APIKey          string        `mapstructure:"api_key"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// FeedConfig declares one external data feed.
type FeedConfig struct {
	Name         string        `mapstructure:"name"`
	Granularity  string        `mapstructure:"granularity"`
	CadenceEvery time.Duration `mapstructure:"cadence_every"`
	CadenceAt    time.Duration `mapstructure:"cadence_at"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKeyEnv    string        `mapstructure:"api_key_env"`
	Domain       string        `mapstructure:"domain"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	Assets       []string      `mapstructure:"assets"`
	Metrics      []string      `mapstructure:"metrics"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METRICSPIPE")
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "metrics-pipeline")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.poll_interval", "30s")
	v.SetDefault("scheduler.gap_lookback", "168h")
	v.SetDefault("scheduler.gap_scan_interval", "6h")
	v.SetDefault("scheduler.max_workers", 4)
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_base_delay", "2s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d657472))
	v.SetDefault("scheduler.startup_gap_scan", true)

	v.SetDefault("rate_limit.capacity", 4)
	v.SetDefault("rate_limit.refill_per_second", 2.0)

	v.SetDefault("normalizer.rules_path", "metric_rules.yaml")

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be greater than zero")
	}
	if c.Scheduler.GapLookback <= 0 {
		return fmt.Errorf("scheduler.gap_lookback must be greater than zero")
	}
	if c.Scheduler.MaxWorkers <= 0 {
		return fmt.Errorf("scheduler.max_workers must be greater than zero")
	}
	if c.Scheduler.RetryAttempts < 1 {
		return fmt.Errorf("scheduler.retry_attempts must be at least 1")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be greater than zero")
	}
	if c.RateLimit.RefillRate <= 0 {
		return fmt.Errorf("rate_limit.refill_per_second must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	seen := make(map[string]struct{}, len(c.Feeds))
	for i := range c.Feeds {
		if err := c.Feeds[i].validate(); err != nil {
			return err
		}
		if _, dup := seen[c.Feeds[i].Name]; dup {
			return fmt.Errorf("feeds: duplicate feed name %q", c.Feeds[i].Name)
		}
		seen[c.Feeds[i].Name] = struct{}{}
	}
	return nil
}

func (f *FeedConfig) validate() error {
	if f.Name == "" {
		return fmt.Errorf("feeds: name is required")
	}
	switch f.Granularity {
	case "hourly", "daily":
	default:
		return fmt.Errorf("feed %s: granularity must be hourly or daily, got %q", f.Name, f.Granularity)
	}
	if f.CadenceEvery <= 0 {
		return fmt.Errorf("feed %s: cadence_every must be greater than zero", f.Name)
	}
	if f.CadenceAt < 0 || f.CadenceAt >= f.CadenceEvery {
		return fmt.Errorf("feed %s: cadence_at must be within [0, cadence_every)", f.Name)
	}
	if f.MaxBatchSize < 0 {
		return fmt.Errorf("feed %s: max_batch_size cannot be negative", f.Name)
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

// Feed returns the feed configuration by name.
func (c *Config) Feed(name string) (FeedConfig, bool) {
	for _, f := range c.Feeds {
		if f.Name == name {
			return f, true
		}
	}
	return FeedConfig{}, false
}
