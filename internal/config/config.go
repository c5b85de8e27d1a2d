package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/resilience"
	"github.com/sells-group/y9c-cli/internal/source"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Tracking   TrackingConfig   `yaml:"tracking" mapstructure:"tracking"`
	Parse      ParseConfig      `yaml:"parse" mapstructure:"parse"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// FetchConfig configures downloads and the raw-archive cache.
type FetchConfig struct {
	CacheDir         string  `yaml:"cache_dir" mapstructure:"cache_dir"`
	ManualDir        string  `yaml:"manual_dir" mapstructure:"manual_dir"`
	UserAgent        string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// SourcesConfig configures provider selection and URL templates.
type SourcesConfig struct {
	Cutover            string `yaml:"cutover" mapstructure:"cutover"`
	NICURL             string `yaml:"nic_url" mapstructure:"nic_url"`
	ChicagoURL         string `yaml:"chicago_url" mapstructure:"chicago_url"`
	PublicationLagDays int    `yaml:"publication_lag_days" mapstructure:"publication_lag_days"`
}

// TrackingConfig is the institution and metric scope.
type TrackingConfig struct {
	RSSDIDs     []int64 `yaml:"rssd_ids" mapstructure:"rssd_ids"`
	MetricsFile string  `yaml:"metrics_file" mapstructure:"metrics_file"`
	StartYear   int     `yaml:"start_year" mapstructure:"start_year"`
}

// ParseConfig tunes the record parsers.
type ParseConfig struct {
	MaxSkipRatio float64 `yaml:"max_skip_ratio" mapstructure:"max_skip_ratio"`
}

// ServerConfig configures the read API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures post-run alerting.
type MonitoringConfig struct {
	WebhookURL         string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	StaleQuarters      int     `yaml:"stale_quarters" mapstructure:"stale_quarters"`
	SkipRatioThreshold float64 `yaml:"skip_ratio_threshold" mapstructure:"skip_ratio_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("Y9C")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/y9c.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("fetch.cache_dir", "data/raw")
	v.SetDefault("fetch.manual_dir", "data/manual_downloads")
	v.SetDefault("fetch.user_agent", "y9c-cli/1.0 (FR Y-9C bulk loader)")
	v.SetDefault("fetch.timeout_secs", 120)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.initial_backoff_ms", 1000)
	v.SetDefault("fetch.max_backoff_ms", 30000)
	v.SetDefault("fetch.rate_per_sec", 1.0)
	v.SetDefault("sources.cutover", source.DefaultCutover.String())
	v.SetDefault("sources.nic_url", source.DefaultNICURL)
	v.SetDefault("sources.chicago_url", source.DefaultChicagoURL)
	v.SetDefault("sources.publication_lag_days", 60)
	v.SetDefault("tracking.rssd_ids", []int64{1447376})
	v.SetDefault("tracking.metrics_file", "")
	v.SetDefault("tracking.start_year", 2000)
	v.SetDefault("parse.max_skip_ratio", 0.05)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.stale_quarters", 1)
	v.SetDefault("monitoring.skip_ratio_threshold", 0.01)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks value ranges. Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Store.Driver) {
	case "", "sqlite":
	case "postgres", "postgresql", "pgx":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	if c.Fetch.CacheDir == "" {
		errs = append(errs, "fetch.cache_dir is required")
	}
	if c.Fetch.TimeoutSecs <= 0 {
		errs = append(errs, "fetch.timeout_secs must be > 0")
	}
	if c.Fetch.MaxAttempts < 1 || c.Fetch.MaxAttempts > 20 {
		errs = append(errs, "fetch.max_attempts must be between 1 and 20")
	}
	if c.Fetch.InitialBackoffMs < 0 || c.Fetch.MaxBackoffMs < c.Fetch.InitialBackoffMs {
		errs = append(errs, "fetch backoff must satisfy 0 <= initial_backoff_ms <= max_backoff_ms")
	}
	if c.Fetch.RatePerSec <= 0 {
		errs = append(errs, "fetch.rate_per_sec must be > 0")
	}

	if _, err := period.Parse(c.Sources.Cutover); err != nil {
		errs = append(errs, "sources.cutover: "+err.Error())
	}
	if c.Sources.NICURL == "" || c.Sources.ChicagoURL == "" {
		errs = append(errs, "sources.nic_url and sources.chicago_url are required")
	}
	if c.Sources.PublicationLagDays < 0 || c.Sources.PublicationLagDays > 365 {
		errs = append(errs, "sources.publication_lag_days must be between 0 and 365")
	}

	if len(c.Tracking.RSSDIDs) == 0 {
		errs = append(errs, "tracking.rssd_ids must list at least one institution")
	}
	for _, id := range c.Tracking.RSSDIDs {
		if id <= 0 {
			errs = append(errs, "tracking.rssd_ids must be positive")
			break
		}
	}
	if c.Tracking.StartYear < 1986 || c.Tracking.StartYear > 2100 {
		errs = append(errs, "tracking.start_year must be between 1986 and 2100")
	}

	if c.Parse.MaxSkipRatio < 0 || c.Parse.MaxSkipRatio > 1 {
		errs = append(errs, "parse.max_skip_ratio must be between 0 and 1")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be > 0 and <= 65535")
	}

	if c.Monitoring.StaleQuarters < 0 {
		errs = append(errs, "monitoring.stale_quarters must be >= 0")
	}
	if c.Monitoring.SkipRatioThreshold < 0 || c.Monitoring.SkipRatioThreshold > 1 {
		errs = append(errs, "monitoring.skip_ratio_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Cutover returns the parsed provider cutover, DefaultCutover when unset.
func (c *Config) Cutover() period.Period {
	p, err := period.Parse(c.Sources.Cutover)
	if err != nil {
		return source.DefaultCutover
	}
	return p
}

// URLs returns the provider URL templates.
func (c *Config) URLs() source.URLs {
	return source.URLs{NIC: c.Sources.NICURL, Chicago: c.Sources.ChicagoURL}
}

// Retry returns the archive download retry policy. Unset values keep the
// resilience defaults.
func (c *Config) Retry() resilience.RetryConfig {
	r := resilience.DefaultRetryConfig()
	if c.Fetch.MaxAttempts > 0 {
		r.MaxAttempts = c.Fetch.MaxAttempts
	}
	if c.Fetch.InitialBackoffMs > 0 {
		r.InitialBackoff = time.Duration(c.Fetch.InitialBackoffMs) * time.Millisecond
	}
	if c.Fetch.MaxBackoffMs > 0 {
		r.MaxBackoff = time.Duration(c.Fetch.MaxBackoffMs) * time.Millisecond
	}
	return r
}

// Timeout returns the per-request HTTP timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSecs) * time.Second
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
