package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration, read once at startup.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Trestle TrestleConfig `yaml:"trestle" mapstructure:"trestle"`
	Budget  BudgetConfig  `yaml:"budget" mapstructure:"budget"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Engine  EngineConfig  `yaml:"engine" mapstructure:"engine"`
	Pricing PricingConfig `yaml:"pricing" mapstructure:"pricing"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// TrestleConfig holds skip-trace provider API settings.
type TrestleConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the provider call timeout as a duration.
func (c TrestleConfig) Timeout() time.Duration {
	secs := c.TimeoutSecs
	if secs <= 0 {
		secs = 15
	}
	return time.Duration(secs) * time.Second
}

// BudgetConfig configures the spend guardrail.
type BudgetConfig struct {
	DailyCapCents  int64   `yaml:"daily_cap_cents" mapstructure:"daily_cap_cents"`
	CallsPerSecond float64 `yaml:"calls_per_second" mapstructure:"calls_per_second"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	TTLDays int `yaml:"ttl_days" mapstructure:"ttl_days"`
}

// TTL returns the cache validity window as a duration.
func (c CacheConfig) TTL() time.Duration {
	days := c.TTLDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// EngineConfig configures run execution.
type EngineConfig struct {
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	PollIntervalMs   int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// PricingConfig holds per-provider lookup pricing.
type PricingConfig struct {
	RatesFile string `yaml:"rates_file" mapstructure:"rates_file"`
	// LookupCents is the fallback flat price when no rates file is set.
	LookupCents int64 `yaml:"lookup_cents" mapstructure:"lookup_cents"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("SKIPTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("trestle.base_url", "https://api.trestleiq.com")
	v.SetDefault("trestle.timeout_secs", 15)
	v.SetDefault("budget.daily_cap_cents", 10000)
	v.SetDefault("budget.calls_per_second", 5)
	v.SetDefault("budget.burst", 5)
	v.SetDefault("cache.ttl_days", 7)
	v.SetDefault("engine.concurrency", 4)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.initial_backoff_ms", 500)
	v.SetDefault("engine.poll_interval_ms", 250)
	v.SetDefault("pricing.lookup_cents", 7)

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

// Validate checks that required settings are present for the given mode.
func (c *Config) Validate(mode string) error {
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		return eris.Errorf("config: unsupported store driver: %s", c.Store.Driver)
	}
	if mode == "trace" {
		if c.Trestle.Key == "" {
			return eris.New("config: trestle API key is required (SKIPTRACE_TRESTLE_KEY)")
		}
		if c.Budget.DailyCapCents <= 0 {
			return eris.New("config: budget.daily_cap_cents must be positive")
		}
	}
	return nil
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
