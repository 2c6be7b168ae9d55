// Package config loads the materializer configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"feature-materializer/internal/domain"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig          `yaml:"database"`
	Redis    RedisConfig             `yaml:"redis"`
	Engine   EngineConfig            `yaml:"engine"`
	Commit   CommitConfig            `yaml:"commit"`
	Backfill BackfillConfig          `yaml:"backfill"`
	HTTP     HTTPConfig              `yaml:"http"`
	Sources  map[string]SourceConfig `yaml:"sources"`
}

// DatabaseConfig holds store connection settings.
type DatabaseConfig struct {
	PostgresDSN   string        `yaml:"postgres_dsn"`
	ClickhouseDSN string        `yaml:"clickhouse_dsn"`
	MaxConns      int32         `yaml:"max_conns"`
	MinConns      int32         `yaml:"min_conns"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	Migrate       bool          `yaml:"migrate"`
}

// RedisConfig configures the cycle summary stream. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// EngineConfig configures the incremental cycle.
type EngineConfig struct {
	Granularity    string        `yaml:"granularity"`
	WindowSize     int           `yaml:"window_size"`
	BandK          float64       `yaml:"band_k"`
	Workers        int           `yaml:"workers"`
	PageSize       int           `yaml:"page_size"`
	Schedule       string        `yaml:"schedule"`
	SoftDeadline   time.Duration `yaml:"soft_deadline"`
	SymbolTimeout  time.Duration `yaml:"symbol_timeout"`
	AlertThreshold int           `yaml:"alert_threshold"`
}

// CommitConfig configures the batch commit manager.
type CommitConfig struct {
	Threshold      int           `yaml:"threshold"`
	TimeBudget     time.Duration `yaml:"time_budget"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// BackfillConfig configures the reconciliation pass.
type BackfillConfig struct {
	Schedule string        `yaml:"schedule"`
	Lookback time.Duration `yaml:"lookback"`
	Chunk    time.Duration `yaml:"chunk"`
	Workers  int           `yaml:"workers"`
}

// HTTPConfig configures the trigger and health API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SourceConfig describes where a source store keeps its rows.
type SourceConfig struct {
	Table        string `yaml:"table"`
	SymbolColumn string `yaml:"symbol_column"`
	TimeColumn   string `yaml:"time_column"`
	TimeFormat   string `yaml:"time_format"`
	Enabled      *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the source should be read. Sources are enabled unless set false.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Source returns the configuration of one source.
func (c *Config) Source(src domain.Source) SourceConfig {
	return c.Sources[string(src)]
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadAndValidate loads config (defaults only when path is empty), applies
// defaults and environment overrides, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration holding only default values.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	c.Database.PostgresDSN = Env("POSTGRES_DSN", c.Database.PostgresDSN)
	c.Database.ClickhouseDSN = Env("CLICKHOUSE_DSN", c.Database.ClickhouseDSN)
	c.Redis.Addr = Env("REDIS_ADDR", c.Redis.Addr)
	c.HTTP.Addr = Env("HTTP_ADDR", c.HTTP.Addr)
	c.Engine.Workers = EnvInt("ENGINE_WORKERS", c.Engine.Workers)
	c.Engine.SoftDeadline = EnvDuration("ENGINE_SOFT_DEADLINE", c.Engine.SoftDeadline)
	c.Database.LockTimeout = EnvDuration("LOCK_TIMEOUT", c.Database.LockTimeout)
}
