// Package config loads engine configuration from a YAML file with .env and
// environment-variable overrides. Environment wins over YAML, YAML wins over
// defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Feed        FeedConfig        `yaml:"feed"`
	Strike      StrikeConfig      `yaml:"strike"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// StorageConfig controls ticket persistence. An empty DatabaseURL falls back
// to the in-memory store; RedisURL adds a read-through cache over PostgreSQL.
type StorageConfig struct {
	DatabaseURL     string `yaml:"database_url"`
	RedisURL        string `yaml:"redis_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// FeedConfig controls the market data ingest. With a WebSocketURL the engine
// streams; otherwise it polls the REST endpoints.
type FeedConfig struct {
	WebSocketURL        string `yaml:"websocket_url"`
	TickURL             string `yaml:"tick_url"`
	MarketsURL          string `yaml:"markets_url"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	MaxAgeSeconds       int    `yaml:"max_age_seconds"`
	MaxRequestsPerSec   int    `yaml:"max_requests_per_sec"`
}

// StrikeConfig controls ladder geometry and tradability gates.
type StrikeConfig struct {
	Symbol               string `yaml:"symbol"`
	Increment            string `yaml:"increment"`
	VolumeFloor          int64  `yaml:"volume_floor"`
	AskCeiling           string `yaml:"ask_ceiling"`
	BuildIntervalSeconds int    `yaml:"build_interval_seconds"`
}

// FingerprintConfig controls the fitted-model refresh loop.
type FingerprintConfig struct {
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
}

// RiskConfig controls the position supervisor.
type RiskConfig struct {
	IntervalSeconds int  `yaml:"interval_seconds"`
	AutoClose       bool `yaml:"auto_close"`
}

// ExecutionConfig controls order submission. Paper mode fills locally
// against the latest strike table instead of hitting a venue.
type ExecutionConfig struct {
	Paper             bool  `yaml:"paper"`
	MaxRequestsPerSec int   `yaml:"max_requests_per_sec"`
	MaxPerStrike      int64 `yaml:"max_per_strike"`
	MaxPerSymbol      int64 `yaml:"max_per_symbol"`
}

// LogConfig controls log verbosity.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// Load reads the YAML file at path, loads .env if present, applies
// environment overrides and defaults, and validates. A missing file is not
// an error — the engine can run on env and defaults alone.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Increment returns the strike spacing as a decimal.
func (c *Config) Increment() decimal.Decimal {
	return decimal.RequireFromString(c.Strike.Increment)
}

// AskCeiling returns the tradability ask ceiling as a decimal.
func (c *Config) AskCeiling() decimal.Decimal {
	return decimal.RequireFromString(c.Strike.AskCeiling)
}

// CacheTTL returns the Redis cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Storage.CacheTTLSeconds) * time.Second
}

// FeedMaxAge returns the freshness bound applied to feed data.
func (c *Config) FeedMaxAge() time.Duration {
	return time.Duration(c.Feed.MaxAgeSeconds) * time.Second
}

// PollInterval returns the REST polling cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Feed.PollIntervalSeconds) * time.Second
}

// BuildInterval returns the strike table rebuild cadence.
func (c *Config) BuildInterval() time.Duration {
	return time.Duration(c.Strike.BuildIntervalSeconds) * time.Second
}

// RefreshInterval returns the fingerprint refresh cadence.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Fingerprint.RefreshIntervalSeconds) * time.Second
}

// RiskInterval returns the supervision cycle cadence.
func (c *Config) RiskInterval() time.Duration {
	return time.Duration(c.Risk.IntervalSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("FEED_WS_URL"); v != "" {
		cfg.Feed.WebSocketURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PAPER_TRADING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Execution.Paper = b
		}
	}
	if v := os.Getenv("RISK_AUTO_CLOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Risk.AutoClose = b
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Storage.CacheTTLSeconds <= 0 {
		cfg.Storage.CacheTTLSeconds = 30
	}
	if cfg.Feed.PollIntervalSeconds <= 0 {
		cfg.Feed.PollIntervalSeconds = 5
	}
	if cfg.Feed.MaxAgeSeconds <= 0 {
		cfg.Feed.MaxAgeSeconds = 30
	}
	if cfg.Feed.MaxRequestsPerSec <= 0 {
		cfg.Feed.MaxRequestsPerSec = 5
	}
	if cfg.Strike.Symbol == "" {
		cfg.Strike.Symbol = "BTCUSD"
	}
	if cfg.Strike.Increment == "" {
		cfg.Strike.Increment = "250"
	}
	if cfg.Strike.VolumeFloor <= 0 {
		cfg.Strike.VolumeFloor = 100
	}
	if cfg.Strike.AskCeiling == "" {
		cfg.Strike.AskCeiling = "0.95"
	}
	if cfg.Strike.BuildIntervalSeconds <= 0 {
		cfg.Strike.BuildIntervalSeconds = 5
	}
	if cfg.Fingerprint.RefreshIntervalSeconds <= 0 {
		cfg.Fingerprint.RefreshIntervalSeconds = 300
	}
	if cfg.Risk.IntervalSeconds <= 0 {
		cfg.Risk.IntervalSeconds = 10
	}
	if cfg.Execution.MaxRequestsPerSec <= 0 {
		cfg.Execution.MaxRequestsPerSec = 2
	}
	if cfg.Execution.MaxPerStrike <= 0 {
		cfg.Execution.MaxPerStrike = 100
	}
	if cfg.Execution.MaxPerSymbol <= 0 {
		cfg.Execution.MaxPerSymbol = 500
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if _, err := decimal.NewFromString(c.Strike.Increment); err != nil {
		return fmt.Errorf("config: strike.increment %q: %w", c.Strike.Increment, err)
	}
	if _, err := decimal.NewFromString(c.Strike.AskCeiling); err != nil {
		return fmt.Errorf("config: strike.ask_ceiling %q: %w", c.Strike.AskCeiling, err)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}

// SlogLevel maps the configured level string onto slog's scale.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
