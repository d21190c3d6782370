// Package config defines all configuration for the risk engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via RISKWATCH_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Venues    VenuesConfig    `mapstructure:"venues"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Bus       BusConfig       `mapstructure:"bus"`
	Store     StoreConfig     `mapstructure:"store"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// VenueConfig holds the endpoints for one exchange. UseDemo routes all REST
// calls to DemoURL instead of BaseURL; the websocket URL is shared.
type VenueConfig struct {
	BaseURL string `mapstructure:"base_url"`
	DemoURL string `mapstructure:"demo_url"`
	UseDemo bool   `mapstructure:"use_demo"`
	WSURL   string `mapstructure:"ws_url"`
}

// VenuesConfig groups per-venue endpoints.
type VenuesConfig struct {
	Futures VenueConfig `mapstructure:"futures"`
	Spot    VenueConfig `mapstructure:"spot"`
}

// FeedConfig controls how balances are observed.
//
//   - PollInterval: balance poll period for clients in polling mode.
//   - StaleThreshold: a feed with no update for this long is considered stalled.
//   - StreamEnabled: prefer the websocket account stream when the venue has one.
type FeedConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	StreamEnabled  bool          `mapstructure:"stream_enabled"`
}

// RiskConfig tunes evaluation and enforcement.
//
//   - WarningFactor: fraction of a threshold at which WARNING status is set.
//   - CloseRetryMax: attempts per close-positions call on transient errors.
//   - CloseRetryBackoff: initial backoff between close retries (doubles per try).
type RiskConfig struct {
	WarningFactor     float64       `mapstructure:"warning_factor"`
	CloseRetryMax     int           `mapstructure:"close_retry_max"`
	CloseRetryBackoff time.Duration `mapstructure:"close_retry_backoff"`
}

// SchedulerConfig controls the daily reset job and the stale-feed detector.
// ResetTime is "HH:MM" in UTC.
type SchedulerConfig struct {
	ResetTime     string        `mapstructure:"reset_time"`
	StaleInterval time.Duration `mapstructure:"stale_interval"`
}

// EngineConfig sizes the processing pipeline.
//
//   - Workers: processing goroutines; each client maps to one by hash.
//   - QueueDepth: bounded per-client update queue.
//   - StopGrace: how long Stop waits for in-flight enforcement to finish.
type EngineConfig struct {
	Workers    int           `mapstructure:"workers"`
	QueueDepth int           `mapstructure:"queue_depth"`
	StopGrace  time.Duration `mapstructure:"stop_grace"`
}

// BusConfig controls notification delivery.
//
//   - MessageTTL: undelivered messages older than this go to the dead-letter table.
//   - MaxAttempts: delivery attempts before dead-lettering.
//   - DispatchInterval: outbox scan period.
type BusConfig struct {
	MessageTTL       time.Duration `mapstructure:"message_ttl"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
}

// StoreConfig sets where account state is persisted (SQLite).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// DirectoryConfig selects the client directory backend. When BaseURL is set,
// clients and credentials are fetched from an external service; otherwise the
// in-process directory fed by the admin API is used.
type DirectoryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: RISKWATCH_FUTURES_URL, RISKWATCH_SPOT_URL,
// RISKWATCH_DIRECTORY_URL, RISKWATCH_STORE_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RISKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override deployment-specific fields from env
	if u := os.Getenv("RISKWATCH_FUTURES_URL"); u != "" {
		cfg.Venues.Futures.BaseURL = u
	}
	if u := os.Getenv("RISKWATCH_SPOT_URL"); u != "" {
		cfg.Venues.Spot.BaseURL = u
	}
	if u := os.Getenv("RISKWATCH_DIRECTORY_URL"); u != "" {
		cfg.Directory.BaseURL = u
	}
	if p := os.Getenv("RISKWATCH_STORE_PATH"); p != "" {
		cfg.Store.Path = p
	}
	if os.Getenv("RISKWATCH_USE_DEMO") == "true" || os.Getenv("RISKWATCH_USE_DEMO") == "1" {
		cfg.Venues.Futures.UseDemo = true
		cfg.Venues.Spot.UseDemo = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.poll_interval", 10*time.Second)
	v.SetDefault("feed.stale_threshold", 20*time.Second)
	v.SetDefault("feed.stream_enabled", true)
	v.SetDefault("risk.warning_factor", 0.8)
	v.SetDefault("risk.close_retry_max", 3)
	v.SetDefault("risk.close_retry_backoff", time.Second)
	v.SetDefault("scheduler.reset_time", "00:01")
	v.SetDefault("scheduler.stale_interval", 5*time.Second)
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.queue_depth", 64)
	v.SetDefault("engine.stop_grace", 30*time.Second)
	v.SetDefault("bus.message_ttl", 5*time.Minute)
	v.SetDefault("bus.max_attempts", 5)
	v.SetDefault("bus.dispatch_interval", 500*time.Millisecond)
	v.SetDefault("store.path", "data/riskwatch.db")
	v.SetDefault("directory.timeout", 5*time.Second)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Venues.Futures.BaseURL == "" {
		return fmt.Errorf("venues.futures.base_url is required (set RISKWATCH_FUTURES_URL)")
	}
	if c.Venues.Spot.BaseURL == "" {
		return fmt.Errorf("venues.spot.base_url is required (set RISKWATCH_SPOT_URL)")
	}
	if c.Venues.Futures.UseDemo && c.Venues.Futures.DemoURL == "" {
		return fmt.Errorf("venues.futures.demo_url is required when use_demo is set")
	}
	if c.Venues.Spot.UseDemo && c.Venues.Spot.DemoURL == "" {
		return fmt.Errorf("venues.spot.demo_url is required when use_demo is set")
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("feed.poll_interval must be > 0")
	}
	if c.Feed.StaleThreshold < c.Feed.PollInterval {
		return fmt.Errorf("feed.stale_threshold must be >= feed.poll_interval")
	}
	if c.Risk.WarningFactor <= 0 || c.Risk.WarningFactor >= 1 {
		return fmt.Errorf("risk.warning_factor must be in (0, 1)")
	}
	if c.Risk.CloseRetryMax < 1 {
		return fmt.Errorf("risk.close_retry_max must be >= 1")
	}
	if _, _, err := ParseResetTime(c.Scheduler.ResetTime); err != nil {
		return fmt.Errorf("scheduler.reset_time: %w", err)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be > 0")
	}
	if c.Engine.QueueDepth <= 0 {
		return fmt.Errorf("engine.queue_depth must be > 0")
	}
	if c.Bus.MaxAttempts < 1 {
		return fmt.Errorf("bus.max_attempts must be >= 1")
	}
	if c.Bus.MessageTTL <= 0 {
		return fmt.Errorf("bus.message_ttl must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	return nil
}

// ParseResetTime parses "HH:MM" into hour and minute.
func ParseResetTime(s string) (hour, minute int, err error) {
	if _, err := time.Parse("15:04", s); err != nil {
		return 0, 0, fmt.Errorf("must be HH:MM, got %q", s)
	}
	fmt.Sscanf(s, "%d:%d", &hour, &minute)
	return hour, minute, nil
}
