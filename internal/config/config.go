// Package config handles TOML configuration parsing for pnwsync. It loads
// configuration from pnwsync.toml, applies environment variable overrides
// (prefixed with PNWSYNC_), validates required fields, and provides sane
// defaults for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// tomlUnmarshal decodes TOML bytes into cfg, isolated behind a thin wrapper
// so the rest of this package doesn't need to import the toml package
// directly.
func tomlUnmarshal(data []byte, cfg *Config) error {
	return toml.Unmarshal(data, cfg)
}

// Config is the top-level configuration for a pnwsync instance.
type Config struct {
	Upstream      UpstreamConfig      `toml:"upstream"`
	Database      DatabaseConfig      `toml:"database"`
	Subscriptions SubscriptionsConfig `toml:"subscriptions"`
	Reconciler    ReconcilerConfig    `toml:"reconciler"`
	REST          RESTConfig          `toml:"rest"`
	Logging       LoggingConfig       `toml:"logging"`
	Metrics       MetricsConfig       `toml:"metrics"`
}

// UpstreamConfig defines the upstream API host and credentials.
type UpstreamConfig struct {
	APIKey  string `toml:"api_key"`
	BotKey  string `toml:"bot_key"`
	Host    string `toml:"host"`
	Client  string `toml:"client"`
	Version string `toml:"version"`
}

// DatabaseConfig defines PostgreSQL connection settings.
type DatabaseConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Database       string `toml:"database"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	MaxConnections int    `toml:"max_connections"`
}

// URL builds the libpq connection string pgxpool expects.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

// SubscriptionsConfig defines the (kind -> allowed events) map.
// The zero value is not usable; Load always populates it via defaults.
type SubscriptionsConfig struct {
	Models map[string][]string `toml:"models"`
}

// ReconcilerConfig defines Reconciler timing.
type ReconcilerConfig struct {
	CitiesDelaySeconds int    `toml:"cities_delay_seconds"`
	Interval           string `toml:"interval"`
}

// IntervalParsed returns the periodic full-reconcile interval.
func (r ReconcilerConfig) IntervalParsed() (time.Duration, error) {
	d, err := time.ParseDuration(r.Interval)
	if err != nil {
		return 0, fmt.Errorf("parsing reconciler.interval %q: %w", r.Interval, err)
	}
	return d, nil
}

// RESTConfig defines REST Client rate limiting and pagination settings.
type RESTConfig struct {
	RateLimitRequests int `toml:"rate_limit_requests"`
	RateLimitWindow   int `toml:"rate_limit_window_seconds"`
	PageSize          int `toml:"page_size"`
	BatchSize         int `toml:"batch_size"`
	TimeoutSeconds    int `toml:"timeout_seconds"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig defines the Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// defaultModels is the default (kind -> events) subscription set: all
// events for the five kinds, except account which is update-only.
func defaultModels() map[string][]string {
	return map[string][]string{
		"nation":            {"create", "update", "delete"},
		"alliance":          {"create", "update", "delete"},
		"alliance_position": {"create", "update", "delete"},
		"city":              {"create", "update", "delete"},
		"account":           {"update"},
	}
}

// defaults returns a Config with sane default values for all fields.
func defaults() Config {
	return Config{
		Upstream: UpstreamConfig{
			Host:    "api.politicsandwar.com",
			Client:  "pnwsync",
			Version: "7.0",
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "pnwsync",
			User:           "pnwsync",
			MaxConnections: 10,
		},
		Subscriptions: SubscriptionsConfig{
			Models: defaultModels(),
		},
		Reconciler: ReconcilerConfig{
			CitiesDelaySeconds: 60,
			Interval:           "6h",
		},
		REST: RESTConfig{
			RateLimitRequests: 60,
			RateLimitWindow:   60,
			PageSize:          500,
			BatchSize:         5,
			TimeoutSeconds:    30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9090",
		},
	}
}

// Load reads the configuration from the given TOML file path, applies
// defaults for missing values, and then applies environment variable
// overrides. A missing file is not an error: defaults + env vars are used.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	} else if err := tomlUnmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if len(cfg.Subscriptions.Models) == 0 {
		cfg.Subscriptions.Models = defaultModels()
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables when
// set. Environment variables use the prefix PNWSYNC_ followed by the
// section and field name in uppercase with underscores (e.g.
// PNWSYNC_DATABASE_HOST).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PNWSYNC_UPSTREAM_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("PNWSYNC_UPSTREAM_BOT_KEY"); v != "" {
		cfg.Upstream.BotKey = v
	}
	if v := os.Getenv("PNWSYNC_UPSTREAM_HOST"); v != "" {
		cfg.Upstream.Host = v
	}

	if v := os.Getenv("PNWSYNC_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PNWSYNC_DATABASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = n
		}
	}
	if v := os.Getenv("PNWSYNC_DATABASE_DATABASE"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("PNWSYNC_DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PNWSYNC_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PNWSYNC_DATABASE_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.MaxConnections = n
		}
	}

	if v := os.Getenv("PNWSYNC_RECONCILER_CITIES_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconciler.CitiesDelaySeconds = n
		}
	}
	if v := os.Getenv("PNWSYNC_RECONCILER_INTERVAL"); v != "" {
		cfg.Reconciler.Interval = v
	}

	if v := os.Getenv("PNWSYNC_REST_RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.REST.RateLimitRequests = n
		}
	}
	if v := os.Getenv("PNWSYNC_REST_RATE_LIMIT_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.REST.RateLimitWindow = n
		}
	}

	if v := os.Getenv("PNWSYNC_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PNWSYNC_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("PNWSYNC_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PNWSYNC_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

// validate checks that required configuration fields are present and valid.
func validate(cfg *Config) error {
	if cfg.Upstream.APIKey == "" {
		return fmt.Errorf("config: upstream.api_key is required")
	}
	if cfg.Database.Host == "" || cfg.Database.Database == "" || cfg.Database.User == "" {
		return fmt.Errorf("config: database.{host,database,user} are required")
	}
	if cfg.Database.MaxConnections < 1 {
		return fmt.Errorf("config: database.max_connections must be at least 1")
	}
	if cfg.REST.PageSize < 1 || cfg.REST.PageSize > 500 {
		return fmt.Errorf("config: rest.page_size must be between 1 and 500 (got %d)", cfg.REST.PageSize)
	}
	if cfg.REST.BatchSize < 1 || cfg.REST.BatchSize > 10 {
		return fmt.Errorf("config: rest.batch_size must be between 1 and 10 (got %d)", cfg.REST.BatchSize)
	}
	for kind, events := range cfg.Subscriptions.Models {
		if !validKinds[kind] {
			return fmt.Errorf("config: subscriptions.models has unknown kind %q", kind)
		}
		for _, ev := range events {
			if !validEvents[ev] {
				return fmt.Errorf("config: subscriptions.models[%s] has unknown event %q", kind, ev)
			}
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("config: logging.format must be one of: json, text (got %q)", cfg.Logging.Format)
	}

	if _, err := cfg.Reconciler.IntervalParsed(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}

var validKinds = map[string]bool{
	"nation": true, "alliance": true, "alliance_position": true, "city": true, "account": true,
}

var validEvents = map[string]bool{
	"create": true, "update": true, "delete": true,
}
