// Package main provides the BlazeAlert server CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/blazealert/internal/escalation"
	"github.com/good-yellow-bee/blazealert/internal/logging"
	"github.com/good-yellow-bee/blazealert/internal/storage"
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Reasons    ReasonsConfig    `yaml:"reasons"`
	Escalation EscalationConfig `yaml:"escalation"`
	Retention  RetentionConfig  `yaml:"retention"`
	Log        LogConfig        `yaml:"log"`
	Verbose    bool             `yaml:"-"` // set via CLI flag
}

// ServerConfig contains HTTP and metrics listener settings.
type ServerConfig struct {
	HTTPAddress         string    `yaml:"http_address"`           // default :8080
	MetricsAddress      string    `yaml:"metrics_address"`        // default :9090, "off" disables
	AccessTokenTTL      string    `yaml:"access_token_ttl"`       // default 15m
	QueryTimeout        string    `yaml:"query_timeout"`          // default 10s
	RateLimitPerSubject int       `yaml:"rate_limit_per_subject"` // requests per minute
	TLS                 TLSConfig `yaml:"tls"`
}

// TLSConfig contains TLS settings for the HTTP API.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig selects the alert store.
type DatabaseConfig struct {
	Driver    string `yaml:"driver"` // sqlite or postgres
	Path      string `yaml:"path"`   // sqlite database file
	DSN       string `yaml:"dsn"`    // postgres connection string
	CacheSize int    `yaml:"cache_size"`
	CacheTTL  string `yaml:"cache_ttl"`
}

// ReasonsConfig configures alert explanation rendering.
type ReasonsConfig struct {
	LookupTimeout string `yaml:"lookup_timeout"` // default 2s
}

// EscalationConfig configures the hand-off to escalation sinks.
type EscalationConfig struct {
	Workers        int     `yaml:"workers"`
	Rate           float64 `yaml:"rate"`  // dispatches per second
	Burst          int     `yaml:"burst"` // dispatch burst
	WebhookURL     string  `yaml:"webhook_url"`
	WebhookTimeout string  `yaml:"webhook_timeout"`
}

// RetentionConfig configures the periodic purge of old alerts.
type RetentionConfig struct {
	MaxAge   string `yaml:"max_age"`  // empty or "0" disables purging
	Interval string `yaml:"interval"` // default 1h
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8080"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}
	if c.Server.AccessTokenTTL == "" {
		c.Server.AccessTokenTTL = "15m"
	}
	if c.Server.QueryTimeout == "" {
		c.Server.QueryTimeout = "10s"
	}
	if c.Server.RateLimitPerSubject == 0 {
		c.Server.RateLimitPerSubject = 300
	}
	if c.Database.Driver == "" {
		c.Database.Driver = storage.DriverSQLite
	}
	if c.Database.Driver == storage.DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "./data/blazealert.db"
	}
	if c.Database.CacheTTL == "" {
		c.Database.CacheTTL = "1m"
	}
	if c.Reasons.LookupTimeout == "" {
		c.Reasons.LookupTimeout = "2s"
	}
	if c.Escalation.Rate == 0 {
		c.Escalation.Rate = escalation.DefaultRateLimitConfig().PerSecond
	}
	if c.Escalation.Burst == 0 {
		c.Escalation.Burst = escalation.DefaultRateLimitConfig().Burst
	}
	if c.Escalation.WebhookTimeout == "" {
		c.Escalation.WebhookTimeout = "10s"
	}
	if c.Retention.Interval == "" {
		c.Retention.Interval = "1h"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logging.FormatJSON
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.HTTPAddress == "" {
		return fmt.Errorf("server.http_address is required")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}
	if c.Server.RateLimitPerSubject < 0 {
		return fmt.Errorf("server.rate_limit_per_subject must not be negative")
	}

	switch c.Database.Driver {
	case storage.DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case storage.DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q", storage.DriverSQLite, storage.DriverPostgres)
	}

	if c.Escalation.Workers < 0 {
		return fmt.Errorf("escalation.workers must not be negative")
	}
	if c.Escalation.Rate < 0 || c.Escalation.Burst < 0 {
		return fmt.Errorf("escalation.rate and escalation.burst must not be negative")
	}
	if c.Escalation.WebhookURL != "" {
		wc := escalation.WebhookConfig{URL: c.Escalation.WebhookURL}
		if err := wc.Validate(); err != nil {
			return fmt.Errorf("escalation.webhook_url: %w", err)
		}
	}

	if c.Log.Format != logging.FormatJSON && c.Log.Format != logging.FormatConsole {
		return fmt.Errorf("log.format must be %q or %q", logging.FormatJSON, logging.FormatConsole)
	}

	for name, value := range map[string]string{
		"server.access_token_ttl":    c.Server.AccessTokenTTL,
		"server.query_timeout":       c.Server.QueryTimeout,
		"database.cache_ttl":         c.Database.CacheTTL,
		"reasons.lookup_timeout":     c.Reasons.LookupTimeout,
		"escalation.webhook_timeout": c.Escalation.WebhookTimeout,
		"retention.max_age":          c.Retention.MaxAge,
		"retention.interval":         c.Retention.Interval,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// parseDuration parses a config duration. Empty and "0" are zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

// duration returns a validated config duration.
func duration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// StorageConfig converts the database section.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Driver:    c.Database.Driver,
		Path:      c.Database.Path,
		DSN:       c.Database.DSN,
		CacheSize: c.Database.CacheSize,
		CacheTTL:  duration(c.Database.CacheTTL),
	}
}
