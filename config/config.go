/*
Package config loads server configuration from the environment.

SOURCES (later wins):
  1. Defaults below
  2. .env file in the working directory, if present (godotenv)
  3. Process environment
  4. Command-line flags (applied by cmd/server)

KEYS:
  PORT                       HTTP port (default 8080)
  DB_PATH                    SQLite path, ":memory:" allowed (default storage.db)
  DATABASE_URL               Postgres URL; selects the Postgres store when set
  LOG_LEVEL                  logrus level (default info)
  LOG_FORMAT                 text | json (default text)
  ALLOWED_ORIGINS            Comma-separated CORS origins
  SCHEDULER_ENABLED          Run the weekly snapshot scheduler (default true)
  SCHEDULER_INTERVAL         Tick interval, Go duration (default 1h)
  SCHEDULER_CALCULATE_COSTS  Price entries during scheduled runs (default true)
  WAREHOUSE_TIMEOUT          Per-warehouse snapshot deadline (default 2m, 0 = none)
  SNAPSHOT_CONCURRENCY       Warehouses processed in parallel (default 4)
  ADMIN_TOKEN                Bearer token for admin routes; empty disables them
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port        int
	DBPath      string
	DatabaseURL string

	LogLevel  string
	LogFormat string

	AllowedOrigins []string
	AdminToken     string

	SchedulerEnabled        bool
	SchedulerInterval       time.Duration
	SchedulerCalculateCosts bool

	WarehouseTimeout    time.Duration
	SnapshotConcurrency int
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:                    8080,
		DBPath:                  "storage.db",
		LogLevel:                "info",
		LogFormat:               "text",
		AllowedOrigins:          []string{"http://localhost:5173", "http://localhost:8080"},
		SchedulerEnabled:        true,
		SchedulerInterval:       time.Hour,
		SchedulerCalculateCosts: true,
		WarehouseTimeout:        2 * time.Minute,
		SnapshotConcurrency:     4,
	}
}

// Load reads .env (if any) and the environment, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function. Unset keys keep defaults.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := Default()
	p := parser{getenv: getenv}

	cfg.Port = p.int("PORT", cfg.Port)
	cfg.DBPath = p.string("DB_PATH", cfg.DBPath)
	cfg.DatabaseURL = p.string("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = p.string("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = p.string("LOG_FORMAT", cfg.LogFormat)
	cfg.AllowedOrigins = p.list("ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.AdminToken = p.string("ADMIN_TOKEN", cfg.AdminToken)
	cfg.SchedulerEnabled = p.bool("SCHEDULER_ENABLED", cfg.SchedulerEnabled)
	cfg.SchedulerInterval = p.duration("SCHEDULER_INTERVAL", cfg.SchedulerInterval)
	cfg.SchedulerCalculateCosts = p.bool("SCHEDULER_CALCULATE_COSTS", cfg.SchedulerCalculateCosts)
	cfg.WarehouseTimeout = p.duration("WAREHOUSE_TIMEOUT", cfg.WarehouseTimeout)
	cfg.SnapshotConcurrency = p.int("SNAPSHOT_CONCURRENCY", cfg.SnapshotConcurrency)

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		return fmt.Errorf("DB_PATH or DATABASE_URL is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.SchedulerEnabled && c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	if c.WarehouseTimeout < 0 {
		return fmt.Errorf("WAREHOUSE_TIMEOUT must not be negative")
	}
	if c.SnapshotConcurrency < 1 {
		return fmt.Errorf("SNAPSHOT_CONCURRENCY must be at least 1")
	}
	return nil
}

// Logger builds the process logger. Call after Validate.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// parser keeps the first error so FromEnv reads top to bottom.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) string(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) bool(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) list(key string, def []string) []string {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
