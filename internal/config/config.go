// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	BaseURL     string `env:"BASE_URL" envDefault:"http://localhost:8080/"`
	OriginURL   string `env:"ORIGIN_URL" envDefault:"http://localhost:5173/"`
	Production  bool   `env:"PRODUCTION" envDefault:"false"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty   bool   `env:"LOG_PRETTY" envDefault:"false"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DatabaseURL string `env:"DATABASE_URL"`
	CacheDir    string `env:"CACHE_DIR"`

	// ReportInterval is how often the worker process reports cache usage
	ReportInterval time.Duration `env:"REPORT_INTERVAL" envDefault:"1h"`

	Worker WorkerConfig `envPrefix:"SW_"`
}

// WorkerConfig holds the offline worker settings
type WorkerConfig struct {
	Prefix               string        `env:"PREFIX" envDefault:"devkit-static"`
	Script               string        `env:"SCRIPT" envDefault:"sw.js"`
	ManifestPath         string        `env:"MANIFEST_PATH" envDefault:"precache-manifest.json"`
	AssetsPath           string        `env:"ASSETS_PATH" envDefault:"assets/"`
	SkipWaitingOnInstall bool          `env:"SKIP_WAITING" envDefault:"true"`
	PrecacheConcurrency  int           `env:"PRECACHE_CONCURRENCY" envDefault:"6"`
	FetchTimeout         time.Duration `env:"FETCH_TIMEOUT" envDefault:"15s"`
}

// Storage names the cache backend selected by the configuration
type Storage string

const (
	StoragePostgres Storage = "postgres"
	StorageFile     Storage = "file"
	StorageMemory   Storage = "memory"
)

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Storage picks Postgres when a database is configured, then a cache
// directory, then memory
func (c *Config) Storage() Storage {
	switch {
	case c.DatabaseURL != "":
		return StoragePostgres
	case c.CacheDir != "":
		return StorageFile
	default:
		return StorageMemory
	}
}

// Base returns the parsed public base URL
func (c *Config) Base() (*url.URL, error) {
	return parseDirURL("BASE_URL", c.BaseURL)
}

// Origin returns the parsed origin URL
func (c *Config) Origin() (*url.URL, error) {
	return parseDirURL("ORIGIN_URL", c.OriginURL)
}

// Validate checks values env parsing cannot
func (c *Config) Validate() error {
	if _, err := c.Base(); err != nil {
		return err
	}
	if _, err := c.Origin(); err != nil {
		return err
	}
	if c.Worker.Prefix == "" {
		return fmt.Errorf("SW_PREFIX must not be empty")
	}
	if c.Worker.PrecacheConcurrency < 1 {
		return fmt.Errorf("SW_PRECACHE_CONCURRENCY must be at least 1, got %d", c.Worker.PrecacheConcurrency)
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("REPORT_INTERVAL must be positive, got %s", c.ReportInterval)
	}
	return nil
}

// parseDirURL parses an absolute URL and makes its path end in "/" so
// relative paths resolve beneath it
func parseDirURL(name, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
	}
	if u.Path == "" || u.Path[len(u.Path)-1] != '/' {
		u.Path += "/"
	}
	return u, nil
}
