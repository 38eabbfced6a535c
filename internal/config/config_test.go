package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CACHE_DIR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected Port '8080', got '%s'", cfg.Port)
	}
	if cfg.Worker.Prefix != "devkit-static" {
		t.Errorf("Expected prefix 'devkit-static', got '%s'", cfg.Worker.Prefix)
	}
	if !cfg.Worker.SkipWaitingOnInstall {
		t.Error("Should skip waiting on install by default")
	}
	if cfg.Worker.PrecacheConcurrency != 6 {
		t.Errorf("Expected concurrency 6, got %d", cfg.Worker.PrecacheConcurrency)
	}
	if cfg.ReportInterval != time.Hour {
		t.Errorf("Expected report interval 1h, got %s", cfg.ReportInterval)
	}
	if cfg.Storage() != StorageMemory {
		t.Errorf("Expected memory storage, got %s", cfg.Storage())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoadWorkerPrefix(t *testing.T) {
	t.Setenv("SW_PREFIX", "tools-static")
	t.Setenv("SW_SKIP_WAITING", "false")
	t.Setenv("SW_PRECACHE_CONCURRENCY", "2")
	t.Setenv("PRODUCTION", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Worker.Prefix != "tools-static" {
		t.Errorf("Expected prefix 'tools-static', got '%s'", cfg.Worker.Prefix)
	}
	if cfg.Worker.SkipWaitingOnInstall {
		t.Error("SW_SKIP_WAITING=false should disable skip waiting")
	}
	if cfg.Worker.PrecacheConcurrency != 2 {
		t.Errorf("Expected concurrency 2, got %d", cfg.Worker.PrecacheConcurrency)
	}
	if !cfg.Production {
		t.Error("Should be production")
	}
}

func TestLoadInvalidValue(t *testing.T) {
	t.Setenv("SW_PRECACHE_CONCURRENCY", "lots")

	_, err := Load()
	if err == nil {
		t.Fatal("Expected error for invalid SW_PRECACHE_CONCURRENCY")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Errorf("Expected parse env prefix, got %v", err)
	}
}

func TestStorageSelection(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://localhost/devkit", CacheDir: "/tmp/devkit"}
	if cfg.Storage() != StoragePostgres {
		t.Errorf("Expected postgres, got %s", cfg.Storage())
	}

	cfg.DatabaseURL = ""
	if cfg.Storage() != StorageFile {
		t.Errorf("Expected file, got %s", cfg.Storage())
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			BaseURL:        "https://tools.example.com/app",
			OriginURL:      "http://localhost:5173/",
			ReportInterval: time.Minute,
			Worker:         WorkerConfig{Prefix: "devkit-static", PrecacheConcurrency: 1},
		}
	}

	cfg := valid()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Should validate: %v", err)
	}
	base, _ := cfg.Base()
	if base.String() != "https://tools.example.com/app/" {
		t.Errorf("Expected base path to gain a trailing slash, got %s", base)
	}

	tests := map[string]func(*Config){
		"relative base":   func(c *Config) { c.BaseURL = "/app/" },
		"bad origin":      func(c *Config) { c.OriginURL = "://nope" },
		"empty prefix":    func(c *Config) { c.Worker.Prefix = "" },
		"zero concurrent": func(c *Config) { c.Worker.PrecacheConcurrency = 0 },
		"zero interval":   func(c *Config) { c.ReportInterval = 0 },
	}
	for name, mutate := range tests {
		cfg := valid()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
