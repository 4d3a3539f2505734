// Package config holds all codewarden configuration: YAML file plus
// environment overrides. The environment always wins over the file so that
// deployments can be tuned without editing config on disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codewarden configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Object store (required)
	Store StoreConfig `yaml:"store"`

	// Shared cache (optional; empty URL disables the cache)
	Cache CacheConfig `yaml:"cache"`

	// Job queue (required)
	Queue QueueConfig `yaml:"queue"`

	// Generative model
	Model ModelConfig `yaml:"model"`

	// Fix orchestration thresholds and deadlines
	Fix FixConfig `yaml:"fix"`

	// Crawl behavior
	Crawl CrawlConfig `yaml:"crawl"`

	// Worker pool
	Worker WorkerConfig `yaml:"worker"`

	// HTTP front
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the object store.
type StoreConfig struct {
	URL string `yaml:"url"` // sqlite path or DSN
	Key string `yaml:"key"` // access credential; unused for local sqlite
}

// CacheConfig configures the shared cache.
type CacheConfig struct {
	URL        string `yaml:"url"`
	DefaultTTL string `yaml:"default_ttl"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	URL               string `yaml:"url"`
	MaxAttempts       int    `yaml:"max_attempts"`
	VisibilityTimeout string `yaml:"visibility_timeout"`
	BackoffBase       string `yaml:"backoff_base"`
	BackoffCap        string `yaml:"backoff_cap"`
	HighWaterMark     int    `yaml:"high_water_mark"`
}

// ModelConfig configures the generative model client.
type ModelConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// FixConfig configures the fix orchestrator.
type FixConfig struct {
	ApplyThreshold   float64 `yaml:"apply_threshold"` // calibrated confidence gate
	RiskCap          float64 `yaml:"risk_cap"`        // risk gate at decide
	MonitorWindow    string  `yaml:"monitor_window"`
	PredictDeadline  string  `yaml:"predict_deadline"`
	GenerateDeadline string  `yaml:"generate_deadline"`
	VerifyDeadline   string  `yaml:"verify_deadline"`
	ApplyDeadline    string  `yaml:"apply_deadline"`
}

// CrawlConfig configures the crawler.
type CrawlConfig struct {
	FileBudget      int     `yaml:"file_budget"`
	HealthThreshold float64 `yaml:"health_threshold"`
	IgnoreDirs      []string `yaml:"ignore_dirs"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// ServerConfig configures the HTTP front.
type ServerConfig struct {
	Addr                 string `yaml:"addr"`
	WebhookSecretDefault string `yaml:"webhook_secret_default"`
	// CrawlRatePerMinute caps manual crawl triggers per project per minute.
	// Zero disables the limit.
	CrawlRatePerMinute int `yaml:"crawl_rate_per_minute"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "codewarden",
		Version: "0.4.0",

		Store: StoreConfig{
			URL: ".warden/store.db",
		},
		Queue: QueueConfig{
			URL:               ".warden/queue.db",
			MaxAttempts:       5,
			VisibilityTimeout: "60s",
			BackoffBase:       "1s",
			BackoffCap:        "5m",
			HighWaterMark:     1000,
		},
		Cache: CacheConfig{
			DefaultTTL: "10m",
		},
		Model: ModelConfig{
			BaseURL: "https://api.anthropic.com/v1",
			Model:   "claude-sonnet-4-20250514",
			Timeout: "120s",
		},
		Fix: FixConfig{
			ApplyThreshold:   0.80,
			RiskCap:          0.70,
			MonitorWindow:    "24h",
			PredictDeadline:  "5s",
			GenerateDeadline: "60s",
			VerifyDeadline:   "10s",
			ApplyDeadline:    "10s",
		},
		Crawl: CrawlConfig{
			FileBudget:      2000,
			HealthThreshold: 70,
			IgnoreDirs:      []string{".git", ".warden", "vendor", "node_modules"},
		},
		Worker: WorkerConfig{
			Concurrency: 8,
		},
		Server: ServerConfig{
			Addr:               ":8680",
			CrawlRatePerMinute: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults for
// anything unset, then applies environment overrides. A missing file is not
// an error; the defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies the recognized environment variable set.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OBJECT_STORE_URL"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("OBJECT_STORE_KEY"); v != "" {
		c.Store.Key = v
	}
	if v, ok := os.LookupEnv("CACHE_URL"); ok {
		c.Cache.URL = v // empty value disables the cache
	}
	if v := os.Getenv("QUEUE_URL"); v != "" {
		c.Queue.URL = v
	}
	if v := os.Getenv("MODEL_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("WEBHOOK_SECRET_DEFAULT"); v != "" {
		c.Server.WebhookSecretDefault = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AUTO_APPLY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Fix.ApplyThreshold = f
		}
	}
	if v := os.Getenv("AUTO_APPLY_RISK_CAP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Fix.RiskCap = f
		}
	}
	if v := os.Getenv("MONITOR_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Fix.MonitorWindow = (time.Duration(n) * time.Second).String()
		}
	}
	if v := os.Getenv("CRAWL_FILE_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Crawl.FileBudget = n
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Worker.Concurrency = n
		}
	}
}

// Validate checks required settings for the serve path.
func (c *Config) Validate() error {
	if c.Store.URL == "" {
		return fmt.Errorf("store url is required (OBJECT_STORE_URL)")
	}
	if c.Queue.URL == "" {
		return fmt.Errorf("queue url is required (QUEUE_URL)")
	}
	if c.Fix.ApplyThreshold < 0 || c.Fix.ApplyThreshold > 1 {
		return fmt.Errorf("apply_threshold must be in [0,1], got %v", c.Fix.ApplyThreshold)
	}
	if c.Fix.RiskCap < 0 || c.Fix.RiskCap > 1 {
		return fmt.Errorf("risk_cap must be in [0,1], got %v", c.Fix.RiskCap)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive")
	}
	return nil
}

// CacheEnabled reports whether a cache URL is configured.
func (c *Config) CacheEnabled() bool { return c.Cache.URL != "" }

// duration parses s, falling back to def on error or empty input.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// MonitorWindow returns the parsed monitor window.
func (c *Config) MonitorWindow() time.Duration { return duration(c.Fix.MonitorWindow, 24*time.Hour) }

// PredictDeadline returns the parsed predict-stage deadline.
func (c *Config) PredictDeadline() time.Duration { return duration(c.Fix.PredictDeadline, 5*time.Second) }

// GenerateDeadline returns the parsed generate-stage deadline.
func (c *Config) GenerateDeadline() time.Duration {
	return duration(c.Fix.GenerateDeadline, 60*time.Second)
}

// VerifyDeadline returns the parsed verify-stage deadline.
func (c *Config) VerifyDeadline() time.Duration { return duration(c.Fix.VerifyDeadline, 10*time.Second) }

// ApplyDeadline returns the parsed apply-stage deadline.
func (c *Config) ApplyDeadline() time.Duration { return duration(c.Fix.ApplyDeadline, 10*time.Second) }

// VisibilityTimeout returns the parsed queue visibility timeout.
func (c *Config) VisibilityTimeout() time.Duration {
	return duration(c.Queue.VisibilityTimeout, 60*time.Second)
}

// BackoffBase returns the parsed retry backoff base.
func (c *Config) BackoffBase() time.Duration { return duration(c.Queue.BackoffBase, time.Second) }

// BackoffCap returns the parsed retry backoff cap.
func (c *Config) BackoffCap() time.Duration { return duration(c.Queue.BackoffCap, 5*time.Minute) }

// ModelTimeout returns the parsed model request timeout.
func (c *Config) ModelTimeout() time.Duration { return duration(c.Model.Timeout, 120*time.Second) }

// CacheDefaultTTL returns the parsed default cache TTL.
func (c *Config) CacheDefaultTTL() time.Duration { return duration(c.Cache.DefaultTTL, 10*time.Minute) }
