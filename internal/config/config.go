// Package config loads the proxy's environment-driven configuration
// (spec.md §6). Its zero-value-then-default shape is ported from the
// teacher's Handler.Provision (module.go), adapted from Caddyfile directives
// to environment variables since this proxy has no host framework to parse
// a config file for it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full set of environment-driven settings from spec.md §6.
type Config struct {
	// UpstreamBaseURL and UpstreamAPIKey address the external Batch API.
	UpstreamBaseURL string
	UpstreamAPIKey  string

	// RedisURL addresses the state store. Empty selects the in-process
	// MemoryStore, useful for local runs and tests but not for production
	// (see DESIGN.md).
	RedisURL string

	// BatchWindow is the Dispatcher's tick interval (BATCH_WINDOW_SECS,
	// default 60).
	BatchWindow time.Duration

	// BatchPollInterval is the Poller's tick interval
	// (BATCH_POLL_INTERVAL_SECS, default 60).
	BatchPollInterval time.Duration

	// MaxBatchSize caps requests per upstream batch submission; 0 disables
	// splitting (MAX_BATCH_SIZE, default 0).
	MaxBatchSize int

	// HandlerTimeout bounds a Request Handler's lifetime before it returns
	// a soft timeout (HANDLER_TIMEOUT_SECS, default 3600).
	HandlerTimeout time.Duration

	// BindAddr is the host:port the HTTP server listens on (BIND_ADDR,
	// default ":8080").
	BindAddr string

	// TCPKeepAlive is the keepalive interval set on the listening socket
	// (TCP_KEEPALIVE_SECS, default 60).
	TCPKeepAlive time.Duration
}

// Load reads Config from the process environment, applying spec.md §6's
// defaults and failing on any non-positive integer override.
func Load() (*Config, error) {
	cfg := &Config{
		UpstreamBaseURL:   getEnv("UPSTREAM_BASE_URL", "https://api.openai.com"),
		UpstreamAPIKey:    os.Getenv("UPSTREAM_API_KEY"),
		RedisURL:          os.Getenv("REDIS_URL"),
		BatchWindow:       60 * time.Second,
		BatchPollInterval: 60 * time.Second,
		MaxBatchSize:      0,
		HandlerTimeout:    time.Hour,
		BindAddr:          getEnv("BIND_ADDR", ":8080"),
		TCPKeepAlive:      60 * time.Second,
	}

	if err := overrideDuration("BATCH_WINDOW_SECS", &cfg.BatchWindow); err != nil {
		return nil, err
	}
	if err := overrideDuration("BATCH_POLL_INTERVAL_SECS", &cfg.BatchPollInterval); err != nil {
		return nil, err
	}
	if err := overrideDuration("HANDLER_TIMEOUT_SECS", &cfg.HandlerTimeout); err != nil {
		return nil, err
	}
	if err := overrideDuration("TCP_KEEPALIVE_SECS", &cfg.TCPKeepAlive); err != nil {
		return nil, err
	}
	if err := overrideInt("MAX_BATCH_SIZE", &cfg.MaxBatchSize); err != nil {
		return nil, err
	}

	if cfg.UpstreamAPIKey == "" {
		return nil, fmt.Errorf("config: UPSTREAM_API_KEY is required")
	}

	return cfg, nil
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func overrideDuration(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	if secs <= 0 {
		return fmt.Errorf("config: %s must be positive, got %d", name, secs)
	}
	*dst = time.Duration(secs) * time.Second
	return nil
}

func overrideInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	if n <= 0 {
		return fmt.Errorf("config: %s must be positive, got %d", name, n)
	}
	*dst = n
	return nil
}
