package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.BatchWindow)
	assert.Equal(t, 60*time.Second, cfg.BatchPollInterval)
	assert.Equal(t, time.Hour, cfg.HandlerTimeout)
	assert.Equal(t, 60*time.Second, cfg.TCPKeepAlive)
	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, 0, cfg.MaxBatchSize)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "sk-test")
	t.Setenv("BATCH_WINDOW_SECS", "30")
	t.Setenv("MAX_BATCH_SIZE", "500")
	t.Setenv("BIND_ADDR", "0.0.0.0:9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.BatchWindow)
	assert.Equal(t, 500, cfg.MaxBatchSize)
	assert.Equal(t, "0.0.0.0:9090", cfg.BindAddr)
}

func TestLoad_MissingAPIKeyFails(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_NonPositiveOverrideFails(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "sk-test")
	t.Setenv("BATCH_WINDOW_SECS", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_NonIntegerOverrideFails(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "sk-test")
	t.Setenv("BATCH_POLL_INTERVAL_SECS", "soon")
	_, err := Load()
	assert.Error(t, err)
}
