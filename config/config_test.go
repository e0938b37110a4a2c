package config_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/storage-ledger/config"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := config.FromEnv(env(nil))

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "storage.db", cfg.DBPath)
	assert.Empty(t, cfg.DatabaseURL)
	assert.True(t, cfg.SchedulerEnabled)
	assert.Equal(t, time.Hour, cfg.SchedulerInterval)
	assert.Equal(t, 4, cfg.SnapshotConcurrency)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := config.FromEnv(env(map[string]string{
		"PORT":                 "3000",
		"DATABASE_URL":         "postgres://localhost/ledger",
		"LOG_LEVEL":            "debug",
		"LOG_FORMAT":           "json",
		"ALLOWED_ORIGINS":      "https://a.example, https://b.example,",
		"SCHEDULER_ENABLED":    "false",
		"WAREHOUSE_TIMEOUT":    "30s",
		"SNAPSHOT_CONCURRENCY": "8",
		"ADMIN_TOKEN":          "secret",
	}))

	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "postgres://localhost/ledger", cfg.DatabaseURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, 30*time.Second, cfg.WarehouseTimeout)
	assert.Equal(t, 8, cfg.SnapshotConcurrency)
	assert.Equal(t, "secret", cfg.AdminToken)

	logger := cfg.Logger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"non-numeric port", map[string]string{"PORT": "eighty"}},
		{"port out of range", map[string]string{"PORT": "70000"}},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad format", map[string]string{"LOG_FORMAT": "xml"}},
		{"bad interval", map[string]string{"SCHEDULER_INTERVAL": "weekly"}},
		{"zero interval", map[string]string{"SCHEDULER_INTERVAL": "0s"}},
		{"bad bool", map[string]string{"SCHEDULER_ENABLED": "maybe"}},
		{"negative timeout", map[string]string{"WAREHOUSE_TIMEOUT": "-1s"}},
		{"zero concurrency", map[string]string{"SNAPSHOT_CONCURRENCY": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.FromEnv(env(tt.vars))
			assert.Error(t, err)
		})
	}
}

func TestFromEnv_ZeroIntervalAllowedWhenSchedulerDisabled(t *testing.T) {
	_, err := config.FromEnv(env(map[string]string{
		"SCHEDULER_ENABLED":  "false",
		"SCHEDULER_INTERVAL": "0s",
	}))

	assert.NoError(t, err)
}
