package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, k := range []string{"DB_DRIVER", "PREKEY_BATCH_SIZE", "SIGNED_PREKEY_INTERVAL", "STALE_DEVICE_RETENTION"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 100, cfg.PreKeyBatchSize)
	assert.Equal(t, 25, cfg.PreKeyMinCount)
	assert.Equal(t, 7*24*time.Hour, cfg.SignedPreKeyInterval)
	assert.Equal(t, 48*time.Hour, cfg.SignedPreKeyGrace)
	assert.Zero(t, cfg.StaleDeviceRetention)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("PREKEY_BATCH_SIZE", "50")
	t.Setenv("PREKEY_MIN_COUNT", "10")
	t.Setenv("SIGNED_PREKEY_INTERVAL", "72h")
	t.Setenv("MAINTENANCE_INTERVAL", "not-a-duration")
	t.Setenv("LOG_SQL", "true")

	cfg := Load()
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 50, cfg.PreKeyBatchSize)
	assert.Equal(t, 10, cfg.PreKeyMinCount)
	assert.Equal(t, 72*time.Hour, cfg.SignedPreKeyInterval)
	assert.Equal(t, time.Hour, cfg.MaintenanceInterval)
	assert.True(t, cfg.LogSQL)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := Config{DBDriver: "sqlite", PreKeyBatchSize: 100, PreKeyMinCount: 25, SignedPreKeyInterval: time.Hour}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"zero batch", func(c *Config) { c.PreKeyBatchSize = 0 }},
		{"min above batch", func(c *Config) { c.PreKeyMinCount = 200 }},
		{"zero interval", func(c *Config) { c.SignedPreKeyInterval = 0 }},
		{"negative grace", func(c *Config) { c.SignedPreKeyGrace = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
