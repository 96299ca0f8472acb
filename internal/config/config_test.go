package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":5005", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Protocol.ClockSkew)
	assert.Equal(t, 10*time.Minute, cfg.Protocol.NonceRetention)
	assert.Equal(t, 10*time.Minute, cfg.Protocol.LivenessWindow)
	assert.Equal(t, 10*time.Minute, cfg.Protocol.ConfigTokenTTL)
	assert.True(t, cfg.Protocol.AllowDeviceKeyReset)
	assert.Equal(t, 24*time.Hour, cfg.Agent.GracePeriod)
	assert.Equal(t, time.Minute, cfg.Agent.HeartbeatInterval)
	assert.NoError(t, cfg.validate())
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  addr: ":7000"
database:
  driver: sqlite
  dsn: from-file.db
agent:
  grace_period: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("ORDERINFO_CONFIG", path)
	t.Setenv("ORDERINFO_DATABASE_DSN", "from-env.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "from-env.db", cfg.Database.DSN, "environment wins over file")
	assert.Equal(t, time.Hour, cfg.Agent.GracePeriod)
	// Untouched values keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Protocol.ClockSkew)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("ORDERINFO_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":5005", cfg.Server.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"zero clock skew", func(c *Config) { c.Protocol.ClockSkew = 0 }},
		{"retention below skew", func(c *Config) { c.Protocol.NonceRetention = time.Second }},
		{"negative grace", func(c *Config) { c.Agent.GracePeriod = -time.Hour }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}
