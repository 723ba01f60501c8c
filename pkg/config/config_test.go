package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30000, cfg.Ports.Lo)
	assert.Equal(t, 32768, cfg.Ports.Hi)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, 3, cfg.Recovery.MaxAttempts)
	assert.Equal(t, 1000, cfg.Metrics.HistorySize)
	assert.Equal(t, 1.0, cfg.Metrics.ChangeEpsilonPct)
	assert.Equal(t, time.Minute, cfg.Backups.SchedulerTick)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
ports:
  lo: 40000
  hi: 40100
health:
  interval: 10s
  timeout: 1s
  http_path: /healthz
recovery:
  max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 40000, cfg.Ports.Lo)
	assert.Equal(t, 40100, cfg.Ports.Hi)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
	assert.Equal(t, "/healthz", cfg.Health.HTTPPath)
	assert.Equal(t, 5, cfg.Recovery.MaxAttempts)
	// untouched options keep defaults
	assert.Equal(t, 5*time.Second, cfg.Metrics.Interval)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Ports, cfg.Ports)
}

func TestValidateRejectsBadRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted port range", func(c *Config) { c.Ports = PortsConfig{Lo: 100, Hi: 100} }},
		{"zero health interval", func(c *Config) { c.Health.Interval = 0 }},
		{"zero history", func(c *Config) { c.Metrics.HistorySize = 0 }},
		{"zero attempts", func(c *Config) { c.Recovery.MaxAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPolicyDefaults(t *testing.T) {
	cfg := Default()

	rp := cfg.RecoveryPolicy()
	assert.Equal(t, cfg.Recovery.MaxAttempts, rp.MaxAttempts)
	assert.True(t, rp.RestartsEnabled)
	assert.Equal(t, cfg.Health.Interval, rp.ProbeInterval)

	bp := cfg.BackupPolicy()
	assert.False(t, bp.AutoBackupEnabled)
	assert.Equal(t, 5, bp.MaxBackups)
}
