package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kami-note/clusterforge/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the control plane.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Ports      PortsConfig    `yaml:"ports"`
	Templates  PathConfig     `yaml:"templates"`
	Workspaces PathConfig     `yaml:"workspaces"`
	Backups    BackupsConfig  `yaml:"backups"`
	Health     HealthConfig   `yaml:"health"`
	Recovery   RecoveryConfig `yaml:"recovery"`
	Metrics    MetricsConfig  `yaml:"metrics"`
	Runtime    RuntimeConfig  `yaml:"runtime"`
	Log        LogConfig      `yaml:"log"`
}

// PortsConfig bounds the host port pool as a half-open range [Lo, Hi).
type PortsConfig struct {
	Lo int `yaml:"lo"`
	Hi int `yaml:"hi"`
}

// PathConfig names a root directory
type PathConfig struct {
	Root string `yaml:"root"`
}

// BackupsConfig controls the backup scheduler and per-cluster defaults.
type BackupsConfig struct {
	Root          string        `yaml:"root"`
	SchedulerTick time.Duration `yaml:"scheduler_tick"`
	Defaults      BackupDefaults `yaml:"defaults"`
}

// BackupDefaults seed a cluster's BackupPolicy when no override is stored.
type BackupDefaults struct {
	Enabled       bool `yaml:"enabled"`
	IntervalHours int  `yaml:"interval_hours"`
	RetentionDays int  `yaml:"retention_days"`
	MaxBackups    int  `yaml:"max_backups"`
}

// HealthConfig controls the probe loop.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	HTTPPath string        `yaml:"http_path"`
}

// RecoveryConfig seeds a cluster's RecoveryPolicy when no override is stored.
type RecoveryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// MetricsConfig controls the sampler and the push rules.
type MetricsConfig struct {
	Interval    time.Duration `yaml:"interval"`
	HistorySize int           `yaml:"history_size"`
	// ChangeEpsilonPct suppresses a push unless a tracked percentage moved
	// by more than this many points.
	ChangeEpsilonPct float64       `yaml:"change_epsilon_pct"`
	MaxSilence       time.Duration `yaml:"max_silence"`
}

// RuntimeConfig bounds runtime driver calls.
type RuntimeConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	StatsTimeout time.Duration `yaml:"stats_timeout"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration with every option at its documented default.
func Default() *Config {
	return &Config{
		DataDir:    "/var/lib/clusterforge",
		Ports:      PortsConfig{Lo: 30000, Hi: 32768},
		Templates:  PathConfig{Root: "/var/lib/clusterforge/templates"},
		Workspaces: PathConfig{Root: "/var/lib/clusterforge/workspaces"},
		Backups: BackupsConfig{
			Root:          "/var/lib/clusterforge/backups",
			SchedulerTick: time.Minute,
			Defaults: BackupDefaults{
				Enabled:       false,
				IntervalHours: 24,
				RetentionDays: 7,
				MaxBackups:    5,
			},
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
			Timeout:  3 * time.Second,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:   3,
			RetryInterval: 5 * time.Second,
			Cooldown:      5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Interval:         5 * time.Second,
			HistorySize:      1000,
			ChangeEpsilonPct: 1.0,
			MaxSilence:       30 * time.Second,
		},
		Runtime: RuntimeConfig{
			Timeout:      10 * time.Second,
			StatsTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.Ports.Lo <= 0 || c.Ports.Hi <= c.Ports.Lo {
		return fmt.Errorf("invalid port range [%d,%d)", c.Ports.Lo, c.Ports.Hi)
	}
	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		return fmt.Errorf("health interval and timeout must be positive")
	}
	if c.Metrics.Interval <= 0 || c.Metrics.HistorySize <= 0 {
		return fmt.Errorf("metrics interval and history size must be positive")
	}
	if c.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("recovery max attempts must be positive")
	}
	if c.Backups.SchedulerTick <= 0 {
		return fmt.Errorf("backup scheduler tick must be positive")
	}
	return nil
}

// RecoveryPolicy returns the default per-cluster recovery policy.
func (c *Config) RecoveryPolicy() types.RecoveryPolicy {
	return types.RecoveryPolicy{
		MaxAttempts:     c.Recovery.MaxAttempts,
		RetryInterval:   c.Recovery.RetryInterval,
		Cooldown:        c.Recovery.Cooldown,
		ProbeInterval:   c.Health.Interval,
		RestartsEnabled: true,
	}
}

// BackupPolicy returns the default per-cluster backup policy.
func (c *Config) BackupPolicy() types.BackupPolicy {
	return types.BackupPolicy{
		AutoBackupEnabled: c.Backups.Defaults.Enabled,
		IntervalHours:     c.Backups.Defaults.IntervalHours,
		RetentionDays:     c.Backups.Defaults.RetentionDays,
		MaxBackups:        c.Backups.Defaults.MaxBackups,
		Kind:              types.BackupKindFull,
	}
}
