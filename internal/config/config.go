// Package config loads reaperd configuration from file, environment,
// and defaults.
package config

import "time"

// Config represents the full reaperd configuration
type Config struct {
	// UserID is the account the daemon runs sessions for
	UserID string `yaml:"user_id" mapstructure:"user_id"`

	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DatabaseConfig locates the local durable store
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SyncConfig tunes the offline queue
type SyncConfig struct {
	Interval             time.Duration `yaml:"interval" mapstructure:"interval"`
	CacheTTL             time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	InitialBackoff       time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	MaxPermanentAttempts int           `yaml:"max_permanent_attempts" mapstructure:"max_permanent_attempts"`
}

// SessionConfig tunes the pomodoro countdown
type SessionConfig struct {
	WorkDuration       time.Duration `yaml:"work_duration" mapstructure:"work_duration"`
	BreakDuration      time.Duration `yaml:"break_duration" mapstructure:"break_duration"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
}

// DashboardConfig controls the WebSocket dashboard
type DashboardConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Port    int  `yaml:"port" mapstructure:"port"`
}

// LogConfig controls daemon log rotation
type LogConfig struct {
	// File is the rotated log destination; empty logs to stderr
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "reaperd.db",
		},
		Sync: SyncConfig{
			Interval:             60 * time.Second,
			CacheTTL:             5 * time.Minute,
			InitialBackoff:       2 * time.Second,
			MaxBackoff:           5 * time.Minute,
			MaxPermanentAttempts: 3,
		},
		Session: SessionConfig{
			WorkDuration:       25 * time.Minute,
			BreakDuration:      5 * time.Minute,
			CheckpointInterval: 15 * time.Second,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Port:    8090,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}
