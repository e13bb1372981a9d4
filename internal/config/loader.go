package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file reaperd looks for in the working
// directory.
const DefaultFileName = "reaperd.yaml"

// Loader reads configuration and optionally watches it for changes.
type Loader struct {
	v      *viper.Viper
	logger *log.Logger
}

// NewLoader creates a Loader for the given file path. An empty path
// searches the working directory for reaperd.yaml; a missing file is not
// an error, defaults and environment apply.
//
// Every key is overridable through the environment with the REAPER_
// prefix and underscores for nesting, e.g. REAPER_SYNC_INTERVAL=30s.
func NewLoader(path string, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("reaperd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	return &Loader{v: v, logger: logger}
}

// Load reads the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Default()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Watch reloads the configuration whenever the file changes and hands
// the result to fn. Parse failures keep the previous configuration.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Printf("Config file changed: %s", e.Name)
		cfg := Default()
		if err := l.v.Unmarshal(cfg); err != nil {
			l.logger.Printf("Error reloading config: %v", err)
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("user_id", d.UserID)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.cache_ttl", d.Sync.CacheTTL)
	v.SetDefault("sync.initial_backoff", d.Sync.InitialBackoff)
	v.SetDefault("sync.max_backoff", d.Sync.MaxBackoff)
	v.SetDefault("sync.max_permanent_attempts", d.Sync.MaxPermanentAttempts)
	v.SetDefault("session.work_duration", d.Session.WorkDuration)
	v.SetDefault("session.break_duration", d.Session.BreakDuration)
	v.SetDefault("session.checkpoint_interval", d.Session.CheckpointInterval)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// defaultTemplate is the commented file written by `reaperd config
// init`. It must stay in sync with Default().
const defaultTemplate = `# reaperd configuration.
# Every key can be overridden through the environment with the
# REAPER_ prefix, e.g. REAPER_SYNC_INTERVAL=30s.

# Account the daemon runs sessions for.
user_id: ""

database:
  # Local durable store for the pending queue and read cache.
  path: reaperd.db

sync:
  # Periodic fallback replay interval.
  interval: 60s
  # How long a cached read stays fresh.
  cache_ttl: 5m
  initial_backoff: 2s
  max_backoff: 5m
  max_permanent_attempts: 3

session:
  work_duration: 25m
  break_duration: 5m
  # How often the remaining time is written while running.
  checkpoint_interval: 15s

dashboard:
  enabled: true
  port: 8090

log:
  # Rotated log destination; empty logs to stderr.
  file: ""
  max_size_mb: 10
  max_backups: 3
  max_age_days: 28
`

// WriteDefault writes the commented default configuration file. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	// Guard against the template drifting into something unparseable.
	// Durations stay strings here; viper's decode hook parses them.
	var check map[string]any
	if err := yaml.Unmarshal([]byte(defaultTemplate), &check); err != nil {
		return fmt.Errorf("default config template is invalid: %w", err)
	}

	if err := os.WriteFile(path, []byte(defaultTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
