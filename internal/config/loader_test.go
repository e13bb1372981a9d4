package config

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(logWriter{t}, "[test] ", 0)
}

type logWriter struct {
	t *testing.T
}

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"), testLogger(t))

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	if *cfg != *want {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reaperd.yaml")
	body := `user_id: kaneki
sync:
  interval: 30s
session:
  work_duration: 50m
dashboard:
  enabled: false
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := NewLoader(path, testLogger(t)).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.UserID != "kaneki" {
		t.Errorf("expected user_id kaneki, got %q", cfg.UserID)
	}
	if cfg.Sync.Interval != 30*time.Second {
		t.Errorf("expected 30s interval, got %s", cfg.Sync.Interval)
	}
	if cfg.Session.WorkDuration != 50*time.Minute {
		t.Errorf("expected 50m work duration, got %s", cfg.Session.WorkDuration)
	}
	if cfg.Dashboard.Enabled {
		t.Error("expected dashboard disabled")
	}

	// Untouched keys keep their defaults.
	if cfg.Sync.CacheTTL != 5*time.Minute {
		t.Errorf("expected default cache TTL, got %s", cfg.Sync.CacheTTL)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("REAPER_SYNC_INTERVAL", "15s")
	t.Setenv("REAPER_USER_ID", "touka")

	cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"), testLogger(t)).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.Interval != 15*time.Second {
		t.Errorf("expected 15s interval from env, got %s", cfg.Sync.Interval)
	}
	if cfg.UserID != "touka" {
		t.Errorf("expected user_id touka from env, got %q", cfg.UserID)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reaperd.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	cfg, err := NewLoader(path, testLogger(t)).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("written defaults do not round-trip: %+v", cfg)
	}

	// A second write must not clobber the file.
	if err := WriteDefault(path); err == nil {
		t.Error("expected refusal to overwrite an existing file")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reaperd.yaml")
	if err := os.WriteFile(path, []byte("user_id: kaneki\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader(path, testLogger(t))
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	reloaded := make(chan *Config, 4)
	loader.Watch(func(cfg *Config) { reloaded <- cfg })

	// Give the watcher a moment to attach before changing the file.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte("user_id: touka\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.UserID != "touka" {
			t.Errorf("expected reloaded user_id touka, got %q", cfg.UserID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change was never observed")
	}
}
