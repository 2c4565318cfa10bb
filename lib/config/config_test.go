// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presence.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	path := writeConfig(t, "environment: development\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Bus.PollInterval.Std() != 50*time.Millisecond {
		t.Errorf("poll_interval = %s, want 50ms", cfg.Bus.PollInterval.Std())
	}
	if cfg.Bus.BacklogWindow.Std() != 60*time.Second {
		t.Errorf("backlog_window = %s, want 60s", cfg.Bus.BacklogWindow.Std())
	}
	if cfg.Bus.SweepMaxAge.Std() != 10*time.Second {
		t.Errorf("sweep_max_age = %s, want 10s", cfg.Bus.SweepMaxAge.Std())
	}
	if cfg.Bus.AggressiveSweepMaxAge.Std() != 2*time.Second {
		t.Errorf("aggressive_sweep_max_age = %s, want 2s", cfg.Bus.AggressiveSweepMaxAge.Std())
	}
	if len(cfg.RTC.STUNServers) != 2 {
		t.Errorf("stun_servers = %v", cfg.RTC.STUNServers)
	}
}

func TestLoadFileParsesDurations(t *testing.T) {
	path := writeConfig(t, `
environment: development
bus:
  poll_interval: 100ms
  backlog_window: 30s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Bus.PollInterval.Std() != 100*time.Millisecond {
		t.Errorf("poll_interval = %s", cfg.Bus.PollInterval.Std())
	}
	if cfg.Bus.BacklogWindow.Std() != 30*time.Second {
		t.Errorf("backlog_window = %s", cfg.Bus.BacklogWindow.Std())
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: production
store:
  path: /var/pixelcommons/sync.db
production:
  store:
    path: /srv/pixelcommons/sync.db
  bus:
    poll_interval: 25ms
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Store.Path != "/srv/pixelcommons/sync.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.Bus.PollInterval.Std() != 25*time.Millisecond {
		t.Errorf("poll_interval = %s", cfg.Bus.PollInterval.Std())
	}
}

func TestOverridesForOtherEnvironmentIgnored(t *testing.T) {
	path := writeConfig(t, `
environment: development
production:
  bus:
    poll_interval: 1s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Bus.PollInterval.Std() != 50*time.Millisecond {
		t.Errorf("poll_interval = %s, want default 50ms", cfg.Bus.PollInterval.Std())
	}
}

func TestValidateRejectsInvertedSweepAges(t *testing.T) {
	path := writeConfig(t, `
environment: development
bus:
  sweep_max_age: 1s
  aggressive_sweep_max_age: 5s
`)

	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted aggressive sweep age above routine sweep age")
	}
}

func TestValidateRejectsUnknownEnvironment(t *testing.T) {
	path := writeConfig(t, "environment: sandbox\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted unknown environment")
	}
}

func TestLoadRequiresEnvVariable(t *testing.T) {
	t.Setenv("PRESENCE_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load without PRESENCE_CONFIG succeeded")
	}
}

func TestExpandHome(t *testing.T) {
	path := writeConfig(t, `
environment: development
store:
  path: ${HOME}/sync.db
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	home, _ := os.UserHomeDir()
	if cfg.Store.Path != filepath.Join(home, "sync.db") {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
}
