// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "50ms" or "60s" via time.ParseDuration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for a presence node.
type Config struct {
	// Environment identifies the deployment type (development,
	// staging, production).
	Environment Environment `yaml:"environment"`

	// Store configures the shared durable sync store.
	Store StoreConfig `yaml:"store"`

	// Broadcast configures the ephemeral broadcast channel.
	Broadcast BroadcastConfig `yaml:"broadcast"`

	// Bus configures the message bus poll loop and sweeps.
	Bus BusConfig `yaml:"bus"`

	// RTC configures peer connection negotiation.
	RTC RTCConfig `yaml:"rtc"`

	// Per-environment overrides, applied after the base config loads.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Store     *StoreConfig     `yaml:"store,omitempty"`
	Broadcast *BroadcastConfig `yaml:"broadcast,omitempty"`
	Bus       *BusConfig       `yaml:"bus,omitempty"`
	RTC       *RTCConfig       `yaml:"rtc,omitempty"`
}

// StoreConfig configures the shared durable sync store.
type StoreConfig struct {
	// Path is the SQLite database file shared by every instance on
	// the machine. Default: ${HOME}/.cache/pixelcommons/sync.db
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection pool size. Zero means the
	// sqlitepool default.
	PoolSize int `yaml:"pool_size"`
}

// BroadcastConfig configures the ephemeral broadcast channel.
type BroadcastConfig struct {
	// SocketDir is the directory holding one Unix datagram socket per
	// live instance. Default: /tmp/pixelcommons-sync
	SocketDir string `yaml:"socket_dir"`
}

// BusConfig configures the message bus poll loop and record sweeps.
type BusConfig struct {
	// PollInterval is the durable store poll period. Default: 50ms.
	PollInterval Duration `yaml:"poll_interval"`

	// BacklogWindow bounds how far back the first poll after start
	// reaches into the store. Default: 60s.
	BacklogWindow Duration `yaml:"backlog_window"`

	// SweepMaxAge is the record age removed by the routine sweep.
	// Default: 10s.
	SweepMaxAge Duration `yaml:"sweep_max_age"`

	// AggressiveSweepMaxAge is the record age removed when a store
	// write fails and space must be reclaimed immediately. Default: 2s.
	AggressiveSweepMaxAge Duration `yaml:"aggressive_sweep_max_age"`
}

// RTCConfig configures peer connection negotiation.
type RTCConfig struct {
	// STUNServers are the STUN URLs used for ICE candidate gathering.
	STUNServers []string `yaml:"stun_servers"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; the config file is still
// required for Load.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Environment: Development,
		Store: StoreConfig{
			Path: filepath.Join(homeDir, ".cache", "pixelcommons", "sync.db"),
		},
		Broadcast: BroadcastConfig{
			SocketDir: "/tmp/pixelcommons-sync",
		},
		Bus: BusConfig{
			PollInterval:          Duration(50 * time.Millisecond),
			BacklogWindow:         Duration(60 * time.Second),
			SweepMaxAge:           Duration(10 * time.Second),
			AggressiveSweepMaxAge: Duration(2 * time.Second),
		},
		RTC: RTCConfig{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
	}
}

// Load loads configuration from the PRESENCE_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults: if PRESENCE_CONFIG is not set,
// this fails, so the effective configuration is always auditable.
func Load() (*Config, error) {
	configPath := os.Getenv("PRESENCE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PRESENCE_CONFIG environment variable not set; " +
			"set it to the path of your presence.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${HOME} in paths for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching c.Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
	}

	if overrides.Broadcast != nil {
		if overrides.Broadcast.SocketDir != "" {
			c.Broadcast.SocketDir = overrides.Broadcast.SocketDir
		}
	}

	if overrides.Bus != nil {
		if overrides.Bus.PollInterval != 0 {
			c.Bus.PollInterval = overrides.Bus.PollInterval
		}
		if overrides.Bus.BacklogWindow != 0 {
			c.Bus.BacklogWindow = overrides.Bus.BacklogWindow
		}
		if overrides.Bus.SweepMaxAge != 0 {
			c.Bus.SweepMaxAge = overrides.Bus.SweepMaxAge
		}
		if overrides.Bus.AggressiveSweepMaxAge != 0 {
			c.Bus.AggressiveSweepMaxAge = overrides.Bus.AggressiveSweepMaxAge
		}
	}

	if overrides.RTC != nil {
		if len(overrides.RTC.STUNServers) > 0 {
			c.RTC.STUNServers = overrides.RTC.STUNServers
		}
	}
}

// expandVariables expands ${HOME} in path fields.
func (c *Config) expandVariables() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return
	}
	c.Store.Path = strings.ReplaceAll(c.Store.Path, "${HOME}", homeDir)
	c.Broadcast.SocketDir = strings.ReplaceAll(c.Broadcast.SocketDir, "${HOME}", homeDir)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	if c.Bus.PollInterval <= 0 {
		return fmt.Errorf("config: bus.poll_interval must be positive")
	}
	if c.Bus.BacklogWindow < 0 {
		return fmt.Errorf("config: bus.backlog_window must not be negative")
	}
	if c.Bus.AggressiveSweepMaxAge.Std() > c.Bus.SweepMaxAge.Std() {
		return fmt.Errorf("config: aggressive sweep age %s exceeds routine sweep age %s",
			c.Bus.AggressiveSweepMaxAge.Std(), c.Bus.SweepMaxAge.Std())
	}
	return nil
}
