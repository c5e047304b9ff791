// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for conbridge
// commands.
//
// Configuration is loaded from a single file named by either the
// CONBRIDGE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks and no automatic file
// discovery; an absent file means defaults. Command-line flags take
// precedence over file values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable [Load] consults.
const EnvVar = "CONBRIDGE_CONFIG"

// Config is the agent-side configuration.
type Config struct {
	// SocketDir is where the agent creates its data channel sockets.
	// Empty means the system temporary directory.
	SocketDir string `yaml:"socket_dir"`

	// PollInterval is the reactor's periodic tick. Zero means the
	// built-in default.
	PollInterval Duration `yaml:"poll_interval"`

	// Journal, when set, is the path of the lifecycle journal file to
	// write.
	Journal string `yaml:"journal"`

	// LogLevel is the slog level name: debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// Diagnostics holds settings only useful when debugging the agent
	// itself.
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// DiagnosticsConfig holds debugging aids.
type DiagnosticsConfig struct {
	// SeparateInputBytes feeds inbound data bytes to the input
	// translator one at a time, exercising escape-sequence reassembly
	// under maximal fragmentation.
	SeparateInputBytes bool `yaml:"separate_input_bytes"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "25ms" or "1s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
	}
}

// Load reads the file named by the CONBRIDGE_CONFIG environment
// variable, or returns defaults when it is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads one configuration file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values without touching the filesystem.
func (c *Config) Validate() error {
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval is negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps a level name to its slog level. Empty means info.
func ParseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log_level %q", name)
	}
}
