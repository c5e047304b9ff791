// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conbridge.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.PollInterval != 0 {
		t.Errorf("poll interval = %v, want 0 (built-in default)", cfg.PollInterval)
	}
	if cfg.Diagnostics.SeparateInputBytes {
		t.Error("separate_input_bytes on by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
socket_dir: /run/conbridge
poll_interval: 10ms
journal: /var/log/conbridge/agent.journal
log_level: debug
diagnostics:
  separate_input_bytes: true
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.SocketDir != "/run/conbridge" {
		t.Errorf("socket_dir = %q", cfg.SocketDir)
	}
	if time.Duration(cfg.PollInterval) != 10*time.Millisecond {
		t.Errorf("poll_interval = %v, want 10ms", cfg.PollInterval)
	}
	if cfg.Journal != "/var/log/conbridge/agent.journal" {
		t.Errorf("journal = %q", cfg.Journal)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if !cfg.Diagnostics.SeparateInputBytes {
		t.Error("separate_input_bytes not set")
	}
}

func TestLoadFilePartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "socket_dir: /tmp/conbridge\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.SocketDir != "/tmp/conbridge" {
		t.Errorf("socket_dir = %q", cfg.SocketDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q, want default info", cfg.LogLevel)
	}
}

func TestLoadFileRejectsBadValues(t *testing.T) {
	if _, err := LoadFile(writeConfig(t, "poll_interval: soon\n")); err == nil {
		t.Error("unparseable duration accepted")
	}
	if _, err := LoadFile(writeConfig(t, "log_level: shouty\n")); err == nil {
		t.Error("unknown log level accepted")
	}
}

func TestLoadUsesEnvironment(t *testing.T) {
	path := writeConfig(t, "log_level: warn\n")
	t.Setenv(EnvVar, path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q, want warn", cfg.LogLevel)
	}

	t.Setenv(EnvVar, "")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load with unset variable: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q, want default info", cfg.LogLevel)
	}
}

func TestParseLogLevel(t *testing.T) {
	levels := map[string]slog.Level{
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range levels {
		got, err := ParseLogLevel(name)
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("unknown level accepted")
	}
}
