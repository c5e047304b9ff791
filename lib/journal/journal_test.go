// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.journal")
	writer, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tick := 0
	writer.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	writer.Record("spawn", map[string]any{"cmdline": "cmd.exe", "auto_shutdown": true})
	writer.Record("resize", map[string]any{"cols": int64(120), "rows": int64(30)})
	writer.Record("shutdown", nil)
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Event != "spawn" || entries[1].Event != "resize" || entries[2].Event != "shutdown" {
		t.Fatalf("unexpected event order: %q %q %q",
			entries[0].Event, entries[1].Event, entries[2].Event)
	}
	if entries[0].Fields["cmdline"] != "cmd.exe" {
		t.Errorf("spawn cmdline = %v", entries[0].Fields["cmdline"])
	}
	if entries[1].Fields["cols"] != int64(120) {
		t.Errorf("resize cols = %v (%T)", entries[1].Fields["cols"], entries[1].Fields["cols"])
	}
	if entries[2].Fields != nil {
		t.Errorf("shutdown fields = %v, want nil", entries[2].Fields)
	}
	if !entries[1].Time.After(entries[0].Time) {
		t.Errorf("timestamps not increasing: %v then %v", entries[0].Time, entries[1].Time)
	}
}

func TestNilWriterIsNoOp(t *testing.T) {
	t.Parallel()

	var writer *Writer
	writer.Record("spawn", nil)
	if err := writer.Close(); err != nil {
		t.Fatalf("Close on nil writer: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.journal")
	writer, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	writer.Record("shutdown", nil)
	if err := writer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	writer.Record("late", nil)

	entries, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
}

func TestReadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Read(filepath.Join(t.TempDir(), "absent.journal")); err == nil {
		t.Fatal("Read of missing file succeeded")
	}
}
