// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal records agent lifecycle events to a compressed
// on-disk file for post-mortem inspection. Entries are a CBOR stream
// inside a zstd frame; Read decodes a finished journal back into
// memory.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/conbridge/conbridge/lib/codec"
)

// Entry is one recorded lifecycle event.
type Entry struct {
	Time   time.Time      `cbor:"time"`
	Event  string         `cbor:"event"`
	Fields map[string]any `cbor:"fields,omitempty"`
}

// Writer appends entries to a journal file. A nil *Writer is a valid
// no-op sink, so callers record unconditionally and journaling is
// enabled purely by constructing one.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	zstd     *zstd.Encoder
	encoder  *codec.Encoder
	writeErr error
	now      func() time.Time
}

// Create opens a journal at path, truncating any previous run's file.
func Create(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}
	compressor, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create journal compressor: %w", err)
	}
	return &Writer{
		file:    file,
		zstd:    compressor,
		encoder: codec.NewEncoder(compressor),
		now:     time.Now,
	}, nil
}

// Record appends one entry. Journaling is diagnostic: a write failure
// is retained for Close to report rather than disturbing the caller.
func (w *Writer) Record(event string, fields map[string]any) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.encoder == nil || w.writeErr != nil {
		return
	}
	entry := Entry{Time: w.now().UTC(), Event: event, Fields: fields}
	if err := w.encoder.Encode(entry); err != nil {
		w.writeErr = fmt.Errorf("record %q: %w", event, err)
	}
}

// Close flushes and closes the journal, reporting the first write
// failure if any entry was lost. Safe on a nil receiver.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.encoder == nil {
		return nil
	}
	w.encoder = nil

	err := w.writeErr
	if closeErr := w.zstd.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("flush journal: %w", closeErr)
	}
	if closeErr := w.file.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close journal: %w", closeErr)
	}
	return err
}

// Read decodes a finished journal file.
func Read(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	decompressor, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("open journal decompressor: %w", err)
	}
	defer decompressor.Close()

	decoder := codec.NewDecoder(decompressor)
	var entries []Entry
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return nil, fmt.Errorf("decode journal entry %d: %w", len(entries), err)
		}
		entries = append(entries, entry)
	}
}
