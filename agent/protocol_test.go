// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/binary"
	"testing"
)

func TestFrameWriterPatchesLength(t *testing.T) {
	t.Parallel()

	writer := NewFrameWriter()
	writer.PutInt32(int32(MessageSetSize))
	writer.PutInt32(80)
	writer.PutInt32(25)
	frame := writer.Finish()

	if got := binary.LittleEndian.Uint64(frame[:FrameHeaderLength]); got != uint64(len(frame)) {
		t.Fatalf("declared length %d, frame is %d bytes", got, len(frame))
	}
	if len(frame) != FrameHeaderLength+12 {
		t.Fatalf("frame is %d bytes, want %d", len(frame), FrameHeaderLength+12)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	writer := NewFrameWriter()
	writer.PutUint64(SpawnFlagAutoShutdown)
	writer.PutInt32(1)
	writer.PutInt64(-7)
	writer.PutWString("cmd.exe /c dir")
	writer.PutWString("")
	writer.PutWString("päth/with/ünïcode")
	frame := writer.Finish()

	reader := NewFrameReader(frame[FrameHeaderLength:])
	if got := reader.Uint64(); got != SpawnFlagAutoShutdown {
		t.Errorf("flags = %d", got)
	}
	if got := reader.Int32(); got != 1 {
		t.Errorf("int32 = %d", got)
	}
	if got := reader.Int64(); got != -7 {
		t.Errorf("int64 = %d", got)
	}
	if got := reader.WString(); got != "cmd.exe /c dir" {
		t.Errorf("string = %q", got)
	}
	if got := reader.WString(); got != "" {
		t.Errorf("empty string = %q", got)
	}
	if got := reader.WString(); got != "päth/with/ünïcode" {
		t.Errorf("unicode string = %q", got)
	}
	if err := reader.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestFrameReaderUnderrun(t *testing.T) {
	t.Parallel()

	reader := NewFrameReader([]byte{1, 2})
	if got := reader.Int32(); got != 0 {
		t.Errorf("underrun read returned %d, want 0", got)
	}
	if reader.Err() == nil {
		t.Fatal("underrun not recorded")
	}
	// Sticky: later reads stay zero, Finish reports the failure.
	if got := reader.Int64(); got != 0 {
		t.Errorf("read after error returned %d", got)
	}
	if err := reader.Finish(); err == nil {
		t.Fatal("Finish ignored sticky error")
	}
}

func TestFrameReaderNegativeStringCount(t *testing.T) {
	t.Parallel()

	writer := NewFrameWriter()
	writer.PutInt32(-1)
	frame := writer.Finish()

	reader := NewFrameReader(frame[FrameHeaderLength:])
	if got := reader.WString(); got != "" {
		t.Errorf("negative-count string = %q", got)
	}
	if reader.Err() == nil {
		t.Fatal("negative count accepted")
	}
}

func TestFrameReaderTrailingBytes(t *testing.T) {
	t.Parallel()

	writer := NewFrameWriter()
	writer.PutInt32(80)
	writer.PutInt32(25)
	writer.PutInt32(999)
	frame := writer.Finish()

	reader := NewFrameReader(frame[FrameHeaderLength:])
	reader.Int32()
	reader.Int32()
	if err := reader.Finish(); err == nil {
		t.Fatal("trailing bytes accepted")
	}
}
