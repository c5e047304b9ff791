// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// The control channel carries length-prefixed frames. A frame is an
// 8-byte unsigned total length (counted from the start of the frame,
// header included) followed by the body. Request bodies begin with a
// 4-byte signed message type; reply bodies carry no type, since request
// and reply are strictly paired. All integers are little-endian. Strings
// travel as a 4-byte signed count of UTF-16 code units followed by the
// code units.

// FrameHeaderLength is the size of the total-length prefix.
const FrameHeaderLength = 8

// MessageType discriminates request frames on the control channel.
type MessageType int32

const (
	// MessageStartProcess asks the agent to spawn the target program
	// on its console.
	MessageStartProcess MessageType = 0

	// MessageSetSize asks the agent to resize the console window.
	MessageSetSize MessageType = 1
)

// StartProcessResult is the leading field of a StartProcess reply.
type StartProcessResult int32

const (
	// StartResultPipesStillOpen means one or more data channels had
	// not finished connecting. Retryable; the reply names the pending
	// channels.
	StartResultPipesStillOpen StartProcessResult = 0

	// StartResultCreateProcessFailed means the OS rejected process
	// creation. The reply carries the OS error code.
	StartResultCreateProcessFailed StartProcessResult = 1

	// StartResultProcessCreated means the spawn succeeded. The reply
	// carries the granted process and thread handle values (zero when
	// not requested or not available).
	StartResultProcessCreated StartProcessResult = 2
)

// SpawnFlagAutoShutdown arms auto-shutdown: once the spawned process
// exits, the agent drains and closes its output channels.
const SpawnFlagAutoShutdown uint64 = 0x1

// Agent behavior flags, as passed on the agent command line by the
// host.
const (
	// FlagConsoleError enables the secondary screen buffer and its
	// output data channel, wired as the spawned process's standard
	// error.
	FlagConsoleError uint64 = 0x1

	// FlagPlainOutput suppresses escape-sequence output in favor of
	// plain text.
	FlagPlainOutput uint64 = 0x2

	// FlagColorEscapes re-enables color escape output in plain mode.
	FlagColorEscapes uint64 = 0x4
)

// FrameWriter builds an outgoing frame. The length field is reserved
// at construction and patched in place by Finish once the payload is
// complete, so the frame can be written to the channel atomically.
type FrameWriter struct {
	buf []byte
}

// NewFrameWriter returns a writer with the length field reserved.
func NewFrameWriter() *FrameWriter {
	return &FrameWriter{buf: make([]byte, FrameHeaderLength)}
}

// PutInt32 appends a 32-bit signed integer.
func (w *FrameWriter) PutInt32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

// PutInt64 appends a 64-bit signed integer.
func (w *FrameWriter) PutInt64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

// PutUint64 appends a 64-bit unsigned integer.
func (w *FrameWriter) PutUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// PutWString appends a length-prefixed UTF-16 string.
func (w *FrameWriter) PutWString(s string) {
	units := utf16.Encode([]rune(s))
	w.PutInt32(int32(len(units)))
	for _, unit := range units {
		w.buf = binary.LittleEndian.AppendUint16(w.buf, unit)
	}
}

// Finish patches the length field and returns the complete frame.
func (w *FrameWriter) Finish() []byte {
	binary.LittleEndian.PutUint64(w.buf[:FrameHeaderLength], uint64(len(w.buf)))
	return w.buf
}

// FrameReader parses a frame body. Errors are sticky: after the first
// decode failure every accessor returns a zero value and Finish
// reports the failure. The caller treats a Finish error as fatal: a
// malformed frame means the internal wire contract is broken and there
// is no coherent way to reply.
type FrameReader struct {
	data []byte
	off  int
	err  error
}

// NewFrameReader returns a reader over a frame body (header already
// stripped).
func NewFrameReader(body []byte) *FrameReader {
	return &FrameReader{data: body}
}

// need consumes n bytes, recording an underrun as the sticky error.
func (r *FrameReader) need(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("frame underrun: need %d bytes at offset %d, body is %d bytes", n, r.off, len(r.data))
		return nil
	}
	field := r.data[r.off : r.off+n]
	r.off += n
	return field
}

// Int32 reads a 32-bit signed integer.
func (r *FrameReader) Int32() int32 {
	field := r.need(4)
	if field == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(field))
}

// Int64 reads a 64-bit signed integer.
func (r *FrameReader) Int64() int64 {
	field := r.need(8)
	if field == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(field))
}

// Uint64 reads a 64-bit unsigned integer.
func (r *FrameReader) Uint64() uint64 {
	field := r.need(8)
	if field == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(field)
}

// WString reads a length-prefixed UTF-16 string.
func (r *FrameReader) WString() string {
	count := r.Int32()
	if r.err != nil {
		return ""
	}
	if count < 0 {
		r.err = fmt.Errorf("frame string has negative length %d", count)
		return ""
	}
	field := r.need(int(count) * 2)
	if field == nil {
		return ""
	}
	units := make([]uint16, count)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(field[i*2:])
	}
	return string(utf16.Decode(units))
}

// Err returns the sticky decode error, if any.
func (r *FrameReader) Err() error {
	return r.err
}

// Finish reports the sticky error, or a violation if the body holds
// bytes beyond the fields that were read. A request longer than its
// known fields means the two ends disagree about the message layout.
func (r *FrameReader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return fmt.Errorf("frame has %d trailing bytes after %d-byte body", len(r.data)-r.off, r.off)
	}
	return nil
}
