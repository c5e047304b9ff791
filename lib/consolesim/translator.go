// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package consolesim

import (
	"bytes"
	"io"
	"sync"

	"github.com/conbridge/conbridge/agent"
)

// Translator forwards raw input bytes to the simulated console's input
// stream. Its one reassembly duty: an escape sequence split across
// reads must not be forwarded in pieces, and a lone ESC keypress must
// not be held forever. A trailing incomplete sequence is retained
// until more bytes complete it or the periodic flush delivers it.
//
// A held lone ESC is ambiguous: keypress, or the first byte of a
// sequence still in flight. The translator asks for a Device Status
// Report once; the terminal's reply never splits a keypress sequence,
// so if the reply arrives while the ESC is still alone, it was a
// keypress and is released immediately.
type Translator struct {
	mu      sync.Mutex
	output  io.Writer
	dsr     agent.DSRSender
	mode    agent.MouseMode
	window  agent.Rect
	pending []byte
	dsrSent bool

	// consoleWantsMouse stands in for the console input state that
	// MouseModeAuto consults.
	consoleWantsMouse bool
}

// NewTranslatorFactory returns an agent.TranslatorFactory whose
// translators forward input to output (the spawned process's standard
// input).
func NewTranslatorFactory(output io.Writer) agent.TranslatorFactory {
	return func(dsr agent.DSRSender, mode agent.MouseMode) (agent.InputTranslator, error) {
		return &Translator{output: output, dsr: dsr, mode: mode}, nil
	}
}

// WriteInput feeds a batch of raw bytes to the translator.
func (t *Translator) WriteInput(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, data...)
	t.processLocked()
}

// FlushIncompleteEscape delivers any held partial sequence.
func (t *Translator) FlushIncompleteEscape() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked()
}

// UpdateMouseInputFlags recomputes whether mouse tracking should be
// active under the configured policy.
func (t *Translator) UpdateMouseInputFlags() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.mode {
	case agent.MouseModeForce:
		return true
	case agent.MouseModeAuto:
		return t.consoleWantsMouse
	default:
		return false
	}
}

// SetMouseWindowRect updates the rectangle used to map mouse
// coordinates to buffer cells.
func (t *Translator) SetMouseWindowRect(window agent.Rect) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = window
}

// SetConsoleMouseInput records whether the console's input state asks
// for mouse events, consulted under MouseModeAuto.
func (t *Translator) SetConsoleMouseInput(wanted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consoleWantsMouse = wanted
}

// MouseWindowRect returns the current mouse mapping rectangle.
func (t *Translator) MouseWindowRect() agent.Rect {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.window
}

// processLocked forwards complete input, consumes DSR replies, and
// retains a trailing incomplete escape sequence.
func (t *Translator) processLocked() {
	for {
		start := bytes.IndexByte(t.pending, 0x1b)
		if start < 0 {
			t.forwardLocked(t.pending)
			t.pending = nil
			return
		}
		t.forwardLocked(t.pending[:start])
		t.pending = t.pending[start:]

		length, complete, isDSRReply := scanEscape(t.pending)
		if !complete {
			// A lone held ESC triggers one DSR round-trip so a bare
			// keypress is released as soon as the reply comes back.
			if len(t.pending) == 1 && !t.dsrSent {
				t.dsr.SendDSR()
				t.dsrSent = true
			}
			return
		}
		if isDSRReply {
			t.dsrSent = false
			remainder := t.pending[length:]
			if len(remainder) == 0 {
				t.pending = nil
				return
			}
			t.pending = append([]byte(nil), remainder...)
			// The reply proves everything before it was complete; a
			// still-lone ESC behind it was a bare keypress.
			if len(t.pending) == 1 && t.pending[0] == 0x1b {
				t.flushLocked()
				return
			}
			continue
		}
		t.forwardLocked(t.pending[:length])
		t.pending = append([]byte(nil), t.pending[length:]...)
		t.dsrSent = false
	}
}

func (t *Translator) flushLocked() {
	if len(t.pending) == 0 {
		return
	}
	t.forwardLocked(t.pending)
	t.pending = nil
	t.dsrSent = false
}

func (t *Translator) forwardLocked(data []byte) {
	if len(data) == 0 || t.output == nil {
		return
	}
	t.output.Write(data)
}

// scanEscape examines a byte slice beginning with ESC. It reports the
// sequence length, whether the sequence is complete, and whether it is
// a cursor position report (the DSR reply, CSI row;col R).
func scanEscape(data []byte) (length int, complete, isDSRReply bool) {
	if len(data) < 2 {
		return 0, false, false
	}
	if data[1] == 0x1b {
		// ESC followed by another ESC: the first was a bare keypress.
		return 1, true, false
	}
	if data[1] != '[' {
		// Two-byte ESC sequence (alt-modified key and similar).
		return 2, true, false
	}
	for i := 2; i < len(data); i++ {
		c := data[i]
		if c >= 0x40 && c <= 0x7e {
			return i + 1, true, c == 'R'
		}
	}
	return 0, false, false
}
