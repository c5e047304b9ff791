// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import "fmt"

// Point is a cell coordinate on a screen buffer.
type Point struct {
	X int
	Y int
}

// Size is a window or buffer extent in character cells.
type Size struct {
	Cols int
	Rows int
}

// Rect is an inclusive cell rectangle, in screen buffer coordinates.
type Rect struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

// Width returns the rectangle width in cells.
func (r Rect) Width() int { return r.Right - r.Left + 1 }

// Height returns the rectangle height in cells.
func (r Rect) Height() int { return r.Bottom - r.Top + 1 }

// FreezeMethod selects the console primitive used to suspend buffer
// mutation. The two candidates behave identically except that, on some
// console implementations, Mark disturbs the observable cursor
// position. Calibration at startup picks whichever one leaves the
// cursor alone; see calibrateFreezeMethod.
type FreezeMethod int

const (
	// FreezeMark is the cheaper primitive, preferred when it does not
	// move the cursor.
	FreezeMark FreezeMethod = iota

	// FreezeSelectAll is the fallback primitive.
	FreezeSelectAll
)

// String returns the primitive name for logs.
func (m FreezeMethod) String() string {
	switch m {
	case FreezeMark:
		return "mark"
	case FreezeSelectAll:
		return "select-all"
	default:
		return fmt.Sprintf("freeze-method(%d)", int(m))
	}
}

// Console is the agent's handle on the console session it owns. The
// agent is the sole mutator; collaborators only touch the console
// between SetFrozen(true) and SetFrozen(false).
type Console interface {
	// Title returns the console window title.
	Title() (string, error)

	// SetTitle sets the console window title.
	SetTitle(title string) error

	// FreezeMethod returns the currently selected suspension primitive.
	FreezeMethod() FreezeMethod

	// SetFreezeMethod selects the suspension primitive used by
	// subsequent SetFrozen calls.
	SetFreezeMethod(method FreezeMethod)

	// Frozen reports whether the console is currently suspended.
	Frozen() bool

	// SetFrozen suspends or resumes console buffer mutation using the
	// selected freeze method.
	SetFrozen(frozen bool) error
}

// BufferInfo is a snapshot of a screen buffer's geometry.
type BufferInfo struct {
	// BufferSize is the full scrollback extent of the buffer.
	BufferSize Size

	// Window is the visible window rectangle within the buffer.
	Window Rect

	// Cursor is the cursor position in buffer coordinates.
	Cursor Point
}

// ScreenBuffer is one console screen buffer: the primary buffer, or
// the optional secondary buffer used as the spawned process's standard
// error when the secondary output stream is configured.
type ScreenBuffer interface {
	// Info returns the buffer's current geometry.
	Info() (BufferInfo, error)

	// ResizeBuffer changes the buffer's full extent.
	ResizeBuffer(size Size) error

	// MoveWindow repositions the visible window within the buffer.
	MoveWindow(window Rect) error

	// CursorPosition returns the cursor position.
	CursorPosition() (Point, error)

	// SetCursorPosition moves the cursor.
	SetCursorPosition(position Point) error
}

// Scraper diffs a screen buffer against its previous state and emits
// terminal escape output on the channel it was constructed over. The
// agent guarantees the console is frozen for the duration of every
// call.
type Scraper interface {
	// Scrape emits output for any buffer changes and returns the
	// resulting window rectangle.
	Scrape(buffer ScreenBuffer) (Rect, error)

	// ResizeWindow resizes and repositions the buffer and its window
	// to the given size, emits any resulting output, and returns the
	// new window rectangle.
	ResizeWindow(buffer ScreenBuffer, size Size) (Rect, error)
}

// OutputEncoder is the escape-emission half of a scraper pair. The
// agent only drives its mouse-tracking flag; everything else is
// between the scraper and the output channel.
type OutputEncoder interface {
	// EnableMouseMode turns terminal mouse-tracking escape output on
	// or off. The encoder suppresses redundant transitions.
	EnableMouseMode(enabled bool)
}

// InputTranslator maps raw key/mouse bytes from the input data channel
// to console input events.
type InputTranslator interface {
	// WriteInput feeds a batch of raw input bytes to the translator.
	WriteInput(data []byte)

	// FlushIncompleteEscape delivers any pending partial escape
	// sequence, covering a lone unterminated escape key.
	FlushIncompleteEscape()

	// UpdateMouseInputFlags recomputes whether mouse tracking should
	// be active and returns the result.
	UpdateMouseInputFlags() bool

	// SetMouseWindowRect updates the window rectangle used to map
	// mouse coordinates to buffer cells.
	SetMouseWindowRect(window Rect)
}

// DSRSender lets the input translator request a Device Status Report
// round-trip on the output stream. The agent implements it.
type DSRSender interface {
	// SendDSR writes a DSR query to the primary output channel unless
	// plain-output mode is set or the channel is closed.
	SendDSR()
}

// MouseMode selects the input translator's mouse-tracking policy.
type MouseMode int

const (
	// MouseModeNone never enables mouse tracking.
	MouseModeNone MouseMode = 0

	// MouseModeAuto enables mouse tracking when the console's input
	// state asks for it.
	MouseModeAuto MouseMode = 1

	// MouseModeForce always enables mouse tracking.
	MouseModeForce MouseMode = 2
)
