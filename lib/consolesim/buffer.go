// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package consolesim

import (
	"fmt"
	"strings"
	"sync"

	"github.com/conbridge/conbridge/agent"
)

// Buffer is a simulated screen buffer: a grid of character cells with
// a visible window and a cursor. It implements agent.ScreenBuffer for
// the agent's geometry operations and io.Writer for child process
// output, which lands at the cursor with newline, carriage-return, and
// wrap handling.
type Buffer struct {
	mu     sync.Mutex
	size   agent.Size
	window agent.Rect
	cursor agent.Point
	lines  []string
}

// NewBuffer returns a buffer whose window initially covers the whole
// extent.
func NewBuffer(size agent.Size) (*Buffer, error) {
	if size.Cols < 1 || size.Rows < 1 {
		return nil, fmt.Errorf("degenerate buffer size %dx%d", size.Cols, size.Rows)
	}
	return &Buffer{
		size:   size,
		window: agent.Rect{Left: 0, Top: 0, Right: size.Cols - 1, Bottom: size.Rows - 1},
		lines:  make([]string, size.Rows),
	}, nil
}

func (b *Buffer) Info() (agent.BufferInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return agent.BufferInfo{BufferSize: b.size, Window: b.window, Cursor: b.cursor}, nil
}

func (b *Buffer) ResizeBuffer(size agent.Size) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size.Cols < 1 || size.Rows < 1 {
		return fmt.Errorf("degenerate buffer size %dx%d", size.Cols, size.Rows)
	}
	b.size = size
	switch {
	case len(b.lines) > size.Rows:
		b.lines = b.lines[len(b.lines)-size.Rows:]
	case len(b.lines) < size.Rows:
		b.lines = append(b.lines, make([]string, size.Rows-len(b.lines))...)
	}
	b.clampLocked()
	return nil
}

func (b *Buffer) MoveWindow(window agent.Rect) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if window.Left < 0 || window.Top < 0 ||
		window.Right >= b.size.Cols || window.Bottom >= b.size.Rows ||
		window.Width() < 1 || window.Height() < 1 {
		return fmt.Errorf("window %+v outside buffer %dx%d", window, b.size.Cols, b.size.Rows)
	}
	b.window = window
	return nil
}

func (b *Buffer) CursorPosition() (agent.Point, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor, nil
}

func (b *Buffer) SetCursorPosition(position agent.Point) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if position.X < 0 || position.Y < 0 || position.X >= b.size.Cols || position.Y >= b.size.Rows {
		return fmt.Errorf("cursor %+v outside buffer %dx%d", position, b.size.Cols, b.size.Rows)
	}
	b.cursor = position
	return nil
}

// Write lands child output at the cursor. Lines wrap at the buffer
// width; when the cursor passes the last row the contents scroll up
// one line. The window follows the cursor so fresh output stays
// visible.
func (b *Buffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range string(data) {
		switch r {
		case '\n':
			b.cursor.X = 0
			b.advanceRowLocked()
		case '\r':
			b.cursor.X = 0
		default:
			b.putRuneLocked(r)
		}
	}
	b.followCursorLocked()
	return len(data), nil
}

// Line returns the contents of one buffer row.
func (b *Buffer) Line(row int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row < 0 || row >= len(b.lines) {
		return ""
	}
	return b.lines[row]
}

// moveCursorToWindowOrigin emulates the Mark freeze quirk.
func (b *Buffer) moveCursorToWindowOrigin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = agent.Point{X: b.window.Left, Y: b.window.Top}
}

func (b *Buffer) putRuneLocked(r rune) {
	if b.cursor.X >= b.size.Cols {
		b.cursor.X = 0
		b.advanceRowLocked()
	}
	line := []rune(b.lines[b.cursor.Y])
	for len(line) <= b.cursor.X {
		line = append(line, ' ')
	}
	line[b.cursor.X] = r
	b.lines[b.cursor.Y] = strings.TrimRight(string(line), " ")
	b.cursor.X++
}

func (b *Buffer) advanceRowLocked() {
	b.cursor.Y++
	if b.cursor.Y >= b.size.Rows {
		copy(b.lines, b.lines[1:])
		b.lines[len(b.lines)-1] = ""
		b.cursor.Y = b.size.Rows - 1
	}
}

// followCursorLocked shifts the window down when output moved the
// cursor below it.
func (b *Buffer) followCursorLocked() {
	if b.cursor.Y > b.window.Bottom {
		shift := b.cursor.Y - b.window.Bottom
		b.window.Top += shift
		b.window.Bottom += shift
	}
}

// clampLocked pulls the window and cursor back inside the buffer after
// a resize.
func (b *Buffer) clampLocked() {
	if b.window.Right >= b.size.Cols {
		b.window.Right = b.size.Cols - 1
	}
	if b.window.Bottom >= b.size.Rows {
		b.window.Bottom = b.size.Rows - 1
	}
	if b.window.Left > b.window.Right {
		b.window.Left = b.window.Right
	}
	if b.window.Top > b.window.Bottom {
		b.window.Top = b.window.Bottom
	}
	if b.cursor.X >= b.size.Cols {
		b.cursor.X = b.size.Cols - 1
	}
	if b.cursor.Y >= b.size.Rows {
		b.cursor.Y = b.size.Rows - 1
	}
}
