// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"
	"log/slog"
)

// calibrateFreezeMethod runs the one-shot startup probe that selects
// the console suspension primitive. On some console implementations
// the cheap Mark primitive moves the cursor position that collaborators
// later read; on others it does not and the SelectAll primitive burns
// CPU instead. The difference is only observable by trying: the probe
// parks the cursor at a known coordinate, freezes with Mark, and keeps
// Mark only if the coordinate survived. The probe geometry is
// temporary; the buffer, window, and cursor are put back before the
// probe returns.
func calibrateFreezeMethod(console Console, buffer ScreenBuffer, logger *slog.Logger) error {
	info, err := buffer.Info()
	if err != nil {
		return fmt.Errorf("read buffer info: %w", err)
	}

	// Make sure the buffer and window aren't degenerate (1x1) before
	// placing the probe at (1,1).
	size := info.BufferSize
	if size.Cols < 2 {
		size.Cols = 2
	}
	if size.Rows < 2 {
		size.Rows = 2
	}
	if err := buffer.ResizeBuffer(size); err != nil {
		return fmt.Errorf("resize buffer for probe: %w", err)
	}
	if err := buffer.MoveWindow(Rect{Left: 0, Top: 0, Right: 1, Bottom: 1}); err != nil {
		return fmt.Errorf("move window for probe: %w", err)
	}

	probe := Point{X: 1, Y: 1}
	if err := buffer.SetCursorPosition(probe); err != nil {
		return fmt.Errorf("place probe cursor: %w", err)
	}

	if console.Frozen() {
		return fmt.Errorf("console already frozen during calibration")
	}
	console.SetFreezeMethod(FreezeMark)
	if err := console.SetFrozen(true); err != nil {
		return fmt.Errorf("probe freeze: %w", err)
	}
	position, positionErr := buffer.CursorPosition()
	if err := console.SetFrozen(false); err != nil {
		return fmt.Errorf("probe unfreeze: %w", err)
	}
	if positionErr != nil {
		return fmt.Errorf("read probe cursor: %w", positionErr)
	}

	// Put the geometry back the way it was. The window moves first:
	// the probe only ever grew the buffer, so the original window
	// still fits.
	if err := buffer.MoveWindow(info.Window); err != nil {
		return fmt.Errorf("restore window after probe: %w", err)
	}
	if err := buffer.ResizeBuffer(info.BufferSize); err != nil {
		return fmt.Errorf("restore buffer size after probe: %w", err)
	}
	if err := buffer.SetCursorPosition(info.Cursor); err != nil {
		return fmt.Errorf("restore cursor after probe: %w", err)
	}

	method := FreezeSelectAll
	if position == probe {
		method = FreezeMark
	}
	console.SetFreezeMethod(method)
	logger.Info("selected console freeze method", "method", method.String())
	return nil
}
