// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import "fmt"

const (
	// maxWindowCols is the widest window a resize request may ask for.
	maxWindowCols = 9999

	// bufferLineCount is the scrollback depth of a managed screen
	// buffer; the window must stay at least one line short of it.
	bufferLineCount = 3000
)

// handleSetSize services a SetSize request. Out-of-range geometry is
// logged and ignored, but the empty acknowledgement reply is sent
// either way: the protocol guarantees exactly one reply per request.
func (a *Agent) handleSetSize(reader *FrameReader) error {
	cols := int(reader.Int32())
	rows := int(reader.Int32())
	if err := reader.Finish(); err != nil {
		return fmt.Errorf("decode SetSize: %w", err)
	}
	if err := a.resizeWindow(cols, rows); err != nil {
		return err
	}
	a.writeFrame(NewFrameWriter())
	return nil
}

// resizeWindow applies a validated window resize under the console
// freeze guard and propagates the new window rectangle to the input
// translator's mouse coordinate mapping.
func (a *Agent) resizeWindow(cols, rows int) error {
	if cols < 1 || cols > maxWindowCols || rows < 1 || rows > bufferLineCount-1 {
		a.logger.Warn("ignoring out-of-range resize", "cols", cols, "rows", rows)
		return nil
	}
	a.record("resize", map[string]any{"cols": cols, "rows": rows})

	size := Size{Cols: cols, Rows: rows}
	return a.withFrozenConsole(func() error {
		window, err := a.primaryScraper.ResizeWindow(a.primaryBuffer, size)
		if err != nil {
			return fmt.Errorf("resize primary buffer: %w", err)
		}
		a.translator.SetMouseWindowRect(window)
		if a.errorScraper != nil {
			if _, err := a.errorScraper.ResizeWindow(a.errorBuffer, size); err != nil {
				return fmt.Errorf("resize error buffer: %w", err)
			}
		}
		return nil
	})
}

// scrapeBuffers runs one scrape pass over all configured buffers under
// the console freeze guard. The mouse coordinate mapping follows the
// primary buffer's window.
func (a *Agent) scrapeBuffers() error {
	return a.withFrozenConsole(func() error {
		window, err := a.primaryScraper.Scrape(a.primaryBuffer)
		if err != nil {
			return fmt.Errorf("scrape primary buffer: %w", err)
		}
		a.translator.SetMouseWindowRect(window)
		if a.errorScraper != nil {
			if _, err := a.errorScraper.Scrape(a.errorBuffer); err != nil {
				return fmt.Errorf("scrape error buffer: %w", err)
			}
		}
		return nil
	})
}

// withFrozenConsole runs operation with console mutation exclusively
// suspended. The suspension is released on every exit path.
func (a *Agent) withFrozenConsole(operation func() error) error {
	if err := a.console.SetFrozen(true); err != nil {
		return fmt.Errorf("freeze console: %w", err)
	}
	defer func() {
		if err := a.console.SetFrozen(false); err != nil {
			a.logger.Error("unfreeze console failed", "error", err)
		}
	}()
	return operation()
}
