// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package consolesim

import (
	"fmt"
	"io"

	"github.com/conbridge/conbridge/agent"
)

// NewScraper builds a scraper/encoder pair over one output channel. It
// matches agent.ScraperFactory. In escape mode changed rows are redrawn
// with cursor addressing; in plain mode changed rows are emitted as
// bare text lines. color re-enables attribute escapes in plain mode
// (simulated cells carry no attributes, so it only affects the resize
// reset).
func NewScraper(output io.Writer, plain, color bool, initialSize agent.Size) (agent.Scraper, agent.OutputEncoder, error) {
	scraper := &Scraper{
		output: output,
		plain:  plain,
		color:  color,
		size:   initialSize,
	}
	encoder := &Encoder{output: output, plain: plain}
	return scraper, encoder, nil
}

// Scraper diffs a simulated buffer's visible window against the
// content it last emitted. Calls only arrive while the agent holds the
// console frozen, so a scrape sees a stable buffer.
type Scraper struct {
	output io.Writer
	plain  bool
	color  bool
	size   agent.Size

	// seen is the emitted content per absolute buffer row.
	seen map[int]string
}

func (s *Scraper) Scrape(buffer agent.ScreenBuffer) (agent.Rect, error) {
	b, err := simBuffer(buffer)
	if err != nil {
		return agent.Rect{}, err
	}
	info, err := b.Info()
	if err != nil {
		return agent.Rect{}, err
	}
	if s.seen == nil {
		s.seen = make(map[int]string)
	}

	window := info.Window
	for row := window.Top; row <= window.Bottom; row++ {
		line := b.Line(row)
		if previous, ok := s.seen[row]; ok && previous == line {
			continue
		}
		s.seen[row] = line
		if s.plain {
			fmt.Fprintf(s.output, "%s\n", line)
		} else {
			// 1-based window-relative cursor addressing, then the row
			// content, then erase-to-end for anything it shortened.
			fmt.Fprintf(s.output, "\x1b[%d;%dH%s\x1b[K", row-window.Top+1, 1, line)
		}
	}
	return window, nil
}

func (s *Scraper) ResizeWindow(buffer agent.ScreenBuffer, size agent.Size) (agent.Rect, error) {
	b, err := simBuffer(buffer)
	if err != nil {
		return agent.Rect{}, err
	}
	if err := b.ResizeBuffer(size); err != nil {
		return agent.Rect{}, err
	}
	window := agent.Rect{Left: 0, Top: 0, Right: size.Cols - 1, Bottom: size.Rows - 1}
	if err := b.MoveWindow(window); err != nil {
		return agent.Rect{}, err
	}
	s.size = size
	// Geometry changed under the peer terminal; every row must redraw.
	s.seen = nil
	if !s.plain {
		fmt.Fprintf(s.output, "\x1b[8;%d;%dt", size.Rows, size.Cols)
		if s.color {
			fmt.Fprint(s.output, "\x1b[0m")
		}
	}
	return window, nil
}

// simBuffer narrows the agent's buffer interface back to the simulated
// implementation, which is the only one this scraper can read rows
// from.
func simBuffer(buffer agent.ScreenBuffer) (*Buffer, error) {
	b, ok := buffer.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("scraper needs a consolesim buffer, got %T", buffer)
	}
	return b, nil
}

// Encoder is the escape-emission half of the scraper pair. The agent
// drives exactly one thing through it: the terminal's mouse-tracking
// mode.
type Encoder struct {
	output  io.Writer
	plain   bool
	enabled bool
}

// EnableMouseMode turns terminal mouse tracking on or off, suppressing
// redundant transitions. Plain mode never emits tracking escapes.
func (e *Encoder) EnableMouseMode(enabled bool) {
	if e.plain || enabled == e.enabled {
		return
	}
	e.enabled = enabled
	if enabled {
		fmt.Fprint(e.output, "\x1b[?1000h\x1b[?1006h")
	} else {
		fmt.Fprint(e.output, "\x1b[?1006l\x1b[?1000l")
	}
}
