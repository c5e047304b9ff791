// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package consolesim

import (
	"fmt"
	"sync"

	"github.com/conbridge/conbridge/agent"
)

// Console is the simulated console session. It tracks the window
// title, the selected freeze method, and the frozen flag.
//
// MarkMovesCursor emulates console implementations whose Mark freeze
// primitive relocates the active buffer's cursor to the window origin.
// The agent's startup calibration detects that behavior and falls back
// to the SelectAll primitive.
type Console struct {
	mu              sync.Mutex
	title           string
	method          agent.FreezeMethod
	frozen          bool
	markMovesCursor bool
	active          *Buffer
}

// NewConsole returns a console whose Mark primitive leaves the cursor
// alone. active is the buffer a misbehaving Mark would disturb.
func NewConsole(active *Buffer) *Console {
	return &Console{active: active}
}

// NewConsoleWithMarkQuirk returns a console whose Mark primitive moves
// the active buffer's cursor to the window origin on every freeze.
func NewConsoleWithMarkQuirk(active *Buffer) *Console {
	return &Console{active: active, markMovesCursor: true}
}

func (c *Console) Title() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title, nil
}

func (c *Console) SetTitle(title string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.title = title
	return nil
}

func (c *Console) FreezeMethod() agent.FreezeMethod {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method
}

func (c *Console) SetFreezeMethod(method agent.FreezeMethod) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.method = method
}

func (c *Console) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// SetFrozen suspends or resumes buffer mutation. Freezing twice or
// thawing an unfrozen console is a caller bug and reports an error.
func (c *Console) SetFrozen(frozen bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if frozen == c.frozen {
		return fmt.Errorf("console already %s", frozenWord(frozen))
	}
	c.frozen = frozen
	if frozen && c.method == agent.FreezeMark && c.markMovesCursor && c.active != nil {
		c.active.moveCursorToWindowOrigin()
	}
	return nil
}

func frozenWord(frozen bool) string {
	if frozen {
		return "frozen"
	}
	return "thawed"
}
