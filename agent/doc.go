// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the in-session controller of a console-to-
// pseudoterminal bridge. The agent attaches to a console session,
// accepts framed control requests from a host process over a duplex
// control channel, spawns a target program on that console, and keeps
// the console's screen state and the host's keyboard/mouse input
// flowing over dedicated data channels.
//
// The package is organized around the control flow:
//
//   - protocol.go: length-prefixed request/reply wire format
//   - agent.go: reactor event loop, pipe lifecycle, title sync, shutdown
//   - spawn.go: StartProcess handling and child process tracking
//   - resize.go: SetSize handling and freeze-scoped scrape orchestration
//   - freeze.go: one-shot console freeze primitive calibration
//   - console.go: collaborator interfaces (console, screen buffers,
//     scraper, input translator)
//
// The screen diffing, escape emission, and input translation live
// behind the collaborator interfaces; the agent owns only the
// orchestration: protocol framing and dispatch, the single-threaded
// poll-driven loop, the spawn handshake, and the ordering of console
// freeze, mutation, and unfreeze around every scrape and resize.
package agent
