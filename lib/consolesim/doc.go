// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package consolesim is an in-process console session: a window title
// and freeze state, line-oriented screen buffers that accept child
// process output, a scraper that diffs buffer contents into terminal
// escape output, and an input translator that forwards keyboard bytes
// while reassembling split escape sequences.
//
// The package implements the agent's collaborator interfaces (Console,
// ScreenBuffer, Scraper, OutputEncoder, InputTranslator) so the agent
// core stays independent of any particular console platform. It backs
// both the production wiring in cmd/conbridge-agent and the agent's
// integration tests.
package consolesim
