// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides a minimal injectable time source. The agent's
// poll tick runs through a Clock so tests can fire ticks
// deterministically instead of sleeping through real intervals.
package clock
