// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipe provides the named byte-stream endpoints the agent owns:
// one duplex control channel and the one-directional data channels for
// terminal I/O. Each endpoint is a unix socket with buffered send and
// receive sides, a connecting → open → closed lifecycle, and byte
// counters on both directions.
//
// Endpoints do their socket I/O on internal goroutines but expose a
// poll-style surface: the agent's single-threaded event loop receives a
// readiness notification whenever an endpoint's observable state
// changes (bytes arrived, send buffer drained, connection opened or
// closed), then inspects and drains buffers synchronously. Readiness
// notifications are coalesced per endpoint, so the shared event channel
// never holds more than one entry per endpoint.
package pipe
