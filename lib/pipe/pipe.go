// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package pipe

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// State is the lifecycle state of an endpoint.
type State int

const (
	// StateConnecting means the endpoint's socket exists but no peer
	// has connected yet. Only server endpoints start here.
	StateConnecting State = iota

	// StateOpen means a peer is connected and I/O is flowing.
	StateOpen

	// StateClosed means the connection has ended, either because the
	// peer disconnected or because Close was called. Closed is
	// terminal.
	StateClosed
)

// String returns the lifecycle state name for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Mode declares which directions an endpoint carries, from the agent's
// point of view.
type Mode int

const (
	// ModeRead carries bytes from the peer to the agent (the input
	// data channel).
	ModeRead Mode = iota

	// ModeWrite carries bytes from the agent to the peer (the output
	// data channels).
	ModeWrite

	// ModeDuplex carries both directions (the control channel).
	ModeDuplex
)

// defaultReceiveLimit caps how many received bytes an endpoint buffers
// before it stops reading from the socket. Grown on demand via
// SetReadBufferSize when a control frame declares a larger length.
const defaultReceiveLimit = 64 * 1024

// Endpoint is one named byte-stream endpoint. All exported methods are
// safe to call from the event loop goroutine; socket I/O happens on
// internal goroutines that communicate only through the endpoint's
// buffers and the shared readiness channel.
type Endpoint struct {
	name   string
	path   string
	mode   Mode
	events chan<- *Endpoint
	logger *slog.Logger

	mu       sync.Mutex
	recvRoom *sync.Cond
	sendWork *sync.Cond

	state    State
	conn     net.Conn
	listener net.Listener

	recv      []byte
	recvLimit int
	send      []byte

	// signaled is true while a readiness notification for this
	// endpoint sits unconsumed in the events channel. It bounds the
	// channel occupancy to one entry per endpoint, which is what makes
	// the blocking send in raiseLocked safe.
	signaled bool
}

func newEndpoint(name, path string, mode Mode, events chan<- *Endpoint, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := &Endpoint{
		name:      name,
		path:      path,
		mode:      mode,
		events:    events,
		logger:    logger,
		recvLimit: defaultReceiveLimit,
	}
	endpoint.recvRoom = sync.NewCond(&endpoint.mu)
	endpoint.sendWork = sync.NewCond(&endpoint.mu)
	return endpoint
}

// Serve creates a server endpoint listening on a unix socket at path.
// The endpoint starts in StateConnecting and transitions to StateOpen
// when the first peer connects; the listener accepts exactly one
// connection. The agent creates its data channels this way and tells
// the host their paths in the handshake.
func Serve(name, path string, mode Mode, events chan<- *Endpoint, logger *slog.Logger) (*Endpoint, error) {
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}

	endpoint := newEndpoint(name, path, mode, events, logger)
	endpoint.state = StateConnecting
	endpoint.listener = listener

	go endpoint.acceptOne(listener)
	return endpoint, nil
}

// Dial creates a client endpoint connected to an existing unix socket.
// The agent's control channel is dialed: the host owns the socket. The
// endpoint starts in StateOpen.
func Dial(name, path string, mode Mode, events chan<- *Endpoint, logger *slog.Logger) (*Endpoint, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}

	endpoint := newEndpoint(name, path, mode, events, logger)
	endpoint.state = StateOpen
	endpoint.conn = conn
	endpoint.startIO()
	return endpoint, nil
}

// acceptOne waits for the single peer connection, then retires the
// listener.
func (e *Endpoint) acceptOne(listener net.Listener) {
	conn, err := listener.Accept()
	listener.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.listener = nil
	if e.state != StateConnecting {
		// Closed while waiting for the peer.
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		e.logger.Debug("pipe accept failed", "pipe", e.name, "error", err)
		e.closeLocked()
		return
	}

	e.conn = conn
	e.state = StateOpen
	e.logger.Debug("pipe connected", "pipe", e.name, "path", e.path)
	e.startIO()
	e.raiseLocked()
}

// startIO launches the read and/or write goroutines for the endpoint's
// mode. Caller must hold e.mu or be the only goroutine with access.
func (e *Endpoint) startIO() {
	if e.mode == ModeRead || e.mode == ModeDuplex {
		go e.readLoop(e.conn)
	}
	if e.mode == ModeWrite || e.mode == ModeDuplex {
		go e.writeLoop(e.conn)
	}
}

// readLoop fills the receive buffer from the socket, pausing while the
// buffer is at its limit. Peer disconnect moves the endpoint to
// StateClosed.
func (e *Endpoint) readLoop(conn net.Conn) {
	chunk := make([]byte, 4096)
	for {
		e.mu.Lock()
		for e.state == StateOpen && len(e.recv) >= e.recvLimit {
			e.recvRoom.Wait()
		}
		if e.state != StateOpen {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		n, err := conn.Read(chunk)

		e.mu.Lock()
		if n > 0 {
			e.recv = append(e.recv, chunk[:n]...)
			e.raiseLocked()
		}
		if err != nil {
			if e.state == StateOpen {
				e.logger.Debug("pipe read side ended", "pipe", e.name, "error", err)
				e.closeLocked()
			}
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

// writeLoop drains the send buffer to the socket. When the buffer
// reaches zero pending bytes it raises a readiness event so the event
// loop can re-evaluate auto-close eligibility.
func (e *Endpoint) writeLoop(conn net.Conn) {
	for {
		e.mu.Lock()
		for e.state == StateOpen && len(e.send) == 0 {
			e.sendWork.Wait()
		}
		if e.state != StateOpen {
			e.mu.Unlock()
			return
		}
		pending := make([]byte, len(e.send))
		copy(pending, e.send)
		e.mu.Unlock()

		written, err := conn.Write(pending)

		e.mu.Lock()
		e.send = e.send[written:]
		if err != nil {
			if e.state == StateOpen {
				e.logger.Debug("pipe write side ended", "pipe", e.name, "error", err)
				e.closeLocked()
			}
			e.mu.Unlock()
			return
		}
		if len(e.send) == 0 {
			e.raiseLocked()
		}
		e.mu.Unlock()
	}
}

// Name returns the endpoint's role name (e.g. "conin").
func (e *Endpoint) Name() string { return e.name }

// Path returns the endpoint's unix socket path.
func (e *Endpoint) Path() string { return e.path }

// State returns the endpoint's lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsConnecting reports whether the endpoint is still waiting for its
// peer to connect.
func (e *Endpoint) IsConnecting() bool { return e.State() == StateConnecting }

// IsClosed reports whether the endpoint has reached its terminal state.
func (e *Endpoint) IsClosed() bool { return e.State() == StateClosed }

// Peek copies up to len(p) buffered received bytes into p without
// consuming them. Returns the number of bytes copied.
func (e *Endpoint) Peek(p []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copy(p, e.recv)
}

// BytesAvailable returns the number of received bytes buffered and not
// yet consumed.
func (e *Endpoint) BytesAvailable() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.recv)
}

// Consume removes and returns exactly n buffered received bytes. It is
// the caller's responsibility to have checked BytesAvailable first;
// asking for more than is buffered is an error.
func (e *Endpoint) Consume(n int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > len(e.recv) {
		return nil, fmt.Errorf("pipe %s: consume %d bytes with %d buffered", e.name, n, len(e.recv))
	}
	data := make([]byte, n)
	copy(data, e.recv[:n])
	e.recv = e.recv[n:]
	e.recvRoom.Broadcast()
	return data, nil
}

// ReadAll removes and returns all buffered received bytes.
func (e *Endpoint) ReadAll() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	data := e.recv
	e.recv = nil
	e.recvRoom.Broadcast()
	return data
}

// ReadBufferSize returns the receive buffering limit in bytes.
func (e *Endpoint) ReadBufferSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recvLimit
}

// SetReadBufferSize raises or lowers the receive buffering limit. The
// control channel grows its limit when a frame declares a length larger
// than the current limit, so the whole frame can accumulate.
func (e *Endpoint) SetReadBufferSize(limit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recvLimit = limit
	e.recvRoom.Broadcast()
}

// Write queues p for sending and returns immediately. Bytes queued
// while the peer has not yet connected are delivered once it does.
// Writes to a closed endpoint are discarded.
func (e *Endpoint) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		e.logger.Debug("pipe write dropped on closed pipe", "pipe", e.name, "bytes", len(p))
		return len(p), nil
	}
	e.send = append(e.send, p...)
	e.sendWork.Signal()
	return len(p), nil
}

// BytesToSend returns the number of queued bytes not yet written to
// the socket.
func (e *Endpoint) BytesToSend() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.send)
}

// Close moves the endpoint to StateClosed, closing the socket and, for
// a still-connecting server endpoint, the listener. Close is
// idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return nil
	}
	e.closeLocked()
	return nil
}

// closeLocked performs the closed transition. Caller holds e.mu.
func (e *Endpoint) closeLocked() {
	e.state = StateClosed
	if e.conn != nil {
		e.conn.Close()
	}
	if e.listener != nil {
		e.listener.Close()
	}
	e.recvRoom.Broadcast()
	e.sendWork.Broadcast()
	e.raiseLocked()
}

// ClearSignal marks the endpoint's pending readiness notification as
// consumed. The event loop calls this immediately after receiving the
// endpoint from the events channel and before inspecting its state, so
// changes that race with handling re-raise rather than getting lost.
func (e *Endpoint) ClearSignal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signaled = false
}

// raiseLocked enqueues a readiness notification unless one is already
// pending. Caller holds e.mu. The send can only block if the events
// channel's capacity is smaller than the number of endpoints sharing
// it; the agent sizes the channel above that.
func (e *Endpoint) raiseLocked() {
	if e.signaled || e.events == nil {
		return
	}
	e.signaled = true
	e.events <- e
}
