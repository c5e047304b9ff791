// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package pipe

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// waitFor polls until condition returns true or the deadline passes.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drainEvents consumes readiness notifications so endpoints never block.
func drainEvents(events chan *Endpoint, stop chan struct{}) {
	for {
		select {
		case endpoint := <-events:
			endpoint.ClearSignal()
		case <-stop:
			return
		}
	}
}

func newTestServer(t *testing.T, name string, mode Mode) (*Endpoint, chan *Endpoint) {
	t.Helper()
	events := make(chan *Endpoint, 8)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go drainEvents(events, stop)

	path := filepath.Join(t.TempDir(), name+".sock")
	endpoint, err := Serve(name, path, mode, events, nil)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() { endpoint.Close() })
	return endpoint, events
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	endpoint, _ := newTestServer(t, "conin", ModeRead)

	if got := endpoint.State(); got != StateConnecting {
		t.Fatalf("state before connect: got %v, want connecting", got)
	}

	conn, err := net.Dial("unix", endpoint.Path())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, "endpoint open", func() bool { return endpoint.State() == StateOpen })

	conn.Close()
	waitFor(t, "endpoint closed", func() bool { return endpoint.IsClosed() })
}

func TestReceiveBufferPeekAndConsume(t *testing.T) {
	t.Parallel()
	endpoint, _ := newTestServer(t, "control", ModeDuplex)

	conn, err := net.Dial("unix", endpoint.Path())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("frame-bytes")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	waitFor(t, "bytes buffered", func() bool { return endpoint.BytesAvailable() == len(payload) })

	// Peek must not consume.
	peeked := make([]byte, 5)
	if n := endpoint.Peek(peeked); n != 5 || string(peeked) != "frame" {
		t.Fatalf("Peek: got %q (%d bytes)", peeked[:n], n)
	}
	if got := endpoint.BytesAvailable(); got != len(payload) {
		t.Fatalf("BytesAvailable after peek: got %d, want %d", got, len(payload))
	}

	consumed, err := endpoint.Consume(5)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if string(consumed) != "frame" {
		t.Fatalf("Consume: got %q, want %q", consumed, "frame")
	}
	rest := endpoint.ReadAll()
	if string(rest) != "-bytes" {
		t.Fatalf("ReadAll: got %q, want %q", rest, "-bytes")
	}
}

func TestConsumeMoreThanBufferedFails(t *testing.T) {
	t.Parallel()
	endpoint, _ := newTestServer(t, "control", ModeDuplex)
	if _, err := endpoint.Consume(1); err == nil {
		t.Fatal("Consume(1) on empty buffer: expected error")
	}
}

func TestWriteBeforeConnectDeliveredAfter(t *testing.T) {
	t.Parallel()
	endpoint, _ := newTestServer(t, "conout", ModeWrite)

	queued := []byte("queued-before-connect")
	if _, err := endpoint.Write(queued); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := endpoint.BytesToSend(); got != len(queued) {
		t.Fatalf("BytesToSend: got %d, want %d", got, len(queued))
	}

	conn, err := net.Dial("unix", endpoint.Path())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	received := make([]byte, len(queued))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	total := 0
	for total < len(queued) {
		n, err := conn.Read(received[total:])
		if err != nil {
			t.Fatalf("peer read: %v", err)
		}
		total += n
	}
	if !bytes.Equal(received, queued) {
		t.Fatalf("peer received %q, want %q", received, queued)
	}

	waitFor(t, "send buffer drained", func() bool { return endpoint.BytesToSend() == 0 })
}

func TestSetReadBufferSizeUnblocksReader(t *testing.T) {
	t.Parallel()
	endpoint, _ := newTestServer(t, "control", ModeDuplex)
	endpoint.SetReadBufferSize(4)

	conn, err := net.Dial("unix", endpoint.Path())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("0123456789")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	// The reader stops once at least the limit is buffered.
	waitFor(t, "limited buffering", func() bool { return endpoint.BytesAvailable() >= 4 })

	endpoint.SetReadBufferSize(64)
	waitFor(t, "full payload buffered", func() bool { return endpoint.BytesAvailable() == len(payload) })

	got := endpoint.ReadAll()
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadAll: got %q, want %q", got, payload)
	}
}

func TestCloseWhileConnecting(t *testing.T) {
	t.Parallel()
	endpoint, _ := newTestServer(t, "conerr", ModeWrite)
	if err := endpoint.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !endpoint.IsClosed() {
		t.Fatal("endpoint not closed after Close")
	}
	// Idempotent.
	if err := endpoint.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestDialAndDuplex(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "host-control.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("host listen: %v", err)
	}
	defer listener.Close()

	events := make(chan *Endpoint, 8)
	stop := make(chan struct{})
	defer close(stop)
	go drainEvents(events, stop)

	endpoint, err := Dial("control", path, ModeDuplex, events, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer endpoint.Close()

	if got := endpoint.State(); got != StateOpen {
		t.Fatalf("dialed endpoint state: got %v, want open", got)
	}

	hostSide, err := listener.Accept()
	if err != nil {
		t.Fatalf("host accept: %v", err)
	}
	defer hostSide.Close()

	if _, err := endpoint.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buffer := make([]byte, 4)
	hostSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := hostSide.Read(buffer); err != nil {
		t.Fatalf("host read: %v", err)
	}
	if string(buffer) != "ping" {
		t.Fatalf("host received %q, want %q", buffer, "ping")
	}

	if _, err := hostSide.Write([]byte("pong")); err != nil {
		t.Fatalf("host write: %v", err)
	}
	waitFor(t, "reply buffered", func() bool { return endpoint.BytesAvailable() == 4 })
	if got := endpoint.ReadAll(); string(got) != "pong" {
		t.Fatalf("ReadAll: got %q, want %q", got, "pong")
	}
}
