// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/conbridge/conbridge/lib/pipe"
)

// Handle is an owned reference to an OS process resource. Raw handle
// values are meaningless across process boundaries; Duplicate creates
// a new, independently-owned handle whose value is safe to grant to
// the peer over the wire.
type Handle interface {
	// Value returns the numeric handle value.
	Value() int64

	// Duplicate creates an independently-owned copy of the handle for
	// granting to the control channel peer.
	Duplicate() (Handle, error)

	// Close releases the handle.
	Close() error
}

// ProcessHandle is a Handle on a spawned process.
type ProcessHandle interface {
	Handle

	// Signaled reports, without blocking, whether the process has
	// exited.
	Signaled() (bool, error)
}

// SpawnSpec is the marshaled process-creation request handed to the
// spawner. Empty strings mean "use the default" per the underlying OS
// contract.
type SpawnSpec struct {
	// Program is the optional explicit program path.
	Program string

	// Cmdline is the command line. The spawner copies it into
	// whatever mutable form its OS interface requires.
	Cmdline string

	// Dir is the working directory.
	Dir string

	// Env is the environment, one KEY=value entry per element. Empty
	// means inherit a copy of the agent's environment; the spawned
	// process always gets a distinct block.
	Env []string

	// Desktop is the target desktop name, on platforms with that
	// concept.
	Desktop string

	// InheritStdHandles asks for inheritable standard handles with
	// ErrorBuffer wired as the process's standard error. Set when the
	// secondary output stream is configured.
	InheritStdHandles bool

	// ErrorBuffer is the secondary screen buffer to wire as standard
	// error when InheritStdHandles is set.
	ErrorBuffer ScreenBuffer
}

// SpawnResult is a successful spawn. Thread is nil on platforms
// without thread handles.
type SpawnResult struct {
	Process ProcessHandle
	Thread  Handle
}

// SpawnError is an OS process-creation failure. The code travels back
// to the host in the CreateProcessFailed reply; spawn failures are
// never fatal to the agent.
type SpawnError struct {
	// Code is the OS error code.
	Code int32

	// Err is the underlying error.
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("process creation failed (os error %d): %v", e.Code, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spawner creates the target process on the agent's console.
type Spawner interface {
	Spawn(spec SpawnSpec) (SpawnResult, error)
}

// handleStartProcess services a StartProcess request. At most one
// spawn is ever accepted per agent lifetime; a second request, or one
// arriving after auto-shutdown began, is a protocol-level invariant
// violation and terminates the agent.
func (a *Agent) handleStartProcess(reader *FrameReader) error {
	if a.child != nil {
		return fmt.Errorf("invariant violation: StartProcess while a child process is already tracked")
	}
	if a.closingOutputPipes {
		return fmt.Errorf("invariant violation: StartProcess after auto-shutdown began")
	}

	spawnFlags := reader.Uint64()
	wantProcessHandle := reader.Int32() != 0
	wantThreadHandle := reader.Int32() != 0
	program := reader.WString()
	cmdline := reader.WString()
	dir := reader.WString()
	env := reader.WString()
	desktop := reader.WString()
	if err := reader.Finish(); err != nil {
		return fmt.Errorf("decode StartProcess: %w", err)
	}

	// All data channels must be connected before spawning. The output
	// channels in particular must connect eventually or scraped data
	// backs up, and connecting them after the child exits races the
	// auto-shutdown close. Refusal is recoverable: the host retries
	// once its connections finish. The reply carries the same paths the
	// handshake announced, so the host can tell which of its dials are
	// outstanding.
	var pending []string
	for _, endpoint := range []*pipe.Endpoint{a.conin, a.conout, a.conerr} {
		if endpoint != nil && endpoint.IsConnecting() {
			pending = append(pending, endpoint.Path())
		}
	}
	if len(pending) > 0 {
		a.logger.Info("spawn refused; data channels still connecting", "pending", pending)
		reply := NewFrameWriter()
		reply.PutInt32(int32(StartResultPipesStillOpen))
		reply.PutWString(strings.Join(pending, ", "))
		a.writeFrame(reply)
		return nil
	}

	result, err := a.spawner.Spawn(SpawnSpec{
		Program:           program,
		Cmdline:           cmdline,
		Dir:               dir,
		Env:               splitEnvBlock(env),
		Desktop:           desktop,
		InheritStdHandles: a.useConsoleError,
		ErrorBuffer:       a.errorBuffer,
	})
	if err != nil {
		code := spawnErrorCode(err)
		a.logger.Warn("process creation failed", "error", err, "os_code", code)
		a.record("spawn-failed", map[string]any{"code": code})
		reply := NewFrameWriter()
		reply.PutInt32(int32(StartResultCreateProcessFailed))
		reply.PutInt32(code)
		a.writeFrame(reply)
		return nil
	}

	var processValue, threadValue int64
	if wantProcessHandle {
		duplicate, err := result.Process.Duplicate()
		if err != nil {
			return fmt.Errorf("duplicate process handle for grant: %w", err)
		}
		processValue = duplicate.Value()
	}
	if wantThreadHandle && result.Thread != nil {
		duplicate, err := result.Thread.Duplicate()
		if err != nil {
			return fmt.Errorf("duplicate thread handle for grant: %w", err)
		}
		threadValue = duplicate.Value()
	}
	// The local thread handle is never needed again; the process
	// handle stays with the agent for lifetime tracking regardless of
	// whether a duplicate was granted.
	if result.Thread != nil {
		result.Thread.Close()
	}

	a.child = result.Process
	a.autoShutdown = spawnFlags&SpawnFlagAutoShutdown != 0
	a.logger.Info("child process started",
		"cmdline", cmdline,
		"auto_shutdown", a.autoShutdown)
	a.record("spawn", map[string]any{
		"cmdline":       cmdline,
		"auto_shutdown": a.autoShutdown,
	})

	reply := NewFrameWriter()
	reply.PutInt32(int32(StartResultProcessCreated))
	reply.PutInt64(processValue)
	reply.PutInt64(threadValue)
	a.writeFrame(reply)
	return nil
}

// splitEnvBlock splits a nul-joined environment block into KEY=value
// entries. An empty block means inherit.
func splitEnvBlock(block string) []string {
	if block == "" {
		return nil
	}
	var entries []string
	for _, entry := range strings.Split(block, "\x00") {
		if entry != "" {
			entries = append(entries, entry)
		}
	}
	return entries
}

// spawnErrorCode extracts the OS error code to report to the host.
func spawnErrorCode(err error) int32 {
	var spawnErr *SpawnError
	if errors.As(err, &spawnErr) {
		return spawnErr.Code
	}
	return -1
}
