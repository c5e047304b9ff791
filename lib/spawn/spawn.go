// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package spawn launches the target process on the local host. It
// implements agent.Spawner with pidfd-backed process handles, which
// give the agent race-free exit detection and duplication without
// touching PIDs that the kernel may recycle.
package spawn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/conbridge/conbridge/agent"
)

// Spawner launches processes with the agent's console simulation wired
// as their standard streams.
type Spawner struct {
	// Stdin is the spawned process's standard input. Nil inherits the
	// agent's.
	Stdin io.Reader

	// Stdout is the spawned process's standard output. Nil inherits
	// the agent's.
	Stdout io.Writer

	// Stderr receives the spawned process's standard error when the
	// spawn request asks for a distinct error stream; otherwise error
	// output joins Stdout.
	Stderr io.Writer

	// Logger receives spawn diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

func (s *Spawner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Spawn starts the process described by spec and returns a pidfd
// handle on it. OS-level launch failures come back as
// *agent.SpawnError so the caller can report the code to its peer.
func (s *Spawner) Spawn(spec agent.SpawnSpec) (agent.SpawnResult, error) {
	argv, err := SplitCommandLine(spec.Cmdline)
	if err != nil {
		return agent.SpawnResult{}, &agent.SpawnError{Code: -1, Err: err}
	}
	program := spec.Program
	if program == "" {
		if len(argv) == 0 {
			return agent.SpawnResult{}, &agent.SpawnError{
				Code: -1,
				Err:  errors.New("no program and empty command line"),
			}
		}
		program = argv[0]
	}
	if len(argv) == 0 {
		argv = []string{program}
	}

	path := program
	if !strings.Contains(path, "/") {
		path, err = exec.LookPath(program)
		if err != nil {
			return agent.SpawnResult{}, &agent.SpawnError{Code: errnoCode(err), Err: err}
		}
	}

	cmd := &exec.Cmd{
		Path:   path,
		Args:   argv,
		Dir:    spec.Dir,
		Env:    spec.Env,
		Stdin:  s.Stdin,
		Stdout: s.Stdout,
	}
	if spec.InheritStdHandles {
		cmd.Stderr = s.Stderr
	} else {
		cmd.Stderr = s.Stdout
	}

	if err := cmd.Start(); err != nil {
		return agent.SpawnResult{}, &agent.SpawnError{Code: errnoCode(err), Err: err}
	}

	handle, err := openProcessHandle(cmd.Process.Pid)
	if err != nil {
		s.logger().Error("pidfd open failed after start; killing orphan",
			"pid", cmd.Process.Pid, "error", err)
		cmd.Process.Kill()
		go cmd.Wait()
		return agent.SpawnResult{}, &agent.SpawnError{Code: errnoCode(err), Err: err}
	}

	// Reap in the background so the child never lingers as a zombie.
	// Exit detection goes through the pidfd, not this Wait.
	go cmd.Wait()

	s.logger().Info("process started", "pid", cmd.Process.Pid, "path", path)
	return agent.SpawnResult{Process: handle}, nil
}

// processHandle is a pidfd. The descriptor stays valid after the
// process is reaped, and polls readable once the process has exited.
type processHandle struct {
	fd  int
	pid int
}

func openProcessHandle(pid int) (*processHandle, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return nil, fmt.Errorf("pidfd_open pid %d: %w", pid, err)
	}
	return &processHandle{fd: fd, pid: pid}, nil
}

func (h *processHandle) Value() int64 { return int64(h.fd) }

func (h *processHandle) Duplicate() (agent.Handle, error) {
	fd, err := unix.Dup(h.fd)
	if err != nil {
		return nil, fmt.Errorf("dup pidfd for pid %d: %w", h.pid, err)
	}
	return &processHandle{fd: fd, pid: h.pid}, nil
}

func (h *processHandle) Close() error {
	return unix.Close(h.fd)
}

// Signaled reports whether the process has exited, without blocking.
func (h *processHandle) Signaled() (bool, error) {
	fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll pidfd for pid %d: %w", h.pid, err)
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// SplitCommandLine breaks a command line into an argument vector.
// Arguments are whitespace-separated; double quotes group words and a
// backslash escapes the next character inside quotes.
func SplitCommandLine(cmdline string) ([]string, error) {
	var argv []string
	var current strings.Builder
	inWord := false
	inQuotes := false
	escaped := false
	for _, r := range cmdline {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case inQuotes && r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
			inWord = true
		case !inQuotes && (r == ' ' || r == '\t'):
			if inWord {
				argv = append(argv, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if inQuotes || escaped {
		return nil, fmt.Errorf("unterminated quote in command line %q", cmdline)
	}
	if inWord {
		argv = append(argv, current.String())
	}
	return argv, nil
}

// errnoCode digs the OS error number out of a launch failure.
func errnoCode(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	return -1
}
