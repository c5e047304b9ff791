// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

// conbridge-attach is the host side of the console bridge. It creates
// the control socket, launches conbridge-agent against it, reads the
// handshake frame to learn the data channel socket paths, and then
// bridges the local terminal to the agent: keyboard bytes flow to the
// input channel, scraped console output flows back to the terminal,
// and window size changes become SetSize requests.
//
// Usage:
//
//	conbridge-attach [flags] -- command [args...]
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/conbridge/conbridge/agent"
	"github.com/conbridge/conbridge/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		agentBinary  string
		agentLogPath string
		plainOutput  bool
		consoleError bool
		mouseMode    string
	)

	flagSet := pflag.NewFlagSet("conbridge-attach", pflag.ContinueOnError)
	flagSet.StringVar(&agentBinary, "agent", "conbridge-agent", "agent binary to launch")
	flagSet.StringVar(&agentLogPath, "agent-log", "", "file receiving the agent's log output (default: discarded)")
	flagSet.BoolVar(&plainOutput, "plain", false, "ask the agent for plain text output")
	flagSet.BoolVar(&consoleError, "conerr", false, "separate standard-error channel, relayed to stderr")
	flagSet.StringVar(&mouseMode, "mouse-mode", "none", "mouse tracking policy passed to the agent")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match other conbridge
	// binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("conbridge-attach")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			flagSet.PrintDefaults()
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		flagSet.PrintDefaults()
		return nil
	}
	if len(flagSet.Args()) == 0 {
		return fmt.Errorf("no command given (usage: conbridge-attach [flags] -- command [args...])")
	}
	cmdline := strings.Join(flagSet.Args(), " ")

	cols, rows := 80, 25
	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	if interactive {
		if c, r, err := term.GetSize(stdinFd); err == nil {
			cols, rows = c, r
		}
	}

	// The host owns the control socket; the agent dials it.
	controlDir, err := os.MkdirTemp("", "conbridge-attach-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(controlDir)
	controlPath := filepath.Join(controlDir, "control.sock")
	listener, err := net.Listen("unix", controlPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	defer listener.Close()

	agentCmd, err := launchAgent(agentBinary, agentLogPath, controlPath, cols, rows,
		plainOutput, consoleError, mouseMode)
	if err != nil {
		return err
	}
	defer agentCmd.Wait()

	control, err := acceptWithDeadline(listener, 10*time.Second)
	if err != nil {
		return fmt.Errorf("agent never connected: %w", err)
	}
	defer control.Close()
	host := &hostSession{control: control}

	conin, conout, conerr, err := host.connectDataChannels(consoleError)
	if err != nil {
		return err
	}
	defer conin.Close()
	defer conout.Close()
	if conerr != nil {
		defer conerr.Close()
	}

	if err := host.startProcess(cmdline); err != nil {
		return err
	}

	if interactive {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
		go watchWindowSize(host, stdinFd)
	}

	go io.Copy(conin, os.Stdin)
	if conerr != nil {
		go io.Copy(os.Stderr, conerr)
	}

	// The agent closes the output channel once the command exits and
	// its final output has drained; that ends the session.
	_, err = io.Copy(os.Stdout, conout)
	return err
}

func launchAgent(binary, logPath, controlPath string, cols, rows int, plain, conerr bool, mouseMode string) (*exec.Cmd, error) {
	args := []string{
		"--control", controlPath,
		"--cols", strconv.Itoa(cols),
		"--rows", strconv.Itoa(rows),
		"--mouse-mode", mouseMode,
	}
	if plain {
		args = append(args, "--plain")
	}
	if conerr {
		args = append(args, "--conerr")
	}
	cmd := exec.Command(binary, args...)
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open agent log: %w", err)
		}
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch agent: %w", err)
	}
	return cmd, nil
}

func acceptWithDeadline(listener net.Listener, timeout time.Duration) (net.Conn, error) {
	if unixListener, ok := listener.(*net.UnixListener); ok {
		unixListener.SetDeadline(time.Now().Add(timeout))
	}
	return listener.Accept()
}

// hostSession speaks the control protocol. Requests and replies are
// strictly paired, so each exchange holds the session lock for the
// whole round-trip.
type hostSession struct {
	mu      sync.Mutex
	control net.Conn
}

// connectDataChannels reads the handshake frame and dials the sockets
// it names.
func (h *hostSession) connectDataChannels(wantErrorChannel bool) (conin, conout, conerr net.Conn, err error) {
	body, err := readFrame(h.control)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read handshake: %w", err)
	}
	reader := agent.NewFrameReader(body)
	coninPath := reader.WString()
	conoutPath := reader.WString()
	conerrPath := ""
	if wantErrorChannel {
		conerrPath = reader.WString()
	}
	if err := reader.Finish(); err != nil {
		return nil, nil, nil, fmt.Errorf("decode handshake: %w", err)
	}

	if conin, err = net.Dial("unix", coninPath); err != nil {
		return nil, nil, nil, fmt.Errorf("connect input channel: %w", err)
	}
	if conout, err = net.Dial("unix", conoutPath); err != nil {
		conin.Close()
		return nil, nil, nil, fmt.Errorf("connect output channel: %w", err)
	}
	if conerrPath != "" {
		if conerr, err = net.Dial("unix", conerrPath); err != nil {
			conin.Close()
			conout.Close()
			return nil, nil, nil, fmt.Errorf("connect error channel: %w", err)
		}
	}
	return conin, conout, conerr, nil
}

// startProcess sends the spawn request, retrying while the agent
// reports its data channels still connecting.
func (h *hostSession) startProcess(cmdline string) error {
	for attempt := 0; ; attempt++ {
		request := agent.NewFrameWriter()
		request.PutInt32(int32(agent.MessageStartProcess))
		request.PutUint64(agent.SpawnFlagAutoShutdown)
		request.PutInt32(0) // no process handle wanted
		request.PutInt32(0) // no thread handle wanted
		request.PutWString("") // program: resolve from the command line
		request.PutWString(cmdline)
		request.PutWString("") // working directory: inherit
		request.PutWString("") // environment: inherit
		request.PutWString("") // desktop

		reply, err := h.exchange(request)
		if err != nil {
			return err
		}
		result := agent.StartProcessResult(reply.Int32())
		switch result {
		case agent.StartResultProcessCreated:
			reply.Int64() // granted process handle, not requested
			reply.Int64() // granted thread handle, not requested
			return reply.Finish()
		case agent.StartResultCreateProcessFailed:
			code := reply.Int32()
			if err := reply.Finish(); err != nil {
				return err
			}
			return fmt.Errorf("agent could not start %q (os error %d)", cmdline, code)
		case agent.StartResultPipesStillOpen:
			pending := reply.WString()
			if err := reply.Finish(); err != nil {
				return err
			}
			if attempt >= 50 {
				return fmt.Errorf("data channels never finished connecting: %s", pending)
			}
			time.Sleep(20 * time.Millisecond)
		default:
			return fmt.Errorf("unexpected spawn result %d", result)
		}
	}
}

// setSize sends a resize request and consumes its empty reply.
func (h *hostSession) setSize(cols, rows int) error {
	request := agent.NewFrameWriter()
	request.PutInt32(int32(agent.MessageSetSize))
	request.PutInt32(int32(cols))
	request.PutInt32(int32(rows))
	reply, err := h.exchange(request)
	if err != nil {
		return err
	}
	return reply.Finish()
}

// exchange writes one request frame and reads its reply.
func (h *hostSession) exchange(request *agent.FrameWriter) (*agent.FrameReader, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.control.Write(request.Finish()); err != nil {
		return nil, fmt.Errorf("write control request: %w", err)
	}
	body, err := readFrame(h.control)
	if err != nil {
		return nil, fmt.Errorf("read control reply: %w", err)
	}
	return agent.NewFrameReader(body), nil
}

// readFrame reads one length-prefixed frame and returns its body.
func readFrame(conn net.Conn) ([]byte, error) {
	var header [agent.FrameHeaderLength]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	frameLength := binary.LittleEndian.Uint64(header[:])
	if frameLength < agent.FrameHeaderLength {
		return nil, fmt.Errorf("frame declares invalid length %d", frameLength)
	}
	body := make([]byte, frameLength-agent.FrameHeaderLength)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

// watchWindowSize forwards terminal size changes as SetSize requests.
func watchWindowSize(host *hostSession, stdinFd int) {
	resized := make(chan os.Signal, 1)
	signal.Notify(resized, syscall.SIGWINCH)
	for range resized {
		cols, rows, err := term.GetSize(stdinFd)
		if err != nil {
			continue
		}
		if err := host.setSize(cols, rows); err != nil {
			slog.Warn("resize request failed", "error", err)
			return
		}
	}
}
