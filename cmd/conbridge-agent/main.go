// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

// conbridge-agent is the session-side half of the console bridge. It
// owns a simulated console session, dials the host's control socket,
// creates the data channel sockets, and then runs the controller: it
// spawns the requested process on the console, scrapes console output
// into terminal escape sequences on the output channels, and feeds
// input channel bytes to the console's input stream.
//
// The host (conbridge-attach, or anything speaking the control
// protocol) creates the control socket, launches this binary with
// --control pointing at it, reads the handshake frame to learn the
// data channel socket paths, and connects them.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/conbridge/conbridge/agent"
	"github.com/conbridge/conbridge/lib/config"
	"github.com/conbridge/conbridge/lib/consolesim"
	"github.com/conbridge/conbridge/lib/journal"
	"github.com/conbridge/conbridge/lib/spawn"
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
		controlPath        string
		configPath         string
		socketDir          string
		cols, rows         int
		useConsoleError    bool
		plainOutput        bool
		colorEscapes       bool
		mouseModeName      string
		journalPath        string
		logLevelName       string
		pollInterval       time.Duration
		separateInputBytes bool
		markQuirk          bool
	)

	flagSet := pflag.NewFlagSet("conbridge-agent", pflag.ContinueOnError)
	flagSet.StringVar(&controlPath, "control", "", "host control socket to dial (required)")
	flagSet.StringVar(&configPath, "config", "", "configuration file (default: $CONBRIDGE_CONFIG)")
	flagSet.StringVar(&socketDir, "socket-dir", "", "directory for data channel sockets")
	flagSet.IntVar(&cols, "cols", 80, "initial console window width")
	flagSet.IntVar(&rows, "rows", 25, "initial console window height")
	flagSet.BoolVar(&useConsoleError, "conerr", false, "separate standard-error buffer and output channel")
	flagSet.BoolVar(&plainOutput, "plain", false, "plain text output instead of escape sequences")
	flagSet.BoolVar(&colorEscapes, "color", false, "keep color escapes in plain mode")
	flagSet.StringVar(&mouseModeName, "mouse-mode", "none", "mouse tracking policy: none, auto, or force")
	flagSet.StringVar(&journalPath, "journal", "", "write a lifecycle journal to this file")
	flagSet.StringVar(&logLevelName, "log-level", "", "log level: debug, info, warn, or error")
	flagSet.DurationVar(&pollInterval, "poll-interval", 0, "reactor tick interval (default 25ms)")
	flagSet.BoolVar(&separateInputBytes, "separate-input-bytes", false, "diagnostic: feed input to the translator one byte at a time")
	flagSet.BoolVar(&markQuirk, "mark-quirk", false, "diagnostic: simulate a console whose Mark freeze moves the cursor")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match other conbridge
	// binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("conbridge-agent")
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
	if controlPath == "" {
		return fmt.Errorf("--control is required")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if socketDir == "" {
		socketDir = cfg.SocketDir
	}
	if journalPath == "" {
		journalPath = cfg.Journal
	}
	if logLevelName == "" {
		logLevelName = cfg.LogLevel
	}
	if pollInterval == 0 {
		pollInterval = time.Duration(cfg.PollInterval)
	}
	separateInputBytes = separateInputBytes || cfg.Diagnostics.SeparateInputBytes

	level, err := config.ParseLogLevel(logLevelName)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mouseMode, err := parseMouseMode(mouseModeName)
	if err != nil {
		return err
	}

	var lifecycle *journal.Writer
	if journalPath != "" {
		lifecycle, err = journal.Create(journalPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := lifecycle.Close(); err != nil {
				logger.Error("journal close failed", "error", err)
			}
		}()
	}

	size := agent.Size{Cols: cols, Rows: rows}
	primaryBuffer, err := consolesim.NewBuffer(size)
	if err != nil {
		return fmt.Errorf("create primary buffer: %w", err)
	}
	var errorBuffer *consolesim.Buffer
	if useConsoleError {
		if errorBuffer, err = consolesim.NewBuffer(size); err != nil {
			return fmt.Errorf("create error buffer: %w", err)
		}
	}
	console := consolesim.NewConsole(primaryBuffer)
	if markQuirk {
		console = consolesim.NewConsoleWithMarkQuirk(primaryBuffer)
	}

	// Translated input flows through a pipe into the spawned process's
	// standard input; the writer exists before any child does.
	stdinReader, stdinWriter := io.Pipe()
	defer stdinWriter.Close()

	spawner := &spawn.Spawner{
		Stdin:  stdinReader,
		Stdout: primaryBuffer,
		Stderr: errorBuffer,
		Logger: logger,
	}
	if errorBuffer == nil {
		spawner.Stderr = primaryBuffer
	}

	agent.InstallInterruptHandler()

	controller, err := agent.New(agent.Config{
		ControlPath:        controlPath,
		SocketDir:          socketDir,
		UseConsoleError:    useConsoleError,
		PlainOutput:        plainOutput,
		ColorEscapes:       colorEscapes,
		MouseMode:          mouseMode,
		InitialSize:        size,
		PollInterval:       pollInterval,
		SeparateInputBytes: separateInputBytes,
		Console:            console,
		PrimaryBuffer:      primaryBuffer,
		ErrorBuffer:        screenBuffer(errorBuffer),
		NewScraper:         consolesim.NewScraper,
		NewTranslator:      consolesim.NewTranslatorFactory(stdinWriter),
		Spawner:            spawner,
		Logger:             logger,
		Journal:            lifecycle,
	})
	if err != nil {
		return err
	}
	return controller.Run(context.Background())
}

// screenBuffer converts a possibly-nil concrete buffer to the
// interface without producing a non-nil interface around a nil
// pointer.
func screenBuffer(buffer *consolesim.Buffer) agent.ScreenBuffer {
	if buffer == nil {
		return nil
	}
	return buffer
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func parseMouseMode(name string) (agent.MouseMode, error) {
	switch name {
	case "none":
		return agent.MouseModeNone, nil
	case "auto":
		return agent.MouseModeAuto, nil
	case "force":
		return agent.MouseModeForce, nil
	default:
		return 0, fmt.Errorf("unknown mouse mode %q (want none, auto, or force)", name)
	}
}
