// Copyright 2026 The Conbridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/conbridge/conbridge/lib/clock"
	"github.com/conbridge/conbridge/lib/journal"
	"github.com/conbridge/conbridge/lib/pipe"
)

const (
	// defaultPollInterval is the reactor's periodic tick. Each tick
	// drives mouse-flag sync, escape flushing, exit detection, title
	// sync, scraping, and auto-close evaluation.
	defaultPollInterval = 25 * time.Millisecond

	// controlReadBufferSize is the control channel's initial receive
	// buffering. Grown on demand when a frame declares a larger
	// length.
	controlReadBufferSize = 64 * 1024

	// maxFrameLength bounds a declared frame length. The host never
	// sends frames anywhere near this; a larger declaration means the
	// channel is corrupt.
	maxFrameLength = 64 * 1024 * 1024
)

// errControlClosed signals the orderly-shutdown path out of the event
// loop when the host closes the control channel.
var errControlClosed = errors.New("control channel closed")

// ScraperFactory builds the scraper/encoder pair for one screen buffer
// once its output channel exists. plain suppresses escape output;
// color re-enables color escapes in plain mode.
type ScraperFactory func(output io.Writer, plain, color bool, initialSize Size) (Scraper, OutputEncoder, error)

// TranslatorFactory builds the input translator. The translator calls
// dsr when it needs a terminal round-trip marker on the output stream.
type TranslatorFactory func(dsr DSRSender, mouseMode MouseMode) (InputTranslator, error)

// Config assembles an Agent. Console, PrimaryBuffer, NewScraper,
// NewTranslator, Spawner, and ControlPath are required; ErrorBuffer is
// required when UseConsoleError is set.
type Config struct {
	// ControlPath is the host's control channel socket. The agent
	// dials it and immediately sends the handshake frame naming the
	// data channels it created.
	ControlPath string

	// SocketDir is where the agent creates its data channel sockets.
	// Defaults to the system temporary directory.
	SocketDir string

	// UseConsoleError enables the secondary screen buffer and its
	// output data channel, wired as the spawned process's standard
	// error.
	UseConsoleError bool

	// PlainOutput suppresses escape-sequence output.
	PlainOutput bool

	// ColorEscapes re-enables color escape output in plain mode.
	ColorEscapes bool

	// MouseMode is the input translator's mouse-tracking policy.
	MouseMode MouseMode

	// InitialSize is the console window size the scrapers start from.
	InitialSize Size

	// PollInterval overrides the periodic tick. Zero means the
	// default (25ms).
	PollInterval time.Duration

	// SeparateInputBytes is a diagnostic mode: inbound data bytes are
	// fed to the input translator one at a time, exercising
	// escape-sequence and multi-byte reassembly under maximal
	// fragmentation.
	SeparateInputBytes bool

	Console       Console
	PrimaryBuffer ScreenBuffer
	ErrorBuffer   ScreenBuffer
	NewScraper    ScraperFactory
	NewTranslator TranslatorFactory
	Spawner       Spawner

	// Clock drives the periodic tick. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Journal, when non-nil, records protocol and lifecycle events
	// for later inspection.
	Journal *journal.Writer
}

// Agent is the controller. It exclusively owns the console, its screen
// buffers, the four pipe endpoints, and the spawned child process.
// Everything runs on the single goroutine inside Run; the only
// suspension point is the reactor's multiplexed wait.
type Agent struct {
	logger  *slog.Logger
	clock   clock.Clock
	journal *journal.Writer

	console       Console
	primaryBuffer ScreenBuffer
	errorBuffer   ScreenBuffer

	primaryScraper Scraper
	primaryEncoder OutputEncoder
	errorScraper   Scraper
	errorEncoder   OutputEncoder
	translator     InputTranslator
	spawner        Spawner

	events  chan *pipe.Endpoint
	control *pipe.Endpoint
	conin   *pipe.Endpoint
	conout  *pipe.Endpoint
	conerr  *pipe.Endpoint

	child              ProcessHandle
	autoShutdown       bool
	closingOutputPipes bool

	currentTitle  string
	mouseReported bool

	useConsoleError    bool
	plainOutput        bool
	pollInterval       time.Duration
	separateInputBytes bool
}

// New builds the agent: calibrates the console freeze method, dials
// the control channel, creates the data channel sockets, and sends the
// handshake frame naming them. The returned agent does nothing until
// Run is called.
func New(cfg Config) (*Agent, error) {
	if cfg.Console == nil || cfg.PrimaryBuffer == nil {
		return nil, fmt.Errorf("agent: Console and PrimaryBuffer are required")
	}
	if cfg.NewScraper == nil || cfg.NewTranslator == nil || cfg.Spawner == nil {
		return nil, fmt.Errorf("agent: NewScraper, NewTranslator, and Spawner are required")
	}
	if cfg.ControlPath == "" {
		return nil, fmt.Errorf("agent: ControlPath is required")
	}
	if cfg.UseConsoleError && cfg.ErrorBuffer == nil {
		return nil, fmt.Errorf("agent: ErrorBuffer is required when UseConsoleError is set")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agentClock := cfg.Clock
	if agentClock == nil {
		agentClock = clock.Real()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	socketDir := cfg.SocketDir
	if socketDir == "" {
		socketDir = os.TempDir()
	}

	a := &Agent{
		logger:             logger,
		clock:              agentClock,
		journal:            cfg.Journal,
		console:            cfg.Console,
		primaryBuffer:      cfg.PrimaryBuffer,
		errorBuffer:        cfg.ErrorBuffer,
		spawner:            cfg.Spawner,
		useConsoleError:    cfg.UseConsoleError,
		plainOutput:        cfg.PlainOutput,
		pollInterval:       pollInterval,
		separateInputBytes: cfg.SeparateInputBytes,
	}

	if err := calibrateFreezeMethod(cfg.Console, cfg.PrimaryBuffer, logger); err != nil {
		return nil, fmt.Errorf("calibrate freeze method: %w", err)
	}

	// One readiness notification per endpoint can be outstanding at a
	// time, so capacity above the endpoint count keeps raises
	// non-blocking.
	a.events = make(chan *pipe.Endpoint, 8)

	control, err := pipe.Dial("control", cfg.ControlPath, pipe.ModeDuplex, a.events, logger)
	if err != nil {
		return nil, fmt.Errorf("connect control channel: %w", err)
	}
	control.SetReadBufferSize(controlReadBufferSize)
	a.control = control

	if a.conin, err = a.createDataPipe("conin", socketDir, pipe.ModeRead); err != nil {
		a.closePipes()
		return nil, err
	}
	if a.conout, err = a.createDataPipe("conout", socketDir, pipe.ModeWrite); err != nil {
		a.closePipes()
		return nil, err
	}
	if cfg.UseConsoleError {
		if a.conerr, err = a.createDataPipe("conerr", socketDir, pipe.ModeWrite); err != nil {
			a.closePipes()
			return nil, err
		}
	}

	// Handshake: the first frame carries the data channel paths, in
	// creation order, recognized positionally rather than by message
	// type.
	handshake := NewFrameWriter()
	handshake.PutWString(a.conin.Path())
	handshake.PutWString(a.conout.Path())
	if a.conerr != nil {
		handshake.PutWString(a.conerr.Path())
	}
	a.writeFrame(handshake)
	a.record("handshake", map[string]any{
		"conin":  a.conin.Path(),
		"conout": a.conout.Path(),
	})

	outputColor := !cfg.PlainOutput || cfg.ColorEscapes
	a.primaryScraper, a.primaryEncoder, err = cfg.NewScraper(a.conout, cfg.PlainOutput, outputColor, cfg.InitialSize)
	if err != nil {
		a.closePipes()
		return nil, fmt.Errorf("build primary scraper: %w", err)
	}
	if cfg.UseConsoleError {
		a.errorScraper, a.errorEncoder, err = cfg.NewScraper(a.conerr, cfg.PlainOutput, outputColor, cfg.InitialSize)
		if err != nil {
			a.closePipes()
			return nil, fmt.Errorf("build error scraper: %w", err)
		}
	}

	a.translator, err = cfg.NewTranslator(a, cfg.MouseMode)
	if err != nil {
		a.closePipes()
		return nil, fmt.Errorf("build input translator: %w", err)
	}

	// Establish the title baseline: the cache starts empty and the
	// console is set to match, so the first sync only writes if a
	// child actually changes the title.
	if err := cfg.Console.SetTitle(a.currentTitle); err != nil {
		a.closePipes()
		return nil, fmt.Errorf("set initial console title: %w", err)
	}

	return a, nil
}

// createDataPipe creates one server data channel socket with a unique
// name under dir.
func (a *Agent) createDataPipe(kind, dir string, mode pipe.Mode) (*pipe.Endpoint, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return nil, fmt.Errorf("generate %s socket name: %w", kind, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("conbridge-%s-%s.sock", kind, suffix))
	endpoint, err := pipe.Serve(kind, path, mode, a.events, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create %s data channel: %w", kind, err)
	}
	return endpoint, nil
}

// randomSuffix returns a unique hex token for data channel socket
// names.
func randomSuffix() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

// Run drives the reactor until the host closes the control channel
// (returns nil), the context is cancelled (returns the context error),
// or a protocol or invariant violation makes continuing unsafe
// (returns the violation). All pipes are closed and the child handle
// released before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	defer a.cleanup()

	ticker := a.clock.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case endpoint := <-a.events:
			endpoint.ClearSignal()
			if err := a.onPipeIO(endpoint); err != nil {
				if errors.Is(err, errControlClosed) {
					return nil
				}
				return err
			}
		case <-ticker.C:
			if err := a.onPollTimeout(); err != nil {
				return err
			}
		}
	}
}

// cleanup releases everything the agent owns. Runs exactly once, on
// the way out of Run.
func (a *Agent) cleanup() {
	a.closePipes()
	if a.child != nil {
		a.child.Close()
		a.child = nil
	}
	a.record("shutdown", nil)
	a.logger.Info("agent stopped")
}

// closePipes closes whichever endpoints exist.
func (a *Agent) closePipes() {
	for _, endpoint := range []*pipe.Endpoint{a.control, a.conin, a.conout, a.conerr} {
		if endpoint != nil {
			endpoint.Close()
		}
	}
}

// onPipeIO dispatches one endpoint readiness notification. Output
// channel readiness only means the send buffer drained further, so it
// re-evaluates auto-close eligibility and nothing else.
func (a *Agent) onPipeIO(endpoint *pipe.Endpoint) error {
	switch endpoint {
	case a.conout, a.conerr:
		a.autoClosePipesForShutdown()
		return nil
	case a.conin:
		a.pollInputPipe()
		return nil
	case a.control:
		return a.pollControlPipe()
	default:
		return nil
	}
}

// pollControlPipe decodes and dispatches every complete frame
// currently buffered on the control channel. A closed control channel
// takes precedence over partial-frame accumulation: any buffered
// partial frame is discarded and shutdown begins.
func (a *Agent) pollControlPipe() error {
	if a.control.IsClosed() {
		a.logger.Info("control channel closed; shutting down")
		return errControlClosed
	}

	for {
		var header [FrameHeaderLength]byte
		if a.control.Peek(header[:]) < len(header) {
			return nil
		}
		frameLength := binary.LittleEndian.Uint64(header[:])
		if frameLength < FrameHeaderLength || frameLength > maxFrameLength {
			return fmt.Errorf("control frame declares invalid length %d", frameLength)
		}
		if uint64(a.control.BytesAvailable()) < frameLength {
			// Partial frame: make sure the whole frame can buffer,
			// then wait for more I/O. Never dispatch a partial frame.
			if uint64(a.control.ReadBufferSize()) < frameLength {
				a.control.SetReadBufferSize(int(frameLength))
			}
			return nil
		}
		frame, err := a.control.Consume(int(frameLength))
		if err != nil {
			return fmt.Errorf("consume control frame: %w", err)
		}
		if err := a.dispatchFrame(frame[FrameHeaderLength:]); err != nil {
			return err
		}
	}
}

// dispatchFrame routes one frame body by its message type. An
// unrecognized type is logged and dropped: the framing length already
// consumed the whole frame, so unknown messages are skippable without
// understanding their payload.
func (a *Agent) dispatchFrame(body []byte) error {
	reader := NewFrameReader(body)
	messageType := MessageType(reader.Int32())
	if err := reader.Err(); err != nil {
		return fmt.Errorf("decode control frame: %w", err)
	}

	switch messageType {
	case MessageStartProcess:
		return a.handleStartProcess(reader)
	case MessageSetSize:
		return a.handleSetSize(reader)
	default:
		a.logger.Warn("unrecognized control message dropped", "type", int32(messageType))
		a.record("frame-dropped", map[string]any{"type": int32(messageType)})
		return nil
	}
}

// writeFrame finishes a frame and queues it on the control channel as
// one write.
func (a *Agent) writeFrame(frame *FrameWriter) {
	a.control.Write(frame.Finish())
}

// pollInputPipe drains the input data channel and feeds the bytes to
// the input translator, as one batch or byte-at-a-time in diagnostic
// mode.
func (a *Agent) pollInputPipe() {
	data := a.conin.ReadAll()
	if len(data) == 0 {
		return
	}
	if a.separateInputBytes {
		for i := range data {
			a.translator.WriteInput(data[i : i+1])
		}
	} else {
		a.translator.WriteInput(data)
	}
}

// onPollTimeout runs the periodic tick. The scrape decision is
// computed before exit detection so the tick that discovers the exit
// still scrapes once, capturing the child's final output.
func (a *Agent) onPollTimeout() error {
	enableMouse := a.translator.UpdateMouseInputFlags()
	if enableMouse != a.mouseReported {
		a.logger.Info("mouse tracking changed", "enabled", enableMouse)
		a.mouseReported = enableMouse
	}

	// Let the translator flush input from an incomplete escape
	// sequence (e.g. a lone ESC keypress).
	a.translator.FlushIncompleteEscape()

	shouldScrape := !a.closingOutputPipes

	if a.autoShutdown && a.child != nil {
		exited, err := a.child.Signaled()
		if err != nil {
			return fmt.Errorf("poll child process: %w", err)
		}
		if exited {
			a.child.Close()
			a.child = nil
			a.closingOutputPipes = true
			a.logger.Info("child exited; output channels will close once drained")
			a.record("closing-output", nil)
		}
	}

	if shouldScrape {
		if err := a.syncConsoleTitle(); err != nil {
			return err
		}
		if err := a.scrapeBuffers(); err != nil {
			return err
		}
	}

	// Mouse mode must be off before the output channels close, so the
	// flag is pushed after the closing decision, forced off once
	// closing.
	mouseEnabled := enableMouse && !a.closingOutputPipes
	a.primaryEncoder.EnableMouseMode(mouseEnabled)
	if a.errorEncoder != nil {
		a.errorEncoder.EnableMouseMode(mouseEnabled)
	}

	a.autoClosePipesForShutdown()
	return nil
}

// autoClosePipesForShutdown closes each output channel once the
// closing phase has begun and that channel's pending send bytes reach
// zero. The two channels close independently.
func (a *Agent) autoClosePipesForShutdown() {
	if !a.closingOutputPipes {
		return
	}
	for _, endpoint := range []*pipe.Endpoint{a.conout, a.conerr} {
		if endpoint == nil || endpoint.IsClosed() || endpoint.BytesToSend() != 0 {
			continue
		}
		a.logger.Info("closing output channel (auto-shutdown)", "pipe", endpoint.Name())
		endpoint.Close()
		a.record("pipe-closed", map[string]any{"pipe": endpoint.Name()})
	}
}

// syncConsoleTitle writes a title escape to the primary output channel
// when the console title has changed since the last write. Redundant
// writes are suppressed by the cache.
func (a *Agent) syncConsoleTitle() error {
	title, err := a.console.Title()
	if err != nil {
		return fmt.Errorf("read console title: %w", err)
	}
	if title == a.currentTitle {
		return nil
	}
	fmt.Fprintf(a.conout, "\x1b]0;%s\x07", title)
	a.currentTitle = title
	return nil
}

// SendDSR writes a Device Status Report query to the primary output
// channel. The terminal's reply will not split a keypress escape
// sequence, so the translator can treat bytes that arrive before the
// reply as complete keypresses. Suppressed in plain-output mode and
// once the channel is closed.
func (a *Agent) SendDSR() {
	if a.plainOutput || a.conout.IsClosed() {
		return
	}
	a.conout.Write([]byte("\x1b[6n"))
}

// record writes a journal event when journaling is enabled.
func (a *Agent) record(event string, fields map[string]any) {
	a.journal.Record(event, fields)
}

// InstallInterruptHandler makes the agent ignore the interrupt signal
// for the life of the process. Registered once at startup and never
// torn down: a console interrupt is aimed at the child process group,
// and the agent must survive it to keep relaying the child's final
// output. All other signals keep their default disposition.
func InstallInterruptHandler() {
	signal.Ignore(os.Interrupt)
}
