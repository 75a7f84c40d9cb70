// Package main implements the loopcast-engine daemon, the rolling-window
// capture engine's host process.
//
// loopcast-engine is designed to run for the lifetime of a recording
// session: it owns the session façade, drives the background merger and
// segment rotation on fixed intervals, serves a health/metrics endpoint,
// and exits cleanly on SIGINT/SIGTERM after finalizing whatever is
// in-flight.
//
// Usage:
//
//	loopcast-engine [options]
//
// Options:
//
//	--config=PATH     Path to config file (default: /etc/loopcast/config.yaml)
//	--base-dir=PATH   Session base directory (overrides config)
//	--lock-dir=PATH   Directory for the session lock file (default: /var/run/loopcast)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--pcm-stdin       Read raw 16-bit mono PCM frames from stdin and feed them to the session
//	--help            Show this help message
//
// With no audio source flag, the daemon still starts a recording session,
// which receives no frames, and runs until SIGINT/SIGTERM, finalizing it on
// exit; session status is reachable via the health endpoint when
// monitoring is enabled. --pcm-stdin is the engine's harness for exercising a full
// session end to end without a host-OS microphone binding, since actual
// device capture is mobile-host-specific and out of this engine's scope.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loopcast/captureengine/internal/audio"
	"github.com/loopcast/captureengine/internal/config"
	"github.com/loopcast/captureengine/internal/diagnostics"
	"github.com/loopcast/captureengine/internal/events"
	"github.com/loopcast/captureengine/internal/health"
	"github.com/loopcast/captureengine/internal/lock"
	"github.com/loopcast/captureengine/internal/session"
	"github.com/loopcast/captureengine/internal/supervisor"
	"github.com/loopcast/captureengine/internal/util"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	baseDirF   = flag.String("base-dir", "", "Session base directory (overrides config)")
	lockDir    = flag.String("lock-dir", "/var/run/loopcast", "Directory for the session lock file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	pcmStdin   = flag.Bool("pcm-stdin", false, "Read raw 16-bit mono PCM frames from stdin")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	logger.Info("loopcast-engine starting", "version", Version, "commit", Commit, "built", BuildTime)

	loader, err := config.NewLoader(config.WithYAMLFile(*configPath))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg, err := loader.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *baseDirF != "" {
		cfg.Session.BaseDir = *baseDirF
	}
	if cfg.Session.BaseDir == "" {
		logger.Error("no session base directory configured (set session.base_dir or --base-dir)")
		os.Exit(1)
	}
	logger.Info("configuration loaded", "config_path", *configPath, "base_dir", cfg.Session.BaseDir)

	if err := os.MkdirAll(*lockDir, 0o750); err != nil { // #nosec G301 -- lock dir needs group read for service monitoring
		logger.Error("failed to create lock directory", "error", err)
		os.Exit(1)
	}
	sessionLock, err := lock.NewFileLock(filepath.Join(*lockDir, "session.lock"))
	if err != nil {
		logger.Error("failed to initialize session lock", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sessionLock.AcquireContext(ctx, lock.DefaultAcquireTimeout); err != nil {
		logger.Error("failed to acquire session lock, another instance may be running", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := sessionLock.Close(); err != nil {
			logger.Warn("failed to release session lock", "error", err)
		}
	}()

	bus := events.NewBus()
	bus.Subscribe(events.SinkFunc(func(e events.Event) {
		logger.Debug("event", "kind", e.Kind.String())
	}))

	facade := session.New(cfg.Session.BaseDir, *cfg, bus, logger)

	metrics := health.NewMetrics()
	bus.Subscribe(events.SinkFunc(func(e events.Event) {
		if e.Kind == events.WaveformData {
			metrics.IncWaveformEmit()
		}
	}))

	var healthServer *healthRunner
	if cfg.Monitor.Enabled {
		healthServer = &healthRunner{addr: cfg.Monitor.HealthAddr, facade: facade, metrics: metrics}
	}

	tree := supervisor.New(logger)
	segmentInterval := time.Duration(cfg.Session.SegmentLengthMS) * time.Millisecond
	tree.Add("segment-rotation", supervisor.TickerWorker(segmentInterval, facade.RotateSegment))
	tree.Add("background-merger", supervisor.TickerWorker(2*time.Second, func() error {
		start := time.Now()
		err := facade.TickMerge()
		metrics.ObserveMergeTick(time.Since(start), err)
		return err
	}))
	tree.Add("duration-tick", supervisor.TickerWorker(time.Second, func() error {
		facade.EmitDurationTick()
		return nil
	}))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	util.SafeGo("signal-handler", logger, func() {
		sig := <-sigCh
		logger.Info("received signal, initiating shutdown", "signal", sig.String())
		cancel()
	}, nil)

	if healthServer != nil {
		util.SafeGo("health-server", logger, func() { healthServer.run(ctx, logger) }, nil)
	}

	if err := facade.Start(); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	if *pcmStdin {
		util.SafeGo("pcm-stdin-reader", logger, func() {
			feedPCMFromStdin(ctx, facade, cfg.Session, logger)
		}, func(recovered any, _ []byte) {
			logger.Error("pcm stdin reader panicked", "panic", fmt.Sprint(recovered))
		})
	}

	logger.Info("session recording", "base_dir", cfg.Session.BaseDir)
	if err := tree.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("supervisor exited with error", "error", err)
	}

	logger.Info("finalizing recording before exit")
	path, err := facade.Stop()
	if err != nil {
		logger.Error("failed to finalize recording", "error", err)
		os.Exit(1)
	}
	logger.Info("recording finalized", "path", path)

	report := diagnostics.NewRunner(diagnostics.Options{
		BaseDir: cfg.Session.BaseDir,
		Format:  audio.Format{SampleRate: cfg.Session.SampleRate, Channels: cfg.Session.Channels},
	}).Run(context.Background(), sessionSnapshot(facade))
	diagnostics.PrintReport(os.Stderr, report)

	logger.Info("shutdown complete")
}

// healthRunner binds the health/metrics HTTP server once the rest of the
// daemon is ready to serve it, using the bind-before-ready pattern from
// internal/health.
type healthRunner struct {
	addr    string
	facade  *session.Facade
	metrics *health.Metrics
}

func (h *healthRunner) run(ctx context.Context, logger *slog.Logger) {
	provider := &statusAdapter{facade: h.facade}
	handler := health.NewHandler(provider, h.metrics)
	if err := health.ListenAndServeReady(ctx, h.addr, handler, nil); err != nil {
		logger.Error("health server stopped", "error", err)
	}
}

// statusAdapter bridges session.Status (a typed struct) to
// health.StatusProvider (a narrow string/int interface), so internal/health
// never needs to import internal/session.
type statusAdapter struct {
	facade *session.Facade
}

func (a *statusAdapter) State() string {
	return a.facade.GetStatus().State.String()
}
func (a *statusAdapter) DurationMS() int64         { return a.facade.GetStatus().DurationMS }
func (a *statusAdapter) WindowSegments() int       { return a.facade.GetStatus().WindowSegments }
func (a *statusAdapter) BufferedDurationMS() int64 { return a.facade.GetStatus().BufferedDurationMS }

func sessionSnapshot(facade *session.Facade) *diagnostics.SessionSnapshot {
	s := facade.GetStatus()
	return &diagnostics.SessionSnapshot{
		State:              s.State.String(),
		DurationMS:         s.DurationMS,
		WindowSegments:     s.WindowSegments,
		BufferedDurationMS: s.BufferedDurationMS,
	}
}

// feedPCMFromStdin reads raw little-endian int16 mono samples from stdin in
// Opus-frame-sized chunks and writes them to facade until stdin closes or
// ctx is cancelled.
func feedPCMFromStdin(ctx context.Context, facade *session.Facade, cfg config.SessionConfig, logger *slog.Logger) {
	feedPCMFromStdinReader(ctx, facade, cfg, logger, os.Stdin)
}

// feedPCMFromStdinReader is feedPCMFromStdin with the input source
// extracted, so tests can supply an in-memory reader instead of the
// process's stdin.
func feedPCMFromStdinReader(ctx context.Context, facade *session.Facade, cfg config.SessionConfig, logger *slog.Logger, source io.Reader) {
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	samplesPerFrame := format.SamplesPerFrame() * format.Channels
	buf := make([]byte, samplesPerFrame*2)
	reader := bufio.NewReaderSize(source, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := io.ReadFull(reader, buf); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				logger.Warn("pcm stdin read failed", "error", err)
			}
			return
		}

		pcm := make([]int16, samplesPerFrame)
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
		}
		facade.WriteFrame(pcm)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage() {
	fmt.Println("loopcast-engine - rolling-window audio capture engine daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: loopcast-engine [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Finalize the current recording and exit")
}
