// SPDX-License-Identifier: MIT

// Package session implements the session façade: the single entry
// point that serializes start/pause/resume/reset/stop commands and
// coordinator-driven interruption actions behind one command lock, and
// owns duration accounting and event emission.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loopcast/captureengine/internal/audio"
	"github.com/loopcast/captureengine/internal/config"
	"github.com/loopcast/captureengine/internal/container"
	"github.com/loopcast/captureengine/internal/errs"
	"github.com/loopcast/captureengine/internal/events"
	"github.com/loopcast/captureengine/internal/interrupt"
	"github.com/loopcast/captureengine/internal/merge"
	"github.com/loopcast/captureengine/internal/segment"
	"github.com/loopcast/captureengine/internal/store"
	"github.com/loopcast/captureengine/internal/waveform"
	"github.com/loopcast/captureengine/internal/window"
)

// containerExt is the file extension used for every container file this
// engine writes.
const containerExt = "lcs"

// State is one node of the façade's state machine.
type State int

const (
	Idle State = iota
	Recording
	PausedManual
	PausedInterrupt
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case PausedManual:
		return "paused_manual"
	case PausedInterrupt:
		return "paused_interrupt"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	State               State
	DurationMS          int64
	Path                string
	WindowSegments      int
	BufferedDurationMS  int64
}

// realClock implements segment.Clock against the wall clock.
type realClock struct{ start time.Time }

func (c *realClock) NowUs() int64 { return time.Since(c.start).Microseconds() }

// Facade is the engine's single entry point, guarded end to end by
// command_lock so every public call and every coordinator-driven action
// observes a consistent state.
type Facade struct {
	mu sync.Mutex

	cfg    config.SessionConfig
	waveCfg waveform.Config
	logger *slog.Logger
	bus    *events.Bus
	coord  *interrupt.Coordinator
	analyzer *waveform.Analyzer

	baseDir string
	st      *store.Store
	win     *window.Window
	merger  *merge.Merger
	finalizer *merge.Finalizer
	format  audio.Format
	clock   *realClock

	state      State
	writer     *segment.Writer
	continuous *segment.Continuous

	recordingStart     time.Time
	manualPauseStart     time.Time
	manualPauseIntervals []interrupt.PauseInterval
	lastFinalPath      string
}

// New creates an idle Facade. baseDir is the session's base directory;
// cfg supplies the capture defaults used unless a later Start call
// overrides them.
func New(baseDir string, cfg config.Config, bus *events.Bus, logger *slog.Logger) *Facade {
	if bus == nil {
		bus = events.NewBus()
	}
	waveCfg := waveform.Config{
		SampleRate:    cfg.Session.SampleRate,
		Gain:          cfg.Waveform.Gain,
		VoiceBandGate: cfg.Waveform.VoiceBandGate,
		SpeechEnabled: cfg.Speech.Enabled,
		Threshold:     cfg.Speech.Threshold,
		VADEnabled:    cfg.VAD.Enabled,
		VADWindowSize: cfg.VAD.WindowSize,
		VoiceFilter:   cfg.VAD.VoiceFilter,
		DebounceMS:    cfg.Waveform.DebounceMS,
	}
	return &Facade{
		cfg:      cfg.Session,
		waveCfg:  waveCfg,
		logger:   logger,
		bus:      bus,
		coord:    interrupt.New(),
		analyzer: waveform.New(waveCfg, bus),
		baseDir:  baseDir,
		state:    Idle,
	}
}

// Events returns the bus every lifecycle and waveform event is published
// on.
func (f *Facade) Events() *events.Bus { return f.bus }

// Start transitions idle → recording, provisioning a fresh store, window,
// merger, and first segment writer.
func (f *Facade) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Idle {
		return fmt.Errorf("%w: start called in state %s", errs.ErrInvalidState, f.state)
	}

	if err := os.MkdirAll(f.baseDir, 0o750); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIOFailure, err)
	}

	st, err := store.New(f.baseDir, containerExt, f.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIOFailure, err)
	}
	if err := st.CleanupOrphans(); err != nil && f.logger != nil {
		f.logger.Warn("startup orphan cleanup failed", "error", err)
	}

	f.st = st
	f.win = window.New(st, f.cfg.SegmentLengthMS, f.cfg.KeepDurationMS, f.logger)
	f.merger = merge.New(f.win, st, f.logger)
	f.format = audio.Format{SampleRate: f.cfg.SampleRate, Channels: f.cfg.Channels}
	f.finalizer = merge.NewFinalizer(f.merger, st, container.Format{
		SampleRate: f.format.SampleRate,
		Channels:   f.format.Channels,
		Codec:      container.CodecOpus,
	})
	f.clock = &realClock{start: time.Now()}

	_, segPath := st.NextSegmentPath()
	f.writer = segment.New(f.format, f.cfg.BitrateBPS, f.clock, f.logger)
	if err := f.writer.ConfigureAndStart(segPath); err != nil {
		return err
	}

	if f.cfg.Continuous {
		cont := segment.NewContinuous(f.format, f.cfg.BitrateBPS, f.clock, f.logger)
		contPath := filepath.Join(f.baseDir, fmt.Sprintf("continuous_%d.%s", time.Now().UnixNano(), containerExt))
		if err := cont.ConfigureAndStart(contPath); err != nil {
			if f.logger != nil {
				f.logger.Warn("continuous writer failed to start, degrading to merge-at-stop", "error", err)
			}
		} else {
			f.continuous = cont
		}
	}

	f.recordingStart = time.Now()
	f.manualPauseStart = time.Time{}
	f.manualPauseIntervals = nil
	f.lastFinalPath = ""

	f.analyzer.Start()
	f.state = Recording
	f.emitStatusLocked()
	return nil
}

// WriteFrame feeds one PCM frame to the active segment writer, the
// continuous writer (if enabled), and the waveform analyzer. It is safe
// to call regardless of pause state: the per-writer no-op rules apply.
func (f *Facade) WriteFrame(pcm []int16) {
	f.mu.Lock()
	writer := f.writer
	cont := f.continuous
	f.mu.Unlock()

	if writer != nil {
		if err := writer.WriteFrame(pcm); err != nil && f.logger != nil {
			f.logger.Warn("segment write failed", "error", err)
		}
	}
	if cont != nil {
		if err := cont.WriteFrame(pcm); err != nil && f.logger != nil {
			f.logger.Warn("continuous write failed", "error", err)
		}
	}
	f.analyzer.Process(pcm)
}

// RotateSegment seals the current segment, admits it to the window, and
// starts a fresh one. Intended to be called by a periodic worker every
// segment_length_ms while Recording; a no-op in any other state.
func (f *Facade) RotateSegment() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Recording {
		return nil
	}
	return f.rotateLocked()
}

func (f *Facade) rotateLocked() error {
	sealed, err := f.writer.StopSafely()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIOFailure, err)
	}
	if sealed != nil {
		if _, _, err := f.win.Admit(0, sealed.Path, sealed.Bytes, sealed.DurationUs); err != nil && f.logger != nil {
			f.logger.Warn("window admission failed", "error", err)
		}
	}

	_, segPath := f.st.NextSegmentPath()
	f.writer = segment.New(f.format, f.cfg.BitrateBPS, f.clock, f.logger)
	return f.writer.ConfigureAndStart(segPath)
}

// TickMerge drives one Background Merger cycle. Intended to be called
// periodically by a supervised worker.
func (f *Facade) TickMerge() error {
	f.mu.Lock()
	merger := f.merger
	f.mu.Unlock()
	if merger == nil {
		return nil
	}
	return merger.Tick()
}

// Pause transitions recording → paused_manual.
func (f *Facade) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Recording {
		return fmt.Errorf("%w: pause called in state %s", errs.ErrInvalidState, f.state)
	}
	if err := f.writer.Pause(); err != nil {
		return err
	}
	if f.continuous != nil {
		_ = f.continuous.Pause()
	}
	f.analyzer.Pause()
	f.manualPauseStart = time.Now()
	f.state = PausedManual
	f.emitStatusLocked()
	return nil
}

// Resume transitions paused_manual → recording.
func (f *Facade) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != PausedManual {
		return fmt.Errorf("%w: resume called in state %s", errs.ErrInvalidState, f.state)
	}
	if err := f.writer.Resume(); err != nil {
		return err
	}
	if f.continuous != nil {
		_ = f.continuous.Resume()
	}
	f.analyzer.Resume()
	if !f.manualPauseStart.IsZero() {
		f.manualPauseIntervals = append(f.manualPauseIntervals, interrupt.PauseInterval{Start: f.manualPauseStart, End: time.Now()})
		f.manualPauseStart = time.Time{}
	}
	f.state = Recording
	f.emitStatusLocked()
	return nil
}

// Reset discards the window and artifacts, zeroes duration counters, and
// re-enters paused_manual with a fresh recording_start: the reported
// duration stays zero until an explicit resume.
func (f *Facade) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Recording && f.state != PausedManual {
		return fmt.Errorf("%w: reset called in state %s", errs.ErrInvalidState, f.state)
	}

	if _, err := f.writer.StopSafely(); err != nil && f.logger != nil {
		f.logger.Warn("reset: discarding writer failed", "error", err)
	}
	if f.writer != nil {
		_ = f.st.DeleteWithRetry(f.writer.Path())
	}
	discarded := f.win.Reset()
	for _, e := range discarded {
		_ = f.st.DeleteWithRetry(e.Path)
	}
	_ = f.st.DeleteWithRetry(f.st.MergedTempPath())

	if f.continuous != nil {
		if _, err := f.continuous.StopSafely(); err != nil && f.logger != nil {
			f.logger.Warn("reset: discarding continuous writer failed", "error", err)
		}
		_ = f.st.DeleteWithRetry(f.continuous.Path())
		f.continuous = nil
	}

	_, segPath := f.st.NextSegmentPath()
	f.writer = segment.New(f.format, f.cfg.BitrateBPS, f.clock, f.logger)
	if err := f.writer.ConfigureAndStart(segPath); err != nil {
		return err
	}
	if f.cfg.Continuous {
		cont := segment.NewContinuous(f.format, f.cfg.BitrateBPS, f.clock, f.logger)
		contPath := filepath.Join(f.baseDir, fmt.Sprintf("continuous_%d.%s", time.Now().UnixNano(), containerExt))
		if err := cont.ConfigureAndStart(contPath); err == nil {
			f.continuous = cont
		}
	}
	if err := f.writer.Pause(); err != nil {
		return err
	}
	if f.continuous != nil {
		_ = f.continuous.Pause()
	}

	f.recordingStart = time.Now()
	f.manualPauseIntervals = nil
	f.manualPauseStart = time.Now()
	f.lastFinalPath = ""
	f.state = PausedManual
	f.emitStatusLocked()
	return nil
}

// BeginInterrupt transitions into paused_interrupt for any interruption
// event whose policy decision pauses capture.
func (f *Facade) BeginInterrupt(ev interrupt.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	decision := f.coord.Decide(ev)
	now := time.Now()

	if decision.Duration == interrupt.DurationPause {
		f.coord.BeginInterruptPause(now)
	}
	if decision.Capture == interrupt.CapturePause && f.state == Recording {
		if err := f.writer.Pause(); err != nil {
			return err
		}
		if f.continuous != nil {
			_ = f.continuous.Pause()
		}
		f.analyzer.Pause()
		f.state = PausedInterrupt
	}

	if decision.Duration == interrupt.DurationResume {
		f.coord.EndInterruptPause(now)
	}
	if decision.Capture == interrupt.CaptureResume && f.state == PausedInterrupt {
		if err := f.writer.Resume(); err != nil {
			return err
		}
		if f.continuous != nil {
			_ = f.continuous.Resume()
		}
		f.analyzer.Resume()
		f.state = Recording
	}

	f.emitInterruptionLocked(ev, decision)
	return nil
}

// Stop transitions recording|paused* → stopping → idle, returning the
// final output path. Calling Stop again while stopping or after
// returning to idle is idempotent: it returns the same path rather than
// double-finalizing (P5).
func (f *Facade) Stop() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == Idle {
		if f.lastFinalPath != "" {
			return f.lastFinalPath, nil
		}
		return "", fmt.Errorf("%w: stop called while idle", errs.ErrInvalidState)
	}
	if f.state == Stopping {
		return f.lastFinalPath, nil
	}

	f.state = Stopping

	if err := f.rotateForStopLocked(); err != nil && f.logger != nil {
		f.logger.Warn("stop: final segment admission failed", "error", err)
	}

	kept := f.win.FinalStrictCleanup()
	planVersion := f.win.PlanVersion()
	remaining := make([]string, len(kept))
	for i, e := range kept {
		remaining[i] = e.Path
	}

	finalPath := filepath.Join(f.baseDir, fmt.Sprintf("recording_%d.%s", time.Now().UnixNano(), containerExt))
	keepDurationUs := f.cfg.KeepDurationMS * 1000

	got, err := f.finalizer.Finalize(planVersion, remaining, f.continuous, keepDurationUs, finalPath)
	f.continuous = nil
	f.analyzer.Stop()

	f.state = Idle
	if err != nil {
		f.lastFinalPath = ""
		return "", fmt.Errorf("%w: %v", errs.ErrMergeFailure, err)
	}
	f.lastFinalPath = got
	f.emitStatusLocked()
	return got, nil
}

func (f *Facade) rotateForStopLocked() error {
	if f.writer == nil {
		return nil
	}
	sealed, err := f.writer.StopSafely()
	if err != nil {
		return err
	}
	if sealed != nil {
		_, _, err := f.win.Admit(0, sealed.Path, sealed.Bytes, sealed.DurationUs)
		return err
	}
	return nil
}

// durationMSLocked computes elapsed active (non-paused) recording
// duration. Callers must hold mu.
func (f *Facade) durationMSLocked() int64 {
	if f.recordingStart.IsZero() {
		return 0
	}
	now := time.Now()
	elapsed := now.Sub(f.recordingStart)
	manual := f.manualPauseIntervals
	if !f.manualPauseStart.IsZero() {
		manual = append(append([]interrupt.PauseInterval(nil), manual...), interrupt.PauseInterval{Start: f.manualPauseStart})
	}
	paused := interrupt.CombinedPausedDuration(now, manual, f.coord.InterruptIntervals())
	active := elapsed - paused
	if active < 0 {
		active = 0
	}
	return active.Milliseconds()
}

// EmitDurationTick publishes a duration_changed event carrying the
// current elapsed recording duration. A no-op outside Recording. Intended
// to be called periodically (T_duration_tick) by a supervised worker.
func (f *Facade) EmitDurationTick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Recording {
		return
	}
	f.bus.Emit(events.Event{
		Kind:      events.DurationChanged,
		Timestamp: time.Now(),
		DurationMS: f.durationMSLocked(),
	})
}

// GetStatus returns a point-in-time snapshot of session state.
func (f *Facade) GetStatus() Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	durationMS := f.durationMSLocked()

	windowSegments := 0
	var bufferedUs int64
	if f.win != nil {
		entries, _ := f.win.Snapshot()
		windowSegments = len(entries)
		bufferedUs = f.win.TotalDuration()
	}

	path := f.lastFinalPath
	if path == "" && f.writer != nil {
		path = f.writer.Path()
	}

	return Status{
		State:              f.state,
		DurationMS:         durationMS,
		Path:               path,
		WindowSegments:     windowSegments,
		BufferedDurationMS: bufferedUs / 1000,
	}
}

// ConfigureWaveform updates the waveform analyzer's debounce interval; the
// bar count is accepted but not used. Applied to the live analyzer in place, since this is
// reachable mid-recording via the control menu and must never drop the
// analyzer's running state or emission would silently stop for the rest
// of the session.
func (f *Facade) ConfigureWaveform(debounceMS, bars int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if debounceMS > 0 {
		f.waveCfg.DebounceMS = debounceMS
	}
	_ = bars // not stored, and not carried in WaveformInit events (their Bars field stays 0)
	f.analyzer.SetConfig(f.waveCfg)
}

// ConfigureSpeechDetection updates speech-detection gating configuration on
// the live analyzer in place.
func (f *Facade) ConfigureSpeechDetection(enabled bool, threshold float64, calibrationMS int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waveCfg.SpeechEnabled = enabled
	f.waveCfg.Threshold = threshold
	_ = calibrationMS // the analyzer's calibration window length is fixed at 30 frames
	f.analyzer.SetConfig(f.waveCfg)
}

// ConfigureAdvancedVAD updates voice-activity-detection configuration on
// the live analyzer in place.
func (f *Facade) ConfigureAdvancedVAD(enabled bool, windowSize int, voiceFilter bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waveCfg.VADEnabled = enabled
	f.waveCfg.VADWindowSize = windowSize
	f.waveCfg.VoiceFilter = voiceFilter
	f.analyzer.SetConfig(f.waveCfg)
}

func (f *Facade) emitStatusLocked() {
	f.bus.Emit(events.Event{
		Kind:      events.RecordingStatus,
		Timestamp: time.Now(),
		State:     f.state.String(),
	})
}

func (f *Facade) emitInterruptionLocked(ev interrupt.Event, d interrupt.Decision) {
	f.bus.Emit(events.Event{
		Kind:             events.Interruption,
		Timestamp:        time.Now(),
		InterruptionType: ev.Kind.String(),
		Began:            d.Capture == interrupt.CapturePause || d.Duration == interrupt.DurationPause,
	})
}
