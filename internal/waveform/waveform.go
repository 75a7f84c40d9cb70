// SPDX-License-Identifier: MIT

// Package waveform implements a real-time waveform analyzer: a parallel
// consumer of the PCM stream that turns raw samples into a debounced
// stream of normalized level readings, with optional voice-band gating,
// calibration, speech detection, and voice-activity detection layered on
// top.
package waveform

import (
	"math"
	"sync"
	"time"

	"github.com/loopcast/captureengine/internal/events"
)

const (
	voiceBandFMin = 85.0
	voiceBandFMax = 3400.0

	calibrationWindowSize = 10
	calibrationTarget     = 0.6
	calibrationFactorMin  = 0.5
	calibrationFactorMax  = 2.0

	speechCalibrationFrames = 30
	speechBackgroundFactor  = 1.2
	speechThresholdMargin   = 0.005

	vadZCRMin           = 10.0
	vadZCRMax           = 1000.0
	vadInWindowFraction = 0.3

	silenceGateFloor = 0.01
	softPeakClamp    = 0.7
	quantizationStep = 1000.0

	minDebounceMS     = 20
	defaultDebounceMS = 50
	minBufferSamples  = 256
)

// Config configures one Analyzer instance. Zero-valued fields fall back
// to the analyzer's documented defaults.
type Config struct {
	SampleRate    int
	Gain          float64 // default 20, or 30 for sample rates >= 48kHz when left at 0
	VoiceBandGate bool
	SpeechEnabled bool
	Threshold     float64 // configured_threshold for speech gating
	VADEnabled    bool
	VADWindowSize int // 3..20, default 5
	VoiceFilter   bool // restrict VAD's voiced decision to a speech-like zero-crossing-rate band
	DebounceMS    int
}

func (c Config) normalized() Config {
	out := c
	if out.Gain == 0 {
		if out.SampleRate >= 48000 {
			out.Gain = 30
		} else {
			out.Gain = 20
		}
	}
	if out.DebounceMS < minDebounceMS {
		out.DebounceMS = defaultDebounceMS
	}
	if out.VADWindowSize == 0 {
		out.VADWindowSize = 5
	}
	if out.VADWindowSize < 3 {
		out.VADWindowSize = 3
	}
	if out.VADWindowSize > 20 {
		out.VADWindowSize = 20
	}
	return out
}

// BufferSamples returns the PCM buffer size the caller should read at a
// time: twice the samples in one debounce interval, clamped to between
// minBufferSamples and twice minBufferSamples.
func (c Config) BufferSamples() int {
	n := c.normalized()
	samplesPerDebounce := n.SampleRate * n.DebounceMS / 1000
	buf := samplesPerDebounce * 2
	if buf < minBufferSamples {
		buf = minBufferSamples
	}
	cap2x := 2 * minBufferSamples
	if buf > cap2x {
		buf = cap2x
	}
	return buf
}

// Analyzer runs the ten-step analysis pipeline over successive PCM
// buffers and emits debounced level readings on the event bus.
type Analyzer struct {
	mu     sync.Mutex
	cfg    Config
	bus    *events.Bus
	paused bool
	running bool

	calibBuf      [calibrationWindowSize]float64
	calibCount    int
	calibFactor   float64
	calibReady    bool

	speechFrames   int
	speechBgSum    float64
	speechBgReady  bool
	backgroundLevel float64

	vadWindow []float64
	vadZCR    []float64

	lastEmit time.Time
}

// New creates a stopped Analyzer. Call Start to begin accepting buffers.
func New(cfg Config, bus *events.Bus) *Analyzer {
	return &Analyzer{cfg: cfg.normalized(), bus: bus}
}

// Start resets all adaptive state and emits a WaveformInit event carrying
// the active configuration.
func (a *Analyzer) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = true
	a.paused = false
	a.resetAdaptiveStateLocked()
	a.emitInitLocked()
}

// SetConfig replaces the active configuration without disturbing whether
// the analyzer is currently running or paused, so a reconfiguration reached
// mid-recording (e.g. through the session façade's Configure* calls) never
// silently stops waveform emission the way discarding the analyzer and
// constructing a fresh, stopped one would. Adaptive calibration/background
// state resets, since a debounce, gain, or threshold change invalidates it;
// a fresh WaveformInit is emitted if the analyzer is already running so
// subscribers see the new configuration take effect immediately.
func (a *Analyzer) SetConfig(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.normalized()
	a.resetAdaptiveStateLocked()
	if a.running {
		a.emitInitLocked()
	}
}

// resetAdaptiveStateLocked clears calibration, background, and VAD window
// state. Must be called with mu held.
func (a *Analyzer) resetAdaptiveStateLocked() {
	a.calibCount = 0
	a.calibFactor = 1.0
	a.calibReady = false
	a.speechFrames = 0
	a.speechBgSum = 0
	a.speechBgReady = false
	a.backgroundLevel = 0
	a.vadWindow = a.vadWindow[:0]
	a.vadZCR = a.vadZCR[:0]
	a.lastEmit = time.Time{}
}

// emitInitLocked publishes a WaveformInit event carrying the active
// configuration. Must be called with mu held.
func (a *Analyzer) emitInitLocked() {
	if a.bus == nil {
		return
	}
	a.bus.Emit(events.Event{
		Kind:      events.WaveformInit,
		Timestamp: time.Now(),
		WaveformConfig: events.WaveformConfig{
			DebounceMS:    a.cfg.DebounceMS,
			Gain:          a.cfg.Gain,
			SpeechDetect:  a.cfg.SpeechEnabled,
			VAD:           a.cfg.VADEnabled,
			VADWindowSize: a.cfg.VADWindowSize,
			VoiceBandGate: a.cfg.VoiceBandGate,
			SampleRate:    a.cfg.SampleRate,
		},
	})
}

// Pause suspends emission without resetting adaptive state.
func (a *Analyzer) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// Resume un-suspends emission.
func (a *Analyzer) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

// Stop ends the session and emits a WaveformDestroy event.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	if a.bus != nil {
		a.bus.Emit(events.Event{Kind: events.WaveformDestroy, Timestamp: time.Now()})
	}
}

// Process runs the full pipeline over one PCM buffer of interleaved int16
// mono samples, possibly emitting a WaveformData event if the debounce
// interval has elapsed and the analyzer is running and not paused.
func (a *Analyzer) Process(pcm []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running || a.paused || len(pcm) == 0 {
		return
	}

	level, zcr := a.computeLevelLocked(pcm)

	now := time.Now()
	if !a.lastEmit.IsZero() && now.Sub(a.lastEmit) < time.Duration(a.cfg.DebounceMS)*time.Millisecond {
		return
	}
	a.lastEmit = now

	_ = zcr
	if a.bus != nil {
		a.bus.Emit(events.Event{Kind: events.WaveformData, Timestamp: now, Level: level})
	}
}

// computeLevelLocked runs steps 1-9 of the pipeline (everything except
// debounced emission, handled by the caller). Must be called with mu
// held.
func (a *Analyzer) computeLevelLocked(pcm []int16) (level float64, zcr float64) {
	n := len(pcm)

	// Step 1: RMS normalized to [0,1].
	var sumSquares float64
	for _, s := range pcm {
		fs := float64(s)
		sumSquares += fs * fs
	}
	rms := math.Sqrt(sumSquares / float64(n))
	level = rms / math.MaxInt16

	// Step 2: voice-band gate via zero-crossing rate.
	zcr = zeroCrossingRate(pcm)
	if a.cfg.VoiceBandGate {
		sr := float64(a.cfg.SampleRate)
		lo := 2 * voiceBandFMin * float64(n) / sr
		hi := 2 * voiceBandFMax * float64(n) / sr
		if zcr < lo || zcr > hi {
			level *= 0.3
		}
	}

	// Step 3: gain.
	level *= a.cfg.Gain

	// Step 4: calibration.
	if a.calibCount < calibrationWindowSize {
		a.calibBuf[a.calibCount] = level
		a.calibCount++
		if a.calibCount == calibrationWindowSize {
			var sum float64
			var nonZero int
			for _, v := range a.calibBuf {
				if v != 0 {
					sum += v
					nonZero++
				}
			}
			if nonZero > 0 {
				mean := sum / float64(nonZero)
				if mean > 0 {
					factor := calibrationTarget / mean
					a.calibFactor = clamp(factor, calibrationFactorMin, calibrationFactorMax)
				} else {
					a.calibFactor = 1.0
				}
			} else {
				a.calibFactor = 1.0
			}
			a.calibReady = true
		}
	} else if a.calibReady {
		level *= a.calibFactor
	}

	// Step 5: speech detection.
	if a.cfg.SpeechEnabled {
		if a.speechFrames < speechCalibrationFrames {
			a.speechFrames++
			a.speechBgSum += level
			if a.speechFrames == speechCalibrationFrames {
				mean := a.speechBgSum / float64(speechCalibrationFrames)
				a.backgroundLevel = speechBackgroundFactor * mean
				a.speechBgReady = true
			}
		}
		if a.speechBgReady {
			effectiveThreshold := math.Max(a.cfg.Threshold, a.backgroundLevel+speechThresholdMargin)
			if level <= effectiveThreshold {
				level = 0
			}
		}
	}

	// Step 6: VAD, layered on top of speech detection.
	if a.cfg.VADEnabled && a.speechBgReady {
		a.vadWindow = append(a.vadWindow, level)
		a.vadZCR = append(a.vadZCR, zcr)
		if len(a.vadWindow) > a.cfg.VADWindowSize {
			a.vadWindow = a.vadWindow[len(a.vadWindow)-a.cfg.VADWindowSize:]
			a.vadZCR = a.vadZCR[len(a.vadZCR)-a.cfg.VADWindowSize:]
		}

		aboveBackground := level > a.backgroundLevel
		zcrInRange := true
		if a.cfg.VoiceFilter {
			zcrInRange = zcr >= vadZCRMin && zcr <= vadZCRMax
		}

		var aboveCount int
		for _, v := range a.vadWindow {
			if v > a.backgroundLevel {
				aboveCount++
			}
		}
		fraction := float64(aboveCount) / float64(len(a.vadWindow))

		voiced := aboveBackground && zcrInRange && fraction >= vadInWindowFraction
		if !voiced {
			level = 0
		}
	}

	// Step 7: silence gate.
	if level < math.Max(silenceGateFloor, a.cfg.Threshold) {
		level = 0
	}

	// Step 8: soft peak.
	if level > softPeakClamp {
		level = softPeakClamp
	}

	// Step 9: quantization to 1/1000.
	level = math.Round(level*quantizationStep) / quantizationStep

	return level, zcr
}

func zeroCrossingRate(pcm []int16) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(pcm); i++ {
		if (pcm[i-1] >= 0) != (pcm[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
