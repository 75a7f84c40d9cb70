// SPDX-License-Identifier: MIT

// Package segment implements the two encoders that tap the live PCM
// stream: the rotating per-segment Writer and the whole-session
// Continuous writer. Both share the same start/stop/pause/resume
// contract and the same underlying audio.Encoder + container.Writer
// pipeline; Continuous simply never rotates.
package segment

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/loopcast/captureengine/internal/audio"
	"github.com/loopcast/captureengine/internal/container"
	"github.com/loopcast/captureengine/internal/errs"
)

// Clock abstracts wall-clock reads so tests can control presentation
// timestamps deterministically.
type Clock interface {
	NowUs() int64
}

// Sealed describes a segment file handed off by Writer.StopSafely, ready
// for the Rolling Window Controller to admit.
type Sealed struct {
	Path       string
	DurationUs int64
	Bytes      int64
}

// Writer encodes a single audio stream to one container file between
// Start and StopSafely. It is not safe for concurrent use by multiple
// goroutines and encodes exactly one file between start and stop: a
// fresh Writer is required for every segment.
type Writer struct {
	mu       sync.Mutex
	format   audio.Format
	bitrate  int
	clock    Clock
	logger   *slog.Logger
	path     string
	enc      *audio.Encoder
	cw       *container.Writer
	recording bool
	paused   bool
	startUs  int64
	wroteAny bool
}

// New creates an unstarted Writer. Call ConfigureAndStart to begin
// capture.
func New(format audio.Format, bitrateBPS int, clock Clock, logger *slog.Logger) *Writer {
	return &Writer{format: format, bitrate: bitrateBPS, clock: clock, logger: logger}
}

// ConfigureAndStart idempotently prepares the encoder and container file
// at path and begins accepting frames. Calling it twice on an
// already-started Writer is a no-op success.
func (w *Writer) ConfigureAndStart(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.recording {
		return nil
	}

	enc, err := audio.NewEncoder(w.format)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrEncoderUnavailable, err)
	}
	if err := enc.SetBitrate(w.bitrate); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrEncoderUnavailable, err)
	}

	cw, err := container.Create(path, container.Format{
		SampleRate: w.format.SampleRate,
		Channels:   w.format.Channels,
		Codec:      container.CodecOpus,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIOFailure, err)
	}

	w.enc = enc
	w.cw = cw
	w.path = path
	w.recording = true
	w.paused = false
	w.wroteAny = false
	w.startUs = w.clock.NowUs()
	return nil
}

// WriteFrame encodes and appends one PCM frame. No-op while paused or
// stopped, so a racing capture callback can keep calling it without the
// caller needing to track state externally.
func (w *Writer) WriteFrame(pcm []int16) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.recording || w.paused {
		return nil
	}

	payload, err := w.enc.EncodeFrame(pcm)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrEncoderFailure, err)
	}

	now := w.clock.NowUs()
	pts := now - w.startUs
	fr := container.Frame{
		PTSUs:      pts,
		DurationUs: int64(audio.FrameDurationMS) * 1000,
		Key:        true,
		Payload:    payload,
	}
	if err := w.cw.WriteFrame(fr); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIOFailure, err)
	}
	w.wroteAny = true
	return nil
}

// Pause suspends capture without closing the container file. Returns nil
// even if already paused.
func (w *Writer) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.recording {
		return fmt.Errorf("%w: pause called while not recording", errs.ErrInvalidState)
	}
	w.paused = true
	return nil
}

// Resume un-pauses capture. If the underlying encoder cannot be resumed
// in place it is transparently re-prepared against the same path instead.
// gopus encoders have no paused state to lose, so in practice this is
// always the fast path — but the fallback exists so a future encoder
// backend that does need re-initialization is already handled.
func (w *Writer) Resume() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.recording {
		return fmt.Errorf("%w: resume called while not recording", errs.ErrInvalidState)
	}
	if !w.paused {
		return nil
	}
	if w.enc == nil {
		enc, err := audio.NewEncoder(w.format)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrEncoderUnavailable, err)
		}
		if err := enc.SetBitrate(w.bitrate); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrEncoderUnavailable, err)
		}
		w.enc = enc
	}
	w.paused = false
	return nil
}

// IsRecording reports whether the writer currently accepts frames
// (started and not paused).
func (w *Writer) IsRecording() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recording && !w.paused
}

// Path returns the container file path this writer targets.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// StopSafely flushes and seals the container file, releasing the writer.
// If already paused it un-pauses first, since some encoders reject a
// stop-while-paused transition. Returns nil if nothing was captured
// (the file is removed rather than left as an empty, invalid container).
func (w *Writer) StopSafely() (*Sealed, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.recording {
		return nil, fmt.Errorf("%w: stop called while not recording", errs.ErrInvalidState)
	}
	w.paused = false

	if !w.wroteAny {
		_ = w.cw.Abort()
		_ = os.Remove(w.path)
		w.recording = false
		return nil, nil
	}

	size, err := w.cw.Close()
	w.recording = false
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIOFailure, err)
	}

	return &Sealed{
		Path:       w.path,
		DurationUs: w.cw.Duration(),
		Bytes:      size,
	}, nil
}

// Continuous is the whole-session writer. It shares Writer's
// lifecycle exactly; rotation simply never happens because the engine
// keeps calling WriteFrame against the same instance for the whole
// session instead of recycling it per segment.
type Continuous struct {
	*Writer
}

// NewContinuous creates an unstarted Continuous writer targeting path.
func NewContinuous(format audio.Format, bitrateBPS int, clock Clock, logger *slog.Logger) *Continuous {
	return &Continuous{Writer: New(format, bitrateBPS, clock, logger)}
}
