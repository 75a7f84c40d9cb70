// SPDX-License-Identifier: MIT

// Package window implements the rolling-window admission policy that
// decides which sealed segments stay on disk and drives eviction through
// internal/store.
package window

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/loopcast/captureengine/internal/container"
	"github.com/loopcast/captureengine/internal/errs"
	"github.com/loopcast/captureengine/internal/store"
)

// Entry is one admitted segment tracked by the Window.
type Entry struct {
	ID         int64
	Path       string
	DurationUs int64
	Bytes      int64
	Partial    bool
}

// Deleter is the subset of store.Store the Window needs to evict
// segments. Narrowed to an interface so tests can substitute a recorder.
type Deleter interface {
	DeleteWithRetry(path string) error
}

// Window owns the in-memory rolling segment list and its admission
// policy. All mutation happens under a single coarse lock rather than
// per-field locking.
type Window struct {
	mu sync.Mutex

	store  Deleter
	logger *slog.Logger

	segmentLengthUs int64
	keepDurationUs  int64 // 0 = unlimited

	entries       []Entry
	totalDuration int64
	planVersion   int64
}

// New creates a Window. segmentLengthMS and keepDurationMS are in
// milliseconds per the session configuration; keepDurationMS == 0 means
// unlimited retention (no eviction ever occurs).
func New(store Deleter, segmentLengthMS, keepDurationMS int64, logger *slog.Logger) *Window {
	return &Window{
		store:           store,
		logger:          logger,
		segmentLengthUs: segmentLengthMS * 1000,
		keepDurationUs:  keepDurationMS * 1000,
	}
}

// durationProbe resolves a sealed segment's duration when the container
// writer's in-memory figure is unavailable (e.g. the engine restarted and
// only has a bare file path). Order: container metadata, then the
// caller-supplied fallback (segment length).
func durationProbe(path string, fallbackUs int64) int64 {
	if d, err := container.DurationUs(path); err == nil && d > 0 {
		return d
	}
	return fallbackUs
}

// Admit validates and admits a newly sealed segment, evicting from the
// front as needed to respect the configured retention limit. knownDurationUs
// may be 0 if the caller doesn't already know it, in which case Admit
// resolves it via durationProbe. A segment that is too small, or that
// fails a best-effort decode probe (e.g. truncated by a crash mid-write),
// is deleted and rejected rather than admitted: ok is false and err wraps
// errs.ErrSegmentInvalid.
func (w *Window) Admit(id int64, path string, bytes int64, knownDurationUs int64) (Entry, bool, error) {
	const minValidBytes = 1024

	if bytes < minValidBytes {
		if w.store != nil {
			_ = w.store.DeleteWithRetry(path)
		}
		if w.logger != nil {
			w.logger.Warn("segment rejected: too small", "path", path, "bytes", bytes)
		}
		return Entry{}, false, fmt.Errorf("%w: %s is %d bytes, want >= %d", errs.ErrSegmentInvalid, path, bytes, minValidBytes)
	}

	if err := container.Probe(path); err != nil {
		if w.store != nil {
			_ = w.store.DeleteWithRetry(path)
		}
		if w.logger != nil {
			w.logger.Warn("segment rejected: failed decode probe", "path", path, "error", err)
		}
		return Entry{}, false, fmt.Errorf("%w: %s: %v", errs.ErrSegmentInvalid, path, err)
	}

	if id == 0 {
		if parsed, ok := store.ParseSegmentID(filepath.Base(path)); ok {
			id = parsed
		}
	}

	durationUs := knownDurationUs
	if durationUs <= 0 {
		durationUs = durationProbe(path, w.segmentLengthUs)
	}
	if durationUs <= 0 {
		durationUs = w.segmentLengthUs
	}

	partial := w.segmentLengthUs > 0 && durationUs < w.segmentLengthUs/2

	w.mu.Lock()
	defer w.mu.Unlock()

	entry := Entry{ID: id, Path: path, DurationUs: durationUs, Bytes: bytes, Partial: partial}
	w.entries = append(w.entries, entry)
	w.totalDuration += durationUs
	w.planVersion++

	w.evictLocked(partial)
	w.planVersion++

	return entry, true, nil
}

// evictLocked pops from the front while total duration exceeds the
// applicable limit, as long as more than one segment remains (the window
// is never emptied by eviction alone). Must be called with mu held.
func (w *Window) evictLocked(lastAdmittedPartial bool) {
	if w.keepDurationUs <= 0 {
		return
	}
	limit := w.keepDurationUs
	if !lastAdmittedPartial {
		limit = w.keepDurationUs + w.segmentLengthUs/2
	}

	for w.totalDuration > limit && len(w.entries) > 1 {
		front := w.entries[0]
		w.entries = w.entries[1:]
		w.totalDuration -= front.DurationUs
		if w.store != nil {
			if err := w.store.DeleteWithRetry(front.Path); err != nil && w.logger != nil {
				w.logger.Warn("window eviction delete failed", "path", front.Path, "error", err)
			}
		}
	}
}

// Snapshot returns a copy of the current window entries (oldest first)
// and the plan version at the time of the call.
func (w *Window) Snapshot() ([]Entry, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out, w.planVersion
}

// PlanVersion returns the current plan version without copying entries.
func (w *Window) PlanVersion() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.planVersion
}

// TotalDuration returns the sum of admitted entry durations in microseconds.
func (w *Window) TotalDuration() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalDuration
}

// FinalStrictCleanup walks the window newest-to-oldest, keeping a segment
// only while cumulative kept duration plus its own duration does not
// exceed keep_duration. Everything else is deleted. Called once at stop
// so the final artifact reflects an exact window regardless of the
// tolerance used during live recording. Ties in duration keep the newer
// (later-indexed) segment.
func (w *Window) FinalStrictCleanup() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.keepDurationUs <= 0 || len(w.entries) == 0 {
		kept := make([]Entry, len(w.entries))
		copy(kept, w.entries)
		return kept
	}

	kept := make([]Entry, 0, len(w.entries))
	var cumulative int64
	keepMask := make([]bool, len(w.entries))

	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if cumulative+e.DurationUs <= w.keepDurationUs {
			cumulative += e.DurationUs
			keepMask[i] = true
		}
	}

	var dropped []Entry
	for i, e := range w.entries {
		if keepMask[i] {
			kept = append(kept, e)
		} else {
			dropped = append(dropped, e)
		}
	}

	for _, e := range dropped {
		if w.store != nil {
			if err := w.store.DeleteWithRetry(e.Path); err != nil && w.logger != nil {
				w.logger.Warn("final cleanup delete failed", "path", e.Path, "error", err)
			}
		}
	}

	w.entries = kept
	w.totalDuration = cumulative
	w.planVersion++
	return kept
}

// Reset discards every entry without deleting underlying files — used by
// the session façade's reset, which hands the discarded window off to the
// caller for disposal rather than deleting here under the window lock.
func (w *Window) Reset() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.entries
	w.entries = nil
	w.totalDuration = 0
	w.planVersion++
	return old
}
