// SPDX-License-Identifier: MIT

// Package merge implements the background merger and the finalizer: the
// worker that keeps a pre-merged artifact continuously up to date, and
// the stop-time selection logic that hands the caller a final file by
// the cheapest route available.
package merge

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopcast/captureengine/internal/container"
	"github.com/loopcast/captureengine/internal/store"
	"github.com/loopcast/captureengine/internal/window"
)

// PathStore is the subset of store.Store the merger needs for naming
// transient and published artifacts.
type PathStore interface {
	MergedTempPath() string
	MergeWorkPath(ts int64) string
}

var _ PathStore = (*store.Store)(nil)

// Merger is the single-threaded background worker that keeps a merged
// artifact current. Callers drive it with Tick (called from a timer or
// explicit wakeup) rather than it free-running on its own goroutine, so
// the supervisor package owns scheduling.
type Merger struct {
	win   *window.Window
	paths PathStore
	log   *slog.Logger

	mu            sync.Mutex
	mergedVersion int64
	prevNames     []string

	stopping atomic.Bool
}

// New creates a Merger bound to win. It starts with merged_version == 0,
// so the first Tick after any admission always has work to do.
func New(win *window.Window, paths PathStore, log *slog.Logger) *Merger {
	return &Merger{win: win, paths: paths, log: log}
}

// MergedVersion returns the last successfully published version.
func (m *Merger) MergedVersion() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergedVersion
}

// RequestStop sets the cooperative stop flag. The in-flight Tick (if any)
// finishes its current batch before a subsequent Tick becomes a no-op.
func (m *Merger) RequestStop() {
	m.stopping.Store(true)
}

// Tick runs one merge cycle if the window has advanced since the last
// publish. It is safe to call repeatedly from a timer; when nothing has
// changed it returns immediately without touching the filesystem.
func (m *Merger) Tick() error {
	entries, planVersion := m.win.Snapshot()

	m.mu.Lock()
	mergedVersion := m.mergedVersion
	prevNames := m.prevNames
	m.mu.Unlock()

	if mergedVersion == planVersion {
		return nil
	}
	if m.stopping.Load() {
		return nil
	}
	if len(entries) == 0 {
		m.mu.Lock()
		m.mergedVersion = planVersion
		m.prevNames = nil
		m.mu.Unlock()
		return nil
	}

	names := entryNames(entries)
	workPath := m.paths.MergeWorkPath(time.Now().UnixNano())

	var buildErr error
	if isPrefix(prevNames, names) && len(prevNames) > 0 {
		buildErr = m.buildAppend(workPath, names[len(prevNames):])
	} else {
		buildErr = container.MergeSegments(paths(entries), workPath)
	}
	if buildErr != nil {
		_ = os.Remove(workPath)
		return fmt.Errorf("background merge failed: %w", buildErr)
	}

	if err := publish(workPath, m.paths.MergedTempPath()); err != nil {
		return fmt.Errorf("background merge publish failed: %w", err)
	}

	m.mu.Lock()
	m.mergedVersion = planVersion
	m.prevNames = names
	m.mu.Unlock()

	if m.log != nil {
		m.log.Debug("pre-merge published", "plan_version", planVersion, "segments", len(entries))
	}
	return nil
}

// buildAppend reconstructs the published artifact by copying its existing
// frames plus the newly admitted segments into workPath. The container
// format has no true in-place append (a sealed file's footer is already
// written), so "append" here means decoding the previously-merged file
// once rather than re-decoding every segment in the window.
func (m *Merger) buildAppend(workPath string, newPaths []string) error {
	existingPath := m.paths.MergedTempPath()
	format, prefixFrames, err := container.ReadAll(existingPath)
	if err != nil {
		// The published artifact vanished or is unreadable: fall back to a
		// full rebuild from the live window rather than failing the tick.
		entries, _ := m.win.Snapshot()
		return container.MergeSegments(paths(entries), workPath)
	}

	var existingDuration int64
	if n := len(prefixFrames); n > 0 {
		last := prefixFrames[n-1]
		existingDuration = last.PTSUs + last.DurationUs
	}

	out, err := container.Create(workPath, format)
	if err != nil {
		return err
	}
	for _, fr := range prefixFrames {
		if err := out.WriteFrame(fr); err != nil {
			_ = out.Abort()
			return err
		}
	}
	if err := container.AppendSegments(format, existingDuration, newPaths, out); err != nil {
		_ = out.Abort()
		return err
	}
	_, err = out.Close()
	return err
}

// publish replaces dest with src via remove-then-rename.
func publish(src, dest string) error {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove previous artifact: %w", err)
	}
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("failed to publish merge work file: %w", err)
	}
	return nil
}

func entryNames(entries []window.Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Path
	}
	return names
}

func paths(entries []window.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

// isPrefix reports whether prev is a strict prefix of cur (and shorter
// than it) — the condition that makes the append strategy valid instead
// of a full rebuild.
func isPrefix(prev, cur []string) bool {
	if len(prev) >= len(cur) {
		return false
	}
	for i, name := range prev {
		if cur[i] != name {
			return false
		}
	}
	return true
}
