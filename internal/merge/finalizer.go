// SPDX-License-Identifier: MIT

package merge

import (
	"fmt"
	"os"
	"time"

	"github.com/loopcast/captureengine/internal/container"
	"github.com/loopcast/captureengine/internal/segment"
)

// MaxMergerJoinWait bounds how long Finalize waits for one last merger
// tick to incorporate the final segment admission before proceeding
// regardless.
const MaxMergerJoinWait = 150 * time.Millisecond

// precisionTrimToleranceUs is how close a trimmed final artifact's
// duration must land to keep_duration to skip a further precision trim.
const precisionTrimToleranceUs = 10_000

const minValidArtifactBytes = 1024

// Finalizer selects and produces the final output file at stop time,
// trying the cheapest viable path first.
type Finalizer struct {
	merger *Merger
	paths  PathStore
	format container.Format
}

// NewFinalizer creates a Finalizer sharing merger's window/path wiring.
func NewFinalizer(merger *Merger, paths PathStore, format container.Format) *Finalizer {
	return &Finalizer{merger: merger, paths: paths, format: format}
}

// Finalize runs the stop-time selection order: pre-merged fast path,
// continuous fast path, live merge, empty fallback. planVersion is the
// window's plan version after the final strict cleanup has already run
// (the caller is responsible for invoking window.FinalStrictCleanup
// before calling Finalize, since that step also needs eviction access the
// finalizer doesn't otherwise require). remainingPaths is the window's
// post-cleanup segment list, used by the live-merge and empty-fallback
// branches.
func (f *Finalizer) Finalize(planVersion int64, remainingPaths []string, continuous *segment.Continuous, keepDurationUs int64, finalPath string) (string, error) {
	f.waitForMergerCatchUp(planVersion)
	f.merger.RequestStop()

	if path, ok := f.preMergedFastPath(planVersion, finalPath); ok {
		return path, nil
	}

	if continuous != nil {
		if path, ok, err := f.continuousFastPath(continuous, keepDurationUs, finalPath); ok {
			return path, err
		}
	}

	if len(remainingPaths) > 0 {
		return f.liveMerge(remainingPaths, keepDurationUs, finalPath)
	}

	return f.emptyFallback(finalPath)
}

// waitForMergerCatchUp gives the merger one last chance to publish the
// final admission before the finalizer makes its selection, bounded by
// MaxMergerJoinWait.
func (f *Finalizer) waitForMergerCatchUp(planVersion int64) {
	deadline := time.Now().Add(MaxMergerJoinWait)
	for time.Now().Before(deadline) {
		if f.merger.MergedVersion() == planVersion {
			return
		}
		_ = f.merger.Tick()
		if f.merger.MergedVersion() == planVersion {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *Finalizer) preMergedFastPath(planVersion int64, finalPath string) (string, bool) {
	if f.merger.MergedVersion() != planVersion {
		return "", false
	}
	src := f.paths.MergedTempPath()
	info, err := os.Stat(src)
	if err != nil || info.Size() <= minValidArtifactBytes {
		return "", false
	}
	if err := renameFinal(src, finalPath); err != nil {
		return "", false
	}
	return finalPath, true
}

func (f *Finalizer) continuousFastPath(continuous *segment.Continuous, keepDurationUs int64, finalPath string) (string, bool, error) {
	sealed, err := continuous.StopSafely()
	if err != nil || sealed == nil || sealed.Bytes <= minValidArtifactBytes {
		return "", false, nil
	}

	if keepDurationUs > 0 && sealed.DurationUs > keepDurationUs {
		startUs := sealed.DurationUs - keepDurationUs
		if err := container.FastTrim(sealed.Path, finalPath, startUs, sealed.DurationUs); err != nil {
			if err := f.reencodeTrim(sealed.Path, startUs, sealed.DurationUs, finalPath); err != nil {
				return "", false, fmt.Errorf("continuous fast path trim failed: %w", err)
			}
		}
		return finalPath, true, nil
	}

	if err := renameFinal(sealed.Path, finalPath); err != nil {
		return "", false, fmt.Errorf("continuous fast path rename failed: %w", err)
	}
	return finalPath, true, nil
}

func (f *Finalizer) liveMerge(remainingPaths []string, keepDurationUs int64, finalPath string) (string, error) {
	work := f.paths.MergeWorkPath(time.Now().UnixNano())
	if err := container.MergeSegments(remainingPaths, work); err != nil {
		return "", fmt.Errorf("live merge failed: %w", err)
	}

	duration, err := container.DurationUs(work)
	if err == nil && keepDurationUs > 0 && duration > keepDurationUs+precisionTrimToleranceUs {
		startUs := duration - keepDurationUs
		if err := container.FastTrim(work, finalPath, startUs, duration); err == nil {
			_ = os.Remove(work)
			return finalPath, nil
		}
		if err := f.reencodeTrim(work, startUs, duration, finalPath); err != nil {
			_ = os.Remove(work)
			return "", fmt.Errorf("live merge precision trim failed: %w", err)
		}
		_ = os.Remove(work)
		return finalPath, nil
	}

	if err := renameFinal(work, finalPath); err != nil {
		return "", fmt.Errorf("live merge rename failed: %w", err)
	}
	return finalPath, nil
}

func (f *Finalizer) emptyFallback(finalPath string) (string, error) {
	w, err := container.Create(finalPath, f.format)
	if err != nil {
		return "", fmt.Errorf("empty fallback failed: %w", err)
	}
	if _, err := w.Close(); err != nil {
		return "", fmt.Errorf("empty fallback close failed: %w", err)
	}
	return finalPath, nil
}

// reencodeTrim is the fallback for when FastTrim's strict sync-frame
// search finds nothing in range (e.g. clock drift put startUs past the
// last frame's timestamp). It uses an overlap test instead of a strict
// "frame starts before startUs" search, and never errors on an empty
// match — it keeps the single most recent frame instead, so the caller
// always gets a file rather than a hard failure. This is this engine's
// stand-in for a true decode-re-encode trim: the container format has no
// separate decode step, so there is nothing to re-encode, only a more
// permissive frame selection.
func (f *Finalizer) reencodeTrim(inPath string, startUs, endUs int64, outPath string) error {
	format, frames, err := container.ReadAll(inPath)
	if err != nil {
		return fmt.Errorf("reencode_trim: %w", err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("reencode_trim: %s has no frames", inPath)
	}

	var kept []container.Frame
	for _, fr := range frames {
		if fr.PTSUs+fr.DurationUs > startUs && fr.PTSUs < endUs {
			kept = append(kept, fr)
		}
	}
	if len(kept) == 0 {
		kept = []container.Frame{frames[len(frames)-1]}
	}

	base := kept[0].PTSUs
	for i := range kept {
		kept[i].PTSUs -= base
	}

	out, err := container.Create(outPath, format)
	if err != nil {
		return fmt.Errorf("reencode_trim: %w", err)
	}
	for _, fr := range kept {
		if err := out.WriteFrame(fr); err != nil {
			_ = out.Abort()
			return fmt.Errorf("reencode_trim: %w", err)
		}
	}
	if _, err := out.Close(); err != nil {
		return fmt.Errorf("reencode_trim: %w", err)
	}
	return nil
}

func renameFinal(src, dest string) error {
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", src, dest, err)
	}
	return nil
}
