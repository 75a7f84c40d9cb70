// SPDX-License-Identifier: MIT

// Package store owns the on-disk segments directory: path allocation,
// deletion with retry, and the crash-recovery index. It is the only
// component permitted to delete segment files; every other component
// goes through it rather than touching the filesystem directly.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	segmentsDirName   = "AudioSegments"
	indexFileName     = "segment_index.json"
	mergedTempName    = ".merged_temp"
	continuousTempPfx = ".continuous_window_temp"

	// deleteRetryAttempts and deleteRetryBackoff bound how hard a delete
	// retries against flaky mobile filesystem unlink calls.
	deleteRetryAttempts = 3
	deleteRetryBackoff  = 500 * time.Millisecond
)

var segmentNamePattern = regexp.MustCompile(`^segment_(\d+)\.`)

// Store owns AudioSegments/ beneath a session's base directory.
type Store struct {
	dir       string
	ext       string
	logger    *slog.Logger
	idCounter atomic.Int64
}

// New creates a Store rooted at baseDir/AudioSegments, creating the
// directory if needed. ext is the container file extension (without dot),
// e.g. "lcs".
func New(baseDir, ext string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Join(baseDir, segmentsDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil { // #nosec G301 -- directory needs group-read for diagnostics bundling
		return nil, fmt.Errorf("failed to create segments directory: %w", err)
	}
	return &Store{dir: dir, ext: ext, logger: logger}, nil
}

// Dir returns the AudioSegments directory path.
func (s *Store) Dir() string { return s.dir }

// NextSegmentPath allocates the next monotonic segment id and returns the
// path it should be written to. Ids never repeat within a session.
func (s *Store) NextSegmentPath() (id int64, path string) {
	id = s.idCounter.Add(1)
	path = filepath.Join(s.dir, fmt.Sprintf("segment_%d.%s", id, s.ext))
	return id, path
}

// MergedTempPath is the published pre-merge artifact's stable path.
func (s *Store) MergedTempPath() string {
	return filepath.Join(s.dir, mergedTempName+"."+s.ext)
}

// MergeWorkPath returns a fresh transient build path for the background
// merger, namespaced by timestamp so concurrent builds (shouldn't happen,
// since the merger is single-threaded, but the naming guards against it
// regardless) never collide.
func (s *Store) MergeWorkPath(ts int64) string {
	return filepath.Join(s.dir, fmt.Sprintf(".merged_work_%d.%s", ts, s.ext))
}

// ContinuousWindowTempPath is the O(1) trimmed-continuous-snapshot path
// T_window_trim refreshes periodically.
func (s *Store) ContinuousWindowTempPath() string {
	return filepath.Join(s.dir, continuousTempPfx+"."+s.ext)
}

// IndexPath is the crash-recovery index file.
func (s *Store) IndexPath() string {
	return filepath.Join(s.dir, indexFileName)
}

// DeleteWithRetry attempts to remove path up to deleteRetryAttempts times
// with a fixed backoff, tolerating transient "file busy"/"not found from a
// scanner" conditions common on mobile filesystems. The final failure is
// returned to the caller but must never be treated as fatal to the
// pipeline: callers log and move on.
func (s *Store) DeleteWithRetry(path string) error {
	var lastErr error
	for attempt := 1; attempt <= deleteRetryAttempts; attempt++ {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		lastErr = err
		if s.logger != nil {
			s.logger.Warn("segment delete failed, retrying", "path", path, "attempt", attempt, "error", err)
		}
		if attempt < deleteRetryAttempts {
			time.Sleep(deleteRetryBackoff)
		}
	}
	if s.logger != nil {
		s.logger.Error("segment delete failed after retries", "path", path, "error", lastErr)
	}
	return fmt.Errorf("delete %s failed after %d attempts: %w", path, deleteRetryAttempts, lastErr)
}

// IndexSnapshot is the human-readable crash-recovery index written
// whenever the window changes. It is read back only to discover leftover
// segment files for orphan cleanup — never to resurrect session audio.
type IndexSnapshot struct {
	RecordingStart  time.Time `json:"recording_start"`
	SegmentCounter  int64     `json:"segment_counter"`
	KeepDurationMS  int64     `json:"keep_duration_ms"`
	Segments        []IndexSegment `json:"segments"`
}

// IndexSegment is one window entry in the snapshot.
type IndexSegment struct {
	Name   string `json:"name"`
	Bytes  int64  `json:"bytes"`
	Exists bool   `json:"exists"`
}

// WriteIndex persists snap atomically (temp file + rename), matching the
// config package's atomic-save pattern.
func (s *Store) WriteIndex(snap IndexSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal segment index: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".segment_index.*.json") // #nosec G304 -- dir is this store's own directory
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp index file: %w", err)
	}
	if err := os.Rename(tmpPath, s.IndexPath()); err != nil {
		return fmt.Errorf("failed to rename temp index file into place: %w", err)
	}
	success = true
	return nil
}

// ReadIndex loads the last-written index snapshot, if any. A missing
// index is not an error: it simply means no orphan-discovery hint exists.
func (s *Store) ReadIndex() (*IndexSnapshot, error) {
	data, err := os.ReadFile(s.IndexPath()) // #nosec G304 -- path owned by this store
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read segment index: %w", err)
	}
	var snap IndexSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt index is not fatal: treat as absent so startup cleanup
		// falls back to a directory scan.
		if s.logger != nil {
			s.logger.Warn("segment index corrupt, ignoring", "error", err)
		}
		return nil, nil
	}
	return &snap, nil
}

// CleanupOrphans removes leftover segment files, pre-merge temp files,
// continuous temp files, and the index itself from a previous session,
// called once at startup so a crash never leaves stale files behind. It
// never inspects file contents: presence under AudioSegments/ with a
// recognized name pattern is sufficient, since the index is only a
// discovery hint, not a source of truth.
func (s *Store) CleanupOrphans() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read segments directory: %w", err)
	}

	var firstErr error
	for _, e := range entries {
		name := e.Name()
		if !isOrphanCandidate(name) {
			continue
		}
		path := filepath.Join(s.dir, name)
		if err := s.DeleteWithRetry(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isOrphanCandidate(name string) bool {
	switch {
	case segmentNamePattern.MatchString(name):
		return true
	case strings.HasPrefix(name, mergedTempName):
		return true
	case strings.HasPrefix(name, continuousTempPfx):
		return true
	case strings.HasPrefix(name, ".merged_work_"):
		return true
	case name == indexFileName:
		return true
	default:
		return false
	}
}

// ParseSegmentID extracts the monotonic id from a "segment_N.ext" name.
func ParseSegmentID(name string) (int64, bool) {
	m := segmentNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ListSegmentFiles returns every segment_N.ext file in the directory,
// sorted by id ascending. Used only for support-bundle diagnostics; the
// live Window (internal/window) is the source of truth during a session.
func (s *Store) ListSegmentFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read segments directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if _, ok := ParseSegmentID(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		idI, _ := ParseSegmentID(names[i])
		idJ, _ := ParseSegmentID(names[j])
		return idI < idJ
	})
	return names, nil
}
