// SPDX-License-Identifier: MIT

// Package diagnostics produces a point-in-time JSON snapshot of engine
// state for bug reports: base directory health, window/version
// consistency, encoder availability, and system resources, via the
// familiar CheckResult/Report/Runner shape used throughout this daemon's
// health tooling.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loopcast/captureengine/internal/audio"
	"github.com/loopcast/captureengine/internal/store"
)

// CheckStatus is the result of a single diagnostic check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
	StatusError    CheckStatus = "ERROR"
)

// CheckResult is one named check's outcome.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   CheckStatus   `json:"status"`
	Message  string        `json:"message"`
	Details  string        `json:"details,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SystemInfo is basic host information included in every report.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	GoVersion    string `json:"go_version"`
}

// SessionSnapshot is the window/version state a live façade contributes to
// the report. Populated by the caller (cmd/loopcast-engine), since
// internal/session must not import internal/diagnostics.
type SessionSnapshot struct {
	State              string `json:"state"`
	DurationMS         int64  `json:"duration_ms"`
	WindowSegments     int    `json:"window_segments"`
	BufferedDurationMS int64  `json:"buffered_duration_ms"`
	PlanVersion        int64  `json:"plan_version"`
	MergedVersion      int64  `json:"merged_version"`
}

// Report is the complete diagnostics bundle.
type Report struct {
	Timestamp time.Time        `json:"timestamp"`
	Duration  time.Duration    `json:"duration"`
	System    SystemInfo       `json:"system_info"`
	Session   *SessionSnapshot `json:"session,omitempty"`
	Checks    []CheckResult    `json:"checks"`
	Healthy   bool             `json:"healthy"`
}

// Options configures a diagnostic run.
type Options struct {
	BaseDir string
	Format  audio.Format
}

// Runner executes diagnostic checks against a base directory.
type Runner struct {
	opts Options
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner { return &Runner{opts: opts} }

// Run executes every check and returns the assembled report. session, if
// non-nil, is embedded verbatim.
func (r *Runner) Run(ctx context.Context, session *SessionSnapshot) *Report {
	start := time.Now()
	report := &Report{Timestamp: start, System: r.collectSystemInfo(), Session: session}

	checks := []func(context.Context) CheckResult{
		r.checkBaseDirWritable,
		r.checkSegmentsDirLayout,
		r.checkOpusEncoder,
		r.checkDiskSpace,
		r.checkMemory,
		r.checkFileDescriptors,
	}

	if ctx.Err() != nil {
		report.Duration = time.Since(start)
		return report
	}

	// Checks are independent (each opens its own handle to the base
	// directory or a /proc file) so they run concurrently, preserving
	// slice order in the report regardless of completion order.
	results := make([]CheckResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			results[i] = check(gctx)
			return nil
		})
	}
	_ = g.Wait()
	report.Checks = results

	report.Duration = time.Since(start)
	report.Healthy = true
	for _, c := range report.Checks {
		if c.Status == StatusCritical || c.Status == StatusError {
			report.Healthy = false
			break
		}
	}
	return report
}

func (r *Runner) collectSystemInfo() SystemInfo {
	info := SystemInfo{OS: runtime.GOOS, Architecture: runtime.GOARCH, CPUs: runtime.NumCPU(), GoVersion: runtime.Version()}
	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}
	return info
}

func (r *Runner) checkBaseDirWritable(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Base directory writable"}

	if r.opts.BaseDir == "" {
		result.Status = StatusError
		result.Message = "no base directory configured"
		result.Duration = time.Since(start)
		return result
	}

	probe := filepath.Join(r.opts.BaseDir, ".diagnostics_probe")
	if err := os.MkdirAll(r.opts.BaseDir, 0o750); err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("cannot create base directory: %v", err)
	} else if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("base directory not writable: %v", err)
	} else {
		_ = os.Remove(probe)
		result.Status = StatusOK
		result.Message = "base directory is writable"
		result.Details = r.opts.BaseDir
	}
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkSegmentsDirLayout(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Segment files"}

	if r.opts.BaseDir == "" {
		result.Status = StatusError
		result.Message = "no base directory configured"
		result.Duration = time.Since(start)
		return result
	}

	st, err := store.New(r.opts.BaseDir, "lcs", nil)
	if err != nil {
		result.Status = StatusError
		result.Message = fmt.Sprintf("cannot open segment store: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	names, err := st.ListSegmentFiles()
	if err != nil {
		result.Status = StatusError
		result.Message = fmt.Sprintf("cannot list segments: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	result.Status = StatusOK
	result.Message = fmt.Sprintf("%d segment file(s) present", len(names))
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkOpusEncoder(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Opus encoder"}

	format := r.opts.Format
	if format.SampleRate == 0 {
		format = audio.Format{SampleRate: 48000, Channels: 1}
	}
	enc, err := audio.NewEncoder(format)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("opus encoder unavailable: %v", err)
	} else {
		result.Status = StatusOK
		result.Message = "opus encoder available"
		_ = enc
	}
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkDiskSpace(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Disk space"}

	dir := r.opts.BaseDir
	if dir == "" {
		dir = "/"
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		result.Status = StatusError
		result.Message = "failed to check disk space"
		result.Duration = time.Since(start)
		return result
	}
	available := stat.Bavail * uint64(stat.Bsize)
	total := stat.Blocks * uint64(stat.Bsize)
	usedPercent := 100.0 - (float64(available)/float64(total))*100.0

	switch {
	case usedPercent > 95:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("disk usage critical: %.1f%%", usedPercent)
	case usedPercent > 85:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("disk usage high: %.1f%%", usedPercent)
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("disk usage: %.1f%% (%s available)", usedPercent, formatBytes(int64(available)))
	}
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkMemory(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Memory"}

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		result.Status = StatusOK
		result.Message = "memory check skipped (not available on this platform)"
		result.Duration = time.Since(start)
		return result
	}
	var total, available int64
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			if f := strings.Fields(line); len(f) >= 2 {
				total, _ = strconv.ParseInt(f[1], 10, 64)
				total *= 1024
			}
		case strings.HasPrefix(line, "MemAvailable:"):
			if f := strings.Fields(line); len(f) >= 2 {
				available, _ = strconv.ParseInt(f[1], 10, 64)
				available *= 1024
			}
		}
	}
	if total == 0 {
		result.Status = StatusOK
		result.Message = "memory info unavailable"
		result.Duration = time.Since(start)
		return result
	}
	usedPercent := 100.0 - (float64(available)/float64(total))*100.0
	switch {
	case usedPercent > 90:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("memory usage critical: %.1f%%", usedPercent)
	case usedPercent > 75:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("memory usage elevated: %.1f%%", usedPercent)
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("memory usage: %.1f%% (%s available)", usedPercent, formatBytes(available))
	}
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkFileDescriptors(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "File descriptors"}

	data, err := os.ReadFile("/proc/sys/fs/file-nr")
	if err != nil {
		result.Status = StatusOK
		result.Message = "file descriptor check skipped (not available on this platform)"
		result.Duration = time.Since(start)
		return result
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		result.Status = StatusOK
		result.Message = "unexpected file-nr format, skipping"
		result.Duration = time.Since(start)
		return result
	}
	used, _ := strconv.ParseInt(fields[0], 10, 64)
	max, _ := strconv.ParseInt(fields[2], 10, 64)
	usedPercent := float64(used) / float64(max) * 100
	switch {
	case usedPercent > 80:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("fd usage critical: %.1f%% (%d/%d)", usedPercent, used, max)
	case usedPercent > 50:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("fd usage elevated: %.1f%% (%d/%d)", usedPercent, used, max)
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("fd usage normal: %.1f%% (%d/%d)", usedPercent, used, max)
	}
	result.Duration = time.Since(start)
	return result
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// PrintReport writes a human-readable report to w.
func PrintReport(w io.Writer, report *Report) {
	_, _ = fmt.Fprintf(w, "LoopCast Capture Engine Diagnostics\n")
	_, _ = fmt.Fprintf(w, "====================================\n\n")
	_, _ = fmt.Fprintf(w, "Host: %s (%s/%s), Go %s\n", report.System.Hostname, report.System.OS, report.System.Architecture, report.System.GoVersion)
	_, _ = fmt.Fprintf(w, "Time: %s\n", report.Timestamp.Format(time.RFC3339))
	if report.Session != nil {
		_, _ = fmt.Fprintf(w, "Session: state=%s duration_ms=%d window_segments=%d plan_version=%d merged_version=%d\n",
			report.Session.State, report.Session.DurationMS, report.Session.WindowSegments,
			report.Session.PlanVersion, report.Session.MergedVersion)
	}
	_, _ = fmt.Fprintln(w)

	for _, c := range report.Checks {
		mark := "OK"
		switch c.Status {
		case StatusWarning:
			mark = "WARN"
		case StatusCritical:
			mark = "CRIT"
		case StatusError:
			mark = "ERR"
		}
		_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", mark, c.Name, c.Message)
		if c.Details != "" {
			_, _ = fmt.Fprintf(w, "     %s\n", c.Details)
		}
	}

	if report.Healthy {
		_, _ = fmt.Fprintf(w, "\nStatus: HEALTHY\n")
	} else {
		_, _ = fmt.Fprintf(w, "\nStatus: ISSUES DETECTED\n")
	}
}

// ToJSON serializes the report.
func (r *Report) ToJSON() ([]byte, error) { return json.MarshalIndent(r, "", "  ") }
