// SPDX-License-Identifier: MIT

package diagnostics

import (
	"context"
	"os"
	"testing"

	"github.com/loopcast/captureengine/internal/audio"
)

func TestRunProducesHealthyReportForWritableDir(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(Options{BaseDir: dir, Format: audio.Format{SampleRate: 48000, Channels: 1}})

	report := r.Run(context.Background(), nil)

	if len(report.Checks) == 0 {
		t.Fatal("expected at least one check to run")
	}
	for _, c := range report.Checks {
		if c.Status == StatusError {
			t.Errorf("check %q unexpectedly errored: %s", c.Name, c.Message)
		}
	}
}

func TestRunReportsCriticalForUnwritableBaseDir(t *testing.T) {
	// A base dir under a file (not a directory) can never be created.
	dir := t.TempDir()
	blocker := dir + "/blocker"
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	r := NewRunner(Options{BaseDir: blocker + "/nested"})
	report := r.Run(context.Background(), nil)

	found := false
	for _, c := range report.Checks {
		if c.Name == "Base directory writable" {
			found = true
			if c.Status != StatusCritical {
				t.Fatalf("expected StatusCritical, got %s: %s", c.Status, c.Message)
			}
		}
	}
	if !found {
		t.Fatal("expected a base directory check in the report")
	}
	if report.Healthy {
		t.Fatal("expected report.Healthy to be false")
	}
}

func TestRunEmbedsSessionSnapshot(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(Options{BaseDir: dir})
	snap := &SessionSnapshot{State: "recording", WindowSegments: 3, PlanVersion: 7, MergedVersion: 6}

	report := r.Run(context.Background(), snap)

	if report.Session == nil {
		t.Fatal("expected session snapshot to be embedded")
	}
	if report.Session.PlanVersion != 7 || report.Session.MergedVersion != 6 {
		t.Fatalf("unexpected session snapshot: %+v", report.Session)
	}
}

func TestToJSONRoundTrips(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(Options{BaseDir: dir})
	report := r.Run(context.Background(), nil)

	data, err := report.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty JSON output")
	}
}
