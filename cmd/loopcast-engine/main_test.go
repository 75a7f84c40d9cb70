// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	"github.com/loopcast/captureengine/internal/config"
	"github.com/loopcast/captureengine/internal/events"
	"github.com/loopcast/captureengine/internal/session"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func newTestFacade(t *testing.T) *session.Facade {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Session.BaseDir = dir
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return session.New(dir, cfg, events.NewBus(), logger)
}

func TestStatusAdapterReflectsFacadeState(t *testing.T) {
	facade := newTestFacade(t)
	adapter := &statusAdapter{facade: facade}

	if got := adapter.State(); got == "" {
		t.Fatal("expected non-empty state before Start")
	}
	if err := facade.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := adapter.State(); got != "recording" {
		t.Errorf("State() after Start = %q, want %q", got, "recording")
	}
	if adapter.WindowSegments() != 0 {
		t.Errorf("WindowSegments() = %d, want 0 on a fresh session", adapter.WindowSegments())
	}
}

func TestSessionSnapshotMirrorsStatus(t *testing.T) {
	facade := newTestFacade(t)
	if err := facade.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := sessionSnapshot(facade)
	status := facade.GetStatus()
	if snap.State != status.State.String() {
		t.Errorf("snapshot state = %q, want %q", snap.State, status.State.String())
	}
	if snap.WindowSegments != status.WindowSegments {
		t.Errorf("snapshot window segments = %d, want %d", snap.WindowSegments, status.WindowSegments)
	}
}

func TestFeedPCMFromStdinStopsOnCancel(t *testing.T) {
	facade := newTestFacade(t)
	if err := facade.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	done := make(chan struct{})
	go func() {
		feedPCMFromStdin(ctx, facade, config.Default().Session, logger)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feedPCMFromStdin did not return after context cancellation")
	}
}

func TestFeedPCMFromStdinReaderReturnsWhenInputExhausted(t *testing.T) {
	facade := newTestFacade(t)
	if err := facade.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cfg := config.Default().Session
	samples := cfg.SampleRate / 50 * cfg.Channels // one 20ms frame
	buf := &bytes.Buffer{}
	for i := 0; i < samples; i++ {
		_ = binary.Write(buf, binary.LittleEndian, int16(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	done := make(chan struct{})
	go func() {
		feedPCMFromStdinReader(ctx, facade, cfg, logger, buf)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feedPCMFromStdinReader did not return after stdin exhausted")
	}
}

func TestPrintUsageDoesNotPanic(t *testing.T) {
	printUsage()
}
