// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() failed Validate(): %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.Session.SampleRate = 0 }},
		{"zero channels", func(c *Config) { c.Session.Channels = 0 }},
		{"too many channels", func(c *Config) { c.Session.Channels = 3 }},
		{"zero bitrate", func(c *Config) { c.Session.BitrateBPS = 0 }},
		{"zero segment length", func(c *Config) { c.Session.SegmentLengthMS = 0 }},
		{"negative keep duration", func(c *Config) { c.Session.KeepDurationMS = -1 }},
		{"vad window too small", func(c *Config) { c.VAD.WindowSize = 2 }},
		{"vad window too large", func(c *Config) { c.VAD.WindowSize = 21 }},
		{"negative debounce", func(c *Config) { c.Waveform.DebounceMS = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadRoundTripsThroughSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.Session.BaseDir = dir
	cfg.Session.SampleRate = 44100
	cfg.Monitor.HealthAddr = "127.0.0.1:9999"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Session.BaseDir != dir {
		t.Errorf("Session.BaseDir = %q, want %q", loaded.Session.BaseDir, dir)
	}
	if loaded.Session.SampleRate != 44100 {
		t.Errorf("Session.SampleRate = %d, want 44100", loaded.Session.SampleRate)
	}
	if loaded.Monitor.HealthAddr != "127.0.0.1:9999" {
		t.Errorf("Monitor.HealthAddr = %q, want %q", loaded.Monitor.HealthAddr, "127.0.0.1:9999")
	}
}

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.yaml")
	if err := os.WriteFile(path, []byte("session:\n  sample_rate: 16000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Session.SampleRate != 16000 {
		t.Errorf("Session.SampleRate = %d, want 16000", cfg.Session.SampleRate)
	}
	want := Default()
	if cfg.Session.SegmentLengthMS != want.Session.SegmentLengthMS {
		t.Errorf("Session.SegmentLengthMS = %d, want default %d", cfg.Session.SegmentLengthMS, want.Session.SegmentLengthMS)
	}
	if cfg.Monitor.HealthAddr != want.Monitor.HealthAddr {
		t.Errorf("Monitor.HealthAddr = %q, want default %q", cfg.Monitor.HealthAddr, want.Monitor.HealthAddr)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("session:\n  sample_rate: -1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() = nil error, want error for invalid sample_rate")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file = nil error, want error")
	}
}

func TestSaveCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "config")
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Save() did not create file: %v", err)
	}
}
