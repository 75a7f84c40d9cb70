// SPDX-License-Identifier: MIT

// Package config holds the capture engine's configuration: per-session
// capture parameters, waveform/speech-detection tuning, and daemon-level
// settings (health endpoint, base directory): a plain YAML-serializable
// struct plus a koanf-backed loader for layered (file + env) overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// DefaultConfigPath is the default location for the engine's config file.
const DefaultConfigPath = "/etc/loopcast/config.yaml"

// Config is the complete, on-disk engine configuration.
type Config struct {
	Session  SessionConfig  `yaml:"session" koanf:"session"`
	Waveform WaveformConfig `yaml:"waveform" koanf:"waveform"`
	Speech   SpeechConfig   `yaml:"speech" koanf:"speech"`
	VAD      VADConfig      `yaml:"vad" koanf:"vad"`
	Monitor  MonitorConfig  `yaml:"monitor" koanf:"monitor"`
}

// SessionConfig corresponds to the options accepted by the start() command.
type SessionConfig struct {
	BaseDir         string `yaml:"base_dir" koanf:"base_dir"`
	SampleRate      int    `yaml:"sample_rate" koanf:"sample_rate"`
	Channels        int    `yaml:"channels" koanf:"channels"`
	BitrateBPS      int    `yaml:"bitrate_bps" koanf:"bitrate_bps"`
	KeepDurationMS  int64  `yaml:"keep_duration_ms" koanf:"keep_duration_ms"` // 0 = unlimited
	SegmentLengthMS int64  `yaml:"segment_length_ms" koanf:"segment_length_ms"`
	Continuous      bool   `yaml:"continuous" koanf:"continuous"`
	PreMerge        bool   `yaml:"pre_merge" koanf:"pre_merge"`
}

// WaveformConfig configures the real-time waveform analyzer.
type WaveformConfig struct {
	DebounceMS int `yaml:"debounce_ms" koanf:"debounce_ms"`
	Bars       int `yaml:"bars" koanf:"bars"`
	Gain       float64 `yaml:"gain" koanf:"gain"`
	VoiceBandGate bool `yaml:"voice_band_gate" koanf:"voice_band_gate"`
}

// SpeechConfig configures speech-detection gating on top of the base
// waveform pipeline.
type SpeechConfig struct {
	Enabled       bool    `yaml:"enabled" koanf:"enabled"`
	Threshold     float64 `yaml:"threshold" koanf:"threshold"`
	CalibrationMS int     `yaml:"calibration_ms" koanf:"calibration_ms"`
}

// VADConfig configures advanced voice-activity detection on top of speech
// detection.
type VADConfig struct {
	Enabled     bool `yaml:"enabled" koanf:"enabled"`
	WindowSize  int  `yaml:"window" koanf:"window"`
	VoiceFilter bool `yaml:"voice_filter" koanf:"voice_filter"`
}

// MonitorConfig controls the engine's health/metrics HTTP endpoint.
type MonitorConfig struct {
	Enabled    bool   `yaml:"enabled" koanf:"enabled"`
	HealthAddr string `yaml:"health_addr" koanf:"health_addr"`
}

// Default returns a Config populated with this engine's documented
// defaults.
func Default() Config {
	return Config{
		Session: SessionConfig{
			BaseDir:         "",
			SampleRate:      48000,
			Channels:        1,
			BitrateBPS:      128000,
			KeepDurationMS:  0,
			SegmentLengthMS: 30000,
			Continuous:      true,
			PreMerge:        true,
		},
		Waveform: WaveformConfig{
			DebounceMS:    50,
			Bars:          32,
			Gain:          20,
			VoiceBandGate: false,
		},
		Speech: SpeechConfig{
			Enabled:       false,
			Threshold:     0.05,
			CalibrationMS: 1000,
		},
		VAD: VADConfig{
			Enabled:     false,
			WindowSize:  5,
			VoiceFilter: false,
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			HealthAddr: "127.0.0.1:9898",
		},
	}
}

// Validate checks invariants that the rest of the engine relies on holding
// without re-checking at every call site.
func (c *Config) Validate() error {
	if c.Session.SampleRate <= 0 {
		return fmt.Errorf("session.sample_rate must be positive")
	}
	if c.Session.Channels <= 0 || c.Session.Channels > 2 {
		return fmt.Errorf("session.channels must be 1 or 2")
	}
	if c.Session.BitrateBPS <= 0 {
		return fmt.Errorf("session.bitrate_bps must be positive")
	}
	if c.Session.SegmentLengthMS <= 0 {
		return fmt.Errorf("session.segment_length_ms must be positive")
	}
	if c.Session.KeepDurationMS < 0 {
		return fmt.Errorf("session.keep_duration_ms must be >= 0 (0 = unlimited)")
	}
	if c.VAD.WindowSize != 0 && (c.VAD.WindowSize < 3 || c.VAD.WindowSize > 20) {
		return fmt.Errorf("vad.window must be between 3 and 20")
	}
	if c.Waveform.DebounceMS < 0 {
		return fmt.Errorf("waveform.debounce_ms must be >= 0")
	}
	return nil
}

// Load reads and parses a YAML configuration file, applying defaults for
// anything the file omits (by unmarshalling over a Default()).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-controlled configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// atomicFile abstracts the handful of *os.File operations Save needs, so
// tests can substitute a fake without touching the filesystem.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304 -- dir is the config file's own directory
}

// Save writes c to path atomically: write-temp, sync, rename-over.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
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
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file into place: %w", err)
	}
	success = true
	return nil
}
