// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader layers configuration sources with the following precedence
// (highest to lowest): environment variables (LOOPCAST_*), the YAML file,
// then the built-in Default().
type Loader struct {
	k         *koanf.Koanf
	mu        sync.RWMutex
	filePath  string
	envPrefix string
}

// Option configures a Loader.
type Option func(*Loader) error

// WithYAMLFile sets the YAML configuration file path. A missing file is
// tolerated: the loader falls back to defaults plus environment overrides.
func WithYAMLFile(path string) Option {
	return func(l *Loader) error {
		l.filePath = path
		return nil
	}
}

// WithEnvPrefix overrides the default "LOOPCAST" environment variable
// prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) error {
		l.envPrefix = prefix
		return nil
	}
}

// NewLoader builds a Loader and performs its first load.
func NewLoader(opts ...Option) (*Loader, error) {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: "LOOPCAST",
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load unmarshals the current layered configuration into a Config,
// starting from Default() so unset keys keep their documented defaults.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	l.mu.RLock()
	k := l.k
	l.mu.RUnlock()

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Reload re-reads every configured source. Safe to call while other
// goroutines call Load.
func (l *Loader) Reload() error {
	return l.reload()
}

func (l *Loader) reload() error {
	k := koanf.New(".")

	if l.filePath != "" {
		if _, err := os.Stat(l.filePath); err == nil {
			if err := k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
				return fmt.Errorf("failed to load config file %q: %w", l.filePath, err)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat config file %q: %w", l.filePath, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: l.envPrefix + "_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, l.envPrefix+"_")
			key = strings.ToLower(strings.ReplaceAll(key, "__", "."))
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return fmt.Errorf("failed to load environment overrides: %w", err)
	}

	l.mu.Lock()
	l.k = k
	l.mu.Unlock()
	return nil
}
