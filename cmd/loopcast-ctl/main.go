// SPDX-License-Identifier: MIT

// Package main implements loopcast-ctl, the capture engine's interactive
// front end: a subcommand CLI for validating configuration, running
// diagnostics, and driving a session manually through internal/control's
// menu. It carries only the commands that make sense for a mobile capture
// engine — no ALSA/udev/MediaMTX/systemd/updater surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loopcast/captureengine/internal/audio"
	"github.com/loopcast/captureengine/internal/config"
	"github.com/loopcast/captureengine/internal/control"
	"github.com/loopcast/captureengine/internal/diagnostics"
	"github.com/loopcast/captureengine/internal/events"
	"github.com/loopcast/captureengine/internal/session"
)

var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run is the entry point, extracted for testability.
func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "validate":
		return runValidate(commandArgs)
	case "diagnose":
		return runDiagnose(commandArgs)
	case "menu":
		return runMenu(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'loopcast-ctl help' for usage)", command)
	}
}

func runHelp() error {
	fmt.Printf(`loopcast-ctl v%s

USAGE:
    loopcast-ctl [COMMAND] [OPTIONS]

COMMANDS:
    help        Show this help message
    version     Show version information
    validate    Validate a configuration file
    diagnose    Run diagnostics against a session base directory
    menu        Launch the interactive session control menu

OPTIONS:
    --config PATH     Path to configuration file (default: %s)

EXAMPLES:
    loopcast-ctl validate --config=/etc/loopcast/config.yaml
    loopcast-ctl diagnose --config=/etc/loopcast/config.yaml
    loopcast-ctl menu --config=/etc/loopcast/config.yaml
`, Version, config.DefaultConfigPath)
	return nil
}

func runVersion() error {
	fmt.Printf("loopcast-ctl\n")
	fmt.Printf("  Version: %s\n", Version)
	fmt.Printf("  Commit:  %s\n", GitCommit)
	fmt.Printf("  Built:   %s\n", BuildDate)
	return nil
}

func parseConfigFlag(args []string) string {
	path := config.DefaultConfigPath
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--config="):
			path = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--config" && i+1 < len(args):
			path = args[i+1]
			i++
		}
	}
	return path
}

func loadConfigOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(path)
}

func runValidate(args []string) error {
	path := parseConfigFlag(args)
	fmt.Printf("Validating configuration: %s\n\n", path)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  base_dir:          %s\n", cfg.Session.BaseDir)
	fmt.Printf("  sample_rate:       %d Hz\n", cfg.Session.SampleRate)
	fmt.Printf("  channels:          %d\n", cfg.Session.Channels)
	fmt.Printf("  segment_length_ms: %d\n", cfg.Session.SegmentLengthMS)
	fmt.Printf("  keep_duration_ms:  %d (0 = unlimited)\n", cfg.Session.KeepDurationMS)
	return nil
}

func runDiagnose(args []string) error {
	path := parseConfigFlag(args)
	jsonOutput := false
	for _, a := range args {
		if a == "--json" || a == "-j" {
			jsonOutput = true
		}
	}

	cfg, err := loadConfigOrDefault(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	r := diagnostics.NewRunner(diagnostics.Options{
		BaseDir: cfg.Session.BaseDir,
		Format:  audio.Format{SampleRate: cfg.Session.SampleRate, Channels: cfg.Session.Channels},
	})
	report := r.Run(context.Background(), nil)

	if jsonOutput {
		data, err := report.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	diagnostics.PrintReport(os.Stdout, report)
	if !report.Healthy {
		return fmt.Errorf("diagnostics found issues")
	}
	return nil
}

func runMenu(args []string) error {
	path := parseConfigFlag(args)
	cfg, err := loadConfigOrDefault(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Session.BaseDir == "" {
		return fmt.Errorf("session.base_dir must be set in %s to use the menu", path)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := events.NewBus()
	bus.Subscribe(events.SinkFunc(func(e events.Event) {
		if e.Kind == events.Interruption || e.Kind == events.Error {
			fmt.Printf("\n[%s] %s\n", e.Kind, e.InterruptionType)
		}
	}))

	facade := session.New(cfg.Session.BaseDir, *cfg, bus, logger)
	menu := control.SessionMenu(facade)
	return menu.Display()
}
