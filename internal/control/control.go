// SPDX-License-Identifier: MIT

// Package control implements an interactive terminal menu, built on
// charmbracelet/huh, that drives the session façade's commands: the same
// Menu/Display/Confirm machinery wired to start/pause/resume/reset/stop
// and the configure-* calls.
package control

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/loopcast/captureengine/internal/session"
)

// MenuItem is a single selectable action.
type MenuItem struct {
	Key         string
	Label       string
	Action      func() error
	SubMenu     *Menu
	Hidden      bool
}

// Menu is a list of MenuItems shown as a huh.Select, with a scanner-based
// fallback for non-TTY input (piped scripts, tests).
type Menu struct {
	Title string
	Items []MenuItem

	input       io.Reader
	output      io.Writer
	clearScreen bool
}

// Option configures a Menu.
type Option func(*Menu)

// WithInput overrides the menu's input source.
func WithInput(r io.Reader) Option { return func(m *Menu) { m.input = r } }

// WithOutput overrides the menu's output sink.
func WithOutput(w io.Writer) Option { return func(m *Menu) { m.output = w } }

// New creates a menu with no items.
func New(title string, opts ...Option) *Menu {
	m := &Menu{Title: title, input: os.Stdin, output: os.Stdout, clearScreen: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddItem appends an item.
func (m *Menu) AddItem(item MenuItem) { m.Items = append(m.Items, item) }

// Display runs the menu loop until the user exits.
func (m *Menu) Display() error {
	if m.input != os.Stdin {
		return m.displayWithScanner()
	}

	for {
		var options []huh.Option[string]
		for _, item := range m.Items {
			if item.Hidden {
				continue
			}
			options = append(options, huh.NewOption(fmt.Sprintf("%s. %s", item.Key, item.Label), item.Key))
		}
		if len(options) == 0 {
			return nil
		}

		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().Title(m.Title).Options(options...).Value(&choice),
		))
		if err := form.Run(); err != nil {
			if err == huh.ErrUserAborted {
				return nil
			}
			return err
		}
		if choice == "0" || choice == "q" {
			return nil
		}
		if stop := m.dispatch(choice); stop {
			return nil
		}
	}
}

func (m *Menu) displayWithScanner() error {
	scanner := bufio.NewScanner(m.input)
	for {
		m.render()
		_, _ = fmt.Fprint(m.output, "\nSelect option: ")
		if !scanner.Scan() {
			return nil
		}
		choice := strings.TrimSpace(scanner.Text())
		if choice == "" {
			continue
		}
		if choice == "0" || choice == "q" {
			return nil
		}
		if stop := m.dispatch(choice); stop {
			return nil
		}
	}
}

func (m *Menu) dispatch(choice string) (exit bool) {
	for _, item := range m.Items {
		if item.Key != choice {
			continue
		}
		if item.SubMenu != nil {
			_ = item.SubMenu.Display()
			return false
		}
		if item.Action != nil {
			if err := item.Action(); err != nil {
				_, _ = fmt.Fprintf(m.output, "\nerror: %v\n", err)
				WaitForKey(m.input, m.output)
			}
		}
		return false
	}
	return false
}

func (m *Menu) render() {
	_, _ = fmt.Fprintf(m.output, "\n=== %s ===\n", m.Title)
	for _, item := range m.Items {
		if item.Hidden {
			continue
		}
		_, _ = fmt.Fprintf(m.output, "  %s. %s\n", item.Key, item.Label)
	}
}

// WaitForKey blocks until the user presses Enter.
func WaitForKey(r io.Reader, w io.Writer) {
	_, _ = fmt.Fprint(w, "Press Enter to continue...")
	bufio.NewScanner(r).Scan()
}

// Confirm asks a yes/no question.
func Confirm(r io.Reader, w io.Writer, prompt string) bool {
	if r != os.Stdin {
		_, _ = fmt.Fprintf(w, "%s [y/N]: ", prompt)
		scanner := bufio.NewScanner(r)
		if !scanner.Scan() {
			return false
		}
		resp := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return resp == "y" || resp == "yes"
	}

	var confirmed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(prompt).Affirmative("Yes").Negative("No").Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return false
	}
	return confirmed
}

// SessionMenu builds the top-level menu driving f.
func SessionMenu(f *session.Facade, opts ...Option) *Menu {
	menu := New("LoopCast Capture Engine", opts...)

	menu.AddItem(MenuItem{Key: "1", Label: "Start recording", Action: f.Start})
	menu.AddItem(MenuItem{Key: "2", Label: "Pause", Action: f.Pause})
	menu.AddItem(MenuItem{Key: "3", Label: "Resume", Action: f.Resume})
	menu.AddItem(MenuItem{Key: "4", Label: "Reset (discard buffered audio)", Action: f.Reset})
	menu.AddItem(MenuItem{
		Key:   "5",
		Label: "Stop and finalize",
		Action: func() error {
			path, err := f.Stop()
			if err != nil {
				return err
			}
			fmt.Printf("final recording written to %s\n", path)
			return nil
		},
	})
	menu.AddItem(MenuItem{
		Key:   "6",
		Label: "Show status",
		Action: func() error {
			s := f.GetStatus()
			fmt.Printf("state=%s duration_ms=%d path=%s window_segments=%d buffered_ms=%d\n",
				s.State, s.DurationMS, s.Path, s.WindowSegments, s.BufferedDurationMS)
			return nil
		},
	})
	menu.AddItem(MenuItem{Key: "7", Label: "Configure waveform/speech/VAD", SubMenu: configureMenu(f)})
	menu.AddItem(MenuItem{Key: "0", Label: "Exit"})

	return menu
}

func configureMenu(f *session.Facade) *Menu {
	menu := New("Configure analysis")

	menu.AddItem(MenuItem{
		Key:   "1",
		Label: "Set waveform debounce (ms)",
		Action: func() error {
			ms := promptInt(os.Stdin, os.Stdout, "Debounce ms")
			f.ConfigureWaveform(ms, 32)
			return nil
		},
	})
	menu.AddItem(MenuItem{
		Key:   "2",
		Label: "Toggle speech detection",
		Action: func() error {
			enabled := Confirm(os.Stdin, os.Stdout, "Enable speech detection?")
			f.ConfigureSpeechDetection(enabled, 0.05, 1000)
			return nil
		},
	})
	menu.AddItem(MenuItem{
		Key:   "3",
		Label: "Toggle advanced VAD",
		Action: func() error {
			enabled := Confirm(os.Stdin, os.Stdout, "Enable advanced VAD?")
			f.ConfigureAdvancedVAD(enabled, 5, false)
			return nil
		},
	})
	menu.AddItem(MenuItem{Key: "0", Label: "Back"})

	return menu
}

func promptInt(r io.Reader, w io.Writer, prompt string) int {
	_, _ = fmt.Fprintf(w, "%s: ", prompt)
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(strings.TrimSpace(scanner.Text()), "%d", &n)
	return n
}
