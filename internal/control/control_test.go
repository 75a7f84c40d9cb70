// SPDX-License-Identifier: MIT

package control

import (
	"strings"
	"testing"
)

func TestMenuDisplayWithScannerDispatchesAndExits(t *testing.T) {
	var called int
	input := strings.NewReader("1\n1\n0\n")
	var output strings.Builder

	m := New("Test Menu", WithInput(input), WithOutput(&output))
	m.AddItem(MenuItem{Key: "1", Label: "Do thing", Action: func() error { called++; return nil }})
	m.AddItem(MenuItem{Key: "0", Label: "Exit"})

	if err := m.Display(); err != nil {
		t.Fatalf("Display() error = %v", err)
	}
	if called != 2 {
		t.Errorf("action called %d times, want 2", called)
	}
	if !strings.Contains(output.String(), "Test Menu") {
		t.Error("rendered output missing menu title")
	}
}

func TestMenuDisplayWithScannerIgnoresBlankLines(t *testing.T) {
	var called int
	input := strings.NewReader("\n\n1\nq\n")
	var output strings.Builder

	m := New("Test Menu", WithInput(input), WithOutput(&output))
	m.AddItem(MenuItem{Key: "1", Label: "Do thing", Action: func() error { called++; return nil }})

	if err := m.Display(); err != nil {
		t.Fatalf("Display() error = %v", err)
	}
	if called != 1 {
		t.Errorf("action called %d times, want 1", called)
	}
}

func TestMenuDisplayWithScannerExitsOnEOF(t *testing.T) {
	input := strings.NewReader("")
	var output strings.Builder
	m := New("Test Menu", WithInput(input), WithOutput(&output))
	m.AddItem(MenuItem{Key: "1", Label: "Unreached"})

	if err := m.Display(); err != nil {
		t.Fatalf("Display() error = %v", err)
	}
}

func TestMenuDisplayEntersSubMenu(t *testing.T) {
	var subCalled bool
	sub := New("Sub", WithInput(strings.NewReader("1\n0\n")), WithOutput(&strings.Builder{}))
	sub.AddItem(MenuItem{Key: "1", Label: "Sub action", Action: func() error { subCalled = true; return nil }})

	input := strings.NewReader("1\n0\n")
	var output strings.Builder
	m := New("Top", WithInput(input), WithOutput(&output))
	m.AddItem(MenuItem{Key: "1", Label: "Enter sub", SubMenu: sub})

	if err := m.Display(); err != nil {
		t.Fatalf("Display() error = %v", err)
	}
	if !subCalled {
		t.Error("submenu action was never invoked")
	}
}

func TestMenuDisplayPrintsActionError(t *testing.T) {
	input := strings.NewReader("1\nq\n")
	var output strings.Builder
	m := New("Test Menu", WithInput(input), WithOutput(&output))
	m.AddItem(MenuItem{Key: "1", Label: "Failing action", Action: func() error { return errBoom }})

	if err := m.Display(); err != nil {
		t.Fatalf("Display() error = %v", err)
	}
	if !strings.Contains(output.String(), "error: boom") {
		t.Errorf("output = %q, want it to contain the action error", output.String())
	}
}

func TestMenuHiddenItemsAreNotRendered(t *testing.T) {
	input := strings.NewReader("q\n")
	var output strings.Builder
	m := New("Test Menu", WithInput(input), WithOutput(&output))
	m.AddItem(MenuItem{Key: "9", Label: "Secret", Hidden: true})

	if err := m.Display(); err != nil {
		t.Fatalf("Display() error = %v", err)
	}
	if strings.Contains(output.String(), "Secret") {
		t.Error("hidden item was rendered")
	}
}

func TestConfirmNonStdinParsesYesNo(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"Y\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tc := range cases {
		var output strings.Builder
		got := Confirm(strings.NewReader(tc.in), &output, "proceed?")
		if got != tc.want {
			t.Errorf("Confirm(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestWaitForKeyReturnsOnInput(t *testing.T) {
	var output strings.Builder
	done := make(chan struct{})
	go func() {
		WaitForKey(strings.NewReader("\n"), &output)
		close(done)
	}()
	<-done
	if !strings.Contains(output.String(), "Press Enter") {
		t.Error("WaitForKey did not print its prompt")
	}
}

func TestPromptIntParsesIntegerInput(t *testing.T) {
	var output strings.Builder
	got := promptInt(strings.NewReader("42\n"), &output, "how many")
	if got != 42 {
		t.Errorf("promptInt() = %d, want 42", got)
	}
}

func TestPromptIntReturnsZeroOnUnparsableInput(t *testing.T) {
	var output strings.Builder
	got := promptInt(strings.NewReader("not-a-number\n"), &output, "how many")
	if got != 0 {
		t.Errorf("promptInt() = %d, want 0", got)
	}
}

func TestPromptIntReturnsZeroOnEOF(t *testing.T) {
	var output strings.Builder
	got := promptInt(strings.NewReader(""), &output, "how many")
	if got != 0 {
		t.Errorf("promptInt() = %d, want 0", got)
	}
}

type staticError string

func (e staticError) Error() string { return string(e) }

const errBoom = staticError("boom")
