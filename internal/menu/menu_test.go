package menu

import (
	"bytes"
	"strings"
	"testing"
)

func TestDisplayDispatchesAction(t *testing.T) {
	var out bytes.Buffer
	ran := false

	m := New("Test Menu",
		WithInput(strings.NewReader("1\nq\n")),
		WithOutput(&out))
	m.Add(Item{Key: "1", Label: "Do the thing", Action: func() error {
		ran = true
		return nil
	}})
	m.Add(Item{Key: "0", Label: "Exit"})

	if err := m.Display(); err != nil {
		t.Fatalf("Display() error = %v", err)
	}
	if !ran {
		t.Error("selected action never ran")
	}
	if !strings.Contains(out.String(), "Test Menu") {
		t.Error("title not rendered")
	}
}

func TestDisplayExitsOnEOF(t *testing.T) {
	m := New("Test",
		WithInput(strings.NewReader("")),
		WithOutput(&bytes.Buffer{}))
	m.Add(Item{Key: "1", Label: "Never picked", Action: func() error { return nil }})

	if err := m.Display(); err != nil {
		t.Fatalf("Display() error = %v", err)
	}
}

func TestDisplayEntersSubMenu(t *testing.T) {
	var out bytes.Buffer
	subRan := false

	sub := New("Sub Menu")
	sub.Add(Item{Key: "1", Label: "Nested action", Action: func() error {
		subRan = true
		return nil
	}})
	sub.Add(Item{Key: "0", Label: "Back"})

	m := New("Main",
		WithInput(strings.NewReader("2\n1\n0\nq\n")),
		WithOutput(&out))
	m.Add(Item{Key: "2", Label: "Enter submenu", SubMenu: sub})
	m.Add(Item{Key: "0", Label: "Exit"})

	if err := m.Display(); err != nil {
		t.Fatalf("Display() error = %v", err)
	}
	if !subRan {
		t.Error("submenu action never ran")
	}
}

func TestHiddenItemsNotRendered(t *testing.T) {
	var out bytes.Buffer
	m := New("Test",
		WithInput(strings.NewReader("q\n")),
		WithOutput(&out))
	m.Add(Item{Key: "1", Label: "Visible", Action: func() error { return nil }})
	m.Add(Item{Key: "9", Label: "Secret", Hidden: true, Action: func() error { return nil }})

	if err := m.Display(); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "Secret") {
		t.Error("hidden item was rendered")
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"Y\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		got := Confirm(strings.NewReader(tt.input), &bytes.Buffer{}, "Sure?")
		if got != tt.want {
			t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSelect(t *testing.T) {
	options := []string{"alpha", "beta", "gamma"}
	tests := []struct {
		input string
		want  int
	}{
		{"1\n", 0},
		{"3\n", 2},
		{"4\n", -1},
		{"0\n", -1},
		{"junk\n", -1},
		{"", -1},
	}
	for _, tt := range tests {
		got := Select(strings.NewReader(tt.input), &bytes.Buffer{}, "Pick", options)
		if got != tt.want {
			t.Errorf("Select(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestInput(t *testing.T) {
	got := Input(strings.NewReader("  hello world \n"), &bytes.Buffer{}, "Say something")
	if got != "hello world" {
		t.Errorf("Input() = %q", got)
	}
	if got := Input(strings.NewReader(""), &bytes.Buffer{}, "Say"); got != "" {
		t.Errorf("Input() on EOF = %q, want empty", got)
	}
}
