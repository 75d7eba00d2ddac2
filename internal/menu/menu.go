// SPDX-License-Identifier: MIT

// Package menu is the interactive terminal menu toolkit used by
// pidicon-ctl, built on charmbracelet/huh with a plain scanner
// fallback for non-TTY input (tests, pipes).
package menu

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
)

// Item is a single menu option. A nil Action with no SubMenu exits the
// menu when selected.
type Item struct {
	Key     string
	Label   string
	Action  func() error
	SubMenu *Menu
	Hidden  bool
}

// Menu is a titled list of items.
type Menu struct {
	Title      string
	Items      []Item
	input      io.Reader
	output     io.Writer
	accessible bool
}

// Option configures a Menu.
type Option func(*Menu)

// WithInput sets the input reader (for testing).
func WithInput(r io.Reader) Option {
	return func(m *Menu) { m.input = r }
}

// WithOutput sets the output writer (for testing).
func WithOutput(w io.Writer) Option {
	return func(m *Menu) { m.output = w }
}

// WithAccessible enables accessible mode for screen readers.
func WithAccessible(accessible bool) Option {
	return func(m *Menu) { m.accessible = accessible }
}

// New creates a menu.
func New(title string, opts ...Option) *Menu {
	m := &Menu{
		Title:  title,
		input:  os.Stdin,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add appends an item.
func (m *Menu) Add(item Item) {
	m.Items = append(m.Items, item)
}

// Display shows the menu in a loop until the user exits.
func (m *Menu) Display() error {
	if m.input != os.Stdin {
		return m.displayWithScanner()
	}

	for {
		var options []huh.Option[string]
		for _, item := range m.Items {
			if item.Hidden || item.Key == "" {
				continue
			}
			options = append(options, huh.NewOption(fmt.Sprintf("%s. %s", item.Key, item.Label), item.Key))
		}
		if len(options) == 0 {
			return nil
		}

		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title(m.Title).
				Options(options...).
				Value(&choice),
		)).WithAccessible(m.accessible)

		if err := form.Run(); err != nil {
			if err == huh.ErrUserAborted {
				return nil
			}
			return err
		}

		if isExitKey(choice) {
			return nil
		}
		if err := m.dispatch(choice); err != nil {
			_, _ = fmt.Fprintf(m.output, "\nError: %v\n", err)
			WaitForKey(m.input, m.output, "")
		}
	}
}

// displayWithScanner is the non-TTY fallback.
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
		if err := m.dispatch(choice); err != nil {
			_, _ = fmt.Fprintf(m.output, "\nError: %v\n", err)
		}
		if isExitKey(choice) {
			return nil
		}
	}
}

func (m *Menu) dispatch(choice string) error {
	for _, item := range m.Items {
		if item.Key != choice {
			continue
		}
		if item.SubMenu != nil {
			item.SubMenu.input = m.input
			item.SubMenu.output = m.output
			item.SubMenu.accessible = m.accessible
			return item.SubMenu.Display()
		}
		if item.Action != nil {
			return item.Action()
		}
		return nil
	}
	return nil
}

func isExitKey(choice string) bool {
	return choice == "0" || choice == "q" || choice == "Q"
}

// render draws the menu for scanner fallback mode.
func (m *Menu) render() {
	width := len(m.Title)
	for _, item := range m.Items {
		if n := len(item.Key) + len(item.Label) + 5; n > width {
			width = n
		}
	}
	if width < 40 {
		width = 40
	}

	border := strings.Repeat("═", width)
	_, _ = fmt.Fprintf(m.output, "╔%s╗\n", border)
	_, _ = fmt.Fprintf(m.output, "║%s║\n", centerText(m.Title, width))
	_, _ = fmt.Fprintf(m.output, "╠%s╣\n", border)
	for _, item := range m.Items {
		if item.Hidden || item.Key == "" {
			continue
		}
		_, _ = fmt.Fprintf(m.output, "║%-*s║\n", width, fmt.Sprintf("  %s. %s", item.Key, item.Label))
	}
	_, _ = fmt.Fprintf(m.output, "╚%s╝\n", border)
}

func centerText(text string, width int) string {
	if len(text) >= width {
		return text
	}
	padding := (width - len(text)) / 2
	return strings.Repeat(" ", padding) + text + strings.Repeat(" ", width-len(text)-padding)
}

// WaitForKey waits for the user to press Enter.
func WaitForKey(r io.Reader, w io.Writer, prompt string) {
	if prompt == "" {
		prompt = "Press Enter to continue..."
	}
	_, _ = fmt.Fprint(w, prompt)
	bufio.NewScanner(r).Scan()
}

// Confirm asks a yes/no question.
func Confirm(r io.Reader, w io.Writer, prompt string) bool {
	if r != os.Stdin {
		return confirmWithScanner(r, w, prompt)
	}

	var confirmed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(prompt).
			Affirmative("Yes").
			Negative("No").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return false
	}
	return confirmed
}

func confirmWithScanner(r io.Reader, w io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(w, "%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return false
	}
	response := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return response == "y" || response == "yes"
}

// Select presents options and returns the selected index, or -1 on
// abort.
func Select(r io.Reader, w io.Writer, prompt string, options []string) int {
	if r != os.Stdin {
		return selectWithScanner(r, w, prompt, options)
	}

	var choice int
	var huhOptions []huh.Option[int]
	for i, opt := range options {
		huhOptions = append(huhOptions, huh.NewOption(opt, i))
	}
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[int]().
			Title(prompt).
			Options(huhOptions...).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return -1
	}
	return choice
}

func selectWithScanner(r io.Reader, w io.Writer, prompt string, options []string) int {
	_, _ = fmt.Fprintln(w, prompt)
	for i, opt := range options {
		_, _ = fmt.Fprintf(w, "  %d. %s\n", i+1, opt)
	}
	_, _ = fmt.Fprint(w, "Selection: ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return -1
	}
	var choice int
	if _, err := fmt.Sscanf(strings.TrimSpace(scanner.Text()), "%d", &choice); err != nil {
		return -1
	}
	if choice < 1 || choice > len(options) {
		return -1
	}
	return choice - 1
}

// Input prompts for a line of text.
func Input(r io.Reader, w io.Writer, prompt string) string {
	if r != os.Stdin {
		return inputWithScanner(r, w, prompt)
	}

	var value string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(prompt).
			Value(&value),
	))
	if err := form.Run(); err != nil {
		return ""
	}
	return value
}

func inputWithScanner(r io.Reader, w io.Writer, prompt string) string {
	_, _ = fmt.Fprintf(w, "%s: ", prompt)
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}
