// ABOUTME: PromptModel wraps a bubbles textinput for entering product URLs.
// ABOUTME: Submit returns the trimmed value and clears the field; the field is disabled while a job runs.
package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// PromptModel is the product URL input line.
type PromptModel struct {
	input  textinput.Model
	locked bool
}

// NewPromptModel creates a focused prompt.
func NewPromptModel() PromptModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "https://shop.example/products/..."
	ti.CharLimit = 2048
	ti.Focus()
	return PromptModel{input: ti}
}

// SetLocked disables editing while a job is running.
func (m *PromptModel) SetLocked(locked bool) {
	m.locked = locked
	if locked {
		m.input.Blur()
	} else {
		m.input.Focus()
	}
}

// Locked reports whether input is disabled.
func (m PromptModel) Locked() bool {
	return m.locked
}

// SetWidth sizes the input field.
func (m *PromptModel) SetWidth(w int) {
	if w > 4 {
		m.input.Width = w - 4
	}
}

// Value returns the current text.
func (m PromptModel) Value() string {
	return m.input.Value()
}

// Submit returns the trimmed input and resets the field. Empty input returns "".
func (m *PromptModel) Submit() string {
	v := strings.TrimSpace(m.input.Value())
	if v == "" {
		return ""
	}
	m.input.Reset()
	return v
}

// Update forwards key input to the text field unless locked.
func (m PromptModel) Update(msg tea.Msg) (PromptModel, tea.Cmd) {
	if m.locked {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the prompt line.
func (m PromptModel) View() string {
	if m.locked {
		return PromptStyle.Render(PendingStyle.Render("Generating… press ctrl+x to cancel"))
	}
	return PromptStyle.Render(m.input.View())
}
