// ABOUTME: Implements a scrollable chat transcript panel using the bubbles viewport component.
// ABOUTME: Formats each message by role and type with lipgloss styles and follows the newest entry.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/2389-research/adcanvas/chat"
)

// TranscriptPanelModel shows the conversation as the sequencer displays it.
type TranscriptPanelModel struct {
	messages []chat.Message
	viewport viewport.Model
	width    int
	height   int
}

// NewTranscriptPanelModel creates an empty transcript panel.
func NewTranscriptPanelModel() TranscriptPanelModel {
	return TranscriptPanelModel{viewport: viewport.New(80, 10)}
}

// SetMessages replaces the transcript and scrolls to the newest message.
func (m *TranscriptPanelModel) SetMessages(msgs []chat.Message) {
	m.messages = msgs
	m.syncViewport()
}

// Len returns the number of messages shown.
func (m TranscriptPanelModel) Len() int {
	return len(m.messages)
}

// SetSize sets the available dimensions and updates the viewport.
func (m *TranscriptPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	// Reserve space for the border (2 lines) and title (1 line)
	vpWidth := w - 2
	vpHeight := h - 3
	if vpWidth < 1 {
		vpWidth = 1
	}
	if vpHeight < 1 {
		vpHeight = 1
	}
	m.viewport.Width = vpWidth
	m.viewport.Height = vpHeight
	m.syncViewport()
}

// Update forwards scroll keys to the viewport.
func (m TranscriptPanelModel) Update(msg tea.Msg) (TranscriptPanelModel, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the transcript panel.
func (m TranscriptPanelModel) View() string {
	content := "Paste a product URL below to generate ads."
	if len(m.messages) > 0 {
		content = m.viewport.View()
	}
	rendered := TitleStyle.Render("CHAT") + "\n" + content
	if m.width <= 2 || m.height <= 2 {
		return BorderStyle.Render(rendered)
	}
	return BorderStyle.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(rendered)
}

func (m *TranscriptPanelModel) syncViewport() {
	lines := make([]string, 0, len(m.messages))
	for _, msg := range m.messages {
		lines = append(lines, formatMessage(msg))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

// formatMessage renders one transcript entry as a styled line.
func formatMessage(msg chat.Message) string {
	var parts []string
	if !msg.Timestamp.IsZero() {
		parts = append(parts, TimestampStyle.Render(msg.Timestamp.Format("15:04:05")))
	}

	switch {
	case msg.Role == chat.RoleUser:
		parts = append(parts, UserStyle.Render("you:"), msg.Content)
	case msg.IsTemporary:
		parts = append(parts, TemporaryStyle.Render(msg.Content))
	case msg.Type == chat.TypeError:
		parts = append(parts, ErrorStyle.Render("error: "+msg.Content))
	case msg.Type == chat.TypeCompletion:
		parts = append(parts, SuccessStyle.Render(msg.Content))
	default:
		parts = append(parts, AssistantStyle.Render(msg.Content))
	}

	line := strings.Join(parts, " ")
	for i, u := range msg.ImageURLs {
		line += fmt.Sprintf("\n    %d. %s", i+1, u)
	}
	return line
}
