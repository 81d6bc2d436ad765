// ABOUTME: Bubble Tea sub-model rendering the current job's phase bubbles with per-section status markers.
// ABOUTME: Active bubbles show a bubbles/spinner frame and their generation progress.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/2389-research/adcanvas/phase"
)

// PhasePanelModel displays phase bubbles in pipeline order.
type PhasePanelModel struct {
	bubbles []phase.Bubble
	spinner spinner.Model
	now     func() time.Time
	width   int
}

// NewPhasePanelModel creates an empty phase panel.
func NewPhasePanelModel() PhasePanelModel {
	return PhasePanelModel{
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(ActiveStyle)),
		now:     time.Now,
	}
}

// SetBubbles replaces the rendered bubbles.
func (m *PhasePanelModel) SetBubbles(b []phase.Bubble) {
	m.bubbles = b
}

// SetWidth sets the available width for rendering.
func (m *PhasePanelModel) SetWidth(w int) {
	m.width = w
}

// Active reports whether any bubble is still running.
func (m PhasePanelModel) Active() bool {
	for _, b := range m.bubbles {
		if !b.IsCompleted && b.Error == "" {
			return true
		}
	}
	return false
}

// Tick returns the command that starts the spinner animation.
func (m PhasePanelModel) Tick() tea.Cmd {
	return m.spinner.Tick
}

// Update advances the spinner on its own tick messages.
func (m PhasePanelModel) Update(msg tea.Msg) (PhasePanelModel, tea.Cmd) {
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// View renders the bubbles as a bordered block.
func (m PhasePanelModel) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("PIPELINE"))
	b.WriteString("\n")
	if len(m.bubbles) == 0 {
		b.WriteString(PendingStyle.Render("No job running"))
	}
	for i, bub := range m.bubbles {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.header(bub))
		for _, s := range bub.Sections {
			b.WriteString("\n  ")
			b.WriteString(StyleForStatus(s.Status).Render(StatusIcon(s.Status) + " " + s.Title))
		}
	}
	if m.width > 0 {
		return BorderStyle.Width(m.width - 2).Render(b.String())
	}
	return BorderStyle.Render(b.String())
}

func (m PhasePanelModel) header(bub phase.Bubble) string {
	elapsed := formatElapsed(bub.Duration(m.now()))
	switch {
	case bub.Error != "":
		return FailedStyle.Render(fmt.Sprintf("✗ %s (%s)", bub.Title, bub.Error))
	case bub.IsCompleted:
		return CompletedStyle.Render(fmt.Sprintf("✓ %s", bub.Title)) + " " + PendingStyle.Render(elapsed)
	}
	line := m.spinner.View() + " " + ActiveStyle.Render(bub.Title)
	if bub.Progress > 0 {
		line += fmt.Sprintf(" %3.0f%%", bub.Progress)
	}
	return line + " " + PendingStyle.Render(elapsed)
}
