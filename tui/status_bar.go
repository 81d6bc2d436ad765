// ABOUTME: Implements a single-line status bar for the bottom of the TUI showing job progress.
// ABOUTME: Displays project, elapsed time, stream connection state, and the current job ID.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/adcanvas/stream"
)

// StatusBarModel displays session status in a single line.
type StatusBarModel struct {
	project   string
	jobID     string
	state     stream.State
	startTime time.Time
	running   bool
	width     int
}

// NewStatusBarModel creates a status bar for the given project.
func NewStatusBarModel(project string) StatusBarModel {
	return StatusBarModel{project: project}
}

// Start records the job start time.
func (m *StatusBarModel) Start(jobID string) {
	m.jobID = jobID
	m.startTime = time.Now()
	m.running = true
}

// Stop freezes the elapsed timer.
func (m *StatusBarModel) Stop() {
	m.running = false
}

// SetState updates the stream connection state.
func (m *StatusBarModel) SetState(s stream.State) {
	m.state = s
}

// SetWidth sets the bar width for rendering.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// Elapsed returns the time since Start, or zero when idle.
func (m StatusBarModel) Elapsed() time.Duration {
	if m.startTime.IsZero() || !m.running {
		return 0
	}
	return time.Since(m.startTime)
}

// formatElapsed formats a duration as "12s" or "2m30s".
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) - minutes*60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}

// View renders the status bar as a single styled line.
func (m StatusBarModel) View() string {
	job := m.jobID
	if job == "" {
		job = "none"
	}
	content := fmt.Sprintf("Project: %s | Job: %s | Stream: %s | Elapsed: %s | enter generate · ctrl+x cancel · ctrl+c quit",
		m.project, job, m.state, formatElapsed(m.Elapsed()))

	style := StatusBarStyle.Width(m.width)
	return lipgloss.PlaceHorizontal(m.width, lipgloss.Left, style.Render(content))
}
