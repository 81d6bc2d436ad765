// ABOUTME: Defines lipgloss styles for the TUI panels, section status colors, and transcript formatting.
// ABOUTME: Provides StyleForStatus and StatusIcon to map section statuses to their display form.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/adcanvas/phase"
)

var (
	// Panel borders
	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	// Status colors
	PendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	ActiveStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	CompletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	FailedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	// Transcript
	TimestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	UserStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true)
	AssistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	TemporaryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	ErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	SuccessStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(8)

	PromptStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(lipgloss.Color("62"))
)

// StyleForStatus returns the lipgloss style for a section status.
func StyleForStatus(status phase.SectionStatus) lipgloss.Style {
	switch status {
	case phase.StatusActive:
		return ActiveStyle
	case phase.StatusCompleted:
		return CompletedStyle
	case phase.StatusError:
		return FailedStyle
	default:
		return PendingStyle
	}
}

// StatusIcon returns a bracket-style marker for a section status.
func StatusIcon(status phase.SectionStatus) string {
	switch status {
	case phase.StatusPending:
		return "[ ]"
	case phase.StatusActive:
		return "[~]"
	case phase.StatusCompleted:
		return "[*]"
	case phase.StatusError:
		return "[!]"
	default:
		return "[?]"
	}
}
