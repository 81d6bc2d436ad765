// ABOUTME: Bubble Tea message types used in the TUI message loop.
// ABOUTME: Each type wraps a session notification or command result for the tea.Msg interface.
package tui

import (
	"github.com/2389-research/adcanvas/session"
)

// SessionUpdateMsg wraps a session.Update for the Bubble Tea message loop.
type SessionUpdateMsg struct {
	Update session.Update
}

// SessionClosedMsg signals that the update feed ended.
type SessionClosedMsg struct{}

// GenerateResultMsg reports the outcome of a submit.
type GenerateResultMsg struct {
	JobID string
	Err   error
}

// CancelResultMsg reports whether a cancel stopped a running job.
type CancelResultMsg struct {
	Cancelled bool
}
