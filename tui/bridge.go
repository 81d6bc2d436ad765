// ABOUTME: Bridge connecting a session's update feed to the Bubble Tea message loop.
// ABOUTME: Provides the Session interface the TUI drives and tea.Cmd factories for generate and cancel.
package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/phase"
	"github.com/2389-research/adcanvas/session"
	"github.com/2389-research/adcanvas/stream"
)

// Session is the part of *session.Session the TUI uses.
type Session interface {
	Generate(ctx context.Context, productURL string, nImages int) (string, error)
	Cancel(ctx context.Context) bool
	Processing() bool
	JobID() string
	ProjectID() string
	Transcript() *chat.Transcript
	Bubbles() *phase.Store
	Board() *canvas.Board
	StreamState() stream.State
}

var _ Session = (*session.Session)(nil)

// Bridge wraps a tea.Program's Send method for injecting session updates
// into the Bubble Tea message loop.
type Bridge struct {
	send func(msg tea.Msg)
}

// NewBridge creates a Bridge that sends messages via the given function.
// Typically called with program.Send as the argument.
func NewBridge(send func(msg tea.Msg)) *Bridge {
	return &Bridge{send: send}
}

// Forward relays updates until the channel closes or ctx is done.
// A SessionClosedMsg is sent when the channel closes.
func (b *Bridge) Forward(ctx context.Context, updates <-chan session.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				b.send(SessionClosedMsg{})
				return
			}
			b.send(SessionUpdateMsg{Update: u})
		}
	}
}

// GenerateCmd returns a tea.Cmd that submits a job and reports the result.
func GenerateCmd(ctx context.Context, s Session, productURL string, nImages int) tea.Cmd {
	return func() tea.Msg {
		jobID, err := s.Generate(ctx, productURL, nImages)
		return GenerateResultMsg{JobID: jobID, Err: err}
	}
}

// CancelCmd returns a tea.Cmd that cancels the running job.
func CancelCmd(ctx context.Context, s Session) tea.Cmd {
	return func() tea.Msg {
		return CancelResultMsg{Cancelled: s.Cancel(ctx)}
	}
}
