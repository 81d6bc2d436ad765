// ABOUTME: Top-level Bubble Tea AppModel that composes the pipeline, chat, canvas, prompt, and status panels.
// ABOUTME: Implements tea.Model and pulls fresh state from the session on every update notification.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/adcanvas/session"
)

// AppModel is the top-level Bubble Tea model for one session.
type AppModel struct {
	phases     PhasePanelModel
	transcript TranscriptPanelModel
	canvas     CanvasPanelModel
	prompt     PromptModel
	statusBar  StatusBarModel

	sess    Session
	ctx     context.Context
	nImages int

	notice string // last submit error, cleared on the next submit
	width  int
	height int
}

// NewAppModel creates an AppModel bound to s. nImages of zero lets the backend choose.
func NewAppModel(ctx context.Context, s Session, nImages int) AppModel {
	m := AppModel{
		phases:     NewPhasePanelModel(),
		transcript: NewTranscriptPanelModel(),
		canvas:     NewCanvasPanelModel(),
		prompt:     NewPromptModel(),
		statusBar:  NewStatusBarModel(s.ProjectID()),
		sess:       s,
		ctx:        ctx,
		nImages:    nImages,
	}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m AppModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.phases.Tick())
}

// Update implements tea.Model.
func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.prompt.SetWidth(msg.Width)
		return m, nil

	case SessionUpdateMsg:
		m.refresh()
		return m, nil

	case SessionClosedMsg:
		return m, tea.Quit

	case GenerateResultMsg:
		return m.handleGenerateResult(msg)

	case CancelResultMsg:
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.phases, cmd = m.phases.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	}
	return m, nil
}

// View implements tea.Model.
func (m AppModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.width < 40 || m.height < 12 {
		return fmt.Sprintf("Terminal too small (%dx%d). Minimum: 40x12.", m.width, m.height)
	}

	m.phases.SetWidth(m.width)
	m.statusBar.SetWidth(m.width)
	phasesView := m.phases.View()
	promptView := m.prompt.View()

	used := lipgloss.Height(phasesView) + lipgloss.Height(promptView) + 1
	if m.notice != "" {
		used++
	}
	bottom := m.height - used
	if bottom < 4 {
		bottom = 4
	}
	canvasWidth := m.width * 40 / 100
	m.transcript.SetSize(m.width-canvasWidth, bottom)
	m.canvas.SetSize(canvasWidth, bottom)

	var b strings.Builder
	b.WriteString(phasesView)
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.transcript.View(), m.canvas.View()))
	b.WriteString("\n")
	b.WriteString(promptView)
	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render(m.notice))
	}
	b.WriteString("\n")
	b.WriteString(m.statusBar.View())
	return b.String()
}

// refresh pulls the current session state into the panels.
func (m *AppModel) refresh() {
	processing := m.sess.Processing()
	m.prompt.SetLocked(processing)
	m.transcript.SetMessages(m.sess.Transcript().Messages())
	if jobID := m.sess.JobID(); jobID != "" {
		m.phases.SetBubbles(m.sess.Bubbles().Bubbles(jobID))
	} else {
		m.phases.SetBubbles(nil)
	}
	m.canvas.SetObjects(m.sess.Board().Objects())
	m.statusBar.SetState(m.sess.StreamState())
	if !processing {
		m.statusBar.Stop()
	}
}

func (m AppModel) handleGenerateResult(msg GenerateResultMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.Err == nil:
		m.statusBar.Start(msg.JobID)
	case errors.Is(msg.Err, session.ErrSuperseded):
	default:
		m.notice = msg.Err.Error()
	}
	m.refresh()
	return m, nil
}

func (m AppModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if m.sess.Processing() {
			return m, tea.Sequence(CancelCmd(m.ctx, m.sess), tea.Quit)
		}
		return m, tea.Quit

	case "ctrl+x":
		if !m.sess.Processing() {
			return m, nil
		}
		return m, CancelCmd(m.ctx, m.sess)

	case "enter":
		if m.sess.Processing() {
			return m, nil
		}
		url := m.prompt.Submit()
		if url == "" {
			return m, nil
		}
		m.notice = ""
		m.prompt.SetLocked(true)
		return m, GenerateCmd(m.ctx, m.sess, url, m.nImages)

	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.transcript, cmd = m.transcript.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.prompt, cmd = m.prompt.Update(msg)
	return m, cmd
}
