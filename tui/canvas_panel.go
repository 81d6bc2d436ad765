// ABOUTME: Bubble Tea sub-model summarizing the canvas: object count and the most recent placements.
// ABOUTME: Each row shows position, size, and the unproxied source of a placed image.
package tui

import (
	"fmt"
	"strings"

	"github.com/2389-research/adcanvas/canvas"
)

const canvasRows = 6

// CanvasPanelModel displays what the materializer has placed.
type CanvasPanelModel struct {
	objects []canvas.Object
	width   int
	height  int
}

// NewCanvasPanelModel creates an empty canvas panel.
func NewCanvasPanelModel() CanvasPanelModel {
	return CanvasPanelModel{}
}

// SetObjects replaces the rendered objects.
func (m *CanvasPanelModel) SetObjects(objs []canvas.Object) {
	m.objects = objs
}

// SetSize sets the available dimensions.
func (m *CanvasPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// View renders the canvas summary.
func (m CanvasPanelModel) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("CANVAS (%d)", len(m.objects))))

	start := 0
	if len(m.objects) > canvasRows {
		start = len(m.objects) - canvasRows
		b.WriteString("\n" + PendingStyle.Render(fmt.Sprintf("… %d earlier", start)))
	}
	for _, o := range m.objects[start:] {
		b.WriteString("\n")
		pos := LabelStyle.Render(fmt.Sprintf("%.0f,%.0f", o.X, o.Y))
		size := fmt.Sprintf("%.0fx%.0f", o.Width, o.Height)
		src := o.Origin()
		if o.Placeholder {
			src = PendingStyle.Render(src + " (placeholder)")
		}
		b.WriteString(pos + " " + size + " " + src)
	}

	if m.width <= 2 || m.height <= 2 {
		return BorderStyle.Render(b.String())
	}
	return BorderStyle.Width(m.width - 2).Height(m.height - 2).Render(b.String())
}
