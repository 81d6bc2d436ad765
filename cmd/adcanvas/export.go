// ABOUTME: Writes the current project to disk as Markdown, HTML, or a YAML snapshot.
// ABOUTME: The format is chosen from the output file extension.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/export"
	"github.com/2389-research/adcanvas/phase"
)

var errUnknownExport = errors.New("export path must end in .md, .html, .yaml, or .yml")

// exportSource is the part of *session.Session an export reads.
type exportSource interface {
	ProjectID() string
	JobID() string
	Transcript() *chat.Transcript
	Bubbles() *phase.Store
	Board() *canvas.Board
}

// renderExport renders the project in the format implied by path.
func renderExport(path string, s exportSource) (string, error) {
	title := "Project " + s.ProjectID()
	msgs := s.Transcript().Messages()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return export.TranscriptMarkdown(title, msgs), nil
	case ".html", ".htm":
		return export.HTMLPage(title, msgs)
	case ".yaml", ".yml":
		src := export.Source{
			ProjectID:  s.ProjectID(),
			JobID:      s.JobID(),
			Objects:    s.Board().Objects(),
			Transcript: msgs,
		}
		if src.JobID != "" {
			src.Bubbles = s.Bubbles().Bubbles(src.JobID)
		}
		return export.SnapshotYAML(src, time.Now())
	default:
		return "", fmt.Errorf("%w: %s", errUnknownExport, path)
	}
}

// writeExport renders and writes the export file.
func writeExport(path string, s exportSource) error {
	out, err := renderExport(path, s)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
