// ABOUTME: Exports a project snapshot (phase bubbles, canvas objects, transcript) as YAML.
// ABOUTME: Uses gopkg.in/yaml.v3 with snake_case keys and phase order for bubbles.
package export

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/phase"
)

// YamlSection is one sub-step of a bubble.
type YamlSection struct {
	Key         string `yaml:"key"`
	Title       string `yaml:"title"`
	Description string `yaml:"description,omitempty"`
	Status      string `yaml:"status"`
}

// YamlBubble is one pipeline phase of the exported job.
type YamlBubble struct {
	Phase     string        `yaml:"phase"`
	Title     string        `yaml:"title"`
	Completed bool          `yaml:"completed"`
	Error     string        `yaml:"error,omitempty"`
	Progress  float64       `yaml:"progress,omitempty"`
	Duration  string        `yaml:"duration,omitempty"`
	Sections  []YamlSection `yaml:"sections"`
}

// YamlObject is one placed image.
type YamlObject struct {
	ID          string  `yaml:"id"`
	Src         string  `yaml:"src"`
	X           float64 `yaml:"x"`
	Y           float64 `yaml:"y"`
	Width       float64 `yaml:"width"`
	Height      float64 `yaml:"height"`
	Placeholder bool    `yaml:"placeholder,omitempty"`
	JobID       string  `yaml:"job_id,omitempty"`
}

// YamlMessage is one persisted transcript entry.
type YamlMessage struct {
	ID        string   `yaml:"id"`
	Role      string   `yaml:"role"`
	Type      string   `yaml:"type"`
	Content   string   `yaml:"content"`
	Timestamp string   `yaml:"timestamp,omitempty"`
	Images    []string `yaml:"images,omitempty"`
}

// Snapshot is the top-level YAML document.
type Snapshot struct {
	Project    string        `yaml:"project"`
	JobID      string        `yaml:"job_id,omitempty"`
	ExportedAt string        `yaml:"exported_at"`
	Bubbles    []YamlBubble  `yaml:"bubbles"`
	Canvas     []YamlObject  `yaml:"canvas"`
	Transcript []YamlMessage `yaml:"transcript"`
}

// Source is the live state a snapshot is built from.
type Source struct {
	ProjectID  string
	JobID      string
	Bubbles    []phase.Bubble
	Objects    []canvas.Object
	Transcript []chat.Message
}

// BuildSnapshot converts live state into its serializable form.
// Bubbles are ordered by phase; temporary messages are dropped.
func BuildSnapshot(src Source, now time.Time) Snapshot {
	snap := Snapshot{
		Project:    src.ProjectID,
		JobID:      src.JobID,
		ExportedAt: now.UTC().Format(time.RFC3339),
		Bubbles:    []YamlBubble{},
		Canvas:     []YamlObject{},
		Transcript: []YamlMessage{},
	}

	bubbles := append([]phase.Bubble(nil), src.Bubbles...)
	sort.SliceStable(bubbles, func(i, j int) bool {
		return bubbles[i].Phase.Index() < bubbles[j].Phase.Index()
	})
	for _, b := range bubbles {
		yb := YamlBubble{
			Phase:     string(b.Phase),
			Title:     b.Title,
			Completed: b.IsCompleted,
			Error:     b.Error,
			Progress:  b.Progress,
			Sections:  make([]YamlSection, 0, len(b.Sections)),
		}
		if b.EndTime != nil {
			yb.Duration = b.Duration(now).Round(time.Millisecond).String()
		}
		for _, s := range b.Sections {
			yb.Sections = append(yb.Sections, YamlSection{
				Key:         s.Key,
				Title:       s.Title,
				Description: s.Description,
				Status:      string(s.Status),
			})
		}
		snap.Bubbles = append(snap.Bubbles, yb)
	}

	for _, o := range src.Objects {
		snap.Canvas = append(snap.Canvas, YamlObject{
			ID:          o.ID,
			Src:         o.Origin(),
			X:           o.X,
			Y:           o.Y,
			Width:       o.Width,
			Height:      o.Height,
			Placeholder: o.Placeholder,
			JobID:       o.JobID,
		})
	}

	for _, m := range src.Transcript {
		if !m.Persistable() {
			continue
		}
		ym := YamlMessage{
			ID:      m.ID,
			Role:    string(m.Role),
			Type:    string(m.Type),
			Content: m.Content,
			Images:  m.ImageURLs,
		}
		if !m.Timestamp.IsZero() {
			ym.Timestamp = m.Timestamp.UTC().Format(time.RFC3339)
		}
		snap.Transcript = append(snap.Transcript, ym)
	}
	return snap
}

// SnapshotYAML serializes live state as a YAML document.
func SnapshotYAML(src Source, now time.Time) (string, error) {
	snap := BuildSnapshot(src, now)
	data, err := yaml.Marshal(&snap)
	if err != nil {
		return "", fmt.Errorf("yaml marshal: %w", err)
	}
	return string(data), nil
}
