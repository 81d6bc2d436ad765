// ABOUTME: Phase bubble and section types with forward-only section status transitions.
// ABOUTME: A bubble is one pipeline phase of one job; sections are its ordered sub-steps.
package phase

import (
	"time"

	"github.com/2389-research/adcanvas/pipeline"
)

// SectionStatus is the lifecycle state of a section.
type SectionStatus string

const (
	StatusPending   SectionStatus = "pending"
	StatusActive    SectionStatus = "active"
	StatusCompleted SectionStatus = "completed"
	StatusError     SectionStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s SectionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether moving from s to next keeps the status sequence
// a subsequence of pending→active→completed or pending→active→error.
// Staying on the same status is allowed and is a no-op.
func (s SectionStatus) CanTransition(next SectionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusCompleted || next == StatusError
	case StatusActive:
		return next == StatusCompleted || next == StatusError
	default:
		return false
	}
}

// Section is a sub-step inside a bubble.
type Section struct {
	ID          string
	Key         string // pipeline step key, e.g. "page_scrape"
	Title       string
	Description string
	Status      SectionStatus
	Data        any
	StartedAt   *time.Time
	EndedAt     *time.Time
}

// Bubble is the state of one pipeline phase for one job.
type Bubble struct {
	ID          string
	Phase       pipeline.Phase
	Title       string
	JobID       string
	StartTime   time.Time
	EndTime     *time.Time
	Sections    []Section
	IsCompleted bool
	Error       string
	Progress    float64
}

// Section returns the section with the given key.
func (b Bubble) Section(key string) (Section, bool) {
	for _, s := range b.Sections {
		if s.Key == key {
			return s, true
		}
	}
	return Section{}, false
}

// Duration returns how long the bubble has been or was active.
func (b Bubble) Duration(now time.Time) time.Duration {
	if b.EndTime != nil {
		return b.EndTime.Sub(b.StartTime)
	}
	return now.Sub(b.StartTime)
}

func (b *Bubble) clone() Bubble {
	out := *b
	out.Sections = append([]Section(nil), b.Sections...)
	if b.EndTime != nil {
		end := *b.EndTime
		out.EndTime = &end
	}
	return out
}

// SectionUpdate is a partial update; nil fields are left unchanged.
type SectionUpdate struct {
	Status      *SectionStatus
	Title       *string
	Description *string
	Data        any
}

// ChangeKind describes what happened to a bubble.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeCompleted ChangeKind = "completed"
	ChangeFailed    ChangeKind = "failed"
	ChangeReset     ChangeKind = "reset"
)

// Change is broadcast to subscribers after every mutation.
type Change struct {
	Kind     ChangeKind
	BubbleID string
	JobID    string
}
