// ABOUTME: Phase Bubble Store holding the ordered bubbles of each job with change notifications.
// ABOUTME: Enforces one active bubble per (job, phase) and forward-only section status changes.
package phase

import (
	"sync"

	"github.com/2389-research/adcanvas/clock"
	"github.com/2389-research/adcanvas/ids"
	"github.com/2389-research/adcanvas/notify"
	"github.com/2389-research/adcanvas/pipeline"
)

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	clock   clock.Clock
	bubbles map[string]*Bubble
	byJob   map[string][]string // jobID -> bubble IDs in creation order

	changes *notify.Broadcaster[Change]
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for start and end timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:   clock.Real(),
		bubbles: make(map[string]*Bubble),
		byJob:   make(map[string][]string),
		changes: notify.New[Change](notify.DefaultBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe returns a channel receiving every change.
func (s *Store) Subscribe() chan Change { return s.changes.Subscribe() }

// Unsubscribe stops and closes a subscription.
func (s *Store) Unsubscribe(ch chan Change) { s.changes.Unsubscribe(ch) }

// CreateBubble creates a bubble for (phase, jobID) pre-populated with the phase's
// steps as pending sections. If an active bubble already exists for that pair its
// ID is returned and nothing is created.
func (s *Store) CreateBubble(ph pipeline.Phase, title, jobID string) string {
	s.mu.Lock()
	if existing := s.findActiveLocked(ph, jobID); existing != nil {
		id := existing.ID
		s.mu.Unlock()
		return id
	}

	if title == "" {
		title = ph.Title()
	}
	b := &Bubble{
		ID:        ids.New(),
		Phase:     ph,
		Title:     title,
		JobID:     jobID,
		StartTime: s.clock.Now(),
	}
	for _, step := range ph.Steps() {
		b.Sections = append(b.Sections, Section{
			ID:          ids.New(),
			Key:         step,
			Title:       pipeline.StepTitle(step),
			Description: pipeline.StepDescription(step),
			Status:      StatusPending,
		})
	}
	s.bubbles[b.ID] = b
	s.byJob[jobID] = append(s.byJob[jobID], b.ID)
	s.mu.Unlock()

	s.changes.Broadcast(Change{Kind: ChangeCreated, BubbleID: b.ID, JobID: jobID})
	return b.ID
}

// AddSection appends a section to a bubble. A section whose Key already exists in
// the bubble is not duplicated; the existing section's ID is returned.
func (s *Store) AddSection(bubbleID string, sec Section) (string, error) {
	s.mu.Lock()
	b, ok := s.bubbles[bubbleID]
	if !ok {
		s.mu.Unlock()
		return "", ErrBubbleNotFound
	}
	if sec.Key != "" {
		for _, existing := range b.Sections {
			if existing.Key == sec.Key {
				s.mu.Unlock()
				return existing.ID, nil
			}
		}
	}
	if sec.ID == "" {
		sec.ID = ids.New()
	}
	if sec.Status == "" {
		sec.Status = StatusPending
	}
	b.Sections = append(b.Sections, sec)
	jobID := b.JobID
	s.mu.Unlock()

	s.changes.Broadcast(Change{Kind: ChangeUpdated, BubbleID: bubbleID, JobID: jobID})
	return sec.ID, nil
}

// UpdateSection applies a partial update. A backward status change is rejected
// with a *TransitionError and leaves the section untouched.
func (s *Store) UpdateSection(bubbleID, sectionID string, upd SectionUpdate) error {
	s.mu.Lock()
	b, ok := s.bubbles[bubbleID]
	if !ok {
		s.mu.Unlock()
		return ErrBubbleNotFound
	}
	idx := -1
	for i := range b.Sections {
		if b.Sections[i].ID == sectionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrSectionNotFound
	}
	sec := &b.Sections[idx]

	if upd.Status != nil && !sec.Status.CanTransition(*upd.Status) {
		from := sec.Status
		s.mu.Unlock()
		return &TransitionError{SectionID: sectionID, From: from, To: *upd.Status}
	}

	now := s.clock.Now()
	if upd.Status != nil && *upd.Status != sec.Status {
		next := *upd.Status
		if next == StatusActive || (sec.StartedAt == nil && next.Terminal()) {
			sec.StartedAt = &now
		}
		if next.Terminal() {
			sec.EndedAt = &now
		}
		sec.Status = next
	}
	if upd.Title != nil {
		sec.Title = *upd.Title
	}
	if upd.Description != nil {
		sec.Description = *upd.Description
	}
	if upd.Data != nil {
		sec.Data = upd.Data
	}
	jobID := b.JobID
	s.mu.Unlock()

	s.changes.Broadcast(Change{Kind: ChangeUpdated, BubbleID: bubbleID, JobID: jobID})
	return nil
}

// SetProgress records a 0-100 progress value on a bubble.
func (s *Store) SetProgress(bubbleID string, pct float64) error {
	s.mu.Lock()
	b, ok := s.bubbles[bubbleID]
	if !ok {
		s.mu.Unlock()
		return ErrBubbleNotFound
	}
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	b.Progress = pct
	jobID := b.JobID
	s.mu.Unlock()

	s.changes.Broadcast(Change{Kind: ChangeUpdated, BubbleID: bubbleID, JobID: jobID})
	return nil
}

// CompleteBubble marks a bubble completed and stamps its end time. Active sections
// are completed with it. Completing an already-completed bubble is a no-op.
func (s *Store) CompleteBubble(bubbleID string) error {
	s.mu.Lock()
	b, ok := s.bubbles[bubbleID]
	if !ok {
		s.mu.Unlock()
		return ErrBubbleNotFound
	}
	if b.IsCompleted {
		s.mu.Unlock()
		return nil
	}
	now := s.clock.Now()
	for i := range b.Sections {
		if b.Sections[i].Status == StatusActive {
			b.Sections[i].Status = StatusCompleted
			b.Sections[i].EndedAt = &now
		}
	}
	b.IsCompleted = true
	b.EndTime = &now
	if b.Error == "" {
		b.Progress = 100
	}
	jobID := b.JobID
	s.mu.Unlock()

	s.changes.Broadcast(Change{Kind: ChangeCompleted, BubbleID: bubbleID, JobID: jobID})
	return nil
}

// FailBubble ends a bubble with an error: its active sections move to error and
// the bubble is closed with an end time. Already-closed bubbles are left alone.
func (s *Store) FailBubble(bubbleID, reason string) error {
	s.mu.Lock()
	b, ok := s.bubbles[bubbleID]
	if !ok {
		s.mu.Unlock()
		return ErrBubbleNotFound
	}
	if b.IsCompleted {
		s.mu.Unlock()
		return nil
	}
	now := s.clock.Now()
	for i := range b.Sections {
		if b.Sections[i].Status == StatusActive {
			b.Sections[i].Status = StatusError
			b.Sections[i].EndedAt = &now
		}
	}
	b.IsCompleted = true
	b.EndTime = &now
	b.Error = reason
	jobID := b.JobID
	s.mu.Unlock()

	s.changes.Broadcast(Change{Kind: ChangeFailed, BubbleID: bubbleID, JobID: jobID})
	return nil
}

// FindBubble returns the active (non-completed) bubble for the phase and job.
func (s *Store) FindBubble(ph pipeline.Phase, jobID string) (Bubble, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.findActiveLocked(ph, jobID)
	if b == nil {
		return Bubble{}, false
	}
	return b.clone(), true
}

// LatestBubble returns the most recently created bubble for the phase and job,
// active or not.
func (s *Store) LatestBubble(ph pipeline.Phase, jobID string) (Bubble, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byJob[jobID]
	for i := len(list) - 1; i >= 0; i-- {
		if b := s.bubbles[list[i]]; b.Phase == ph {
			return b.clone(), true
		}
	}
	return Bubble{}, false
}

// Bubble returns a copy of the bubble with the given ID.
func (s *Store) Bubble(id string) (Bubble, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bubbles[id]
	if !ok {
		return Bubble{}, false
	}
	return b.clone(), true
}

// Bubbles returns copies of a job's bubbles in creation order.
func (s *Store) Bubbles(jobID string) []Bubble {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byJob[jobID]
	out := make([]Bubble, 0, len(list))
	for _, id := range list {
		out = append(out, s.bubbles[id].clone())
	}
	return out
}

// ActiveBubbles returns copies of a job's non-completed bubbles.
func (s *Store) ActiveBubbles(jobID string) []Bubble {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Bubble
	for _, id := range s.byJob[jobID] {
		if b := s.bubbles[id]; !b.IsCompleted {
			out = append(out, b.clone())
		}
	}
	return out
}

// Reset drops every bubble of a job.
func (s *Store) Reset(jobID string) {
	s.mu.Lock()
	for _, id := range s.byJob[jobID] {
		delete(s.bubbles, id)
	}
	delete(s.byJob, jobID)
	s.mu.Unlock()

	s.changes.Broadcast(Change{Kind: ChangeReset, JobID: jobID})
}

func (s *Store) findActiveLocked(ph pipeline.Phase, jobID string) *Bubble {
	for _, id := range s.byJob[jobID] {
		b := s.bubbles[id]
		if b.Phase == ph && !b.IsCompleted {
			return b
		}
	}
	return nil
}
