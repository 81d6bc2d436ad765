// ABOUTME: Tests for the phase bubble store.
// ABOUTME: Covers create-vs-update, section monotonicity, completion idempotency, failure, and notifications.
package phase

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/2389-research/adcanvas/clock"
	"github.com/2389-research/adcanvas/pipeline"
)

func newTestStore() (*Store, *clock.Fake) {
	c := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewStore(WithClock(c)), c
}

func status(s SectionStatus) *SectionStatus { return &s }

func TestCreateBubbleReturnsExistingActive(t *testing.T) {
	s, _ := newTestStore()
	first := s.CreateBubble(pipeline.PhaseResearch, "", "J1")
	for i := 0; i < 5; i++ {
		if again := s.CreateBubble(pipeline.PhaseResearch, "", "J1"); again != first {
			t.Fatalf("CreateBubble duplicate: got %s, want %s", again, first)
		}
	}
	if n := len(s.Bubbles("J1")); n != 1 {
		t.Fatalf("bubbles = %d, want 1", n)
	}

	other := s.CreateBubble(pipeline.PhaseResearch, "", "J2")
	if other == first {
		t.Error("different job shared a bubble")
	}
}

func TestCreateBubbleAfterCompletionStartsFresh(t *testing.T) {
	s, _ := newTestStore()
	first := s.CreateBubble(pipeline.PhasePlan, "", "J1")
	if err := s.CompleteBubble(first); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.FindBubble(pipeline.PhasePlan, "J1"); ok {
		t.Fatal("FindBubble returned a completed bubble")
	}
	second := s.CreateBubble(pipeline.PhasePlan, "", "J1")
	if second == first {
		t.Fatal("completed bubble was reused")
	}
	latest, ok := s.LatestBubble(pipeline.PhasePlan, "J1")
	if !ok || latest.ID != second {
		t.Errorf("LatestBubble = %s, want %s", latest.ID, second)
	}
}

func TestBubblePrepopulatedSections(t *testing.T) {
	s, _ := newTestStore()
	id := s.CreateBubble(pipeline.PhaseProductAnalysis, "", "J1")
	b, _ := s.Bubble(id)
	if b.Title != "Product Analysis" {
		t.Errorf("title = %q", b.Title)
	}
	if len(b.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(b.Sections))
	}
	for _, sec := range b.Sections {
		if sec.Status != StatusPending {
			t.Errorf("section %s status = %s, want pending", sec.Key, sec.Status)
		}
	}
	if _, ok := b.Section("image_extraction"); !ok {
		t.Error("missing image_extraction section")
	}
}

func TestAddSectionDeduplicatesByKey(t *testing.T) {
	s, _ := newTestStore()
	id := s.CreateBubble(pipeline.PhaseResearch, "", "J1")
	b, _ := s.Bubble(id)
	existing := b.Sections[0].ID

	got, err := s.AddSection(id, Section{Key: "research", Title: "again"})
	if err != nil {
		t.Fatal(err)
	}
	if got != existing {
		t.Errorf("AddSection duplicate key returned %s, want %s", got, existing)
	}

	extra, err := s.AddSection(id, Section{Key: "competitors", Title: "Competitors"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ = s.Bubble(id)
	if len(b.Sections) != 2 || b.Sections[1].ID != extra || b.Sections[1].Status != StatusPending {
		t.Errorf("sections = %+v", b.Sections)
	}

	if _, err := s.AddSection("nope", Section{}); !errors.Is(err, ErrBubbleNotFound) {
		t.Errorf("err = %v, want ErrBubbleNotFound", err)
	}
}

func TestUpdateSectionRejectsBackwardTransitions(t *testing.T) {
	s, clk := newTestStore()
	id := s.CreateBubble(pipeline.PhaseResearch, "", "J1")
	b, _ := s.Bubble(id)
	sec := b.Sections[0].ID

	if err := s.UpdateSection(id, sec, SectionUpdate{Status: status(StatusActive)}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)
	if err := s.UpdateSection(id, sec, SectionUpdate{Status: status(StatusCompleted), Data: map[string]any{"k": 1}}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateSection(id, sec, SectionUpdate{Status: status(StatusActive)})
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransitionError", err)
	}
	if te.From != StatusCompleted || te.To != StatusActive {
		t.Errorf("transition error = %+v", te)
	}

	b, _ = s.Bubble(id)
	got := b.Sections[0]
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.StartedAt == nil || got.EndedAt == nil || got.EndedAt.Sub(*got.StartedAt) != 2*time.Second {
		t.Errorf("timestamps = %v..%v", got.StartedAt, got.EndedAt)
	}
	if got.Data == nil {
		t.Error("data not recorded")
	}

	if err := s.UpdateSection(id, "missing", SectionUpdate{}); !errors.Is(err, ErrSectionNotFound) {
		t.Errorf("err = %v, want ErrSectionNotFound", err)
	}
}

func TestSectionStatusNeverMovesBackward(t *testing.T) {
	all := []SectionStatus{StatusPending, StatusActive, StatusCompleted, StatusError}
	rank := map[SectionStatus]int{StatusPending: 0, StatusActive: 1, StatusCompleted: 2, StatusError: 2}
	rng := rand.New(rand.NewPCG(1, 2))

	for trial := 0; trial < 200; trial++ {
		s, _ := newTestStore()
		id := s.CreateBubble(pipeline.PhaseAdCreation, "", "J1")
		b, _ := s.Bubble(id)
		sec := b.Sections[0].ID

		observed := []SectionStatus{StatusPending}
		for step := 0; step < 8; step++ {
			next := all[rng.IntN(len(all))]
			_ = s.UpdateSection(id, sec, SectionUpdate{Status: &next})
			cur, _ := s.Bubble(id)
			st := cur.Sections[0].Status
			if st != observed[len(observed)-1] {
				observed = append(observed, st)
			}
		}
		for i := 1; i < len(observed); i++ {
			if rank[observed[i]] <= rank[observed[i-1]] {
				t.Fatalf("trial %d: status sequence went backward: %v", trial, observed)
			}
		}
	}
}

func TestCompleteBubbleIdempotent(t *testing.T) {
	s, clk := newTestStore()
	id := s.CreateBubble(pipeline.PhaseResearch, "", "J1")
	b, _ := s.Bubble(id)
	_ = s.UpdateSection(id, b.Sections[0].ID, SectionUpdate{Status: status(StatusActive)})

	clk.Advance(time.Second)
	if err := s.CompleteBubble(id); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Bubble(id)
	clk.Advance(time.Minute)
	if err := s.CompleteBubble(id); err != nil {
		t.Fatalf("second CompleteBubble: %v", err)
	}
	second, _ := s.Bubble(id)

	if !second.IsCompleted || second.EndTime == nil || !second.EndTime.Equal(*first.EndTime) {
		t.Errorf("end time moved: %v -> %v", first.EndTime, second.EndTime)
	}
	if second.Sections[0].Status != StatusCompleted {
		t.Errorf("active section not completed: %s", second.Sections[0].Status)
	}
	if second.Progress != 100 {
		t.Errorf("progress = %v, want 100", second.Progress)
	}
	if second.Duration(clk.Now()) != time.Second {
		t.Errorf("duration = %v, want 1s", second.Duration(clk.Now()))
	}
	if err := s.CompleteBubble("missing"); !errors.Is(err, ErrBubbleNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestFailBubbleMarksActiveSectionsErrored(t *testing.T) {
	s, _ := newTestStore()
	id := s.CreateBubble(pipeline.PhaseCreativeStrategy, "", "J1")
	b, _ := s.Bubble(id)
	_ = s.UpdateSection(id, b.Sections[0].ID, SectionUpdate{Status: status(StatusActive)})

	if err := s.FailBubble(id, "model overloaded"); err != nil {
		t.Fatal(err)
	}
	b, _ = s.Bubble(id)
	if !b.IsCompleted || b.Error != "model overloaded" || b.EndTime == nil {
		t.Errorf("bubble = %+v", b)
	}
	if b.Sections[0].Status != StatusError {
		t.Errorf("active section = %s, want error", b.Sections[0].Status)
	}
	if b.Sections[1].Status != StatusPending {
		t.Errorf("pending section = %s, want pending", b.Sections[1].Status)
	}
	if len(s.ActiveBubbles("J1")) != 0 {
		t.Error("failed bubble still active")
	}
}

func TestStoreBroadcastsChanges(t *testing.T) {
	s, _ := newTestStore()
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	id := s.CreateBubble(pipeline.PhasePlan, "", "J1")
	_ = s.SetProgress(id, 50)
	_ = s.CompleteBubble(id)
	s.Reset("J1")

	want := []ChangeKind{ChangeCreated, ChangeUpdated, ChangeCompleted, ChangeReset}
	for i, k := range want {
		select {
		case c := <-ch:
			if c.Kind != k || c.JobID != "J1" {
				t.Errorf("change %d = %+v, want kind %s", i, c, k)
			}
		default:
			t.Fatalf("missing change %d (%s)", i, k)
		}
	}
	if len(s.Bubbles("J1")) != 0 {
		t.Error("Reset left bubbles behind")
	}
}

func TestBubbleCopiesAreIsolated(t *testing.T) {
	s, _ := newTestStore()
	id := s.CreateBubble(pipeline.PhaseResearch, "", "J1")
	b, _ := s.Bubble(id)
	b.Sections[0].Status = StatusError
	again, _ := s.Bubble(id)
	if again.Sections[0].Status != StatusPending {
		t.Error("mutating a copy changed the store")
	}
}
