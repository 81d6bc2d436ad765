// ABOUTME: Tests for the chat transcript.
// ABOUTME: Covers append dedup, persisted ID replacement without duplicates, and temporary expiry.
package chat

import (
	"testing"
	"time"
)

func TestAppendIgnoresDuplicateIDs(t *testing.T) {
	tr := NewTranscript()
	m := NewLocalMessage(RoleUser, TypeText, "hi")
	if !tr.Append(m) {
		t.Fatal("first append rejected")
	}
	if tr.Append(m) {
		t.Fatal("duplicate append accepted")
	}
	if tr.Len() != 1 {
		t.Errorf("len = %d, want 1", tr.Len())
	}
}

func TestReplaceIDSwapsLocalID(t *testing.T) {
	tr := NewTranscript()
	ch := tr.Subscribe()
	defer tr.Unsubscribe(ch)

	m := NewLocalMessage(RoleAssistant, TypeText, "working")
	tr.Append(m)
	<-ch

	persisted := m
	persisted.ID = "01JSERVER"
	if !tr.ReplaceID(m.ID, persisted) {
		t.Fatal("ReplaceID returned false")
	}
	got := tr.Messages()
	if len(got) != 1 || got[0].ID != "01JSERVER" || got[0].IsLocal() {
		t.Errorf("messages = %+v", got)
	}
	c := <-ch
	if c.Kind != ChangeReplaced || c.OldID != m.ID {
		t.Errorf("change = %+v", c)
	}

	if tr.ReplaceID(m.ID, persisted) {
		t.Error("second ReplaceID with stale local ID succeeded")
	}
}

func TestReplaceIDDropsLocalWhenPersistedAlreadyPresent(t *testing.T) {
	tr := NewTranscript()
	server := Message{ID: "01JSERVER", Role: RoleAssistant, Type: TypeText, Content: "x"}
	tr.Append(server)
	local := NewLocalMessage(RoleAssistant, TypeText, "x")
	tr.Append(local)

	tr.ReplaceID(local.ID, server)
	got := tr.Messages()
	if len(got) != 1 || got[0].ID != "01JSERVER" {
		t.Errorf("messages = %+v", got)
	}
}

func TestExpireTemporary(t *testing.T) {
	tr := NewTranscript()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	status := NewLocalMessage(RoleAssistant, TypeTemporaryStatus, "reconnecting")
	status.Timestamp = now.Add(-10 * time.Second)
	fresh := NewLocalMessage(RoleAssistant, TypeTemporaryStatus, "still here")
	fresh.Timestamp = now
	text := NewLocalMessage(RoleAssistant, TypeText, "keep")
	text.Timestamp = now.Add(-time.Hour)

	tr.Append(status)
	tr.Append(text)
	tr.Append(fresh)

	if n := tr.ExpireTemporary(now, 5*time.Second); n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	got := tr.Messages()
	if len(got) != 2 || got[0].ID != text.ID || got[1].ID != fresh.ID {
		t.Errorf("messages = %+v", got)
	}
	if !status.IsTemporary || status.Persistable() {
		t.Error("temporary status should not be persistable")
	}
}

func TestLastAndClear(t *testing.T) {
	tr := NewTranscript()
	if _, ok := tr.Last(); ok {
		t.Error("Last on empty transcript returned ok")
	}
	tr.Append(NewLocalMessage(RoleUser, TypeText, "a"))
	b := NewLocalMessage(RoleUser, TypeText, "b")
	tr.Append(b)
	if last, _ := tr.Last(); last.ID != b.ID {
		t.Errorf("Last = %s, want %s", last.ID, b.ID)
	}
	tr.Clear()
	if tr.Len() != 0 {
		t.Error("Clear left messages")
	}
}
