// ABOUTME: Ordered chat transcript with change notifications and local-to-server ID replacement.
// ABOUTME: Temporary status messages can be expired; persisted IDs replace local ones without duplication.
package chat

import (
	"sync"
	"time"

	"github.com/2389-research/adcanvas/notify"
)

// ChangeKind describes a transcript mutation.
type ChangeKind string

const (
	ChangeAppended ChangeKind = "appended"
	ChangeReplaced ChangeKind = "replaced"
	ChangeRemoved  ChangeKind = "removed"
	ChangeCleared  ChangeKind = "cleared"
)

// Change is broadcast after each transcript mutation.
type Change struct {
	Kind    ChangeKind
	Message Message
	OldID   string // set on ChangeReplaced
}

// Transcript is safe for concurrent use.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
	changes  *notify.Broadcaster[Change]
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{changes: notify.New[Change](notify.DefaultBuffer)}
}

// Subscribe returns a channel receiving transcript changes.
func (t *Transcript) Subscribe() chan Change { return t.changes.Subscribe() }

// Unsubscribe stops a subscription.
func (t *Transcript) Unsubscribe(ch chan Change) { t.changes.Unsubscribe(ch) }

// Append adds a message to the end of the transcript. A message whose ID is
// already present is ignored.
func (t *Transcript) Append(m Message) bool {
	t.mu.Lock()
	if t.indexLocked(m.ID) >= 0 {
		t.mu.Unlock()
		return false
	}
	t.messages = append(t.messages, m)
	t.mu.Unlock()

	t.changes.Broadcast(Change{Kind: ChangeAppended, Message: m})
	return true
}

// Load replaces the transcript contents, e.g. after reading persisted history.
func (t *Transcript) Load(msgs []Message) {
	t.mu.Lock()
	t.messages = append([]Message(nil), msgs...)
	t.mu.Unlock()
	t.changes.Broadcast(Change{Kind: ChangeCleared})
}

// ReplaceID swaps a local ID for the persisted message. If the persisted ID is
// already in the transcript, the local entry is dropped instead so the message
// never appears twice.
func (t *Transcript) ReplaceID(localID string, persisted Message) bool {
	t.mu.Lock()
	idx := t.indexLocked(localID)
	if idx < 0 {
		t.mu.Unlock()
		return false
	}
	if dup := t.indexLocked(persisted.ID); dup >= 0 && dup != idx {
		t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
		t.mu.Unlock()
		t.changes.Broadcast(Change{Kind: ChangeRemoved, Message: persisted, OldID: localID})
		return true
	}
	t.messages[idx].ID = persisted.ID
	if !persisted.Timestamp.IsZero() {
		t.messages[idx].Timestamp = persisted.Timestamp
	}
	updated := t.messages[idx]
	t.mu.Unlock()

	t.changes.Broadcast(Change{Kind: ChangeReplaced, Message: updated, OldID: localID})
	return true
}

// ExpireTemporary removes temporary messages older than ttl.
func (t *Transcript) ExpireTemporary(now time.Time, ttl time.Duration) int {
	t.mu.Lock()
	var removed []Message
	kept := t.messages[:0]
	for _, m := range t.messages {
		if m.IsTemporary && now.Sub(m.Timestamp) >= ttl {
			removed = append(removed, m)
			continue
		}
		kept = append(kept, m)
	}
	t.messages = kept
	t.mu.Unlock()

	for _, m := range removed {
		t.changes.Broadcast(Change{Kind: ChangeRemoved, Message: m})
	}
	return len(removed)
}

// Messages returns a copy of the transcript in display order.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.messages...)
}

// Last returns the most recent message.
func (t *Transcript) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Clear empties the transcript.
func (t *Transcript) Clear() {
	t.mu.Lock()
	t.messages = nil
	t.mu.Unlock()
	t.changes.Broadcast(Change{Kind: ChangeCleared})
}

func (t *Transcript) indexLocked(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}
