// ABOUTME: Tests for the persistence outbox and its restart journal.
// ABOUTME: Uses a flaky adapter to exercise retry, drop-on-permanent-error, callback, and replay behavior.
package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/retry"
)

// flakyAdapter fails the first failures calls to SaveMessage, then delegates.
type flakyAdapter struct {
	*Memory
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakyAdapter) SaveMessage(ctx context.Context, projectID string, msg chat.Message) (chat.Message, error) {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		err := f.err
		f.mu.Unlock()
		return chat.Message{}, err
	}
	f.mu.Unlock()
	return f.Memory.SaveMessage(ctx, projectID, msg)
}

func (f *flakyAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastPolicy() retry.Policy {
	return retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2}
}

func newTestOutbox(t *testing.T, a Adapter, opts ...OutboxOption) *Outbox {
	t.Helper()
	opts = append([]OutboxOption{WithRetryPolicy(fastPolicy()), WithRateLimit(1000, 100)}, opts...)
	o := NewOutbox(a, opts...)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func flush(t *testing.T, o *Outbox) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestOutboxRetriesUntilSaved(t *testing.T) {
	adapter := &flakyAdapter{Memory: NewMemory(), failures: 3, err: errors.New("connection refused")}

	var mu sync.Mutex
	replaced := map[string]string{}
	o := newTestOutbox(t, adapter, WithOnMessageSaved(func(localID string, saved chat.Message) {
		mu.Lock()
		replaced[localID] = saved.ID
		mu.Unlock()
	}))

	msg := textMessage("hello", time.Now())
	if !o.SaveMessage("p1", msg) {
		t.Fatal("SaveMessage should enqueue")
	}
	flush(t, o)

	if got := adapter.Calls(); got != 4 {
		t.Errorf("adapter calls = %d, want 4", got)
	}
	stored, _ := adapter.LoadMessages(context.Background(), "p1")
	if len(stored) != 1 {
		t.Fatalf("stored %d messages, want 1", len(stored))
	}
	mu.Lock()
	defer mu.Unlock()
	if replaced[msg.ID] != stored[0].ID {
		t.Errorf("callback mapped %q to %q, want %q", msg.ID, replaced[msg.ID], stored[0].ID)
	}
}

func TestOutboxSkipsTemporaryMessages(t *testing.T) {
	adapter := &flakyAdapter{Memory: NewMemory()}
	o := newTestOutbox(t, adapter)

	status := chat.NewLocalMessage(chat.RoleAssistant, chat.TypeTemporaryStatus, "Processing…")
	if o.SaveMessage("p1", status) {
		t.Fatal("temporary message should not be queued")
	}
	if o.Pending() != 0 {
		t.Errorf("pending = %d, want 0", o.Pending())
	}
	flush(t, o)
	if adapter.Calls() != 0 {
		t.Errorf("adapter calls = %d, want 0", adapter.Calls())
	}
}

func TestOutboxDropsPermanentFailures(t *testing.T) {
	adapter := &flakyAdapter{Memory: NewMemory(), failures: 1, err: retry.Permanent(errors.New("schema mismatch"))}
	o := newTestOutbox(t, adapter)

	o.SaveMessage("p1", textMessage("lost", time.Now()))
	o.SaveMessage("p1", textMessage("kept", time.Now()))
	flush(t, o)

	stored, _ := adapter.LoadMessages(context.Background(), "p1")
	if len(stored) != 1 || stored[0].Content != "kept" {
		t.Fatalf("stored = %+v, want only the second message", stored)
	}
}

func TestOutboxDropsUpdateOfMissingObject(t *testing.T) {
	mem := NewMemory()
	o := newTestOutbox(t, mem)

	o.UpdateObject("p1", canvas.Object{ID: "ghost"})
	o.SaveObject("p1", canvas.Object{ID: "real", Src: "a.png"})
	flush(t, o)

	objs, _ := mem.LoadCanvasObjects(context.Background(), "p1")
	if len(objs) != 1 || objs[0].ID != "real" {
		t.Fatalf("objects = %+v", objs)
	}
}

func TestOutboxPreservesOrder(t *testing.T) {
	mem := NewMemory()
	o := newTestOutbox(t, mem)

	o.SaveObject("p1", canvas.Object{ID: "a", Src: "a.png"})
	o.UpdateObject("p1", canvas.Object{ID: "a", Src: "a.png", X: 99})
	o.DeleteObject("p1", "a")
	o.SaveObject("p1", canvas.Object{ID: "b", Src: "b.png"})
	flush(t, o)

	objs, _ := mem.LoadCanvasObjects(context.Background(), "p1")
	if len(objs) != 1 || objs[0].ID != "b" {
		t.Fatalf("objects = %+v, want only b", objs)
	}
}

func TestOutboxFlushHonorsContext(t *testing.T) {
	adapter := &flakyAdapter{Memory: NewMemory(), failures: 1 << 30, err: errors.New("offline")}
	o := newTestOutbox(t, adapter)
	o.SaveMessage("p1", textMessage("stuck", time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := o.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Flush err = %v, want deadline exceeded", err)
	}
	if o.Pending() != 1 {
		t.Errorf("pending = %d, want 1", o.Pending())
	}
}

func TestOutboxRejectsAfterClose(t *testing.T) {
	o := NewOutbox(NewMemory())
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if o.SaveObject("p1", canvas.Object{ID: "a"}) {
		t.Error("enqueue after Close should report false")
	}
	if err := o.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestJournalResumesAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "p1.jsonl")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	offline := &flakyAdapter{Memory: NewMemory(), failures: 1 << 30, err: errors.New("offline")}
	o := NewOutbox(offline, WithRetryPolicy(fastPolicy()), WithJournal(j))
	o.SaveMessage("p1", textMessage("survives", time.Now()))
	o.SaveObject("p1", canvas.Object{ID: "obj", Src: "a.png"})
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	if n := len(j.Pending()); n != 2 {
		t.Fatalf("journal pending = %d, want 2", n)
	}

	mem := NewMemory()
	o = NewOutbox(mem, WithRetryPolicy(fastPolicy()), WithJournal(j))
	flush(t, o)
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	msgs, _ := mem.LoadMessages(context.Background(), "p1")
	objs, _ := mem.LoadCanvasObjects(context.Background(), "p1")
	if len(msgs) != 1 || msgs[0].Content != "survives" || len(objs) != 1 {
		t.Fatalf("after replay msgs=%+v objs=%+v", msgs, objs)
	}

	j, err = OpenJournal(path)
	if err != nil {
		t.Fatalf("third open: %v", err)
	}
	defer j.Close()
	if n := len(j.Pending()); n != 0 {
		t.Errorf("pending after drain = %d, want 0", n)
	}
}

func TestJournalSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p1.jsonl")
	content := `{"seq":1,"op":{"seq":1,"kind":"delete_object","project_id":"p1","object_id":"a"}}
not json
{"seq":2,"op":{"seq":2,"kind":"delete_object","project_id":"p1","object_id":"b"}}
{"seq":1,"ack":true}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	pending := j.Pending()
	if len(pending) != 1 || pending[0].ObjectID != "b" || pending[0].Seq != 2 {
		t.Fatalf("pending = %+v, want only seq 2", pending)
	}
}
