// ABOUTME: Tests for the generic change broadcaster.
// ABOUTME: Covers fan-out, unsubscribe closing, and non-blocking drops on full buffers.
package notify

import "testing"

func TestBroadcastFanOut(t *testing.T) {
	b := New[int](4)
	a := b.Subscribe()
	c := b.Subscribe()
	b.Broadcast(7)
	if got := <-a; got != 7 {
		t.Errorf("a got %d, want 7", got)
	}
	if got := <-c; got != 7 {
		t.Errorf("c got %d, want 7", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New[string](1)
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
	b.Unsubscribe(ch) // unknown now; must not panic
	b.Broadcast("after")
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	b := New[int](1)
	ch := b.Subscribe()
	b.Broadcast(1)
	b.Broadcast(2)
	if got := <-ch; got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	select {
	case v := <-ch:
		t.Errorf("unexpected second value %d", v)
	default:
	}
}
