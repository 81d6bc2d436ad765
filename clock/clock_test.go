// ABOUTME: Tests for the virtual clock used by timer-driven components.
// ABOUTME: Covers ordering, cancellation, chained scheduling, and pending reporting.
package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(1500 * time.Millisecond)
	if len(order) != 1 || order[0] != "a" {
		t.Fatalf("after 1.5s order = %v, want [a]", order)
	}
	c.Advance(5 * time.Second)
	if got := len(order); got != 3 {
		t.Fatalf("fired %d tasks, want 3", got)
	}
	if order[1] != "b" || order[2] != "c" {
		t.Errorf("order = %v, want [a b c]", order)
	}
	if want := epoch.Add(6500 * time.Millisecond); !c.Now().Equal(want) {
		t.Errorf("Now = %v, want %v", c.Now(), want)
	}
}

func TestFakeStopPreventsFiring(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop returned false on a pending task")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("stopped task fired")
	}
	if n := len(c.Pending()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestFakeChainedTasksRunWithinWindow(t *testing.T) {
	c := NewFake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(3 * time.Second)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	pending := c.Pending()
	if len(pending) != 1 || pending[0] != time.Second {
		t.Errorf("pending = %v, want [1s]", pending)
	}
}

func TestFakeTiesFireInSchedulingOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		c.AfterFunc(time.Second, func() { order = append(order, i) })
	}
	c.Advance(time.Second)
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestRealClockAfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("real AfterFunc never fired")
	}
}
