// ABOUTME: Cancellable scheduled-task abstraction used for backoff, watchdog, and pacing timers.
// ABOUTME: Real wraps time.AfterFunc; Fake is a virtual clock that fires tasks synchronously on Advance.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled task that can be cancelled before it fires.
type Timer interface {
	// Stop cancels the task. It returns false if the task already fired or was stopped.
	Stop() bool
}

// Clock supplies the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the wall clock.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a virtual clock. Scheduled callbacks only run inside Advance or Set,
// on the calling goroutine, in deadline order.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*fakeTask
}

type fakeTask struct {
	clock    *Fake
	deadline time.Time
	seq      uint64
	fn       func()
	done     bool
}

// NewFake returns a virtual clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the virtual time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the virtual time reaches now+d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTask{clock: c, deadline: c.now.Add(d), seq: c.seq, fn: f}
	c.tasks = append(c.tasks, t)
	return t
}

// Stop implements Timer.
func (t *fakeTask) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.clock.removeLocked(t)
	return true
}

// Advance moves the virtual time forward by d, firing every task that becomes due.
// Tasks scheduled by fired callbacks also run if they fall within the window.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.runUntil(target)
}

// Set moves the virtual time to t, firing due tasks. Moving backwards is ignored.
func (c *Fake) Set(t time.Time) {
	c.runUntil(t)
}

func (c *Fake) runUntil(target time.Time) {
	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			if target.After(c.now) {
				c.now = target
			}
			c.mu.Unlock()
			return
		}
		next.done = true
		c.removeLocked(next)
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		fn := next.fn
		c.mu.Unlock()

		fn()
	}
}

// Pending returns the remaining delay of every scheduled task, shortest first.
func (c *Fake) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.deadline.Sub(c.now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Fake) nextDueLocked(target time.Time) *fakeTask {
	var best *fakeTask
	for _, t := range c.tasks {
		if t.deadline.After(target) {
			continue
		}
		if best == nil || t.deadline.Before(best.deadline) ||
			(t.deadline.Equal(best.deadline) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (c *Fake) removeLocked(t *fakeTask) {
	for i, task := range c.tasks {
		if task == t {
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			return
		}
	}
}
