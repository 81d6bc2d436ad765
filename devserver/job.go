// ABOUTME: Per-job event log for the dev server with monotonic sequence IDs and live fan-out.
// ABOUTME: Subscribers resume after a Last-Event-ID by replaying history before receiving new events.
package devserver

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/2389-research/adcanvas/sse"
)

// job holds one simulated run's event history and subscribers.
type job struct {
	ID         string
	ProductURL string
	NImages    int
	CreatedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	history  []sse.Event
	subs     map[chan sse.Event]struct{}
	finished bool
}

func newJob(id, productURL string, n int) *job {
	ctx, cancel := context.WithCancel(context.Background())
	return &job{
		ID:         id,
		ProductURL: productURL,
		NImages:    n,
		CreatedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[chan sse.Event]struct{}),
	}
}

// publish appends data as the next event and fans it out. It returns the
// assigned sequence number, or 0 if the job already finished.
func (j *job) publish(data []byte, terminal bool) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return 0
	}
	seq := uint64(len(j.history) + 1)
	evt := sse.Event{ID: strconv.FormatUint(seq, 10), Data: string(data)}
	j.history = append(j.history, evt)
	for ch := range j.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; it will resume from history on reconnect.
			close(ch)
			delete(j.subs, ch)
		}
	}
	if terminal {
		j.finished = true
		for ch := range j.subs {
			close(ch)
		}
		j.subs = map[chan sse.Event]struct{}{}
	}
	return seq
}

// subscribe returns the events after lastID and a channel for later ones. The
// channel is nil when the job has already finished.
func (j *job) subscribe(lastID string) ([]sse.Event, chan sse.Event, func()) {
	after, _ := strconv.ParseUint(lastID, 10, 64)

	j.mu.Lock()
	defer j.mu.Unlock()

	var backlog []sse.Event
	if after < uint64(len(j.history)) {
		backlog = append(backlog, j.history[after:]...)
	}
	if j.finished {
		return backlog, nil, func() {}
	}
	ch := make(chan sse.Event, 64)
	j.subs[ch] = struct{}{}
	unsubscribe := func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, ok := j.subs[ch]; ok {
			delete(j.subs, ch)
			close(ch)
		}
	}
	return backlog, ch, unsubscribe
}

// Finished reports whether a terminal event was published.
func (j *job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// Len returns the number of published events.
func (j *job) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.history)
}
