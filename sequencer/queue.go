// ABOUTME: Message Sequencer that paces chat messages into the transcript one at a time.
// ABOUTME: Priority-ordered FIFO queue with class-dependent delays applied before each display; Clear cancels everything pending.
package sequencer

import (
	"sync"
	"time"

	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/clock"
)

// Class is the semantic bucket that selects a message's pacing delay.
type Class string

const (
	ClassUser       Class = "user"
	ClassAI         Class = "ai"
	ClassAgentPhase Class = "agent_phase"
	ClassResearch   Class = "research"
	ClassConcept    Class = "concept"
	ClassOutput     Class = "output"
)

// Priority orders pending messages. Higher priorities display first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// DefaultDelays returns the pacing delay applied before each message class.
func DefaultDelays() map[Class]time.Duration {
	return map[Class]time.Duration{
		ClassUser:       0,
		ClassAI:         250 * time.Millisecond,
		ClassAgentPhase: 400 * time.Millisecond,
		ClassResearch:   600 * time.Millisecond,
		ClassConcept:    300 * time.Millisecond,
		ClassOutput:     300 * time.Millisecond,
	}
}

// Classify picks a class from a message's role and type.
func Classify(m chat.Message) Class {
	if m.Role == chat.RoleUser {
		return ClassUser
	}
	switch m.Type {
	case chat.TypeAgentBubble:
		return ClassAgentPhase
	case chat.TypeAgentOutput, chat.TypeCompletion:
		return ClassOutput
	default:
		return ClassAI
	}
}

// DisplayFunc receives each message when its turn comes.
type DisplayFunc func(chat.Message)

type item struct {
	msg      chat.Message
	class    Class
	priority Priority
	delay    time.Duration
}

// Queue is a single-consumer sequencer with at most one message in flight.
// It is safe for concurrent use.
type Queue struct {
	// deliverMu is held across a display so Clear cannot slip between the
	// generation check and the display call. Lock order: deliverMu, then mu.
	deliverMu sync.Mutex

	mu      sync.Mutex
	clock   clock.Clock
	delays  map[Class]time.Duration
	display DisplayFunc

	pending []item
	busy    bool
	timer   clock.Timer
	gen     uint64 // bumped by Clear; fences callbacks scheduled before it
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for pacing delays.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithDelays overrides per-class delays. Classes not present keep their defaults.
func WithDelays(d map[Class]time.Duration) Option {
	return func(q *Queue) {
		for k, v := range d {
			q.delays[k] = v
		}
	}
}

// New creates a Queue that hands messages to display.
func New(display DisplayFunc, opts ...Option) *Queue {
	q := &Queue{
		clock:   clock.Real(),
		delays:  DefaultDelays(),
		display: display,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Delay returns the configured delay for a class. Unknown classes use the AI delay.
func (q *Queue) Delay(c Class) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delayLocked(c)
}

func (q *Queue) delayLocked(c Class) time.Duration {
	if d, ok := q.delays[c]; ok {
		return d
	}
	return q.delays[ClassAI]
}

// Enqueue adds a message using its class's delay.
func (q *Queue) Enqueue(msg chat.Message, class Class, priority Priority) {
	q.mu.Lock()
	d := q.delayLocked(class)
	q.insertLocked(item{msg: msg, class: class, priority: priority, delay: d})
	q.mu.Unlock()
	q.kick()
}

// EnqueueWithDelay adds a message with an explicit delay instead of the class default.
func (q *Queue) EnqueueWithDelay(msg chat.Message, class Class, priority Priority, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	q.insertLocked(item{msg: msg, class: class, priority: priority, delay: delay})
	q.mu.Unlock()
	q.kick()
}

// Clear drops all pending messages and cancels the scheduled delay, so nothing
// enqueued before the call is ever displayed.
func (q *Queue) Clear() {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen++
	q.pending = nil
	q.busy = false
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// Pending returns the number of messages waiting, including one in its delay.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.busy {
		n++
	}
	return n
}

// Busy reports whether a message is currently waiting out its delay.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// insertLocked places it after every item of equal or higher priority.
func (q *Queue) insertLocked(it item) {
	pos := len(q.pending)
	for i, p := range q.pending {
		if p.priority < it.priority {
			pos = i
			break
		}
	}
	q.pending = append(q.pending, item{})
	copy(q.pending[pos+1:], q.pending[pos:])
	q.pending[pos] = it
}

// kick starts the next message if none is in flight. Zero-delay messages are
// displayed inline on the calling goroutine.
func (q *Queue) kick() {
	for {
		q.mu.Lock()
		if q.busy || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		it := q.pending[0]
		q.pending = q.pending[1:]
		q.busy = true
		gen := q.gen

		if it.delay > 0 {
			q.timer = q.clock.AfterFunc(it.delay, func() { q.fire(gen, it) })
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if !q.deliver(gen, it) {
			return
		}
	}
}

func (q *Queue) fire(gen uint64, it item) {
	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	q.mu.Unlock()

	if q.deliver(gen, it) {
		q.kick()
	}
}

// deliver displays one message and releases the in-flight slot. It returns false
// without displaying when a Clear happened since gen was taken, in which case the
// slot belongs to the new generation.
func (q *Queue) deliver(gen uint64, it item) bool {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()

	q.mu.Lock()
	stale := gen != q.gen
	q.mu.Unlock()
	if stale {
		return false
	}

	msg := it.msg
	if msg.Timestamp.IsZero() {
		msg.Timestamp = q.clock.Now()
	}
	if q.display != nil {
		q.display(msg)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		return false
	}
	q.busy = false
	return true
}
