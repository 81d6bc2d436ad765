// ABOUTME: Offline write queue that drains persistence operations in the background.
// ABOUTME: Failed writes back off exponentially with jitter and are paced by a token-bucket rate limiter.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/retry"
)

// OpKind names a queued persistence operation.
type OpKind string

const (
	OpSaveMessage  OpKind = "save_message"
	OpSaveObject   OpKind = "save_object"
	OpUpdateObject OpKind = "update_object"
	OpDeleteObject OpKind = "delete_object"
)

// Op is one queued write.
type Op struct {
	Seq       uint64         `json:"seq"`
	Kind      OpKind         `json:"kind"`
	ProjectID string         `json:"project_id"`
	Message   *chat.Message  `json:"message,omitempty"`
	Object    *canvas.Object `json:"object,omitempty"`
	ObjectID  string         `json:"object_id,omitempty"`
}

// MessageSavedFunc is called after a message is stored, with the ID it was
// queued under and the persisted message.
type MessageSavedFunc func(localID string, saved chat.Message)

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithRetryPolicy sets the backoff used between failed attempts. MaxRetries is ignored:
// the outbox keeps retrying until the write succeeds, fails permanently, or the outbox closes.
func WithRetryPolicy(p retry.Policy) OutboxOption {
	return func(o *Outbox) { o.policy = p }
}

// WithRateLimit caps adapter calls per second.
func WithRateLimit(perSecond float64, burst int) OutboxOption {
	return func(o *Outbox) { o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithJournal persists queued operations and resumes the ones left from a previous run.
func WithJournal(j *Journal) OutboxOption {
	return func(o *Outbox) { o.journal = j }
}

// WithOnMessageSaved registers the saved-message callback.
func WithOnMessageSaved(f MessageSavedFunc) OutboxOption {
	return func(o *Outbox) { o.onMessageSaved = f }
}

// WithOutboxLogger sets the logger.
func WithOutboxLogger(l zerolog.Logger) OutboxOption {
	return func(o *Outbox) { o.logger = l }
}

// Outbox queues writes and applies them to an Adapter from one background worker,
// in FIFO order. Enqueueing never blocks on the adapter.
type Outbox struct {
	adapter        Adapter
	policy         retry.Policy
	limiter        *rate.Limiter
	journal        *Journal
	onMessageSaved MessageSavedFunc
	logger         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu      sync.Mutex
	queue   []Op
	seq     uint64
	waiters []chan struct{}
	closed  bool
}

// NewOutbox starts an outbox worker writing to adapter.
func NewOutbox(adapter Adapter, opts ...OutboxOption) *Outbox {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		adapter: adapter,
		policy:  retry.DefaultPolicy(),
		limiter: rate.NewLimiter(rate.Limit(20), 5),
		logger:  zerolog.Nop(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.journal != nil {
		for _, op := range o.journal.Pending() {
			o.queue = append(o.queue, op)
			if op.Seq > o.seq {
				o.seq = op.Seq
			}
		}
		if n := len(o.queue); n > 0 {
			o.logger.Info().Int("ops", n).Msg("resuming queued persistence writes")
		}
	}
	go o.run()
	o.signal()
	return o
}

// SaveMessage queues a message save. Temporary messages are skipped and false is returned.
func (o *Outbox) SaveMessage(projectID string, msg chat.Message) bool {
	if !msg.Persistable() {
		return false
	}
	return o.enqueue(Op{Kind: OpSaveMessage, ProjectID: projectID, Message: &msg})
}

// SaveObject queues a canvas object save.
func (o *Outbox) SaveObject(projectID string, obj canvas.Object) bool {
	return o.enqueue(Op{Kind: OpSaveObject, ProjectID: projectID, Object: &obj})
}

// UpdateObject queues a canvas object update.
func (o *Outbox) UpdateObject(projectID string, obj canvas.Object) bool {
	return o.enqueue(Op{Kind: OpUpdateObject, ProjectID: projectID, Object: &obj})
}

// DeleteObject queues a canvas object delete.
func (o *Outbox) DeleteObject(projectID, objectID string) bool {
	return o.enqueue(Op{Kind: OpDeleteObject, ProjectID: projectID, ObjectID: objectID})
}

// Pending returns the number of queued operations, including one in flight.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Flush waits until the queue is empty or ctx is done.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	if len(o.queue) == 0 {
		o.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	o.waiters = append(o.waiters, ch)
	o.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. Operations still queued remain in the journal, if any.
func (o *Outbox) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	<-o.done
	if o.journal != nil {
		return o.journal.Close()
	}
	return nil
}

func (o *Outbox) enqueue(op Op) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.seq++
	op.Seq = o.seq
	o.queue = append(o.queue, op)
	if o.journal != nil {
		if err := o.journal.Append(op); err != nil {
			o.logger.Warn().Err(err).Str("kind", string(op.Kind)).Msg("journal append failed")
		}
	}
	o.mu.Unlock()

	o.signal()
	return true
}

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for {
		op, ok := o.next()
		if !ok {
			return
		}
		if !o.process(op) {
			return
		}
		o.pop(op)
	}
}

// next blocks until an operation is queued or the outbox closes.
func (o *Outbox) next() (Op, bool) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			op := o.queue[0]
			o.mu.Unlock()
			return op, true
		}
		o.mu.Unlock()

		select {
		case <-o.wake:
		case <-o.ctx.Done():
			return Op{}, false
		}
	}
}

func (o *Outbox) pop(op Op) {
	o.mu.Lock()
	if len(o.queue) > 0 && o.queue[0].Seq == op.Seq {
		o.queue = o.queue[1:]
	}
	var release []chan struct{}
	if len(o.queue) == 0 {
		release, o.waiters = o.waiters, nil
	}
	o.mu.Unlock()

	if o.journal != nil {
		if err := o.journal.Ack(op.Seq); err != nil {
			o.logger.Warn().Err(err).Uint64("seq", op.Seq).Msg("journal ack failed")
		}
	}
	for _, ch := range release {
		close(ch)
	}
}

// process applies op until it succeeds or fails permanently. It returns false
// when the outbox closed first.
func (o *Outbox) process(op Op) bool {
	for attempt := 0; ; attempt++ {
		if err := o.limiter.Wait(o.ctx); err != nil {
			return false
		}
		err := o.apply(op)
		if err == nil {
			return true
		}
		if o.ctx.Err() != nil {
			return false
		}
		if retry.IsPermanent(err) || errors.Is(err, ErrNotPersistable) || errors.Is(err, ErrNotFound) {
			o.logger.Error().Err(err).Str("kind", string(op.Kind)).Str("project_id", op.ProjectID).Msg("dropping persistence write")
			return true
		}

		delay := o.policy.CalculateDelay(attempt)
		o.logger.Warn().Err(err).Str("kind", string(op.Kind)).Int("attempt", attempt+1).Dur("delay", delay).Msg("persistence write failed, retrying")
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-o.ctx.Done():
			t.Stop()
			return false
		}
	}
}

func (o *Outbox) apply(op Op) error {
	switch op.Kind {
	case OpSaveMessage:
		if op.Message == nil {
			return retry.Permanent(errors.New("save_message without message"))
		}
		saved, err := o.adapter.SaveMessage(o.ctx, op.ProjectID, *op.Message)
		if err != nil {
			return err
		}
		if o.onMessageSaved != nil {
			o.onMessageSaved(op.Message.ID, saved)
		}
		return nil
	case OpSaveObject:
		if op.Object == nil {
			return retry.Permanent(errors.New("save_object without object"))
		}
		_, err := o.adapter.SaveCanvasObject(o.ctx, op.ProjectID, *op.Object)
		return err
	case OpUpdateObject:
		if op.Object == nil {
			return retry.Permanent(errors.New("update_object without object"))
		}
		return o.adapter.UpdateCanvasObject(o.ctx, op.ProjectID, *op.Object)
	case OpDeleteObject:
		return o.adapter.DeleteCanvasObject(o.ctx, op.ProjectID, op.ObjectID)
	default:
		return retry.Permanent(errors.New("unknown outbox op " + string(op.Kind)))
	}
}
