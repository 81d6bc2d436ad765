// ABOUTME: Session orchestrator wiring the stream client, interpreter, sequencer, stores, and persistence for one project.
// ABOUTME: Owns job lifecycle: generate, cancel, transport status messages, and the processing flag.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/2389-research/adcanvas/api"
	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/clock"
	"github.com/2389-research/adcanvas/interpreter"
	"github.com/2389-research/adcanvas/notify"
	"github.com/2389-research/adcanvas/persist"
	"github.com/2389-research/adcanvas/phase"
	"github.com/2389-research/adcanvas/sequencer"
	"github.com/2389-research/adcanvas/stream"
)

var (
	// ErrSuperseded is returned by Generate when the run was cancelled or replaced
	// before the server answered.
	ErrSuperseded = errors.New("session: generation superseded before it started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

const (
	reconnectingText   = "Connection interrupted. Reconnecting…"
	connectionLostText = "Lost connection to the generation service. Please try again."
	cancelledText      = "Generation cancelled."
	cancelTimeout      = 10 * time.Second
	flushTimeout       = 5 * time.Second
	// Temporary status lines older than temporaryTTL are swept every sweepInterval while a job runs.
	temporaryTTL  = 30 * time.Second
	sweepInterval = 5 * time.Second
)

// JobAPI starts and stops backend jobs.
type JobAPI interface {
	Submit(ctx context.Context, req api.GenerateRequest) (api.GenerateResponse, error)
	Cancel(ctx context.Context, jobID string) error
}

// UpdateKind names the part of the session that changed.
type UpdateKind string

const (
	UpdateTranscript UpdateKind = "transcript"
	UpdateBubbles    UpdateKind = "bubbles"
	UpdateCanvas     UpdateKind = "canvas"
	UpdateStatus     UpdateKind = "status"
)

// Update is broadcast to subscribers after any state change.
type Update struct {
	Kind       UpdateKind
	Transcript chat.Change
	Bubble     phase.Change
	Canvas     canvas.Change
	Stream     stream.Status
	Processing bool
}

// Config holds the session's tunables.
type Config struct {
	ProjectID string
	NImages   int
	Stream    stream.Config
}

// DefaultConfig returns a config for the default project.
func DefaultConfig() Config {
	return Config{ProjectID: "default", Stream: stream.DefaultConfig()}
}

// Option configures a Session.
type Option func(*options)

type options struct {
	clock      clock.Clock
	logger     zerolog.Logger
	adapter    persist.Adapter
	outboxOpts []persist.OutboxOption
	sizer      canvas.Sizer
	proxy      bool
	delays     map[sequencer.Class]time.Duration
	jitter     func(time.Duration) time.Duration
	layout     *canvas.Layout
}

// WithClock sets the clock shared by every timed component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the root logger; components get a "component" field.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

// WithPersistence stores transcript and canvas writes through an outbox in front of adapter.
func WithPersistence(adapter persist.Adapter, outboxOpts ...persist.OutboxOption) Option {
	return func(o *options) {
		o.adapter = adapter
		o.outboxOpts = outboxOpts
	}
}

// WithSizer sets how generated images are measured before placement.
func WithSizer(s canvas.Sizer) Option { return func(o *options) { o.sizer = s } }

// WithImageProxy stores canvas sources wrapped in the same-origin proxy.
func WithImageProxy() Option { return func(o *options) { o.proxy = true } }

// WithLayout overrides canvas placement metrics.
func WithLayout(l canvas.Layout) Option { return func(o *options) { o.layout = &l } }

// WithDelays overrides sequencer pacing per class.
func WithDelays(d map[sequencer.Class]time.Duration) Option {
	return func(o *options) { o.delays = d }
}

// WithJitter replaces the reconnect jitter source.
func WithJitter(f func(time.Duration) time.Duration) Option {
	return func(o *options) { o.jitter = f }
}

// Session is one project's live view of the generation pipeline.
type Session struct {
	cfg    Config
	api    JobAPI
	clock  clock.Clock
	logger zerolog.Logger

	store        *phase.Store
	transcript   *chat.Transcript
	board        *canvas.Board
	materializer *canvas.Materializer
	queue        *sequencer.Queue
	interp       *interpreter.Interpreter
	stream       *stream.Client
	adapter      persist.Adapter
	outbox       *persist.Outbox

	updates *notify.Broadcaster[Update]
	subs    []func()
	bg      sync.WaitGroup

	mu         sync.Mutex
	jobID      string
	run        uint64
	processing bool
	closed     bool
	sweep      clock.Timer
	sweepGen   uint64
}

// New builds a session. transport opens job event streams; jobs talks to the
// submission endpoint.
func New(jobs JobAPI, transport stream.Transport, cfg Config, opts ...Option) *Session {
	o := options{clock: clock.Real(), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = "default"
	}

	s := &Session{
		cfg:        cfg,
		api:        jobs,
		clock:      o.clock,
		logger:     o.logger.With().Str("component", "session").Str("project_id", cfg.ProjectID).Logger(),
		store:      phase.NewStore(phase.WithClock(o.clock)),
		transcript: chat.NewTranscript(),
		board:      canvas.NewBoard(),
		adapter:    o.adapter,
		updates:    notify.New[Update](notify.DefaultBuffer),
	}

	matOpts := []canvas.Option{
		canvas.WithClock(o.clock),
		canvas.WithLogger(o.logger.With().Str("component", "canvas").Logger()),
	}
	if o.sizer != nil {
		matOpts = append(matOpts, canvas.WithSizer(o.sizer))
	}
	if o.proxy {
		matOpts = append(matOpts, canvas.WithProxy())
	}
	if o.layout != nil {
		matOpts = append(matOpts, canvas.WithLayout(*o.layout))
	}
	s.materializer = canvas.NewMaterializer(s.board, matOpts...)

	seqOpts := []sequencer.Option{sequencer.WithClock(o.clock)}
	if o.delays != nil {
		seqOpts = append(seqOpts, sequencer.WithDelays(o.delays))
	}
	s.queue = sequencer.New(s.display, seqOpts...)

	if o.adapter != nil {
		outboxOpts := append([]persist.OutboxOption{
			persist.WithOutboxLogger(o.logger.With().Str("component", "outbox").Logger()),
		}, o.outboxOpts...)
		outboxOpts = append(outboxOpts, persist.WithOnMessageSaved(func(localID string, saved chat.Message) {
			s.transcript.ReplaceID(localID, saved)
		}))
		s.outbox = persist.NewOutbox(o.adapter, outboxOpts...)
	}

	s.interp = interpreter.New(s.store, s.queue, persistingPlacer{s}, nil,
		interpreter.WithClock(o.clock),
		interpreter.WithObserver(s),
		interpreter.WithLogger(o.logger.With().Str("component", "interpreter").Logger()),
	)

	streamOpts := []stream.Option{
		stream.WithClock(o.clock),
		stream.WithLogger(o.logger.With().Str("component", "stream").Logger()),
	}
	if o.jitter != nil {
		streamOpts = append(streamOpts, stream.WithJitter(o.jitter))
	}
	s.stream = stream.New(transport, cfg.Stream, stream.Handlers{
		OnFrame:  s.interp.HandleFrame,
		OnStatus: s.onStatus,
	}, streamOpts...)
	s.interp.SetCloser(s.stream)

	s.forward()
	return s
}

// persistingPlacer places images on the board and queues the new objects for storage.
type persistingPlacer struct{ s *Session }

func (p persistingPlacer) Place(ctx context.Context, urls []string, jobID string) []canvas.Object {
	placed := p.s.materializer.Place(ctx, urls, jobID)
	if p.s.outbox != nil {
		for _, obj := range placed {
			p.s.outbox.SaveObject(p.s.cfg.ProjectID, obj)
		}
	}
	return placed
}

func (s *Session) forward() {
	tc := s.transcript.Subscribe()
	bc := s.store.Subscribe()
	cc := s.board.Subscribe()
	s.subs = append(s.subs,
		func() { s.transcript.Unsubscribe(tc) },
		func() { s.store.Unsubscribe(bc) },
		func() { s.board.Unsubscribe(cc) },
	)
	go func() {
		for c := range tc {
			s.updates.Broadcast(Update{Kind: UpdateTranscript, Transcript: c, Processing: s.Processing()})
		}
	}()
	go func() {
		for c := range bc {
			s.updates.Broadcast(Update{Kind: UpdateBubbles, Bubble: c, Processing: s.Processing()})
		}
	}()
	go func() {
		for c := range cc {
			s.updates.Broadcast(Update{Kind: UpdateCanvas, Canvas: c, Processing: s.Processing()})
		}
	}()
}

// display is the sequencer's sink: append to the transcript and queue for storage.
func (s *Session) display(msg chat.Message) {
	if !s.transcript.Append(msg) {
		return
	}
	if s.outbox != nil && msg.Persistable() {
		s.outbox.SaveMessage(s.cfg.ProjectID, msg)
	}
}

// Load restores the project's transcript and canvas from storage.
func (s *Session) Load(ctx context.Context) error {
	if s.adapter == nil {
		return nil
	}
	msgs, err := s.adapter.LoadMessages(ctx, s.cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	objs, err := s.adapter.LoadCanvasObjects(ctx, s.cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("load canvas: %w", err)
	}
	s.transcript.Load(msgs)
	s.board.Load(objs)
	s.logger.Info().Int("messages", len(msgs)).Int("objects", len(objs)).Msg("project loaded")
	return nil
}

// Generate submits a product URL and follows the resulting job. Any job already
// in progress is abandoned first. nImages <= 0 uses the session default.
func (s *Session) Generate(ctx context.Context, productURL string, nImages int) (string, error) {
	if nImages <= 0 {
		nImages = s.cfg.NImages
	}
	req := api.GenerateRequest{ProductURL: productURL}
	if nImages > 0 {
		req.NImages = &nImages
	}
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid generate request: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	prev := s.jobID
	s.run++
	run := s.run
	s.jobID = ""
	s.processing = true
	s.syncSweepLocked()
	s.mu.Unlock()

	s.stream.Disconnect()
	if prev != "" {
		s.interp.Cancel(prev)
	}
	s.queue.Clear()
	if prev != "" {
		s.interp.Forget(prev)
		s.store.Reset(prev)
	}
	s.transcript.ExpireTemporary(s.clock.Now(), 0)
	s.publishStatus()

	s.queue.Enqueue(chat.NewLocalMessage(chat.RoleUser, chat.TypeText, productURL), sequencer.ClassUser, sequencer.PriorityNormal)

	resp, err := s.api.Submit(ctx, req)
	if err != nil {
		s.mu.Lock()
		current := s.run == run && s.processing
		if current {
			s.processing = false
			s.syncSweepLocked()
		}
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("product_url", productURL).Msg("generate request failed")
		if current {
			msg := chat.NewLocalMessage(chat.RoleAssistant, chat.TypeError, "Could not start generation: "+err.Error())
			s.queue.Enqueue(msg, sequencer.ClassAI, sequencer.PriorityHigh)
			s.publishStatus()
		}
		return "", err
	}

	s.mu.Lock()
	if s.run != run || !s.processing {
		s.mu.Unlock()
		s.logger.Info().Str("job_id", resp.JobID).Msg("job superseded before stream opened")
		s.cancelRemote(ctx, resp.JobID)
		return "", ErrSuperseded
	}
	s.jobID = resp.JobID
	s.mu.Unlock()

	s.logger.Info().Str("job_id", resp.JobID).Str("product_url", productURL).Msg("job submitted")
	s.stream.Connect(resp.JobID)
	s.publishStatus()
	return resp.JobID, nil
}

// Cancel stops the current job. Local state always ends cancelled, whatever the
// server says. It reports whether anything was running.
func (s *Session) Cancel(ctx context.Context) bool {
	s.mu.Lock()
	if !s.processing {
		s.mu.Unlock()
		return false
	}
	s.processing = false
	s.syncSweepLocked()
	jobID := s.jobID
	s.mu.Unlock()

	// The fence goes between disconnect and clear: a frame already being
	// applied finishes before the fence returns, and its messages are cleared.
	s.stream.Disconnect()
	if jobID != "" {
		s.interp.Cancel(jobID)
	}
	s.queue.Clear()
	if jobID != "" {
		s.cancelRemote(ctx, jobID)
	}

	msg := chat.NewLocalMessage(chat.RoleAssistant, chat.TypeCancelled, cancelledText)
	msg.JobID = jobID
	msg.Timestamp = s.clock.Now()
	s.display(msg)

	s.logger.Info().Str("job_id", jobID).Msg("job cancelled by user")
	s.publishStatus()
	return true
}

// cancelRemote asks the server to stop jobID without waiting for the answer.
func (s *Session) cancelRemote(ctx context.Context, jobID string) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
		defer cancel()
		if err := s.api.Cancel(cctx, jobID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("server cancel failed")
		}
	}()
}

// JobFinished implements interpreter.Observer.
func (s *Session) JobFinished(jobID string, outcome interpreter.Outcome, detail string) {
	s.mu.Lock()
	if s.jobID == jobID {
		s.processing = false
		s.syncSweepLocked()
	}
	s.mu.Unlock()
	s.logger.Info().Str("job_id", jobID).Str("outcome", outcome.String()).Str("detail", detail).Msg("job finished")
	s.publishStatus()
}

func (s *Session) onStatus(st stream.Status) {
	switch st.State {
	case stream.StateReconnecting:
		if st.Attempt == 1 && s.isCurrent(st.JobID) {
			msg := chat.NewLocalMessage(chat.RoleAssistant, chat.TypeTemporaryStatus, reconnectingText)
			msg.JobID = st.JobID
			s.queue.Enqueue(msg, sequencer.ClassAI, sequencer.PriorityNormal)
		}
	case stream.StateFailed:
		if s.isCurrent(st.JobID) && s.interp.Abort(st.JobID, "connection lost") {
			s.mu.Lock()
			s.processing = false
			s.syncSweepLocked()
			s.mu.Unlock()
			msg := chat.NewLocalMessage(chat.RoleAssistant, chat.TypeError, connectionLostText)
			msg.JobID = st.JobID
			s.queue.Enqueue(msg, sequencer.ClassAI, sequencer.PriorityHigh)
		}
	}
	s.updates.Broadcast(Update{Kind: UpdateStatus, Stream: st, Processing: s.Processing()})
}

// syncSweepLocked keeps the temporary-message sweep armed exactly while a job is processing.
func (s *Session) syncSweepLocked() {
	if s.processing && !s.closed {
		if s.sweep == nil {
			s.sweepGen++
			gen := s.sweepGen
			s.sweep = s.clock.AfterFunc(sweepInterval, func() { s.sweepTemporary(gen) })
		}
		return
	}
	if s.sweep != nil {
		s.sweep.Stop()
		s.sweep = nil
	}
}

func (s *Session) sweepTemporary(gen uint64) {
	s.mu.Lock()
	if gen != s.sweepGen || s.sweep == nil {
		s.mu.Unlock()
		return
	}
	s.sweep = nil
	s.mu.Unlock()

	if n := s.transcript.ExpireTemporary(s.clock.Now(), temporaryTTL); n > 0 {
		s.logger.Debug().Int("expired", n).Msg("expired temporary status messages")
	}

	s.mu.Lock()
	if gen == s.sweepGen {
		s.syncSweepLocked()
	}
	s.mu.Unlock()
}

func (s *Session) isCurrent(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing && s.jobID == jobID
}

func (s *Session) publishStatus() {
	s.updates.Broadcast(Update{
		Kind:       UpdateStatus,
		Stream:     stream.Status{State: s.stream.State(), JobID: s.JobID()},
		Processing: s.Processing(),
	})
}

// MoveObject repositions a canvas object and queues the update for storage.
func (s *Session) MoveObject(id string, x, y float64) error {
	obj, ok := s.board.Object(id)
	if !ok {
		return fmt.Errorf("move %s: %w", id, canvas.ErrObjectNotFound)
	}
	obj.X, obj.Y = x, y
	if err := s.board.Update(obj); err != nil {
		return err
	}
	if s.outbox != nil {
		s.outbox.UpdateObject(s.cfg.ProjectID, obj)
	}
	return nil
}

// RemoveObject deletes a canvas object and queues the delete for storage.
func (s *Session) RemoveObject(id string) error {
	if err := s.board.Remove(id); err != nil {
		return err
	}
	if s.outbox != nil {
		s.outbox.DeleteObject(s.cfg.ProjectID, id)
	}
	return nil
}

// Processing reports whether a job is in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// JobID returns the current or most recent job.
func (s *Session) JobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

// ProjectID returns the project this session belongs to.
func (s *Session) ProjectID() string { return s.cfg.ProjectID }

// Transcript returns the chat transcript.
func (s *Session) Transcript() *chat.Transcript { return s.transcript }

// Bubbles returns the phase bubble store.
func (s *Session) Bubbles() *phase.Store { return s.store }

// Board returns the canvas board.
func (s *Session) Board() *canvas.Board { return s.board }

// StreamState returns the event stream's connection state.
func (s *Session) StreamState() stream.State { return s.stream.State() }

// Stats returns the interpreter's frame counters.
func (s *Session) Stats() interpreter.Stats { return s.interp.Stats() }

// PendingMessages returns how many messages wait in the sequencer.
func (s *Session) PendingMessages() int { return s.queue.Pending() }

// Subscribe returns a channel of session updates.
func (s *Session) Subscribe() chan Update { return s.updates.Subscribe() }

// Unsubscribe stops a subscription.
func (s *Session) Unsubscribe(ch chan Update) { s.updates.Unsubscribe(ch) }

// Flush waits for queued storage writes to drain.
func (s *Session) Flush(ctx context.Context) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Flush(ctx)
}

// Close disconnects, drains storage writes for a short while, and stops background work.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.processing = false
	s.syncSweepLocked()
	s.mu.Unlock()

	s.stream.Disconnect()
	s.queue.Clear()
	s.bg.Wait()

	var err error
	if s.outbox != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if ferr := s.outbox.Flush(ctx); ferr != nil {
			s.logger.Warn().Err(ferr).Int("pending", s.outbox.Pending()).Msg("closing with unsaved writes")
		}
		cancel()
		err = s.outbox.Close()
	}
	for _, unsub := range s.subs {
		unsub()
	}
	return err
}
