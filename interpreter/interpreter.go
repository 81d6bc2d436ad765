// ABOUTME: Event Interpreter that turns decoded pipeline events into bubble, transcript, and canvas actions.
// ABOUTME: Collaborators are injected; per-job memory holds sequence fences, step start times, and generated images.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/clock"
	"github.com/2389-research/adcanvas/phase"
	"github.com/2389-research/adcanvas/pipeline"
	"github.com/2389-research/adcanvas/sequencer"
	"github.com/2389-research/adcanvas/sse"
)

// Bubbles is the subset of the phase store the interpreter mutates.
type Bubbles interface {
	CreateBubble(ph pipeline.Phase, title, jobID string) string
	AddSection(bubbleID string, sec phase.Section) (string, error)
	UpdateSection(bubbleID, sectionID string, upd phase.SectionUpdate) error
	SetProgress(bubbleID string, pct float64) error
	CompleteBubble(bubbleID string) error
	FailBubble(bubbleID, reason string) error
	FindBubble(ph pipeline.Phase, jobID string) (phase.Bubble, bool)
	LatestBubble(ph pipeline.Phase, jobID string) (phase.Bubble, bool)
	Bubble(id string) (phase.Bubble, bool)
	ActiveBubbles(jobID string) []phase.Bubble
}

// MessageSink receives chat messages for paced display.
type MessageSink interface {
	Enqueue(msg chat.Message, class sequencer.Class, priority sequencer.Priority)
}

// Placer puts image URLs on the canvas.
type Placer interface {
	Place(ctx context.Context, urls []string, jobID string) []canvas.Object
}

// Closer tears down the event stream.
type Closer interface {
	Disconnect()
}

// Outcome is how a job ended.
type Outcome int

const (
	OutcomeRunning Outcome = iota
	OutcomeCompleted
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRunning:
		return "running"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Observer is told when a job reaches a terminal state.
type Observer interface {
	JobFinished(jobID string, outcome Outcome, detail string)
}

// StepResult is stored as a completed section's data.
type StepResult struct {
	Payload    pipeline.Payload `json:"payload,omitempty"`
	Message    string           `json:"message,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
}

// Stats counts frames by disposition.
type Stats struct {
	Applied    int
	Heartbeats int
	Malformed  int
	Duplicates int
	Ignored    int // events for finished jobs
	Panics     int
}

type jobState struct {
	ctx     context.Context // cancelled when the job is fenced or forgotten
	cancel  context.CancelFunc
	outcome Outcome
	lastSeq uint64
	hasSeq  bool
	starts  map[string]time.Time // step -> start time
	images  []string
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithObserver registers a terminal-state observer.
func WithObserver(o Observer) Option { return func(in *Interpreter) { in.observer = o } }

// WithClock sets the clock used for step timing.
func WithClock(c clock.Clock) Option { return func(in *Interpreter) { in.clock = c } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(in *Interpreter) { in.logger = l } }

// WithContext sets the parent of every job's placement context.
func WithContext(ctx context.Context) Option { return func(in *Interpreter) { in.ctx = ctx } }

// Interpreter applies events in arrival order. It is safe for concurrent use.
type Interpreter struct {
	bubbles  Bubbles
	sink     MessageSink
	placer   Placer
	closer   Closer
	observer Observer
	clock    clock.Clock
	logger   zerolog.Logger
	ctx      context.Context

	mu      sync.Mutex
	jobs    map[string]*jobState
	retired []string // forgotten job IDs, newest last, capped at retiredCap
	stats   Stats
}

// retiredCap bounds how many forgotten jobs stay fenced against stray frames.
const retiredCap = 64

// New creates an interpreter. closer may be nil when there is no stream to tear down.
func New(bubbles Bubbles, sink MessageSink, placer Placer, closer Closer, opts ...Option) *Interpreter {
	in := &Interpreter{
		bubbles: bubbles,
		sink:    sink,
		placer:  placer,
		closer:  closer,
		clock:   clock.Real(),
		logger:  zerolog.Nop(),
		ctx:     context.Background(),
		jobs:    make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// SetCloser replaces the stream closer. It exists because the stream client and
// the interpreter reference each other.
func (in *Interpreter) SetCloser(c Closer) {
	in.mu.Lock()
	in.closer = c
	in.mu.Unlock()
}

// HandleFrame decodes one SSE frame and applies it. Malformed frames are logged and dropped.
func (in *Interpreter) HandleFrame(frame sse.Event) {
	evt, err := pipeline.Decode(frame)
	if err != nil {
		in.mu.Lock()
		in.stats.Malformed++
		in.mu.Unlock()
		in.logger.Warn().Err(err).Str("event_id", frame.ID).Str("event_type", frame.Type).Msg("dropping malformed event")
		return
	}
	in.Handle(evt)
}

// Handle applies one decoded event. A panic while applying it is recovered and
// logged so later events still flow.
func (in *Interpreter) Handle(evt pipeline.Event) {
	defer func() {
		if r := recover(); r != nil {
			in.mu.Lock()
			in.stats.Panics++
			in.mu.Unlock()
			in.logger.Error().Interface("panic", r).Str("stage", string(evt.Stage)).Str("job_id", evt.JobID).Msg("recovered while handling event")
		}
	}()

	for _, f := range in.apply(evt) {
		f()
	}
}

// Cancel fences a job so no later event mutates it, and fails its active bubbles.
// It reports whether the job was still running.
func (in *Interpreter) Cancel(jobID string) bool {
	return in.fence(jobID, OutcomeCancelled, "cancelled")
}

// Abort fences a job that can no longer be observed, e.g. after the stream gave
// up reconnecting, and fails its active bubbles with reason.
func (in *Interpreter) Abort(jobID, reason string) bool {
	return in.fence(jobID, OutcomeFailed, reason)
}

func (in *Interpreter) fence(jobID string, outcome Outcome, reason string) bool {
	in.mu.Lock()
	js := in.jobLocked(jobID)
	if js.outcome != OutcomeRunning {
		in.mu.Unlock()
		return false
	}
	js.outcome = outcome
	js.cancel()
	for _, b := range in.bubbles.ActiveBubbles(jobID) {
		in.warnIf(in.bubbles.FailBubble(b.ID, reason), jobID, "fail bubble on "+outcome.String())
	}
	in.mu.Unlock()

	in.logger.Info().Str("job_id", jobID).Str("outcome", outcome.String()).Msg("job fenced")
	return true
}

// Outcome returns the job's state as far as the interpreter knows.
func (in *Interpreter) Outcome(jobID string) Outcome {
	in.mu.Lock()
	defer in.mu.Unlock()
	if js, ok := in.jobs[jobID]; ok {
		return js.outcome
	}
	return OutcomeRunning
}

// Images returns the generated image URLs seen for a job, in arrival order.
func (in *Interpreter) Images(jobID string) []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if js, ok := in.jobs[jobID]; ok {
		return append([]string(nil), js.images...)
	}
	return nil
}

// Forget drops the per-job memory and stops any placement still running for it.
// The most recently forgotten jobs stay fenced, so a frame still in flight on
// their old stream is ignored.
func (in *Interpreter) Forget(jobID string) {
	in.mu.Lock()
	if js, ok := in.jobs[jobID]; ok {
		js.cancel()
		delete(in.jobs, jobID)
		in.retired = append(in.retired, jobID)
		if len(in.retired) > retiredCap {
			in.retired = in.retired[len(in.retired)-retiredCap:]
		}
	}
	in.mu.Unlock()
}

func (in *Interpreter) retiredLocked(jobID string) bool {
	for _, id := range in.retired {
		if id == jobID {
			return true
		}
	}
	return false
}

// Jobs returns how many jobs the interpreter still remembers.
func (in *Interpreter) Jobs() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.jobs)
}

// Stats returns frame counters.
func (in *Interpreter) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stats
}

// apply mutates state under the lock and returns follow-up actions to run
// after it is released.
func (in *Interpreter) apply(evt pipeline.Event) []func() {
	in.mu.Lock()
	defer in.mu.Unlock()

	info := evt.Info()
	if info.IsHeartbeat() {
		in.stats.Heartbeats++
		return nil
	}

	if in.retiredLocked(evt.JobID) {
		in.stats.Ignored++
		return nil
	}
	js := in.jobLocked(evt.JobID)
	if js.outcome != OutcomeRunning {
		in.stats.Ignored++
		in.logger.Debug().Str("job_id", evt.JobID).Str("stage", string(evt.Stage)).Str("outcome", js.outcome.String()).Msg("ignoring event for finished job")
		return nil
	}
	if evt.HasSeq {
		if js.hasSeq && evt.Seq <= js.lastSeq {
			in.stats.Duplicates++
			in.logger.Debug().Str("job_id", evt.JobID).Uint64("seq", evt.Seq).Uint64("last_seq", js.lastSeq).Msg("dropping replayed event")
			return nil
		}
		js.lastSeq, js.hasSeq = evt.Seq, true
	}
	in.stats.Applied++

	switch {
	case evt.Stage == pipeline.StageDone:
		return in.finishLocked(evt, js)
	case evt.Stage == pipeline.StageError:
		return in.failLocked(evt, js)
	case evt.Stage == pipeline.StagePlan:
		in.planLocked(evt, info)
	case evt.Stage == pipeline.StageImageGenerationProgress:
		return in.imageProgressLocked(evt, info, js)
	case info.IsStart():
		in.startLocked(evt, info, js)
	case info.IsDone():
		in.stepDoneLocked(evt, info, js)
	default:
		in.processingLocked(evt, info)
	}
	return nil
}

func (in *Interpreter) jobLocked(jobID string) *jobState {
	js, ok := in.jobs[jobID]
	if !ok {
		ctx, cancel := context.WithCancel(in.ctx)
		js = &jobState{ctx: ctx, cancel: cancel, starts: make(map[string]time.Time)}
		in.jobs[jobID] = js
	}
	return js
}

// bubbleForLocked returns the active bubble for the phase, creating and
// announcing it when the job has never had one. ok is false when the phase
// already ran to completion, which means the event is a late replay.
func (in *Interpreter) bubbleForLocked(ph pipeline.Phase, jobID string) (id string, ok bool) {
	if b, found := in.bubbles.FindBubble(ph, jobID); found {
		return b.ID, true
	}
	if _, ran := in.bubbles.LatestBubble(ph, jobID); ran {
		return "", false
	}
	in.completeEarlierLocked(ph, jobID)
	id = in.bubbles.CreateBubble(ph, "", jobID)
	msg := in.message(chat.TypeAgentBubble, ph.Title(), jobID)
	msg.BubbleID = id
	in.sink.Enqueue(msg, sequencer.ClassAgentPhase, sequencer.PriorityNormal)
	return id, true
}

// completeEarlierLocked closes still-active bubbles of phases that precede ph.
func (in *Interpreter) completeEarlierLocked(ph pipeline.Phase, jobID string) {
	idx := ph.Index()
	if idx < 0 {
		return
	}
	for _, b := range in.bubbles.ActiveBubbles(jobID) {
		if i := b.Phase.Index(); i >= 0 && i < idx {
			in.warnIf(in.bubbles.CompleteBubble(b.ID), jobID, "complete earlier bubble")
		}
	}
}

// sectionLocked returns the section ID for a step, adding the section when the
// bubble does not have one yet.
func (in *Interpreter) sectionLocked(bubbleID, step string) (string, phase.Section, error) {
	b, ok := in.bubbles.Bubble(bubbleID)
	if !ok {
		return "", phase.Section{}, phase.ErrBubbleNotFound
	}
	if sec, found := b.Section(step); found {
		return sec.ID, sec, nil
	}
	id, err := in.bubbles.AddSection(bubbleID, phase.Section{
		Key:         step,
		Title:       pipeline.StepTitle(step),
		Description: pipeline.StepDescription(step),
	})
	return id, phase.Section{ID: id, Key: step, Status: phase.StatusPending}, err
}

func (in *Interpreter) setStatusLocked(jobID, bubbleID, step string, status phase.SectionStatus, data any) {
	secID, sec, err := in.sectionLocked(bubbleID, step)
	if err != nil {
		in.warnIf(err, jobID, "resolve section")
		return
	}
	if sec.Status == status || sec.Status.Terminal() {
		return
	}
	upd := phase.SectionUpdate{Status: &status}
	if data != nil {
		upd.Data = data
	}
	err = in.bubbles.UpdateSection(bubbleID, secID, upd)
	var te *phase.TransitionError
	if errors.As(err, &te) {
		in.logger.Debug().Str("job_id", jobID).Str("step", step).Str("from", string(te.From)).Str("to", string(te.To)).Msg("ignoring backward section transition")
		return
	}
	in.warnIf(err, jobID, "update section")
}

func (in *Interpreter) startLocked(evt pipeline.Event, info pipeline.StageInfo, js *jobState) {
	bubbleID, ok := in.bubbleForLocked(info.Phase, evt.JobID)
	if !ok {
		in.logger.Debug().Str("job_id", evt.JobID).Str("stage", string(evt.Stage)).Msg("start for a finished phase")
		return
	}
	if _, seen := js.starts[info.Step]; !seen {
		js.starts[info.Step] = in.clock.Now()
	}
	in.setStatusLocked(evt.JobID, bubbleID, info.Step, phase.StatusActive, nil)
	in.progressLocked(evt, bubbleID)
}

func (in *Interpreter) stepDoneLocked(evt pipeline.Event, info pipeline.StageInfo, js *jobState) {
	bubbleID, ok := in.bubbleForLocked(info.Phase, evt.JobID)
	if !ok {
		in.logger.Debug().Str("job_id", evt.JobID).Str("stage", string(evt.Stage)).Msg("done for a finished phase")
		return
	}

	result := StepResult{Payload: evt.Payload, Message: evt.Message}
	if started, found := js.starts[info.Step]; found {
		result.DurationMs = in.clock.Now().Sub(started).Milliseconds()
		delete(js.starts, info.Step)
	}
	in.setStatusLocked(evt.JobID, bubbleID, info.Step, phase.StatusCompleted, result)

	if text := pipeline.Summary(evt.Payload); text != "" {
		msg := in.message(chat.TypeAgentOutput, text, evt.JobID)
		msg.BubbleID = bubbleID
		if p, isExtraction := evt.Payload.(pipeline.ImageExtractionPayload); isExtraction {
			msg.ImageURLs = p.ImageURLs
		}
		in.sink.Enqueue(msg, outputClass(info.Step), sequencer.PriorityNormal)
	}

	in.progressLocked(evt, bubbleID)
	if info.Step == info.Phase.FinalStep() {
		in.warnIf(in.bubbles.CompleteBubble(bubbleID), evt.JobID, "complete bubble")
	}
}

func (in *Interpreter) planLocked(evt pipeline.Event, info pipeline.StageInfo) {
	bubbleID, ok := in.bubbleForLocked(pipeline.PhasePlan, evt.JobID)
	if !ok {
		return
	}
	in.setStatusLocked(evt.JobID, bubbleID, info.Step, phase.StatusCompleted, StepResult{Payload: evt.Payload, Message: evt.Message})
	if text := pipeline.Summary(evt.Payload); text != "" {
		msg := in.message(chat.TypeAgentOutput, text, evt.JobID)
		msg.BubbleID = bubbleID
		in.sink.Enqueue(msg, sequencer.ClassOutput, sequencer.PriorityNormal)
	}
	in.warnIf(in.bubbles.CompleteBubble(bubbleID), evt.JobID, "complete plan bubble")
}

// imageProgressLocked returns the canvas placement to run once the lock is
// released, since sizing an image can take seconds.
func (in *Interpreter) imageProgressLocked(evt pipeline.Event, info pipeline.StageInfo, js *jobState) []func() {
	bubbleID, ok := in.bubbleForLocked(pipeline.PhaseAdCreation, evt.JobID)
	if !ok {
		return nil
	}
	in.setStatusLocked(evt.JobID, bubbleID, info.Step, phase.StatusActive, nil)

	var after []func()
	p, _ := evt.Payload.(pipeline.ImageProgressPayload)
	if p.ImageURL != "" && !contains(js.images, p.ImageURL) {
		js.images = append(js.images, p.ImageURL)
		if place := in.placementLocked(js, []string{p.ImageURL}, evt.JobID); place != nil {
			after = append(after, place)
		}
	}

	switch {
	case evt.Pct != nil:
		in.warnIf(in.bubbles.SetProgress(bubbleID, *evt.Pct), evt.JobID, "set progress")
	case p.Total > 0:
		in.warnIf(in.bubbles.SetProgress(bubbleID, 100*float64(p.Current)/float64(p.Total)), evt.JobID, "set progress")
	}

	if text := pipeline.Summary(p); text != "" {
		msg := in.message(chat.TypeTemporaryStatus, text, evt.JobID)
		msg.BubbleID = bubbleID
		in.sink.Enqueue(msg, sequencer.ClassAI, sequencer.PriorityNormal)
	}
	return after
}

// placementLocked binds a placement to the job's context. The returned func is
// nil when there is nothing to place.
func (in *Interpreter) placementLocked(js *jobState, urls []string, jobID string) func() {
	if in.placer == nil || len(urls) == 0 {
		return nil
	}
	placer, ctx := in.placer, js.ctx
	return func() {
		if ctx.Err() != nil {
			return
		}
		placer.Place(ctx, urls, jobID)
	}
}

func (in *Interpreter) processingLocked(evt pipeline.Event, info pipeline.StageInfo) {
	text := evt.Message
	if text == "" {
		text = info.Label
	}
	in.logger.Debug().Str("job_id", evt.JobID).Str("stage", string(evt.Stage)).Msg("unrecognized stage treated as processing")
	in.sink.Enqueue(in.message(chat.TypeTemporaryStatus, text, evt.JobID), sequencer.ClassAI, sequencer.PriorityNormal)
}

func (in *Interpreter) progressLocked(evt pipeline.Event, bubbleID string) {
	if evt.Pct != nil {
		in.warnIf(in.bubbles.SetProgress(bubbleID, *evt.Pct), evt.JobID, "set progress")
	}
}

func (in *Interpreter) finishLocked(evt pipeline.Event, js *jobState) []func() {
	js.outcome = OutcomeCompleted
	for _, b := range in.bubbles.ActiveBubbles(evt.JobID) {
		in.warnIf(in.bubbles.CompleteBubble(b.ID), evt.JobID, "complete bubble on done")
	}

	urls := append([]string(nil), js.images...)
	if p, ok := evt.Payload.(pipeline.DonePayload); ok {
		for _, u := range p.ImageURLs {
			if !contains(urls, u) {
				urls = append(urls, u)
			}
		}
	}
	js.images = urls
	place := in.placementLocked(js, append([]string(nil), urls...), evt.JobID)

	text := evt.Message
	if text == "" {
		text = pipeline.Summary(pipeline.DonePayload{ImageURLs: urls})
	}
	msg := in.message(chat.TypeCompletion, text, evt.JobID)
	msg.ImageURLs = urls
	in.sink.Enqueue(msg, sequencer.ClassOutput, sequencer.PriorityNormal)

	in.logger.Info().Str("job_id", evt.JobID).Int("images", len(urls)).Msg("job completed")
	return in.terminalActions(evt.JobID, OutcomeCompleted, text, place)
}

func (in *Interpreter) failLocked(evt pipeline.Event, js *jobState) []func() {
	js.outcome = OutcomeFailed
	p, _ := evt.Payload.(pipeline.ErrorPayload)
	code := evt.ErrorCode
	if code == "" {
		code = p.Code
	}
	detail := evt.Message
	if detail == "" {
		detail = p.Detail
	}
	if detail == "" {
		detail = "Ad generation failed"
	}

	for _, b := range in.bubbles.ActiveBubbles(evt.JobID) {
		in.warnIf(in.bubbles.FailBubble(b.ID, detail), evt.JobID, "fail bubble")
	}

	text := detail
	if code != "" {
		text = fmt.Sprintf("%s (%s)", detail, code)
	}
	in.sink.Enqueue(in.message(chat.TypeError, text, evt.JobID), sequencer.ClassAI, sequencer.PriorityHigh)

	in.logger.Warn().Str("job_id", evt.JobID).Str("error_code", code).Str("detail", detail).Msg("job failed")
	return in.terminalActions(evt.JobID, OutcomeFailed, text, nil)
}

// terminalActions disconnects first, then runs place (if any), then tells the
// observer, so the job is reported finished only once its images are on the board.
func (in *Interpreter) terminalActions(jobID string, outcome Outcome, detail string, place func()) []func() {
	var after []func()
	if in.closer != nil {
		closer := in.closer
		after = append(after, closer.Disconnect)
	}
	if place != nil {
		after = append(after, place)
	}
	if in.observer != nil {
		obs := in.observer
		after = append(after, func() { obs.JobFinished(jobID, outcome, detail) })
	}
	return after
}

func (in *Interpreter) message(typ chat.Type, content, jobID string) chat.Message {
	msg := chat.NewLocalMessage(chat.RoleAssistant, typ, content)
	msg.JobID = jobID
	return msg
}

func (in *Interpreter) warnIf(err error, jobID, action string) {
	if err != nil {
		in.logger.Warn().Err(err).Str("job_id", jobID).Msg(action)
	}
}

func outputClass(step string) sequencer.Class {
	switch step {
	case "research":
		return sequencer.ClassResearch
	case "concepts", "ideas":
		return sequencer.ClassConcept
	default:
		return sequencer.ClassOutput
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
