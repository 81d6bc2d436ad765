// ABOUTME: Reconnecting event stream client that owns at most one live connection per job.
// ABOUTME: Adds a no-event watchdog, bounded exponential backoff with jitter, and generation fencing of stale handles.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/2389-research/adcanvas/clock"
	"github.com/2389-research/adcanvas/retry"
	"github.com/2389-research/adcanvas/sse"
)

var (
	// ErrWatchdogTimeout is the cause reported when no frame arrived within the watchdog window.
	ErrWatchdogTimeout = errors.New("event stream: no events received before watchdog timeout")
	// ErrStreamEnded is the cause reported when the server closed the stream.
	ErrStreamEnded = errors.New("event stream: connection closed by server")
	// ErrConnectTimeout is the cause reported when the stream handshake did not finish in time.
	ErrConnectTimeout = errors.New("event stream: handshake did not complete before connect timeout")
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status describes a lifecycle transition. Attempt and Delay are set for
// reconnecting; Err carries the cause for reconnecting and failed.
type Status struct {
	State   State
	JobID   string
	Attempt int
	Delay   time.Duration
	Err     error
}

// Handler receives frames and lifecycle transitions. Calls are made without
// the client's lock held, so handlers may call back into the client.
type Handler interface {
	HandleFrame(evt sse.Event)
	HandleStatus(st Status)
}

// Handlers adapts a pair of functions to Handler. Nil fields are skipped.
type Handlers struct {
	OnFrame  func(sse.Event)
	OnStatus func(Status)
}

// HandleFrame implements Handler.
func (h Handlers) HandleFrame(evt sse.Event) {
	if h.OnFrame != nil {
		h.OnFrame(evt)
	}
}

// HandleStatus implements Handler.
func (h Handlers) HandleStatus(st Status) {
	if h.OnStatus != nil {
		h.OnStatus(st)
	}
}

// Config tunes reconnect and watchdog behavior.
type Config struct {
	MaxReconnects        int
	BaseDelay            time.Duration
	NeverOpenedBaseDelay time.Duration
	MaxDelay             time.Duration
	MaxJitter            time.Duration
	WatchdogTimeout      time.Duration
	// ConnectTimeout bounds each handshake. Zero falls back to WatchdogTimeout.
	ConnectTimeout time.Duration
}

// DefaultConfig returns 5 reconnects, 1s base (500ms before first open), 30s cap,
// up to 1s jitter, a 60s watchdog, and a 30s handshake timeout.
func DefaultConfig() Config {
	return Config{
		MaxReconnects:        5,
		BaseDelay:            time.Second,
		NeverOpenedBaseDelay: 500 * time.Millisecond,
		MaxDelay:             30 * time.Second,
		MaxJitter:            time.Second,
		WatchdogTimeout:      60 * time.Second,
		ConnectTimeout:       30 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock for backoff and watchdog timers.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithJitter replaces the random jitter source.
func WithJitter(f func(max time.Duration) time.Duration) Option {
	return func(cl *Client) { cl.jitter = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// Client maintains one event stream connection with automatic reconnect.
type Client struct {
	transport Transport
	cfg       Config
	handler   Handler
	clock     clock.Clock
	jitter    func(time.Duration) time.Duration
	logger    zerolog.Logger

	mu          sync.Mutex
	jobID       string
	state       State
	gen         uint64 // bumped whenever the current handle is abandoned
	attempts    int
	everOpened  bool
	lastEventID string
	openExpired bool // the handshake timer cancelled the in-flight Open
	conn        io.ReadCloser
	cancel      context.CancelFunc
	watchdog    clock.Timer
	wdSeq       uint64
	retryTimer  clock.Timer
}

// New creates an idle client.
func New(transport Transport, cfg Config, handler Handler, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		cfg:       cfg,
		handler:   handler,
		clock:     clock.Real(),
		jitter:    retry.RandomJitter,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect tears down any existing connection and opens a stream for jobID.
// Reconnecting to the same job resumes from the last seen event ID.
func (c *Client) Connect(jobID string) {
	c.mu.Lock()
	c.teardownLocked()
	if jobID != c.jobID {
		c.lastEventID = ""
	}
	c.jobID = jobID
	c.attempts = 0
	c.everOpened = false
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	c.logger.Debug().Str("job_id", jobID).Msg("connecting event stream")
	c.emit(Status{State: StateConnecting, JobID: jobID})
	c.open(gen)
}

// Disconnect closes the connection and cancels pending timers. It is a no-op
// when nothing is connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	jobID := c.jobID
	c.teardownLocked()
	c.attempts = 0
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Debug().Str("job_id", jobID).Msg("event stream disconnected")
	c.emit(Status{State: StateClosed, JobID: jobID})
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JobID returns the job the client is attached to.
func (c *Client) JobID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID
}

// Attempts returns the number of reconnects since the last successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastEventID returns the most recent event ID received.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

func (c *Client) open(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.openExpired = false
	c.armHandshakeTimerLocked(gen)
	jobID, lastID := c.jobID, c.lastEventID
	c.mu.Unlock()

	rc, err := c.transport.Open(ctx, jobID, lastID)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		cancel()
		if rc != nil {
			rc.Close()
		}
		return
	}
	if c.openExpired {
		c.openExpired = false
		if rc != nil {
			rc.Close()
		}
		rc, err = nil, ErrConnectTimeout
	}
	if err != nil {
		st := c.lossLocked(err)
		c.mu.Unlock()
		c.emit(st)
		return
	}
	c.conn = rc
	c.attempts = 0
	c.everOpened = true
	c.state = StateOpen
	c.armWatchdogLocked(gen)
	c.mu.Unlock()

	c.logger.Info().Str("job_id", jobID).Str("last_event_id", lastID).Msg("event stream open")
	c.emit(Status{State: StateOpen, JobID: jobID})
	go c.read(gen, rc)
}

func (c *Client) read(gen uint64, rc io.Reader) {
	p := sse.NewParser(rc, sse.WithComments())
	for {
		evt, err := p.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			c.connectionLost(gen, err)
			return
		}
		if !c.accept(gen, evt) {
			return
		}
		if c.handler != nil {
			c.handler.HandleFrame(evt)
		}
	}
}

// accept resets the watchdog for a frame on the live handle. Frames from an
// abandoned handle are rejected.
func (c *Client) accept(gen uint64, evt sse.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.armWatchdogLocked(gen)
	if evt.ID != "" {
		c.lastEventID = evt.ID
	}
	return true
}

func (c *Client) connectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	st := c.lossLocked(cause)
	c.mu.Unlock()
	c.emit(st)
}

func (c *Client) armWatchdogLocked(gen uint64) {
	c.stopWatchdogLocked()
	if c.cfg.WatchdogTimeout <= 0 {
		return
	}
	c.wdSeq++
	seq := c.wdSeq
	c.watchdog = c.clock.AfterFunc(c.cfg.WatchdogTimeout, func() { c.watchdogFired(gen, seq) })
}

// armHandshakeTimerLocked shares the watchdog slot: until the stream opens,
// the timer bounds the handshake instead of the gap between frames.
func (c *Client) armHandshakeTimerLocked(gen uint64) {
	c.stopWatchdogLocked()
	d := c.cfg.ConnectTimeout
	if d <= 0 {
		d = c.cfg.WatchdogTimeout
	}
	if d <= 0 {
		return
	}
	c.wdSeq++
	seq := c.wdSeq
	c.watchdog = c.clock.AfterFunc(d, func() { c.handshakeExpired(gen, seq) })
}

// handshakeExpired cancels the in-flight Open; open reports the loss once
// the transport returns.
func (c *Client) handshakeExpired(gen, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || seq != c.wdSeq || c.state == StateOpen {
		return
	}
	c.watchdog = nil
	c.openExpired = true
	c.logger.Warn().Str("job_id", c.jobID).Msg("event stream handshake timed out")
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Client) watchdogFired(gen, seq uint64) {
	c.mu.Lock()
	if gen != c.gen || seq != c.wdSeq || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.watchdog = nil
	st := c.lossLocked(ErrWatchdogTimeout)
	c.mu.Unlock()
	c.emit(st)
}

// lossLocked abandons the current handle and either schedules a reconnect or
// gives up. It returns the status to emit once the lock is released.
func (c *Client) lossLocked(cause error) Status {
	c.gen++
	gen := c.gen
	c.closeConnLocked()

	if c.attempts >= c.cfg.MaxReconnects {
		c.state = StateFailed
		c.logger.Error().Err(cause).Str("job_id", c.jobID).Int("attempts", c.attempts).Msg("event stream gave up")
		return Status{State: StateFailed, JobID: c.jobID, Attempt: c.attempts, Err: cause}
	}

	delay := c.backoffLocked()
	c.attempts++
	c.state = StateReconnecting
	c.retryTimer = c.clock.AfterFunc(delay, func() { c.open(gen) })
	c.logger.Warn().Err(cause).Str("job_id", c.jobID).Int("attempt", c.attempts).Dur("delay", delay).Msg("event stream lost, reconnecting")
	return Status{State: StateReconnecting, JobID: c.jobID, Attempt: c.attempts, Delay: delay, Err: cause}
}

func (c *Client) backoffLocked() time.Duration {
	base := c.cfg.BaseDelay
	if !c.everOpened && c.cfg.NeverOpenedBaseDelay > 0 {
		base = c.cfg.NeverOpenedBaseDelay
	}
	p := retry.Policy{
		BaseDelay:         base,
		MaxDelay:          c.cfg.MaxDelay,
		BackoffMultiplier: 2,
		MaxJitter:         c.cfg.MaxJitter,
		Jitter:            c.jitter,
	}
	return p.CalculateDelay(c.attempts)
}

func (c *Client) teardownLocked() {
	c.gen++
	c.closeConnLocked()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) closeConnLocked() {
	c.stopWatchdogLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) emit(st Status) {
	if c.handler != nil {
		c.handler.HandleStatus(st)
	}
}
