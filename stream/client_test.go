// ABOUTME: Tests for the reconnecting stream client using scripted transports and a virtual clock.
// ABOUTME: Covers the reconnect bound, mid-stream drop recovery, watchdog resets, and stale-handle fencing.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/adcanvas/clock"
	"github.com/2389-research/adcanvas/sse"
)

// fakeConn is an in-memory stream. When honorClose is false, Close does not
// stop Read, which simulates a stale handle that keeps delivering.
type fakeConn struct {
	data       chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	honorClose bool
	pending    []byte
}

func newFakeConn(honorClose bool) *fakeConn {
	return &fakeConn{data: make(chan []byte, 16), closed: make(chan struct{}), honorClose: honorClose}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		var closed <-chan struct{}
		if f.honorClose {
			closed = f.closed
		}
		select {
		case b, ok := <-f.data:
			if !ok {
				return 0, io.EOF
			}
			f.pending = b
		case <-closed:
			return 0, io.ErrClosedPipe
		}
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) send(s string) { f.data <- []byte(s) }
func (f *fakeConn) end()          { close(f.data) }

type openCall struct {
	jobID, lastEventID string
}

// scriptTransport hands out queued connections; when the queue is empty Open fails.
type scriptTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls []openCall
}

func (s *scriptTransport) Open(_ context.Context, jobID, lastEventID string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, openCall{jobID, lastEventID})
	if len(s.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := s.conns[0]
	s.conns = s.conns[1:]
	return c, nil
}

func (s *scriptTransport) queue(c *fakeConn) {
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
}

func (s *scriptTransport) opens() []openCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]openCall(nil), s.calls...)
}

type recorder struct {
	frames   chan sse.Event
	statuses chan Status
}

func newRecorder() *recorder {
	return &recorder{frames: make(chan sse.Event, 64), statuses: make(chan Status, 64)}
}

func (r *recorder) HandleFrame(evt sse.Event) { r.frames <- evt }
func (r *recorder) HandleStatus(st Status)    { r.statuses <- st }

func (r *recorder) nextStatus(t *testing.T) Status {
	t.Helper()
	select {
	case st := <-r.statuses:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
		return Status{}
	}
}

func (r *recorder) expectStatus(t *testing.T, want State) Status {
	t.Helper()
	st := r.nextStatus(t)
	if st.State != want {
		t.Fatalf("status = %s (err %v), want %s", st.State, st.Err, want)
	}
	return st
}

func (r *recorder) nextFrame(t *testing.T) sse.Event {
	t.Helper()
	select {
	case evt := <-r.frames:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return sse.Event{}
	}
}

func (r *recorder) drainStatuses() []Status {
	var out []Status
	for {
		select {
		case st := <-r.statuses:
			out = append(out, st)
		default:
			return out
		}
	}
}

func noJitter(time.Duration) time.Duration { return 0 }

func newTestClient(tr Transport) (*Client, *recorder, *clock.Fake) {
	fc := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := newRecorder()
	c := New(tr, DefaultConfig(), rec, WithClock(fc), WithJitter(noJitter))
	return c, rec, fc
}

func TestReconnectBoundEmitsOneTerminalFailure(t *testing.T) {
	tr := &scriptTransport{}
	c, rec, fc := newTestClient(tr)

	c.Connect("J1")
	fc.Advance(10 * time.Minute)
	fc.Advance(10 * time.Minute)

	statuses := rec.drainStatuses()
	var reconnecting, failed int
	var delays []time.Duration
	for _, st := range statuses {
		switch st.State {
		case StateReconnecting:
			reconnecting++
			delays = append(delays, st.Delay)
		case StateFailed:
			failed++
		}
	}
	if reconnecting != 5 {
		t.Errorf("reconnecting statuses = %d, want 5", reconnecting)
	}
	if failed != 1 {
		t.Errorf("failed statuses = %d, want 1", failed)
	}
	if got := len(tr.opens()); got != 6 {
		t.Errorf("open attempts = %d, want 6 (initial + 5 reconnects)", got)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := range want {
		if i < len(delays) && delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
	if c.State() != StateFailed {
		t.Errorf("state = %s, want failed", c.State())
	}
	if n := len(fc.Pending()); n != 0 {
		t.Errorf("timers pending after give-up: %d", n)
	}
}

func TestMidStreamDropSchedulesOneReconnectAtBaseDelay(t *testing.T) {
	tr := &scriptTransport{}
	first := newFakeConn(true)
	tr.queue(first)
	c, rec, fc := newTestClient(tr)

	c.Connect("J1")
	rec.expectStatus(t, StateConnecting)
	rec.expectStatus(t, StateOpen)

	first.send("id: 4\nevent: research_started\ndata: {\"stage\":\"research_started\",\"jobId\":\"J1\"}\n\n")
	if evt := rec.nextFrame(t); evt.ID != "4" {
		t.Fatalf("frame id = %q", evt.ID)
	}
	first.end()

	st := rec.expectStatus(t, StateReconnecting)
	if st.Attempt != 1 || st.Delay != time.Second {
		t.Errorf("reconnect attempt=%d delay=%v, want 1 and 1s", st.Attempt, st.Delay)
	}
	if !errors.Is(st.Err, ErrStreamEnded) {
		t.Errorf("cause = %v", st.Err)
	}
	if p := fc.Pending(); len(p) != 1 || p[0] != time.Second {
		t.Fatalf("pending timers = %v, want exactly [1s]", p)
	}

	second := newFakeConn(true)
	tr.queue(second)
	fc.Advance(time.Second)
	rec.expectStatus(t, StateOpen)

	opens := tr.opens()
	if len(opens) != 2 || opens[1].lastEventID != "4" {
		t.Errorf("opens = %+v, want resume from 4", opens)
	}
	if c.Attempts() != 0 {
		t.Errorf("attempts after successful open = %d", c.Attempts())
	}
	c.Disconnect()
}

func TestWatchdogResetByHeartbeatComments(t *testing.T) {
	tr := &scriptTransport{}
	conn := newFakeConn(true)
	tr.queue(conn)
	c, rec, fc := newTestClient(tr)

	c.Connect("J1")
	rec.expectStatus(t, StateConnecting)
	rec.expectStatus(t, StateOpen)

	fc.Advance(59 * time.Second)
	conn.send(": heartbeat\n\n")
	if evt := rec.nextFrame(t); !evt.IsComment() {
		t.Fatalf("expected comment frame, got %+v", evt)
	}
	fc.Advance(59 * time.Second)
	select {
	case st := <-rec.statuses:
		t.Fatalf("unexpected status before watchdog window: %+v", st)
	default:
	}

	fc.Advance(2 * time.Second)
	st := rec.expectStatus(t, StateReconnecting)
	if !errors.Is(st.Err, ErrWatchdogTimeout) {
		t.Errorf("cause = %v, want watchdog timeout", st.Err)
	}
	if st.Delay != time.Second {
		t.Errorf("delay = %v, want 1s", st.Delay)
	}
	c.Disconnect()
	if n := len(fc.Pending()); n != 0 {
		t.Errorf("timers pending after Disconnect: %d", n)
	}
}

// hangingTransport accepts the connection but never answers until ctx ends.
type hangingTransport struct {
	entered chan struct{}
}

func (h *hangingTransport) Open(ctx context.Context, _, _ string) (io.ReadCloser, error) {
	h.entered <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandshakeTimeoutSchedulesReconnect(t *testing.T) {
	tr := &hangingTransport{entered: make(chan struct{}, 8)}
	c, rec, fc := newTestClient(tr)

	done := make(chan struct{})
	go func() {
		c.Connect("J1")
		close(done)
	}()
	rec.expectStatus(t, StateConnecting)
	select {
	case <-tr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("transport Open was never called")
	}
	if p := fc.Pending(); len(p) != 1 || p[0] != 30*time.Second {
		t.Fatalf("pending timers while connecting = %v, want [30s]", p)
	}

	fc.Advance(30 * time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Connect still blocked after the handshake timeout; state=%s", c.State())
	}
	st := rec.expectStatus(t, StateReconnecting)
	if !errors.Is(st.Err, ErrConnectTimeout) {
		t.Errorf("cause = %v, want ErrConnectTimeout", st.Err)
	}
	if st.Attempt != 1 || st.Delay != 500*time.Millisecond {
		t.Errorf("attempt=%d delay=%v, want 1 and 500ms", st.Attempt, st.Delay)
	}
	c.Disconnect()
	if n := len(fc.Pending()); n != 0 {
		t.Errorf("timers pending after Disconnect: %d", n)
	}
}

func TestFramesFromStaleHandleAreDropped(t *testing.T) {
	tr := &scriptTransport{}
	stale := newFakeConn(false)
	tr.queue(stale)
	c, rec, _ := newTestClient(tr)

	c.Connect("J1")
	rec.expectStatus(t, StateConnecting)
	rec.expectStatus(t, StateOpen)
	stale.send("id: 1\ndata: {}\n\n")
	rec.nextFrame(t)

	c.Disconnect()
	rec.expectStatus(t, StateClosed)
	stale.send("id: 2\ndata: {}\n\n")

	select {
	case evt := <-rec.frames:
		t.Fatalf("stale frame delivered: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tr := &scriptTransport{}
	c, rec, fc := newTestClient(tr)

	c.Disconnect()
	if got := rec.drainStatuses(); len(got) != 0 {
		t.Fatalf("Disconnect on idle client emitted %v", got)
	}

	c.Connect("J1") // fails and schedules a reconnect
	c.Disconnect()
	c.Disconnect()

	var closed int
	for _, st := range rec.drainStatuses() {
		if st.State == StateClosed {
			closed++
		}
	}
	if closed != 1 {
		t.Errorf("closed statuses = %d, want 1", closed)
	}
	if n := len(fc.Pending()); n != 0 {
		t.Errorf("reconnect timer survived Disconnect: %d pending", n)
	}
	fc.Advance(time.Minute)
	if got := len(tr.opens()); got != 1 {
		t.Errorf("opens = %d, want 1", got)
	}
}

func TestConnectReplacesExistingConnection(t *testing.T) {
	tr := &scriptTransport{}
	a := newFakeConn(true)
	b := newFakeConn(true)
	tr.queue(a)
	tr.queue(b)
	c, rec, _ := newTestClient(tr)

	c.Connect("J1")
	rec.expectStatus(t, StateConnecting)
	rec.expectStatus(t, StateOpen)
	c.Connect("J2")
	rec.expectStatus(t, StateConnecting)
	rec.expectStatus(t, StateOpen)

	select {
	case <-a.closed:
	case <-time.After(time.Second):
		t.Fatal("first connection was not closed")
	}
	if c.JobID() != "J2" {
		t.Errorf("JobID = %q", c.JobID())
	}
	opens := tr.opens()
	if opens[1].jobID != "J2" || opens[1].lastEventID != "" {
		t.Errorf("second open = %+v", opens[1])
	}
	c.Disconnect()
}

func TestStateString(t *testing.T) {
	names := map[State]string{
		StateIdle: "idle", StateConnecting: "connecting", StateOpen: "open",
		StateReconnecting: "reconnecting", StateFailed: "failed", StateClosed: "closed",
	}
	for s, want := range names {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
