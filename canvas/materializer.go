// ABOUTME: Canvas Materializer that places generated image URLs onto the board without duplicates.
// ABOUTME: Each batch becomes one left-to-right row below the lowest existing object; unsized images get placeholders.
package canvas

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/2389-research/adcanvas/clock"
	"github.com/2389-research/adcanvas/ids"
)

// Sizer reports the pixel dimensions of an image.
type Sizer interface {
	Size(ctx context.Context, src string) (width, height int, err error)
}

// SizerFunc adapts a function to Sizer.
type SizerFunc func(ctx context.Context, src string) (int, int, error)

// Size implements Sizer.
func (f SizerFunc) Size(ctx context.Context, src string) (int, int, error) { return f(ctx, src) }

// Layout holds placement constants in canvas units.
type Layout struct {
	Margin            float64 // top-left offset on an empty board
	SlotWidth         float64 // width allotted to each image
	Gap               float64 // spacing between slots and between rows
	PlaceholderHeight float64
}

// DefaultLayout is a 40 margin, 220 wide slots, and a 40 gap.
func DefaultLayout() Layout {
	return Layout{Margin: 40, SlotWidth: 220, Gap: 40, PlaceholderHeight: 220}
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithSizer sets the image sizer. Without one, images are placed as square slots.
func WithSizer(s Sizer) Option { return func(m *Materializer) { m.sizer = s } }

// WithLayout overrides placement constants.
func WithLayout(l Layout) Option { return func(m *Materializer) { m.layout = l } }

// WithProxy stores sources in proxied form.
func WithProxy() Option { return func(m *Materializer) { m.proxy = true } }

// WithClock sets the clock used for CreatedAt.
func WithClock(c clock.Clock) Option { return func(m *Materializer) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(m *Materializer) { m.logger = l } }

// Materializer turns image URLs into board objects.
type Materializer struct {
	mu     sync.Mutex // serializes batches so rows never overlap
	board  *Board
	sizer  Sizer
	layout Layout
	proxy  bool
	clock  clock.Clock
	logger zerolog.Logger
}

// NewMaterializer creates a materializer placing onto board.
func NewMaterializer(board *Board, opts ...Option) *Materializer {
	m := &Materializer{
		board:  board,
		layout: DefaultLayout(),
		clock:  clock.Real(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Board returns the board objects are placed on.
func (m *Materializer) Board() *Board { return m.board }

// Place adds every URL whose origin is not yet on the board as one new row and
// returns the objects that were added, in order. Cancelling ctx stops the batch;
// objects already added stay.
func (m *Materializer) Place(ctx context.Context, urls []string, jobID string) []Object {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := m.dedup(urls)
	if len(fresh) == 0 {
		return nil
	}

	y := m.layout.Margin
	if bottom, ok := m.board.Bottom(); ok {
		y = bottom + m.layout.Gap
	}
	x := m.layout.Margin

	var placed []Object
	for _, origin := range fresh {
		if ctx.Err() != nil {
			break
		}
		w, h, placeholder := m.slot(ctx, origin)
		if ctx.Err() != nil {
			m.logger.Debug().Str("job_id", jobID).Str("src", origin).Msg("placement cancelled")
			break
		}
		src := origin
		if m.proxy {
			src = WrapProxy(origin)
		}
		obj := Object{
			ID:          ids.New(),
			X:           x,
			Y:           y,
			Width:       w,
			Height:      h,
			Src:         src,
			Placeholder: placeholder,
			JobID:       jobID,
			CreatedAt:   m.clock.Now(),
		}
		if !m.board.Add(obj) {
			continue
		}
		placed = append(placed, obj)
		x += m.layout.SlotWidth + m.layout.Gap
	}

	m.logger.Debug().Str("job_id", jobID).Int("placed", len(placed)).Float64("row_y", y).Msg("placed canvas batch")
	return placed
}

// dedup resolves every URL to its origin and drops those already on the board
// or repeated within the batch.
func (m *Materializer) dedup(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	var out []string
	for _, u := range urls {
		origin := UnwrapProxy(u)
		if origin == "" || seen[origin] || m.board.Contains(origin) {
			continue
		}
		seen[origin] = true
		out = append(out, origin)
	}
	return out
}

// slot returns the width and height for an image, and whether it is a placeholder.
func (m *Materializer) slot(ctx context.Context, origin string) (float64, float64, bool) {
	if m.sizer == nil {
		return m.layout.SlotWidth, m.layout.SlotWidth, false
	}
	w, h, err := m.sizer.Size(ctx, origin)
	if err != nil || w <= 0 || h <= 0 {
		m.logger.Warn().Err(err).Str("src", origin).Msg("image size unavailable, using placeholder")
		return m.layout.SlotWidth, m.layout.PlaceholderHeight, true
	}
	return m.layout.SlotWidth, m.layout.SlotWidth * float64(h) / float64(w), false
}
