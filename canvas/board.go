// ABOUTME: Canvas board holding placed image objects in insertion order.
// ABOUTME: Enforces one object per origin URL and broadcasts changes to subscribers.
package canvas

import (
	"errors"
	"sync"
	"time"

	"github.com/2389-research/adcanvas/notify"
)

// ErrObjectNotFound is returned when an object ID is not on the board.
var ErrObjectNotFound = errors.New("canvas object not found")

// Object is a placed image.
type Object struct {
	ID          string    `json:"id"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	Src         string    `json:"src"`
	Placeholder bool      `json:"placeholder,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Origin returns the proxy-unwrapped source URL.
func (o Object) Origin() string {
	return UnwrapProxy(o.Src)
}

// Bottom returns the object's lower edge.
func (o Object) Bottom() float64 {
	return o.Y + o.Height
}

// ChangeKind describes a board mutation.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
	ChangeLoaded  ChangeKind = "loaded"
)

// Change is broadcast after each board mutation.
type Change struct {
	Kind   ChangeKind
	Object Object
}

// Board is the set of objects on the canvas. It is safe for concurrent use.
type Board struct {
	mu      sync.RWMutex
	objects []Object
	changes *notify.Broadcaster[Change]
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{changes: notify.New[Change](notify.DefaultBuffer)}
}

// Subscribe returns a channel of board changes.
func (b *Board) Subscribe() chan Change { return b.changes.Subscribe() }

// Unsubscribe stops delivery to ch and closes it.
func (b *Board) Unsubscribe(ch chan Change) { b.changes.Unsubscribe(ch) }

// Add appends obj unless an object with the same origin URL or ID is present.
// It reports whether the object was added.
func (b *Board) Add(obj Object) bool {
	b.mu.Lock()
	origin := obj.Origin()
	for _, o := range b.objects {
		if o.ID == obj.ID || o.Origin() == origin {
			b.mu.Unlock()
			return false
		}
	}
	b.objects = append(b.objects, obj)
	b.mu.Unlock()

	b.changes.Broadcast(Change{Kind: ChangeAdded, Object: obj})
	return true
}

// Update replaces the object with the same ID.
func (b *Board) Update(obj Object) error {
	b.mu.Lock()
	i := b.indexLocked(obj.ID)
	if i < 0 {
		b.mu.Unlock()
		return ErrObjectNotFound
	}
	b.objects[i] = obj
	b.mu.Unlock()

	b.changes.Broadcast(Change{Kind: ChangeUpdated, Object: obj})
	return nil
}

// Remove deletes the object with the given ID.
func (b *Board) Remove(id string) error {
	b.mu.Lock()
	i := b.indexLocked(id)
	if i < 0 {
		b.mu.Unlock()
		return ErrObjectNotFound
	}
	obj := b.objects[i]
	b.objects = append(b.objects[:i], b.objects[i+1:]...)
	b.mu.Unlock()

	b.changes.Broadcast(Change{Kind: ChangeRemoved, Object: obj})
	return nil
}

// Load replaces the board contents, keeping the first object per origin URL.
func (b *Board) Load(objs []Object) {
	seen := make(map[string]bool, len(objs))
	kept := make([]Object, 0, len(objs))
	for _, o := range objs {
		if seen[o.Origin()] {
			continue
		}
		seen[o.Origin()] = true
		kept = append(kept, o)
	}
	b.mu.Lock()
	b.objects = kept
	b.mu.Unlock()

	b.changes.Broadcast(Change{Kind: ChangeLoaded})
}

// Objects returns a copy of the objects in insertion order.
func (b *Board) Objects() []Object {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Object, len(b.objects))
	copy(out, b.objects)
	return out
}

// Object returns the object with the given ID.
func (b *Board) Object(id string) (Object, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := b.indexLocked(id); i >= 0 {
		return b.objects[i], true
	}
	return Object{}, false
}

// Contains reports whether an object with the given origin URL is present.
// src may be proxied.
func (b *Board) Contains(src string) bool {
	origin := UnwrapProxy(src)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.objects {
		if o.Origin() == origin {
			return true
		}
	}
	return false
}

// Bottom returns max(y+height) over all objects, and false on an empty board.
func (b *Board) Bottom() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.objects) == 0 {
		return 0, false
	}
	bottom := b.objects[0].Bottom()
	for _, o := range b.objects[1:] {
		if o.Bottom() > bottom {
			bottom = o.Bottom()
		}
	}
	return bottom, true
}

// Len returns the number of objects.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

func (b *Board) indexLocked(id string) int {
	for i, o := range b.objects {
		if o.ID == id {
			return i
		}
	}
	return -1
}
