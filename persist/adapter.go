// ABOUTME: Persistence Adapter contract for chat messages and canvas objects, plus an in-memory implementation.
// ABOUTME: Saves are idempotent upserts so a retried write after partial success never duplicates rows.
package persist

import (
	"context"
	"errors"
	"sync"

	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/ids"
)

var (
	// ErrNotFound is returned when updating an object that was never saved.
	ErrNotFound = errors.New("persist: not found")
	// ErrNotPersistable is returned when saving a temporary message.
	ErrNotPersistable = errors.New("persist: temporary messages are not stored")
)

// Adapter is durable storage for a project's transcript and canvas.
type Adapter interface {
	// SaveMessage stores msg and returns it with a server-stable ID. Saving the
	// same locally minted ID twice returns the same persisted message.
	SaveMessage(ctx context.Context, projectID string, msg chat.Message) (chat.Message, error)
	LoadMessages(ctx context.Context, projectID string) ([]chat.Message, error)
	SaveCanvasObject(ctx context.Context, projectID string, obj canvas.Object) (canvas.Object, error)
	UpdateCanvasObject(ctx context.Context, projectID string, obj canvas.Object) error
	// DeleteCanvasObject is idempotent: deleting a missing object succeeds.
	DeleteCanvasObject(ctx context.Context, projectID, objectID string) error
	LoadCanvasObjects(ctx context.Context, projectID string) ([]canvas.Object, error)
}

// Memory is an Adapter that keeps everything in process memory.
type Memory struct {
	mu       sync.Mutex
	messages map[string][]chat.Message    // project -> messages in save order
	clientID map[string]map[string]string // project -> client ID -> server ID
	objects  map[string][]canvas.Object
}

// NewMemory returns an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string][]chat.Message),
		clientID: make(map[string]map[string]string),
		objects:  make(map[string][]canvas.Object),
	}
}

// SaveMessage implements Adapter.
func (m *Memory) SaveMessage(_ context.Context, projectID string, msg chat.Message) (chat.Message, error) {
	if !msg.Persistable() {
		return chat.Message{}, ErrNotPersistable
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byClient, ok := m.clientID[projectID]
	if !ok {
		byClient = make(map[string]string)
		m.clientID[projectID] = byClient
	}
	if serverID, seen := byClient[msg.ID]; seen {
		for i, existing := range m.messages[projectID] {
			if existing.ID == serverID {
				existing.Content = msg.Content
				existing.ImageURLs = msg.ImageURLs
				m.messages[projectID][i] = existing
				return existing, nil
			}
		}
	}

	saved := msg
	if msg.IsLocal() {
		saved.ID = ids.New()
	}
	byClient[msg.ID] = saved.ID
	m.messages[projectID] = append(m.messages[projectID], saved)
	return saved, nil
}

// LoadMessages implements Adapter.
func (m *Memory) LoadMessages(_ context.Context, projectID string) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.messages[projectID]...), nil
}

// SaveCanvasObject implements Adapter.
func (m *Memory) SaveCanvasObject(_ context.Context, projectID string, obj canvas.Object) (canvas.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.objects[projectID] {
		if o.ID == obj.ID {
			m.objects[projectID][i] = obj
			return obj, nil
		}
	}
	m.objects[projectID] = append(m.objects[projectID], obj)
	return obj, nil
}

// UpdateCanvasObject implements Adapter.
func (m *Memory) UpdateCanvasObject(_ context.Context, projectID string, obj canvas.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.objects[projectID] {
		if o.ID == obj.ID {
			m.objects[projectID][i] = obj
			return nil
		}
	}
	return ErrNotFound
}

// DeleteCanvasObject implements Adapter.
func (m *Memory) DeleteCanvasObject(_ context.Context, projectID, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.objects[projectID]
	for i, o := range list {
		if o.ID == objectID {
			m.objects[projectID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

// LoadCanvasObjects implements Adapter.
func (m *Memory) LoadCanvasObjects(_ context.Context, projectID string) ([]canvas.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]canvas.Object(nil), m.objects[projectID]...), nil
}
