// ABOUTME: Chat transcript message types shared by the sequencer, persistence, and UI layers.
// ABOUTME: Messages start with a locally minted ID and receive a server-stable ID once persisted.
package chat

import (
	"time"

	"github.com/2389-research/adcanvas/ids"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Type classifies how a message is rendered and whether it is persisted.
type Type string

const (
	TypeText            Type = "text"
	TypeAgentBubble     Type = "agent_bubble"
	TypeAgentOutput     Type = "agent_output"
	TypeTemporaryStatus Type = "temporary_status"
	TypeError           Type = "error"
	TypeCompletion      Type = "completion"
	TypeCancelled       Type = "cancelled"
)

// Message is one transcript entry.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Type        Type      `json:"type"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	ImageURLs   []string  `json:"image_urls,omitempty"`
	IsTemporary bool      `json:"is_temporary,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	BubbleID    string    `json:"bubble_id,omitempty"`
}

// NewLocalMessage creates a message with a local ID; Timestamp is set when displayed.
func NewLocalMessage(role Role, typ Type, content string) Message {
	return Message{
		ID:          ids.NewLocal(),
		Role:        role,
		Type:        typ,
		Content:     content,
		IsTemporary: typ == TypeTemporaryStatus,
	}
}

// Persistable reports whether the message belongs in durable storage.
func (m Message) Persistable() bool {
	return !m.IsTemporary
}

// IsLocal reports whether the message still carries a locally minted ID.
func (m Message) IsLocal() bool {
	return ids.IsLocal(m.ID)
}
