package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jfletcher/palaver/llm"
)

// DefaultTitle is the placeholder title new conversations start with. Title
// generation only runs while a conversation still carries it.
const DefaultTitle = "New Chat"

// ConversationKind distinguishes one-on-one chats from group chats with
// several model participants.
type ConversationKind string

const (
	KindSingle ConversationKind = "single"
	KindGroup  ConversationKind = "group"
)

// Conversation is a thread of messages with one or more model participants.
type Conversation struct {
	ID           string
	Kind         ConversationKind
	Title        string
	Preview      string // first line of the latest message, for list views
	Pinned       bool
	Participants []Participant
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the participant invariants: every conversation has at
// least one participant, and a single conversation has exactly one.
func (c *Conversation) Validate() error {
	if len(c.Participants) == 0 {
		return errors.New("conversation has no participants")
	}
	if c.Kind == KindSingle && len(c.Participants) != 1 {
		return fmt.Errorf("single conversation has %d participants, want 1", len(c.Participants))
	}
	return nil
}

// Participant is one model/persona pairing in a conversation, ordered by
// Position for group round-robin.
type Participant struct {
	ModelID   string `json:"model_id"`
	PersonaID string `json:"persona_id,omitempty"`
	Position  int    `json:"position"`
}

// MessageStatus tracks the lifecycle of a message.
type MessageStatus string

const (
	StatusStreaming MessageStatus = "streaming"
	StatusSuccess   MessageStatus = "success"
	StatusError     MessageStatus = "error"
	StatusPaused    MessageStatus = "paused" // generation cancelled, partial content kept
)

// Message is one entry in a conversation. Assistant messages carry the
// sending model and persona so group chats can attribute them.
type Message struct {
	ID             string
	ConversationID string
	BranchID       string
	Role           llm.Role
	ModelID        string
	PersonaID      string
	Content        string
	Reasoning      string
	ToolCalls      []llm.ToolCall
	ToolResults    []llm.ToolResult
	Images         []string // data URIs or URLs extracted from content
	Status         MessageStatus
	ErrorText      string
	Streaming      bool
	CreatedAt      time.Time
}

// BlockKind separates displayed answer text from thinking text.
type BlockKind string

const (
	BlockMain     BlockKind = "main"
	BlockThinking BlockKind = "thinking"
)

// Block is a renderable section of a message.
type Block struct {
	ID        string
	MessageID string
	Kind      BlockKind
	Content   string
	Status    MessageStatus
	SortOrder int
}

// TruncatePreview returns the first line of content, truncated to 100 chars.
func TruncatePreview(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "\n"); idx != -1 {
		content = content[:idx]
	}
	if len(content) > 100 {
		content = content[:97] + "..."
	}
	return content
}
