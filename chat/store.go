package chat

import (
	"context"

	"github.com/jfletcher/palaver/llm"
)

// ConversationUpdate is a partial conversation update; nil fields are left
// unchanged.
type ConversationUpdate struct {
	Title   *string
	Preview *string
	Pinned  *bool
}

// MessageUpdate is a partial message update; nil fields are left unchanged.
// Slice fields replace the stored value when non-nil.
type MessageUpdate struct {
	Content     *string
	Reasoning   *string
	Status      *MessageStatus
	ErrorText   *string
	Streaming   *bool
	ToolCalls   []llm.ToolCall
	ToolResults []llm.ToolResult
	Images      []string
}

// BlockUpdate is a partial block update.
type BlockUpdate struct {
	Content *string
	Status  *MessageStatus
}

// Store is the persistence contract the orchestrator writes through. The
// SQLite implementation in this package satisfies it; hosts may supply their
// own.
type Store interface {
	InsertConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error
	ListConversations(ctx context.Context) ([]Conversation, error)

	InsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, id string, update MessageUpdate) error
	// RecentMessages returns up to limit messages of one conversation branch
	// in chronological order. limit <= 0 means no limit.
	RecentMessages(ctx context.Context, conversationID, branchID string, limit int) ([]Message, error)

	InsertBlock(ctx context.Context, block *Block) error
	UpdateBlock(ctx context.Context, id string, update BlockUpdate) error
	BlocksFor(ctx context.Context, messageID string) ([]Block, error)

	Close() error
}
