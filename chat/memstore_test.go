package chat

import (
	"context"
	"errors"
	"sync"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string]*Message
	order         []string
	blocks        map[string]*Block

	messageUpdates int
	failUpdates    bool
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		blocks:        make(map[string]*Block),
	}
}

func (s *memStore) InsertConversation(ctx context.Context, conv *Conversation) error {
	if conv.Kind == "" {
		conv.Kind = KindSingle
	}
	if err := conv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *conv
	s.conversations[conv.ID] = &c
	return nil
}

func (s *memStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, errors.New("conversation not found")
	}
	out := *c
	return &out, nil
}

func (s *memStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return errors.New("conversation not found")
	}
	if update.Title != nil {
		c.Title = *update.Title
	}
	if update.Preview != nil {
		c.Preview = *update.Preview
	}
	if update.Pinned != nil {
		c.Pinned = *update.Pinned
	}
	return nil
}

func (s *memStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	return out, nil
}

func (s *memStore) InsertMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *msg
	s.messages[msg.ID] = &m
	s.order = append(s.order, msg.ID)
	return nil
}

func (s *memStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, errors.New("message not found")
	}
	out := *m
	return &out, nil
}

func (s *memStore) UpdateMessage(ctx context.Context, id string, update MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageUpdates++
	if s.failUpdates {
		return errors.New("store unavailable")
	}
	m, ok := s.messages[id]
	if !ok {
		return errors.New("message not found")
	}
	if update.Content != nil {
		m.Content = *update.Content
	}
	if update.Reasoning != nil {
		m.Reasoning = *update.Reasoning
	}
	if update.Status != nil {
		m.Status = *update.Status
	}
	if update.ErrorText != nil {
		m.ErrorText = *update.ErrorText
	}
	if update.Streaming != nil {
		m.Streaming = *update.Streaming
	}
	if update.ToolCalls != nil {
		m.ToolCalls = update.ToolCalls
	}
	if update.ToolResults != nil {
		m.ToolResults = update.ToolResults
	}
	if update.Images != nil {
		m.Images = update.Images
	}
	return nil
}

func (s *memStore) RecentMessages(ctx context.Context, conversationID, branchID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.ConversationID == conversationID && m.BranchID == branchID {
			out = append(out, *m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) InsertBlock(ctx context.Context, block *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := *block
	s.blocks[block.ID] = &b
	return nil
}

func (s *memStore) UpdateBlock(ctx context.Context, id string, update BlockUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return errors.New("block not found")
	}
	if update.Content != nil {
		b.Content = *update.Content
	}
	if update.Status != nil {
		b.Status = *update.Status
	}
	return nil
}

func (s *memStore) BlocksFor(ctx context.Context, messageID string) ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Block
	for _, b := range s.blocks {
		if b.MessageID == messageID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }
