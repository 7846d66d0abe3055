package chat

import (
	"sync"
	"time"
)

// InProgress is a snapshot of the message currently being generated. There is
// at most one per Progress slot; each flush overwrites the previous snapshot.
type InProgress struct {
	MessageID      string
	ConversationID string
	Content        string
	Reasoning      string
	Status         MessageStatus
	UpdatedAt      time.Time
}

// Progress is the observable in-progress slot a UI subscribes to. Set
// replaces the snapshot, Clear empties it on finalization.
type Progress struct {
	mu       sync.Mutex
	current  *InProgress
	onChange func(*InProgress)
}

func NewProgress() *Progress {
	return &Progress{}
}

// Subscribe registers a callback invoked after every Set and Clear. The
// callback receives nil on Clear. It runs on the orchestrator goroutine and
// must not block.
func (p *Progress) Subscribe(fn func(*InProgress)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Set overwrites the snapshot.
func (p *Progress) Set(view InProgress) {
	view.UpdatedAt = time.Now()
	p.mu.Lock()
	p.current = &view
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(&view)
	}
}

// Clear empties the slot.
func (p *Progress) Clear() {
	p.mu.Lock()
	p.current = nil
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

// Current returns a copy of the snapshot, or nil when idle.
func (p *Progress) Current() *InProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	view := *p.current
	return &view
}
