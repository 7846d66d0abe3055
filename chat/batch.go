package chat

import (
	"context"
	"sync"
)

// BatchWriter coalesces message and block updates so a streaming turn that
// produces many small deltas hits the store once per flush instead of once
// per delta. Later updates to the same field overwrite earlier pending ones;
// nothing is lost because each update carries the full field value.
type BatchWriter struct {
	store Store

	mu       sync.Mutex
	messages map[string]MessageUpdate
	blocks   map[string]BlockUpdate
}

func NewBatchWriter(store Store) *BatchWriter {
	return &BatchWriter{
		store:    store,
		messages: make(map[string]MessageUpdate),
		blocks:   make(map[string]BlockUpdate),
	}
}

// UpdateMessage queues a partial message update, merging with any pending
// update for the same message.
func (w *BatchWriter) UpdateMessage(id string, update MessageUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages[id] = mergeMessageUpdate(w.messages[id], update)
}

// UpdateBlock queues a partial block update.
func (w *BatchWriter) UpdateBlock(id string, update BlockUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pending := w.blocks[id]
	if update.Content != nil {
		pending.Content = update.Content
	}
	if update.Status != nil {
		pending.Status = update.Status
	}
	w.blocks[id] = pending
}

// Flush writes pending updates for the given IDs, or everything when no IDs
// are given. Flushed entries are removed even when a write fails; the first
// error is returned.
func (w *BatchWriter) Flush(ctx context.Context, ids ...string) error {
	w.mu.Lock()
	messages := make(map[string]MessageUpdate)
	blocks := make(map[string]BlockUpdate)
	if len(ids) == 0 {
		messages, w.messages = w.messages, make(map[string]MessageUpdate)
		blocks, w.blocks = w.blocks, make(map[string]BlockUpdate)
	} else {
		for _, id := range ids {
			if u, ok := w.messages[id]; ok {
				messages[id] = u
				delete(w.messages, id)
			}
			if u, ok := w.blocks[id]; ok {
				blocks[id] = u
				delete(w.blocks, id)
			}
		}
	}
	w.mu.Unlock()

	var firstErr error
	for id, update := range messages {
		if err := w.store.UpdateMessage(ctx, id, update); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for id, update := range blocks {
		if err := w.store.UpdateBlock(ctx, id, update); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pending reports whether updates are queued for the given message.
func (w *BatchWriter) Pending(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, msg := w.messages[id]
	_, blk := w.blocks[id]
	return msg || blk
}

func mergeMessageUpdate(base, next MessageUpdate) MessageUpdate {
	if next.Content != nil {
		base.Content = next.Content
	}
	if next.Reasoning != nil {
		base.Reasoning = next.Reasoning
	}
	if next.Status != nil {
		base.Status = next.Status
	}
	if next.ErrorText != nil {
		base.ErrorText = next.ErrorText
	}
	if next.Streaming != nil {
		base.Streaming = next.Streaming
	}
	if next.ToolCalls != nil {
		base.ToolCalls = next.ToolCalls
	}
	if next.ToolResults != nil {
		base.ToolResults = next.ToolResults
	}
	if next.Images != nil {
		base.Images = next.Images
	}
	return base
}
