package events

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryBus is a thread-safe in-process Publisher for tests and embedded
// runs. Replay history is capped per task at StreamMaxLen, matching the
// Redis stream behavior.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // taskID -> handlers
	history  map[string][]Record       // taskID -> capped replay buffer
	inbox    map[string][]Record       // userID -> delivered inbox records
	counter  int
}

type handlerEntry struct {
	id      int
	handler Handler
}

var _ Publisher = (*InMemoryBus)(nil)

// NewInMemoryBus creates an empty InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]handlerEntry),
		history:  make(map[string][]Record),
		inbox:    make(map[string][]Record),
	}
}

// Publish delivers the record to subscribers and appends it to the replay
// buffer. Handlers run outside the lock.
func (b *InMemoryBus) Publish(ctx context.Context, rec *Record) error {
	b.mu.Lock()
	if rec.TaskID != "" {
		hist := append(b.history[rec.TaskID], *rec)
		if len(hist) > StreamMaxLen {
			hist = hist[len(hist)-StreamMaxLen:]
		}
		b.history[rec.TaskID] = hist
	} else if rec.UserID != "" {
		b.inbox[rec.UserID] = append(b.inbox[rec.UserID], *rec)
	}
	var targets []Handler
	for _, e := range b.handlers[rec.TaskID] {
		targets = append(targets, e.handler)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish: %d handler error(s): %v", len(errs), errs[0])
	}
	return nil
}

// Replay returns up to limit recent records for taskID, oldest first.
func (b *InMemoryBus) Replay(_ context.Context, taskID string, limit int) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.history[taskID]
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]Record, len(hist))
	copy(out, hist)
	return out, nil
}

// Subscribe registers a handler for a task's live channel.
// The returned function unsubscribes the handler.
func (b *InMemoryBus) Subscribe(taskID string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counter++
	id := b.counter
	b.handlers[taskID] = append(b.handlers[taskID], handlerEntry{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[taskID]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, taskID)
		} else {
			b.handlers[taskID] = filtered
		}
	}
}

// Inbox returns the records delivered to a user's inbox channel, for tests.
func (b *InMemoryBus) Inbox(userID string) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, len(b.inbox[userID]))
	copy(out, b.inbox[userID])
	return out
}
