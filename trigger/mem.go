package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemBus is an in-memory Bus for tests and single-process setups.
type MemBus struct {
	mu   sync.Mutex
	subs []memSub
}

type memSub struct {
	patterns []string
	ch       chan Notification
	done     <-chan struct{}
}

// NewMemBus creates an empty MemBus.
func NewMemBus() *MemBus {
	return &MemBus{}
}

// Subscribe registers a pattern subscription bound to ctx.
func (b *MemBus) Subscribe(ctx context.Context, patterns ...string) (<-chan Notification, error) {
	ch := make(chan Notification, 64)
	b.mu.Lock()
	b.subs = append(b.subs, memSub{patterns: patterns, ch: ch, done: ctx.Done()})
	b.mu.Unlock()
	return ch, nil
}

// Announce delivers an event id to every subscriber whose patterns match
// the channel.
func (b *MemBus) Announce(_ context.Context, eventType, eventID string) error {
	b.mu.Lock()
	subs := make([]memSub, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if !matchesAny(eventType, sub.patterns) {
			continue
		}
		select {
		case <-sub.done:
		case sub.ch <- Notification{EventID: eventID, Channel: eventType}:
		default:
		}
	}
	return nil
}

// matchesAny reports whether channel matches any glob-style pattern. Only
// the trailing-star form used by the event patterns is supported.
func matchesAny(channel string, patterns []string) bool {
	for _, p := range patterns {
		if p == channel {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// MemSource is an in-memory Source.
type MemSource struct {
	mu     sync.Mutex
	events map[string]*ExternalEvent
}

var _ Source = (*MemSource)(nil)

// NewMemSource creates an empty MemSource.
func NewMemSource() *MemSource {
	return &MemSource{events: make(map[string]*ExternalEvent)}
}

// Store keeps the event body for later fetches.
func (s *MemSource) Store(_ context.Context, event *ExternalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events[event.ID] = &cp
	return nil
}

// Fetch returns the stored event or ErrEventNotFound.
func (s *MemSource) Fetch(_ context.Context, eventID string) (*ExternalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *event
	return &cp, nil
}

// MemRegistry is an in-memory Registry.
type MemRegistry struct {
	mu         sync.Mutex
	sources    map[string]*SourceConfig
	triggers   map[string]*TaskTrigger
	executions map[string]*Execution
}

var _ Registry = (*MemRegistry)(nil)

// NewMemRegistry creates an empty MemRegistry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		sources:    make(map[string]*SourceConfig),
		triggers:   make(map[string]*TaskTrigger),
		executions: make(map[string]*Execution),
	}
}

// PutSource inserts or replaces a source configuration.
func (r *MemRegistry) PutSource(_ context.Context, cfg *SourceConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cfg
	r.sources[cfg.ID] = &cp
	return nil
}

// GetSource returns the source configuration with the given id.
func (r *MemRegistry) GetSource(_ context.Context, id string) (*SourceConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.sources[id]
	if !ok {
		return nil, ErrSourceNotFound
	}
	cp := *cfg
	return &cp, nil
}

// PutTrigger inserts or replaces a task trigger.
func (r *MemRegistry) PutTrigger(_ context.Context, tr *TaskTrigger) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tr
	r.triggers[tr.ID] = &cp
	return nil
}

// TriggersFor returns the active triggers matching eventType, oldest first.
func (r *MemRegistry) TriggersFor(_ context.Context, eventType string) ([]TaskTrigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TaskTrigger
	for _, tr := range r.triggers {
		if tr.Active && MatchesEventType(eventType, tr.EventType) {
			out = append(out, *tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RecordExecution appends a history entry.
func (r *MemRegistry) RecordExecution(_ context.Context, ex *Execution) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ex
	r.executions[ex.ID] = &cp
	return nil
}

// CompleteExecution moves a running entry to its final status.
func (r *MemRegistry) CompleteExecution(_ context.Context, id string, status ExecutionStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: no such entry", id)
	}
	now := time.Now().UTC()
	ex.Status = status
	ex.Error = errMsg
	ex.FinishedAt = &now
	return nil
}

// History returns execution entries for a trigger, newest first.
func (r *MemRegistry) History(_ context.Context, triggerID string, limit int) ([]Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Execution
	for _, ex := range r.executions {
		if ex.TriggerID == triggerID {
			out = append(out, *ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
