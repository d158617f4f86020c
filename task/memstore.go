package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Store with the same transition and audit
// semantics as PostgresStore. It backs tests and single-process embedded
// runs; a store-wide mutex stands in for the row lock.
type MemStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	events map[string][]Event
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:  make(map[string]*Task),
		events: make(map[string][]Event),
	}
}

func (s *MemStore) Create(_ context.Context, t *Task) error {
	if err := Validate(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusDraft
	}
	if t.Version == 0 {
		t.Version = 1
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = cloneTask(t)
	s.appendEvent(t.ID, "task.created", map[string]any{
		"status": string(t.Status),
		"steps":  len(t.Steps),
	})
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return cloneTask(t), nil
}

func (s *MemStore) TransitionStatus(_ context.Context, id string, newStatus Status, extra *Updates) (*Task, error) {
	return s.mutate(id, StatusEventType(newStatus), nil, func(t *Task) error {
		t.Status = newStatus
		applyUpdates(t, extra)
		return nil
	})
}

func (s *MemStore) UpdateWith(_ context.Context, id string, fn func(*Task) error) (*Task, error) {
	return s.mutate(id, "task.updated", nil, fn)
}

func (s *MemStore) Update(_ context.Context, id string, upd *Updates) (*Task, error) {
	eventType := "task.updated"
	if upd != nil && upd.Status != nil {
		eventType = StatusEventType(*upd.Status)
	}
	return s.mutate(id, eventType, nil, func(t *Task) error {
		applyUpdates(t, upd)
		return nil
	})
}

func (s *MemStore) UpdateStep(_ context.Context, taskID, stepID string, upd *StepUpdates) (*Task, error) {
	var eventType string
	var data map[string]any
	out, err := s.mutate(taskID, "", nil, func(t *Task) error {
		step := t.FindStep(stepID)
		if step == nil {
			return fmt.Errorf("task %s step %s: %w", taskID, stepID, ErrStepNotFound)
		}
		applyStepUpdates(step, upd)
		eventType = StepEventType(step.Status)
		data = map[string]any{
			"step_id": stepID,
			"status":  string(step.Status),
			"error":   step.Error,
		}
		return nil
	}, func() (string, map[string]any) { return eventType, data })
	return out, err
}

func (s *MemStore) AddFinding(_ context.Context, taskID, finding string) error {
	_, err := s.mutate(taskID, "task.finding.added", map[string]any{"finding": finding}, func(t *Task) error {
		t.Findings = append(t.Findings, finding)
		return nil
	})
	return err
}

// mutate is the single mutation path: locate, apply fn, bump version, record
// exactly one audit event. lateEvent lets UpdateStep name the event after fn
// has resolved the step's final status.
func (s *MemStore) mutate(id, eventType string, data map[string]any, fn func(*Task) error, lateEvent ...func() (string, map[string]any)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	work := cloneTask(t)
	if err := fn(work); err != nil {
		return nil, err
	}
	work.Version++
	work.UpdatedAt = time.Now().UTC()
	s.tasks[id] = work

	if len(lateEvent) > 0 {
		eventType, data = lateEvent[0]()
	}
	if data == nil {
		data = map[string]any{}
	}
	data["version"] = work.Version
	s.appendEvent(id, eventType, data)
	return cloneTask(work), nil
}

func (s *MemStore) List(_ context.Context, f Filter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.OrgID != "" && t.OrgID != f.OrgID {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.UpdatedBefore != nil && !t.UpdatedAt.Before(*f.UpdatedBefore) {
			continue
		}
		if f.ParentTaskID != "" && t.ParentTaskID != f.ParentTaskID {
			continue
		}
		out = append(out, cloneTask(t))
	}
	// Most recently updated first, to match the Postgres ordering.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.After(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemStore) Events(_ context.Context, taskID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[taskID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	delete(s.tasks, id)
	delete(s.events, id)
	return nil
}

// appendEvent records an audit event. Caller holds the lock.
func (s *MemStore) appendEvent(taskID, eventType string, data map[string]any) {
	s.events[taskID] = append(s.events[taskID], Event{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
}

// cloneTask deep-copies a task through JSON so callers never share step or
// metadata maps with the store.
func cloneTask(t *Task) *Task {
	blob, _ := json.Marshal(t)
	var out Task
	_ = json.Unmarshal(blob, &out)
	return &out
}
