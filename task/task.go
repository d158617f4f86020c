// Package task defines the task model and durable persistence for the
// execution core. Tasks are owned exclusively by the Store: every other
// component reads and mutates task state only through it.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPlanning   Status = "planning"
	StatusReady      Status = "ready"
	StatusExecuting  Status = "executing"
	StatusCheckpoint Status = "checkpoint"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// StepStatus represents the lifecycle state of a single step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepReady   StepStatus = "ready"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrStepNotFound is returned when a step id is absent from its task.
var ErrStepNotFound = errors.New("step not found")

// ValidationError reports a malformed task specification. It is returned
// before any mutation is applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Reason)
}

// Task is one user-initiated goal decomposed into steps.
type Task struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	OrgID        string         `json:"org_id,omitempty"`
	Goal         string         `json:"goal"`
	Status       Status         `json:"status"`
	Steps        []Step         `json:"steps"`
	Findings     []string       `json:"findings,omitempty"` // append-only
	Metadata     map[string]any `json:"metadata,omitempty"`
	TreeID       string         `json:"tree_id,omitempty"` // opaque scheduler handle
	Version      int64          `json:"version"`           // strictly increases on every mutation
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Step is one unit of work within a task, dispatched to a capability.
type Step struct {
	ID           string         `json:"id"` // unique within its task
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	AgentType    string         `json:"agent_type"` // capability name, resolved at dispatch time
	Input        map[string]any `json:"input,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"` // sibling step ids, DAG enforced by the scheduler
	Status       StepStatus     `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Event is an append-only audit entry written in the same transaction as the
// state mutation it records. Events are never updated or deleted.
type Event struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Type      string         `json:"event_type"` // e.g. "task.status.executing", "step.done"
	Data      map[string]any `json:"event_data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Updates carries optional task-level field changes for Update. Nil fields
// are left untouched.
type Updates struct {
	Status   *Status
	Goal     *string
	TreeID   *string
	Metadata map[string]any // merged key-by-key into the existing metadata
}

// StepUpdates carries optional step-level field changes for UpdateStep.
// Timestamps are derived from the status: running sets StartedAt, a terminal
// status sets CompletedAt.
type StepUpdates struct {
	Status *StepStatus
	Output map[string]any
	Error  *string
}

// Filter controls which tasks List returns.
type Filter struct {
	UserID        string
	OrgID         string
	Status        *Status
	UpdatedBefore *time.Time // tasks stuck in Status since before this instant
	ParentTaskID  string
	Limit         int
	Offset        int
}

// Store persists and retrieves tasks. TransitionStatus and UpdateWith are
// the only mutation paths guaranteed atomic under concurrent callers; Update
// and UpdateStep do read-then-write and are for single-writer paths only.
type Store interface {
	// Create validates and inserts the task and writes a task.created
	// event in one transaction. The task's ID is assigned if empty.
	Create(ctx context.Context, t *Task) error

	// Get retrieves a task by id, or ErrTaskNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// TransitionStatus applies newStatus plus any extra updates under a
	// row lock, increments Version, and writes a task.status.<newStatus>
	// event. Legality of the transition is the caller's responsibility.
	TransitionStatus(ctx context.Context, id string, newStatus Status, extra *Updates) (*Task, error)

	// UpdateWith runs fn against a row-locked copy of the task and writes
	// the result back, for callers that need a wider read-modify-write
	// than UpdateStep provides. If fn returns an error nothing is written.
	UpdateWith(ctx context.Context, id string, fn func(*Task) error) (*Task, error)

	// Update applies task-level updates without a row lock.
	Update(ctx context.Context, id string, upd *Updates) (*Task, error)

	// UpdateStep applies updates to one step and writes a step.<status>
	// event. Returns ErrStepNotFound if the step id is absent.
	UpdateStep(ctx context.Context, taskID, stepID string, upd *StepUpdates) (*Task, error)

	// AddFinding appends to the task's accumulated findings.
	AddFinding(ctx context.Context, taskID, finding string) error

	// List returns tasks matching the filter.
	List(ctx context.Context, f Filter) ([]*Task, error)

	// Events returns the most recent audit events for a task, oldest
	// first. limit <= 0 returns everything.
	Events(ctx context.Context, taskID string, limit int) ([]Event, error)

	// Delete removes a task and its events.
	Delete(ctx context.Context, id string) error
}

// Validate checks a task specification before it is persisted: a goal and
// owner must be present, steps must have unique non-empty ids, and every
// dependency must name a sibling step. Acyclicity is the scheduler's
// concern and is not re-checked here.
func Validate(t *Task) error {
	if t.Goal == "" {
		return &ValidationError{Field: "goal", Reason: "must not be empty"}
	}
	if t.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	ids := make(map[string]bool, len(t.Steps))
	for i, s := range t.Steps {
		if s.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Reason: "must not be empty"}
		}
		if ids[s.ID] {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Reason: "duplicate step id " + s.ID}
		}
		ids[s.ID] = true
	}
	for i, s := range t.Steps {
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				return &ValidationError{
					Field:  fmt.Sprintf("steps[%d].dependencies", i),
					Reason: fmt.Sprintf("unknown sibling step %q", dep),
				}
			}
		}
	}
	return nil
}

// FindStep returns a pointer to the step with the given id, or nil.
func (t *Task) FindStep(stepID string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == stepID {
			return &t.Steps[i]
		}
	}
	return nil
}

// StatusEventType returns the audit event type for a status transition.
func StatusEventType(s Status) string { return "task.status." + string(s) }

// StepEventType returns the audit event type for a step status change.
func StepEventType(s StepStatus) string { return "step." + string(s) }
