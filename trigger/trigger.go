// Package trigger reacts to external events: webhook and integration
// deliveries arrive on an event bus as id-only notifications, a worker
// fetches the full event, deduplicates concurrent delivery with a
// distributed lock, and matches the event against source callbacks and
// registered task triggers.
package trigger

import (
	"context"
	"errors"
	"time"
)

// ErrSourceNotFound reports an unknown source configuration.
var ErrSourceNotFound = errors.New("source config not found")

// ErrEventNotFound reports that an event id could not be fetched. The bus
// is at-least-once: the notify can race the event write, so fetches retry
// before giving up with this error.
var ErrEventNotFound = errors.New("external event not found")

// ExternalEvent is one delivered webhook or integration event. It is
// transient: consumed at most once per subscriber group, matched, and
// discarded. Only its audit trail survives as task events.
type ExternalEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`   // e.g. external.webhook.github
	Source     string         `json:"source"` // github, slack, generic, ...
	Data       map[string]any `json:"data,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"` // carries source_id, signature
	RawPayload []byte         `json:"raw_payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// SourceID returns the source configuration id the event references, if any.
func (e *ExternalEvent) SourceID() string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata["source_id"].(string)
	return s
}

// Signature returns the delivery signature attached to the event, if any.
func (e *ExternalEvent) Signature() string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata["signature"].(string)
	return s
}

// SourceConfig is the configuration of one external event source. An
// inactive or absent source drops the callback path for its events.
type SourceConfig struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Source    string         `json:"source"` // signature scheme: github, slack, generic
	Active    bool           `json:"active"`
	Secret    string         `json:"secret,omitempty"` // HMAC secret, empty = no verification
	Condition string         `json:"condition,omitempty"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskTrigger registers a task to be advanced when a matching event
// arrives.
type TaskTrigger struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	UserID    string         `json:"user_id,omitempty"`
	EventType string         `json:"event_type"` // exact type or prefix filter
	Condition string         `json:"condition,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
}

// ExecutionStatus is the state of one trigger execution record.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is one history entry for a trigger firing against an event.
type Execution struct {
	ID         string          `json:"id"`
	TriggerID  string          `json:"trigger_id"`
	EventID    string          `json:"event_id"`
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Notification is what the bus delivers to a subscriber: the event id and
// the channel it arrived on, never the payload.
type Notification struct {
	EventID string
	Channel string
}

// Bus delivers id-only notifications for events matching the subscribed
// patterns. Delivery is at-least-once.
type Bus interface {
	// Subscribe starts delivering notifications for the given channel
	// patterns until ctx is cancelled.
	Subscribe(ctx context.Context, patterns ...string) (<-chan Notification, error)
}

// Source fetches full events by id.
type Source interface {
	Fetch(ctx context.Context, eventID string) (*ExternalEvent, error)
}

// Registry is the durable store of source configurations, task triggers,
// and trigger execution history.
type Registry interface {
	// GetSource returns the source configuration with the given id.
	// Returns ErrSourceNotFound if absent.
	GetSource(ctx context.Context, id string) (*SourceConfig, error)

	// TriggersFor returns the active triggers whose event_type filter
	// matches eventType.
	TriggersFor(ctx context.Context, eventType string) ([]TaskTrigger, error)

	// RecordExecution appends a history entry.
	RecordExecution(ctx context.Context, ex *Execution) error

	// CompleteExecution moves a running entry to completed or failed.
	CompleteExecution(ctx context.Context, id string, status ExecutionStatus, errMsg string) error

	// History returns execution entries for a trigger, newest first.
	History(ctx context.Context, triggerID string, limit int) ([]Execution, error)
}

// Callback is one action the worker hands to the callback engine: a source
// callback or a task trigger's execute_task action.
type Callback struct {
	Action  string
	TaskID  string
	UserID  string
	Params  map[string]any
	Event   *ExternalEvent
	Trigger *TaskTrigger // nil for source callbacks
}

// Engine executes matched callbacks. The scheduler and task lifecycle live
// behind it.
type Engine interface {
	Execute(ctx context.Context, cb *Callback) error
}

// ActionExecuteTask advances or starts the trigger's task.
const ActionExecuteTask = "execute_task"

// MatchesEventType reports whether eventType matches filter. An empty
// filter matches everything; otherwise exact match or dotted-prefix match.
func MatchesEventType(eventType, filter string) bool {
	if filter == "" {
		return true
	}
	if eventType == filter {
		return true
	}
	return len(eventType) > len(filter) && eventType[:len(filter)] == filter && eventType[len(filter)] == '.'
}
