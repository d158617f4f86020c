package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event type names published by the notifier.
const (
	TypeTaskStarted        = "task.started"
	TypeTaskCompleted      = "task.completed"
	TypeTaskFailed         = "task.failed"
	TypeStepStarted        = "step.started"
	TypeStepCompleted      = "step.completed"
	TypeStepFailed         = "step.failed"
	TypeCheckpointCreated  = "checkpoint.created"
	TypeCheckpointResolved = "checkpoint.resolved"
	TypePlanningRetry      = "planning.retry"
	TypeTriggerMatched     = "trigger.matched"
	TypeTriggerExecuted    = "trigger.executed"
	TypeTriggerCompleted   = "trigger.completed"
	TypeTriggerFailed      = "trigger.failed"
	TypeUserNotice         = "user.notice"
)

// Notifier builds immutable event records for the common lifecycle calls and
// hands them to a Publisher.
type Notifier struct {
	pub Publisher
}

// NewNotifier creates a Notifier over the given publisher.
func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) emit(ctx context.Context, eventType, taskID, stepID, userID string, payload map[string]any) error {
	return n.pub.Publish(ctx, &Record{
		ID:        uuid.NewString(),
		Type:      eventType,
		TaskID:    taskID,
		StepID:    stepID,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// TaskStarted reports that a task entered execution.
func (n *Notifier) TaskStarted(ctx context.Context, taskID string, payload map[string]any) error {
	return n.emit(ctx, TypeTaskStarted, taskID, "", "", payload)
}

// TaskCompleted reports a terminal success.
func (n *Notifier) TaskCompleted(ctx context.Context, taskID string, payload map[string]any) error {
	return n.emit(ctx, TypeTaskCompleted, taskID, "", "", payload)
}

// TaskFailed reports a terminal failure.
func (n *Notifier) TaskFailed(ctx context.Context, taskID, reason string) error {
	return n.emit(ctx, TypeTaskFailed, taskID, "", "", map[string]any{"reason": reason})
}

// StepStarted reports a step dispatch.
func (n *Notifier) StepStarted(ctx context.Context, taskID, stepID string) error {
	return n.emit(ctx, TypeStepStarted, taskID, stepID, "", nil)
}

// StepCompleted reports a step finishing successfully.
func (n *Notifier) StepCompleted(ctx context.Context, taskID, stepID string, payload map[string]any) error {
	return n.emit(ctx, TypeStepCompleted, taskID, stepID, "", payload)
}

// StepFailed reports a step failure.
func (n *Notifier) StepFailed(ctx context.Context, taskID, stepID, reason string) error {
	return n.emit(ctx, TypeStepFailed, taskID, stepID, "", map[string]any{"reason": reason})
}

// CheckpointCreated reports a step awaiting human confirmation.
func (n *Notifier) CheckpointCreated(ctx context.Context, taskID, stepID string, payload map[string]any) error {
	return n.emit(ctx, TypeCheckpointCreated, taskID, stepID, "", payload)
}

// CheckpointResolved reports a checkpoint decision (human or auto).
func (n *Notifier) CheckpointResolved(ctx context.Context, taskID, stepID string, payload map[string]any) error {
	return n.emit(ctx, TypeCheckpointResolved, taskID, stepID, "", payload)
}

// PlanningRetry reports a planning attempt being retried.
func (n *Notifier) PlanningRetry(ctx context.Context, taskID string, attempt int, reason string) error {
	return n.emit(ctx, TypePlanningRetry, taskID, "", "", map[string]any{
		"attempt": attempt,
		"reason":  reason,
	})
}

// Trigger publishes a trigger lifecycle event (matched, executed,
// completed, failed) against the matched task.
func (n *Notifier) Trigger(ctx context.Context, eventType, taskID string, payload map[string]any) error {
	return n.emit(ctx, eventType, taskID, "", "", payload)
}

// UserNotice publishes an inbox-style notification not tied to a task.
func (n *Notifier) UserNotice(ctx context.Context, userID string, payload map[string]any) error {
	return n.emit(ctx, TypeUserNotice, "", "", userID, payload)
}
