// Package events provides the append-only lifecycle/progress event fan-out
// for observers (SSE bridges, dashboards). Every publish produces one
// immutable record delivered to live subscribers on a per-task channel and
// appended to a bounded per-task replay stream so a late joiner can catch up
// before switching to the live channel.
package events

import (
	"context"
	"time"
)

// StreamMaxLen caps each per-task replay stream; oldest entries drop first.
const StreamMaxLen = 1000

// Record is one immutable lifecycle or progress event.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"` // set for inbox-style notifications
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives live records for a subscription.
type Handler func(ctx context.Context, rec *Record) error

// Publisher is the stateless fan-out surface. Implementations must treat
// records as immutable once published.
type Publisher interface {
	// Publish delivers the record to the task's live channel and appends
	// it to the task's replay stream. Records carrying only a UserID go
	// to that user's inbox channel instead.
	Publish(ctx context.Context, rec *Record) error

	// Replay returns up to limit recent records for taskID, oldest first.
	Replay(ctx context.Context, taskID string, limit int) ([]Record, error)

	// Subscribe registers a handler for a task's live channel. Returns an
	// unsubscribe function.
	Subscribe(taskID string, h Handler) (unsubscribe func())
}

// ChannelKey builds the per-task pub/sub channel name.
func ChannelKey(prefix, taskID string) string { return prefix + ":events:" + taskID }

// StreamKey builds the per-task replay stream name.
func StreamKey(prefix, taskID string) string { return prefix + ":stream:" + taskID }

// InboxKey builds the per-user inbox channel name.
func InboxKey(prefix, userID string) string { return prefix + ":inbox:events:" + userID }
