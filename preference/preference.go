// Package preference learns checkpoint decisions so that a sufficiently
// confident history of approvals can bypass a human checkpoint. Decisions
// are keyed by a pattern: a fixed-weight subset of checkpoint context fields
// plus a content-hash signature identifying "the same kind of decision".
package preference

import (
	"context"
	"errors"
	"time"
)

// Decision is a checkpoint resolution.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Confidence bounds. A preference's confidence never rises above 1.0 and
// decay never pushes it below MinConfidence.
const (
	MinConfidence = 0.5
	MaxConfidence = 1.0
)

// DefaultAutoApproveThreshold is the confidence floor for bypassing a
// checkpoint, overridable per call.
const DefaultAutoApproveThreshold = 0.9

// ErrNotFound is returned when a preference id does not exist.
var ErrNotFound = errors.New("preference not found")

// UserPreference is one learned checkpoint decision.
type UserPreference struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	PreferenceKey string    `json:"preference_key"` // checkpoint type
	Pattern       Pattern   `json:"pattern"`
	Decision      Decision  `json:"decision"`
	Confidence    float64   `json:"confidence"`
	UsageCount    int       `json:"usage_count"`
	LastUsed      time.Time `json:"last_used"`
	Feedback      string    `json:"feedback,omitempty"`
	DecayPeriods  int       `json:"decay_periods"` // decay periods already applied since last use
	CreatedAt     time.Time `json:"created_at"`
}

// Store is the durable preference store, indexed by user and preference key.
type Store interface {
	// Put inserts or updates a preference and its indexes.
	Put(ctx context.Context, p *UserPreference) error

	// Get retrieves a preference by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*UserPreference, error)

	// ListByKey returns all preferences for one user and preference key.
	ListByKey(ctx context.Context, userID, preferenceKey string) ([]*UserPreference, error)

	// ListByUser returns all preferences for a user, most recently used
	// first.
	ListByUser(ctx context.Context, userID string) ([]*UserPreference, error)

	// Delete removes a preference and its index entries.
	Delete(ctx context.Context, id string) error
}

func clampConfidence(c float64) float64 {
	if c > MaxConfidence {
		return MaxConfidence
	}
	if c < MinConfidence {
		return MinConfidence
	}
	return c
}
