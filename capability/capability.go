// Package capability resolves a step's named capability (an AI agent, a
// deterministic primitive, or a plugin operation) to an executable
// reference, with organization-then-system precedence. Resolution is
// read-mostly and served from in-memory caches refreshed on demand.
package capability

import (
	"context"
	"errors"
	"time"
)

// Kind discriminates the three capability variants.
type Kind string

const (
	KindAgent     Kind = "agent"
	KindPrimitive Kind = "primitive"
	KindPlugin    Kind = "plugin"
)

// ErrNotFound is returned when no capability record matches.
var ErrNotFound = errors.New("capability not found")

// Definition is one capability configuration record as stored in the
// configuration database. The analytics columns are updated by the step
// executor after every dynamic-capability execution.
type Definition struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Name         string         `json:"name"`             // agent type, primitive name, or plugin namespace
	OrgID        string         `json:"org_id,omitempty"` // empty = system scope
	Config       map[string]any `json:"config,omitempty"`
	Enabled      bool           `json:"enabled"`
	UsageCount   int64          `json:"usage_count"`
	SuccessCount int64          `json:"success_count"`
	FailureCount int64          `json:"failure_count"`
	LastUsedAt   *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Resolved is the view the executor dispatches against. It is not persisted:
// it points back at the configuration record it was derived from.
type Resolved struct {
	Name       string      `json:"name"`
	Kind       Kind        `json:"kind"`
	OrgID      string      `json:"org_id,omitempty"`
	Operation  string      `json:"operation,omitempty"` // set for namespaced plugin operations
	Definition *Definition `json:"definition"`
}

// IsDeterministic reports whether the capability is deterministic code.
// Primitives and plugins are; agents are not.
func (r *Resolved) IsDeterministic() bool {
	return r.Kind == KindPrimitive || r.Kind == KindPlugin
}

// ConfigStore is the durable store of capability configuration records.
type ConfigStore interface {
	// Upsert inserts or replaces a record keyed by (kind, name, org_id).
	Upsert(ctx context.Context, d *Definition) error

	// List returns all enabled records of the given kind.
	List(ctx context.Context, kind Kind) ([]Definition, error)

	// Get returns the record keyed by (kind, name, org_id), or ErrNotFound.
	Get(ctx context.Context, kind Kind, name, orgID string) (*Definition, error)

	// RecordUsage increments usage_count plus success_count or
	// failure_count and sets last_used_at, preferring an org-scoped record
	// when one exists for orgID, falling back to the system record.
	RecordUsage(ctx context.Context, kind Kind, name, orgID string, success bool) error

	// Delete removes the record keyed by (kind, name, org_id).
	Delete(ctx context.Context, kind Kind, name, orgID string) error
}
