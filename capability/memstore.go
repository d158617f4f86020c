package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory ConfigStore for tests and embedded runs.
type MemStore struct {
	mu   sync.Mutex
	defs map[string]*Definition // keyed by kind/name/org_id
}

var _ ConfigStore = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{defs: make(map[string]*Definition)}
}

func memKey(kind Kind, name, orgID string) string {
	return string(kind) + "\x00" + name + "\x00" + orgID
}

func (s *MemStore) Upsert(_ context.Context, d *Definition) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.defs[memKey(d.Kind, d.Name, d.OrgID)] = &cp
	return nil
}

func (s *MemStore) List(_ context.Context, kind Kind) ([]Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Definition
	for _, d := range s.defs {
		if d.Kind == kind && d.Enabled {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *MemStore) Get(_ context.Context, kind Kind, name, orgID string) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[memKey(kind, name, orgID)]
	if !ok {
		return nil, fmt.Errorf("capability %s/%s: %w", kind, name, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *MemStore) RecordUsage(_ context.Context, kind Kind, name, orgID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[memKey(kind, name, orgID)]
	if !ok && orgID != "" {
		d, ok = s.defs[memKey(kind, name, "")]
	}
	if !ok {
		return fmt.Errorf("capability %s/%s: %w", kind, name, ErrNotFound)
	}
	d.UsageCount++
	if success {
		d.SuccessCount++
	} else {
		d.FailureCount++
	}
	now := time.Now().UTC()
	d.LastUsedAt = &now
	return nil
}

func (s *MemStore) Delete(_ context.Context, kind Kind, name, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(kind, name, orgID)
	if _, ok := s.defs[key]; !ok {
		return fmt.Errorf("capability %s/%s: %w", kind, name, ErrNotFound)
	}
	delete(s.defs, key)
	return nil
}
