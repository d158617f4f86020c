package preference

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu    sync.Mutex
	prefs map[string]*UserPreference
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{prefs: make(map[string]*UserPreference)}
}

func (s *MemStore) Put(_ context.Context, p *UserPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.prefs[p.ID] = &cp
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*UserPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[id]
	if !ok {
		return nil, fmt.Errorf("preference %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) ListByKey(_ context.Context, userID, preferenceKey string) ([]*UserPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*UserPreference
	for _, p := range s.prefs {
		if p.UserID == userID && p.PreferenceKey == preferenceKey {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) ListByUser(_ context.Context, userID string) ([]*UserPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*UserPreference
	for _, p := range s.prefs {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	return out, nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prefs[id]; !ok {
		return fmt.Errorf("preference %s: %w", id, ErrNotFound)
	}
	delete(s.prefs, id)
	return nil
}
