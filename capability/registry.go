package capability

import (
	"context"
	"strings"
	"sync"
)

// Separator splits a plugin namespace from its operation in a step's
// capability name, e.g. "pdf.render".
const Separator = "."

// Registry serves capability resolution from in-memory caches loaded from a
// ConfigStore. Caches are owned by the Registry instance and refreshed on
// demand via Refresh; there is no module-level state, so tests construct
// isolated instances.
type Registry struct {
	store ConfigStore

	mu         sync.RWMutex
	agents     map[string][]Definition // agent type -> variants (org-scoped and system)
	primitives map[string]Definition   // primitive name -> record (system scope)
	plugins    map[string]Definition   // plugin namespace -> record
}

// NewRegistry creates a Registry over the given configuration store. Call
// Refresh before the first Resolve.
func NewRegistry(store ConfigStore) *Registry {
	return &Registry{
		store:      store,
		agents:     make(map[string][]Definition),
		primitives: make(map[string]Definition),
		plugins:    make(map[string]Definition),
	}
}

// Refresh reloads all three caches from the configuration store. The swap is
// atomic: readers see either the old or the new cache, never a mix.
func (r *Registry) Refresh(ctx context.Context) error {
	agentDefs, err := r.store.List(ctx, KindAgent)
	if err != nil {
		return err
	}
	primDefs, err := r.store.List(ctx, KindPrimitive)
	if err != nil {
		return err
	}
	pluginDefs, err := r.store.List(ctx, KindPlugin)
	if err != nil {
		return err
	}

	agents := make(map[string][]Definition, len(agentDefs))
	for _, d := range agentDefs {
		agents[d.Name] = append(agents[d.Name], d)
	}
	primitives := make(map[string]Definition, len(primDefs))
	for _, d := range primDefs {
		primitives[d.Name] = d
	}
	plugins := make(map[string]Definition, len(pluginDefs))
	for _, d := range pluginDefs {
		plugins[d.Name] = d
	}

	r.mu.Lock()
	r.agents = agents
	r.primitives = primitives
	r.plugins = plugins
	r.mu.Unlock()
	return nil
}

// Resolve maps a capability name to an executable reference, or nil if
// nothing matches.
//
// If name contains the namespace separator it is tried as a plugin operation
// first. Otherwise the order is: organization-scoped agent, system agent,
// primitive, plugin namespace. explicitKind, when non-empty, restricts the
// search to that kind.
func (r *Registry) Resolve(name string, explicitKind Kind, orgID string) *Resolved {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if explicitKind != "" {
		return r.resolveKind(name, explicitKind, orgID)
	}

	if ns, op, ok := strings.Cut(name, Separator); ok {
		if d, found := r.plugins[ns]; found {
			return &Resolved{Name: name, Kind: KindPlugin, Operation: op, Definition: &d}
		}
	}
	if res := r.resolveAgent(name, orgID); res != nil {
		return res
	}
	if d, ok := r.primitives[name]; ok {
		return &Resolved{Name: name, Kind: KindPrimitive, Definition: &d}
	}
	if d, ok := r.plugins[name]; ok {
		return &Resolved{Name: name, Kind: KindPlugin, Definition: &d}
	}
	return nil
}

// resolveKind restricts resolution to a single kind. Caller holds the lock.
func (r *Registry) resolveKind(name string, kind Kind, orgID string) *Resolved {
	switch kind {
	case KindAgent:
		return r.resolveAgent(name, orgID)
	case KindPrimitive:
		if d, ok := r.primitives[name]; ok {
			return &Resolved{Name: name, Kind: KindPrimitive, Definition: &d}
		}
	case KindPlugin:
		ns, op, _ := strings.Cut(name, Separator)
		if d, ok := r.plugins[ns]; ok {
			return &Resolved{Name: name, Kind: KindPlugin, Operation: op, Definition: &d}
		}
	}
	return nil
}

// resolveAgent applies the agent precedence rule: an org-scoped variant when
// orgID is supplied and one exists, else the first system/unscoped variant.
// Caller holds the lock.
func (r *Registry) resolveAgent(agentType, orgID string) *Resolved {
	variants, ok := r.agents[agentType]
	if !ok {
		return nil
	}
	if orgID != "" {
		for _, d := range variants {
			if d.OrgID == orgID {
				def := d
				return &Resolved{Name: agentType, Kind: KindAgent, OrgID: orgID, Definition: &def}
			}
		}
	}
	for _, d := range variants {
		if d.OrgID == "" {
			def := d
			return &Resolved{Name: agentType, Kind: KindAgent, Definition: &def}
		}
	}
	return nil
}
