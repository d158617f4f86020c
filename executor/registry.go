package executor

import (
	"context"
	"fmt"
	"sync"
)

// Context carries the identities of the task and step being dispatched into
// a handler.
type Context struct {
	TaskID string
	StepID string
	UserID string
	OrgID  string
}

// Handler is a statically-registered deterministic step handler. Handlers
// are code, not managed configuration: they are excluded from capability
// usage analytics.
type Handler interface {
	// Name returns the unique handler identifier, matched against a
	// step's agent_type.
	Name() string

	// Execute runs the handler with the step inputs. The returned value
	// is normalized via Normalize.
	Execute(ctx context.Context, input map[string]any, ec *Context) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	ID string
	Fn func(ctx context.Context, input map[string]any, ec *Context) (any, error)
}

func (h HandlerFunc) Name() string { return h.ID }

func (h HandlerFunc) Execute(ctx context.Context, input map[string]any, ec *Context) (any, error) {
	return h.Fn(ctx, input, ec)
}

// HandlerRegistry manages static handlers in memory.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler to the registry.
// Returns an error if a handler with the same name is already registered.
func (r *HandlerRegistry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		return fmt.Errorf("handler %q already registered", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// Get returns a handler by name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns all registered handlers.
func (r *HandlerRegistry) List() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		result = append(result, h)
	}
	return result
}
