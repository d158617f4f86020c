// Package executor dispatches one task step to its capability: a statically
// registered deterministic handler, a centrally registered plugin, or a
// dynamically configured capability resolved through the capability
// registry. Whatever shape the capability returns is normalized into one
// ExecutionResult; dynamic executions additionally feed usage analytics.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/flywheel/capability"
	"github.com/GoCodeAlone/flywheel/task"
)

// fileRefsKey names the step input carrying attached file references.
const fileRefsKey = "file_refs"

// PluginLookup is the secondary, centrally-registered plugin lookup tried
// after static handlers and before dynamic resolution.
type PluginLookup interface {
	// Lookup returns the handler registered for name, if any.
	Lookup(name string) (Handler, bool)
}

// CapabilityRunner instantiates and executes a dynamically-configured
// capability. Agent prompt construction and LLM invocation live behind this
// interface; the executor only normalizes what comes back.
type CapabilityRunner interface {
	Run(ctx context.Context, resolved *capability.Resolved, input map[string]any, ec *Context) (any, error)
}

// FileResolver fetches the content behind a file reference attached to a
// step. A resolution failure must fail the step; the executor never
// proceeds without the file.
type FileResolver interface {
	Resolve(ctx context.Context, ref string) (map[string]any, error)
}

// Executor dispatches steps. All collaborators are injected; a nil logger
// means slog.Default() and nil metrics disables instrumentation.
type Executor struct {
	handlers *HandlerRegistry
	plugins  PluginLookup
	registry *capability.Registry
	runner   CapabilityRunner
	files    FileResolver
	tracker  *Tracker
	metrics  *Metrics
	logger   *slog.Logger
}

// Options configures an Executor.
type Options struct {
	Handlers *HandlerRegistry
	Plugins  PluginLookup
	Registry *capability.Registry
	Runner   CapabilityRunner
	Files    FileResolver
	Tracker  *Tracker
	Metrics  *Metrics
	Logger   *slog.Logger
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.Handlers == nil {
		opts.Handlers = NewHandlerRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		handlers: opts.Handlers,
		plugins:  opts.Plugins,
		registry: opts.Registry,
		runner:   opts.Runner,
		files:    opts.Files,
		tracker:  opts.Tracker,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// ExecuteStep dispatches one step and always returns a normalized result;
// failures are reported in the result, never as a panic or a raw error.
func (e *Executor) ExecuteStep(ctx context.Context, t *task.Task, step *task.Step) *ExecutionResult {
	start := time.Now()
	ec := &Context{TaskID: t.ID, StepID: step.ID, UserID: t.UserID, OrgID: t.OrgID}

	route, res := e.dispatch(ctx, t, step, ec)
	res.ExecutionTimeMs = time.Since(start).Milliseconds()

	if e.metrics != nil {
		e.metrics.stepsExecuted.WithLabelValues(route, string(res.Status)).Inc()
		e.metrics.stepDuration.Observe(time.Since(start).Seconds())
	}
	if res.Status == StatusError {
		e.logger.Warn("step failed",
			"task_id", t.ID, "step_id", step.ID, "agent_type", step.AgentType,
			"route", route, "error", res.Error)
	}
	return res
}

func (e *Executor) dispatch(ctx context.Context, t *task.Task, step *task.Step, ec *Context) (route string, res *ExecutionResult) {
	// Static deterministic handlers are code, not managed configuration:
	// no analytics write.
	if h, ok := e.handlers.Get(step.AgentType); ok {
		return "static", e.invoke(ctx, h, step.Input, ec)
	}
	if e.plugins != nil {
		if h, ok := e.plugins.Lookup(step.AgentType); ok {
			return "plugin", e.invoke(ctx, h, step.Input, ec)
		}
	}
	return "dynamic", e.dispatchDynamic(ctx, t, step, ec)
}

// invoke runs a handler and normalizes its result, converting a returned
// error into an error result.
func (e *Executor) invoke(ctx context.Context, h Handler, input map[string]any, ec *Context) *ExecutionResult {
	out, err := h.Execute(ctx, input, ec)
	if err != nil {
		return Errorf("handler %s: %v", h.Name(), err)
	}
	return Normalize(out)
}

// dispatchDynamic resolves the capability, resolves any attached file
// references, runs it, and records usage analytics for both outcomes.
func (e *Executor) dispatchDynamic(ctx context.Context, t *task.Task, step *task.Step, ec *Context) *ExecutionResult {
	if e.registry == nil || e.runner == nil {
		return Errorf("no dynamic capability runtime configured for agent type %q", step.AgentType)
	}

	resolved := e.registry.Resolve(step.AgentType, "", t.OrgID)
	if resolved == nil {
		// Unknown agent type: a failed step tracked against the name that
		// failed to resolve, never a crash.
		e.track(capability.KindAgent, step.AgentType, t.OrgID, false)
		return Errorf("unknown agent type %q: no agent, primitive, or plugin matches", step.AgentType)
	}

	input, err := e.resolveFiles(ctx, step.Input)
	if err != nil {
		e.track(resolved.Kind, resolved.Definition.Name, t.OrgID, false)
		return Errorf("resolve file reference: %v", err)
	}

	out, err := e.runner.Run(ctx, resolved, input, ec)
	if err != nil {
		e.track(resolved.Kind, resolved.Definition.Name, t.OrgID, false)
		return Errorf("execute %s %s: %v", resolved.Kind, resolved.Name, err)
	}
	res := Normalize(out)
	e.track(resolved.Kind, resolved.Definition.Name, t.OrgID, res.Status != StatusError)
	return res
}

// resolveFiles replaces the file_refs input with resolved file contents. A
// hard failure resolving any reference fails the step.
func (e *Executor) resolveFiles(ctx context.Context, input map[string]any) (map[string]any, error) {
	refs := fileRefs(input)
	if len(refs) == 0 {
		return input, nil
	}
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	files := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		if e.files == nil {
			return nil, &RefError{Ref: ref, Reason: "no file resolver configured"}
		}
		content, err := e.files.Resolve(ctx, ref)
		if err != nil {
			return nil, &RefError{Ref: ref, Reason: err.Error()}
		}
		files = append(files, content)
	}
	out["files"] = files
	delete(out, fileRefsKey)
	return out, nil
}

func (e *Executor) track(kind capability.Kind, name, orgID string, success bool) {
	if e.tracker == nil {
		return
	}
	e.tracker.Record(kind, name, orgID, success)
}

// RefError reports a failed file-reference resolution.
type RefError struct {
	Ref    string
	Reason string
}

func (e *RefError) Error() string {
	return "file reference " + e.Ref + ": " + e.Reason
}

// fileRefs extracts the attached file references from a step input.
func fileRefs(input map[string]any) []string {
	raw, ok := input[fileRefsKey]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		refs := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				refs = append(refs, s)
			}
		}
		return refs
	default:
		return nil
	}
}
