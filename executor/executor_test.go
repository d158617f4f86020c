package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/GoCodeAlone/flywheel/capability"
	"github.com/GoCodeAlone/flywheel/task"
)

type usageCall struct {
	kind    capability.Kind
	name    string
	orgID   string
	success bool
}

// recordingStore captures RecordUsage calls so tests can assert on
// analytics regardless of whether the definition exists.
type recordingStore struct {
	*capability.MemStore
	mu    sync.Mutex
	calls []usageCall
}

func (s *recordingStore) RecordUsage(ctx context.Context, kind capability.Kind, name, orgID string, success bool) error {
	s.mu.Lock()
	s.calls = append(s.calls, usageCall{kind: kind, name: name, orgID: orgID, success: success})
	s.mu.Unlock()
	return s.MemStore.RecordUsage(ctx, kind, name, orgID, success)
}

func (s *recordingStore) recorded() []usageCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]usageCall, len(s.calls))
	copy(out, s.calls)
	return out
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  int
	input  map[string]any
	result any
	err    error
}

func (r *fakeRunner) Run(_ context.Context, _ *capability.Resolved, input map[string]any, _ *Context) (any, error) {
	r.mu.Lock()
	r.calls++
	r.input = input
	r.mu.Unlock()
	return r.result, r.err
}

type fakeFiles struct {
	fail bool
}

func (f *fakeFiles) Resolve(_ context.Context, ref string) (map[string]any, error) {
	if f.fail {
		return nil, errors.New("object storage unavailable")
	}
	return map[string]any{"ref": ref, "content": "data for " + ref}, nil
}

type pluginTable map[string]Handler

func (p pluginTable) Lookup(name string) (Handler, bool) {
	h, ok := p[name]
	return h, ok
}

func testTask(agentType string) (*task.Task, *task.Step) {
	t := &task.Task{ID: "t-1", UserID: "u-1", OrgID: "org-1", Status: task.StatusExecuting}
	s := &task.Step{ID: "s1", AgentType: agentType, Input: map[string]any{"query": "q"}}
	t.Steps = []task.Step{*s}
	return t, s
}

// newTestExecutor builds an executor around in-memory collaborators and
// returns the recording store for analytics assertions.
func newTestExecutor(t *testing.T, runner *fakeRunner, files FileResolver, defs ...*capability.Definition) (*Executor, *recordingStore, *Tracker) {
	t.Helper()
	store := &recordingStore{MemStore: capability.NewMemStore()}
	ctx := context.Background()
	for _, d := range defs {
		if err := store.Upsert(ctx, d); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	reg := capability.NewRegistry(store)
	if err := reg.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	tracker := NewTracker(store, 32, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ex := New(Options{
		Registry: reg,
		Runner:   runner,
		Files:    files,
		Tracker:  tracker,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return ex, store, tracker
}

func TestExecuteStep_StaticHandlerSkipsAnalytics(t *testing.T) {
	ex, store, tracker := newTestExecutor(t, &fakeRunner{}, nil)
	err := ex.handlers.Register(HandlerFunc{
		ID: "echo",
		Fn: func(_ context.Context, input map[string]any, _ *Context) (any, error) {
			return map[string]any{"echo": input["query"]}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tk, step := testTask("echo")
	res := ex.ExecuteStep(context.Background(), tk, step)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %q, want %q (error %q)", res.Status, StatusSuccess, res.Error)
	}
	if res.Output["echo"] != "q" {
		t.Errorf("Output = %v, want echo of input", res.Output)
	}

	tracker.Stop()
	if got := store.recorded(); len(got) != 0 {
		t.Errorf("static handler recorded usage %v, want none", got)
	}
}

func TestExecuteStep_PluginLookup(t *testing.T) {
	ex, store, tracker := newTestExecutor(t, &fakeRunner{}, nil)
	ex.plugins = pluginTable{
		"pdf.render": HandlerFunc{
			ID: "pdf.render",
			Fn: func(_ context.Context, _ map[string]any, _ *Context) (any, error) {
				return &LegacyResult{Success: true, Data: map[string]any{"pages": 3}}, nil
			},
		},
	}

	tk, step := testTask("pdf.render")
	res := ex.ExecuteStep(context.Background(), tk, step)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %q, want %q", res.Status, StatusSuccess)
	}
	if res.Output["pages"] != 3 {
		t.Errorf("Output = %v, want legacy data carried over", res.Output)
	}

	tracker.Stop()
	if got := store.recorded(); len(got) != 0 {
		t.Errorf("plugin handler recorded usage %v, want none", got)
	}
}

func TestExecuteStep_UnknownAgentType(t *testing.T) {
	runner := &fakeRunner{}
	ex, store, tracker := newTestExecutor(t, runner, nil)

	tk, step := testTask("unknown_agent")
	res := ex.ExecuteStep(context.Background(), tk, step)
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want %q", res.Status, StatusError)
	}
	if !strings.Contains(res.Error, "unknown_agent") {
		t.Errorf("Error = %q, want it to name the agent type", res.Error)
	}
	if runner.calls != 0 {
		t.Errorf("runner invoked %d times for unresolvable type, want 0", runner.calls)
	}

	tracker.Stop()
	got := store.recorded()
	if len(got) != 1 {
		t.Fatalf("recorded %d usage calls, want 1", len(got))
	}
	want := usageCall{kind: capability.KindAgent, name: "unknown_agent", orgID: "org-1", success: false}
	if got[0] != want {
		t.Errorf("usage call = %+v, want %+v", got[0], want)
	}
}

func TestExecuteStep_DynamicSuccessTracked(t *testing.T) {
	runner := &fakeRunner{result: map[string]any{"status": "success", "output": map[string]any{"answer": "42"}}}
	ex, store, tracker := newTestExecutor(t, runner, nil, &capability.Definition{
		Kind:    capability.KindAgent,
		Name:    "researcher",
		Enabled: true,
	})

	tk, step := testTask("researcher")
	res := ex.ExecuteStep(context.Background(), tk, step)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %q, want %q (error %q)", res.Status, StatusSuccess, res.Error)
	}
	if res.Output["answer"] != "42" {
		t.Errorf("Output = %v, want runner output", res.Output)
	}

	tracker.Stop()
	got := store.recorded()
	if len(got) != 1 || !got[0].success || got[0].name != "researcher" {
		t.Fatalf("usage calls = %+v, want one success for researcher", got)
	}
	def, err := store.Get(context.Background(), capability.KindAgent, "researcher", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.UsageCount != 1 || def.SuccessCount != 1 || def.FailureCount != 0 {
		t.Errorf("counts = %d/%d/%d, want 1/1/0", def.UsageCount, def.SuccessCount, def.FailureCount)
	}
}

func TestExecuteStep_DynamicRunnerFailureTracked(t *testing.T) {
	runner := &fakeRunner{err: errors.New("model overloaded")}
	ex, store, tracker := newTestExecutor(t, runner, nil, &capability.Definition{
		Kind:    capability.KindAgent,
		Name:    "researcher",
		Enabled: true,
	})

	tk, step := testTask("researcher")
	res := ex.ExecuteStep(context.Background(), tk, step)
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want %q", res.Status, StatusError)
	}
	if !strings.Contains(res.Error, "model overloaded") {
		t.Errorf("Error = %q, want underlying cause", res.Error)
	}

	tracker.Stop()
	got := store.recorded()
	if len(got) != 1 || got[0].success {
		t.Fatalf("usage calls = %+v, want one failure", got)
	}
}

func TestExecuteStep_ErrorStatusResultTrackedAsFailure(t *testing.T) {
	runner := &fakeRunner{result: map[string]any{"status": "error", "error": "tool refused"}}
	ex, store, tracker := newTestExecutor(t, runner, nil, &capability.Definition{
		Kind:    capability.KindAgent,
		Name:    "researcher",
		Enabled: true,
	})

	tk, step := testTask("researcher")
	res := ex.ExecuteStep(context.Background(), tk, step)
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want %q", res.Status, StatusError)
	}

	tracker.Stop()
	got := store.recorded()
	if len(got) != 1 || got[0].success {
		t.Fatalf("usage calls = %+v, want one failure", got)
	}
}

func TestExecuteStep_FileRefsResolvedIntoInput(t *testing.T) {
	runner := &fakeRunner{result: map[string]any{"ok": true}}
	ex, _, tracker := newTestExecutor(t, runner, &fakeFiles{}, &capability.Definition{
		Kind:    capability.KindAgent,
		Name:    "summarizer",
		Enabled: true,
	})
	defer tracker.Stop()

	tk, step := testTask("summarizer")
	step.Input["file_refs"] = []any{"doc-1", "doc-2"}
	res := ex.ExecuteStep(context.Background(), tk, step)
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %q, want %q (error %q)", res.Status, StatusSuccess, res.Error)
	}

	if _, ok := runner.input["file_refs"]; ok {
		t.Error("file_refs passed through to runner, want replaced")
	}
	files, ok := runner.input["files"].([]map[string]any)
	if !ok || len(files) != 2 {
		t.Fatalf("files = %v, want 2 resolved entries", runner.input["files"])
	}
	if files[0]["ref"] != "doc-1" || files[1]["ref"] != "doc-2" {
		t.Errorf("resolved refs = %v, %v", files[0]["ref"], files[1]["ref"])
	}
	if runner.input["query"] != "q" {
		t.Error("original input not carried through alongside files")
	}
}

func TestExecuteStep_FileRefFailureFailsStep(t *testing.T) {
	runner := &fakeRunner{result: map[string]any{"ok": true}}
	ex, store, tracker := newTestExecutor(t, runner, &fakeFiles{fail: true}, &capability.Definition{
		Kind:    capability.KindAgent,
		Name:    "summarizer",
		Enabled: true,
	})

	tk, step := testTask("summarizer")
	step.Input["file_refs"] = []string{"doc-1"}
	res := ex.ExecuteStep(context.Background(), tk, step)
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want %q", res.Status, StatusError)
	}
	if !strings.Contains(res.Error, "doc-1") {
		t.Errorf("Error = %q, want it to name the reference", res.Error)
	}
	if runner.calls != 0 {
		t.Errorf("runner invoked %d times after resolution failure, want 0", runner.calls)
	}

	tracker.Stop()
	got := store.recorded()
	if len(got) != 1 || got[0].success {
		t.Fatalf("usage calls = %+v, want one failure", got)
	}
}

func TestExecuteStep_CheckpointResult(t *testing.T) {
	runner := &fakeRunner{result: map[string]any{
		"status":   "checkpoint",
		"metadata": map[string]any{"checkpoint_name": "approve_send"},
	}}
	ex, _, tracker := newTestExecutor(t, runner, nil, &capability.Definition{
		Kind:    capability.KindAgent,
		Name:    "messenger",
		Enabled: true,
	})
	defer tracker.Stop()

	tk, step := testTask("messenger")
	res := ex.ExecuteStep(context.Background(), tk, step)
	if res.Status != StatusCheckpoint {
		t.Fatalf("Status = %q, want %q", res.Status, StatusCheckpoint)
	}
	if res.Metadata["checkpoint_name"] != "approve_send" {
		t.Errorf("Metadata = %v", res.Metadata)
	}
}

func TestExecuteStep_RecordsDuration(t *testing.T) {
	ex, _, tracker := newTestExecutor(t, &fakeRunner{}, nil)
	defer tracker.Stop()
	if err := ex.handlers.Register(HandlerFunc{
		ID: "noop",
		Fn: func(_ context.Context, _ map[string]any, _ *Context) (any, error) { return nil, nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tk, step := testTask("noop")
	res := ex.ExecuteStep(context.Background(), tk, step)
	if res.ExecutionTimeMs < 0 {
		t.Errorf("ExecutionTimeMs = %d, want >= 0", res.ExecutionTimeMs)
	}
}
