package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/GoCodeAlone/flywheel/events"
	"github.com/GoCodeAlone/flywheel/preference"
	"github.com/GoCodeAlone/flywheel/task"
)

type fixture struct {
	manager *Manager
	tasks   *task.MemStore
	learner *preference.Learner
	bus     *events.InMemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tasks := task.NewMemStore()
	learner := preference.NewLearner(preference.NewMemStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	bus := events.NewInMemoryBus()
	m := NewManager(ManagerOptions{
		Store:    store,
		Tasks:    tasks,
		Learner:  learner,
		Notifier: events.NewNotifier(bus),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{manager: m, tasks: tasks, learner: learner, bus: bus}
}

func (f *fixture) seedTask(t *testing.T) *task.Task {
	t.Helper()
	tk := &task.Task{
		UserID: "u-1",
		Goal:   "send the weekly digest",
		Status: task.StatusExecuting,
		Steps:  []task.Step{{ID: "s1", Name: "send", AgentType: "discord_followup"}},
	}
	if err := f.tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("Create task: %v", err)
	}
	return tk
}

func checkpointContext() map[string]any {
	return map[string]any{
		"agent_type":      "discord_followup",
		"checkpoint_name": "send_message",
		"recipient":       "ops@example.com",
	}
}

func TestManager_CreatePendingPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tk := f.seedTask(t)

	cp, auto, err := f.manager.Create(ctx, &Checkpoint{
		TaskID:  tk.ID,
		StepID:  "s1",
		UserID:  "u-1",
		Name:    "send_message",
		Context: checkpointContext(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if auto {
		t.Fatal("auto-approved with no learned history")
	}
	if cp.Status != StatusPending {
		t.Errorf("Status = %q, want pending", cp.Status)
	}

	got, err := f.tasks.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get task: %v", err)
	}
	if got.Status != task.StatusCheckpoint {
		t.Errorf("task status = %q, want checkpoint", got.Status)
	}

	pending, err := f.manager.ListPending(ctx, "u-1")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != cp.ID {
		t.Errorf("pending = %+v, want the created checkpoint", pending)
	}

	recs, err := f.bus.Replay(ctx, tk.ID, 10)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(recs) != 1 || recs[0].Type != events.TypeCheckpointCreated {
		t.Errorf("events = %v, want one checkpoint.created", recs)
	}
}

func TestManager_ApproveFeedsLearner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tk := f.seedTask(t)

	cp, _, err := f.manager.Create(ctx, &Checkpoint{
		TaskID: tk.ID, StepID: "s1", UserID: "u-1",
		Name: "send_message", Context: checkpointContext(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resolved, err := f.manager.Approve(ctx, cp.ID, "looks good", "")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if resolved.Status != StatusApproved || resolved.ResolvedAt == nil {
		t.Errorf("resolved = %+v, want approved with timestamp", resolved)
	}

	got, err := f.tasks.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get task: %v", err)
	}
	if got.Status != task.StatusExecuting {
		t.Errorf("task status = %q, want executing after approval", got.Status)
	}

	verdict, err := f.learner.ShouldAutoApprove(ctx, "u-1", "send_message", checkpointContext(), 0)
	if err != nil {
		t.Fatalf("ShouldAutoApprove: %v", err)
	}
	if !verdict.AutoApprove {
		t.Errorf("learner verdict = %+v, want auto-approve after one approval", verdict)
	}
}

func TestManager_AutoApproveSkipsTaskTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tk := f.seedTask(t)

	if _, err := f.learner.LearnFromDecision(ctx, "u-1", "send_message", checkpointContext(), preference.DecisionApproved, ""); err != nil {
		t.Fatalf("LearnFromDecision: %v", err)
	}

	cp, auto, err := f.manager.Create(ctx, &Checkpoint{
		TaskID: tk.ID, StepID: "s1", UserID: "u-1",
		Name: "send_message", Context: checkpointContext(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !auto {
		t.Fatal("checkpoint not auto-approved despite confident approval history")
	}
	if cp.Status != StatusAutoApproved {
		t.Errorf("Status = %q, want auto_approved", cp.Status)
	}

	got, err := f.tasks.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get task: %v", err)
	}
	if got.Status != task.StatusExecuting {
		t.Errorf("task status = %q, want unchanged executing", got.Status)
	}

	recs, err := f.bus.Replay(ctx, tk.ID, 10)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(recs) != 1 || recs[0].Type != events.TypeCheckpointResolved {
		t.Fatalf("events = %v, want one checkpoint.resolved", recs)
	}
	if recs[0].Payload["auto"] != true {
		t.Errorf("payload = %v, want auto true", recs[0].Payload)
	}
}

func TestManager_RejectBlocksLaterAutoApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tk := f.seedTask(t)

	cp, _, err := f.manager.Create(ctx, &Checkpoint{
		TaskID: tk.ID, StepID: "s1", UserID: "u-1",
		Name: "send_message", Context: checkpointContext(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.manager.Reject(ctx, cp.ID, "wrong recipient", "double-check the list"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	got, err := f.tasks.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get task: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("task status = %q, want failed after rejection", got.Status)
	}

	verdict, err := f.learner.ShouldAutoApprove(ctx, "u-1", "send_message", checkpointContext(), 0)
	if err != nil {
		t.Fatalf("ShouldAutoApprove: %v", err)
	}
	if verdict.AutoApprove {
		t.Error("auto-approved despite most recent decision being a rejection")
	}
}

func TestManager_DecisionErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tk := f.seedTask(t)

	cp, _, err := f.manager.Create(ctx, &Checkpoint{
		TaskID: tk.ID, StepID: "s1", UserID: "u-1",
		Name: "send_message", Context: checkpointContext(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.manager.Approve(ctx, cp.ID, "", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if _, err := f.manager.Approve(ctx, cp.ID, "", ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Approve = %v, want ErrAlreadyResolved", err)
	}
	if _, err := f.manager.Approve(ctx, "nope", "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Approve(nope) = %v, want ErrNotFound", err)
	}
}

func TestManager_WaitForDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager.poll = 10 * time.Millisecond
	tk := f.seedTask(t)

	cp, _, err := f.manager.Create(ctx, &Checkpoint{
		TaskID: tk.ID, StepID: "s1", UserID: "u-1",
		Name: "send_message", Context: checkpointContext(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, decided, err := f.manager.WaitForDecision(ctx, cp.ID, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForDecision: %v", err)
	}
	if decided || got.Status != StatusPending {
		t.Errorf("undecided wait = %+v decided=%v, want pending false", got, decided)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = f.manager.Approve(ctx, cp.ID, "", "")
	}()
	got, decided, err = f.manager.WaitForDecision(ctx, cp.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForDecision: %v", err)
	}
	if !decided || got.Status != StatusApproved {
		t.Errorf("wait = %+v decided=%v, want approved true", got, decided)
	}
}

func TestManager_ExpireStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tk := f.seedTask(t)

	stale := &Checkpoint{
		TaskID: tk.ID, StepID: "s1", UserID: "u-1",
		Name:           "send_message",
		Context:        checkpointContext(),
		TimeoutMinutes: 30,
		CreatedAt:      time.Now().UTC().Add(-time.Hour),
	}
	if err := f.manager.store.Put(ctx, stale); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fresh := &Checkpoint{
		TaskID: tk.ID, StepID: "s1", UserID: "u-1",
		Name: "send_message", Context: checkpointContext(),
		TimeoutMinutes: 30,
	}
	if err := f.manager.store.Put(ctx, fresh); err != nil {
		t.Fatalf("Put: %v", err)
	}

	n, err := f.manager.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}

	got, err := f.manager.store.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("stale status = %q, want expired", got.Status)
	}
	got, err = f.manager.store.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("fresh status = %q, want still pending", got.Status)
	}
}
