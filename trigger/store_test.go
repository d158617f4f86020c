package trigger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *SQLiteRegistry {
	t.Helper()
	reg, err := NewSQLiteRegistry(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestSQLiteRegistry_Sources(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	cfg := &SourceConfig{
		Name:      "github hook",
		Source:    "github",
		Active:    true,
		Secret:    "s3cret",
		Condition: `payload("action") == "opened"`,
		Action:    "notify",
		Params:    map[string]any{"channel": "#ops"},
	}
	if err := reg.PutSource(ctx, cfg); err != nil {
		t.Fatalf("PutSource: %v", err)
	}
	if cfg.ID == "" {
		t.Fatal("PutSource did not assign an id")
	}

	got, err := reg.GetSource(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if got.Name != cfg.Name || !got.Active || got.Secret != cfg.Secret || got.Condition != cfg.Condition {
		t.Errorf("GetSource = %+v, want round-tripped config", got)
	}
	if got.Params["channel"] != "#ops" {
		t.Errorf("Params = %v", got.Params)
	}

	cfg.Active = false
	if err := reg.PutSource(ctx, cfg); err != nil {
		t.Fatalf("PutSource update: %v", err)
	}
	got, err = reg.GetSource(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if got.Active {
		t.Error("update did not deactivate the source")
	}

	if _, err := reg.GetSource(ctx, "nope"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("GetSource(nope) = %v, want ErrSourceNotFound", err)
	}
}

func TestSQLiteRegistry_Triggers(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	triggers := []*TaskTrigger{
		{TaskID: "t-1", EventType: "external.webhook.github", Active: true},
		{TaskID: "t-2", EventType: "external.webhook", Active: true},
		{TaskID: "t-3", EventType: "external.webhook.slack", Active: true},
		{TaskID: "t-4", EventType: "external.webhook.github", Active: false},
	}
	for _, tr := range triggers {
		if err := reg.PutTrigger(ctx, tr); err != nil {
			t.Fatalf("PutTrigger: %v", err)
		}
	}

	got, err := reg.TriggersFor(ctx, "external.webhook.github")
	if err != nil {
		t.Fatalf("TriggersFor: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("TriggersFor matched %d triggers, want 2 (exact + prefix, not inactive)", len(got))
	}
	for _, tr := range got {
		if tr.TaskID == "t-3" || tr.TaskID == "t-4" {
			t.Errorf("unexpected match %s", tr.TaskID)
		}
	}

	if err := reg.DeleteTrigger(ctx, triggers[0].ID); err != nil {
		t.Fatalf("DeleteTrigger: %v", err)
	}
	got, err = reg.TriggersFor(ctx, "external.webhook.github")
	if err != nil {
		t.Fatalf("TriggersFor: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("after delete matched %d, want 1", len(got))
	}
}

func TestSQLiteRegistry_ExecutionHistory(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	first := &Execution{TriggerID: "tr-1", EventID: "ev-1", Status: ExecutionRunning, StartedAt: time.Now().UTC().Add(-time.Minute)}
	if err := reg.RecordExecution(ctx, first); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	second := &Execution{TriggerID: "tr-1", EventID: "ev-2", Status: ExecutionRunning}
	if err := reg.RecordExecution(ctx, second); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	if err := reg.CompleteExecution(ctx, first.ID, ExecutionFailed, "engine down"); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	if err := reg.CompleteExecution(ctx, "nope", ExecutionCompleted, ""); err == nil {
		t.Error("completing an unknown execution did not error")
	}

	history, err := reg.History(ctx, "tr-1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].EventID != "ev-2" {
		t.Errorf("history[0] = %s, want newest first", history[0].EventID)
	}
	if history[1].Status != ExecutionFailed || history[1].Error != "engine down" || history[1].FinishedAt == nil {
		t.Errorf("completed entry = %+v", history[1])
	}

	limited, err := reg.History(ctx, "tr-1", 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited history = %d entries, want 1", len(limited))
	}
}
