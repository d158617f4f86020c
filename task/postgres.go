package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	org_id         TEXT NOT NULL DEFAULT '',
	goal           TEXT NOT NULL,
	status         TEXT NOT NULL,
	steps          JSONB NOT NULL DEFAULT '[]',
	findings       JSONB NOT NULL DEFAULT '[]',
	metadata       JSONB NOT NULL DEFAULT '{}',
	tree_id        TEXT NOT NULL DEFAULT '',
	version        BIGINT NOT NULL DEFAULT 1,
	parent_task_id TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks (user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_org ON tasks (org_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, updated_at);

CREATE TABLE IF NOT EXISTS task_events (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events (task_id, created_at);
`

const taskColumns = `id, user_id, org_id, goal, status, steps, findings, metadata, tree_id, version, parent_task_id, created_at, updated_at`

// PostgresStore persists tasks in Postgres. TransitionStatus and UpdateWith
// serialize concurrent writers with SELECT ... FOR UPDATE row locks; the
// task_events audit row is written inside the same transaction as the
// mutation it records.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a task store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tasks and task_events tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure task schema: %w", err)
	}
	return nil
}

// Create validates and inserts the task, writing a task.created event in the
// same transaction.
func (s *PostgresStore) Create(ctx context.Context, t *Task) error {
	if err := Validate(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusDraft
	}
	if t.Version == 0 {
		t.Version = 1
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	steps, findings, metadata, err := marshalTaskBlobs(t)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.UserID, t.OrgID, t.Goal, string(t.Status),
		steps, findings, metadata,
		t.TreeID, t.Version, t.ParentTaskID, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := insertEvent(ctx, tx, t.ID, "task.created", map[string]any{
		"status": string(t.Status),
		"steps":  len(t.Steps),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// Get retrieves a task by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return t, err
}

// TransitionStatus applies newStatus plus extra updates under a row lock.
func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, newStatus Status, extra *Updates) (*Task, error) {
	return s.locked(ctx, id, StatusEventType(newStatus), func(t *Task) error {
		t.Status = newStatus
		applyUpdates(t, extra)
		return nil
	})
}

// UpdateWith runs fn against a row-locked copy of the task.
func (s *PostgresStore) UpdateWith(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	return s.locked(ctx, id, "task.updated", fn)
}

// locked is the shared row-locked read-modify-write path: lock the row,
// apply fn, bump version, write the row and its audit event, commit.
func (s *PostgresStore) locked(ctx context.Context, id, eventType string, fn func(*Task) error) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := fn(t); err != nil {
		return nil, err
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()

	if err := writeTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, t.ID, eventType, map[string]any{
		"status":  string(t.Status),
		"version": t.Version,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return t, nil
}

// Update applies task-level updates without a row lock. Single-writer paths
// only; concurrent callers must use TransitionStatus or UpdateWith.
func (s *PostgresStore) Update(ctx context.Context, id string, upd *Updates) (*Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	applyUpdates(t, upd)
	eventType := "task.updated"
	if upd != nil && upd.Status != nil {
		eventType = StatusEventType(*upd.Status)
	}
	return s.writeBack(ctx, t, eventType, map[string]any{
		"status": string(t.Status),
	})
}

// UpdateStep applies updates to one step and writes the whole steps
// collection back alongside a step.<status> event.
func (s *PostgresStore) UpdateStep(ctx context.Context, taskID, stepID string, upd *StepUpdates) (*Task, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	step := t.FindStep(stepID)
	if step == nil {
		return nil, fmt.Errorf("task %s step %s: %w", taskID, stepID, ErrStepNotFound)
	}
	applyStepUpdates(step, upd)
	return s.writeBack(ctx, t, StepEventType(step.Status), map[string]any{
		"step_id": stepID,
		"status":  string(step.Status),
		"error":   step.Error,
	})
}

// AddFinding appends to the task's accumulated findings.
func (s *PostgresStore) AddFinding(ctx context.Context, taskID, finding string) error {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	t.Findings = append(t.Findings, finding)
	_, err = s.writeBack(ctx, t, "task.finding.added", map[string]any{
		"finding": finding,
	})
	return err
}

// writeBack bumps the version and persists the task plus one audit event.
func (s *PostgresStore) writeBack(ctx context.Context, t *Task, eventType string, data map[string]any) (*Task, error) {
	t.Version++
	t.UpdatedAt = time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := writeTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	data["version"] = t.Version
	if err := insertEvent(ctx, tx, t.ID, eventType, data); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return t, nil
}

// List returns tasks matching the filter, most recently updated first.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`)
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if f.UserID != "" {
		q.WriteString(" AND user_id = " + arg(f.UserID))
	}
	if f.OrgID != "" {
		q.WriteString(" AND org_id = " + arg(f.OrgID))
	}
	if f.Status != nil {
		q.WriteString(" AND status = " + arg(string(*f.Status)))
	}
	if f.UpdatedBefore != nil {
		q.WriteString(" AND updated_at < " + arg(*f.UpdatedBefore))
	}
	if f.ParentTaskID != "" {
		q.WriteString(" AND parent_task_id = " + arg(f.ParentTaskID))
	}
	q.WriteString(" ORDER BY updated_at DESC")
	if f.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
		if f.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", f.Offset))
		}
	}

	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Events returns the most recent audit events for a task, oldest first.
func (s *PostgresStore) Events(ctx context.Context, taskID string, limit int) ([]Event, error) {
	q := `SELECT id, task_id, event_type, event_data, metadata, created_at
	      FROM task_events WHERE task_id = $1 ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var data, metadata []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Type, &data, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		_ = json.Unmarshal(data, &e.Data)
		_ = json.Unmarshal(metadata, &e.Metadata)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to chronological order
	for l, r := 0, len(events)-1; l < r; l, r = l+1, r-1 {
		events[l], events[r] = events[r], events[l]
	}
	return events, nil
}

// Delete removes a task; its events cascade.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return nil
}

// scanner abstracts pgx.Row and pgx.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(r scanner) (*Task, error) {
	var t Task
	var status string
	var steps, findings, metadata []byte

	err := r.Scan(
		&t.ID, &t.UserID, &t.OrgID, &t.Goal, &status,
		&steps, &findings, &metadata,
		&t.TreeID, &t.Version, &t.ParentTaskID,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	_ = json.Unmarshal(steps, &t.Steps)
	_ = json.Unmarshal(findings, &t.Findings)
	_ = json.Unmarshal(metadata, &t.Metadata)
	return &t, nil
}

func writeTask(ctx context.Context, tx pgx.Tx, t *Task) error {
	steps, findings, metadata, err := marshalTaskBlobs(t)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET
			user_id=$2, org_id=$3, goal=$4, status=$5,
			steps=$6, findings=$7, metadata=$8,
			tree_id=$9, version=$10, parent_task_id=$11, updated_at=$12
		WHERE id=$1`,
		t.ID, t.UserID, t.OrgID, t.Goal, string(t.Status),
		steps, findings, metadata,
		t.TreeID, t.Version, t.ParentTaskID, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrTaskNotFound)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, taskID, eventType string, data map[string]any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO task_events (id, task_id, event_type, event_data, metadata, created_at)
		VALUES ($1,$2,$3,$4,'{}',$5)`,
		uuid.NewString(), taskID, eventType, blob, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

func marshalTaskBlobs(t *Task) (steps, findings, metadata []byte, err error) {
	if steps, err = json.Marshal(t.Steps); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	if t.Findings == nil {
		findings = []byte("[]")
	} else if findings, err = json.Marshal(t.Findings); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal findings: %w", err)
	}
	if t.Metadata == nil {
		metadata = []byte("{}")
	} else if metadata, err = json.Marshal(t.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return steps, findings, metadata, nil
}

func applyUpdates(t *Task, upd *Updates) {
	if upd == nil {
		return
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Goal != nil {
		t.Goal = *upd.Goal
	}
	if upd.TreeID != nil {
		t.TreeID = *upd.TreeID
	}
	if len(upd.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			t.Metadata[k] = v
		}
	}
}

func applyStepUpdates(step *Step, upd *StepUpdates) {
	if upd == nil {
		return
	}
	now := time.Now().UTC()
	if upd.Status != nil {
		step.Status = *upd.Status
		switch *upd.Status {
		case StepRunning:
			step.StartedAt = &now
		case StepDone, StepFailed, StepSkipped:
			step.CompletedAt = &now
		}
	}
	if upd.Output != nil {
		step.Output = upd.Output
	}
	if upd.Error != nil {
		step.Error = *upd.Error
	}
}
