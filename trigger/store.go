package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const triggerSchema = `
CREATE TABLE IF NOT EXISTS event_sources (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT 'generic',
	active     INTEGER NOT NULL DEFAULT 1,
	secret     TEXT NOT NULL DEFAULT '',
	condition  TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	params     TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_triggers (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	condition  TEXT NOT NULL DEFAULT '',
	params     TEXT NOT NULL DEFAULT '{}',
	active     INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trigger_executions (
	id          TEXT PRIMARY KEY,
	trigger_id  TEXT NOT NULL,
	event_id    TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_trigger_executions_trigger
	ON trigger_executions (trigger_id, started_at DESC);
`

// SQLiteRegistry persists source configurations, task triggers, and
// execution history in SQLite.
type SQLiteRegistry struct {
	db *sql.DB
}

var _ Registry = (*SQLiteRegistry)(nil)

// NewSQLiteRegistry opens (or creates) a SQLite database at dbPath and
// ensures the trigger tables exist. The caller is responsible for Close.
func NewSQLiteRegistry(dbPath string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(triggerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create trigger schema: %w", err)
	}
	return &SQLiteRegistry{db: db}, nil
}

// Close releases the underlying database connection.
func (r *SQLiteRegistry) Close() error { return r.db.Close() }

// PutSource inserts or replaces a source configuration.
func (r *SQLiteRegistry) PutSource(ctx context.Context, cfg *SourceConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Source == "" {
		cfg.Source = "generic"
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(cfg.Params)
	if err != nil {
		return fmt.Errorf("marshal source params: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO event_sources
			(id, name, source, active, secret, condition, action, params, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		cfg.ID, cfg.Name, cfg.Source, boolInt(cfg.Active), cfg.Secret,
		cfg.Condition, cfg.Action, string(params), cfg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put source %s: %w", cfg.ID, err)
	}
	return nil
}

// GetSource returns the source configuration with the given id.
func (r *SQLiteRegistry) GetSource(ctx context.Context, id string) (*SourceConfig, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, source, active, secret, condition, action, params, created_at
		FROM event_sources WHERE id = ?`, id)

	var cfg SourceConfig
	var active int
	var params string
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Source, &active, &cfg.Secret,
		&cfg.Condition, &cfg.Action, &params, &cfg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", id, err)
	}
	cfg.Active = active != 0
	if err := json.Unmarshal([]byte(params), &cfg.Params); err != nil {
		return nil, fmt.Errorf("decode source params: %w", err)
	}
	return &cfg, nil
}

// PutTrigger inserts or replaces a task trigger.
func (r *SQLiteRegistry) PutTrigger(ctx context.Context, tr *TaskTrigger) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(tr.Params)
	if err != nil {
		return fmt.Errorf("marshal trigger params: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_triggers
			(id, task_id, user_id, event_type, condition, params, active, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		tr.ID, tr.TaskID, tr.UserID, tr.EventType, tr.Condition,
		string(params), boolInt(tr.Active), tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put trigger %s: %w", tr.ID, err)
	}
	return nil
}

// DeleteTrigger removes a trigger by id.
func (r *SQLiteRegistry) DeleteTrigger(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM task_triggers WHERE id = ?`, id)
	return err
}

// TriggersFor returns the active triggers whose event_type filter matches
// eventType. Filters are exact types or dotted prefixes, so matching
// happens in memory over the active set.
func (r *SQLiteRegistry) TriggersFor(ctx context.Context, eventType string) ([]TaskTrigger, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_id, user_id, event_type, condition, params, active, created_at
		FROM task_triggers WHERE active = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskTrigger
	for rows.Next() {
		var tr TaskTrigger
		var active int
		var params string
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.UserID, &tr.EventType,
			&tr.Condition, &params, &active, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		tr.Active = active != 0
		if err := json.Unmarshal([]byte(params), &tr.Params); err != nil {
			return nil, fmt.Errorf("decode trigger params: %w", err)
		}
		if MatchesEventType(eventType, tr.EventType) {
			out = append(out, tr)
		}
	}
	return out, rows.Err()
}

// RecordExecution appends a history entry.
func (r *SQLiteRegistry) RecordExecution(ctx context.Context, ex *Execution) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.StartedAt.IsZero() {
		ex.StartedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trigger_executions (id, trigger_id, event_id, status, error, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?)`,
		ex.ID, ex.TriggerID, ex.EventID, string(ex.Status), ex.Error, ex.StartedAt, ex.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution %s: %w", ex.ID, err)
	}
	return nil
}

// CompleteExecution moves a running entry to its final status.
func (r *SQLiteRegistry) CompleteExecution(ctx context.Context, id string, status ExecutionStatus, errMsg string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE trigger_executions SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete execution %s: no such entry", id)
	}
	return nil
}

// History returns execution entries for a trigger, newest first.
func (r *SQLiteRegistry) History(ctx context.Context, triggerID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trigger_id, event_id, status, error, started_at, finished_at
		FROM trigger_executions WHERE trigger_id = ?
		ORDER BY started_at DESC LIMIT ?`, triggerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Execution
	for rows.Next() {
		var ex Execution
		var status string
		var finished sql.NullTime
		if err := rows.Scan(&ex.ID, &ex.TriggerID, &ex.EventID, &status,
			&ex.Error, &ex.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		ex.Status = ExecutionStatus(status)
		if finished.Valid {
			t := finished.Time
			ex.FinishedAt = &t
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
