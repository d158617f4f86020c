// Package checkpoint coordinates human confirmation points: a step that
// needs sign-off becomes a checkpoint, a learned preference may resolve it
// automatically, and every human decision is fed back into the learner.
package checkpoint

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

// ErrNotFound reports an unknown checkpoint id.
var ErrNotFound = errors.New("checkpoint not found")

// ErrAlreadyResolved reports a decision against a checkpoint that is no
// longer pending.
var ErrAlreadyResolved = errors.New("checkpoint already resolved")

// Status is the resolution state of a checkpoint.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusAutoApproved Status = "auto_approved"
	StatusExpired      Status = "expired"
)

// Resolved reports whether the status is terminal.
func (s Status) Resolved() bool { return s != StatusPending }

// Checkpoint is one pending or resolved human confirmation.
type Checkpoint struct {
	ID             string         `json:"id"`
	TaskID         string         `json:"task_id"`
	StepID         string         `json:"step_id"`
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"` // checkpoint type, the preference key
	Context        map[string]any `json:"context,omitempty"`
	Status         Status         `json:"status"`
	Comment        string         `json:"comment,omitempty"`
	Feedback       string         `json:"feedback,omitempty"`
	TimeoutMinutes int            `json:"timeout_minutes"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// Store persists checkpoints.
type Store interface {
	// Put inserts the checkpoint, assigning an id if empty.
	Put(ctx context.Context, cp *Checkpoint) error

	// Get returns the checkpoint with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Checkpoint, error)

	// Resolve moves a pending checkpoint to a terminal status. Returns
	// ErrAlreadyResolved if it is not pending, ErrNotFound if absent.
	Resolve(ctx context.Context, id string, status Status, comment string) (*Checkpoint, error)

	// ListPending returns pending checkpoints, oldest first. An empty
	// userID returns all users.
	ListPending(ctx context.Context, userID string) ([]Checkpoint, error)
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id              TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL,
	step_id         TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	name            TEXT NOT NULL,
	context         TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'pending',
	comment         TEXT NOT NULL DEFAULT '',
	feedback        TEXT NOT NULL DEFAULT '',
	timeout_minutes INTEGER NOT NULL DEFAULT 30,
	created_at      DATETIME NOT NULL,
	resolved_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_pending
	ON checkpoints (status, user_id, created_at);
`

// SQLiteStore persists checkpoints in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the checkpoints table exists. The caller is responsible for Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Put inserts the checkpoint.
func (s *SQLiteStore) Put(ctx context.Context, cp *Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cctx, err := json.Marshal(cp.Context)
	if err != nil {
		return fmt.Errorf("marshal checkpoint context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(id, task_id, step_id, user_id, name, context, status, comment, feedback, timeout_minutes, created_at, resolved_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		cp.ID, cp.TaskID, cp.StepID, cp.UserID, cp.Name, string(cctx),
		string(cp.Status), cp.Comment, cp.Feedback, cp.TimeoutMinutes,
		cp.CreatedAt, cp.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

const checkpointColumns = `id, task_id, step_id, user_id, name, context, status, comment, feedback, timeout_minutes, created_at, resolved_at`

// Get returns the checkpoint with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cp, err
}

// Resolve moves a pending checkpoint to a terminal status.
func (s *SQLiteStore) Resolve(ctx context.Context, id string, status Status, comment string) (*Checkpoint, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints SET status = ?, comment = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), comment, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve checkpoint %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return s.Get(ctx, id)
}

// ListPending returns pending checkpoints, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context, userID string) ([]Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE status = 'pending'`
	args := []any{}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var cctx, status string
	var resolved sql.NullTime
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.StepID, &cp.UserID, &cp.Name,
		&cctx, &status, &cp.Comment, &cp.Feedback, &cp.TimeoutMinutes,
		&cp.CreatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	cp.Status = Status(status)
	if err := json.Unmarshal([]byte(cctx), &cp.Context); err != nil {
		return nil, fmt.Errorf("decode checkpoint context: %w", err)
	}
	if resolved.Valid {
		t := resolved.Time
		cp.ResolvedAt = &t
	}
	return &cp, nil
}
