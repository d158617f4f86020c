package capability

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

const configSchema = `
CREATE TABLE IF NOT EXISTS capabilities (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	name          TEXT NOT NULL,
	org_id        TEXT NOT NULL DEFAULT '',
	config        TEXT NOT NULL DEFAULT '{}',
	enabled       INTEGER NOT NULL DEFAULT 1,
	usage_count   INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_used_at  DATETIME,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (kind, name, org_id)
);
`

// SQLiteStore persists capability configuration records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ ConfigStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the capabilities table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(configSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create capability schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Upsert inserts or replaces a record keyed by (kind, name, org_id).
func (s *SQLiteStore) Upsert(ctx context.Context, d *Definition) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("marshal capability config: %w", err)
	}
	enabled := 0
	if d.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capabilities
			(id, kind, name, org_id, config, enabled, usage_count, success_count, failure_count, last_used_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (kind, name, org_id) DO UPDATE SET
			config=excluded.config, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		d.ID, string(d.Kind), d.Name, d.OrgID, string(cfg), enabled,
		d.UsageCount, d.SuccessCount, d.FailureCount,
		nullTime(d.LastUsedAt), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert capability: %w", err)
	}
	return nil
}

// List returns all enabled records of the given kind.
func (s *SQLiteStore) List(ctx context.Context, kind Kind) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, org_id, config, enabled, usage_count, success_count, failure_count, last_used_at, created_at, updated_at
		FROM capabilities WHERE kind = ? AND enabled = 1 ORDER BY org_id, name`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *d)
	}
	return defs, rows.Err()
}

// Get returns the record keyed by (kind, name, org_id).
func (s *SQLiteStore) Get(ctx context.Context, kind Kind, name, orgID string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, org_id, config, enabled, usage_count, success_count, failure_count, last_used_at, created_at, updated_at
		FROM capabilities WHERE kind = ? AND name = ? AND org_id = ?`,
		string(kind), name, orgID,
	)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("capability %s/%s: %w", kind, name, ErrNotFound)
	}
	return d, err
}

// RecordUsage increments the analytics counters, preferring an org-scoped
// record when one exists. The increment is a plain read-modify-write at the
// SQL level; lost updates under extreme contention are acceptable for
// analytics counters.
func (s *SQLiteStore) RecordUsage(ctx context.Context, kind Kind, name, orgID string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	update := `UPDATE capabilities
		SET usage_count = usage_count + 1, ` + col + ` = ` + col + ` + 1, last_used_at = ?
		WHERE kind = ? AND name = ? AND org_id = ?`

	now := time.Now().UTC()
	if orgID != "" {
		res, err := s.db.ExecContext(ctx, update, now, string(kind), name, orgID)
		if err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	res, err := s.db.ExecContext(ctx, update, now, string(kind), name, "")
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("capability %s/%s: %w", kind, name, ErrNotFound)
	}
	return nil
}

// Delete removes the record keyed by (kind, name, org_id).
func (s *SQLiteStore) Delete(ctx context.Context, kind Kind, name, orgID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM capabilities WHERE kind = ? AND name = ? AND org_id = ?`,
		string(kind), name, orgID,
	)
	if err != nil {
		return fmt.Errorf("delete capability: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("capability %s/%s: %w", kind, name, ErrNotFound)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanDefinition.
type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(r scanner) (*Definition, error) {
	var d Definition
	var kind, cfg string
	var enabled int
	var lastUsed sql.NullTime

	err := r.Scan(
		&d.ID, &kind, &d.Name, &d.OrgID, &cfg, &enabled,
		&d.UsageCount, &d.SuccessCount, &d.FailureCount,
		&lastUsed, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Kind = Kind(kind)
	d.Enabled = enabled != 0
	_ = json.Unmarshal([]byte(cfg), &d.Config)
	if lastUsed.Valid {
		d.LastUsedAt = &lastUsed.Time
	}
	return &d, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
