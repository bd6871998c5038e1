// Package registry persists per-window metadata the filtering engine needs
// across park/restore cycles and daemon restarts.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Record is one persisted window row.
type Record struct {
	ConID          int64
	App            string
	Project        string
	Scope          string
	Class          string
	SavedWorkspace int
	Marks          []string
	UpdatedAt      time.Time
}

// Store wraps the sqlite-backed window registry.
type Store struct {
	db *sql.DB
}

// Open creates or opens the registry database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod registry: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}

var migrations = []string{`
CREATE TABLE IF NOT EXISTS windows (
	con_id INTEGER PRIMARY KEY,
	app TEXT NOT NULL DEFAULT '',
	project TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT 'global' CHECK(scope IN ('scoped','global')),
	class TEXT NOT NULL DEFAULT '',
	saved_workspace INTEGER NOT NULL DEFAULT 0,
	marks TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_windows_project ON windows(project);
`}

// Upsert inserts or updates the row for record.ConID.
func (s *Store) Upsert(ctx context.Context, record Record) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	if record.Scope == "" {
		record.Scope = "global"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO windows(con_id, app, project, scope, class, saved_workspace, marks, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(con_id) DO UPDATE SET
	app=excluded.app,
	project=excluded.project,
	scope=excluded.scope,
	class=excluded.class,
	saved_workspace=excluded.saved_workspace,
	marks=excluded.marks,
	updated_at=excluded.updated_at
`, record.ConID, record.App, record.Project, record.Scope, record.Class,
		record.SavedWorkspace, joinMarks(record.Marks), ts(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert window %d: %w", record.ConID, err)
	}
	return nil
}

// SetSavedWorkspace records the workspace a parked window should restore to.
func (s *Store) SetSavedWorkspace(ctx context.Context, conID int64, workspace int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE windows SET saved_workspace = ?, updated_at = ? WHERE con_id = ?`,
		workspace, ts(time.Now().UTC()), conID)
	if err != nil {
		return fmt.Errorf("save workspace for %d: %w", conID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save workspace for %d: %w", conID, err)
	}
	if affected == 0 {
		return fmt.Errorf("window %d: %w", conID, ErrNotFound)
	}
	return nil
}

// Get returns the row for conID.
func (s *Store) Get(ctx context.Context, conID int64) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT con_id, app, project, scope, class, saved_workspace, marks, updated_at
FROM windows WHERE con_id = ?`, conID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("window %d: %w", conID, ErrNotFound)
	}
	return record, err
}

// ByProject returns all rows associated with a project.
func (s *Store) ByProject(ctx context.Context, project string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT con_id, app, project, scope, class, saved_workspace, marks, updated_at
FROM windows WHERE project = ? ORDER BY con_id`, project)
	if err != nil {
		return nil, fmt.Errorf("query project %q: %w", project, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// All returns every persisted row.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT con_id, app, project, scope, class, saved_workspace, marks, updated_at
FROM windows ORDER BY con_id`)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Delete removes the row for conID; missing rows are not an error.
func (s *Store) Delete(ctx context.Context, conID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM windows WHERE con_id = ?`, conID); err != nil {
		return fmt.Errorf("delete window %d: %w", conID, err)
	}
	return nil
}

// PruneExcept removes rows whose container ids are no longer live, keeping
// the registry aligned with the authoritative tree after reconciliation.
func (s *Store) PruneExcept(ctx context.Context, live map[int64]struct{}) (int, error) {
	existing, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, record := range existing {
		if _, ok := live[record.ConID]; ok {
			continue
		}
		if err := s.Delete(ctx, record.ConID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var record Record
	var marks, updated string
	err := row.Scan(&record.ConID, &record.App, &record.Project, &record.Scope,
		&record.Class, &record.SavedWorkspace, &marks, &updated)
	if err != nil {
		return Record{}, err
	}
	record.Marks = splitMarks(marks)
	if parsed, perr := time.Parse(time.RFC3339Nano, updated); perr == nil {
		record.UpdatedAt = parsed
	}
	return record, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan window row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window rows: %w", err)
	}
	return out, nil
}

func joinMarks(marks []string) string {
	return strings.Join(marks, "\x1f")
}

func splitMarks(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\x1f")
}

func ts(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
