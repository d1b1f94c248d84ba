package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/automaker/orchestrator/internal/feature"
)

// DB is the SQLite-backed Store, running embedded with WAL so the daemon and
// CLI invocations can read while the scheduler writes.
//
// Architecture:
//   - Database file: ~/.automaker/automaker.db (configurable)
//   - Tables: features, feature_deps, keyed by (project, id)
//   - seq records creation order per project for stable scheduling
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at path, creating parent directories.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open("/home/me/.automaker/automaker.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the schema if it does not exist. Safe to call repeatedly.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS features (
		project TEXT NOT NULL,
		id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'backlog',
		priority INTEGER NOT NULL DEFAULT 0,
		branch_name TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		require_approval INTEGER NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT,
		interrupted_at TEXT,
		PRIMARY KEY (project, id)
	);

	CREATE TABLE IF NOT EXISTS feature_deps (
		project TEXT NOT NULL,
		feature_id TEXT NOT NULL,
		dep_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (project, feature_id, dep_id),
		FOREIGN KEY (project, feature_id) REFERENCES features(project, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_features_status ON features(project, status);
	CREATE INDEX IF NOT EXISTS idx_features_seq ON features(project, seq);
	CREATE INDEX IF NOT EXISTS idx_deps_dep ON feature_deps(project, dep_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Upsert inserts a feature definition or updates the definition fields of an
// existing one. Scheduler-owned fields (status, session, error, summary,
// timestamps) of an existing row are left alone; a non-empty branch name
// from the definition wins over the stored one.
func (db *DB) Upsert(ctx context.Context, projectPath string, f *feature.Feature) error {
	f.SetDefaults()
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid feature: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO features (
		project, id, seq, title, description, category, status, priority,
		branch_name, provider, model, require_approval, session_id,
		created_at, updated_at
	) VALUES (
		?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM features WHERE project = ?),
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
	)
	ON CONFLICT(project, id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		category = excluded.category,
		priority = excluded.priority,
		branch_name = CASE WHEN excluded.branch_name != '' THEN excluded.branch_name ELSE features.branch_name END,
		provider = excluded.provider,
		model = excluded.model,
		require_approval = excluded.require_approval,
		updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		projectPath, f.ID, projectPath,
		f.Title,
		f.Description,
		f.Category,
		string(f.Status),
		f.Priority,
		f.BranchName,
		f.Provider,
		f.Model,
		boolToInt(f.RequireApproval),
		f.SessionID,
		f.CreatedAt.UTC().Format(time.RFC3339Nano),
		f.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert feature %s: %w", f.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM feature_deps WHERE project = ? AND feature_id = ?`, projectPath, f.ID); err != nil {
		return fmt.Errorf("failed to clear dependencies of %s: %w", f.ID, err)
	}
	for i, dep := range f.Dependencies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO feature_deps (project, feature_id, dep_id, position) VALUES (?, ?, ?, ?)`,
			projectPath, f.ID, dep, i); err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", f.ID, dep, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete removes a feature and its dependency rows. Missing features are ignored.
func (db *DB) Delete(ctx context.Context, projectPath, id string) error {
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM features WHERE project = ? AND id = ?`, projectPath, id); err != nil {
		return fmt.Errorf("failed to delete feature %s: %w", id, err)
	}
	return nil
}

const featureColumns = `
	id, seq, title, description, category, status, priority, branch_name,
	provider, model, require_approval, session_id, error, summary,
	created_at, updated_at, started_at, finished_at, interrupted_at
`

// Get implements Store.
func (db *DB) Get(ctx context.Context, projectPath, id string) (*feature.Feature, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+featureColumns+` FROM features WHERE project = ? AND id = ?`, projectPath, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query feature %s: %w", id, err)
	}
	features, err := scanFeatures(rows)
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, ErrNotFound
	}
	if err := db.attachDeps(ctx, projectPath, features); err != nil {
		return nil, err
	}
	return features[0], nil
}

// List implements Store.
func (db *DB) List(ctx context.Context, projectPath string) ([]*feature.Feature, error) {
	return db.query(ctx, projectPath, "")
}

// ListByStatus implements Store.
func (db *DB) ListByStatus(ctx context.Context, projectPath string, status feature.Status) ([]*feature.Feature, error) {
	return db.query(ctx, projectPath, status)
}

func (db *DB) query(ctx context.Context, projectPath string, status feature.Status) ([]*feature.Feature, error) {
	conditions := []string{"project = ?"}
	args := []interface{}{projectPath}
	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(status))
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+featureColumns+` FROM features WHERE `+strings.Join(conditions, " AND ")+` ORDER BY seq ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}
	features, err := scanFeatures(rows)
	if err != nil {
		return nil, err
	}
	if err := db.attachDeps(ctx, projectPath, features); err != nil {
		return nil, err
	}
	return features, nil
}

// Update implements Store. Only the fields set in patch are written.
func (db *DB) Update(ctx context.Context, projectPath, id string, patch feature.Patch) error {
	var sets []string
	var args []interface{}

	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.BranchName != nil {
		add("branch_name", *patch.BranchName)
	}
	if patch.SessionID != nil {
		add("session_id", *patch.SessionID)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.Summary != nil {
		add("summary", *patch.Summary)
	}
	if patch.StartedAt != nil {
		add("started_at", timeToNullString(patch.StartedAt))
	}
	if patch.FinishedAt != nil {
		add("finished_at", timeToNullString(patch.FinishedAt))
	}
	if patch.InterruptedAt != nil {
		add("interrupted_at", timeToNullString(patch.InterruptedAt))
	}
	if patch.ClearInterrupted {
		sets = append(sets, "interrupted_at = NULL")
	}
	add("updated_at", time.Now().UTC().Format(time.RFC3339Nano))

	args = append(args, projectPath, id)
	res, err := db.conn.ExecContext(ctx,
		`UPDATE features SET `+strings.Join(sets, ", ")+` WHERE project = ? AND id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update feature %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update feature %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Projects returns every project path with at least one feature.
func (db *DB) Projects(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT project FROM features ORDER BY project`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Counts returns the number of features per status for a project.
func (db *DB) Counts(ctx context.Context, projectPath string) (map[feature.Status]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM features WHERE project = ? GROUP BY status`, projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to count features: %w", err)
	}
	defer rows.Close()

	counts := make(map[feature.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[feature.Status(status)] = n
	}
	return counts, rows.Err()
}

// attachDeps loads dependency lists for the given features in one query.
func (db *DB) attachDeps(ctx context.Context, projectPath string, features []*feature.Feature) error {
	if len(features) == 0 {
		return nil
	}
	byID := make(map[string]*feature.Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT feature_id, dep_id FROM feature_deps WHERE project = ? ORDER BY feature_id, position`,
		projectPath)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var featureID, depID string
		if err := rows.Scan(&featureID, &depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		if f, ok := byID[featureID]; ok {
			f.Dependencies = append(f.Dependencies, depID)
		}
	}
	return rows.Err()
}

// scanFeatures scans and closes rows.
func scanFeatures(rows *sql.Rows) ([]*feature.Feature, error) {
	defer rows.Close()

	var features []*feature.Feature
	for rows.Next() {
		var f feature.Feature
		var status string
		var requireApproval int
		var createdAt, updatedAt string
		var startedAt, finishedAt, interruptedAt sql.NullString

		err := rows.Scan(
			&f.ID,
			&f.Seq,
			&f.Title,
			&f.Description,
			&f.Category,
			&status,
			&f.Priority,
			&f.BranchName,
			&f.Provider,
			&f.Model,
			&requireApproval,
			&f.SessionID,
			&f.Error,
			&f.Summary,
			&createdAt,
			&updatedAt,
			&startedAt,
			&finishedAt,
			&interruptedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}

		f.Status = feature.Status(status)
		f.RequireApproval = requireApproval != 0
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			f.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			f.UpdatedAt = t
		}
		f.StartedAt = nullStringToTime(startedAt)
		f.FinishedAt = nullStringToTime(finishedAt)
		f.InterruptedAt = nullStringToTime(interruptedAt)

		features = append(features, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating features: %w", err)
	}
	return features, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// IsNotFound reports whether err means the feature does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

var _ Store = (*DB)(nil)
var _ Store = (*Memory)(nil)
