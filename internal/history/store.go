package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"rendermill/internal/config"
)

// Store persists one row per render run backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Run is a recorded render run.
type Run struct {
	ID             int64
	RunID          string
	Project        string
	BlendFile      string
	Outcome        string
	FramesRendered int
	ChunksTotal    int
	ErrorMessage   string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Elapsed returns the run's wall-clock duration, zero when still open.
func (r Run) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Open initializes or connects to the history database and applies
// migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) applyMigrations(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS render_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL UNIQUE,
        project TEXT NOT NULL,
        blend_file TEXT NOT NULL,
        outcome TEXT NOT NULL DEFAULT '',
        frames_rendered INTEGER NOT NULL DEFAULT 0,
        chunks_total INTEGER NOT NULL DEFAULT 0,
        error_message TEXT NOT NULL DEFAULT '',
        started_at TEXT NOT NULL,
        finished_at TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_render_runs_started_at ON render_runs(started_at)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// RecordStart inserts an open row for a run that just launched.
func (s *Store) RecordStart(ctx context.Context, runID, project, blendFile string, chunksTotal int, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO render_runs (run_id, project, blend_file, chunks_total, started_at)
         VALUES (?, ?, ?, ?, ?)`,
		runID, project, blendFile, chunksTotal, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordFinish closes a run row with its terminal outcome.
func (s *Store) RecordFinish(ctx context.Context, runID, outcome string, framesRendered int, errorMessage string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_runs
         SET outcome = ?, frames_rendered = ?, error_message = ?, finished_at = ?
         WHERE run_id = ?`,
		outcome, framesRendered, errorMessage, finishedAt.UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// List returns the most recent runs, newest first, capped at limit.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, project, blend_file, outcome, frames_rendered,
                chunks_total, error_message, started_at, finished_at
         FROM render_runs
         ORDER BY started_at DESC
         LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run                 Run
			startedAt, finished string
		)
		if err := rows.Scan(&run.ID, &run.RunID, &run.Project, &run.BlendFile, &run.Outcome,
			&run.FramesRendered, &run.ChunksTotal, &run.ErrorMessage, &startedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = parseTimestamp(startedAt)
		run.FinishedAt = parseTimestamp(finished)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}
