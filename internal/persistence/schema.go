package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'running',
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS stories (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		priority INTEGER NOT NULL,
		batch_index INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_stories_run_status ON stories(run_id, status);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		story_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		failure_type TEXT NOT NULL,
		granted INTEGER NOT NULL,
		backoff_seconds REAL NOT NULL DEFAULT 0,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_story ON attempts(run_id, story_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
