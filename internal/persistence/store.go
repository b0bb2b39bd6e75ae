// Package persistence keeps the orchestrator's own bookkeeping (runs,
// stories, retry attempts) in SQLite for the status command. The
// JSONL heartbeat/health/retry files remain the dashboard contract; this
// store is internal state.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forgeworks/foreman/internal/scheduler"
)

// StoryRow is one story's persisted execution state.
type StoryRow struct {
	RunID      string
	ID         string
	Title      string
	Priority   int
	BatchIndex int
	Status     string
	Error      string
	UpdatedAt  time.Time
}

// Story status values.
const (
	StoryPending   = "pending"
	StoryRunning   = "running"
	StoryCompleted = "completed"
	StoryMerged    = "merged"
	StoryFailed    = "failed"
	StoryConflict  = "conflict"
)

// Store is a SQLite-backed run/story/attempt store.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the store at dbPath. Enables WAL
// mode, a busy timeout, and foreign keys.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &Store{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run.
func (s *Store) CreateRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (id) VALUES (?)`, runID)
	if err != nil {
		return fmt.Errorf("failed to create run %q: %w", runID, err)
	}
	return nil
}

// FinishRun marks a run finished with the given status.
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %q: %w", runID, err)
	}
	return nil
}

// LatestRun returns the most recently started run ID.
func (s *Store) LatestRun(ctx context.Context) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest run: %w", err)
	}
	return runID, nil
}

// SavePlan persists the computed plan's stories for a run.
func (s *Store) SavePlan(ctx context.Context, runID string, plan *scheduler.Plan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, tp := range plan.TaskPlans {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO stories (run_id, id, title, priority, batch_index, status)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, tp.ID, tp.Title, tp.Priority, tp.BatchIndex, StoryPending)
		if err != nil {
			return fmt.Errorf("failed to save story %q: %w", tp.ID, err)
		}
	}

	return tx.Commit()
}

// UpdateStoryStatus records a story's execution state transition.
func (s *Store) UpdateStoryStatus(ctx context.Context, runID, storyID, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stories SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE run_id = ? AND id = ?`,
		status, errMsg, runID, storyID)
	if err != nil {
		return fmt.Errorf("failed to update story %q: %w", storyID, err)
	}
	return nil
}

// RecordAttempt mirrors one retry decision into the store.
func (s *Store) RecordAttempt(ctx context.Context, runID, storyID string, attempt int, failureType string, granted bool, backoffSecs float64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (run_id, story_id, attempt, failure_type, granted, backoff_seconds, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, storyID, attempt, failureType, granted, backoffSecs, reason)
	if err != nil {
		return fmt.Errorf("failed to record attempt for %q: %w", storyID, err)
	}
	return nil
}

// ListStories returns all stories for a run ordered by batch then
// priority, the merge order.
func (s *Store) ListStories(ctx context.Context, runID string) ([]StoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, id, title, priority, batch_index, status, COALESCE(error, ''), updated_at
		 FROM stories WHERE run_id = ?
		 ORDER BY batch_index, priority, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	defer rows.Close()

	var stories []StoryRow
	for rows.Next() {
		var row StoryRow
		if err := rows.Scan(&row.RunID, &row.ID, &row.Title, &row.Priority,
			&row.BatchIndex, &row.Status, &row.Error, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		stories = append(stories, row)
	}
	return stories, rows.Err()
}
