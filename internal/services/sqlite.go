package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/trobanga/gradeflow/internal/models"
)

// SQLiteStore keeps results in a single sqlite table
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) the database at path
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, eris.Wrapf(err, "failed to create database directory %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "failed to open sqlite database")
	}
	// One writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS results (
  task_id TEXT PRIMARY KEY,
  fingerprint TEXT,
  total_score REAL NOT NULL,
  grade_level TEXT NOT NULL,
  completed_at INTEGER NOT NULL,
  result_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS results_completed_at ON results(completed_at);
`); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "failed to migrate sqlite database")
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save inserts or replaces the result of a task
func (s *SQLiteStore) Save(ctx context.Context, result models.GradingResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "failed to marshal result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO results (task_id, fingerprint, total_score, grade_level, completed_at, result_json)
         VALUES (?, ?, ?, ?, ?, ?)`,
		result.TaskID,
		result.Fingerprint,
		result.Scores.TotalScore,
		result.Scores.GradeLevel,
		result.CompletedAt.UnixMilli(),
		string(data),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to save result of task %s", result.TaskID)
	}
	return nil
}

// Load returns the result of a task
func (s *SQLiteStore) Load(ctx context.Context, taskID string) (models.GradingResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT result_json FROM results WHERE task_id = ?`, taskID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GradingResult{}, ErrResultNotFound
		}
		return models.GradingResult{}, eris.Wrap(err, "failed to load result")
	}
	var result models.GradingResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return models.GradingResult{}, eris.Wrapf(err, "failed to parse result of task %s", taskID)
	}
	return result, nil
}

// List returns every stored result, newest first
func (s *SQLiteStore) List(ctx context.Context) ([]models.GradingResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT result_json FROM results ORDER BY completed_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "failed to list results")
	}
	defer func() { _ = rows.Close() }()

	results := []models.GradingResult{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "failed to scan result")
		}
		var r models.GradingResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, eris.Wrap(err, "failed to parse stored result")
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
