package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// ErrResultNotFound is returned when no result is stored for a task id
var ErrResultNotFound = errors.New("result not found")

// ResultStore persists grading results
type ResultStore interface {
	Save(ctx context.Context, result models.GradingResult) error
	Load(ctx context.Context, taskID string) (models.GradingResult, error)
	List(ctx context.Context) ([]models.GradingResult, error)
	Close() error
}

// ResultFileName is the name of the per-task result document
const ResultFileName = "result.json"

// FileStore keeps one JSON document per task under <dir>/<task_id>/result.json
type FileStore struct {
	dir    string
	logger *lib.Logger
}

// NewFileStore creates a file store rooted at dir, creating it if needed
func NewFileStore(dir string, logger *lib.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, eris.Wrapf(err, "failed to create results directory %s", dir)
	}
	if logger == nil {
		logger = lib.NewNopLogger()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// GetResultPath returns the full path to a task's result file
func (s *FileStore) GetResultPath(taskID string) string {
	return filepath.Join(s.dir, taskID, ResultFileName)
}

// Save writes a result to disk with atomic write
func (s *FileStore) Save(ctx context.Context, result models.GradingResult) error {
	if _, err := uuid.Parse(result.TaskID); err != nil {
		return eris.Wrapf(err, "cannot save result with invalid task id %q", result.TaskID)
	}

	// Indented for human readability
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return eris.Wrap(err, "failed to marshal result")
	}

	taskDir := filepath.Join(s.dir, result.TaskID)
	return WithDirLock(taskDir, s.logger, func() error {
		return writeFileAtomic(taskDir, s.GetResultPath(result.TaskID), data)
	})
}

// Load reads a task's result from disk
func (s *FileStore) Load(ctx context.Context, taskID string) (models.GradingResult, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return models.GradingResult{}, ErrResultNotFound
	}
	data, err := os.ReadFile(s.GetResultPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return models.GradingResult{}, ErrResultNotFound
		}
		return models.GradingResult{}, eris.Wrap(err, "failed to read result")
	}

	var result models.GradingResult
	if err := json.Unmarshal(data, &result); err != nil {
		return models.GradingResult{}, eris.Wrapf(err, "failed to parse result of task %s", taskID)
	}
	return result, nil
}

// List scans the results directory and returns every stored result, newest first
func (s *FileStore) List(ctx context.Context) ([]models.GradingResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.GradingResult{}, nil
		}
		return nil, eris.Wrap(err, "failed to read results directory")
	}

	results := make([]models.GradingResult, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Load(ctx, entry.Name())
		if errors.Is(err, ErrResultNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CompletedAt.After(results[j].CompletedAt)
	})
	return results, nil
}

// Close is a no-op for the file store
func (s *FileStore) Close() error { return nil }

// writeFileAtomic writes to a temporary file in dir and renames it over path,
// so readers never observe a partially written file
func writeFileAtomic(dir, path string, data []byte) error {
	tempFile := filepath.Join(dir, fmt.Sprintf(".tmp.%s", uuid.New().String()))
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return eris.Wrap(err, "failed to write temp file")
	}
	if err := os.Rename(tempFile, path); err != nil {
		// Cleanup temp file on failure
		_ = os.Remove(tempFile)
		return eris.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// OpenResultStore opens the store selected by the storage configuration
func OpenResultStore(cfg models.StorageConfig, logger *lib.Logger) (ResultStore, error) {
	switch cfg.Driver {
	case models.StorageDriverSQLite:
		return OpenSQLiteStore(cfg.SQLitePath)
	case models.StorageDriverFile, "":
		return NewFileStore(cfg.Dir, logger)
	default:
		return nil, eris.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
