package services

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/trobanga/gradeflow/internal/lib"
)

// ErrLocked is returned when another process holds a directory lock
var ErrLocked = errors.New("directory is locked by another process")

const lockFileName = ".lock"

// DirLock is an advisory lock on a result directory.
// Prevents two gradeflow processes sharing a store from writing the same task concurrently.
type DirLock struct {
	dir      string
	lockFile *os.File
	logger   *lib.Logger
}

// WithDirLock executes fn while holding the lock on dir
func WithDirLock(dir string, logger *lib.Logger, fn func() error) error {
	lock, err := AcquireDirLock(dir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error("Failed to release directory lock", "dir", dir, "error", err)
		}
	}()

	return fn()
}

// writeLockInfo writes debug information to the lock file
func (l *DirLock) writeLockInfo() error {
	lockInfo := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	_ = l.lockFile.Truncate(0)
	_, _ = l.lockFile.Seek(0, 0)
	_, _ = l.lockFile.WriteString(lockInfo)
	return l.lockFile.Sync()
}
