//go:build unix

package services

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/trobanga/gradeflow/internal/lib"
)

// AcquireDirLock takes an exclusive non-blocking flock on <dir>/.lock.
// Returns ErrLocked when another process holds it.
func AcquireDirLock(dir string, logger *lib.Logger) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	// flock() is advisory - cooperating processes must check the lock
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	lock := &DirLock{dir: dir, lockFile: lockFile, logger: logger}
	if err := lock.writeLockInfo(); err != nil {
		logger.Warn("Failed to write lock info", "dir", dir, "error", err)
	}
	logger.Debug("Acquired directory lock", "dir", dir, "pid", os.Getpid())
	return lock, nil
}

// Release releases the lock
func (l *DirLock) Release() error {
	if l.lockFile == nil {
		return nil
	}

	if err := syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN); err != nil {
		l.logger.Warn("Failed to release flock", "dir", l.dir, "error", err)
	}
	if err := l.lockFile.Close(); err != nil {
		l.logger.Warn("Failed to close lock file", "dir", l.dir, "error", err)
		return err
	}

	l.logger.Debug("Released directory lock", "dir", l.dir)
	l.lockFile = nil
	return nil
}

// IsDirLocked reports whether another process holds the lock on dir.
// It does not keep the lock.
func IsDirLocked(dir string) bool {
	lockFile, err := os.Open(filepath.Join(dir, lockFileName))
	if err != nil {
		return false
	}
	defer func() {
		_ = lockFile.Close()
	}()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return err == syscall.EWOULDBLOCK
	}
	_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
	return false
}
