//go:build windows

package services

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"

	"github.com/trobanga/gradeflow/internal/lib"
)

var (
	kernel32         = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = kernel32.NewProc("LockFileEx")
	procUnlockFileEx = kernel32.NewProc("UnlockFileEx")
)

const (
	LOCKFILE_FAIL_IMMEDIATELY = 0x00000001
	LOCKFILE_EXCLUSIVE_LOCK   = 0x00000002
	ERROR_LOCK_VIOLATION      = syscall.Errno(33)
)

func lockFileEx(f *os.File) error {
	overlapped := syscall.Overlapped{}
	r1, _, err := procLockFileEx.Call(
		uintptr(syscall.Handle(f.Fd())),
		uintptr(LOCKFILE_EXCLUSIVE_LOCK|LOCKFILE_FAIL_IMMEDIATELY),
		0,
		uintptr(1),
		0,
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if r1 == 0 {
		return err
	}
	return nil
}

func unlockFileEx(f *os.File) error {
	overlapped := syscall.Overlapped{}
	r1, _, err := procUnlockFileEx.Call(
		uintptr(syscall.Handle(f.Fd())),
		0,
		uintptr(1),
		0,
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if r1 == 0 {
		return err
	}
	return nil
}

// AcquireDirLock takes an exclusive non-blocking lock on <dir>/.lock.
// Returns ErrLocked when another process holds it.
func AcquireDirLock(dir string, logger *lib.Logger) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := lockFileEx(lockFile); err != nil {
		_ = lockFile.Close()
		if err == ERROR_LOCK_VIOLATION {
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

	if err := unlockFileEx(l.lockFile); err != nil {
		l.logger.Warn("Failed to unlock file", "dir", l.dir, "error", err)
	}
	if err := l.lockFile.Close(); err != nil {
		l.logger.Warn("Failed to close lock file", "dir", l.dir, "error", err)
		return err
	}

	l.logger.Debug("Released directory lock", "dir", l.dir)
	l.lockFile = nil
	return nil
}

// IsDirLocked reports whether another process holds the lock on dir
func IsDirLocked(dir string) bool {
	lockFile, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR, 0644)
	if err != nil {
		return false
	}
	defer func() {
		_ = lockFile.Close()
	}()

	if err := lockFileEx(lockFile); err != nil {
		return err == ERROR_LOCK_VIOLATION
	}
	_ = unlockFileEx(lockFile)
	return false
}
