package services_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/services"
)

func TestDirLock(t *testing.T) {
	dir := t.TempDir()
	logger := lib.NewNopLogger()

	assert.False(t, services.IsDirLocked(dir))

	lock, err := services.AcquireDirLock(dir, logger)
	require.NoError(t, err)
	assert.True(t, services.IsDirLocked(dir))

	_, err = services.AcquireDirLock(dir, logger)
	assert.ErrorIs(t, err, services.ErrLocked)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release(), "release is idempotent")
	assert.False(t, services.IsDirLocked(dir))
}

func TestWithDirLock(t *testing.T) {
	dir := t.TempDir()
	logger := lib.NewNopLogger()
	boom := errors.New("boom")

	err := services.WithDirLock(dir, logger, func() error {
		assert.True(t, services.IsDirLocked(dir))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, services.IsDirLocked(dir))
}
