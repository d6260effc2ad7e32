package services_test

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trobanga/gradeflow/internal/models"
)

// writePNG creates a small valid PNG file and returns its path
func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.Black)
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// fastRetry returns a retry configuration with millisecond backoffs
func fastRetry(attempts int) models.RetryConfig {
	return models.RetryConfig{MaxAttempts: attempts, InitialBackoffMs: 1, MaxBackoffMs: 2}
}
