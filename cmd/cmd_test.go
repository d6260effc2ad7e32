package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trobanga/gradeflow/internal/models"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "essay", truncate("essay", 12))
	assert.Equal(t, "compositi…", truncate("composition-long", 10))
	assert.Equal(t, "作文题", truncate("作文题", 3))
}

func TestStatusSymbol(t *testing.T) {
	assert.Equal(t, "✓", statusSymbol(models.TaskStatusCompleted))
	assert.Equal(t, "✗", statusSymbol(models.TaskStatusFailed))
	assert.Equal(t, "⊘", statusSymbol(models.TaskStatusCancelled))
	assert.Equal(t, "○", statusSymbol(models.TaskStatusQueued))
}

func TestBuildTaskConfig(t *testing.T) {
	gradeTaskType, gradeLanguage, gradeTargetLanguage, gradeMaxScore = "essay", "zh", "en", 50
	t.Cleanup(func() { gradeStrictness = "standard" })

	gradeStrictness = "strict"
	cfg, err := buildTaskConfig()
	require.NoError(t, err)
	assert.Equal(t, models.StrictnessStrict, cfg.Strictness)
	assert.Equal(t, 50.0, cfg.MaxScore)
	assert.Equal(t, "en", cfg.TargetLanguage)

	gradeStrictness = "harsh"
	_, err = buildTaskConfig()
	assert.Error(t, err)
}

func TestFileRefs(t *testing.T) {
	refs := fileRefs([]string{"p1.png", "p2.png"})
	assert.Equal(t, []models.FileRef{{Path: "p1.png"}, {Path: "p2.png"}}, refs)
	assert.Empty(t, fileRefs(nil))
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"grade", "run"},
		{"grade", "batch"},
		{"result", "show"},
		{"result", "list"},
		{"serve"},
		{"completion"},
	} {
		c, _, err := rootCmd.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], c.Name())
	}
}
