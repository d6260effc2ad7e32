package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/gradeflow/internal/models"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := models.DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestDefaultStageWeights_SumTo100(t *testing.T) {
	total := 0
	for _, stage := range models.PipelineOrder {
		total += models.DefaultStageWeights()[stage]
	}
	assert.Equal(t, 100, total)
}

// TestProjectConfig_Validate tests the configuration rules table-driven
func TestProjectConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.ProjectConfig)
		errMsg string
	}{
		{
			name:   "bad enhancement url",
			mutate: func(c *models.ProjectConfig) { c.Services.Enhancement.URL = "not a url" },
			errMsg: "invalid enhancement url",
		},
		{
			name:   "zero concurrency",
			mutate: func(c *models.ProjectConfig) { c.Pipeline.MaxConcurrency = 0 },
			errMsg: "max_concurrency must be > 0",
		},
		{
			name: "weights do not sum to 100",
			mutate: func(c *models.ProjectConfig) {
				c.Pipeline.StageWeights[models.StageScore] = 10
			},
			errMsg: "must sum to 100",
		},
		{
			name: "missing stage weight",
			mutate: func(c *models.ProjectConfig) {
				delete(c.Pipeline.StageWeights, models.StageEnhance)
			},
			errMsg: "missing weight for Enhance",
		},
		{
			name:   "unknown stage timeout",
			mutate: func(c *models.ProjectConfig) { c.Pipeline.StageTimeouts = map[models.StageName]int{"Ocr": 5} },
			errMsg: "unknown stage",
		},
		{
			name:   "iou out of range",
			mutate: func(c *models.ProjectConfig) { c.Pipeline.IoUThreshold = 1.5 },
			errMsg: "iou_threshold",
		},
		{
			name:   "negative task retention",
			mutate: func(c *models.ProjectConfig) { c.Pipeline.TaskRetentionMin = -1 },
			errMsg: "task_retention_minutes",
		},
		{
			name:   "backoff inverted",
			mutate: func(c *models.ProjectConfig) { c.Retry.MaxBackoffMs = 10 },
			errMsg: "max_backoff_ms",
		},
		{
			name:   "jitter out of range",
			mutate: func(c *models.ProjectConfig) { c.Retry.Jitter = 2 },
			errMsg: "jitter",
		},
		{
			name: "unknown per-kind override",
			mutate: func(c *models.ProjectConfig) {
				c.Retry.PerKind = map[models.ErrorKind]models.RetryOverride{"Oops": {MaxAttempts: 2}}
			},
			errMsg: "unknown error kind",
		},
		{
			name:   "cache capacity zero",
			mutate: func(c *models.ProjectConfig) { c.Cache.Capacity = 0 },
			errMsg: "cache capacity",
		},
		{
			name:   "unknown storage driver",
			mutate: func(c *models.ProjectConfig) { c.Storage.Driver = "s3" },
			errMsg: "unknown storage driver",
		},
		{
			name:   "sqlite without path",
			mutate: func(c *models.ProjectConfig) { c.Storage.Driver = models.StorageDriverSQLite; c.Storage.SQLitePath = "" },
			errMsg: "sqlite_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := models.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestTaskRetention(t *testing.T) {
	cfg := models.DefaultConfig()
	assert.Equal(t, time.Hour, cfg.Pipeline.TaskRetention())

	cfg.Pipeline.TaskRetentionMin = 0
	assert.Zero(t, cfg.Pipeline.TaskRetention())
}

func TestStageTimeout_Override(t *testing.T) {
	cfg := models.DefaultConfig()
	cfg.Pipeline.StageTimeouts = map[models.StageName]int{models.StageScore: 300}

	assert.Equal(t, 300*time.Second, cfg.Pipeline.StageTimeout(models.StageScore))
	assert.Equal(t, 120*time.Second, cfg.Pipeline.StageTimeout(models.StageValidate))
}

func TestGradeFor(t *testing.T) {
	bands := models.DefaultGradeBands()

	tests := []struct {
		percentage float64
		want       string
	}{
		{100, "A"},
		{90, "A"},
		{89.9, "B"},
		{75, "B"},
		{60, "C"},
		{59.9, "D"},
		{0, "D"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, models.GradeFor(tt.percentage, bands), "percentage %v", tt.percentage)
	}
}

func TestGradeFor_UnsortedBands(t *testing.T) {
	bands := []models.GradeBand{
		{MinPercentage: 50, Label: "pass"},
		{MinPercentage: 80, Label: "merit"},
	}

	assert.Equal(t, "merit", models.GradeFor(85, bands))
	assert.Equal(t, "pass", models.GradeFor(55, bands))
	assert.Equal(t, "pass", models.GradeFor(10, bands), "below every band falls back to the lowest")
	assert.Equal(t, "", models.GradeFor(10, nil))
}
