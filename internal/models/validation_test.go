package models_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/gradeflow/internal/models"
)

func TestPipelineState_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.PipelineState)
		errMsg string
	}{
		{
			name:   "valid queued task",
			mutate: func(s *models.PipelineState) {},
		},
		{
			name:   "missing task id",
			mutate: func(s *models.PipelineState) { s.TaskID = "" },
			errMsg: "task_id is required",
		},
		{
			name:   "task id not a uuid",
			mutate: func(s *models.PipelineState) { s.TaskID = "task-1" },
			errMsg: "valid UUID",
		},
		{
			name:   "unknown status",
			mutate: func(s *models.PipelineState) { s.Status = "paused" },
			errMsg: "invalid status",
		},
		{
			name:   "unknown current stage",
			mutate: func(s *models.PipelineState) { s.CurrentStage = "Ocr" },
			errMsg: "not a pipeline stage",
		},
		{
			name:   "failed without error",
			mutate: func(s *models.PipelineState) { s.Status = models.TaskStatusFailed },
			errMsg: "error must be set",
		},
		{
			name: "error on a running task",
			mutate: func(s *models.PipelineState) {
				s.Status = models.TaskStatusRunning
				s.Error = &models.TaskError{Stage: models.StageScore}
			},
			errMsg: "error must be empty",
		},
		{
			name: "completed below 100",
			mutate: func(s *models.PipelineState) {
				s.Status = models.TaskStatusCompleted
				s.Progress = 90
			},
			errMsg: "progress 100",
		},
		{
			name: "artifact gap",
			mutate: func(s *models.PipelineState) {
				s.Artifacts.Scores = &models.ScoreResult{}
			},
			errMsg: "not contiguous",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newTestTask()
			tt.mutate(&state)
			err := state.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestTaskInputs_Validate(t *testing.T) {
	assert.ErrorContains(t, models.TaskInputs{}.Validate(), "answer file is required")

	blank := models.TaskInputs{Answers: []models.FileRef{{Path: " "}}}
	assert.ErrorContains(t, blank.Validate(), "empty path")

	ok := models.TaskInputs{
		Questions: []models.FileRef{{Path: "q.png"}},
		Answers:   []models.FileRef{{Path: "a.png"}},
	}
	assert.NoError(t, ok.Validate())
}

func TestTaskConfig_Validate(t *testing.T) {
	valid := models.TaskConfig{Strictness: models.StrictnessStrict, Language: "en", MaxScore: 10}
	assert.NoError(t, valid.Validate())

	zero := valid
	zero.MaxScore = 0
	assert.ErrorContains(t, zero.Validate(), "max_score")

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		nonFinite := valid
		nonFinite.MaxScore = v
		assert.ErrorContains(t, nonFinite.Validate(), "max_score", "%v", v)
	}

	bad := valid
	bad.Strictness = "harsh"
	assert.ErrorContains(t, bad.Validate(), "strictness")

	noLang := valid
	noLang.Language = ""
	assert.ErrorContains(t, noLang.Validate(), "language")
}

func TestParseStrictness(t *testing.T) {
	tests := []struct {
		raw  string
		want models.Strictness
		ok   bool
	}{
		{"宽松", models.StrictnessLoose, true},
		{"lenient", models.StrictnessLoose, true},
		{"", models.StrictnessStandard, true},
		{"中等", models.StrictnessStandard, true},
		{"strict", models.StrictnessStrict, true},
		{"brutal", "", false},
	}

	for _, tt := range tests {
		got, ok := models.ParseStrictness(tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
