package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/gradeflow/internal/models"
)

func newTestTask() models.PipelineState {
	return models.NewTask(
		models.TaskInputs{Answers: []models.FileRef{{Path: "answer.png"}}},
		models.TaskConfig{Strictness: models.StrictnessStandard, Language: "zh", MaxScore: 100},
	)
}

func TestNewTask(t *testing.T) {
	state := newTestTask()

	assert.NotEmpty(t, state.TaskID)
	assert.Equal(t, models.TaskStatusQueued, state.Status)
	assert.Equal(t, 0, state.Progress)
	require.Len(t, state.Events, 1)
	assert.Equal(t, models.EventTaskQueued, state.Events[0].Kind)
	assert.Equal(t, 1, state.Events[0].Seq)
}

// TestUpdateStatus verifies forward-only status transitions
func TestUpdateStatus(t *testing.T) {
	tests := []struct {
		name    string
		from    models.TaskStatus
		to      models.TaskStatus
		wantErr bool
	}{
		{"queued to running", models.TaskStatusQueued, models.TaskStatusRunning, false},
		{"queued to cancelled", models.TaskStatusQueued, models.TaskStatusCancelled, false},
		{"running to completed", models.TaskStatusRunning, models.TaskStatusCompleted, false},
		{"running to failed", models.TaskStatusRunning, models.TaskStatusFailed, false},
		{"running to cancelled", models.TaskStatusRunning, models.TaskStatusCancelled, false},
		{"queued to completed", models.TaskStatusQueued, models.TaskStatusCompleted, true},
		{"running to queued", models.TaskStatusRunning, models.TaskStatusQueued, true},
		{"completed to running", models.TaskStatusCompleted, models.TaskStatusRunning, true},
		{"failed to completed", models.TaskStatusFailed, models.TaskStatusCompleted, true},
		{"cancelled to running", models.TaskStatusCancelled, models.TaskStatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newTestTask()
			state.Status = tt.from

			updated, err := models.UpdateStatus(state, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tt.from, updated.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, updated.Status)
			assert.Equal(t, tt.from, state.Status, "original must not be mutated")
		})
	}
}

func TestUpdateStatus_SetsTimestamps(t *testing.T) {
	state := newTestTask()

	running, err := models.UpdateStatus(state, models.TaskStatusRunning)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.FinishedAt)

	done, err := models.UpdateStatus(running, models.TaskStatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.FinishedAt)
}

func TestAdvanceProgress_NeverDecreases(t *testing.T) {
	state := newTestTask()

	state = models.AdvanceProgress(state, 40)
	assert.Equal(t, 40, state.Progress)

	state = models.AdvanceProgress(state, 20)
	assert.Equal(t, 40, state.Progress)

	state = models.AdvanceProgress(state, 150)
	assert.Equal(t, 100, state.Progress)
}

func TestAppendEvent_CopiesAndOrders(t *testing.T) {
	state := newTestTask()
	before := state

	future := time.Now().Add(time.Hour)
	state = models.AppendEvent(state, models.Event{Kind: models.EventTaskStarted, Timestamp: future})
	state = models.AppendEvent(state, models.Event{Kind: models.EventStageStarted, Stage: models.StageValidate, Timestamp: future.Add(-time.Minute)})

	assert.Len(t, before.Events, 1, "earlier snapshot must keep its own event slice")
	require.Len(t, state.Events, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{state.Events[0].Seq, state.Events[1].Seq, state.Events[2].Seq})
	assert.False(t, state.Events[2].Timestamp.Before(state.Events[1].Timestamp))
}

func TestWithArtifact_WriteOnce(t *testing.T) {
	state := newTestTask()

	updated, err := models.WithArtifact(state, models.ArtifactValidatedFiles, &models.ValidatedFiles{})
	require.NoError(t, err)
	assert.True(t, updated.Artifacts.Has(models.ArtifactValidatedFiles))
	assert.False(t, state.Artifacts.Has(models.ArtifactValidatedFiles))

	_, err = models.WithArtifact(updated, models.ArtifactValidatedFiles, &models.ValidatedFiles{})
	assert.ErrorContains(t, err, "already written")
}

func TestWithArtifact_WrongType(t *testing.T) {
	state := newTestTask()

	_, err := models.WithArtifact(state, models.ArtifactScores, &models.RubricSchema{})
	assert.ErrorContains(t, err, "unexpected value")

	var nilScores *models.ScoreResult
	_, err = models.WithArtifact(state, models.ArtifactScores, nilScores)
	assert.Error(t, err)
}

// TestMergeStageOutput_OnlyOwnArtifact checks that a stage cannot clobber other fields
func TestMergeStageOutput_OnlyOwnArtifact(t *testing.T) {
	base := newTestTask()
	base.Progress = 15

	produced := base
	produced.Progress = 99
	produced.Status = models.TaskStatusCompleted
	produced.Artifacts.Regions = &models.RegionSet{}
	produced.Artifacts.Scores = &models.ScoreResult{TotalScore: 100}

	merged, err := models.MergeStageOutput(base, produced, models.StageLocateRegions)
	require.NoError(t, err)

	assert.NotNil(t, merged.Artifacts.Regions)
	assert.Nil(t, merged.Artifacts.Scores)
	assert.Equal(t, 15, merged.Progress)
	assert.Equal(t, models.TaskStatusQueued, merged.Status)
}

func TestMergeStageOutput_MissingArtifact(t *testing.T) {
	base := newTestTask()

	_, err := models.MergeStageOutput(base, base, models.StageScore)
	assert.ErrorContains(t, err, "did not produce")
}

func TestMergeStageOutput_AdoptsTaskID(t *testing.T) {
	base := newTestTask()
	base.TaskID = ""

	produced := base
	produced.TaskID = models.NewTaskID()
	produced.Artifacts.ValidatedFiles = &models.ValidatedFiles{}

	merged, err := models.MergeStageOutput(base, produced, models.StageValidate)
	require.NoError(t, err)
	assert.Equal(t, produced.TaskID, merged.TaskID)
}

func TestFailTask(t *testing.T) {
	state := newTestTask()
	state.Status = models.TaskStatusRunning

	failed, err := models.FailTask(state, models.TaskError{
		Stage:   models.StageScore,
		Kind:    models.ErrorKindExternalService,
		Message: "scoring model unavailable",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.StageScore, failed.Error.Stage)
	assert.Nil(t, state.Error)
}

func TestIsArtifactOrderConsistent(t *testing.T) {
	tests := []struct {
		name  string
		build func(models.PipelineState) models.PipelineState
		want  bool
	}{
		{
			name:  "empty",
			build: func(s models.PipelineState) models.PipelineState { return s },
			want:  true,
		},
		{
			name: "contiguous prefix",
			build: func(s models.PipelineState) models.PipelineState {
				s.Artifacts.ValidatedFiles = &models.ValidatedFiles{}
				s.Artifacts.EnhancedImages = &models.EnhancedImages{}
				return s
			},
			want: true,
		},
		{
			name: "skipped stage bridges the gap",
			build: func(s models.PipelineState) models.PipelineState {
				s.Artifacts.ValidatedFiles = &models.ValidatedFiles{}
				s = models.MarkSkipped(s, models.StageEnhance)
				s.Artifacts.Regions = &models.RegionSet{}
				return s
			},
			want: true,
		},
		{
			name: "gap without skip marker",
			build: func(s models.PipelineState) models.PipelineState {
				s.Artifacts.ValidatedFiles = &models.ValidatedFiles{}
				s.Artifacts.Regions = &models.RegionSet{}
				return s
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.IsArtifactOrderConsistent(tt.build(newTestTask())))
		})
	}
}

func TestCopyState_IsolatesSlices(t *testing.T) {
	state := newTestTask()
	state = models.MarkSkipped(state, models.StageEnhance)

	snapshot := models.CopyState(state)
	snapshot.Events[0].Detail = "changed"
	snapshot.Skipped[0] = models.StageScore

	assert.NotEqual(t, "changed", state.Events[0].Detail)
	assert.Equal(t, models.StageEnhance, state.Skipped[0])
}
