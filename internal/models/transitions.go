package models

import (
	"fmt"
	"slices"
	"time"
)

// UpdateStatus creates a new PipelineState with updated status
// Pure function - returns new instance, does not mutate original
// Returns an error when the transition would move backwards
func UpdateStatus(state PipelineState, status TaskStatus) (PipelineState, error) {
	if state.Status == status {
		return state, nil
	}
	if !state.Status.CanTransitionTo(status) {
		return state, fmt.Errorf("invalid status transition %s -> %s", state.Status, status)
	}
	now := time.Now().UTC()
	state.Status = status
	state.UpdatedAt = now
	if status == TaskStatusRunning {
		state.StartedAt = &now
	}
	if status.IsTerminal() {
		state.FinishedAt = &now
	}
	return state, nil
}

// UpdateCurrentStage creates a new PipelineState with updated current stage
// Pure function - returns new instance
func UpdateCurrentStage(state PipelineState, stage StageName) PipelineState {
	state.CurrentStage = stage
	state.UpdatedAt = time.Now().UTC()
	return state
}

// AdvanceProgress creates a new PipelineState with progress raised to at least value
// Pure function - progress never decreases and is capped at 100
func AdvanceProgress(state PipelineState, value int) PipelineState {
	if value > 100 {
		value = 100
	}
	if value > state.Progress {
		state.Progress = value
		state.UpdatedAt = time.Now().UTC()
	}
	return state
}

// AppendEvent creates a new PipelineState with the event appended to its log
// Pure function - copies the event slice so earlier snapshots stay untouched
// Sequence numbers increase by one; timestamps never go backwards
func AppendEvent(state PipelineState, event Event) PipelineState {
	events := make([]Event, len(state.Events), len(state.Events)+1)
	copy(events, state.Events)

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Seq = len(events) + 1
	if n := len(events); n > 0 && event.Timestamp.Before(events[n-1].Timestamp) {
		event.Timestamp = events[n-1].Timestamp
	}
	if event.Progress == 0 {
		event.Progress = state.Progress
	}

	state.Events = append(events, event)
	state.UpdatedAt = event.Timestamp
	return state
}

// MarkSkipped creates a new PipelineState recording that stage was bypassed
// Pure function - returns new instance
func MarkSkipped(state PipelineState, stage StageName) PipelineState {
	skipped := make([]StageName, len(state.Skipped), len(state.Skipped)+1)
	copy(skipped, state.Skipped)
	state.Skipped = append(skipped, stage)
	state.UpdatedAt = time.Now().UTC()
	return state
}

// IsSkipped reports whether stage was bypassed for this task
func IsSkipped(state PipelineState, stage StageName) bool {
	return slices.Contains(state.Skipped, stage)
}

// WithArtifact creates a new PipelineState with the artifact for key set
// Pure function - fails if the key was already written or value has the wrong type
func WithArtifact(state PipelineState, key ArtifactKey, value any) (PipelineState, error) {
	if state.Artifacts.Has(key) {
		return state, fmt.Errorf("artifact %s already written", key)
	}

	a := state.Artifacts
	ok := false
	switch key {
	case ArtifactValidatedFiles:
		a.ValidatedFiles, ok = value.(*ValidatedFiles)
	case ArtifactEnhancedImages:
		a.EnhancedImages, ok = value.(*EnhancedImages)
	case ArtifactRegions:
		a.Regions, ok = value.(*RegionSet)
	case ArtifactDocumentStructure:
		a.DocumentStructure, ok = value.(*DocumentStructure)
	case ArtifactRubricSchema:
		a.RubricSchema, ok = value.(*RubricSchema)
	case ArtifactScores:
		a.Scores, ok = value.(*ScoreResult)
	case ArtifactResult:
		a.Result, ok = value.(*GradingResult)
	default:
		return state, fmt.Errorf("unknown artifact %s", key)
	}
	if !ok || !a.Has(key) {
		return state, fmt.Errorf("artifact %s: unexpected value %T", key, value)
	}

	state.Artifacts = a
	state.UpdatedAt = time.Now().UTC()
	return state, nil
}

// artifactValue returns the raw pointer stored for key
func artifactValue(a Artifacts, key ArtifactKey) any {
	switch key {
	case ArtifactValidatedFiles:
		return a.ValidatedFiles
	case ArtifactEnhancedImages:
		return a.EnhancedImages
	case ArtifactRegions:
		return a.Regions
	case ArtifactDocumentStructure:
		return a.DocumentStructure
	case ArtifactRubricSchema:
		return a.RubricSchema
	case ArtifactScores:
		return a.Scores
	case ArtifactResult:
		return a.Result
	default:
		return nil
	}
}

// MergeStageOutput copies only the artifact owned by stage from produced into base
// Pure function - anything else a stage changed in produced is discarded
func MergeStageOutput(base PipelineState, produced PipelineState, stage StageName) (PipelineState, error) {
	key, ok := StageArtifacts[stage]
	if !ok {
		return base, fmt.Errorf("unknown stage %s", stage)
	}
	if !produced.Artifacts.Has(key) {
		return base, fmt.Errorf("stage %s did not produce artifact %s", stage, key)
	}
	merged, err := WithArtifact(base, key, artifactValue(produced.Artifacts, key))
	if err != nil {
		return base, err
	}
	if base.TaskID == "" && produced.TaskID != "" {
		merged.TaskID = produced.TaskID
	}
	return merged, nil
}

// FailTask creates a new PipelineState in failed status carrying err
// Pure function - returns new instance
func FailTask(state PipelineState, taskErr TaskError) (PipelineState, error) {
	updated, err := UpdateStatus(state, TaskStatusFailed)
	if err != nil {
		return state, err
	}
	updated.Error = &taskErr
	return updated, nil
}

// CopyState returns a deep enough copy for handing snapshots to readers
// Artifacts are shared because they are never mutated after being written
func CopyState(state PipelineState) PipelineState {
	state.Events = slices.Clone(state.Events)
	state.Skipped = slices.Clone(state.Skipped)
	if state.Error != nil {
		e := *state.Error
		state.Error = &e
	}
	return state
}

// IsArtifactOrderConsistent checks that every completed stage is preceded only by
// stages that either completed or were skipped
func IsArtifactOrderConsistent(state PipelineState) bool {
	gap := false
	for _, stage := range PipelineOrder {
		present := state.Artifacts.Has(StageArtifacts[stage])
		if present && gap {
			return false
		}
		if !present && !IsSkipped(state, stage) {
			gap = true
		}
	}
	return true
}
