package models

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Validate checks if a PipelineState has valid fields
func (s *PipelineState) Validate() error {
	// Validate TaskID is a valid UUID
	if s.TaskID == "" {
		return errors.New("task_id is required")
	}
	if _, err := uuid.Parse(s.TaskID); err != nil {
		return fmt.Errorf("invalid task_id: must be a valid UUID: %w", err)
	}

	if !IsValidTaskStatus(s.Status) {
		return fmt.Errorf("invalid status: %s", s.Status)
	}

	if s.CurrentStage != "" && !IsValidStageName(s.CurrentStage) {
		return fmt.Errorf("current_stage '%s' is not a pipeline stage", s.CurrentStage)
	}

	if s.Progress < 0 || s.Progress > 100 {
		return fmt.Errorf("progress must be within [0,100], got %d", s.Progress)
	}

	// Error is populated only on failed tasks
	if s.Status == TaskStatusFailed && s.Error == nil {
		return errors.New("error must be set when status is failed")
	}
	if s.Status != TaskStatusFailed && s.Error != nil {
		return fmt.Errorf("error must be empty when status is %s", s.Status)
	}

	if s.Status == TaskStatusCompleted && s.Progress != 100 {
		return fmt.Errorf("completed task must report progress 100, got %d", s.Progress)
	}

	if !IsArtifactOrderConsistent(*s) {
		return errors.New("artifacts are not contiguous in pipeline order")
	}

	for i := 1; i < len(s.Events); i++ {
		if s.Events[i].Timestamp.Before(s.Events[i-1].Timestamp) {
			return fmt.Errorf("event %d is older than its predecessor", s.Events[i].Seq)
		}
	}

	return nil
}

// Validate checks the structural requirements on task inputs.
// File contents are inspected later by the Validate stage.
func (in TaskInputs) Validate() error {
	if len(in.Answers) == 0 {
		return errors.New("at least one answer file is required")
	}
	for _, f := range in.Files() {
		if strings.TrimSpace(f.Ref.Path) == "" {
			return fmt.Errorf("%s file %d has an empty path", f.Role, f.Index)
		}
	}
	return nil
}

// Validate checks if a TaskConfig has valid fields
func (c TaskConfig) Validate() error {
	if math.IsNaN(c.MaxScore) || math.IsInf(c.MaxScore, 0) || c.MaxScore <= 0 {
		return fmt.Errorf("max_score must be a finite number > 0, got %v", c.MaxScore)
	}
	if !IsValidStrictness(c.Strictness) {
		return fmt.Errorf("invalid strictness: %q", c.Strictness)
	}
	if strings.TrimSpace(c.Language) == "" {
		return errors.New("language is required")
	}
	return nil
}
