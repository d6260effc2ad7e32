package pipeline

import (
	"context"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// Stage is one discrete unit of grading work.
//
// Execute receives a snapshot of the task state and returns a new state that
// carries the stage's artifact. It must never modify the snapshot it was given
// and must honour ctx, which carries the per-stage timeout.
type Stage interface {
	Name() models.StageName
	IsApplicable(state models.PipelineState) bool
	Execute(ctx context.Context, state models.PipelineState) StageResult
}

// Degradable is implemented by stages that can absorb an exhausted failure
// into a fallback artifact instead of failing the task.
type Degradable interface {
	Fallback(state models.PipelineState, cause *lib.StageError) StageResult
}

// StageResult is the outcome of a stage invocation: a new state on success,
// a classified error on failure, or a skip marker.
type StageResult struct {
	State    *models.PipelineState
	Err      *lib.StageError
	Skipped  bool
	Warnings []string // recoverable problems absorbed by the stage
}

// Succeeded wraps a successful stage output
func Succeeded(state models.PipelineState, warnings ...string) StageResult {
	return StageResult{State: &state, Warnings: warnings}
}

// Failed wraps a classified stage failure
func Failed(err *lib.StageError) StageResult {
	return StageResult{Err: err}
}

// Skip marks the stage as bypassed; the artifact stays absent
func Skip(state models.PipelineState) StageResult {
	return StageResult{State: &state, Skipped: true}
}

// OK reports whether the stage produced a usable state
func (r StageResult) OK() bool {
	return r.Err == nil && r.State != nil
}
