package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// AssembleStage combines every artifact into the final GradingResult and persists it
type AssembleStage struct {
	storage Storage
}

// NewAssembleStage creates the AssembleResult stage. storage may be nil.
func NewAssembleStage(storage Storage) *AssembleStage {
	return &AssembleStage{storage: storage}
}

func (s *AssembleStage) Name() models.StageName { return models.StageAssembleResult }

func (s *AssembleStage) IsApplicable(models.PipelineState) bool { return true }

func (s *AssembleStage) Execute(ctx context.Context, state models.PipelineState) StageResult {
	result, serr := BuildResult(state)
	if serr != nil {
		return Failed(serr)
	}

	if s.storage != nil {
		if err := s.storage.Save(ctx, result); err != nil {
			return Failed(lib.ErrExternalService("result storage", err))
		}
	}

	state.Artifacts.Result = &result
	return Succeeded(state)
}

// Fallback keeps the result in memory when storage stays unavailable
func (s *AssembleStage) Fallback(state models.PipelineState, cause *lib.StageError) StageResult {
	result, serr := BuildResult(state)
	if serr != nil {
		return Failed(serr)
	}
	state.Artifacts.Result = &result
	return Succeeded(state, fmt.Sprintf("result was not persisted: %v", cause))
}

// BuildResult assembles the GradingResult from the state's artifacts
func BuildResult(state models.PipelineState) (models.GradingResult, *lib.StageError) {
	a := state.Artifacts
	if a.Scores == nil {
		return models.GradingResult{}, missingArtifact(models.ArtifactScores)
	}
	if a.RubricSchema == nil {
		return models.GradingResult{}, missingArtifact(models.ArtifactRubricSchema)
	}

	started := state.CreatedAt
	if state.StartedAt != nil {
		started = *state.StartedAt
	}

	result := models.GradingResult{
		TaskID:      state.TaskID,
		Fingerprint: state.Fingerprint,
		Config:      state.Config,
		Scores:      *a.Scores,
		Rubric:      *a.RubricSchema,
		Regions:     []models.ImageRegions{},
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	if a.Regions != nil {
		result.Regions = a.Regions.Images
	}
	if a.DocumentStructure != nil {
		result.TotalPages = a.DocumentStructure.TotalPages
	}
	return result, nil
}
