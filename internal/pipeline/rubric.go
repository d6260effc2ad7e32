package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// DefaultCriterionID names the single criterion of a synthesized rubric
const DefaultCriterionID = "overall"

// RubricStage structures the supplied rubric files, or synthesizes a default rubric
type RubricStage struct {
	parser RubricParser
	retry  *lib.RetryPolicy
	logger *lib.Logger
}

// NewRubricStage creates the InterpretRubric stage
func NewRubricStage(parser RubricParser, retry *lib.RetryPolicy, logger *lib.Logger) *RubricStage {
	if logger == nil {
		logger = lib.NewNopLogger()
	}
	if retry == nil {
		retry = lib.NewRetryPolicy(models.DefaultConfig().Retry)
	}
	return &RubricStage{parser: parser, retry: retry, logger: logger}
}

func (s *RubricStage) Name() models.StageName { return models.StageInterpretRubric }

func (s *RubricStage) IsApplicable(models.PipelineState) bool { return true }

func (s *RubricStage) Execute(ctx context.Context, state models.PipelineState) StageResult {
	if state.Artifacts.ValidatedFiles == nil {
		return Failed(missingArtifact(models.ArtifactValidatedFiles))
	}

	rubrics := state.Artifacts.ValidatedFiles.Rubrics()
	if len(rubrics) == 0 {
		schema := DefaultRubric(state.Config.MaxScore)
		state.Artifacts.RubricSchema = &schema
		return Succeeded(state)
	}

	if s.parser == nil {
		return s.Fallback(state, lib.ErrConfiguration("services.openai", "no rubric parser configured"))
	}

	var parsed models.RubricSchema
	err := s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		schema, err := s.parser.Parse(ctx, rubrics)
		if err != nil {
			return err
		}
		parsed = schema
		return nil
	}, func(attempt int, err *lib.StageError, delay time.Duration) {
		lib.LogRetry(s.logger, "parse rubric", attempt, s.retry.For(err.Kind).MaxAttempts, err, delay)
	})
	if err != nil {
		return s.Fallback(state, lib.ClassifyError(err))
	}

	schema, err := NormalizeRubric(parsed)
	if err != nil {
		return s.Fallback(state, lib.ErrValidation("rubric could not be interpreted", err))
	}

	state.Artifacts.RubricSchema = &schema
	return Succeeded(state)
}

// Fallback substitutes the default rubric and reports why
func (s *RubricStage) Fallback(state models.PipelineState, cause *lib.StageError) StageResult {
	schema := DefaultRubric(state.Config.MaxScore)
	state.Artifacts.RubricSchema = &schema
	return Succeeded(state, fmt.Sprintf("rubric unusable, using default rubric: %v", cause))
}

// DefaultRubric is a single criterion worth maxScore with a full/partial/none ladder
func DefaultRubric(maxScore float64) models.RubricSchema {
	return models.RubricSchema{
		Criteria: []models.Criterion{{
			ID:          DefaultCriterionID,
			Description: "Overall correctness and completeness of the answer",
			MaxPoints:   maxScore,
			GradingLevels: []models.GradingLevel{
				{Label: "full", Points: maxScore},
				{Label: "partial", Points: maxScore / 2},
				{Label: "none", Points: 0},
			},
		}},
		TotalPoints: maxScore,
		Synthesized: true,
	}
}

// NormalizeRubric checks a parsed rubric and fills derivable fields.
// Criteria without an id get c1, c2, ...; a missing total becomes the sum of criteria.
func NormalizeRubric(schema models.RubricSchema) (models.RubricSchema, error) {
	if len(schema.Criteria) == 0 {
		return schema, errors.New("rubric has no criteria")
	}

	criteria := make([]models.Criterion, len(schema.Criteria))
	seen := make(map[string]bool, len(schema.Criteria))
	sum := 0.0
	for i, c := range schema.Criteria {
		if c.ID == "" {
			c.ID = fmt.Sprintf("c%d", i+1)
		}
		if seen[c.ID] {
			return schema, fmt.Errorf("duplicate criterion id %q", c.ID)
		}
		seen[c.ID] = true

		if math.IsNaN(c.MaxPoints) || c.MaxPoints <= 0 {
			return schema, fmt.Errorf("criterion %s: max_points must be > 0", c.ID)
		}
		levels := make([]models.GradingLevel, 0, len(c.GradingLevels))
		for _, l := range c.GradingLevels {
			if l.Points < 0 || l.Points > c.MaxPoints {
				return schema, fmt.Errorf("criterion %s: level %q awards %v of %v points", c.ID, l.Label, l.Points, c.MaxPoints)
			}
			levels = append(levels, l)
		}
		c.GradingLevels = levels
		criteria[i] = c
		sum += c.MaxPoints
	}

	schema.Criteria = criteria
	if schema.TotalPoints <= 0 {
		schema.TotalPoints = sum
	}
	schema.Synthesized = false
	return schema, nil
}
