package pipeline

import (
	"context"
	"math"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// ScoreStage grades the answer with the scoring model.
// There is no fallback: a score cannot be invented.
type ScoreStage struct {
	scorer ScoringModel
	bands  []models.GradeBand
}

// NewScoreStage creates the Score stage
func NewScoreStage(scorer ScoringModel, bands []models.GradeBand) *ScoreStage {
	if len(bands) == 0 {
		bands = models.DefaultGradeBands()
	}
	return &ScoreStage{scorer: scorer, bands: bands}
}

func (s *ScoreStage) Name() models.StageName { return models.StageScore }

func (s *ScoreStage) IsApplicable(models.PipelineState) bool { return true }

func (s *ScoreStage) Execute(ctx context.Context, state models.PipelineState) StageResult {
	a := state.Artifacts
	if a.RubricSchema == nil {
		return Failed(missingArtifact(models.ArtifactRubricSchema))
	}
	if a.DocumentStructure == nil {
		return Failed(missingArtifact(models.ArtifactDocumentStructure))
	}
	if s.scorer == nil {
		return Failed(lib.ErrConfiguration("services.openai", "no scoring model configured"))
	}

	req := ScoreRequest{
		TaskID:    state.TaskID,
		Images:    sourceImages(state),
		Rubric:    *a.RubricSchema,
		Structure: *a.DocumentStructure,
		Config:    state.Config,
	}
	if a.Regions != nil {
		req.Regions = a.Regions.Images
	}

	raw, err := s.scorer.Score(ctx, req)
	if err != nil {
		return Failed(lib.ClassifyError(err))
	}

	scores := NormalizeScore(raw, state.Config.MaxScore, *a.RubricSchema, s.bands)
	state.Artifacts.Scores = &scores
	return Succeeded(state)
}

// NormalizeScore clamps model output into range and derives percentage and grade.
// total_score is clamped to [0, maxScore]; each criterion score to [0, its max].
func NormalizeScore(raw models.ScoreResult, maxScore float64, rubric models.RubricSchema, bands []models.GradeBand) models.ScoreResult {
	criterionMax := make(map[string]float64, len(rubric.Criteria))
	for _, c := range rubric.Criteria {
		criterionMax[c.ID] = c.MaxPoints
	}

	out := raw
	out.MaxScore = maxScore
	out.TotalScore = clamp(raw.TotalScore, 0, maxScore)

	out.CriterionScores = make([]models.CriterionScore, 0, len(raw.CriterionScores))
	for _, cs := range raw.CriterionScores {
		if m, ok := criterionMax[cs.CriterionID]; ok {
			cs.MaxScore = m
		}
		if cs.MaxScore > 0 {
			cs.Score = clamp(cs.Score, 0, cs.MaxScore)
		} else {
			cs.Score = clamp(cs.Score, 0, math.Inf(1))
		}
		out.CriterionScores = append(out.CriterionScores, cs)
	}

	if maxScore > 0 {
		out.Percentage = math.Round(out.TotalScore/maxScore*1000) / 10
	} else {
		out.Percentage = 0
	}
	out.GradeLevel = models.GradeFor(out.Percentage, bands)

	if out.Strengths == nil {
		out.Strengths = []string{}
	}
	if out.Suggestions == nil {
		out.Suggestions = []string{}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
