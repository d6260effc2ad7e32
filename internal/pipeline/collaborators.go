package pipeline

import (
	"context"

	"github.com/trobanga/gradeflow/internal/models"
)

// EnhancementClient improves the legibility of a scanned image
type EnhancementClient interface {
	Enhance(ctx context.Context, image models.ImageRef) (models.ImageRef, error)
}

// VisionLocator detects labelled regions on an image
type VisionLocator interface {
	Locate(ctx context.Context, image models.ImageRef) ([]models.Region, error)
}

// RubricParser turns rubric files into a structured schema
type RubricParser interface {
	Parse(ctx context.Context, files []models.ValidatedFile) (models.RubricSchema, error)
}

// ScoreRequest is everything the scoring model is given
type ScoreRequest struct {
	TaskID    string
	Images    []models.ImageRef
	Rubric    models.RubricSchema
	Regions   []models.ImageRegions
	Structure models.DocumentStructure
	Config    models.TaskConfig
}

// ScoringModel grades the answer images against the rubric
type ScoringModel interface {
	Score(ctx context.Context, req ScoreRequest) (models.ScoreResult, error)
}

// Storage persists the final grading result
type Storage interface {
	Save(ctx context.Context, result models.GradingResult) error
}

// CredentialProvider answers whether a named credential is configured
type CredentialProvider interface {
	Has(name string) bool
}

// Credential names consulted by stages
const (
	CredentialEnhancement = "enhancement"
	CredentialOpenAI      = "openai"
)

// Dependencies bundles the collaborators injected into the stages
type Dependencies struct {
	Enhancer    EnhancementClient
	Locator     VisionLocator
	Rubrics     RubricParser
	Scorer      ScoringModel
	Storage     Storage
	Credentials CredentialProvider
}

// StaticCredentials is a fixed credential set, handy for tests and embedding
type StaticCredentials map[string]bool

// Has reports whether name is set
func (c StaticCredentials) Has(name string) bool {
	return c[name]
}
