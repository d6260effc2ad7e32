package services

import (
	"github.com/trobanga/gradeflow/internal/cache"
	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/pipeline"
)

// NewDependencies wires the external collaborators available under cfg and creds.
// A collaborator whose service or credential is missing is left nil, so its
// stage is skipped or falls back.
func NewDependencies(cfg models.ProjectConfig, creds *EnvCredentials, store pipeline.Storage, logger *lib.Logger) pipeline.Dependencies {
	deps := pipeline.Dependencies{
		Storage:     store,
		Credentials: creds,
	}

	if enhancer := NewEnhancementClient(cfg, creds.Get(pipeline.CredentialEnhancement), logger); enhancer != nil {
		deps.Enhancer = enhancer
	}

	var remote pipeline.RubricParser
	if creds.Has(pipeline.CredentialOpenAI) {
		ai := NewOpenAIClient(cfg.Services.OpenAI, creds.Get(pipeline.CredentialOpenAI))
		deps.Locator = ai
		deps.Scorer = ai
		remote = ai
	} else {
		logger.Warn("No OpenAI credential configured; region detection falls back to whole images and scoring is unavailable",
			"env", EnvOpenAIAPIKey)
	}
	deps.Rubrics = NewCompositeRubricParser(remote)

	return deps
}

// NewOrchestrator builds an orchestrator with the configured cache and logger
func NewOrchestrator(cfg models.ProjectConfig, deps pipeline.Dependencies, logger *lib.Logger) (*pipeline.Orchestrator, error) {
	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if cfg.Cache.Enabled {
		opts = append(opts, pipeline.WithCache(cache.NewFromConfig(cfg.Cache)))
	}
	return pipeline.NewOrchestrator(cfg, deps, opts...)
}
