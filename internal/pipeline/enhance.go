package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// EnhanceStage sends question and answer images to the enhancement service.
// Images the service cannot handle are passed through unchanged.
type EnhanceStage struct {
	client      EnhancementClient
	credentials CredentialProvider
	retry       *lib.RetryPolicy
	concurrency int
	logger      *lib.Logger
}

// NewEnhanceStage creates the conditional Enhance stage
func NewEnhanceStage(client EnhancementClient, credentials CredentialProvider, retry *lib.RetryPolicy, concurrency int, logger *lib.Logger) *EnhanceStage {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = lib.NewNopLogger()
	}
	if retry == nil {
		retry = lib.NewRetryPolicy(models.DefaultConfig().Retry)
	}
	return &EnhanceStage{
		client:      client,
		credentials: credentials,
		retry:       retry,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (s *EnhanceStage) Name() models.StageName { return models.StageEnhance }

// IsApplicable requires both a configured client and the enhancement credential
func (s *EnhanceStage) IsApplicable(models.PipelineState) bool {
	return s.client != nil && s.credentials != nil && s.credentials.Has(CredentialEnhancement)
}

func (s *EnhanceStage) Execute(ctx context.Context, state models.PipelineState) StageResult {
	if state.Artifacts.ValidatedFiles == nil {
		return Failed(missingArtifact(models.ArtifactValidatedFiles))
	}
	images := state.Artifacts.ValidatedFiles.Images()
	out := make([]models.ImageRef, len(images))

	var mu sync.Mutex
	var warnings []string

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, img := range images {
		g.Go(func() error {
			if !strings.HasPrefix(img.MimeType, "image/") {
				out[i] = img
				return nil
			}
			enhanced, err := s.enhanceOne(ctx, img)
			if err != nil {
				out[i] = img
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("enhancement of %s failed, using original: %v", img.Key(), err))
				mu.Unlock()
				return nil
			}
			out[i] = enhanced
			return nil
		})
	}
	_ = g.Wait()

	state.Artifacts.EnhancedImages = &models.EnhancedImages{Images: out}
	return Succeeded(state, warnings...)
}

func (s *EnhanceStage) enhanceOne(ctx context.Context, img models.ImageRef) (models.ImageRef, error) {
	var enhanced models.ImageRef
	err := s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := s.client.Enhance(ctx, img)
		if err != nil {
			return err
		}
		enhanced = r
		return nil
	}, func(attempt int, err *lib.StageError, delay time.Duration) {
		lib.LogRetry(s.logger, "enhance "+img.Key(), attempt, s.retry.For(err.Kind).MaxAttempts, err, delay)
	})
	if err != nil {
		return models.ImageRef{}, err
	}

	enhanced.Role = img.Role
	enhanced.Index = img.Index
	enhanced.Source = img.Source
	enhanced.Enhanced = true
	if enhanced.Path == "" {
		return models.ImageRef{}, fmt.Errorf("enhancement service returned no image")
	}
	if enhanced.MimeType == "" {
		enhanced.MimeType = img.MimeType
	}
	return enhanced, nil
}

// Fallback keeps every original image when the stage as a whole ran out of time or retries
func (s *EnhanceStage) Fallback(state models.PipelineState, cause *lib.StageError) StageResult {
	if state.Artifacts.ValidatedFiles == nil {
		return Failed(missingArtifact(models.ArtifactValidatedFiles))
	}
	state.Artifacts.EnhancedImages = &models.EnhancedImages{Images: state.Artifacts.ValidatedFiles.Images()}
	return Succeeded(state, fmt.Sprintf("enhancement unavailable, using original images: %v", cause))
}

// missingArtifact reports a stage invoked without its upstream input
func missingArtifact(key models.ArtifactKey) *lib.StageError {
	return &lib.StageError{
		Kind:    models.ErrorKindConfiguration,
		Message: fmt.Sprintf("required artifact %s is missing", key),
	}
}

// sourceImages returns the enhanced images when present, else the validated originals
func sourceImages(state models.PipelineState) []models.ImageRef {
	if state.Artifacts.EnhancedImages != nil {
		return state.Artifacts.EnhancedImages.Images
	}
	if state.Artifacts.ValidatedFiles != nil {
		return state.Artifacts.ValidatedFiles.Images()
	}
	return nil
}
