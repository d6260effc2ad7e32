package pipeline_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/pipeline"
)

// writePNG creates a small valid PNG file and returns its path
func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for x := 0; x < 40; x++ {
		img.Set(x, 10, color.Black)
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

// writeFile creates a file with the given content and returns its path
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// testConfig returns a configuration with millisecond backoffs and no cache
func testConfig() models.ProjectConfig {
	cfg := models.DefaultConfig()
	cfg.Retry.InitialBackoffMs = 1
	cfg.Retry.MaxBackoffMs = 2
	cfg.Retry.Jitter = 0
	cfg.Pipeline.StageTimeoutSeconds = 10
	cfg.Cache.Enabled = false
	return cfg
}

func testTaskConfig() models.TaskConfig {
	return models.TaskConfig{
		TaskType:   "essay",
		Strictness: models.StrictnessStandard,
		Language:   "en",
		MaxScore:   100,
	}
}

// fakeEnhancer returns the input image unchanged, marking it as enhanced
type fakeEnhancer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeEnhancer) Enhance(ctx context.Context, img models.ImageRef) (models.ImageRef, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.ImageRef{}, f.err
	}
	return img, nil
}

// fakeLocator returns fixed regions for every image
type fakeLocator struct {
	calls   atomic.Int32
	regions []models.Region
	err     error
}

func (f *fakeLocator) Locate(ctx context.Context, img models.ImageRef) ([]models.Region, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.regions, nil
}

// fakeRubrics returns a fixed schema
type fakeRubrics struct {
	schema models.RubricSchema
	err    error
}

func (f *fakeRubrics) Parse(ctx context.Context, files []models.ValidatedFile) (models.RubricSchema, error) {
	if f.err != nil {
		return models.RubricSchema{}, f.err
	}
	return f.schema, nil
}

// fakeScorer returns result, or err on every call.
// When block is set, each call signals started and waits for release or ctx.
type fakeScorer struct {
	calls   atomic.Int32
	result  models.ScoreResult
	err     error
	block   bool
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *fakeScorer) Score(ctx context.Context, req pipeline.ScoreRequest) (models.ScoreResult, error) {
	f.calls.Add(1)
	if f.block {
		f.once.Do(func() { close(f.started) })
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.ScoreResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.ScoreResult{}, f.err
	}
	return f.result, nil
}

func newBlockingScorer() *fakeScorer {
	return &fakeScorer{
		block:   true,
		started: make(chan struct{}),
		release: make(chan struct{}),
		result:  models.ScoreResult{TotalScore: 50},
	}
}

// memoryStorage records saved results
type memoryStorage struct {
	mu      sync.Mutex
	results []models.GradingResult
	err     error
}

func (m *memoryStorage) Save(ctx context.Context, r models.GradingResult) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func (m *memoryStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

var errUpstream = errors.New("upstream returned 503")

// fixtureDeps returns collaborators that make every stage succeed
func fixtureDeps() (pipeline.Dependencies, *fakeScorer, *memoryStorage) {
	scorer := &fakeScorer{result: models.ScoreResult{
		TotalScore: 85,
		CriterionScores: []models.CriterionScore{
			{CriterionID: pipeline.DefaultCriterionID, Score: 85, Feedback: "solid"},
		},
		Strengths: []string{"clear structure"},
	}}
	storage := &memoryStorage{}
	deps := pipeline.Dependencies{
		Locator: &fakeLocator{regions: []models.Region{
			{Type: models.RegionQuestion, Box: models.BoundingBox{0, 0, 1, 0.2}, Confidence: 0.9},
			{Type: models.RegionAnswer, Box: models.BoundingBox{0, 0.2, 1, 0.9}, Confidence: 0.8},
		}},
		Scorer:      scorer,
		Storage:     storage,
		Credentials: pipeline.StaticCredentials{},
	}
	return deps, scorer, storage
}

// newTestOrchestrator builds an orchestrator over deps with fast retries
func newTestOrchestrator(t *testing.T, cfg models.ProjectConfig, deps pipeline.Dependencies, opts ...pipeline.Option) *pipeline.Orchestrator {
	t.Helper()
	o, err := pipeline.NewOrchestrator(cfg, deps, opts...)
	require.NoError(t, err)
	return o
}

// recorder collects every snapshot published by a run
type recorder struct {
	mu     sync.Mutex
	states []models.PipelineState
}

func (r *recorder) control() pipeline.RunControl {
	return pipeline.RunControl{OnUpdate: func(s models.PipelineState) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, s)
	}}
}

func (r *recorder) progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.states))
	for i, s := range r.states {
		out[i] = s.Progress
	}
	return out
}

func eventKinds(events []models.Event) []models.EventKind {
	kinds := make([]models.EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}
