package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// LocateStage asks the vision locator for regions on every image.
// A failed or empty answer is replaced by one whole-image answer region.
type LocateStage struct {
	locator      VisionLocator
	retry        *lib.RetryPolicy
	iouThreshold float64
	concurrency  int
	logger       *lib.Logger
}

// NewLocateStage creates the LocateRegions stage
func NewLocateStage(locator VisionLocator, retry *lib.RetryPolicy, iouThreshold float64, concurrency int, logger *lib.Logger) *LocateStage {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = lib.NewNopLogger()
	}
	if retry == nil {
		retry = lib.NewRetryPolicy(models.DefaultConfig().Retry)
	}
	return &LocateStage{
		locator:      locator,
		retry:        retry,
		iouThreshold: iouThreshold,
		concurrency:  concurrency,
		logger:       logger,
	}
}

func (s *LocateStage) Name() models.StageName { return models.StageLocateRegions }

func (s *LocateStage) IsApplicable(models.PipelineState) bool { return true }

func (s *LocateStage) Execute(ctx context.Context, state models.PipelineState) StageResult {
	if state.Artifacts.ValidatedFiles == nil {
		return Failed(missingArtifact(models.ArtifactValidatedFiles))
	}
	images := sourceImages(state)
	out := make([]models.ImageRegions, len(images))

	if s.locator == nil {
		for i, img := range images {
			out[i] = wholeImage(img)
		}
		state.Artifacts.Regions = &models.RegionSet{Images: out}
		return Succeeded(state, "no vision locator configured, using whole-image regions")
	}

	var mu sync.Mutex
	var warnings []string
	warn := func(msg string) {
		mu.Lock()
		warnings = append(warnings, msg)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, img := range images {
		g.Go(func() error {
			regions, err := s.locateOne(ctx, img)
			switch {
			case err != nil:
				warn(fmt.Sprintf("region detection for %s failed, using whole image: %v", img.Key(), err))
				out[i] = wholeImage(img)
			case len(regions) == 0:
				warn(fmt.Sprintf("no regions detected on %s, using whole image", img.Key()))
				out[i] = wholeImage(img)
			default:
				out[i] = models.ImageRegions{Image: img, Regions: DedupeRegions(regions, s.iouThreshold)}
			}
			return nil
		})
	}
	_ = g.Wait()

	state.Artifacts.Regions = &models.RegionSet{Images: out}
	return Succeeded(state, warnings...)
}

func (s *LocateStage) locateOne(ctx context.Context, img models.ImageRef) ([]models.Region, error) {
	var regions []models.Region
	err := s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := s.locator.Locate(ctx, img)
		if err != nil {
			return err
		}
		regions = r
		return nil
	}, func(attempt int, err *lib.StageError, delay time.Duration) {
		lib.LogRetry(s.logger, "locate "+img.Key(), attempt, s.retry.For(err.Kind).MaxAttempts, err, delay)
	})
	if err != nil {
		return nil, err
	}

	normalized := make([]models.Region, 0, len(regions))
	for _, r := range regions {
		normalized = append(normalized, NormalizeRegion(r))
	}
	return normalized, nil
}

// Fallback assigns whole-image regions to every image
func (s *LocateStage) Fallback(state models.PipelineState, cause *lib.StageError) StageResult {
	images := sourceImages(state)
	out := make([]models.ImageRegions, len(images))
	for i, img := range images {
		out[i] = wholeImage(img)
	}
	state.Artifacts.Regions = &models.RegionSet{Images: out}
	return Succeeded(state, fmt.Sprintf("region detection unavailable, using whole-image regions: %v", cause))
}

// wholeImage is the synthetic region set used when detection is unavailable
func wholeImage(img models.ImageRef) models.ImageRegions {
	return models.ImageRegions{
		Image: img,
		Regions: []models.Region{{
			Type:        models.RegionAnswer,
			Box:         models.BoundingBox{0, 0, 1, 1},
			Confidence:  0,
			Description: "whole image",
		}},
		Fallback: true,
	}
}

// NormalizeRegion clamps coordinates and confidence into [0,1], orders corners
// so that x1<=x2 and y1<=y2, and maps unknown labels to "other"
func NormalizeRegion(r models.Region) models.Region {
	for i := range r.Box {
		r.Box[i] = clamp01(r.Box[i])
	}
	if r.Box[0] > r.Box[2] {
		r.Box[0], r.Box[2] = r.Box[2], r.Box[0]
	}
	if r.Box[1] > r.Box[3] {
		r.Box[1], r.Box[3] = r.Box[3], r.Box[1]
	}
	r.Confidence = clamp01(r.Confidence)
	r.Type = models.ParseRegionType(string(r.Type))
	return r
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// IoU returns the intersection-over-union of two normalized boxes
func IoU(a, b models.BoundingBox) float64 {
	ix := math.Min(a[2], b[2]) - math.Max(a[0], b[0])
	iy := math.Min(a[3], b[3]) - math.Max(a[1], b[1])
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := area(a) + area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func area(b models.BoundingBox) float64 {
	return (b[2] - b[0]) * (b[3] - b[1])
}

// DedupeRegions drops regions that overlap a more confident region of the same type
// by more than threshold. Equal confidence keeps the earlier region.
// Survivors keep their input order.
func DedupeRegions(regions []models.Region, threshold float64) []models.Region {
	order := make([]int, len(regions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return regions[order[a]].Confidence > regions[order[b]].Confidence
	})

	keep := make([]bool, len(regions))
	var kept []int
	for _, i := range order {
		suppressed := false
		for _, k := range kept {
			if regions[k].Type == regions[i].Type && IoU(regions[k].Box, regions[i].Box) > threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep[i] = true
			kept = append(kept, i)
		}
	}

	out := make([]models.Region, 0, len(kept))
	for i, r := range regions {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out
}
