package pipeline

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"regexp"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// pdfPageObject matches page objects but not the /Pages tree nodes
var pdfPageObject = regexp.MustCompile(`/Type\s*/Page([^s]|$)`)

// IngestStage organizes detected regions into per-image layout metadata.
// It reads only file headers; textual content is left to the scoring model.
type IngestStage struct{}

// NewIngestStage creates the IngestDocument stage
func NewIngestStage() *IngestStage {
	return &IngestStage{}
}

func (s *IngestStage) Name() models.StageName { return models.StageIngestDocument }

func (s *IngestStage) IsApplicable(models.PipelineState) bool { return true }

func (s *IngestStage) Execute(ctx context.Context, state models.PipelineState) StageResult {
	if state.Artifacts.Regions == nil {
		return Failed(missingArtifact(models.ArtifactRegions))
	}

	structure := models.DocumentStructure{Pages: make([]models.PageStructure, 0, len(state.Artifacts.Regions.Images))}
	for _, ir := range state.Artifacts.Regions.Images {
		if err := ctx.Err(); err != nil {
			return Failed(lib.ClassifyError(err))
		}
		page := BuildPageStructure(ir)
		page.PageCount = pageCount(ir.Image)
		page.Width, page.Height = dimensions(ir.Image)
		structure.TotalPages += page.PageCount
		structure.Pages = append(structure.Pages, page)
	}

	state.Artifacts.DocumentStructure = &structure
	return Succeeded(state)
}

// BuildPageStructure groups region indices by type and links every answer and
// grading region to the nearest question region starting at or above it
func BuildPageStructure(ir models.ImageRegions) models.PageStructure {
	page := models.PageStructure{
		Image:          ir.Image,
		PageCount:      1,
		Questions:      []int{},
		Answers:        []int{},
		Grading:        []int{},
		FallbackLayout: ir.Fallback,
	}

	for i, r := range ir.Regions {
		switch r.Type {
		case models.RegionQuestion:
			page.Questions = append(page.Questions, i)
		case models.RegionAnswer:
			page.Answers = append(page.Answers, i)
		case models.RegionGrading:
			page.Grading = append(page.Grading, i)
		}
	}

	link := func(idx int) models.RegionLink {
		top := ir.Regions[idx].Box[1]
		best := -1
		for _, q := range page.Questions {
			qTop := ir.Regions[q].Box[1]
			if qTop > top {
				continue
			}
			if best == -1 || qTop > ir.Regions[best].Box[1] {
				best = q
			}
		}
		return models.RegionLink{Region: idx, Question: best}
	}
	for _, idx := range page.Answers {
		page.CrossRefs = append(page.CrossRefs, link(idx))
	}
	for _, idx := range page.Grading {
		page.CrossRefs = append(page.CrossRefs, link(idx))
	}

	return page
}

// pageCount counts PDF page objects; any other input is a single page
func pageCount(img models.ImageRef) int {
	if img.MimeType != "application/pdf" {
		return 1
	}
	data, err := os.ReadFile(img.Path)
	if err != nil {
		return 1
	}
	if n := len(pdfPageObject.FindAllIndex(data, -1)); n > 0 {
		return n
	}
	return 1
}

// dimensions decodes the image header; zero when the format is not decodable
func dimensions(img models.ImageRef) (int, int) {
	f, err := os.Open(img.Path)
	if err != nil {
		return 0, 0
	}
	defer func() { _ = f.Close() }()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
