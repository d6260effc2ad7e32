package models

import (
	"fmt"
	"time"
)

// ArtifactKey names a stage output stored in PipelineState.Artifacts
type ArtifactKey string

const (
	ArtifactValidatedFiles    ArtifactKey = "validated_files"
	ArtifactEnhancedImages    ArtifactKey = "enhanced_images"
	ArtifactRegions           ArtifactKey = "regions"
	ArtifactDocumentStructure ArtifactKey = "document_structure"
	ArtifactRubricSchema      ArtifactKey = "rubric_schema"
	ArtifactScores            ArtifactKey = "scores"
	ArtifactResult            ArtifactKey = "result"
)

// Artifacts holds the typed output of each completed stage.
// A nil field means the stage has not completed (or was skipped).
type Artifacts struct {
	ValidatedFiles    *ValidatedFiles    `json:"validated_files,omitempty"`
	EnhancedImages    *EnhancedImages    `json:"enhanced_images,omitempty"`
	Regions           *RegionSet         `json:"regions,omitempty"`
	DocumentStructure *DocumentStructure `json:"document_structure,omitempty"`
	RubricSchema      *RubricSchema      `json:"rubric_schema,omitempty"`
	Scores            *ScoreResult       `json:"scores,omitempty"`
	Result            *GradingResult     `json:"result,omitempty"`
}

// Has reports whether the artifact for key is present
func (a Artifacts) Has(key ArtifactKey) bool {
	switch key {
	case ArtifactValidatedFiles:
		return a.ValidatedFiles != nil
	case ArtifactEnhancedImages:
		return a.EnhancedImages != nil
	case ArtifactRegions:
		return a.Regions != nil
	case ArtifactDocumentStructure:
		return a.DocumentStructure != nil
	case ArtifactRubricSchema:
		return a.RubricSchema != nil
	case ArtifactScores:
		return a.Scores != nil
	case ArtifactResult:
		return a.Result != nil
	default:
		return false
	}
}

// Keys returns the present artifact keys in pipeline order
func (a Artifacts) Keys() []ArtifactKey {
	keys := make([]ArtifactKey, 0, len(PipelineOrder))
	for _, stage := range PipelineOrder {
		key := StageArtifacts[stage]
		if a.Has(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// ValidatedFile is the normalized metadata of one input file
type ValidatedFile struct {
	Role     FileRole `json:"role"`
	Index    int      `json:"index"`
	Path     string   `json:"path"`
	Name     string   `json:"name"`
	Ext      string   `json:"ext"`
	MimeType string   `json:"mime_type"`
	Size     int64    `json:"size"`
	Readable bool     `json:"readable"`
	SHA256   string   `json:"sha256"`
}

// IsImageLike reports whether the file can be sent to vision calls
func (f ValidatedFile) IsImageLike() bool {
	return f.Role == RoleQuestion || f.Role == RoleAnswer
}

// ValidatedFiles is the Validate stage artifact
type ValidatedFiles struct {
	Files []ValidatedFile `json:"files"`
}

// Images returns the question and answer files as image references, questions first
func (v ValidatedFiles) Images() []ImageRef {
	var images []ImageRef
	for _, f := range v.Files {
		if !f.IsImageLike() {
			continue
		}
		images = append(images, ImageRef{
			Role:     f.Role,
			Index:    f.Index,
			Path:     f.Path,
			MimeType: f.MimeType,
			Source:   f.Path,
		})
	}
	return images
}

// Rubrics returns the validated rubric files
func (v ValidatedFiles) Rubrics() []ValidatedFile {
	var rubrics []ValidatedFile
	for _, f := range v.Files {
		if f.Role == RoleRubric {
			rubrics = append(rubrics, f)
		}
	}
	return rubrics
}

// ImageRef identifies an image handed to external services
type ImageRef struct {
	Role     FileRole `json:"role"`
	Index    int      `json:"index"`
	Path     string   `json:"path"`
	MimeType string   `json:"mime_type"`
	Source   string   `json:"source"`             // original input path
	Enhanced bool     `json:"enhanced,omitempty"` // Path points at an enhanced copy
}

// Key is a stable identifier of the image within a task
func (r ImageRef) Key() string {
	return fmt.Sprintf("%s-%d", r.Role, r.Index)
}

// EnhancedImages is the Enhance stage artifact. Same cardinality as the input images.
type EnhancedImages struct {
	Images []ImageRef `json:"images"`
}

// RegionType labels a zone of interest in a document image
type RegionType string

const (
	RegionQuestion RegionType = "question"
	RegionAnswer   RegionType = "answer"
	RegionGrading  RegionType = "grading"
	RegionOther    RegionType = "other"
)

// ParseRegionType maps unknown labels to RegionOther
func ParseRegionType(raw string) RegionType {
	switch RegionType(raw) {
	case RegionQuestion, RegionAnswer, RegionGrading:
		return RegionType(raw)
	default:
		return RegionOther
	}
}

// BoundingBox is [x1, y1, x2, y2] normalized to [0,1]
type BoundingBox [4]float64

// Region is a labelled zone of an image
type Region struct {
	Type        RegionType  `json:"region_type"`
	Box         BoundingBox `json:"bounding_box"`
	Confidence  float64     `json:"confidence"`
	Description string      `json:"description,omitempty"`
}

// ImageRegions holds the regions detected on one image
type ImageRegions struct {
	Image    ImageRef `json:"image"`
	Regions  []Region `json:"regions"`
	Fallback bool     `json:"fallback,omitempty"` // synthetic whole-image region was used
}

// RegionSet is the LocateRegions stage artifact, one entry per image
type RegionSet struct {
	Images []ImageRegions `json:"images"`
}

// PageStructure is the layout metadata of one image or document
type PageStructure struct {
	Image          ImageRef     `json:"image"`
	PageCount      int          `json:"page_count"`
	Width          int          `json:"width,omitempty"`
	Height         int          `json:"height,omitempty"`
	Questions      []int        `json:"question_regions"`
	Answers        []int        `json:"answer_regions"`
	Grading        []int        `json:"grading_regions"`
	CrossRefs      []RegionLink `json:"cross_refs,omitempty"`
	FallbackLayout bool         `json:"fallback_layout,omitempty"`
}

// RegionLink ties an answer or grading region to the question it belongs to
type RegionLink struct {
	Region   int `json:"region"`
	Question int `json:"question"` // -1 when no question region precedes it
}

// DocumentStructure is the IngestDocument stage artifact
type DocumentStructure struct {
	Pages      []PageStructure `json:"pages"`
	TotalPages int             `json:"total_pages"`
}

// GradingLevel is one rung of a criterion's grading ladder
type GradingLevel struct {
	Label  string  `json:"label" yaml:"label"`
	Points float64 `json:"points" yaml:"points"`
}

// Criterion is a single rubric criterion
type Criterion struct {
	ID            string         `json:"criterion_id" yaml:"criterion_id"`
	Description   string         `json:"description" yaml:"description"`
	MaxPoints     float64        `json:"max_points" yaml:"max_points"`
	GradingLevels []GradingLevel `json:"grading_levels" yaml:"grading_levels"`
}

// RubricSchema is the InterpretRubric stage artifact
type RubricSchema struct {
	Criteria    []Criterion `json:"criteria" yaml:"criteria"`
	TotalPoints float64     `json:"total_points" yaml:"total_points"`
	Synthesized bool        `json:"synthesized,omitempty" yaml:"-"`
}

// CriterionScore is the score of one rubric criterion
type CriterionScore struct {
	CriterionID string  `json:"criterion_id"`
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"max_score"`
	Feedback    string  `json:"feedback,omitempty"`
}

// ScoreResult is the Score stage artifact
type ScoreResult struct {
	TotalScore      float64          `json:"total_score"`
	MaxScore        float64          `json:"max_score"`
	Percentage      float64          `json:"percentage"`
	GradeLevel      string           `json:"grade_level"`
	CriterionScores []CriterionScore `json:"criterion_scores"`
	Strengths       []string         `json:"strengths"`
	Suggestions     []string         `json:"suggestions"`
}

// GradingResult is the immutable final record of a task
type GradingResult struct {
	TaskID      string         `json:"task_id"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Config      TaskConfig     `json:"config"`
	Scores      ScoreResult    `json:"scores"`
	Rubric      RubricSchema   `json:"rubric"`
	Regions     []ImageRegions `json:"regions"`
	TotalPages  int            `json:"total_pages"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}
