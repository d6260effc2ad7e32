package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/pipeline"
)

func TestValidateStage(t *testing.T) {
	dir := t.TempDir()
	answer := writePNG(t, dir, "answer.png")
	rubric := writeFile(t, dir, "rubric.yaml", "criteria:\n  - description: Accuracy\n    max_points: 10\n")
	pdf := writeFile(t, dir, "question.pdf", "%PDF-1.4\n1 0 obj << /Type /Page >> endobj\n")

	tests := []struct {
		name    string
		inputs  models.TaskInputs
		wantErr bool
	}{
		{
			name: "Answer, question and rubric",
			inputs: models.TaskInputs{
				Questions: []models.FileRef{{Path: pdf}},
				Answers:   []models.FileRef{{Path: answer}},
				Rubrics:   []models.FileRef{{Path: rubric}},
			},
		},
		{
			name:    "No answers",
			inputs:  models.TaskInputs{Questions: []models.FileRef{{Path: pdf}}},
			wantErr: true,
		},
		{
			name:    "Missing file",
			inputs:  models.TaskInputs{Answers: []models.FileRef{{Path: dir + "/missing.png"}}},
			wantErr: true,
		},
		{
			name:    "Empty file",
			inputs:  models.TaskInputs{Answers: []models.FileRef{{Path: writeFile(t, dir, "empty.png", "")}}},
			wantErr: true,
		},
		{
			name:    "Unsupported extension",
			inputs:  models.TaskInputs{Answers: []models.FileRef{{Path: writeFile(t, dir, "answer.exe", "MZ")}}},
			wantErr: true,
		},
		{
			name:    "Directory",
			inputs:  models.TaskInputs{Answers: []models.FileRef{{Path: dir}}},
			wantErr: true,
		},
	}

	stage := pipeline.NewValidateStage(1024 * 1024)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := stage.Execute(context.Background(), models.NewTask(tt.inputs, testTaskConfig()))
			if tt.wantErr {
				require.NotNil(t, res.Err)
				assert.Equal(t, models.ErrorKindValidation, res.Err.Kind)
				assert.False(t, res.Err.Retryable)
				return
			}
			require.True(t, res.OK(), "unexpected error: %v", res.Err)

			files := res.State.Artifacts.ValidatedFiles.Files
			require.Len(t, files, 3)
			assert.Equal(t, models.RoleQuestion, files[0].Role)
			assert.Equal(t, "application/pdf", files[0].MimeType)
			assert.Equal(t, models.RoleAnswer, files[1].Role)
			assert.Equal(t, "image/png", files[1].MimeType)
			assert.Equal(t, models.RoleRubric, files[2].Role)
			for _, f := range files {
				assert.True(t, f.Readable)
				assert.Len(t, f.SHA256, 64)
			}
		})
	}
}

func TestValidateStage_SizeLimit(t *testing.T) {
	answer := writePNG(t, t.TempDir(), "answer.png")
	stage := pipeline.NewValidateStage(10)

	res := stage.Execute(context.Background(), models.NewTask(models.TaskInputs{Answers: []models.FileRef{{Path: answer}}}, testTaskConfig()))

	require.NotNil(t, res.Err)
	assert.Equal(t, models.ErrorKindValidation, res.Err.Kind)
}

func TestValidateStage_InvalidConfig(t *testing.T) {
	answer := writePNG(t, t.TempDir(), "answer.png")
	cfg := testTaskConfig()
	cfg.MaxScore = 0

	res := pipeline.NewValidateStage(0).Execute(context.Background(), models.NewTask(models.TaskInputs{Answers: []models.FileRef{{Path: answer}}}, cfg))

	require.NotNil(t, res.Err)
	assert.Equal(t, models.ErrorKindValidation, res.Err.Kind)
}

func TestIoU(t *testing.T) {
	a := models.BoundingBox{0, 0, 0.5, 0.5}
	assert.InDelta(t, 1.0, pipeline.IoU(a, a), 1e-9)
	assert.Equal(t, 0.0, pipeline.IoU(a, models.BoundingBox{0.5, 0.5, 1, 1}))
	// Half overlap: intersection 0.125, union 0.375
	assert.InDelta(t, 1.0/3.0, pipeline.IoU(a, models.BoundingBox{0, 0.25, 0.5, 0.75}), 1e-9)
}

func TestNormalizeRegion(t *testing.T) {
	r := pipeline.NormalizeRegion(models.Region{
		Type:       "diagram",
		Box:        models.BoundingBox{0.8, 1.4, 0.2, -0.1},
		Confidence: 1.7,
	})
	assert.Equal(t, models.RegionOther, r.Type)
	assert.Equal(t, models.BoundingBox{0.2, 0, 0.8, 1}, r.Box)
	assert.Equal(t, 1.0, r.Confidence)
}

func TestDedupeRegions(t *testing.T) {
	regions := []models.Region{
		{Type: models.RegionAnswer, Box: models.BoundingBox{0, 0, 0.5, 0.5}, Confidence: 0.6},
		{Type: models.RegionAnswer, Box: models.BoundingBox{0.01, 0.01, 0.5, 0.5}, Confidence: 0.9},
		{Type: models.RegionQuestion, Box: models.BoundingBox{0, 0, 0.5, 0.5}, Confidence: 0.5},
		{Type: models.RegionAnswer, Box: models.BoundingBox{0.6, 0.6, 1, 1}, Confidence: 0.4},
	}

	out := pipeline.DedupeRegions(regions, 0.5)

	require.Len(t, out, 3)
	assert.Equal(t, 0.9, out[0].Confidence, "the more confident overlapping answer survives")
	assert.Equal(t, models.RegionQuestion, out[1].Type, "different types never suppress each other")
	assert.Equal(t, 0.4, out[2].Confidence)
}

func TestDedupeRegions_TieKeepsEarliest(t *testing.T) {
	regions := []models.Region{
		{Type: models.RegionAnswer, Box: models.BoundingBox{0, 0, 0.5, 0.5}, Confidence: 0.7, Description: "first"},
		{Type: models.RegionAnswer, Box: models.BoundingBox{0, 0, 0.5, 0.5}, Confidence: 0.7, Description: "second"},
	}

	out := pipeline.DedupeRegions(regions, 0.5)

	require.Len(t, out, 1)
	assert.Equal(t, "first", out[0].Description)
}

func TestBuildPageStructure(t *testing.T) {
	ir := models.ImageRegions{Regions: []models.Region{
		{Type: models.RegionAnswer, Box: models.BoundingBox{0, 0.05, 1, 0.1}},   // 0: above any question
		{Type: models.RegionQuestion, Box: models.BoundingBox{0, 0.1, 1, 0.2}},  // 1
		{Type: models.RegionAnswer, Box: models.BoundingBox{0, 0.2, 1, 0.4}},    // 2
		{Type: models.RegionQuestion, Box: models.BoundingBox{0, 0.5, 1, 0.6}},  // 3
		{Type: models.RegionGrading, Box: models.BoundingBox{0.8, 0.6, 1, 0.7}}, // 4
		{Type: models.RegionOther, Box: models.BoundingBox{0, 0.9, 1, 1}},       // 5
	}}

	page := pipeline.BuildPageStructure(ir)

	assert.Equal(t, []int{1, 3}, page.Questions)
	assert.Equal(t, []int{0, 2}, page.Answers)
	assert.Equal(t, []int{4}, page.Grading)
	assert.Equal(t, []models.RegionLink{
		{Region: 0, Question: -1},
		{Region: 2, Question: 1},
		{Region: 4, Question: 3},
	}, page.CrossRefs)
}

func TestIngestStage_CountsPDFPagesAndImageSize(t *testing.T) {
	dir := t.TempDir()
	pdfPath := writeFile(t, dir, "exam.pdf",
		"%PDF-1.4\n1 0 obj << /Type /Pages /Count 2 >> endobj\n2 0 obj << /Type /Page >> endobj\n3 0 obj << /Type/Page >> endobj\n")
	pngPath := writePNG(t, dir, "answer.png")

	state := models.NewTask(models.TaskInputs{}, testTaskConfig())
	state.Artifacts.Regions = &models.RegionSet{Images: []models.ImageRegions{
		{Image: models.ImageRef{Role: models.RoleQuestion, Path: pdfPath, MimeType: "application/pdf"}},
		{Image: models.ImageRef{Role: models.RoleAnswer, Path: pngPath, MimeType: "image/png"}},
	}}

	res := pipeline.NewIngestStage().Execute(context.Background(), state)
	require.True(t, res.OK())

	ds := res.State.Artifacts.DocumentStructure
	require.Len(t, ds.Pages, 2)
	assert.Equal(t, 2, ds.Pages[0].PageCount)
	assert.Equal(t, 1, ds.Pages[1].PageCount)
	assert.Equal(t, 40, ds.Pages[1].Width)
	assert.Equal(t, 30, ds.Pages[1].Height)
	assert.Equal(t, 3, ds.TotalPages)
}

func TestNormalizeRubric(t *testing.T) {
	tests := []struct {
		name    string
		schema  models.RubricSchema
		wantErr string
		want    float64
	}{
		{
			name: "Fills ids and total",
			schema: models.RubricSchema{Criteria: []models.Criterion{
				{MaxPoints: 4}, {ID: "style", MaxPoints: 6},
			}},
			want: 10,
		},
		{
			name: "Keeps explicit total",
			schema: models.RubricSchema{
				Criteria:    []models.Criterion{{ID: "a", MaxPoints: 4}},
				TotalPoints: 20,
			},
			want: 20,
		},
		{name: "No criteria", schema: models.RubricSchema{}, wantErr: "no criteria"},
		{
			name:    "Duplicate id",
			schema:  models.RubricSchema{Criteria: []models.Criterion{{ID: "a", MaxPoints: 1}, {ID: "a", MaxPoints: 1}}},
			wantErr: "duplicate",
		},
		{
			name:    "Zero max points",
			schema:  models.RubricSchema{Criteria: []models.Criterion{{ID: "a"}}},
			wantErr: "max_points",
		},
		{
			name: "Level above max",
			schema: models.RubricSchema{Criteria: []models.Criterion{{
				ID: "a", MaxPoints: 2, GradingLevels: []models.GradingLevel{{Label: "full", Points: 3}},
			}}},
			wantErr: "awards",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pipeline.NormalizeRubric(tt.schema)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.TotalPoints)
			for _, c := range got.Criteria {
				assert.NotEmpty(t, c.ID)
			}
		})
	}
}

func TestRubricStage_UnparseableRubricFallsBack(t *testing.T) {
	stage := pipeline.NewRubricStage(&fakeRubrics{schema: models.RubricSchema{}}, nil, nil)
	state := models.NewTask(models.TaskInputs{}, testTaskConfig())
	state.Artifacts.ValidatedFiles = &models.ValidatedFiles{Files: []models.ValidatedFile{
		{Role: models.RoleRubric, Path: "rubric.txt", MimeType: "text/plain"},
	}}

	res := stage.Execute(context.Background(), state)

	require.True(t, res.OK())
	assert.True(t, res.State.Artifacts.RubricSchema.Synthesized)
	assert.Len(t, res.Warnings, 1)
}

func TestDefaultRubric(t *testing.T) {
	r := pipeline.DefaultRubric(20)
	require.Len(t, r.Criteria, 1)
	assert.Equal(t, 20.0, r.TotalPoints)
	assert.Equal(t, []models.GradingLevel{
		{Label: "full", Points: 20},
		{Label: "partial", Points: 10},
		{Label: "none", Points: 0},
	}, r.Criteria[0].GradingLevels)
}

func TestNormalizeScore(t *testing.T) {
	rubric := models.RubricSchema{Criteria: []models.Criterion{
		{ID: "a", MaxPoints: 4}, {ID: "b", MaxPoints: 6},
	}}
	raw := models.ScoreResult{
		TotalScore: 7.26,
		CriterionScores: []models.CriterionScore{
			{CriterionID: "a", Score: -1},
			{CriterionID: "b", Score: 9},
		},
	}

	got := pipeline.NormalizeScore(raw, 10, rubric, models.DefaultGradeBands())

	assert.Equal(t, 7.26, got.TotalScore)
	assert.Equal(t, 10.0, got.MaxScore)
	assert.Equal(t, 72.6, got.Percentage)
	assert.Equal(t, "C", got.GradeLevel)
	assert.Equal(t, 0.0, got.CriterionScores[0].Score)
	assert.Equal(t, 6.0, got.CriterionScores[1].Score)
	assert.Equal(t, 4.0, got.CriterionScores[0].MaxScore)
	assert.NotNil(t, got.Strengths)
}

func TestScoreStage_NoScorerIsConfigurationError(t *testing.T) {
	state := models.NewTask(models.TaskInputs{}, testTaskConfig())
	rubric := pipeline.DefaultRubric(100)
	state.Artifacts.RubricSchema = &rubric
	state.Artifacts.DocumentStructure = &models.DocumentStructure{}

	res := pipeline.NewScoreStage(nil, nil).Execute(context.Background(), state)

	require.NotNil(t, res.Err)
	assert.Equal(t, models.ErrorKindConfiguration, res.Err.Kind)
}

func TestStageDoesNotMutateInput(t *testing.T) {
	state := models.NewTask(models.TaskInputs{}, testTaskConfig())
	state.Artifacts.ValidatedFiles = &models.ValidatedFiles{}

	res := pipeline.NewRubricStage(nil, nil, nil).Execute(context.Background(), state)

	require.True(t, res.OK())
	assert.Nil(t, state.Artifacts.RubricSchema)
	assert.NotNil(t, res.State.Artifacts.RubricSchema)
}
