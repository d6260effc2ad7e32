package services_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/services"
)

func TestLoadBatchManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "batch.yaml", `
defaults:
  task_type: essay
  strictness: strict
  language: zh
  max_score: 100
tasks:
  - inputs:
      answers:
        - path: scans/alice.png
      rubrics:
        - path: /abs/rubric.yaml
  - inputs:
      questions:
        - path: q.png
      answers:
        - path: scans/bob.png
    config:
      max_score: 50
      target_language: en
`)

	specs, err := services.LoadBatchManifest(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, filepath.Join(dir, "scans", "alice.png"), specs[0].Inputs.Answers[0].Path)
	assert.Equal(t, "/abs/rubric.yaml", specs[0].Inputs.Rubrics[0].Path)
	assert.Nil(t, specs[0].Inputs.Questions)
	assert.Equal(t, models.TaskConfig{
		TaskType:   "essay",
		Strictness: models.StrictnessStrict,
		Language:   "zh",
		MaxScore:   100,
	}, specs[0].Config)

	assert.Equal(t, filepath.Join(dir, "q.png"), specs[1].Inputs.Questions[0].Path)
	assert.Equal(t, 50.0, specs[1].Config.MaxScore)
	assert.Equal(t, "en", specs[1].Config.TargetLanguage)
	assert.Equal(t, "zh", specs[1].Config.Language)
}

func TestLoadBatchManifest_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := services.LoadBatchManifest(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = services.LoadBatchManifest(writeFile(t, dir, "empty.yaml", "tasks: []\n"))
	assert.Error(t, err)

	_, err = services.LoadBatchManifest(writeFile(t, dir, "bad.yaml", "tasks: [\n"))
	assert.Error(t, err)
}
