package services

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/pipeline"
)

// BatchManifest is the YAML file accepted by `gradeflow grade batch`.
//
//	defaults:
//	  task_type: essay
//	  strictness: 中等
//	  language: zh
//	  max_score: 100
//	tasks:
//	  - inputs:
//	      answers: [{path: scans/alice.png}]
//	  - inputs:
//	      answers: [{path: scans/bob.png}]
//	    config:
//	      max_score: 50
type BatchManifest struct {
	Defaults models.TaskConfig   `yaml:"defaults"`
	Tasks    []pipeline.TaskSpec `yaml:"tasks"`
}

// LoadBatchManifest reads a manifest and returns one spec per task.
// Unset task config fields inherit the defaults; relative paths resolve
// against the manifest's directory.
func LoadBatchManifest(path string) ([]pipeline.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read manifest %s", path)
	}

	var m BatchManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "failed to parse manifest %s", path)
	}
	if len(m.Tasks) == 0 {
		return nil, eris.Errorf("manifest %s has no tasks", path)
	}

	base := filepath.Dir(path)
	specs := make([]pipeline.TaskSpec, len(m.Tasks))
	for i, t := range m.Tasks {
		specs[i] = pipeline.TaskSpec{
			Inputs: models.TaskInputs{
				Questions: resolveRefs(base, t.Inputs.Questions),
				Answers:   resolveRefs(base, t.Inputs.Answers),
				Rubrics:   resolveRefs(base, t.Inputs.Rubrics),
			},
			Config: mergeTaskConfig(m.Defaults, t.Config),
		}
	}
	return specs, nil
}

func resolveRefs(base string, refs []models.FileRef) []models.FileRef {
	if refs == nil {
		return nil
	}
	out := make([]models.FileRef, len(refs))
	for i, r := range refs {
		p := r.Path
		if p != "" && !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out[i] = models.FileRef{Path: p}
	}
	return out
}

func mergeTaskConfig(defaults, c models.TaskConfig) models.TaskConfig {
	if c.TaskType == "" {
		c.TaskType = defaults.TaskType
	}
	if c.Strictness == "" {
		c.Strictness = defaults.Strictness
	}
	if c.Language == "" {
		c.Language = defaults.Language
	}
	if c.TargetLanguage == "" {
		c.TargetLanguage = defaults.TargetLanguage
	}
	if c.MaxScore == 0 {
		c.MaxScore = defaults.MaxScore
	}
	if s, ok := models.ParseStrictness(string(c.Strictness)); ok {
		c.Strictness = s
	}
	return c
}
