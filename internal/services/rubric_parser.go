package services

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/pipeline"
)

// LocalRubricParser reads rubrics that are already structured as JSON or YAML
type LocalRubricParser struct{}

// IsStructured reports whether the file can be parsed locally
func (LocalRubricParser) IsStructured(f models.ValidatedFile) bool {
	switch f.Ext {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Parse merges the criteria of every file, in order. Totals are summed.
func (p LocalRubricParser) Parse(ctx context.Context, files []models.ValidatedFile) (models.RubricSchema, error) {
	var merged models.RubricSchema
	for _, f := range files {
		if !p.IsStructured(f) {
			return models.RubricSchema{}, lib.ErrValidation("rubric "+f.Name+" is not JSON or YAML", nil)
		}
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return models.RubricSchema{}, eris.Wrapf(err, "failed to read rubric %s", f.Name)
		}

		var schema models.RubricSchema
		if f.Ext == ".json" {
			err = json.Unmarshal(data, &schema)
		} else {
			err = yaml.Unmarshal(data, &schema)
		}
		if err != nil {
			return models.RubricSchema{}, lib.ErrValidation("rubric "+f.Name+" is malformed", err)
		}

		merged.Criteria = append(merged.Criteria, schema.Criteria...)
		merged.TotalPoints += schema.TotalPoints
	}
	return merged, nil
}

// CompositeRubricParser parses structured rubrics locally and sends the rest to a model
type CompositeRubricParser struct {
	local  LocalRubricParser
	remote pipeline.RubricParser
}

// NewCompositeRubricParser creates the parser. remote may be nil.
func NewCompositeRubricParser(remote pipeline.RubricParser) *CompositeRubricParser {
	return &CompositeRubricParser{remote: remote}
}

// Parse uses the local parser only when every file is structured
func (p *CompositeRubricParser) Parse(ctx context.Context, files []models.ValidatedFile) (models.RubricSchema, error) {
	structured := true
	for _, f := range files {
		if !p.local.IsStructured(f) {
			structured = false
			break
		}
	}
	if structured {
		return p.local.Parse(ctx, files)
	}
	if p.remote == nil {
		return models.RubricSchema{}, lib.ErrConfiguration("services.openai", "free-form rubrics need a model; set OPENAI_API_KEY")
	}
	return p.remote.Parse(ctx, files)
}
