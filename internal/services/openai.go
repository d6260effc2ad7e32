package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/rotisserie/eris"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/pipeline"
)

const openAIService = "openai"

// OpenAIClient backs region detection, rubric structuring and scoring with
// chat completions. Every call asks for a single JSON object.
type OpenAIClient struct {
	client      openai.Client
	model       string
	visionModel string
}

// NewOpenAIClient creates the model client. SDK retries are disabled; callers own retries.
func NewOpenAIClient(cfg models.OpenAIConfig, apiKey string) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	vision := cfg.VisionModel
	if vision == "" {
		vision = cfg.Model
	}
	return &OpenAIClient{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		visionModel: vision,
	}
}

const locatePrompt = `You detect layout regions on scanned exam pages.
Return a JSON object {"regions": [...]} where each region has
"region_type" (one of "question", "answer", "grading", "other"),
"bounding_box" ([x1, y1, x2, y2] normalized to 0..1, origin top-left),
"confidence" (0..1) and an optional short "description".
Return {"regions": []} when nothing is recognizable.`

// Locate detects labelled regions on one image
func (c *OpenAIClient) Locate(ctx context.Context, image models.ImageRef) ([]models.Region, error) {
	part, err := fileContentPart(image.Path, image.MimeType)
	if err != nil {
		return nil, err
	}
	content, err := c.complete(ctx, c.visionModel, locatePrompt, []openai.ChatCompletionContentPartUnionParam{part})
	if err != nil {
		return nil, err
	}

	var out struct {
		Regions []models.Region `json:"regions"`
	}
	if err := decodeJSONObject(content, &out); err != nil {
		return nil, err
	}
	return out.Regions, nil
}

const rubricPrompt = `You convert grading rubrics into structured criteria.
Return a JSON object {"criteria": [...], "total_points": number} where each criterion has
"criterion_id" (short identifier), "description", "max_points" (> 0) and
"grading_levels" ([{"label": string, "points": number}], highest first).`

// Parse structures free-form rubric files
func (c *OpenAIClient) Parse(ctx context.Context, files []models.ValidatedFile) (models.RubricSchema, error) {
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(files))
	for _, f := range files {
		if strings.HasPrefix(f.MimeType, "text/") {
			data, err := os.ReadFile(f.Path)
			if err != nil {
				return models.RubricSchema{}, eris.Wrapf(err, "failed to read rubric %s", f.Name)
			}
			parts = append(parts, textPart(fmt.Sprintf("Rubric file %s:\n%s", f.Name, data)))
			continue
		}
		part, err := fileContentPart(f.Path, f.MimeType)
		if err != nil {
			return models.RubricSchema{}, err
		}
		parts = append(parts, part)
	}

	content, err := c.complete(ctx, c.model, rubricPrompt, parts)
	if err != nil {
		return models.RubricSchema{}, err
	}
	var schema models.RubricSchema
	if err := decodeJSONObject(content, &schema); err != nil {
		return models.RubricSchema{}, err
	}
	return schema, nil
}

// strictnessGuidance tells the model how to treat partial answers
var strictnessGuidance = map[models.Strictness]string{
	models.StrictnessLoose:    "Grade leniently: award partial credit generously for the right idea.",
	models.StrictnessStandard: "Grade with normal strictness: award partial credit for partially correct work.",
	models.StrictnessStrict:   "Grade strictly: award points only for fully justified, correct work.",
}

// Score grades the answer images against the rubric
func (c *OpenAIClient) Score(ctx context.Context, req pipeline.ScoreRequest) (models.ScoreResult, error) {
	rubric, err := json.Marshal(req.Rubric)
	if err != nil {
		return models.ScoreResult{}, eris.Wrap(err, "failed to encode rubric")
	}
	regions, err := json.Marshal(req.Regions)
	if err != nil {
		return models.ScoreResult{}, eris.Wrap(err, "failed to encode regions")
	}

	feedbackLang := req.Config.Language
	if req.Config.TargetLanguage != "" {
		feedbackLang = req.Config.TargetLanguage
	}

	var system strings.Builder
	system.WriteString("You grade student answers against a rubric.\n")
	fmt.Fprintf(&system, "Task type: %s. Answers are written in %s. Write feedback in %s.\n",
		req.Config.TaskType, req.Config.Language, feedbackLang)
	system.WriteString(strictnessGuidance[req.Config.Strictness] + "\n")
	fmt.Fprintf(&system, "The maximum total score is %v.\n", req.Config.MaxScore)
	system.WriteString(`Return a JSON object with "total_score", "criterion_scores" ` +
		`([{"criterion_id", "score", "max_score", "feedback"}]), "strengths" ([string]) and "suggestions" ([string]).`)

	parts := []openai.ChatCompletionContentPartUnionParam{
		textPart("Rubric:\n" + string(rubric)),
		textPart("Detected regions (normalized boxes):\n" + string(regions)),
	}
	for _, img := range req.Images {
		part, err := fileContentPart(img.Path, img.MimeType)
		if err != nil {
			return models.ScoreResult{}, err
		}
		parts = append(parts, textPart(fmt.Sprintf("%s %d:", img.Role, img.Index+1)), part)
	}

	content, err := c.complete(ctx, c.model, system.String(), parts)
	if err != nil {
		return models.ScoreResult{}, err
	}
	var result models.ScoreResult
	if err := decodeJSONObject(content, &result); err != nil {
		return models.ScoreResult{}, err
	}
	return result, nil
}

func (c *OpenAIClient) complete(ctx context.Context, model, system string, parts []openai.ChatCompletionContentPartUnionParam) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.Opt(system),
					},
				},
			},
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: parts,
					},
				},
			},
		},
		Temperature: openai.Opt(0.0),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", lib.ErrExternalService(openAIService, eris.New("response has no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyOpenAIError marks rate limits, server errors and network failures as transient
func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return lib.ClassifyError(err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		se := lib.ErrExternalService(openAIService, err)
		se.Retryable = models.IsTransientHTTPStatus(apiErr.StatusCode)
		return se
	}

	return lib.ErrExternalService(openAIService, err)
}

func textPart(text string) openai.ChatCompletionContentPartUnionParam {
	return openai.ChatCompletionContentPartUnionParam{
		OfText: &openai.ChatCompletionContentPartTextParam{Text: text},
	}
}

// fileContentPart inlines a file as a base64 data URL: images as image parts, anything else as a file part
func fileContentPart(path, mime string) (openai.ChatCompletionContentPartUnionParam, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return openai.ChatCompletionContentPartUnionParam{}, eris.Wrapf(err, "failed to read %s", path)
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))

	if strings.HasPrefix(mime, "image/") {
		return openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL,
		}), nil
	}
	return openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
		FileData: openai.Opt(dataURL),
		Filename: openai.Opt(filepath.Base(path)),
	}), nil
}

// decodeJSONObject extracts the first JSON object from model output, tolerating code fences
func decodeJSONObject(content string, out any) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return lib.ErrExternalService(openAIService, eris.Errorf("response is not a JSON object: %.80q", content))
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), out); err != nil {
		return lib.ErrExternalService(openAIService, eris.Wrap(err, "malformed JSON in response"))
	}
	return nil
}
