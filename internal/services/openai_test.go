package services_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/pipeline"
	"github.com/trobanga/gradeflow/internal/services"
)

// chatServer answers every chat completion with content and records request bodies
type chatServer struct {
	*httptest.Server
	calls  atomic.Int32
	bodies chan string
}

func newChatServer(t *testing.T, status int, content string) *chatServer {
	t.Helper()
	s := &chatServer{bodies: make(chan string, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		s.bodies <- string(body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *chatServer) client() *services.OpenAIClient {
	return services.NewOpenAIClient(models.OpenAIConfig{
		BaseURL:     s.URL + "/v1/",
		Model:       "gpt-4o",
		VisionModel: "gpt-4o-vision",
	}, "sk-test")
}

func TestOpenAIClient_Locate(t *testing.T) {
	server := newChatServer(t, http.StatusOK, "```json\n"+
		`{"regions":[{"region_type":"answer","bounding_box":[0.1,0.2,0.9,0.8],"confidence":0.7}]}`+"\n```")
	img := writePNG(t, t.TempDir(), "page.png")

	regions, err := server.client().Locate(context.Background(), models.ImageRef{Path: img, MimeType: "image/png"})
	require.NoError(t, err)

	require.Len(t, regions, 1)
	assert.Equal(t, models.RegionAnswer, regions[0].Type)
	assert.Equal(t, models.BoundingBox{0.1, 0.2, 0.9, 0.8}, regions[0].Box)

	body := <-server.bodies
	assert.Contains(t, body, "gpt-4o-vision")
	assert.Contains(t, body, "data:image/png;base64,")
}

func TestOpenAIClient_Score(t *testing.T) {
	server := newChatServer(t, http.StatusOK,
		`{"total_score":8,"criterion_scores":[{"criterion_id":"c1","score":8,"max_score":10,"feedback":"bien"}],"strengths":["s"],"suggestions":["t"]}`)
	img := writePNG(t, t.TempDir(), "answer.png")

	result, err := server.client().Score(context.Background(), pipeline.ScoreRequest{
		TaskID: "t1",
		Images: []models.ImageRef{{Role: models.RoleAnswer, Path: img, MimeType: "image/png"}},
		Rubric: models.RubricSchema{Criteria: []models.Criterion{{ID: "c1", Description: "d", MaxPoints: 10}}, TotalPoints: 10},
		Config: models.TaskConfig{
			TaskType:       "essay",
			Strictness:     models.StrictnessStrict,
			Language:       "en",
			TargetLanguage: "fr",
			MaxScore:       10,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 8.0, result.TotalScore)
	require.Len(t, result.CriterionScores, 1)
	assert.Equal(t, "bien", result.CriterionScores[0].Feedback)

	body := <-server.bodies
	assert.Contains(t, body, "Write feedback in fr")
	assert.Contains(t, body, "Grade strictly")
}

func TestOpenAIClient_ParseTextRubric(t *testing.T) {
	server := newChatServer(t, http.StatusOK,
		`{"criteria":[{"criterion_id":"clarity","description":"Clear","max_points":5}],"total_points":5}`)
	rubric := writeFile(t, t.TempDir(), "rubric.txt", "Clarity: 5 points")

	schema, err := server.client().Parse(context.Background(), []models.ValidatedFile{
		{Role: models.RoleRubric, Path: rubric, Name: "rubric.txt", Ext: ".txt", MimeType: "text/plain; charset=utf-8"},
	})
	require.NoError(t, err)

	require.Len(t, schema.Criteria, 1)
	assert.Equal(t, "clarity", schema.Criteria[0].ID)
	assert.Equal(t, 5.0, schema.TotalPoints)
	assert.Contains(t, <-server.bodies, "Clarity: 5 points")
}

func TestOpenAIClient_MalformedResponse(t *testing.T) {
	server := newChatServer(t, http.StatusOK, "I cannot grade this.")
	img := writePNG(t, t.TempDir(), "page.png")

	_, err := server.client().Locate(context.Background(), models.ImageRef{Path: img, MimeType: "image/png"})
	require.Error(t, err)

	se, ok := lib.AsStageError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrorKindExternalService, se.Kind)
}

func TestOpenAIClient_ErrorClassification(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error is transient", http.StatusServiceUnavailable, true},
		{"rate limit is transient", http.StatusTooManyRequests, true},
		{"bad request is permanent", http.StatusBadRequest, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := newChatServer(t, tc.status, "")
			img := writePNG(t, t.TempDir(), "page.png")

			_, err := server.client().Locate(context.Background(), models.ImageRef{Path: img, MimeType: "image/png"})
			require.Error(t, err)

			se, ok := lib.AsStageError(err)
			require.True(t, ok)
			assert.Equal(t, models.ErrorKindExternalService, se.Kind)
			assert.Equal(t, tc.retryable, se.Retryable)
			assert.Equal(t, int32(1), server.calls.Load(), "the client never retries on its own")
		})
	}
}
