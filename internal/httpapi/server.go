package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/pipeline"
	"github.com/trobanga/gradeflow/internal/services"
)

// maxBodyBytes bounds submission payloads; inputs are file paths, not file contents
const maxBodyBytes = 1 << 20

// Server exposes the runner over HTTP.
// Input files are referenced by path and must be readable by the server process.
type Server struct {
	Runner  *pipeline.Runner
	Results services.ResultStore // optional, serves results of earlier runs
	Logger  *lib.Logger
}

// BatchRequest is the body of POST /v1/batches
type BatchRequest struct {
	Tasks []pipeline.TaskSpec `json:"tasks"`
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmitTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/events", s.handleStreamEvents)
		r.Post("/tasks/{id}/cancel", s.handleCancel)
		r.Post("/batches", s.handleSubmitBatch)
		r.Get("/batches/{id}", s.handleGetBatch)
		r.Get("/results/{id}", s.handleGetResult)
	})

	return r
}

func (s Server) logger() *lib.Logger {
	if s.Logger == nil {
		return lib.NewNopLogger()
	}
	return s.Logger
}

func (s Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger().Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var spec pipeline.TaskSpec
	if err := decodeBody(w, r, &spec); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.Runner.SubmitTask(spec.Inputs, spec.Config)
	if err != nil {
		writeRunnerErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id})
}

func (s Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.Runner.Tasks()
	resp := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, map[string]any{
			"task_id":       t.TaskID,
			"batch_id":      t.BatchID,
			"status":        t.Status,
			"current_stage": t.CurrentStage,
			"progress":      t.Progress,
			"created_at":    t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	state, err := s.Runner.GetStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeRunnerErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleStreamEvents writes the task's events as NDJSON, one object per line,
// flushing after each. The response ends with the terminal event.
func (s Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.Runner.StreamEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRunnerErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for e := range events {
		if err := enc.Encode(e); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.Runner.GetStatus(id)
	if err != nil {
		writeRunnerErr(w, err)
		return
	}
	if !s.Runner.Cancel(id) {
		writeErr(w, http.StatusConflict, fmt.Errorf("task %s is already %s", id, state.Status))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "cancelled": true})
}

func (s Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Tasks) == 0 {
		writeErr(w, http.StatusBadRequest, errors.New("batch has no tasks"))
		return
	}

	id, err := s.Runner.SubmitBatch(req.Tasks)
	if err != nil {
		writeRunnerErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batch_id": id, "tasks": len(req.Tasks)})
}

func (s Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.Runner.GetBatch(chi.URLParam(r, "id"))
	if err != nil {
		writeRunnerErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":    batch,
		"finished": batch.Done(),
	})
}

// handleGetResult serves a live task's result first, then the result store
func (s Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if state, err := s.Runner.GetStatus(id); err == nil {
		if state.Artifacts.Result != nil {
			writeJSON(w, http.StatusOK, state.Artifacts.Result)
			return
		}
		if !state.Status.IsTerminal() {
			writeErr(w, http.StatusNotFound, fmt.Errorf("result not ready: task is %s", state.Status))
			return
		}
	}

	if s.Results == nil {
		writeErr(w, http.StatusNotFound, services.ErrResultNotFound)
		return
	}
	result, err := s.Results.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrResultNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeRunnerErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrTaskNotFound), errors.Is(err, pipeline.ErrBatchNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, pipeline.ErrRunnerClosed):
		writeErr(w, http.StatusServiceUnavailable, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr reports err as {"error": message}
func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

