package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// HTTPStatusError reports a non-2xx response
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Transient reports whether the status is worth retrying
func (e *HTTPStatusError) Transient() bool {
	return models.IsTransientHTTPStatus(e.StatusCode)
}

// ClassifyHTTPError maps a failed call onto the stage error taxonomy.
// Transient statuses and network errors are retryable; other statuses are not.
func ClassifyHTTPError(service string, err error) *lib.StageError {
	if err == nil {
		return nil
	}
	if se, ok := lib.AsStageError(err); ok {
		return se
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		se := lib.ErrExternalService(service, err)
		se.Retryable = statusErr.Transient()
		switch statusErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			se.Guidance = []string{"Check the API key configured for " + service}
		}
		return se
	}

	classified := lib.ClassifyError(err)
	if classified.Kind == models.ErrorKindExternalService {
		return lib.ErrExternalService(service, err)
	}
	return classified
}

// HTTPClient wraps the standard http.Client with retry logic and configuration
type HTTPClient struct {
	client  *http.Client
	retry   *lib.RetryPolicy
	logger  *lib.Logger
	service string
}

// NewHTTPClient creates an HTTP client with timeout and retry configuration
func NewHTTPClient(service string, timeout time.Duration, retry models.RetryConfig, logger *lib.Logger) *HTTPClient {
	if logger == nil {
		logger = lib.NewNopLogger()
	}
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		retry:   lib.NewRetryPolicy(retry),
		logger:  logger,
		service: service,
	}
}

// Post performs an HTTP POST request with retry logic
func (c *HTTPClient) Post(ctx context.Context, url string, contentType string, body []byte, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "failed to create request")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(ctx, req)
}

// Do executes an HTTP request with retry logic for transient errors.
// Non-transient error statuses are returned as a response so callers can read the body.
func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Body can only be read once; keep a copy for retries
	var bodyBytes []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, eris.Wrap(err, "failed to read request body")
		}
		bodyBytes = b
	}

	var resp *http.Response
	err := c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		attemptReq := req.Clone(ctx)
		if bodyBytes != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			attemptReq.ContentLength = int64(len(bodyBytes))
		}

		lib.LogServiceCall(c.logger, c.service, req.URL.Path, req.Method)
		start := time.Now()
		r, err := c.client.Do(attemptReq)
		if err != nil {
			return ClassifyHTTPError(c.service, err)
		}
		lib.LogServiceResponse(c.logger, c.service, r.StatusCode, time.Since(start))

		if r.StatusCode >= 400 && models.IsTransientHTTPStatus(r.StatusCode) {
			statusErr := &HTTPStatusError{StatusCode: r.StatusCode, Status: http.StatusText(r.StatusCode), Body: readSnippet(r.Body)}
			_ = r.Body.Close()
			return ClassifyHTTPError(c.service, statusErr)
		}
		resp = r
		return nil
	}, func(attempt int, err *lib.StageError, delay time.Duration) {
		lib.LogRetry(c.logger, c.service+" "+req.URL.Path, attempt, c.retry.For(err.Kind).MaxAttempts, err, delay)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// readSnippet returns the start of an error body for diagnostics
func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(bytes.TrimSpace(b))
}

// CheckResponse turns a non-2xx response into an HTTPStatusError and closes its body
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	return &HTTPStatusError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode), Body: readSnippet(resp.Body)}
}
