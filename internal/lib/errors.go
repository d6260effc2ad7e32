package lib

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/trobanga/gradeflow/internal/models"
)

// StageError represents a classified failure with context and guidance
type StageError struct {
	Kind      models.ErrorKind
	Stage     models.StageName // Stage that raised the error, empty outside the pipeline
	Message   string           // Short description of what went wrong
	Cause     error            // Underlying error
	Guidance  []string         // What the user can do to fix it
	Retryable bool             // Can this error be automatically retried?
}

// Error implements the error interface
func (e *StageError) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] ", e.Kind))
	if e.Stage != "" {
		sb.WriteString(fmt.Sprintf("%s: ", e.Stage))
	}
	sb.WriteString(e.Message)

	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	return sb.String()
}

// UserMessage returns a formatted message suitable for displaying to end users
func (e *StageError) UserMessage() string {
	var sb strings.Builder

	sb.WriteString("❌ Error: ")
	sb.WriteString(e.Message)
	sb.WriteString("\n\n")

	if len(e.Guidance) > 0 {
		sb.WriteString("💡 How to fix:\n")
		for i, guide := range e.Guidance {
			sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, guide))
		}
	}

	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf("\nTechnical details: %v\n", e.Cause))
	}

	if e.Retryable {
		sb.WriteString("\n🔄 This error is transient and can be retried.\n")
	}

	return sb.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility
func (e *StageError) Unwrap() error {
	return e.Cause
}

// TaskError converts the error into the record exposed on a failed task
func (e *StageError) TaskError() models.TaskError {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return models.TaskError{
		Stage:     e.Stage,
		Kind:      e.Kind,
		Message:   msg,
		Retryable: e.Retryable,
	}
}

// WithStage returns a copy of the error attributed to stage
func (e *StageError) WithStage(stage models.StageName) *StageError {
	c := *e
	c.Stage = stage
	return &c
}

// ErrValidation creates a fatal error for malformed, oversized or missing input
func ErrValidation(message string, cause error) *StageError {
	return &StageError{
		Kind:    models.ErrorKindValidation,
		Message: message,
		Cause:   cause,
		Guidance: []string{
			"Check that every input path exists and is readable",
			"Supported answer and question files are PNG, JPEG, GIF, WEBP and PDF",
			"At least one answer file is required",
		},
		Retryable: false,
	}
}

// ErrExternalService creates a transient error for a failing collaborator
func ErrExternalService(service string, cause error) *StageError {
	return &StageError{
		Kind:    models.ErrorKindExternalService,
		Message: fmt.Sprintf("%s call failed", service),
		Cause:   cause,
		Guidance: []string{
			fmt.Sprintf("Check that the %s service is reachable", service),
			"Verify the API credentials in your environment or .env file",
			"Wait a moment and try again",
		},
		Retryable: true,
	}
}

// ErrTimeout creates a transient error for a stage that exceeded its time budget
func ErrTimeout(stage models.StageName, cause error) *StageError {
	return &StageError{
		Kind:    models.ErrorKindTimeout,
		Stage:   stage,
		Message: fmt.Sprintf("%s timed out", stage),
		Cause:   cause,
		Guidance: []string{
			"The external service may be overloaded or slow to respond",
			"Consider raising pipeline.stage_timeouts for this stage",
		},
		Retryable: true,
	}
}

// ErrConfiguration creates a fatal error for invalid or missing configuration
func ErrConfiguration(field string, reason string) *StageError {
	return &StageError{
		Kind:    models.ErrorKindConfiguration,
		Message: fmt.Sprintf("Invalid configuration: %s", reason),
		Guidance: []string{
			fmt.Sprintf("Check the '%s' field in your gradeflow.yaml", field),
			"Compare with gradeflow.example.yaml for correct format",
		},
		Retryable: false,
	}
}

// ErrCancelled creates the terminal error recorded when a task is cancelled
func ErrCancelled(stage models.StageName) *StageError {
	return &StageError{
		Kind:      models.ErrorKindCancelled,
		Stage:     stage,
		Message:   "task was cancelled",
		Cause:     context.Canceled,
		Retryable: false,
	}
}

// AsStageError extracts a StageError from err's chain
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ClassifyError maps an arbitrary error onto the taxonomy
// Errors without a recognisable shape are treated as external service failures,
// since stages only call out to collaborators.
func ClassifyError(err error) *StageError {
	if err == nil {
		return nil
	}

	if se, ok := AsStageError(err); ok {
		return se
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &StageError{
			Kind:      models.ErrorKindTimeout,
			Message:   "operation timed out",
			Cause:     err,
			Retryable: true,
		}
	case errors.Is(err, context.Canceled):
		return &StageError{
			Kind:      models.ErrorKindCancelled,
			Message:   "operation was cancelled",
			Cause:     err,
			Retryable: false,
		}
	case IsNetworkError(err):
		return &StageError{
			Kind:      models.ErrorKindExternalService,
			Message:   "Network connectivity issue",
			Cause:     err,
			Guidance:  []string{"Check network connection", "Verify service is running", "Will retry automatically"},
			Retryable: true,
		}
	}

	return &StageError{
		Kind:      models.ErrorKindExternalService,
		Message:   "external call failed",
		Cause:     err,
		Retryable: true,
	}
}

// IsNetworkError checks if an error is likely a network-related issue
// These are typically transient and should be retried
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	networkErrors := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"deadline exceeded",
		"eof",
	}

	for _, pattern := range networkErrors {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}
