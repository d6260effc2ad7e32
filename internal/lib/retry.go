package lib

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/trobanga/gradeflow/internal/models"
)

// CalculateBackoff computes exponential backoff duration
// Formula: min(initialBackoff * 2^attempt, maxBackoff)
func CalculateBackoff(attempt int, initialBackoffMs int64, maxBackoffMs int64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Exponential backoff: initialBackoff * 2^attempt
	backoffMs := float64(initialBackoffMs) * math.Pow(2, float64(attempt))

	// Cap at maxBackoff
	if backoffMs > float64(maxBackoffMs) {
		backoffMs = float64(maxBackoffMs)
	}

	return time.Duration(backoffMs) * time.Millisecond
}

// Backoff holds retry parameters for one error kind
type Backoff struct {
	MaxAttempts      int
	InitialBackoffMs int64
	MaxBackoffMs     int64
	Jitter           float64 // fraction of the computed delay, applied symmetrically
}

// RetryPolicy decides how often and how long to wait before re-running a failed call.
// Only transient kinds (ExternalServiceError, TimeoutError) are ever retried.
type RetryPolicy struct {
	base    Backoff
	perKind map[models.ErrorKind]Backoff
	random  func() float64
}

// NewRetryPolicy builds a policy from the retry section of the configuration
func NewRetryPolicy(config models.RetryConfig) *RetryPolicy {
	base := Backoff{
		MaxAttempts:      config.MaxAttempts,
		InitialBackoffMs: config.InitialBackoffMs,
		MaxBackoffMs:     config.MaxBackoffMs,
		Jitter:           config.Jitter,
	}
	if base.MaxAttempts < 1 {
		base.MaxAttempts = 1
	}

	perKind := make(map[models.ErrorKind]Backoff, len(config.PerKind))
	for kind, override := range config.PerKind {
		b := base
		if override.MaxAttempts > 0 {
			b.MaxAttempts = override.MaxAttempts
		}
		if override.InitialBackoffMs > 0 {
			b.InitialBackoffMs = override.InitialBackoffMs
		}
		if override.MaxBackoffMs > 0 {
			b.MaxBackoffMs = override.MaxBackoffMs
		}
		perKind[kind] = b
	}

	return &RetryPolicy{base: base, perKind: perKind, random: rand.Float64}
}

// For returns the backoff parameters that apply to kind
func (p *RetryPolicy) For(kind models.ErrorKind) Backoff {
	if !kind.IsTransient() {
		return Backoff{MaxAttempts: 1}
	}
	if b, ok := p.perKind[kind]; ok {
		return b
	}
	return p.base
}

// MaxAttempts returns the largest attempt budget of any transient kind
func (p *RetryPolicy) MaxAttempts() int {
	n := p.base.MaxAttempts
	for _, b := range p.perKind {
		if b.MaxAttempts > n {
			n = b.MaxAttempts
		}
	}
	return n
}

// Delay returns the wait before retry number attempt (0-based) for kind
func (p *RetryPolicy) Delay(kind models.ErrorKind, attempt int) time.Duration {
	b := p.For(kind)
	d := CalculateBackoff(attempt, b.InitialBackoffMs, b.MaxBackoffMs)
	if b.Jitter <= 0 || d <= 0 {
		return d
	}
	delta := float64(d) * b.Jitter * (2*p.random() - 1)
	jittered := time.Duration(float64(d) + delta)
	if jittered < 0 {
		return 0
	}
	return jittered
}

// ShouldRetry reports whether another attempt is allowed after attempts tries failed with err
func (p *RetryPolicy) ShouldRetry(err *StageError, attempts int) bool {
	if err == nil || !err.Retryable || !err.Kind.IsTransient() {
		return false
	}
	return attempts < p.For(err.Kind).MaxAttempts
}

// RetryableOperation represents an operation that can be retried. attempt starts at 1.
type RetryableOperation func(ctx context.Context, attempt int) error

// RetryNotify is called before each backoff wait
type RetryNotify func(attempt int, err *StageError, delay time.Duration)

// Do executes operation with exponential backoff retry logic
// Returns nil if operation succeeds, or the last classified error once retries are exhausted
// or the error is not transient. Cancelling ctx aborts the wait.
func (p *RetryPolicy) Do(ctx context.Context, operation RetryableOperation, notify RetryNotify) error {
	for attempt := 1; ; attempt++ {
		err := operation(ctx, attempt)
		if err == nil {
			return nil
		}

		classified := ClassifyError(err)
		if !p.ShouldRetry(classified, attempt) {
			return classified
		}

		delay := p.Delay(classified.Kind, attempt-1)
		if notify != nil {
			notify(attempt, classified, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return ClassifyError(err)
		}
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
