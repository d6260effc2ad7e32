package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/trobanga/gradeflow/internal/cache"
	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

// Orchestrator drives one task through the stages in fixed order.
// It is the only writer of a running task's state; callers observe it
// through RunControl.OnUpdate snapshots.
type Orchestrator struct {
	stages   []Stage
	weights  map[models.StageName]int
	pipeline models.PipelineConfig
	maxFile  int64
	retry    *lib.RetryPolicy
	cache    *cache.ResultCache
	logger   *lib.Logger
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithStages replaces the default stage set. Stages must be in pipeline order.
func WithStages(stages ...Stage) Option {
	return func(o *Orchestrator) { o.stages = stages }
}

// WithCache enables result caching
func WithCache(c *cache.ResultCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithLogger sets the logger
func WithLogger(l *lib.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRetryPolicy overrides the policy built from the retry configuration
func WithRetryPolicy(p *lib.RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// RunControl connects a run to its observer
type RunControl struct {
	// OnUpdate receives a snapshot after every state change, from the run's goroutine
	OnUpdate func(models.PipelineState)
	// Cancelled is polled at stage boundaries
	Cancelled func() bool
}

// NewOrchestrator validates the pipeline configuration and builds the default stages
func NewOrchestrator(cfg models.ProjectConfig, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if err := models.ValidateStageWeights(cfg.Pipeline.StageWeights); err != nil {
		return nil, lib.ErrConfiguration("pipeline.stage_weights", err.Error())
	}
	if cfg.Pipeline.StageTimeoutSeconds <= 0 {
		return nil, lib.ErrConfiguration("pipeline.stage_timeout_seconds", "must be > 0")
	}

	o := &Orchestrator{
		weights:  cfg.Pipeline.StageWeights,
		pipeline: cfg.Pipeline,
		maxFile:  cfg.Validation.MaxFileSizeBytes(),
		retry:    lib.NewRetryPolicy(cfg.Retry),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = lib.NewNopLogger()
	}
	if o.stages == nil {
		o.stages = DefaultStages(cfg, deps, o.retry, o.logger)
	}
	if err := checkStageOrder(o.stages); err != nil {
		return nil, lib.ErrConfiguration("pipeline", err.Error())
	}
	return o, nil
}

// DefaultStages builds the seven grading stages from configuration and collaborators
func DefaultStages(cfg models.ProjectConfig, deps Dependencies, retry *lib.RetryPolicy, logger *lib.Logger) []Stage {
	return []Stage{
		NewValidateStage(cfg.Validation.MaxFileSizeBytes()),
		NewEnhanceStage(deps.Enhancer, deps.Credentials, retry, cfg.Pipeline.ImageConcurrency, logger),
		NewLocateStage(deps.Locator, retry, cfg.Pipeline.IoUThreshold, cfg.Pipeline.ImageConcurrency, logger),
		NewIngestStage(),
		NewRubricStage(deps.Rubrics, retry, logger),
		NewScoreStage(deps.Scorer, cfg.Pipeline.GradeBands),
		NewAssembleStage(deps.Storage),
	}
}

func checkStageOrder(stages []Stage) error {
	if len(stages) != len(models.PipelineOrder) {
		return fmt.Errorf("expected %d stages, got %d", len(models.PipelineOrder), len(stages))
	}
	for i, s := range stages {
		if s.Name() != models.PipelineOrder[i] {
			return fmt.Errorf("stage %d is %s, expected %s", i, s.Name(), models.PipelineOrder[i])
		}
	}
	return nil
}

// Cache returns the result cache, nil when caching is disabled
func (o *Orchestrator) Cache() *cache.ResultCache {
	return o.cache
}

// run holds the mutable bookkeeping of a single execution
type run struct {
	o     *Orchestrator
	ctl   RunControl
	state models.PipelineState
	log   *lib.Logger
}

func (r *run) set(state models.PipelineState) {
	r.state = state
	if r.ctl.OnUpdate != nil {
		r.ctl.OnUpdate(models.CopyState(state))
	}
}

func (r *run) event(kind models.EventKind, stage models.StageName, detail string) {
	r.set(models.AppendEvent(r.state, models.Event{Kind: kind, Stage: stage, Detail: detail}))
}

func (r *run) cancelled(ctx context.Context) bool {
	if r.ctl.Cancelled != nil && r.ctl.Cancelled() {
		return true
	}
	return ctx.Err() != nil
}

// Run executes the pipeline for state and returns the terminal state
func (o *Orchestrator) Run(ctx context.Context, state models.PipelineState, ctl RunControl) models.PipelineState {
	r := &run{o: o, ctl: ctl, state: state, log: o.logger}
	begin := time.Now()

	defer func() {
		lib.LogTaskCompleted(r.log, r.state.TaskID, string(r.state.Status), time.Since(begin))
	}()

	if r.cancelled(ctx) {
		r.cancel("")
		return r.state
	}

	running, err := models.UpdateStatus(r.state, models.TaskStatusRunning)
	if err != nil {
		r.log.Error("Cannot start task", "task_id", r.state.TaskID, "status", r.state.Status, "error", err)
		return r.state
	}
	r.set(running)
	r.event(models.EventTaskStarted, "", "")

	if o.tryCache(r) {
		return r.state
	}

	completed := 0
	for _, stage := range o.stages {
		name := stage.Name()
		if r.cancelled(ctx) {
			r.cancel(name)
			return r.state
		}

		r.set(models.UpdateCurrentStage(r.state, name))

		if !stage.IsApplicable(r.state) {
			completed += o.weights[name]
			r.skip(name, completed, "not applicable")
			continue
		}

		r.event(models.EventStageStarted, name, "")
		lib.LogStageStart(r.log, string(name), r.state.TaskID)
		started := time.Now()

		result := o.execute(ctx, r, stage)

		if r.cancelled(ctx) {
			r.cancel(name)
			return r.state
		}

		if result.Err != nil {
			if d, ok := stage.(Degradable); ok && result.Err.Kind.IsTransient() {
				result = d.Fallback(models.CopyState(r.state), result.Err)
			}
		}
		if result.Err != nil {
			r.fail(result.Err.WithStage(name))
			return r.state
		}

		completed += o.weights[name]
		if result.Skipped {
			r.skip(name, completed, "skipped by stage")
			continue
		}

		merged, err := models.MergeStageOutput(r.state, *result.State, name)
		if err != nil {
			r.fail(&lib.StageError{
				Kind:    models.ErrorKindConfiguration,
				Stage:   name,
				Message: "stage output rejected",
				Cause:   err,
			})
			return r.state
		}
		r.set(merged)

		for _, w := range result.Warnings {
			r.log.Warn("Stage degraded", "task_id", r.state.TaskID, "stage", name, "warning", w)
			r.event(models.EventWarning, name, w)
		}

		r.set(models.AdvanceProgress(r.state, completed))
		r.event(models.EventStageCompleted, name, "")
		lib.LogStageComplete(r.log, string(name), r.state.TaskID, r.state.Progress, time.Since(started))
	}

	r.complete()
	return r.state
}

// tryCache serves the task from the cache. Returns true when the task was completed.
func (o *Orchestrator) tryCache(r *run) bool {
	if o.cache == nil {
		return false
	}
	fp, err := cache.FingerprintLimited(r.state.Inputs, r.state.Config, o.maxFile)
	if err != nil {
		// Unreadable and oversized inputs are reported by Validate
		r.log.Debug("Fingerprint unavailable", "error", err)
		return false
	}
	state := r.state
	state.Fingerprint = fp
	r.set(state)

	entry, ok := o.cache.Get(fp)
	if !ok {
		return false
	}

	state = r.state
	state.Artifacts = entry.Artifacts
	state.Skipped = slices.Clone(entry.Skipped)
	state.CacheHit = true
	r.set(state)
	r.event(models.EventCacheHit, "", fmt.Sprintf("result of task %s reused", entry.TaskID))
	r.complete()
	return true
}

// execute runs one stage with timeout and retry
func (o *Orchestrator) execute(ctx context.Context, r *run, stage Stage) StageResult {
	name := stage.Name()
	for attempt := 1; ; attempt++ {
		result := o.executeOnce(ctx, stage, r.state)
		if result.Err == nil {
			if result.State == nil {
				return Failed(&lib.StageError{
					Kind:    models.ErrorKindConfiguration,
					Stage:   name,
					Message: "stage returned neither state nor error",
				})
			}
			return result
		}

		serr := result.Err.WithStage(name)
		if r.cancelled(ctx) || !o.retry.ShouldRetry(serr, attempt) {
			lib.LogStageFailed(r.log, string(name), r.state.TaskID, serr, serr.Retryable)
			return Failed(serr)
		}

		delay := o.retry.Delay(serr.Kind, attempt-1)
		lib.LogRetry(r.log, string(name), attempt, o.retry.For(serr.Kind).MaxAttempts, serr, delay)
		r.event(models.EventStageRetry, name, fmt.Sprintf("attempt %d failed (%s), retrying in %s", attempt, serr.Kind, delay.Round(time.Millisecond)))

		if err := lib.Sleep(ctx, delay); err != nil {
			return Failed(lib.ClassifyError(err).WithStage(name))
		}
	}
}

// executeOnce invokes the stage under its timeout.
// The stage runs in its own goroutine so a stage that ignores ctx cannot stall the task.
func (o *Orchestrator) executeOnce(ctx context.Context, stage Stage, state models.PipelineState) StageResult {
	name := stage.Name()
	sctx, cancel := context.WithTimeout(ctx, o.pipeline.StageTimeout(name))
	defer cancel()

	done := make(chan StageResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Failed(&lib.StageError{
					Kind:    models.ErrorKindExternalService,
					Stage:   name,
					Message: fmt.Sprintf("stage panicked: %v", p),
				})
			}
		}()
		done <- stage.Execute(sctx, models.CopyState(state))
	}()

	select {
	case res := <-done:
		if res.Err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Failed(lib.ErrTimeout(name, res.Err))
		}
		return res
	case <-sctx.Done():
		if ctx.Err() != nil {
			return Failed(lib.ClassifyError(ctx.Err()).WithStage(name))
		}
		return Failed(lib.ErrTimeout(name, sctx.Err()))
	}
}

func (r *run) skip(name models.StageName, completed int, reason string) {
	state := models.MarkSkipped(r.state, name)
	state = models.AdvanceProgress(state, completed)
	r.set(state)
	r.event(models.EventStageSkipped, name, reason)
	lib.LogStageSkipped(r.log, string(name), r.state.TaskID)
}

// fail, cancel and complete publish the terminal status and the terminal
// event in one update, so every terminal snapshot has the full event log.
func (r *run) fail(serr *lib.StageError) {
	failed, err := models.FailTask(r.state, serr.TaskError())
	if err != nil {
		r.log.Error("Cannot fail task", "error", err)
		return
	}
	r.set(models.AppendEvent(failed, models.Event{
		Kind:   models.EventTaskFailed,
		Stage:  serr.Stage,
		Detail: fmt.Sprintf("%s: %s", serr.Kind, serr.TaskError().Message),
	}))
}

func (r *run) cancel(stage models.StageName) {
	cancelled, err := models.UpdateStatus(r.state, models.TaskStatusCancelled)
	if err != nil {
		r.log.Error("Cannot cancel task", "error", err)
		return
	}
	detail := "cancelled before start"
	if stage != "" {
		detail = fmt.Sprintf("cancelled at %s", stage)
	}
	r.set(models.AppendEvent(cancelled, models.Event{Kind: models.EventTaskCancelled, Stage: stage, Detail: detail}))
}

func (r *run) complete() {
	completed, err := models.UpdateStatus(models.AdvanceProgress(r.state, 100), models.TaskStatusCompleted)
	if err != nil {
		r.log.Error("Cannot complete task", "error", err)
		return
	}

	detail := ""
	if !completed.CacheHit && r.o.cache != nil && completed.Fingerprint != "" {
		winner, stored := r.o.cache.PutIfAbsent(completed.Fingerprint, cache.Entry{
			TaskID:    completed.TaskID,
			Artifacts: completed.Artifacts,
			Skipped:   slices.Clone(completed.Skipped),
		})
		if !stored && winner.TaskID != completed.TaskID {
			detail = fmt.Sprintf("cache already holds the result of task %s", winner.TaskID)
		}
	}
	r.set(models.AppendEvent(completed, models.Event{Kind: models.EventTaskCompleted, Detail: detail}))
}
