package pipeline

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
)

var (
	// ErrTaskNotFound is returned for unknown task ids
	ErrTaskNotFound = errors.New("task not found")
	// ErrBatchNotFound is returned for unknown or already collected batch ids
	ErrBatchNotFound = errors.New("batch not found")
	// ErrRunnerClosed is returned once Shutdown has been called
	ErrRunnerClosed = errors.New("runner is shut down")
)

// TaskSpec is one task submission
type TaskSpec struct {
	Inputs models.TaskInputs `json:"inputs" yaml:"inputs"`
	Config models.TaskConfig `json:"config" yaml:"config"`
}

// TaskResult is the terminal outcome of one task in a batch
type TaskResult struct {
	TaskID string                `json:"task_id"`
	Status models.TaskStatus     `json:"status"`
	Error  *models.TaskError     `json:"error,omitempty"`
	Result *models.GradingResult `json:"result,omitempty"`
}

// BatchResult aggregates the tasks of a batch
type BatchResult struct {
	BatchID   string       `json:"batch_id"`
	CreatedAt time.Time    `json:"created_at"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Cancelled int          `json:"cancelled"`
	Pending   int          `json:"pending"`
	Results   []TaskResult `json:"results"`
}

// Done reports whether every task in the batch is terminal
func (b BatchResult) Done() bool {
	return b.Pending == 0
}

// taskHandle is the runner's view of one task
type taskHandle struct {
	mu      sync.Mutex
	state   models.PipelineState
	changed chan struct{} // closed and replaced on every update
	done    chan struct{} // closed once the task is terminal

	cancelled atomic.Bool
	abortWait context.CancelFunc // releases a task still waiting for a slot
}

func newTaskHandle(state models.PipelineState) *taskHandle {
	return &taskHandle{
		state:   state,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (h *taskHandle) update(state models.PipelineState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *taskHandle) snapshot() (models.PipelineState, chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return models.CopyState(h.state), h.changed
}

type batch struct {
	id        string
	createdAt time.Time
	taskIDs   []string
}

// Runner schedules pipeline executions with bounded concurrency.
// Each task holds one semaphore slot for its whole pipeline run.
type Runner struct {
	orch   *Orchestrator
	sem    *semaphore.Weighted
	logger *lib.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	// retention is how long a finished task stays queryable; 0 keeps it forever
	retention time.Duration

	mu      sync.RWMutex
	tasks   map[string]*taskHandle
	batches map[string]*batch
}

// RunnerOption customizes a Runner
type RunnerOption func(*Runner)

// WithTaskRetention evicts finished tasks d after they become collectable.
// Standalone tasks are collectable once terminal, batch members once their
// batch is released. Zero keeps every task.
func WithTaskRetention(d time.Duration) RunnerOption {
	return func(r *Runner) { r.retention = d }
}

// NewRunner creates a runner executing at most maxConcurrency tasks at once
func NewRunner(orch *Orchestrator, maxConcurrency int, logger *lib.Logger, opts ...RunnerOption) *Runner {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = lib.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		orch:    orch,
		sem:     semaphore.NewWeighted(int64(maxConcurrency)),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*taskHandle),
		batches: make(map[string]*batch),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SubmitTask enqueues a task and returns its id immediately
func (r *Runner) SubmitTask(inputs models.TaskInputs, config models.TaskConfig) (string, error) {
	return r.submit(inputs, config, "")
}

func (r *Runner) submit(inputs models.TaskInputs, config models.TaskConfig, batchID string) (string, error) {
	if r.closed.Load() {
		return "", ErrRunnerClosed
	}

	h, waitCtx := r.newHandle(inputs, config, batchID)
	taskID := h.state.TaskID

	r.mu.Lock()
	r.tasks[taskID] = h
	r.mu.Unlock()

	r.start(waitCtx, h)
	return taskID, nil
}

func (r *Runner) newHandle(inputs models.TaskInputs, config models.TaskConfig, batchID string) (*taskHandle, context.Context) {
	state := models.NewTask(inputs, config)
	state.BatchID = batchID
	h := newTaskHandle(state)

	waitCtx, abortWait := context.WithCancel(r.ctx)
	h.abortWait = abortWait
	return h, waitCtx
}

func (r *Runner) start(waitCtx context.Context, h *taskHandle) {
	lib.LogTaskCreated(r.logger, h.state.TaskID, len(h.state.Inputs.Answers))

	r.wg.Add(1)
	go r.execute(waitCtx, h, models.CopyState(h.state))
}

func (r *Runner) execute(waitCtx context.Context, h *taskHandle, state models.PipelineState) {
	defer r.wg.Done()
	defer r.finished(state.TaskID, state.BatchID)
	defer close(h.done)
	defer h.abortWait()

	ctl := RunControl{
		OnUpdate:  h.update,
		Cancelled: h.cancelled.Load,
	}

	if err := r.sem.Acquire(waitCtx, 1); err != nil {
		// Cancelled or shut down while queued; Run records the cancellation
		h.update(r.orch.Run(waitCtx, state, ctl))
		return
	}
	defer r.sem.Release(1)

	h.update(r.orch.Run(r.ctx, state, ctl))
}

// finished schedules eviction of a terminal task. Batch members wait for their
// batch to be released; an uncollected batch is released one retention period
// after its last task finishes.
func (r *Runner) finished(taskID, batchID string) {
	if batchID == "" {
		r.evictLater(taskID)
		return
	}
	if r.retention <= 0 {
		return
	}
	r.mu.RLock()
	b, ok := r.batches[batchID]
	r.mu.RUnlock()
	if ok && r.aggregate(b).Done() {
		time.AfterFunc(r.retention, func() { r.releaseBatch(batchID) })
	}
}

func (r *Runner) evictLater(taskIDs ...string) {
	if r.retention <= 0 || len(taskIDs) == 0 {
		return
	}
	time.AfterFunc(r.retention, func() {
		r.mu.Lock()
		for _, id := range taskIDs {
			delete(r.tasks, id)
		}
		r.mu.Unlock()
		r.logger.Debug("Evicted finished tasks", "count", len(taskIDs))
	})
}

// releaseBatch drops the batch record and schedules eviction of its tasks.
// Returns false when the batch was already released.
func (r *Runner) releaseBatch(batchID string) bool {
	r.mu.Lock()
	b, ok := r.batches[batchID]
	delete(r.batches, batchID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.evictLater(b.taskIDs...)
	return true
}

func (r *Runner) handle(taskID string) (*taskHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tasks[taskID]
	return h, ok
}

// GetStatus returns a snapshot of the task's state
func (r *Runner) GetStatus(taskID string) (models.PipelineState, error) {
	h, ok := r.handle(taskID)
	if !ok {
		return models.PipelineState{}, ErrTaskNotFound
	}
	state, _ := h.snapshot()
	return state, nil
}

// Cancel requests cooperative cancellation. The task stops at the next stage
// boundary; a stage already running is allowed to finish and its output is discarded.
// Returns false when the task is unknown or already terminal.
func (r *Runner) Cancel(taskID string) bool {
	h, ok := r.handle(taskID)
	if !ok {
		return false
	}
	state, _ := h.snapshot()
	if state.Status.IsTerminal() {
		return false
	}
	h.cancelled.Store(true)
	if state.Status == models.TaskStatusQueued {
		h.abortWait()
	}
	return true
}

// StreamEvents returns the task's event log as a finite sequence.
// Each iteration starts from the first event and ends after the terminal event,
// blocking for new events in between. Iteration stops early when ctx is done.
func (r *Runner) StreamEvents(ctx context.Context, taskID string) (iter.Seq[models.Event], error) {
	h, ok := r.handle(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}

	return func(yield func(models.Event) bool) {
		next := 0
		for {
			state, changed := h.snapshot()
			for ; next < len(state.Events); next++ {
				if !yield(state.Events[next]) {
					return
				}
			}
			if state.Status.IsTerminal() {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}, nil
}

// WaitTask blocks until the task is terminal and returns its final state
func (r *Runner) WaitTask(ctx context.Context, taskID string) (models.PipelineState, error) {
	h, ok := r.handle(taskID)
	if !ok {
		return models.PipelineState{}, ErrTaskNotFound
	}
	select {
	case <-h.done:
		state, _ := h.snapshot()
		return state, nil
	case <-ctx.Done():
		return models.PipelineState{}, ctx.Err()
	}
}

// SubmitBatch enqueues every spec as an independent task sharing the runner's
// concurrency budget. One task's failure never affects its siblings.
func (r *Runner) SubmitBatch(specs []TaskSpec) (string, error) {
	if r.closed.Load() {
		return "", ErrRunnerClosed
	}

	b := &batch{id: uuid.New().String(), createdAt: time.Now().UTC()}
	handles := make([]*taskHandle, len(specs))
	waitCtxs := make([]context.Context, len(specs))
	for i, spec := range specs {
		handles[i], waitCtxs[i] = r.newHandle(spec.Inputs, spec.Config, b.id)
		b.taskIDs = append(b.taskIDs, handles[i].state.TaskID)
	}

	// Tasks and batch become visible together so no task can finish
	// before its batch exists
	r.mu.Lock()
	for _, h := range handles {
		r.tasks[h.state.TaskID] = h
	}
	r.batches[b.id] = b
	r.mu.Unlock()

	for i, h := range handles {
		r.start(waitCtxs[i], h)
	}

	r.logger.Info("Batch submitted", "batch_id", b.id, "tasks", len(b.taskIDs))
	return b.id, nil
}

// GetBatch returns the current aggregate of a batch. The first aggregate that
// reports every task terminal collects the batch: the record is released and
// later calls return ErrBatchNotFound.
func (r *Runner) GetBatch(batchID string) (BatchResult, error) {
	r.mu.RLock()
	b, ok := r.batches[batchID]
	r.mu.RUnlock()
	if !ok {
		return BatchResult{}, ErrBatchNotFound
	}
	result := r.aggregate(b)
	if result.Done() && !r.releaseBatch(batchID) {
		// Another caller collected it first
		return BatchResult{}, ErrBatchNotFound
	}
	return result, nil
}

// BatchTasks returns the task ids of a batch in submission order without collecting it
func (r *Runner) BatchTasks(batchID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return slices.Clone(b.taskIDs), nil
}

// WaitBatch blocks until every task of the batch is terminal, returns the
// aggregate and releases the batch record
func (r *Runner) WaitBatch(ctx context.Context, batchID string) (BatchResult, error) {
	r.mu.RLock()
	b, ok := r.batches[batchID]
	r.mu.RUnlock()
	if !ok {
		return BatchResult{}, ErrBatchNotFound
	}

	for _, id := range b.taskIDs {
		if _, err := r.WaitTask(ctx, id); err != nil {
			return BatchResult{}, err
		}
	}

	result := r.aggregate(b)
	r.releaseBatch(batchID)

	r.logger.Info("Batch finished",
		"batch_id", batchID,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"cancelled", result.Cancelled,
	)
	return result, nil
}

func (r *Runner) aggregate(b *batch) BatchResult {
	out := BatchResult{
		BatchID:   b.id,
		CreatedAt: b.createdAt,
		Total:     len(b.taskIDs),
		Results:   make([]TaskResult, 0, len(b.taskIDs)),
	}
	for _, id := range b.taskIDs {
		state, err := r.GetStatus(id)
		if err != nil {
			continue
		}
		tr := TaskResult{TaskID: id, Status: state.Status, Error: state.Error, Result: state.Artifacts.Result}
		switch state.Status {
		case models.TaskStatusCompleted:
			out.Succeeded++
		case models.TaskStatusFailed:
			out.Failed++
		case models.TaskStatusCancelled:
			out.Cancelled++
		default:
			out.Pending++
		}
		out.Results = append(out.Results, tr)
	}
	return out
}

// Tasks returns snapshots of every known task, newest first
func (r *Runner) Tasks() []models.PipelineState {
	r.mu.RLock()
	handles := make([]*taskHandle, 0, len(r.tasks))
	for _, h := range r.tasks {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	states := make([]models.PipelineState, 0, len(handles))
	for _, h := range handles {
		s, _ := h.snapshot()
		states = append(states, s)
	}
	sortByCreatedDesc(states)
	return states
}

// Shutdown stops accepting work, cancels queued and running tasks and waits
// for their goroutines to exit or ctx to expire
func (r *Runner) Shutdown(ctx context.Context) error {
	r.closed.Store(true)
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
