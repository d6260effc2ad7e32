package models

import (
	"time"

	"github.com/google/uuid"
)

// PipelineState is the single record threaded through every grading stage.
// Stages never mutate it in place; each transition returns a new value.
type PipelineState struct {
	TaskID       string      `json:"task_id"`
	BatchID      string      `json:"batch_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	Inputs       TaskInputs  `json:"inputs"`
	Config       TaskConfig  `json:"config"`
	Fingerprint  string      `json:"fingerprint,omitempty"`
	Artifacts    Artifacts   `json:"artifacts"`
	Skipped      []StageName `json:"skipped,omitempty"` // stages bypassed by applicability or skip marker
	Status       TaskStatus  `json:"status"`
	CurrentStage StageName   `json:"current_stage,omitempty"`
	Progress     int         `json:"progress"` // 0-100, never decreases
	Events       []Event     `json:"events"`
	Error        *TaskError  `json:"error,omitempty"`
	CacheHit     bool        `json:"cache_hit,omitempty"`
}

// TaskInputs holds the ordered file references of a grading task
type TaskInputs struct {
	Questions []FileRef `json:"questions,omitempty"`
	Answers   []FileRef `json:"answers"`
	Rubrics   []FileRef `json:"rubrics,omitempty"`
}

// FileRef points at an input file on the local filesystem
type FileRef struct {
	Path string `json:"path"`
}

// FileRole tells which input list a file came from
type FileRole string

const (
	RoleQuestion FileRole = "question"
	RoleAnswer   FileRole = "answer"
	RoleRubric   FileRole = "rubric"
)

// TaskConfig carries the grading parameters of a task. Immutable after creation.
type TaskConfig struct {
	TaskType       string     `json:"task_type" yaml:"task_type"`
	Strictness     Strictness `json:"strictness" yaml:"strictness"`
	Language       string     `json:"language" yaml:"language"`
	TargetLanguage string     `json:"target_language,omitempty" yaml:"target_language"`
	MaxScore       float64    `json:"max_score" yaml:"max_score"`
}

// Strictness is the grading strictness level. Values are the labels graders use.
type Strictness string

const (
	StrictnessLoose    Strictness = "宽松"
	StrictnessStandard Strictness = "中等"
	StrictnessStrict   Strictness = "严格"
)

// IsValidStrictness checks if the strictness level is recognized
func IsValidStrictness(s Strictness) bool {
	switch s {
	case StrictnessLoose, StrictnessStandard, StrictnessStrict:
		return true
	default:
		return false
	}
}

// ParseStrictness accepts either the native label or an English alias
func ParseStrictness(raw string) (Strictness, bool) {
	switch raw {
	case string(StrictnessLoose), "loose", "lenient":
		return StrictnessLoose, true
	case string(StrictnessStandard), "standard", "medium", "":
		return StrictnessStandard, true
	case string(StrictnessStrict), "strict":
		return StrictnessStrict, true
	default:
		return "", false
	}
}

// TaskStatus defines the lifecycle state of a grading task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsValidTaskStatus checks if the task status is recognized
func IsValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further stage may run in this status
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransitionTo checks if status transition is valid
// Valid transitions:
//
//	queued -> running | cancelled
//	running -> completed | failed | cancelled
//
// Terminal statuses never change again.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusRunning || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed || next == TaskStatusCancelled
	default:
		return false
	}
}

// TaskError describes why a task failed. Kind is stable for clients to branch on.
type TaskError struct {
	Stage     StageName `json:"stage"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// EventKind classifies entries of a task's event log
type EventKind string

const (
	EventTaskQueued     EventKind = "task_queued"
	EventTaskStarted    EventKind = "task_started"
	EventCacheHit       EventKind = "cache_hit"
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
	EventStageSkipped   EventKind = "stage_skipped"
	EventStageRetry     EventKind = "stage_retry"
	EventWarning        EventKind = "warning"
	EventTaskCompleted  EventKind = "task_completed"
	EventTaskFailed     EventKind = "task_failed"
	EventTaskCancelled  EventKind = "task_cancelled"
)

// Event is one entry of the append-only task event log
type Event struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Stage     StageName `json:"stage,omitempty"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Progress  int       `json:"progress"`
}

// IsTerminal reports whether this event closes the log
func (e Event) IsTerminal() bool {
	return e.Kind == EventTaskCompleted || e.Kind == EventTaskFailed || e.Kind == EventTaskCancelled
}

// NewTaskID generates a unique task identifier
func NewTaskID() string {
	return uuid.New().String()
}

// NewTask creates a queued PipelineState for the given inputs and config
func NewTask(inputs TaskInputs, config TaskConfig) PipelineState {
	now := time.Now().UTC()
	state := PipelineState{
		TaskID:    NewTaskID(),
		CreatedAt: now,
		UpdatedAt: now,
		Inputs:    inputs,
		Config:    config,
		Status:    TaskStatusQueued,
		Progress:  0,
		Events:    []Event{},
	}
	return AppendEvent(state, Event{Kind: EventTaskQueued, Detail: "task accepted"})
}

// Files returns every input file paired with its role, in input order
func (in TaskInputs) Files() []RoleFile {
	files := make([]RoleFile, 0, len(in.Questions)+len(in.Answers)+len(in.Rubrics))
	for i, f := range in.Questions {
		files = append(files, RoleFile{Role: RoleQuestion, Index: i, Ref: f})
	}
	for i, f := range in.Answers {
		files = append(files, RoleFile{Role: RoleAnswer, Index: i, Ref: f})
	}
	for i, f := range in.Rubrics {
		files = append(files, RoleFile{Role: RoleRubric, Index: i, Ref: f})
	}
	return files
}

// RoleFile is an input file with its role and position within that role's list
type RoleFile struct {
	Role  FileRole
	Index int
	Ref   FileRef
}
