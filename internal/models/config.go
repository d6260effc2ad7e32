package models

import (
	"fmt"
	"net/url"
	"sort"
	"time"
)

// ProjectConfig is the top-level configuration for gradeflow
type ProjectConfig struct {
	Services   ServiceConfig    `yaml:"services" json:"services"`
	Pipeline   PipelineConfig   `yaml:"pipeline" json:"pipeline"`
	Validation ValidationConfig `yaml:"validation" json:"validation"`
	Retry      RetryConfig      `yaml:"retry" json:"retry"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	WorkDir    string           `yaml:"work_dir" json:"work_dir"`
	LogLevel   string           `yaml:"log_level" json:"log_level"`
}

// ServiceConfig contains connection details for external services
type ServiceConfig struct {
	Enhancement EnhancementConfig `yaml:"enhancement" json:"enhancement"`
	OpenAI      OpenAIConfig      `yaml:"openai" json:"openai"`
}

// EnhancementConfig contains image enhancement service settings
// The API key is never stored here; it comes from the credential provider
type EnhancementConfig struct {
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// OpenAIConfig contains settings for the vision, rubric and scoring model calls
type OpenAIConfig struct {
	BaseURL     string `yaml:"base_url" json:"base_url"`
	Model       string `yaml:"model" json:"model"`               // scoring and rubric structuring
	VisionModel string `yaml:"vision_model" json:"vision_model"` // region detection
}

// PipelineConfig controls orchestration behaviour
type PipelineConfig struct {
	MaxConcurrency      int               `yaml:"max_concurrency" json:"max_concurrency"`
	StageTimeoutSeconds int               `yaml:"stage_timeout_seconds" json:"stage_timeout_seconds"`
	StageTimeouts       map[StageName]int `yaml:"stage_timeouts" json:"stage_timeouts,omitempty"` // per-stage override, seconds
	StageWeights        map[StageName]int `yaml:"stage_weights" json:"stage_weights"`
	IoUThreshold        float64           `yaml:"iou_threshold" json:"iou_threshold"`
	GradeBands          []GradeBand       `yaml:"grade_bands" json:"grade_bands"`
	ImageConcurrency    int               `yaml:"image_concurrency" json:"image_concurrency"` // parallel external calls inside a stage
	// Minutes a finished task stays queryable in memory; 0 keeps it forever
	TaskRetentionMin    int               `yaml:"task_retention_minutes" json:"task_retention_minutes"`
}

// GradeBand maps a minimum percentage to a grade label
type GradeBand struct {
	MinPercentage float64 `yaml:"min_percentage" json:"min_percentage" mapstructure:"min_percentage"`
	Label         string  `yaml:"label" json:"label" mapstructure:"label"`
}

// ValidationConfig controls input file checks
type ValidationConfig struct {
	MaxFileSizeMB int `yaml:"max_file_size_mb" json:"max_file_size_mb"`
}

// RetryConfig controls retry behavior for transient errors
type RetryConfig struct {
	MaxAttempts      int                         `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoffMs int64                       `yaml:"initial_backoff_ms" json:"initial_backoff_ms"`
	MaxBackoffMs     int64                       `yaml:"max_backoff_ms" json:"max_backoff_ms"`
	Jitter           float64                     `yaml:"jitter" json:"jitter"` // 0..1 fraction of the backoff
	PerKind          map[ErrorKind]RetryOverride `yaml:"per_kind" json:"per_kind,omitempty"`
}

// RetryOverride replaces retry parameters for one error kind. Zero fields inherit.
type RetryOverride struct {
	MaxAttempts      int   `yaml:"max_attempts" json:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int64 `yaml:"initial_backoff_ms" json:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int64 `yaml:"max_backoff_ms" json:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// CacheConfig controls the result cache
type CacheConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	Capacity   int  `yaml:"capacity" json:"capacity"`
	TTLMinutes int  `yaml:"ttl_minutes" json:"ttl_minutes"`
}

// StorageConfig selects where grading results are persisted
type StorageConfig struct {
	Driver     string `yaml:"driver" json:"driver"` // "file" | "sqlite"
	Dir        string `yaml:"dir" json:"dir"`
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
}

const (
	StorageDriverFile   = "file"
	StorageDriverSQLite = "sqlite"
)

// DefaultStageWeights allocates progress per stage; the values sum to 100
func DefaultStageWeights() map[StageName]int {
	return map[StageName]int{
		StageValidate:        5,
		StageEnhance:         10,
		StageLocateRegions:   15,
		StageIngestDocument:  10,
		StageInterpretRubric: 15,
		StageScore:           35,
		StageAssembleResult:  10,
	}
}

// DefaultGradeBands returns the A/B/C/D percentage bands
func DefaultGradeBands() []GradeBand {
	return []GradeBand{
		{MinPercentage: 90, Label: "A"},
		{MinPercentage: 75, Label: "B"},
		{MinPercentage: 60, Label: "C"},
		{MinPercentage: 0, Label: "D"},
	}
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() ProjectConfig {
	return ProjectConfig{
		Services: ServiceConfig{
			Enhancement: EnhancementConfig{
				URL:            "",
				TimeoutSeconds: 30,
			},
			OpenAI: OpenAIConfig{
				BaseURL:     "",
				Model:       "gpt-4o",
				VisionModel: "gpt-4o",
			},
		},
		Pipeline: PipelineConfig{
			MaxConcurrency:      4,
			StageTimeoutSeconds: 120,
			StageWeights:        DefaultStageWeights(),
			IoUThreshold:        0.5,
			GradeBands:          DefaultGradeBands(),
			ImageConcurrency:    4,
			TaskRetentionMin:    60,
		},
		Validation: ValidationConfig{
			MaxFileSizeMB: 20,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialBackoffMs: 500,
			MaxBackoffMs:     10000,
			Jitter:           0.2,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Capacity:   256,
			TTLMinutes: 60,
		},
		Storage: StorageConfig{
			Driver:     StorageDriverFile,
			Dir:        "./results",
			SQLitePath: "./results/gradeflow.db",
		},
		WorkDir:  "./work",
		LogLevel: "info",
	}
}

// Validate checks if the configuration has valid values
func (c *ProjectConfig) Validate() error {
	if c.Services.Enhancement.URL != "" {
		if _, err := url.ParseRequestURI(c.Services.Enhancement.URL); err != nil {
			return fmt.Errorf("invalid enhancement url: %w", err)
		}
	}
	if c.Services.OpenAI.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Services.OpenAI.BaseURL); err != nil {
			return fmt.Errorf("invalid openai base_url: %w", err)
		}
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if c.Validation.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max_file_size_mb must be > 0, got %d", c.Validation.MaxFileSizeMB)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxBackoffMs < c.Retry.InitialBackoffMs {
		return fmt.Errorf("retry.max_backoff_ms (%d) must be >= initial_backoff_ms (%d)",
			c.Retry.MaxBackoffMs, c.Retry.InitialBackoffMs)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0,1], got %v", c.Retry.Jitter)
	}
	for kind := range c.Retry.PerKind {
		if !IsValidErrorKind(kind) {
			return fmt.Errorf("retry.per_kind: unknown error kind %s", kind)
		}
	}
	if c.Cache.Enabled && (c.Cache.Capacity <= 0 || c.Cache.TTLMinutes <= 0) {
		return fmt.Errorf("cache capacity and ttl_minutes must be > 0 when cache is enabled")
	}
	switch c.Storage.Driver {
	case StorageDriverFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file driver")
		}
	case StorageDriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// Validate checks stage weights, timeouts and grade bands
func (c *PipelineConfig) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be > 0, got %d", c.MaxConcurrency)
	}
	if c.StageTimeoutSeconds <= 0 {
		return fmt.Errorf("stage_timeout_seconds must be > 0, got %d", c.StageTimeoutSeconds)
	}
	for stage, seconds := range c.StageTimeouts {
		if !IsValidStageName(stage) {
			return fmt.Errorf("stage_timeouts: unknown stage %s", stage)
		}
		if seconds <= 0 {
			return fmt.Errorf("stage_timeouts.%s must be > 0, got %d", stage, seconds)
		}
	}
	if err := ValidateStageWeights(c.StageWeights); err != nil {
		return err
	}
	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be within (0,1], got %v", c.IoUThreshold)
	}
	if len(c.GradeBands) == 0 {
		return fmt.Errorf("at least one grade band is required")
	}
	if c.ImageConcurrency <= 0 {
		return fmt.Errorf("image_concurrency must be > 0, got %d", c.ImageConcurrency)
	}
	if c.TaskRetentionMin < 0 {
		return fmt.Errorf("task_retention_minutes must be >= 0, got %d", c.TaskRetentionMin)
	}
	return nil
}

// ValidateStageWeights requires a weight for every stage and a total of exactly 100
func ValidateStageWeights(weights map[StageName]int) error {
	total := 0
	for _, stage := range PipelineOrder {
		w, ok := weights[stage]
		if !ok {
			return fmt.Errorf("stage_weights: missing weight for %s", stage)
		}
		if w < 0 {
			return fmt.Errorf("stage_weights: negative weight for %s", stage)
		}
		total += w
	}
	if len(weights) != len(PipelineOrder) {
		return fmt.Errorf("stage_weights: expected %d stages, got %d", len(PipelineOrder), len(weights))
	}
	if total != 100 {
		return fmt.Errorf("stage_weights must sum to 100, got %d", total)
	}
	return nil
}

// TaskRetention is how long finished tasks stay queryable in memory
func (c *PipelineConfig) TaskRetention() time.Duration {
	return time.Duration(c.TaskRetentionMin) * time.Minute
}

// StageTimeout returns the timeout for a stage, honoring per-stage overrides
func (c *PipelineConfig) StageTimeout(stage StageName) time.Duration {
	if seconds, ok := c.StageTimeouts[stage]; ok && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

// SortedGradeBands returns bands ordered from highest threshold to lowest
func SortedGradeBands(bands []GradeBand) []GradeBand {
	sorted := make([]GradeBand, len(bands))
	copy(sorted, bands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinPercentage > sorted[j].MinPercentage
	})
	return sorted
}

// GradeFor derives the grade label for a percentage from the given bands
func GradeFor(percentage float64, bands []GradeBand) string {
	sorted := SortedGradeBands(bands)
	for _, band := range sorted {
		if percentage >= band.MinPercentage {
			return band.Label
		}
	}
	if len(sorted) == 0 {
		return ""
	}
	return sorted[len(sorted)-1].Label
}

// MaxFileSizeBytes returns the configured per-file limit in bytes
func (c *ValidationConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}
