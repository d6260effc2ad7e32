package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/trobanga/gradeflow/internal/models"
)

func newBar(total int64, description string, writer io.Writer, showCount bool) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100 * time.Millisecond),
		progressbar.OptionSetWriter(writer),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionEnableColorCodes(false), // Disable colors for better compatibility
	}
	if showCount {
		opts = append(opts, progressbar.OptionShowCount())
	}
	return progressbar.NewOptions64(total, opts...)
}

// TaskProgress renders one task's progress (0-100) from its event stream
type TaskProgress struct {
	bar       *progressbar.ProgressBar
	label     string
	progress  int
	stage     models.StageName
	retries   int
	warnings  int
	startTime time.Time
}

// NewTaskProgress creates a task progress bar on stderr
func NewTaskProgress(label string) *TaskProgress {
	return NewTaskProgressWithWriter(label, os.Stderr)
}

// NewTaskProgressWithWriter creates a task progress bar that writes to a specific writer
func NewTaskProgressWithWriter(label string, writer io.Writer) *TaskProgress {
	return &TaskProgress{
		bar:       newBar(100, label, writer, false),
		label:     label,
		startTime: time.Now(),
	}
}

// Observe advances the bar to the event's progress and names the running stage.
// Progress never moves backwards.
func (p *TaskProgress) Observe(e models.Event) error {
	switch e.Kind {
	case models.EventStageStarted:
		p.stage = e.Stage
	case models.EventStageRetry:
		p.retries++
	case models.EventWarning:
		p.warnings++
	}
	p.bar.Describe(p.describe(e))

	if e.Progress <= p.progress {
		return nil
	}
	p.progress = e.Progress
	return p.bar.Set(e.Progress)
}

func (p *TaskProgress) describe(e models.Event) string {
	switch {
	case e.Kind == models.EventCacheHit:
		return fmt.Sprintf("%s [cached]", p.label)
	case e.IsTerminal():
		return fmt.Sprintf("%s [%s]", p.label, e.Kind)
	case p.stage != "" && p.retries > 0:
		return fmt.Sprintf("%s [%s, %d retries]", p.label, p.stage, p.retries)
	case p.stage != "":
		return fmt.Sprintf("%s [%s]", p.label, p.stage)
	default:
		return p.label
	}
}

// Progress returns the last rendered progress value
func (p *TaskProgress) Progress() int {
	return p.progress
}

// Retries returns how many stage retries were observed
func (p *TaskProgress) Retries() int {
	return p.retries
}

// Warnings returns how many warnings were observed
func (p *TaskProgress) Warnings() int {
	return p.warnings
}

// Finish completes the progress bar
func (p *TaskProgress) Finish() error {
	return p.bar.Finish()
}

// Clear clears the progress bar from the terminal
func (p *TaskProgress) Clear() error {
	return p.bar.Clear()
}

// GetElapsedTime returns time elapsed since the bar was created
func (p *TaskProgress) GetElapsedTime() time.Duration {
	return time.Since(p.startTime)
}

// BatchProgress counts finished tasks of a batch and shows an ETA
type BatchProgress struct {
	bar      *progressbar.ProgressBar
	eta      *ETACalculator
	total    int64
	finished int64
	failed   int64
}

// NewBatchProgress creates a batch progress bar on stderr
func NewBatchProgress(total int) *BatchProgress {
	return NewBatchProgressWithWriter(total, os.Stderr)
}

// NewBatchProgressWithWriter creates a batch progress bar that writes to a specific writer
func NewBatchProgressWithWriter(total int, writer io.Writer) *BatchProgress {
	b := &BatchProgress{
		bar:   newBar(int64(total), "Grading", writer, true),
		eta:   NewETACalculator(),
		total: int64(total),
	}
	b.eta.RecordProgress(0)
	return b
}

// TaskFinished records one terminal task
func (b *BatchProgress) TaskFinished(status models.TaskStatus) error {
	b.finished++
	if status != models.TaskStatusCompleted {
		b.failed++
	}
	b.eta.RecordProgress(b.finished)

	desc := "Grading"
	if b.failed > 0 {
		desc = fmt.Sprintf("Grading (%d failed)", b.failed)
	}
	if eta, ok := b.eta.CalculateETA(b.total, b.finished); ok && b.finished < b.total {
		desc += " ETA " + FormatETA(eta)
	}
	b.bar.Describe(desc)
	return b.bar.Set64(b.finished)
}

// GetPercentage returns current completion percentage (0-100)
func (b *BatchProgress) GetPercentage() float64 {
	if b.total == 0 {
		return 0
	}
	return (float64(b.finished) / float64(b.total)) * 100
}

// Finish completes the progress bar
func (b *BatchProgress) Finish() error {
	return b.bar.Finish()
}
