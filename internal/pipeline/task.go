package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/trobanga/gradeflow/internal/models"
)

// GetTaskSummary returns a human-readable summary of the task
func GetTaskSummary(state models.PipelineState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task %s\n", state.TaskID)
	if state.BatchID != "" {
		fmt.Fprintf(&b, "Batch: %s\n", state.BatchID)
	}
	fmt.Fprintf(&b, "Status: %s\n", state.Status)
	if state.CurrentStage != "" {
		fmt.Fprintf(&b, "Current Stage: %s\n", state.CurrentStage)
	}
	fmt.Fprintf(&b, "Progress: %d%%\n", state.Progress)
	fmt.Fprintf(&b, "Answers: %d\n", len(state.Inputs.Answers))
	fmt.Fprintf(&b, "Duration: %v\n", TaskDuration(state).Round(time.Millisecond))

	if len(state.Skipped) > 0 {
		names := make([]string, len(state.Skipped))
		for i, s := range state.Skipped {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, "Skipped: %s\n", strings.Join(names, ", "))
	}
	if state.CacheHit {
		b.WriteString("Cache: hit\n")
	}
	if res := state.Artifacts.Result; res != nil {
		fmt.Fprintf(&b, "Score: %.1f/%.1f (%.1f%%, %s)\n",
			res.Scores.TotalScore, res.Scores.MaxScore, res.Scores.Percentage, res.Scores.GradeLevel)
	}
	if state.Error != nil {
		fmt.Fprintf(&b, "Error: [%s] %s: %s\n", state.Error.Kind, state.Error.Stage, state.Error.Message)
	}

	return b.String()
}

// TaskDuration is the time between start and finish, or until now while running
func TaskDuration(state models.PipelineState) time.Duration {
	if state.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if state.FinishedAt != nil {
		end = *state.FinishedAt
	}
	return end.Sub(*state.StartedAt)
}

// CountStages returns how many stages have completed and how many were skipped
func CountStages(state models.PipelineState) (completed, skipped int) {
	for _, e := range state.Events {
		switch e.Kind {
		case models.EventStageCompleted:
			completed++
		case models.EventStageSkipped:
			skipped++
		}
	}
	return completed, skipped
}

func sortByCreatedDesc(states []models.PipelineState) {
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].CreatedAt.After(states[j].CreatedAt)
	})
}
