package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/services"
)

var resultJSON bool

// resultCmd represents the result command group
var resultCmd = &cobra.Command{
	Use:   "result",
	Short: "Inspect stored grading results",
	Long:  `Commands for inspecting results stored by earlier runs.`,
}

// resultShowCmd shows one result
var resultShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a stored result",
	Args:  cobra.ExactArgs(1),
	RunE:  runResultShow,
}

// resultListCmd lists all stored results
var resultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored results",
	Long: `List stored grading results, newest first.

Example:
  gradeflow result list
  gradeflow result list --json`,
	RunE: runResultList,
}

func init() {
	rootCmd.AddCommand(resultCmd)
	resultCmd.AddCommand(resultShowCmd)
	resultCmd.AddCommand(resultListCmd)

	resultShowCmd.Flags().BoolVar(&resultJSON, "json", false, "print the result as JSON")
	resultListCmd.Flags().BoolVar(&resultJSON, "json", false, "print results as JSON")
}

func runResultShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.store.Load(cmd.Context(), args[0])
	if errors.Is(err, services.ErrResultNotFound) {
		return fmt.Errorf("no result for task %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to load result: %w", err)
	}

	if resultJSON {
		return printJSON(result)
	}

	fmt.Printf("Task %s\n", result.TaskID)
	fmt.Printf("Task Type: %s\n", result.Config.TaskType)
	fmt.Printf("Strictness: %s\n", result.Config.Strictness)
	fmt.Printf("Pages: %d\n", result.TotalPages)
	fmt.Printf("Completed: %s (%s)\n",
		result.CompletedAt.Local().Format(time.DateTime),
		formatDuration(result.CompletedAt.Sub(result.StartedAt)))
	fmt.Printf("Score: %.1f/%.1f (%.1f%%, %s)\n",
		result.Scores.TotalScore, result.Scores.MaxScore, result.Scores.Percentage, result.Scores.GradeLevel)
	printScoreDetails(result.Scores)
	return nil
}

func runResultList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}

	if resultJSON {
		return printJSON(results)
	}

	if len(results) == 0 {
		fmt.Println("No results found")
		return nil
	}

	fmt.Printf("%-38s %-12s %-14s %-8s %s\n", "TASK ID", "TYPE", "SCORE", "GRADE", "AGE")
	fmt.Println(strings.Repeat("-", 90))

	for _, r := range results {
		age := time.Since(r.CompletedAt)
		fmt.Printf("%-38s %-12s %-14s %-8s %s\n",
			r.TaskID,
			truncate(r.Config.TaskType, 12),
			fmt.Sprintf("%.1f/%.1f", r.Scores.TotalScore, r.Scores.MaxScore),
			r.Scores.GradeLevel,
			formatDuration(age),
		)
	}

	fmt.Printf("\nTotal: %d results\n", len(results))
	return nil
}

func statusSymbol(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusCompleted:
		return "✓"
	case models.TaskStatusFailed:
		return "✗"
	case models.TaskStatusCancelled:
		return "⊘"
	case models.TaskStatusRunning:
		return "⋯"
	default:
		return "○"
	}
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// formatDuration formats a duration in human-readable form
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
