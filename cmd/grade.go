package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/pipeline"
	"github.com/trobanga/gradeflow/internal/services"
	"github.com/trobanga/gradeflow/internal/ui"
)

var (
	gradeAnswers        []string
	gradeQuestions      []string
	gradeRubrics        []string
	gradeTaskType       string
	gradeStrictness     string
	gradeLanguage       string
	gradeTargetLanguage string
	gradeMaxScore       float64
	gradeNoProgress     bool
	gradeJSON           bool
)

// gradeCmd represents the grade command group
var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Grade scanned answers",
	Long:  `Commands for grading one task or a batch of tasks.`,
}

// gradeRunCmd grades a single task in the foreground
var gradeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Grade one answer set",
	Long: `Grade one answer set against a rubric.

Answers, questions and rubrics are given as repeatable flags and keep
their order. Without a rubric a default one is derived from the
question and the maximum score.

Example:
  gradeflow grade run --answer p1.png --answer p2.png --rubric rubric.yaml
  gradeflow grade run --answer essay.pdf --strictness strict --max-score 50`,
	RunE: runGrade,
}

// gradeBatchCmd grades every task of a manifest
var gradeBatchCmd = &cobra.Command{
	Use:   "batch <manifest.yaml>",
	Short: "Grade a batch of tasks from a manifest",
	Long: `Grade every task listed in a YAML manifest.

Tasks run concurrently up to pipeline.max_concurrency. A failing task
does not stop the others.

Example:
  gradeflow grade batch class-3b.yaml --concurrency 8`,
	Args: cobra.ExactArgs(1),
	RunE: runGradeBatch,
}

func init() {
	rootCmd.AddCommand(gradeCmd)
	gradeCmd.AddCommand(gradeRunCmd)
	gradeCmd.AddCommand(gradeBatchCmd)

	gradeRunCmd.Flags().StringArrayVar(&gradeAnswers, "answer", nil, "answer image or PDF (repeatable, required)")
	gradeRunCmd.Flags().StringArrayVar(&gradeQuestions, "question", nil, "question image or PDF (repeatable)")
	gradeRunCmd.Flags().StringArrayVar(&gradeRubrics, "rubric", nil, "rubric file: JSON, YAML, text, image or PDF (repeatable)")
	gradeRunCmd.Flags().StringVar(&gradeTaskType, "task-type", "essay", "kind of task being graded")
	gradeRunCmd.Flags().StringVar(&gradeStrictness, "strictness", "standard", "grading strictness: loose, standard or strict")
	gradeRunCmd.Flags().StringVar(&gradeLanguage, "language", "zh", "language the answers are written in")
	gradeRunCmd.Flags().StringVar(&gradeTargetLanguage, "target-language", "", "language of the feedback (default: answer language)")
	gradeRunCmd.Flags().Float64Var(&gradeMaxScore, "max-score", 100, "maximum achievable score")
	_ = gradeRunCmd.MarkFlagRequired("answer")

	for _, c := range []*cobra.Command{gradeRunCmd, gradeBatchCmd} {
		c.Flags().BoolVar(&gradeNoProgress, "no-progress", false, "disable the progress bar")
		c.Flags().BoolVar(&gradeJSON, "json", false, "print results as JSON")
		c.Flags().Int("concurrency", 0, "maximum tasks running at once (overrides pipeline.max_concurrency)")
		c.Flags().Bool("no-cache", false, "disable the result cache")
	}
}

var gradeBindings = map[string]string{
	"concurrency": "pipeline.max_concurrency",
}

func newGradeApp(cmd *cobra.Command) (*app, error) {
	bindings := map[string]string{}
	for flag, key := range gradeBindings {
		if cmd.Flags().Changed(flag) {
			bindings[flag] = key
		}
	}
	a, err := newApp(cmd, bindings)
	if err != nil {
		return nil, err
	}
	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		a.config.Cache.Enabled = false
	}
	return a, nil
}

func buildTaskConfig() (models.TaskConfig, error) {
	strictness, ok := models.ParseStrictness(gradeStrictness)
	if !ok {
		return models.TaskConfig{}, fmt.Errorf("invalid strictness %q (valid: loose, standard, strict)", gradeStrictness)
	}
	return models.TaskConfig{
		TaskType:       gradeTaskType,
		Strictness:     strictness,
		Language:       gradeLanguage,
		TargetLanguage: gradeTargetLanguage,
		MaxScore:       gradeMaxScore,
	}, nil
}

func fileRefs(paths []string) []models.FileRef {
	refs := make([]models.FileRef, 0, len(paths))
	for _, p := range paths {
		refs = append(refs, models.FileRef{Path: p})
	}
	return refs
}

// cancelOnSignal cancels the given tasks when SIGINT or SIGTERM arrives
func cancelOnSignal(runner *pipeline.Runner, taskIDs func() []string) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			fmt.Fprintln(os.Stderr, "\nCancelling...")
			for _, id := range taskIDs() {
				runner.Cancel(id)
			}
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func runGrade(cmd *cobra.Command, args []string) error {
	config, err := buildTaskConfig()
	if err != nil {
		return err
	}
	inputs := models.TaskInputs{
		Questions: fileRefs(gradeQuestions),
		Answers:   fileRefs(gradeAnswers),
		Rubrics:   fileRefs(gradeRubrics),
	}

	a, err := newGradeApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.newRunner()
	if err != nil {
		return err
	}
	defer shutdownRunner(runner)

	taskID, err := runner.SubmitTask(inputs, config)
	if err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}
	a.logger.Debug("Task submitted", "task_id", taskID)

	stop := cancelOnSignal(runner, func() []string { return []string{taskID} })
	defer stop()

	if !gradeNoProgress && !gradeJSON {
		if err := followTask(cmd.Context(), runner, taskID); err != nil {
			return err
		}
	}

	final, err := runner.WaitTask(context.Background(), taskID)
	if err != nil {
		return err
	}

	if gradeJSON {
		if err := printJSON(final); err != nil {
			return err
		}
	} else {
		fmt.Println()
		fmt.Print(pipeline.GetTaskSummary(final))
		if final.Artifacts.Result != nil {
			printScoreDetails(final.Artifacts.Result.Scores)
		}
	}

	switch final.Status {
	case models.TaskStatusFailed:
		if final.Error != nil {
			return fmt.Errorf("grading failed in %s: %s", final.Error.Stage, final.Error.Message)
		}
		return fmt.Errorf("grading failed")
	case models.TaskStatusCancelled:
		return fmt.Errorf("grading cancelled")
	}
	return nil
}

// followTask renders the task's event stream until it is terminal
func followTask(ctx context.Context, runner *pipeline.Runner, taskID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	events, err := runner.StreamEvents(ctx, taskID)
	if err != nil {
		return err
	}
	progress := ui.NewTaskProgress("Grading")
	for e := range events {
		_ = progress.Observe(e)
	}
	return progress.Finish()
}

func runGradeBatch(cmd *cobra.Command, args []string) error {
	specs, err := services.LoadBatchManifest(args[0])
	if err != nil {
		return err
	}

	a, err := newGradeApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.newRunner()
	if err != nil {
		return err
	}
	defer shutdownRunner(runner)

	batchID, err := runner.SubmitBatch(specs)
	if err != nil {
		return fmt.Errorf("failed to submit batch: %w", err)
	}
	taskIDs, err := runner.BatchTasks(batchID)
	if err != nil {
		return err
	}
	if !gradeJSON {
		fmt.Printf("Batch %s: %d tasks\n", batchID, len(taskIDs))
	}

	stop := cancelOnSignal(runner, func() []string { return taskIDs })
	defer stop()

	if !gradeNoProgress && !gradeJSON {
		trackBatch(runner, taskIDs)
	}

	result, err := runner.WaitBatch(context.Background(), batchID)
	if err != nil {
		return err
	}

	if gradeJSON {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		printBatchResult(result)
	}

	if result.Failed > 0 || result.Cancelled > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", result.Failed+result.Cancelled, result.Total)
	}
	return nil
}

// trackBatch advances a batch progress bar as tasks finish, in completion order
func trackBatch(runner *pipeline.Runner, taskIDs []string) {
	progress := ui.NewBatchProgress(len(taskIDs))
	finished := make(chan models.TaskStatus, len(taskIDs))
	for _, id := range taskIDs {
		go func() {
			state, err := runner.WaitTask(context.Background(), id)
			if err != nil {
				finished <- models.TaskStatusFailed
				return
			}
			finished <- state.Status
		}()
	}
	for range taskIDs {
		_ = progress.TaskFinished(<-finished)
	}
	_ = progress.Finish()
	fmt.Println()
}

func printBatchResult(result pipeline.BatchResult) {
	fmt.Printf("\nBatch %s\n\n", result.BatchID)
	fmt.Printf("%-38s %-12s %-14s %s\n", "TASK ID", "STATUS", "SCORE", "GRADE / ERROR")
	fmt.Println(strings.Repeat("-", 90))
	for _, tr := range result.Results {
		score, detail := "-", ""
		if tr.Result != nil {
			score = fmt.Sprintf("%.1f/%.1f", tr.Result.Scores.TotalScore, tr.Result.Scores.MaxScore)
			detail = tr.Result.Scores.GradeLevel
		}
		if tr.Error != nil {
			detail = fmt.Sprintf("[%s] %s", tr.Error.Kind, tr.Error.Message)
		}
		fmt.Printf("%-38s %s %-10s %-14s %s\n", tr.TaskID, statusSymbol(tr.Status), tr.Status, score, detail)
	}
	fmt.Printf("\nTotal: %d  Succeeded: %d  Failed: %d  Cancelled: %d\n",
		result.Total, result.Succeeded, result.Failed, result.Cancelled)
}

func printScoreDetails(scores models.ScoreResult) {
	if len(scores.CriterionScores) > 0 {
		fmt.Println("\nCriteria:")
		for _, c := range scores.CriterionScores {
			fmt.Printf("  %-20s %5.1f/%-5.1f %s\n", c.CriterionID, c.Score, c.MaxScore, c.Feedback)
		}
	}
	if len(scores.Strengths) > 0 {
		fmt.Println("\nStrengths:")
		for _, s := range scores.Strengths {
			fmt.Printf("  + %s\n", s)
		}
	}
	if len(scores.Suggestions) > 0 {
		fmt.Println("\nSuggestions:")
		for _, s := range scores.Suggestions {
			fmt.Printf("  - %s\n", s)
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shutdownRunner(runner *pipeline.Runner) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = runner.Shutdown(ctx)
}
