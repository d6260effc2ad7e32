/*
Copyright © 2025 Gradeflow Contributors

Gradeflow is a CLI for multi-stage AI grading of scanned exam answers.
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trobanga/gradeflow/internal/lib"
	"github.com/trobanga/gradeflow/internal/models"
	"github.com/trobanga/gradeflow/internal/pipeline"
	"github.com/trobanga/gradeflow/internal/services"
)

var (
	// Global flags
	cfgFile  string
	envFiles []string
	verbose  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gradeflow",
	Short: "Gradeflow - AI grading pipeline CLI",
	Long: `Gradeflow grades scanned exam answers against a rubric.

Every task runs through the same stages:
  - Validate inputs
  - Enhance scans (when an enhancement service is configured)
  - Locate question and answer regions
  - Ingest document structure
  - Interpret the rubric (or synthesize a default one)
  - Score with the configured model
  - Assemble and store the result

Credentials are read from the environment or a .env file:
  OPENAI_API_KEY                  region detection, rubric parsing, scoring
  GRADEFLOW_ENHANCEMENT_API_KEY   image enhancement service

Example:
  gradeflow grade run --answer scan.png --rubric rubric.yaml --max-score 100
  gradeflow grade batch class-3b.yaml
  gradeflow result list
  gradeflow serve --addr :8080`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gradeflow.yaml, ~/.config/gradeflow/gradeflow.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files with credentials (default: ./.env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	// Add version template
	rootCmd.SetVersionTemplate("Gradeflow version {{.Version}}\n")
}

// app bundles what every command needs: configuration, logger and result store
type app struct {
	config *models.ProjectConfig
	logger *lib.Logger
	creds  *services.EnvCredentials
	store  services.ResultStore
}

// newApp loads .env files and configuration, then opens the result store.
// bindings maps command flags onto configuration keys.
func newApp(cmd *cobra.Command, bindings map[string]string) (*app, error) {
	if err := services.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	v := services.NewViper()
	if len(bindings) > 0 {
		if err := services.BindFlags(v, cmd.Flags(), bindings); err != nil {
			return nil, err
		}
	}
	config, err := services.LoadConfig(v, cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := lib.ParseLogLevel(config.LogLevel)
	if verbose {
		logLevel = lib.LogLevelDebug
	}
	logger := lib.NewLogger(logLevel)

	store, err := services.OpenResultStore(config.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}

	return &app{
		config: config,
		logger: logger,
		creds:  services.NewEnvCredentials(),
		store:  store,
	}, nil
}

// newRunner wires the collaborators and builds a runner
func (a *app) newRunner() (*pipeline.Runner, error) {
	deps := services.NewDependencies(*a.config, a.creds, a.store, a.logger)
	orch, err := services.NewOrchestrator(*a.config, deps, a.logger)
	if err != nil {
		return nil, err
	}
	return pipeline.NewRunner(orch, a.config.Pipeline.MaxConcurrency, a.logger,
		pipeline.WithTaskRetention(a.config.Pipeline.TaskRetention())), nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close result store", "error", err)
	}
	a.logger.Sync()
}
