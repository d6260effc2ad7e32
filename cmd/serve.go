package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trobanga/gradeflow/internal/httpapi"
)

var serveAddr string

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the grading API over HTTP",
	Long: `Run the grading runner behind an HTTP API.

Endpoints:
  POST /v1/tasks               submit a task
  GET  /v1/tasks               list known tasks
  GET  /v1/tasks/{id}          task status
  GET  /v1/tasks/{id}/events   event stream (NDJSON)
  POST /v1/tasks/{id}/cancel   cancel a task
  POST /v1/batches             submit a batch
  GET  /v1/batches/{id}        batch status
  GET  /v1/results/{id}        stored result

Input files are referenced by path and must be readable by the server.

Example:
  gradeflow serve --addr :8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().Int("concurrency", 0, "maximum tasks running at once (overrides pipeline.max_concurrency)")
}

func runServe(cmd *cobra.Command, args []string) error {
	bindings := map[string]string{}
	if cmd.Flags().Changed("concurrency") {
		bindings["concurrency"] = "pipeline.max_concurrency"
	}
	a, err := newApp(cmd, bindings)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.newRunner()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: serveAddr,
		Handler: httpapi.Server{
			Runner:  runner,
			Results: a.store,
			Logger:  a.logger,
		}.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Listening", "addr", serveAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Runner shutdown incomplete", "error", err)
	}
	return nil
}
