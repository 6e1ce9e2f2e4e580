package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/helixir/research-tracker/internal/config"
	"github.com/helixir/research-tracker/internal/pipeline"
	"github.com/helixir/research-tracker/internal/scheduler"
	httpserver "github.com/helixir/research-tracker/internal/server/http"
	"github.com/helixir/research-tracker/internal/summarizer"
)

var serveRunOnce bool

func init() {
	serveCmd.Flags().BoolVar(&serveRunOnce, "run-once", false, "Run the daily job once and exit")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daily schedule and the HTTP API",
	Long: `Serve runs the fetch job every day at scheduler.time in scheduler.timezone,
followed by summarization when the summarizer is enabled, and serves the
HTTP API (health, readiness, metrics and paper listings) until interrupted.

With --run-once the job runs immediately, its fetch result is printed and
the command exits without starting the HTTP server.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, !serveRunOnce)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	runner, err := a.runner(ctx)
	if err != nil {
		return err
	}

	var processor *summarizer.Processor
	if a.cfg.Summarizer.Enabled {
		if processor, err = a.processor(); err != nil {
			return err
		}
	}

	clock, err := config.ParseClock(a.cfg.Scheduler.Time)
	if err != nil {
		return &configError{err: err}
	}
	loc, err := a.cfg.Scheduler.Location()
	if err != nil {
		return &configError{err: err}
	}
	sched, err := scheduler.New(scheduler.Config{
		Hour:       clock[0],
		Minute:     clock[1],
		Location:   loc,
		RunOnStart: a.cfg.Scheduler.RunOnStart,
	}, logger)
	if err != nil {
		return &configError{err: err}
	}

	var last *pipeline.Result
	job := func(ctx context.Context) error {
		result, err := runner.Fetch(ctx, a.fetchDefaults())
		last = result
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		if processor == nil {
			return nil
		}
		report, err := processor.Run(ctx, a.cfg.Summarizer.BatchLimit)
		if err != nil {
			return fmt.Errorf("process: %w", err)
		}
		logger.Info().Int("processed", report.Processed).Int("failed", report.Failed).Msg("summarization completed")
		return nil
	}

	if serveRunOnce {
		err := sched.RunOnce(ctx, job)
		if last != nil {
			if printErr := printFetchResult(cmd.OutOrStdout(), last); printErr != nil && err == nil {
				err = printErr
			}
		}
		return err
	}

	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
	}
	srv := httpserver.NewServer(httpserver.Config{
		Address:         a.cfg.Server.HTTPAddress(),
		ReadTimeout:     a.cfg.Server.ReadTimeout,
		WriteTimeout:    a.cfg.Server.WriteTimeout,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		MetricsPath:     metricsPath,
		FetchDefaults:   a.fetchDefaults(),
	}, a.store, runner, a.registry, logger)

	errCh := make(chan error, 2)

	// Start HTTP server in background.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Start the daily schedule in background.
	schedCtx, stopSched := context.WithCancel(ctx)
	defer stopSched()
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(schedCtx, job); err != nil {
			errCh <- fmt.Errorf("scheduler error: %w", err)
		}
	}()

	logger.Info().
		Str("address", a.cfg.Server.HTTPAddress()).
		Time("next_run", sched.Next()).
		Msg("tracker serving")

	// Wait for shutdown signal or server error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("server error")
	}

	// Graceful shutdown with timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	stopSched()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	select {
	case <-schedDone:
		logger.Info().Msg("scheduler stopped")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("scheduler did not stop before the shutdown timeout")
	}

	return runErr
}
