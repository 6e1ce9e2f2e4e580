// Package main provides a CLI tool for PostgreSQL paper store migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/config"
	"github.com/helixir/research-tracker/internal/database"
	"github.com/helixir/research-tracker/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Define CLI flags.
	action := flag.String("action", "", "Migration action: up, down, steps, version, force")
	n := flag.Int("n", 0, "Step count for -action steps (positive=up, negative=down) or version for -action force")
	databaseURL := flag.String("database-url", "", "Override the PostgreSQL URL from configuration")
	flag.Parse()

	switch *action {
	case "up", "down", "steps", "version", "force":
	case "":
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nPlease specify -action up|down|steps|version|force")
		return fmt.Errorf("no action specified")
	default:
		return fmt.Errorf("unknown action %q", *action)
	}
	if *action == "steps" && *n == 0 {
		return fmt.Errorf("-action steps requires a non-zero -n")
	}
	if *action == "force" && *n < 0 {
		return fmt.Errorf("-action force requires -n >= 0")
	}

	// Load configuration (database settings from env/config file).
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *databaseURL != "" {
		cfg.Database.URL = *databaseURL
	}
	if !cfg.Database.IsPostgres() {
		return fmt.Errorf("migrations apply to PostgreSQL stores only; SQLite and memory stores create their schema on open")
	}

	// Set up structured logging with console output for the CLI tool.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		AddSource:  false,
		TimeFormat: time.RFC3339,
	})
	logger = logger.With().Str("component", "migrate").Logger()

	// Connect to the database.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, cfg.Database.StoreURL(), &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Create migrator over the embedded migrations.
	migrator, err := database.NewMigrator(db, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	// Execute the requested action.
	switch *action {
	case "up":
		logger.Info().Msg("running all pending migrations")
		if err := migrator.Up(); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}

	case "down":
		logger.Warn().Msg("rolling back all migrations")
		if err := migrator.Down(); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}

	case "steps":
		logger.Info().Int("steps", *n).Msg("running migration steps")
		if err := migrator.Steps(*n); err != nil {
			return fmt.Errorf("migrate steps: %w", err)
		}

	case "force":
		logger.Warn().Int("version", *n).Msg("forcing migration version")
		if err := migrator.Force(*n); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
	}

	printVersion(migrator, logger)
	return nil
}

// printVersion prints the current migration version to stdout.
func printVersion(migrator *database.Migrator, logger zerolog.Logger) {
	v, dirty, err := migrator.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine migration version")
		return
	}
	logger.Info().
		Uint("version", v).
		Bool("dirty", dirty).
		Msg("current migration version")
}
