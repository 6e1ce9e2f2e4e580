package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/config"
	"github.com/helixir/research-tracker/internal/database"
	"github.com/helixir/research-tracker/internal/domain"
)

// Open connects to the store named by url:
//
//	memory://                    in-process store, lost on exit
//	postgres://... postgresql:// PostgreSQL, migrated on open when configured
//	sqlite://path, file:path     SQLite file
//	path ending in .db/.sqlite   SQLite file
func Open(ctx context.Context, url string, cfg *config.DatabaseConfig, logger zerolog.Logger) (PaperStore, error) {
	if cfg == nil {
		cfg = &config.DatabaseConfig{}
	}
	url = strings.TrimSpace(url)

	switch {
	case url == "memory://" || url == "memory:":
		return NewMemPaperStore(true), nil

	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return openPostgres(ctx, url, cfg, logger)

	case strings.HasPrefix(url, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(url, "sqlite://"), logger)

	case strings.HasPrefix(url, "file:"):
		return OpenSQLite(ctx, strings.TrimPrefix(url, "file:"), logger)

	case strings.HasSuffix(url, ".db") || strings.HasSuffix(url, ".sqlite") || strings.HasSuffix(url, ".sqlite3"):
		return OpenSQLite(ctx, url, logger)
	}

	return nil, domain.NewValidationError("database.url", fmt.Sprintf("unsupported store url %q", url))
}

func openPostgres(ctx context.Context, url string, cfg *config.DatabaseConfig, logger zerolog.Logger) (PaperStore, error) {
	db, err := database.New(ctx, url, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.MigrationAutoRun {
		migrator, err := database.NewMigrator(db, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create migrator: %w", err)
		}
		err = migrator.Up()
		_ = migrator.Close()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return NewPgPaperStore(db, logger, db.Close), nil
}
