//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/helixir/research-tracker/internal/config"
	"github.com/helixir/research-tracker/internal/domain"
)

// startPostgres runs a throwaway PostgreSQL container and opens a migrated store on it.
func startPostgres(t *testing.T) PaperStore {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("tracker_test"),
		postgres.WithUsername("tracker"),
		postgres.WithPassword("tracker"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, dsn, &config.DatabaseConfig{
		MaxConns:         4,
		MinConns:         1,
		ConnectTimeout:   10 * time.Second,
		MigrationAutoRun: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPgPaperStore_Integration(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	stored, err := store.Insert(ctx, newRecord(domain.SourceArXiv, "2401.00001v2", "Quantum Speedup", 5, base))
	require.NoError(t, err)
	assert.Positive(t, stored.ID)

	_, err = store.Insert(ctx, newRecord(domain.SourceArXiv, "2401.00001", "Quantum Speedup", 5, base))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := store.GetByExternalID(ctx, domain.SourceArXiv, "arXiv:2401.00001v9")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, []string{"Grace Hopper", "Edsger Dijkstra"}, got.Authors)
	require.NotNil(t, got.PublicationDate)
	assert.Equal(t, "2024-02-29", got.PublicationDate.Format("2006-01-02"))

	byTitle, err := store.GetByNormalizedTitle(ctx, "quantum  SPEEDUP")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, byTitle.ID)

	created, err := store.EnsureUniqueIndex(ctx)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, store.MarkProcessed(ctx, stored.ID, "摘要", "robotics", "insight"))
	pending, err := store.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = store.WithinTx(ctx, func(tx PaperStore) error {
		return tx.Delete(ctx, stored.ID)
	})
	require.NoError(t, err)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
