package database

import (
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMigrator_Validation(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("fails with nil database", func(t *testing.T) {
		migrator, err := NewMigrator(nil, logger)
		assert.Error(t, err)
		assert.Nil(t, migrator)
		assert.Contains(t, err.Error(), "database is required")
	})

	t.Run("fails with nil pool", func(t *testing.T) {
		migrator, err := NewMigrator(&DB{}, logger)
		assert.Error(t, err)
		assert.Nil(t, migrator)
		assert.Contains(t, err.Error(), "database pool not initialized")
	})
}

func TestNewMigratorFS_BadSource(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	migrator, err := NewMigratorFS(db, fstest.MapFS{}, "missing", zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, migrator)
	assert.Contains(t, err.Error(), "failed to open migrations source")
}

func TestMigrator_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	migrator, err := NewMigrator(db, zerolog.Nop())
	require.NoError(t, err)
	defer migrator.Close()

	require.NoError(t, migrator.Up())

	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.GreaterOrEqual(t, version, uint(1))

	// A second Up is a no-op.
	require.NoError(t, migrator.Up())

	// Stepping past the newest migration is not an error.
	require.NoError(t, migrator.Steps(1))
}
