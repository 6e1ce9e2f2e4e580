package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/observability"
	"github.com/helixir/research-tracker/internal/papersources/papersourcestest"
	"github.com/helixir/research-tracker/internal/repository"
)

var day0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, store repository.PaperStore, papers ...*domain.PaperRecord) []*domain.PaperRecord {
	t.Helper()
	out := make([]*domain.PaperRecord, 0, len(papers))
	for _, p := range papers {
		stored, err := store.Insert(context.Background(), p)
		require.NoError(t, err)
		out = append(out, stored)
	}
	return out
}

type brokenIndexStore struct {
	repository.PaperStore
}

func (brokenIndexStore) EnsureUniqueIndex(context.Context) (bool, error) {
	return false, errors.New("could not create unique index: permission denied")
}

type unavailableStore struct {
	repository.PaperStore
}

func (unavailableStore) ListAll(context.Context) ([]*domain.PaperRecord, error) {
	return nil, domain.NewStoreUnavailableError("postgres", errors.New("connection refused"))
}

// failingDeleteStore lets the first allowed deletes through and then fails.
type failingDeleteStore struct {
	repository.PaperStore
	allowed int
}

func (s *failingDeleteStore) Delete(ctx context.Context, id int64) error {
	if s.allowed == 0 {
		return domain.NewStoreUnavailableError("postgres", errors.New("connection reset"))
	}
	s.allowed--
	return s.PaperStore.Delete(ctx, id)
}

func TestRun_KeepsLatestFetchedRegardlessOfOrder(t *testing.T) {
	tests := []struct {
		name  string
		older bool // insert the older copy first
	}{
		{name: "older first", older: true},
		{name: "newer first", older: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := repository.NewMemPaperStore(false)

			old := papersourcestest.Record(domain.SourceArXiv, "2401.00001v1", "Title", 1, day0)
			fresh := papersourcestest.Record(domain.SourceArXiv, "2401.00001v2", "Title", 2, day0.Add(24*time.Hour))
			if tt.older {
				seed(t, store, old, fresh)
			} else {
				seed(t, store, fresh, old)
			}

			summary, err := New(store, zerolog.Nop()).Run(ctx)
			require.NoError(t, err)

			assert.Equal(t, 1, summary.RemovedByID)
			assert.Equal(t, 0, summary.RemovedByTitle)
			assert.Equal(t, int64(1), summary.TotalAfter)
			assert.True(t, summary.IndexCreated)
			assert.Equal(t, IndexCreated, summary.IndexStatus)

			rows, err := store.ListAll(ctx)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, day0.Add(24*time.Hour), rows[0].FetchedAt)
			assert.Equal(t, 2, rows[0].CitationCount)
		})
	}
}

func TestRun_TieKeepsLargerID(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemPaperStore(false)
	stored := seed(t, store,
		papersourcestest.Record(domain.SourceOpenCatalog, "W1", "Same", 0, day0),
		papersourcestest.Record(domain.SourceOpenCatalog, "W1", "Same", 0, day0),
	)

	summary, err := New(store, zerolog.Nop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RemovedByID)

	rows, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stored[1].ID, rows[0].ID)
}

func TestRun_TitlePassAcrossSources(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemPaperStore(false)
	seed(t, store,
		papersourcestest.Record(domain.SourceArXiv, "2401.00001", "Quantum Speedup", 3, day0),
		papersourcestest.Record(domain.SourceCitationGraph, "abc111", "quantum  speedup", 9, day0.Add(time.Hour)),
		papersourcestest.Record(domain.SourceOpenCatalog, "W2", "Unrelated", 0, day0),
	)

	summary, err := New(store, zerolog.Nop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.RemovedByID)
	assert.Equal(t, 1, summary.RemovedByTitle)
	assert.Equal(t, int64(2), summary.TotalAfter)

	_, err = store.GetByExternalID(ctx, domain.SourceCitationGraph, "abc111")
	assert.NoError(t, err)
	_, err = store.GetByExternalID(ctx, domain.SourceArXiv, "2401.00001")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRun_IndexAlreadyPresent(t *testing.T) {
	store := repository.NewMemPaperStore(true)
	seed(t, store, papersourcestest.Record(domain.SourceArXiv, "2401.00001", "A", 0, day0))

	summary, err := New(store, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.IndexCreated)
	assert.Equal(t, IndexPresent, summary.IndexStatus)
	assert.Empty(t, summary.IndexError)
}

func TestRun_IndexFailureIsReportedNotReturned(t *testing.T) {
	inner := repository.NewMemPaperStore(false)
	seed(t, inner,
		papersourcestest.Record(domain.SourceArXiv, "2401.00001", "A", 0, day0),
		papersourcestest.Record(domain.SourceArXiv, "2401.00001", "A", 0, day0.Add(time.Hour)),
	)

	summary, err := New(brokenIndexStore{inner}, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, summary.IndexCreated)
	assert.Equal(t, IndexFailed, summary.IndexStatus)
	assert.Contains(t, summary.IndexError, "permission denied")
	assert.Equal(t, 1, summary.RemovedByID)
	assert.Equal(t, int64(1), summary.TotalAfter)
}

func TestRun_DryRun(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemPaperStore(false)
	seed(t, store,
		papersourcestest.Record(domain.SourceArXiv, "2401.00001", "A", 0, day0),
		papersourcestest.Record(domain.SourceArXiv, "2401.00001", "A", 0, day0.Add(time.Hour)),
		papersourcestest.Record(domain.SourceOpenCatalog, "W9", "a", 0, day0),
	)

	summary, err := New(store, zerolog.Nop(), WithDryRun(true)).Run(ctx)
	require.NoError(t, err)

	assert.True(t, summary.DryRun)
	assert.Equal(t, 1, summary.RemovedByID)
	assert.Equal(t, 1, summary.RemovedByTitle)
	assert.Equal(t, IndexSkipped, summary.IndexStatus)
	assert.Equal(t, int64(1), summary.TotalAfter)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	_, err = store.EnsureUniqueIndex(ctx)
	assert.Error(t, err, "dry run must not have removed the duplicates")
}

func TestRun_StoreUnavailable(t *testing.T) {
	_, err := New(unavailableStore{repository.NewMemPaperStore(true)}, zerolog.Nop()).Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestRun_DeleteFailureReturnsPartialSummary(t *testing.T) {
	ctx := context.Background()
	inner := repository.NewMemPaperStore(false)
	seed(t, inner,
		papersourcestest.Record(domain.SourceOpenCatalog, "W1", "Same", 0, day0),
		papersourcestest.Record(domain.SourceOpenCatalog, "W1", "Same", 0, day0.Add(time.Hour)),
		papersourcestest.Record(domain.SourceOpenCatalog, "W1", "Same", 0, day0.Add(2*time.Hour)),
	)

	summary, err := New(&failingDeleteStore{PaperStore: inner, allowed: 1}, zerolog.Nop()).Run(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.RemovedByID)
	assert.Equal(t, 0, summary.RemovedByTitle)

	total, err := inner.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestRun_Metrics(t *testing.T) {
	metrics := observability.NewMetricsWith("tracker", prometheus.NewRegistry())
	store := repository.NewMemPaperStore(false)
	seed(t, store,
		papersourcestest.Record(domain.SourceArXiv, "2401.00001", "A", 0, day0),
		papersourcestest.Record(domain.SourceArXiv, "2401.00001", "A", 0, day0),
	)

	_, err := New(store, zerolog.Nop(), WithMetrics(metrics)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DedupeRemoved.WithLabelValues("id")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DedupeIndexStatus.WithLabelValues(IndexCreated)))
}

func TestSummary_JSON(t *testing.T) {
	data, err := json.Marshal(Summary{RemovedByID: 2, IndexCreated: true, IndexStatus: IndexCreated, TotalAfter: 5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed_by_id":2,"removed_by_title":0,"index_created":true,"index_status":"created","total_after":5}`, string(data))
}
