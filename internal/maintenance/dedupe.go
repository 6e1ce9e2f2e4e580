// Package maintenance repairs a paper store that accumulated duplicates before
// the (source, external_id) unique index existed.
//
// The job runs two passes over the stored rows. The first groups rows by
// source and normalized external id, the second groups the survivors by
// normalized title. Within a group the row with the latest fetched_at is
// kept, ties going to the larger ID, and the rest are deleted. The unique
// index is then ensured; failing to create it is reported in the summary
// rather than returned as an error.
//
// Running the job while an intake run is writing is an accepted race: a row
// inserted after ListAll is simply left for the next run.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/observability"
	"github.com/helixir/research-tracker/internal/repository"
)

// Unique index outcomes reported in Summary.IndexStatus.
const (
	IndexCreated = "created"
	IndexPresent = "present"
	IndexFailed  = "failed"
	IndexSkipped = "skipped"
)

// Summary is the result of one dedupe run.
type Summary struct {
	RemovedByID    int    `json:"removed_by_id"`
	RemovedByTitle int    `json:"removed_by_title"`
	IndexCreated   bool   `json:"index_created"`
	IndexStatus    string `json:"index_status"`
	IndexError     string `json:"index_error,omitempty"`
	TotalAfter     int64  `json:"total_after"`
	DryRun         bool   `json:"dry_run,omitempty"`
}

// Option configures a Job.
type Option func(*Job)

// WithDryRun reports what would be removed without deleting anything or
// touching the index.
func WithDryRun(dryRun bool) Option {
	return func(j *Job) { j.dryRun = dryRun }
}

// WithMetrics records run outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(j *Job) { j.metrics = m }
}

// Job deduplicates a paper store.
type Job struct {
	store   repository.PaperStore
	dryRun  bool
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New creates a Job.
func New(store repository.PaperStore, logger zerolog.Logger, opts ...Option) *Job {
	j := &Job{
		store:  store,
		logger: logger.With().Str("component", "dedupe").Logger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run executes the dedupe passes. Listing, deleting and counting errors are
// returned; an index failure is not. Once listing succeeds the summary is
// returned even with an error, counting the rows removed before the failure.
func (j *Job) Run(ctx context.Context) (*Summary, error) {
	rows, err := j.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}

	summary := &Summary{DryRun: j.dryRun}

	survivors, losers := pickSurvivors(rows, func(p *domain.PaperRecord) string {
		return p.IdentityKey()
	})
	removed, err := j.remove(ctx, losers, "id")
	summary.RemovedByID = removed
	if err != nil {
		return summary, err
	}

	_, losers = pickSurvivors(survivors, func(p *domain.PaperRecord) string {
		return p.TitleKey()
	})
	removed, err = j.remove(ctx, losers, "title")
	summary.RemovedByTitle = removed
	if err != nil {
		return summary, err
	}

	if j.dryRun {
		summary.IndexStatus = IndexSkipped
		summary.TotalAfter = int64(len(rows) - summary.RemovedByID - summary.RemovedByTitle)
	} else {
		j.ensureIndex(ctx, summary)

		total, err := j.store.Count(ctx)
		if err != nil {
			return summary, fmt.Errorf("count papers: %w", err)
		}
		summary.TotalAfter = total
	}

	if j.metrics != nil {
		j.metrics.RecordDedupe(summary.RemovedByID, summary.RemovedByTitle, summary.IndexStatus)
	}

	j.logger.Info().
		Int("rows", len(rows)).
		Int("removed_by_id", summary.RemovedByID).
		Int("removed_by_title", summary.RemovedByTitle).
		Str("index_status", summary.IndexStatus).
		Int64("total_after", summary.TotalAfter).
		Bool("dry_run", j.dryRun).
		Msg("dedupe completed")

	return summary, nil
}

func (j *Job) ensureIndex(ctx context.Context, summary *Summary) {
	created, err := j.store.EnsureUniqueIndex(ctx)
	switch {
	case err != nil:
		summary.IndexStatus = IndexFailed
		summary.IndexError = err.Error()
		j.logger.Error().Err(err).Msg("unique index could not be ensured")
	case created:
		summary.IndexStatus = IndexCreated
		summary.IndexCreated = true
	default:
		summary.IndexStatus = IndexPresent
		summary.IndexCreated = true
	}
}

// remove deletes losers and returns how many rows were actually removed. A
// row already gone is not counted.
func (j *Job) remove(ctx context.Context, losers []*domain.PaperRecord, stage string) (int, error) {
	if j.dryRun {
		for _, p := range losers {
			j.logger.Debug().Str("stage", stage).Int64("id", p.ID).Str("key", p.IdentityKey()).Msg("would remove duplicate")
		}
		return len(losers), nil
	}

	removed := 0
	for _, p := range losers {
		if err := j.store.Delete(ctx, p.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("delete paper %d: %w", p.ID, err)
		}
		removed++
		j.logger.Debug().Str("stage", stage).Int64("id", p.ID).Str("key", p.IdentityKey()).Msg("removed duplicate")
	}
	return removed, nil
}

// pickSurvivors groups rows by key and keeps the latest fetched row of each
// group. Survivors keep their input order; losers are sorted by ID.
func pickSurvivors(rows []*domain.PaperRecord, key func(*domain.PaperRecord) string) (survivors, losers []*domain.PaperRecord) {
	keep := make(map[string]*domain.PaperRecord, len(rows))
	for _, p := range rows {
		k := key(p)
		if cur, ok := keep[k]; !ok || newer(p, cur) {
			keep[k] = p
		}
	}

	for _, p := range rows {
		if keep[key(p)] == p {
			survivors = append(survivors, p)
		} else {
			losers = append(losers, p)
		}
	}

	sort.Slice(losers, func(i, k int) bool { return losers[i].ID < losers[k].ID })
	return survivors, losers
}

func newer(a, b *domain.PaperRecord) bool {
	if !a.FetchedAt.Equal(b.FetchedAt) {
		return a.FetchedAt.After(b.FetchedAt)
	}
	return a.ID > b.ID
}
