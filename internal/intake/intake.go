// Package intake persists aggregated candidates into the paper store, turning
// each candidate into exactly one outcome: inserted, duplicate, failed or
// skipped.
package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/events"
	"github.com/helixir/research-tracker/internal/observability"
	"github.com/helixir/research-tracker/internal/repository"
)

// Outcome is the classification of one candidate.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Options controls the persistence policy of one run.
type Options struct {
	// OneNewPaperOnly stops inserting after the first new paper. Later
	// candidates are still classified; new ones count as skipped.
	OneNewPaperOnly bool
}

// Report summarizes one intake run.
type Report struct {
	Inserted  int                   `json:"inserted"`
	Duplicate int                   `json:"duplicate"`
	Failed    int                   `json:"failed"`
	Skipped   int                   `json:"skipped"`
	NewPapers []*domain.PaperRecord `json:"new_papers"`
}

// Total returns the number of classified candidates.
func (r *Report) Total() int {
	return r.Inserted + r.Duplicate + r.Failed + r.Skipped
}

// Pipeline classifies and stores candidates.
type Pipeline struct {
	store     repository.PaperStore
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// New creates a Pipeline. A nil publisher discards events and a nil metrics
// disables instrumentation.
func New(store repository.PaperStore, publisher events.Publisher, metrics *observability.Metrics, logger zerolog.Logger) *Pipeline {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Pipeline{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With().Str("component", "intake").Logger(),
	}
}

// Run processes candidates in order. For each candidate, within one store
// transaction:
//  1. A stored record with the same source and normalized external id makes
//     it a duplicate.
//  2. A stored record with the same normalized title, from any source, makes
//     it a duplicate.
//  3. Otherwise it is inserted, unless OneNewPaperOnly already let one
//     through, in which case it is skipped.
//
// A unique violation on insert counts as a duplicate; any other insert error
// counts as failed and the run continues. Only an unavailable store aborts
// the run, returning the partial report alongside the error.
func (p *Pipeline) Run(ctx context.Context, candidates []*domain.PaperRecord, opts Options) (*Report, error) {
	report := &Report{NewPapers: make([]*domain.PaperRecord, 0)}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			p.record(report)
			return report, err
		}

		allowInsert := !opts.OneNewPaperOnly || report.Inserted == 0
		outcome, stored, err := p.classify(ctx, candidate, allowInsert)
		if err != nil {
			p.record(report)
			return report, err
		}

		switch outcome {
		case OutcomeInserted:
			report.Inserted++
			report.NewPapers = append(report.NewPapers, stored)
			p.publish(ctx, stored)
		case OutcomeDuplicate:
			report.Duplicate++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeFailed:
			report.Failed++
		}
	}

	p.record(report)

	p.logger.Info().
		Int("candidates", len(candidates)).
		Int("inserted", report.Inserted).
		Int("duplicate", report.Duplicate).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("intake completed")

	return report, nil
}

// classify decides the outcome of one candidate. The returned error is
// non-nil only when the run must stop.
func (p *Pipeline) classify(ctx context.Context, candidate *domain.PaperRecord, allowInsert bool) (Outcome, *domain.PaperRecord, error) {
	logger := observability.WithPaperContext(p.logger, string(candidate.Source), candidate.ExternalID)

	var (
		outcome Outcome
		stored  *domain.PaperRecord
	)

	err := p.store.WithinTx(ctx, func(tx repository.PaperStore) error {
		found, err := exists(tx.GetByExternalID(ctx, candidate.Source, candidate.ExternalID))
		if err != nil {
			return err
		}
		if found {
			outcome = OutcomeDuplicate
			return nil
		}

		found, err = exists(tx.GetByNormalizedTitle(ctx, candidate.Title))
		if err != nil {
			return err
		}
		if found {
			outcome = OutcomeDuplicate
			return nil
		}

		if !allowInsert {
			outcome = OutcomeSkipped
			return nil
		}

		inserted, err := tx.Insert(ctx, candidate)
		if err != nil {
			return err
		}
		outcome = OutcomeInserted
		stored = inserted
		return nil
	})

	switch {
	case err == nil:
		logger.Debug().Str("outcome", string(outcome)).Msg("candidate classified")
		return outcome, stored, nil
	case errors.Is(err, domain.ErrStoreUnavailable):
		logger.Error().Err(err).Msg("paper store unavailable, aborting intake")
		return "", nil, fmt.Errorf("intake %s: %w", candidate.IdentityKey(), err)
	case errors.Is(err, domain.ErrAlreadyExists):
		logger.Debug().Msg("unique index rejected candidate as duplicate")
		return OutcomeDuplicate, nil, nil
	default:
		logger.Warn().Err(err).Msg("failed to store candidate")
		return OutcomeFailed, nil, nil
	}
}

// exists turns a lookup result into a found flag, treating NotFound as absent.
func exists(paper *domain.PaperRecord, err error) (bool, error) {
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return paper != nil, nil
}

func (p *Pipeline) publish(ctx context.Context, paper *domain.PaperRecord) {
	if err := p.publisher.PublishPaperIngested(ctx, paper); err != nil {
		if p.metrics != nil {
			p.metrics.RecordEventPublishFailed()
		}
		logger := observability.WithPaperContext(p.logger, string(paper.Source), paper.ExternalID)
		logger.Warn().Err(err).Msg("failed to publish paper event")
	}
}

func (p *Pipeline) record(r *Report) {
	if p.metrics != nil {
		p.metrics.RecordIntake(r.Inserted, r.Duplicate, r.Failed, r.Skipped)
	}
}
