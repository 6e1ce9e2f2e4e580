package summarizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/observability"
	"github.com/helixir/research-tracker/internal/repository"
)

// DefaultBatchLimit is the number of papers handled by one run when the
// caller passes no limit.
const DefaultBatchLimit = 10

// Report summarizes one processor run.
type Report struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Processor summarizes unprocessed papers.
type Processor struct {
	store      repository.PaperStore
	summarizer Summarizer
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// NewProcessor creates a Processor. metrics may be nil.
func NewProcessor(store repository.PaperStore, s Summarizer, metrics *observability.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{
		store:      store,
		summarizer: s,
		metrics:    metrics,
		logger:     logger.With().Str("component", "summarizer").Logger(),
	}
}

// Run summarizes up to limit unprocessed papers, oldest first. A paper whose
// summary fails stays unprocessed for the next run. Only store errors on
// listing or an unavailable store abort the run.
func (p *Processor) Run(ctx context.Context, limit int) (*Report, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	papers, err := p.store.ListUnprocessed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed papers: %w", err)
	}

	report := &Report{}
	for _, paper := range papers {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		logger := observability.WithPaperContext(p.logger, string(paper.Source), paper.ExternalID)

		start := time.Now()
		summary, err := p.summarizer.Summarize(ctx, InputFromRecord(paper))
		elapsed := time.Since(start)
		if err != nil {
			p.observe(false, elapsed)
			report.Failed++
			logger.Warn().Err(err).Msg("failed to summarize paper")
			continue
		}

		if summary.Insights == "" {
			logger.Warn().Msg("response has no investment insight; storing summary only")
		}
		keywords := summary.Keywords
		if keywords == "" {
			keywords = paper.Keywords
		}

		if err := p.store.MarkProcessed(ctx, paper.ID, summary.SummaryZH, keywords, summary.Insights); err != nil {
			p.observe(false, elapsed)
			if errors.Is(err, domain.ErrStoreUnavailable) {
				return report, fmt.Errorf("mark paper %d processed: %w", paper.ID, err)
			}
			report.Failed++
			logger.Warn().Err(err).Msg("failed to store summary")
			continue
		}

		p.observe(true, elapsed)
		report.Processed++
		logger.Info().Dur("elapsed", elapsed).Msg("paper summarized")
	}

	p.logger.Info().
		Int("candidates", len(papers)).
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Msg("summarization completed")

	return report, nil
}

func (p *Processor) observe(success bool, d time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordSummary(success, d.Seconds())
	}
}
