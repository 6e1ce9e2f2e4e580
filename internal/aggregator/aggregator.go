// Package aggregator queries providers in fallback order for each keyword and
// merges the answers into one deduplicated, citation-ranked candidate list.
//
// For every keyword the providers are tried in the given order and the first
// non-empty answer is used; fallbacks are never queried after that. Merged
// records are deduplicated by source-scoped external id and by normalized
// title, first seen wins, then stably sorted by citation count (highest
// first) with fetch time as the tie breaker.
//
// With citation enrichment enabled, deduplicated arXiv records that carry no
// citation count are looked up on the citation provider before ranking.
package aggregator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/observability"
	"github.com/helixir/research-tracker/internal/papersources"
)

// KeywordResult reports which provider answered a keyword.
type KeywordResult struct {
	Keyword string `json:"keyword"`

	// Provider is the name of the provider whose answer was used, empty when
	// every provider came back empty.
	Provider string `json:"provider,omitempty"`

	// Count is the number of records the provider returned.
	Count int `json:"count"`
}

// Result is the outcome of one aggregation.
type Result struct {
	// Papers is the ranked, deduplicated and truncated candidate list.
	Papers []*domain.PaperRecord `json:"papers"`

	// Keywords lists one entry per keyword in input order.
	Keywords []KeywordResult `json:"keywords"`

	// Collected is the number of records gathered before deduplication.
	Collected int `json:"collected"`

	// Deduplicated is the number of records left after deduplication,
	// before truncation.
	Deduplicated int `json:"deduplicated"`
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRecent switches provider calls from Search to Recent with window.
func WithRecent(window papersources.Window) Option {
	return func(a *Aggregator) {
		w := window
		a.recent = &w
	}
}

// WithSearchParams sets the parameters passed to Search.
func WithSearchParams(params papersources.SearchParams) Option {
	return func(a *Aggregator) {
		a.params = params
	}
}

// WithParallel fans keywords out over up to n goroutines. Results are merged
// in keyword order and fetched_at is made non-decreasing in that order, so
// the ranking equals a sequential run.
func WithParallel(n int) Option {
	return func(a *Aggregator) {
		a.parallel = n
	}
}

// ArXivLookup resolves an arXiv id to the citation provider's record.
// *semanticscholar.Client satisfies it.
type ArXivLookup interface {
	GetByArXivID(ctx context.Context, arxivID string) (*domain.PaperRecord, error)
}

// WithCitationEnrichment looks up at most limit arXiv records without a
// citation count on lookup and copies the count it reports.
func WithCitationEnrichment(lookup ArXivLookup, limit int) Option {
	return func(a *Aggregator) {
		a.lookup = lookup
		a.lookupLimit = limit
	}
}

// WithMetrics records provider calls on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// Aggregator merges provider answers. It holds no per-run state and is safe
// for concurrent use.
type Aggregator struct {
	logger   zerolog.Logger
	metrics  *observability.Metrics
	params   papersources.SearchParams
	recent   *papersources.Window
	parallel int

	lookup      ArXivLookup
	lookupLimit int
}

// New creates an Aggregator.
func New(logger zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		logger: logger.With().Str("component", "aggregator").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate runs the keywords against providers (primary first) and returns
// at most maxPapers ranked candidates. maxPapers <= 0 disables truncation.
// Provider failures surface as empty answers, so Aggregate never fails; when
// every provider is empty for every keyword the result is empty.
func (a *Aggregator) Aggregate(ctx context.Context, keywords []string, providers []papersources.Provider, maxPapers int) Result {
	perKeyword := make([][]*domain.PaperRecord, len(keywords))
	used := make([]KeywordResult, len(keywords))

	if a.parallel > 1 && len(keywords) > 1 {
		a.collectParallel(ctx, keywords, providers, perKeyword, used)
	} else {
		for i, kw := range keywords {
			perKeyword[i], used[i] = a.queryKeyword(ctx, kw, providers)
		}
	}

	collected := make([]*domain.PaperRecord, 0)
	for _, papers := range perKeyword {
		collected = append(collected, papers...)
	}
	if a.parallel > 1 && len(keywords) > 1 {
		restampInMergeOrder(collected)
	}

	unique := Dedup(collected)
	if a.lookup != nil && a.lookupLimit > 0 {
		a.enrichCitations(ctx, unique)
	}
	Rank(unique)

	result := Result{
		Papers:       Truncate(unique, maxPapers),
		Keywords:     used,
		Collected:    len(collected),
		Deduplicated: len(unique),
	}

	if a.metrics != nil {
		a.metrics.RecordAggregation(len(result.Papers))
	}

	a.logger.Info().
		Int("keywords", len(keywords)).
		Int("providers", len(providers)).
		Int("collected", result.Collected).
		Int("deduplicated", result.Deduplicated).
		Int("candidates", len(result.Papers)).
		Msg("aggregation completed")

	return result
}

// collectParallel fills perKeyword and used by index so the merge order
// matches the sequential path.
func (a *Aggregator) collectParallel(ctx context.Context, keywords []string, providers []papersources.Provider, perKeyword [][]*domain.PaperRecord, used []KeywordResult) {
	sem := make(chan struct{}, a.parallel)
	var wg sync.WaitGroup

	for i, kw := range keywords {
		wg.Add(1)
		go func(i int, kw string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			perKeyword[i], used[i] = a.queryKeyword(ctx, kw, providers)
		}(i, kw)
	}

	wg.Wait()
}

// restampInMergeOrder raises each fetched_at to at least the previous
// record's. Keyword goroutines finish in any order, while a sequential run
// stamps records in merge order; after this pass fetched_at ties resolve by
// merge position, as they would sequentially.
func restampInMergeOrder(papers []*domain.PaperRecord) {
	var last time.Time
	for _, p := range papers {
		if p.FetchedAt.Before(last) {
			p.FetchedAt = last
			continue
		}
		last = p.FetchedAt
	}
}

// enrichCitations fills citation counts of arXiv records in merge order. A
// rate-limited lookup ends enrichment for the run.
func (a *Aggregator) enrichCitations(ctx context.Context, papers []*domain.PaperRecord) {
	looked, enriched := 0, 0
loop:
	for _, p := range papers {
		if looked >= a.lookupLimit || ctx.Err() != nil {
			break
		}
		if p.Source != domain.SourceArXiv || p.CitationCount > 0 {
			continue
		}

		looked++
		found, err := a.lookup.GetByArXivID(ctx, p.ExternalID)
		switch {
		case err == nil:
			if found.CitationCount > 0 {
				p.CitationCount = found.CitationCount
				enriched++
			}
		case errors.Is(err, domain.ErrNotFound):
		case errors.Is(err, domain.ErrRateLimited):
			a.logger.Warn().Err(err).Int("looked_up", looked).Msg("citation lookup rate limited, stopping enrichment")
			break loop
		default:
			a.logger.Debug().Err(err).Str("external_id", p.ExternalID).Msg("citation lookup failed")
		}
	}

	if looked > 0 {
		a.logger.Info().Int("looked_up", looked).Int("enriched", enriched).Msg("arXiv citation counts enriched")
	}
}

// queryKeyword tries providers in order and stops at the first non-empty answer.
func (a *Aggregator) queryKeyword(ctx context.Context, keyword string, providers []papersources.Provider) ([]*domain.PaperRecord, KeywordResult) {
	kr := KeywordResult{Keyword: keyword}

	for _, p := range providers {
		if ctx.Err() != nil {
			break
		}

		logger := observability.WithSearchContext(a.logger, keyword, p.Name())
		if a.metrics != nil {
			a.metrics.RecordSearchStarted(p.Name())
		}

		start := time.Now()
		papers := a.call(ctx, p, keyword)
		elapsed := time.Since(start)

		if a.metrics != nil {
			a.metrics.RecordSearchCompleted(p.Name(), len(papers), elapsed.Seconds())
		}

		if len(papers) == 0 {
			logger.Debug().Dur("elapsed", elapsed).Msg("provider returned nothing, falling back")
			continue
		}

		if a.metrics != nil {
			a.metrics.RecordPapersDiscovered(p.Name(), len(papers))
		}
		logger.Info().Int("papers", len(papers)).Dur("elapsed", elapsed).Msg("provider answered")

		kr.Provider = p.Name()
		kr.Count = len(papers)
		return papers, kr
	}

	a.logger.Warn().Str("keyword", keyword).Msg("no provider returned papers")
	return nil, kr
}

func (a *Aggregator) call(ctx context.Context, p papersources.Provider, keyword string) []*domain.PaperRecord {
	if a.recent != nil {
		return p.Recent(ctx, []string{keyword}, *a.recent)
	}
	return p.Search(ctx, keyword, a.params)
}

// Dedup drops records whose identity key or normalized title was already
// seen, keeping the first occurrence.
func Dedup(papers []*domain.PaperRecord) []*domain.PaperRecord {
	seenIDs := make(map[string]struct{}, len(papers))
	seenTitles := make(map[string]struct{}, len(papers))
	out := make([]*domain.PaperRecord, 0, len(papers))

	for _, p := range papers {
		idKey := p.IdentityKey()
		titleKey := p.TitleKey()

		if _, dup := seenIDs[idKey]; dup {
			continue
		}
		if _, dup := seenTitles[titleKey]; dup {
			continue
		}

		seenIDs[idKey] = struct{}{}
		seenTitles[titleKey] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Rank stably sorts by citation count descending, then fetch time ascending.
func Rank(papers []*domain.PaperRecord) {
	sort.SliceStable(papers, func(i, j int) bool {
		if papers[i].CitationCount != papers[j].CitationCount {
			return papers[i].CitationCount > papers[j].CitationCount
		}
		return papers[i].FetchedAt.Before(papers[j].FetchedAt)
	})
}

// Truncate returns the first max papers; max <= 0 keeps all.
func Truncate(papers []*domain.PaperRecord, max int) []*domain.PaperRecord {
	if max > 0 && len(papers) > max {
		return papers[:max]
	}
	return papers
}
