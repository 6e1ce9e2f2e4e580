// Package papersources provides the provider adapters that turn academic
// search APIs into canonical paper records.
//
// Every adapter implements Provider. Adapters never return errors: transport
// failures, exhausted retries and unparseable responses are logged and
// reported as an empty result, and individual malformed records are skipped.
// This lets the aggregator treat every provider call uniformly.
//
// Example usage:
//
//	provider := semanticscholar.New(cfg, clock, logger)
//	papers := provider.Search(ctx, "robot learning", papersources.SearchParams{
//		MaxResults: 50,
//		YearFrom:   2024,
//	})
package papersources

import (
	"context"
	"time"

	"github.com/helixir/research-tracker/internal/domain"
)

// SearchParams defines optional filters for a provider search.
type SearchParams struct {
	// MaxResults limits the number of records requested. Zero uses the
	// adapter's configured default; adapters cap it at their API maximum.
	MaxResults int

	// YearFrom restricts results to papers published in or after this year.
	// Zero applies no year filter.
	YearFrom int

	// DateFrom filters papers published on or after this date.
	DateFrom *time.Time

	// DateTo filters papers published on or before this date.
	DateTo *time.Time
}

// Window describes a recency window for Recent queries.
type Window struct {
	// Days is the width of the window, counted back from MinAgeDays.
	Days int

	// MinAgeDays excludes papers younger than this many days. Used to pick
	// papers that have had time to accumulate citations.
	MinAgeDays int
}

// Bounds returns the inclusive [from, to] date range of the window relative to now.
func (w Window) Bounds(now time.Time) (time.Time, time.Time) {
	days := w.Days
	if days <= 0 {
		days = 7
	}
	to := now.AddDate(0, 0, -w.MinAgeDays)
	from := to.AddDate(0, 0, -days)
	return from, to
}

// Provider is the capability every paper source implements.
type Provider interface {
	// Search returns normalized records for a free-text query. It returns an
	// empty slice on any transport or parse failure.
	Search(ctx context.Context, query string, params SearchParams) []*domain.PaperRecord

	// Recent returns normalized records for the given keywords published
	// within the window. It returns an empty slice on failure.
	Recent(ctx context.Context, keywords []string, window Window) []*domain.PaperRecord

	// Source returns the namespace of the records this provider emits by default.
	Source() domain.Source

	// Name returns a short identifier used in configuration, logs and metrics.
	Name() string
}

// Clock supplies fetched_at timestamps to adapters.
type Clock interface {
	Now() time.Time
}

// DedupByIdentity removes records sharing an identity key, keeping the first.
// Adapters use it to collapse duplicates across their own paged or per-keyword results.
func DedupByIdentity(papers []*domain.PaperRecord) []*domain.PaperRecord {
	seen := make(map[string]struct{}, len(papers))
	out := make([]*domain.PaperRecord, 0, len(papers))
	for _, p := range papers {
		key := p.IdentityKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// InWindow reports whether the record's publication date (or year, when the
// date is unknown) falls within [from, to].
func InWindow(p *domain.PaperRecord, from, to time.Time) bool {
	if p.PublicationDate != nil {
		d := *p.PublicationDate
		return !d.Before(from) && !d.After(to)
	}
	if p.Year != nil {
		return *p.Year >= from.Year() && *p.Year <= to.Year()
	}
	return false
}
