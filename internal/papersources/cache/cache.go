// Package cache decorates a papersources.Provider with a response cache.
//
// Only non-empty results are cached, so a provider failure (which surfaces
// as an empty result) is retried on the next call rather than remembered.
// Cached entries hold raw record values and are rebuilt through
// domain.NewPaperRecord on read, so validation still applies and fetched_at
// comes from the current clock.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/papersources"
)

// DefaultTTL is how long a cached provider response stays valid.
const DefaultTTL = 6 * time.Hour

const keyPrefix = "tracker:provider:"

// entry is the cached form of one record.
type entry struct {
	ExternalID      string     `json:"external_id"`
	Source          string     `json:"source"`
	Title           string     `json:"title"`
	Authors         []string   `json:"authors"`
	Year            int        `json:"year,omitempty"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
	Venue           string     `json:"venue,omitempty"`
	Publisher       string     `json:"publisher,omitempty"`
	Abstract        string     `json:"abstract,omitempty"`
	URL             string     `json:"url,omitempty"`
	PDFURL          string     `json:"pdf_url,omitempty"`
	DOI             string     `json:"doi,omitempty"`
	CitationCount   int        `json:"citation_count"`
	Keywords        string     `json:"keywords,omitempty"`
}

// Provider wraps another provider and caches its results.
type Provider struct {
	next    papersources.Provider
	backend Backend
	ttl     time.Duration
	clock   papersources.Clock
	logger  zerolog.Logger
}

var _ papersources.Provider = (*Provider)(nil)

// New wraps next. A zero ttl uses DefaultTTL.
func New(next papersources.Provider, backend Backend, ttl time.Duration, clock papersources.Clock, logger zerolog.Logger) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = domain.NewFetchClock(nil)
	}
	return &Provider{
		next:    next,
		backend: backend,
		ttl:     ttl,
		clock:   clock,
		logger:  logger.With().Str("provider", next.Name()).Str("component", "provider_cache").Logger(),
	}
}

// Search serves from cache or delegates to the wrapped provider.
func (p *Provider) Search(ctx context.Context, query string, params papersources.SearchParams) []*domain.PaperRecord {
	key := p.key("search", struct {
		Query  string
		Params papersources.SearchParams
	}{query, params})

	return p.cached(ctx, key, func() []*domain.PaperRecord {
		return p.next.Search(ctx, query, params)
	})
}

// Recent serves from cache or delegates to the wrapped provider. The key
// includes the current day so a window is not served across midnight.
func (p *Provider) Recent(ctx context.Context, keywords []string, window papersources.Window) []*domain.PaperRecord {
	key := p.key("recent", struct {
		Keywords []string
		Window   papersources.Window
		Day      string
	}{keywords, window, p.clock.Now().Format("2006-01-02")})

	return p.cached(ctx, key, func() []*domain.PaperRecord {
		return p.next.Recent(ctx, keywords, window)
	})
}

// Source returns the wrapped provider's source.
func (p *Provider) Source() domain.Source {
	return p.next.Source()
}

// Name returns the wrapped provider's name.
func (p *Provider) Name() string {
	return p.next.Name()
}

// Unwrap returns the wrapped provider.
func (p *Provider) Unwrap() papersources.Provider {
	return p.next
}

func (p *Provider) cached(ctx context.Context, key string, fetch func() []*domain.PaperRecord) []*domain.PaperRecord {
	if papers, ok := p.load(ctx, key); ok {
		return papers
	}

	papers := fetch()
	if len(papers) > 0 {
		p.store(ctx, key, papers)
	}
	return papers
}

func (p *Provider) load(ctx context.Context, key string) ([]*domain.PaperRecord, bool) {
	raw, err := p.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			p.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, bypassing")
		}
		return nil, false
	}

	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return nil, false
	}

	now := p.clock.Now()
	papers := make([]*domain.PaperRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := domain.NewPaperRecord(domain.RecordInput{
			ExternalID:      e.ExternalID,
			Source:          domain.Source(e.Source),
			Title:           e.Title,
			Authors:         e.Authors,
			Year:            e.Year,
			PublicationDate: e.PublicationDate,
			Venue:           e.Venue,
			Publisher:       e.Publisher,
			Abstract:        e.Abstract,
			URL:             e.URL,
			PDFURL:          e.PDFURL,
			DOI:             e.DOI,
			CitationCount:   e.CitationCount,
			Keywords:        e.Keywords,
		}, now)
		if err != nil {
			p.logger.Warn().Err(err).Str("external_id", e.ExternalID).Msg("skipping invalid cached record")
			continue
		}
		papers = append(papers, rec)
	}
	if len(papers) == 0 {
		p.logger.Warn().Str("key", key).Int("entries", len(entries)).Msg("no valid cached records, refetching")
		return nil, false
	}
	p.logger.Debug().Str("key", key).Int("count", len(papers)).Msg("cache hit")
	return papers, true
}

func (p *Provider) store(ctx context.Context, key string, papers []*domain.PaperRecord) {
	entries := make([]entry, 0, len(papers))
	for _, r := range papers {
		entries = append(entries, entry{
			ExternalID:      r.ExternalID,
			Source:          string(r.Source),
			Title:           r.Title,
			Authors:         r.Authors,
			Year:            r.YearValue(),
			PublicationDate: r.PublicationDate,
			Venue:           r.Venue,
			Publisher:       r.Publisher,
			Abstract:        r.Abstract,
			URL:             r.URL,
			PDFURL:          r.PDFURL,
			DOI:             r.DOI,
			CitationCount:   r.CitationCount,
			Keywords:        r.Keywords,
		})
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		p.logger.Warn().Err(err).Msg("encoding cache entry failed")
		return
	}
	if err := p.backend.Set(ctx, key, raw, p.ttl); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// key builds "tracker:provider:<name>:<op>:<hash of args>".
func (p *Provider) key(op string, args any) string {
	raw, _ := json.Marshal(args)
	sum := sha256.Sum256(raw)
	return strings.Join([]string{keyPrefix + p.next.Name(), op, hex.EncodeToString(sum[:16])}, ":")
}
