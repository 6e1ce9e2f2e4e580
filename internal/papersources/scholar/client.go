// Package scholar implements the legacy web-scrape provider that reads
// Google Scholar result pages. It is the last resort in the fallback order:
// the page layout can change without notice and heavy use gets blocked.
package scholar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/papersources"
)

const (
	// DefaultBaseURL is the Google Scholar host.
	DefaultBaseURL = "https://scholar.google.com"

	// DefaultMinDelay spaces page requests to avoid being blocked.
	DefaultMinDelay = 5 * time.Second

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults is the page size; Scholar serves at most 20.
	DefaultMaxResults = 20

	// DefaultUserAgent is a browser-like agent; Scholar rejects bare clients.
	DefaultUserAgent = "Mozilla/5.0 (compatible; ResearchTracker/1.0)"

	// Name identifies the provider in configuration and logs.
	Name = "google_scholar"

	recentFallbackSize = 10
)

// Config holds configuration for the scrape client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MinDelay    time.Duration
	MaxResults  int
	MaxAttempts int
	Backoff     papersources.Backoff
	UserAgent   string

	Observer papersources.RequestObserver
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MinDelay == 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxResults <= 0 || c.MaxResults > DefaultMaxResults {
		c.MaxResults = DefaultMaxResults
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
}

// Client implements papersources.Provider by scraping result pages.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
	clock      papersources.Clock
	logger     zerolog.Logger
}

var _ papersources.Provider = (*Client)(nil)

// NewClient creates a new scrape client. A nil httpClient is built from cfg.
func NewClient(cfg Config, httpClient *papersources.HTTPClient, clock papersources.Clock, logger zerolog.Logger) *Client {
	cfg.applyDefaults()

	if httpClient == nil {
		httpClient = papersources.NewHTTPClient(papersources.HTTPClientConfig{
			Source:      Name,
			Timeout:     cfg.Timeout,
			MinDelay:    cfg.MinDelay,
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.Backoff,
			UserAgent:   cfg.UserAgent,
			Observer:    cfg.Observer,
		})
	}
	if clock == nil {
		clock = domain.NewFetchClock(nil)
	}

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger.With().Str("provider", Name).Logger(),
	}
}

// Search fetches one result page for query.
func (c *Client) Search(ctx context.Context, query string, params papersources.SearchParams) []*domain.PaperRecord {
	yearTo := 0
	if params.DateTo != nil {
		yearTo = params.DateTo.Year()
	}
	yearFrom := params.YearFrom
	if yearFrom == 0 && params.DateFrom != nil {
		yearFrom = params.DateFrom.Year()
	}

	papers, err := c.search(ctx, query, params.MaxResults, yearFrom, yearTo)
	if err != nil {
		c.logger.Error().Err(err).Str("query", query).Msg("scholar search failed")
		return []*domain.PaperRecord{}
	}
	c.logger.Info().Str("query", query).Int("count", len(papers)).Msg("scholar search completed")
	return papers
}

// Recent searches each keyword from the previous year onwards and keeps
// results from the current year. When a keyword has none, its first few
// results are kept instead. Results are deduplicated by normalized title.
func (c *Client) Recent(ctx context.Context, keywords []string, _ papersources.Window) []*domain.PaperRecord {
	currentYear := c.clock.Now().Year()

	var all []*domain.PaperRecord
	for _, keyword := range keywords {
		if ctx.Err() != nil {
			break
		}
		papers, err := c.search(ctx, keyword, DefaultMaxResults, currentYear-1, 0)
		if err != nil {
			c.logger.Error().Err(err).Str("keyword", keyword).Msg("scholar recent fetch failed")
			continue
		}

		var fresh []*domain.PaperRecord
		for _, p := range papers {
			if p.YearValue() >= currentYear {
				fresh = append(fresh, p)
			}
		}
		if len(fresh) == 0 && len(papers) > 0 {
			fresh = papers[:min(recentFallbackSize, len(papers))]
		}
		all = append(all, fresh...)
	}

	seen := make(map[string]struct{}, len(all))
	unique := make([]*domain.PaperRecord, 0, len(all))
	for _, p := range all {
		key := p.TitleKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, p)
	}
	c.logger.Info().Int("count", len(unique)).Msg("scholar recent completed")
	return unique
}

// Source returns domain.SourceLegacyScrape.
func (c *Client) Source() domain.Source {
	return domain.SourceLegacyScrape
}

// Name returns the provider name.
func (c *Client) Name() string {
	return Name
}

func (c *Client) search(ctx context.Context, query string, limit, yearFrom, yearTo int) ([]*domain.PaperRecord, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/scholar"

	if limit <= 0 || limit > c.config.MaxResults {
		limit = c.config.MaxResults
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("hl", "en")
	q.Set("num", strconv.Itoa(limit))
	if yearFrom > 0 {
		q.Set("as_ylo", strconv.Itoa(yearFrom))
	}
	if yearTo > 0 {
		q.Set("as_yhi", strconv.Itoa(yearTo))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, domain.NewExternalAPIError(Name, resp.StatusCode, string(body), nil)
	}

	results, err := ParseResults(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, fmt.Errorf("parsing results page: %w", err)
	}
	if len(results) == 0 {
		c.logger.Warn().Str("query", query).Msg("scholar page had no result blocks")
	}

	papers := make([]*domain.PaperRecord, 0, len(results))
	for _, res := range results {
		if len(papers) == limit {
			break
		}
		paper, err := c.resultToRecord(res)
		if err != nil {
			c.logger.Warn().Err(err).Str("url", res.URL).Msg("skipping malformed scholar result")
			continue
		}
		papers = append(papers, paper)
	}
	return papers, nil
}

func (c *Client) resultToRecord(res Result) (*domain.PaperRecord, error) {
	in := domain.RecordInput{
		Source:        domain.SourceLegacyScrape,
		Title:         res.Title,
		Authors:       res.Authors,
		Year:          res.Year,
		Venue:         res.Venue,
		Publisher:     res.Publisher,
		Abstract:      res.Snippet,
		URL:           res.URL,
		PDFURL:        res.PDFURL,
		CitationCount: res.CitationCount,
	}
	if res.URL == "" {
		in.URL = res.PDFURL
	}
	if strings.TrimSpace(res.Title) != "" {
		in.ExternalID = ExternalID(res.Title)
	}
	// Result pages only carry a year; the publication date stays unknown.
	return domain.NewPaperRecord(in, c.clock.Now())
}
