// Package arxiv implements the arXiv Atom API provider.
package arxiv

import (
	"context"
	"encoding/xml"
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
	// DefaultBaseURL is the default arXiv API base URL.
	DefaultBaseURL = "https://export.arxiv.org/api"

	// DefaultMinDelay is the minimum delay between requests.
	DefaultMinDelay = 3 * time.Second

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults is the default maximum results per request.
	DefaultMaxResults = 50

	// Name identifies the provider in configuration and logs.
	Name = "arxiv"

	publisher = "arXiv"
)

// DefaultCategories restricts Recent queries to AI and robotics categories.
var DefaultCategories = []string{"cs.AI", "cs.LG", "cs.CV", "cs.CL", "cs.RO", "cs.NE"}

// Config holds configuration for the arXiv client.
type Config struct {
	// BaseURL is the arXiv API base URL.
	BaseURL string

	// Timeout is the request timeout.
	Timeout time.Duration

	// MinDelay is the minimum delay between consecutive requests.
	MinDelay time.Duration

	// MaxResults is the default page size for Search.
	MaxResults int

	// MaxAttempts and Backoff control retries of transient failures.
	MaxAttempts int
	Backoff     papersources.Backoff

	// Categories are OR-ed into every Recent query.
	Categories []string

	// Observer receives request telemetry; may be nil.
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
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
	if len(c.Categories) == 0 {
		c.Categories = DefaultCategories
	}
}

// Client implements papersources.Provider for arXiv.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
	clock      papersources.Clock
	logger     zerolog.Logger
}

var _ papersources.Provider = (*Client)(nil)

// NewClient creates a new arXiv client. A nil httpClient is built from cfg
// and a nil clock uses a fresh domain.FetchClock.
func NewClient(cfg Config, httpClient *papersources.HTTPClient, clock papersources.Clock, logger zerolog.Logger) *Client {
	cfg.applyDefaults()

	if httpClient == nil {
		httpClient = papersources.NewHTTPClient(papersources.HTTPClientConfig{
			Source:      Name,
			Timeout:     cfg.Timeout,
			MinDelay:    cfg.MinDelay,
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.Backoff,
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

// Search queries arXiv with a raw arXiv search expression or free text.
func (c *Client) Search(ctx context.Context, query string, params papersources.SearchParams) []*domain.PaperRecord {
	papers, err := c.search(ctx, query, params)
	if err != nil {
		c.logger.Error().Err(err).Str("query", query).Msg("arxiv search failed")
		return []*domain.PaperRecord{}
	}
	c.logger.Info().Str("query", query).Int("count", len(papers)).Msg("arxiv search completed")
	return papers
}

// Recent fetches each keyword within the configured categories and keeps
// papers submitted inside the window.
func (c *Client) Recent(ctx context.Context, keywords []string, window papersources.Window) []*domain.PaperRecord {
	from, to := window.Bounds(c.clock.Now())

	// arXiv sorts newest first, so reaching an older window needs a larger page.
	maxResults := 100
	if window.MinAgeDays > 30 {
		maxResults = 500
	}

	var all []*domain.PaperRecord
	for _, keyword := range keywords {
		if ctx.Err() != nil {
			break
		}
		papers, err := c.search(ctx, c.categoryQuery(keyword), papersources.SearchParams{MaxResults: maxResults})
		if err != nil {
			c.logger.Error().Err(err).Str("keyword", keyword).Msg("arxiv recent fetch failed")
			continue
		}
		for _, p := range papers {
			if papersources.InWindow(p, from, to) {
				all = append(all, p)
			}
		}
	}

	unique := papersources.DedupByIdentity(all)
	c.logger.Info().Int("count", len(unique)).Time("from", from).Time("to", to).Msg("arxiv recent completed")
	return unique
}

// Source returns domain.SourceArXiv.
func (c *Client) Source() domain.Source {
	return domain.SourceArXiv
}

// Name returns the provider name.
func (c *Client) Name() string {
	return Name
}

func (c *Client) search(ctx context.Context, query string, params papersources.SearchParams) ([]*domain.PaperRecord, error) {
	searchURL, err := c.buildSearchURL(query, params)
	if err != nil {
		return nil, fmt.Errorf("building search URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, domain.NewExternalAPIError(Name, resp.StatusCode, string(body), nil)
	}

	// Parse the Atom XML response (limit body to 10MB).
	var feed Feed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	papers := make([]*domain.PaperRecord, 0, len(feed.Entries))
	for i := range feed.Entries {
		paper, err := c.entryToRecord(&feed.Entries[i])
		if err != nil {
			c.logger.Warn().Err(err).
				Str("entry_id", feed.Entries[i].ID).
				Str("title", domain.CleanTitle(feed.Entries[i].Title)).
				Msg("skipping malformed arxiv entry")
			continue
		}
		papers = append(papers, paper)
	}
	return papers, nil
}

// categoryQuery builds "(cat:a OR cat:b) AND (all:keyword)".
func (c *Client) categoryQuery(keyword string) string {
	cats := make([]string, 0, len(c.config.Categories))
	for _, cat := range c.config.Categories {
		cats = append(cats, "cat:"+cat)
	}
	return fmt.Sprintf("(%s) AND (all:%s)", strings.Join(cats, " OR "), keyword)
}

func (c *Client) buildSearchURL(query string, params papersources.SearchParams) (string, error) {
	baseURL, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	baseURL.Path = strings.TrimRight(baseURL.Path, "/") + "/query"

	searchQuery := query
	if !strings.Contains(query, ":") {
		searchQuery = "all:" + query
	}
	if params.DateFrom != nil || params.DateTo != nil {
		searchQuery = searchQuery + " AND " + buildDateFilter(params.DateFrom, params.DateTo)
	}

	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = c.config.MaxResults
	}

	q := url.Values{}
	q.Set("search_query", searchQuery)
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("sortBy", "submittedDate")
	q.Set("sortOrder", "descending")
	baseURL.RawQuery = q.Encode()
	return baseURL.String(), nil
}

func buildDateFilter(from, to *time.Time) string {
	fromStr, toStr := "*", "*"
	if from != nil {
		fromStr = from.Format("20060102") + "0000"
	}
	if to != nil {
		toStr = to.Format("20060102") + "2359"
	}
	return fmt.Sprintf("submittedDate:[%s TO %s]", fromStr, toStr)
}

func (c *Client) entryToRecord(entry *Entry) (*domain.PaperRecord, error) {
	arxivID := domain.NormalizeArXivID(entry.ID)

	in := domain.RecordInput{
		ExternalID: arxivID,
		Source:     domain.SourceArXiv,
		Title:      entry.Title,
		Venue:      entry.PrimaryCategory.Term,
		Publisher:  publisher,
		Abstract:   domain.CleanTitle(entry.Summary),
		URL:        strings.TrimSpace(entry.ID),
		DOI:        entry.DOI,
	}

	if entry.Published != "" {
		if t, err := time.Parse(time.RFC3339, entry.Published); err == nil {
			t = t.UTC()
			in.PublicationDate = &t
		}
	}

	for _, a := range entry.Authors {
		in.Authors = append(in.Authors, a.Name)
	}

	for _, link := range entry.Links {
		if link.Title == "pdf" || link.Type == "application/pdf" {
			in.PDFURL = link.Href
			break
		}
	}
	if in.PDFURL == "" && arxivID != "" {
		in.PDFURL = "https://arxiv.org/pdf/" + arxivID
	}

	cats := make([]string, 0, len(entry.Categories))
	for _, cat := range entry.Categories {
		if cat.Term != "" {
			cats = append(cats, cat.Term)
		}
	}
	in.Keywords = strings.Join(cats, ", ")

	return domain.NewPaperRecord(in, c.clock.Now())
}
