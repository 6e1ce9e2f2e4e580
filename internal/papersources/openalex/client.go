package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/papersources"
)

const (
	// DefaultBaseURL is the default OpenAlex API base URL.
	DefaultBaseURL = "https://api.openalex.org"

	// DefaultMinDelay is the minimum delay between requests.
	DefaultMinDelay = time.Second

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults is the default page size.
	DefaultMaxResults = 100

	// MaxPerPage is the largest page OpenAlex serves.
	MaxPerPage = 200

	// Name identifies the provider in configuration and logs.
	Name = "openalex"

	idPrefix = "https://openalex.org/"

	// maxConcepts is how many top-scored concepts become keywords.
	maxConcepts = 5
)

// Config holds configuration for the OpenAlex client.
type Config struct {
	// BaseURL is the OpenAlex API base URL.
	BaseURL string

	// Email is sent as mailto for the polite pool.
	Email string

	Timeout     time.Duration
	MinDelay    time.Duration
	MaxResults  int
	MaxAttempts int
	Backoff     papersources.Backoff

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
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.MaxResults > MaxPerPage {
		c.MaxResults = MaxPerPage
	}
}

// Client implements papersources.Provider for OpenAlex.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
	clock      papersources.Clock
	logger     zerolog.Logger
}

var _ papersources.Provider = (*Client)(nil)

// NewClient creates a new OpenAlex client. A nil httpClient is built from cfg.
func NewClient(cfg Config, httpClient *papersources.HTTPClient, clock papersources.Clock, logger zerolog.Logger) *Client {
	cfg.applyDefaults()

	if httpClient == nil {
		ua := papersources.DefaultUserAgent
		if cfg.Email != "" {
			ua += " (mailto:" + cfg.Email + ")"
		}
		httpClient = papersources.NewHTTPClient(papersources.HTTPClientConfig{
			Source:      Name,
			Timeout:     cfg.Timeout,
			MinDelay:    cfg.MinDelay,
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.Backoff,
			UserAgent:   ua,
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

// Search queries the works endpoint, most cited first.
func (c *Client) Search(ctx context.Context, query string, params papersources.SearchParams) []*domain.PaperRecord {
	var filters []string
	if params.YearFrom > 0 {
		filters = append(filters, fmt.Sprintf("publication_year:>%d", params.YearFrom-1))
	}
	if params.DateFrom != nil {
		filters = append(filters, "from_publication_date:"+params.DateFrom.Format("2006-01-02"))
	}
	if params.DateTo != nil {
		filters = append(filters, "to_publication_date:"+params.DateTo.Format("2006-01-02"))
	}

	papers, err := c.search(ctx, query, params.MaxResults, filters)
	if err != nil {
		c.logger.Error().Err(err).Str("query", query).Msg("openalex search failed")
		return []*domain.PaperRecord{}
	}
	c.logger.Info().Str("query", query).Int("count", len(papers)).Msg("openalex search completed")
	return papers
}

// Recent searches each keyword for works from the current year (windows of
// 180 days or more) or from the previous year onwards, keeping only works
// that have an abstract and at least one citation.
func (c *Client) Recent(ctx context.Context, keywords []string, window papersources.Window) []*domain.PaperRecord {
	year := c.clock.Now().Year()
	yearFilter := fmt.Sprintf("publication_year:>%d", year-1)
	if window.Days >= 180 {
		yearFilter = fmt.Sprintf("publication_year:%d", year)
	}

	var all []*domain.PaperRecord
	for _, keyword := range keywords {
		if ctx.Err() != nil {
			break
		}
		papers, err := c.search(ctx, keyword, DefaultMaxResults, []string{yearFilter})
		if err != nil {
			c.logger.Error().Err(err).Str("keyword", keyword).Msg("openalex recent fetch failed")
			continue
		}
		for _, p := range papers {
			if p.Abstract != "" && p.CitationCount > 0 {
				all = append(all, p)
			}
		}
	}

	unique := papersources.DedupByIdentity(all)
	c.logger.Info().Int("count", len(unique)).Str("filter", yearFilter).Msg("openalex recent completed")
	return unique
}

// Source returns domain.SourceOpenCatalog.
func (c *Client) Source() domain.Source {
	return domain.SourceOpenCatalog
}

// Name returns the provider name.
func (c *Client) Name() string {
	return Name
}

func (c *Client) search(ctx context.Context, query string, limit int, filters []string) ([]*domain.PaperRecord, error) {
	searchURL, err := c.buildSearchURL(query, limit, filters)
	if err != nil {
		return nil, fmt.Errorf("building search URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, domain.NewExternalAPIError(Name, resp.StatusCode, string(body), nil)
	}

	var searchResp SearchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 20<<20)).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	papers := make([]*domain.PaperRecord, 0, len(searchResp.Results))
	for i := range searchResp.Results {
		paper, err := c.workToRecord(&searchResp.Results[i])
		if err != nil {
			c.logger.Warn().Err(err).
				Str("work_id", searchResp.Results[i].ID).
				Str("title", searchResp.Results[i].Title).
				Msg("skipping malformed openalex work")
			continue
		}
		papers = append(papers, paper)
	}
	return papers, nil
}

func (c *Client) buildSearchURL(query string, limit int, filters []string) (string, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/works"

	if limit <= 0 {
		limit = c.config.MaxResults
	}
	if limit > MaxPerPage {
		limit = MaxPerPage
	}

	q := url.Values{}
	q.Set("search", query)
	if len(filters) > 0 {
		q.Set("filter", strings.Join(filters, ","))
	}
	q.Set("sort", "cited_by_count:desc")
	q.Set("per-page", strconv.Itoa(limit))
	q.Set("page", "1")
	if c.config.Email != "" {
		q.Set("mailto", c.config.Email)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) workToRecord(work *Work) (*domain.PaperRecord, error) {
	title := work.Title
	if strings.TrimSpace(title) == "" {
		title = work.DisplayName
	}

	in := domain.RecordInput{
		ExternalID:    strings.TrimPrefix(work.ID, idPrefix),
		Source:        domain.SourceOpenCatalog,
		Title:         title,
		Year:          work.PublicationYear,
		Abstract:      reconstructAbstract(work.AbstractInvertedIndex),
		URL:           work.ID,
		DOI:           work.DOI,
		CitationCount: work.CitedByCount,
		Keywords:      strings.Join(topConcepts(work.Concepts, maxConcepts), ", "),
	}

	if work.PublicationDate != "" {
		if t, err := time.Parse("2006-01-02", work.PublicationDate); err == nil {
			in.PublicationDate = &t
		}
	}

	for _, a := range work.Authorships {
		in.Authors = append(in.Authors, a.Author.DisplayName)
	}

	if loc := work.PrimaryLocation; loc != nil {
		in.PDFURL = loc.PDFURL
		if loc.Source != nil {
			in.Venue = loc.Source.DisplayName
			in.Publisher = loc.Source.HostOrganizationName
		}
	}
	if in.PDFURL == "" && work.OpenAccess != nil {
		in.PDFURL = work.OpenAccess.OAURL
	}

	return domain.NewPaperRecord(in, c.clock.Now())
}

// reconstructAbstract rebuilds abstract text from OpenAlex's inverted index.
func reconstructAbstract(invertedIndex map[string][]int) string {
	if len(invertedIndex) == 0 {
		return ""
	}

	type posWord struct {
		pos  int
		word string
	}
	const maxAbstractWords = 100_000
	totalPairs := 0
	for _, positions := range invertedIndex {
		totalPairs += len(positions)
	}
	// Guard against payloads with excessive position entries.
	if totalPairs > maxAbstractWords {
		return ""
	}

	pairs := make([]posWord, 0, totalPairs)
	for word, positions := range invertedIndex {
		for _, pos := range positions {
			pairs = append(pairs, posWord{pos: pos, word: word})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].pos != pairs[j].pos {
			return pairs[i].pos < pairs[j].pos
		}
		return pairs[i].word < pairs[j].word
	})

	words := make([]string, len(pairs))
	for i, p := range pairs {
		words[i] = p.word
	}
	return strings.Join(words, " ")
}

// topConcepts returns up to n concept names ordered by score.
func topConcepts(concepts []Concept, n int) []string {
	sorted := append([]Concept(nil), concepts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	out := make([]string, 0, n)
	for _, c := range sorted {
		if len(out) == n {
			break
		}
		if c.DisplayName != "" {
			out = append(out, c.DisplayName)
		}
	}
	return out
}
