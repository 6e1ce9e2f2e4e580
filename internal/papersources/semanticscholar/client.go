package semanticscholar

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
	// DefaultBaseURL is the default base URL for the Semantic Scholar Graph API.
	DefaultBaseURL = "https://api.semanticscholar.org/graph/v1"

	// DefaultMinDelay keeps unauthenticated use under 100 requests per 5 minutes.
	DefaultMinDelay = time.Second

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults is the default and maximum page size.
	DefaultMaxResults = 100

	// Name identifies the provider in configuration and logs.
	Name = "semantic_scholar"

	apiKeyHeader = "x-api-key"

	paperFields = "paperId,externalIds,title,abstract,venue,year,authors,citationCount,publicationDate,url,openAccessPdf"
)

// DefaultFieldsOfStudy narrows Recent queries to AI and robotics work.
var DefaultFieldsOfStudy = []string{"Computer Science", "Engineering"}

// Config contains configuration options for the Semantic Scholar client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// APIKey is optional; authenticated requests get higher limits.
	APIKey string

	Timeout     time.Duration
	MinDelay    time.Duration
	MaxResults  int
	MaxAttempts int
	Backoff     papersources.Backoff

	// FieldsOfStudy is applied to Recent queries.
	FieldsOfStudy []string

	Observer papersources.RequestObserver
}

// Client implements papersources.Provider for Semantic Scholar.
type Client struct {
	httpClient *papersources.HTTPClient
	config     Config
	clock      papersources.Clock
	logger     zerolog.Logger
}

var _ papersources.Provider = (*Client)(nil)

// NewClient creates a new Semantic Scholar client with the given configuration.
// If httpClient is nil, a new one will be created with the configuration settings.
func NewClient(cfg Config, httpClient *papersources.HTTPClient, clock papersources.Clock, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MinDelay == 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.MaxResults <= 0 || cfg.MaxResults > DefaultMaxResults {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.FieldsOfStudy == nil {
		cfg.FieldsOfStudy = DefaultFieldsOfStudy
	}

	if httpClient == nil {
		httpClient = papersources.NewHTTPClient(papersources.HTTPClientConfig{
			Source:       Name,
			Timeout:      cfg.Timeout,
			MinDelay:     cfg.MinDelay,
			MaxAttempts:  cfg.MaxAttempts,
			Backoff:      cfg.Backoff,
			APIKey:       cfg.APIKey,
			APIKeyHeader: apiKeyHeader,
			Observer:     cfg.Observer,
		})
	}
	if clock == nil {
		clock = domain.NewFetchClock(nil)
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		clock:      clock,
		logger:     logger.With().Str("provider", Name).Logger(),
	}
}

// searchRequest is the resolved set of query parameters for one call.
type searchRequest struct {
	query         string
	limit         int
	year          string
	dateRange     string
	fieldsOfStudy []string
}

// Search queries the paper search endpoint.
func (c *Client) Search(ctx context.Context, query string, params papersources.SearchParams) []*domain.PaperRecord {
	req := searchRequest{query: query, limit: params.MaxResults}
	if params.YearFrom > 0 {
		req.year = fmt.Sprintf("%d-", params.YearFrom)
	}
	req.dateRange = dateRange(params.DateFrom, params.DateTo)

	papers, err := c.search(ctx, req)
	if err != nil {
		c.logger.Error().Err(err).Str("query", query).Msg("semantic scholar search failed")
		return []*domain.PaperRecord{}
	}
	c.logger.Info().Str("query", query).Int("count", len(papers)).Msg("semantic scholar search completed")
	return papers
}

// Recent searches each keyword for papers from the previous calendar year
// onwards, which leaves time for citation counts to accumulate, and returns
// the union ordered by citation count.
func (c *Client) Recent(ctx context.Context, keywords []string, _ papersources.Window) []*domain.PaperRecord {
	year := c.clock.Now().Year() - 1

	var all []*domain.PaperRecord
	for _, keyword := range keywords {
		if ctx.Err() != nil {
			break
		}
		papers, err := c.search(ctx, searchRequest{
			query:         keyword,
			limit:         DefaultMaxResults,
			year:          fmt.Sprintf("%d-", year),
			fieldsOfStudy: c.config.FieldsOfStudy,
		})
		if err != nil {
			c.logger.Error().Err(err).Str("keyword", keyword).Msg("semantic scholar recent fetch failed")
			continue
		}
		all = append(all, papers...)
	}

	unique := papersources.DedupByIdentity(all)
	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].CitationCount > unique[j].CitationCount
	})
	c.logger.Info().Int("count", len(unique)).Int("year_from", year).Msg("semantic scholar recent completed")
	return unique
}

// Source returns the citation-graph namespace. Papers with an arXiv id are
// emitted in the arXiv namespace instead.
func (c *Client) Source() domain.Source {
	return domain.SourceCitationGraph
}

// Name returns the provider name.
func (c *Client) Name() string {
	return Name
}

// GetByArXivID looks a paper up by its arXiv id. The version suffix is
// dropped before the request. A paper Semantic Scholar does not know yields
// domain.ErrNotFound; exhausted 429 retries yield domain.ErrRateLimited.
func (c *Client) GetByArXivID(ctx context.Context, arxivID string) (*domain.PaperRecord, error) {
	id := domain.NormalizeArXivID(arxivID)
	if id == "" {
		return nil, domain.NewValidationError("arxiv_id", "arXiv id is required")
	}

	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/paper/arXiv:" + id
	u.RawQuery = url.Values{"fields": {paperFields}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domain.NewNotFoundError("paper", "arXiv:"+id)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, domain.NewExternalAPIError(Name, resp.StatusCode, string(body), nil)
	}

	var paper PaperResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&paper); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if paper.ExternalIDs == nil {
		paper.ExternalIDs = &ExternalIDs{}
	}
	if paper.ExternalIDs.ArXiv == "" {
		paper.ExternalIDs.ArXiv = id
	}
	return c.convertToRecord(&paper)
}

func (c *Client) search(ctx context.Context, sr searchRequest) ([]*domain.PaperRecord, error) {
	searchURL, err := c.buildSearchURL(sr)
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
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	papers := make([]*domain.PaperRecord, 0, len(searchResp.Data))
	for i := range searchResp.Data {
		paper, err := c.convertToRecord(&searchResp.Data[i])
		if err != nil {
			c.logger.Warn().Err(err).
				Str("paper_id", searchResp.Data[i].PaperID).
				Str("title", searchResp.Data[i].Title).
				Msg("skipping malformed semantic scholar paper")
			continue
		}
		papers = append(papers, paper)
	}
	return papers, nil
}

func (c *Client) buildSearchURL(sr searchRequest) (string, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/paper/search"

	limit := sr.limit
	if limit <= 0 || limit > c.config.MaxResults {
		limit = c.config.MaxResults
	}

	q := url.Values{}
	q.Set("query", sr.query)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("fields", paperFields)
	if sr.year != "" {
		q.Set("year", sr.year)
	}
	if sr.dateRange != "" {
		q.Set("publicationDateOrYear", sr.dateRange)
	}
	if len(sr.fieldsOfStudy) > 0 {
		q.Set("fieldsOfStudy", strings.Join(sr.fieldsOfStudy, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dateRange renders "from:to" with open ends left blank.
func dateRange(from, to *time.Time) string {
	if from == nil && to == nil {
		return ""
	}
	var f, t string
	if from != nil {
		f = from.Format("2006-01-02")
	}
	if to != nil {
		t = to.Format("2006-01-02")
	}
	return f + ":" + t
}

// convertToRecord maps an API paper into a PaperRecord. A paper that is also
// on arXiv is keyed by its arXiv id in the arXiv namespace so it matches the
// arXiv provider's record for the same paper.
func (c *Client) convertToRecord(p *PaperResult) (*domain.PaperRecord, error) {
	var arxivID, doi string
	if p.ExternalIDs != nil {
		arxivID = strings.TrimSpace(p.ExternalIDs.ArXiv)
		doi = p.ExternalIDs.DOI
	}

	in := domain.RecordInput{
		Title:         p.Title,
		Year:          p.Year,
		Venue:         p.Venue,
		Abstract:      p.Abstract,
		DOI:           doi,
		CitationCount: p.CitationCount,
	}

	if arxivID != "" {
		id := domain.NormalizeArXivID(arxivID)
		in.Source = domain.SourceArXiv
		in.ExternalID = id
		in.URL = "https://arxiv.org/abs/" + id
		in.PDFURL = "https://arxiv.org/pdf/" + id
		in.Publisher = "arXiv"
	} else {
		in.Source = domain.SourceCitationGraph
		in.ExternalID = p.PaperID
		in.URL = p.URL
		in.Publisher = p.Venue
		if p.OpenAccessPDF != nil {
			in.PDFURL = p.OpenAccessPDF.URL
		}
	}

	if p.PublicationDate != "" {
		if t, err := time.Parse("2006-01-02", p.PublicationDate); err == nil {
			in.PublicationDate = &t
		}
	}

	for _, a := range p.Authors {
		in.Authors = append(in.Authors, a.Name)
	}

	return domain.NewPaperRecord(in, c.clock.Now())
}
