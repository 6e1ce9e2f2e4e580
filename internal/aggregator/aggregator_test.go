package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/observability"
	"github.com/helixir/research-tracker/internal/papersources"
	"github.com/helixir/research-tracker/internal/papersources/papersourcestest"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func rec(source domain.Source, id, title string, citations int) *domain.PaperRecord {
	return papersourcestest.Record(source, id, title, citations, t0)
}

func titles(papers []*domain.PaperRecord) []string {
	out := make([]string, len(papers))
	for i, p := range papers {
		out[i] = p.Title
	}
	return out
}

func TestAggregate_Deterministic(t *testing.T) {
	build := func() []papersources.Provider {
		p1 := papersourcestest.New("semantic_scholar", domain.SourceCitationGraph).
			On("a", rec(domain.SourceCitationGraph, "s1", "Alpha", 3), rec(domain.SourceCitationGraph, "s2", "Beta", 3))
		p2 := papersourcestest.New("openalex", domain.SourceOpenCatalog).
			On("b", rec(domain.SourceOpenCatalog, "W1", "Gamma", 3), rec(domain.SourceOpenCatalog, "W2", "Delta", 7))
		return []papersources.Provider{p1, p2}
	}

	agg := New(zerolog.Nop())
	first := agg.Aggregate(context.Background(), []string{"a", "b"}, build(), 0)
	second := agg.Aggregate(context.Background(), []string{"a", "b"}, build(), 0)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)

	assert.Equal(t, string(firstJSON), string(secondJSON))
	assert.Equal(t, []string{"Delta", "Alpha", "Beta", "Gamma"}, titles(first.Papers))
}

func TestAggregate_FallbackShortCircuit(t *testing.T) {
	p1 := papersourcestest.New("semantic_scholar", domain.SourceCitationGraph).
		On("a", rec(domain.SourceCitationGraph, "s1", "Alpha", 1))
	p2 := papersourcestest.New("openalex", domain.SourceOpenCatalog).
		On("a", rec(domain.SourceOpenCatalog, "W1", "Other", 1)).
		On("b", rec(domain.SourceOpenCatalog, "W2", "Beta", 1))

	result := New(zerolog.Nop()).Aggregate(context.Background(), []string{"a", "b"}, []papersources.Provider{p1, p2}, 0)

	assert.Equal(t, 1, p1.CallsFor("a"))
	assert.Equal(t, 0, p2.CallsFor("a"), "fallback must not be queried after a non-empty answer")
	assert.Equal(t, 1, p1.CallsFor("b"))
	assert.Equal(t, 1, p2.CallsFor("b"))

	require.Len(t, result.Keywords, 2)
	assert.Equal(t, KeywordResult{Keyword: "a", Provider: "semantic_scholar", Count: 1}, result.Keywords[0])
	assert.Equal(t, KeywordResult{Keyword: "b", Provider: "openalex", Count: 1}, result.Keywords[1])
	assert.Equal(t, []string{"Alpha", "Beta"}, titles(result.Papers))
}

func TestAggregate_Ranking(t *testing.T) {
	p1 := papersourcestest.New("openalex", domain.SourceOpenCatalog).
		On("a",
			rec(domain.SourceOpenCatalog, "W10", "Ten", 10),
			rec(domain.SourceOpenCatalog, "W100", "Hundred", 100),
			rec(domain.SourceOpenCatalog, "W50", "Fifty", 50),
		)

	result := New(zerolog.Nop()).Aggregate(context.Background(), []string{"a"}, []papersources.Provider{p1}, 0)

	counts := make([]int, len(result.Papers))
	for i, p := range result.Papers {
		counts[i] = p.CitationCount
	}
	assert.Equal(t, []int{100, 50, 10}, counts)
}

func TestAggregate_TieBreaksOnFetchedAt(t *testing.T) {
	later := papersourcestest.Record(domain.SourceArXiv, "2401.00002", "Later", 5, t0.Add(time.Minute))
	earlier := papersourcestest.Record(domain.SourceArXiv, "2401.00001", "Earlier", 5, t0)
	p1 := papersourcestest.New("arxiv", domain.SourceArXiv).On("a", later, earlier)

	result := New(zerolog.Nop()).Aggregate(context.Background(), []string{"a"}, []papersources.Provider{p1}, 0)
	assert.Equal(t, []string{"Earlier", "Later"}, titles(result.Papers))
}

func TestAggregate_EmptyUniverse(t *testing.T) {
	p1 := papersourcestest.New("semantic_scholar", domain.SourceCitationGraph)
	p2 := papersourcestest.New("openalex", domain.SourceOpenCatalog)

	result := New(zerolog.Nop()).Aggregate(context.Background(), []string{"a", "b"}, []papersources.Provider{p1, p2}, 10)

	assert.Empty(t, result.Papers)
	assert.NotNil(t, result.Papers)
	assert.Zero(t, result.Collected)
	assert.Equal(t, "", result.Keywords[0].Provider)
	assert.Len(t, p2.Calls(), 2)
}

func TestAggregate_NoProviders(t *testing.T) {
	result := New(zerolog.Nop()).Aggregate(context.Background(), []string{"a"}, nil, 10)
	assert.Empty(t, result.Papers)
}

func TestAggregate_QuantumSpeedupScenario(t *testing.T) {
	p1 := papersourcestest.New("semantic_scholar", domain.SourceCitationGraph).
		On("quantum computing",
			rec(domain.SourceCitationGraph, "abc111", "Quantum Speedup", 5),
			rec(domain.SourceCitationGraph, "abc222", "Quantum  speedup", 5),
		)

	result := New(zerolog.Nop()).Aggregate(context.Background(), []string{"quantum computing"}, []papersources.Provider{p1}, 2)

	assert.Equal(t, 2, result.Collected)
	assert.Equal(t, 1, result.Deduplicated)
	require.Len(t, result.Papers, 1)
	assert.Equal(t, "abc111", result.Papers[0].ExternalID)
}

func TestAggregate_CrossKeywordDedupFirstSeenWins(t *testing.T) {
	p1 := papersourcestest.New("arxiv", domain.SourceArXiv).
		On("a", rec(domain.SourceArXiv, "2401.12345v1", "Shared", 1)).
		On("b", rec(domain.SourceArXiv, "2401.12345v2", "Shared (revised)", 9))

	result := New(zerolog.Nop()).Aggregate(context.Background(), []string{"a", "b"}, []papersources.Provider{p1}, 0)

	require.Len(t, result.Papers, 1)
	assert.Equal(t, "Shared", result.Papers[0].Title)
}

func TestAggregate_Truncates(t *testing.T) {
	p1 := papersourcestest.New("openalex", domain.SourceOpenCatalog)
	var papers []*domain.PaperRecord
	for i := 0; i < 5; i++ {
		papers = append(papers, rec(domain.SourceOpenCatalog, fmt.Sprintf("W%d", i), fmt.Sprintf("Paper %d", i), i))
	}
	p1.On("a", papers...)

	result := New(zerolog.Nop()).Aggregate(context.Background(), []string{"a"}, []papersources.Provider{p1}, 2)

	assert.Equal(t, 5, result.Deduplicated)
	assert.Equal(t, []string{"Paper 4", "Paper 3"}, titles(result.Papers))
}

func TestAggregate_ParallelMatchesSequential(t *testing.T) {
	keywords := make([]string, 8)
	for i := range keywords {
		keywords[i] = fmt.Sprintf("kw%d", i)
	}
	build := func() []papersources.Provider {
		p1 := papersourcestest.New("semantic_scholar", domain.SourceCitationGraph)
		p2 := papersourcestest.New("openalex", domain.SourceOpenCatalog)
		for i := range keywords {
			if i%2 == 0 {
				p1.On(keywords[i], rec(domain.SourceCitationGraph, fmt.Sprintf("s%d", i), fmt.Sprintf("Title %d", i), i%3))
			}
			p2.On(keywords[i],
				rec(domain.SourceOpenCatalog, fmt.Sprintf("W%d", i), fmt.Sprintf("Title %d", i), 1),
				rec(domain.SourceOpenCatalog, "Wshared", "Shared Title", 1),
			)
		}
		return []papersources.Provider{p1, p2}
	}

	sequential := New(zerolog.Nop()).Aggregate(context.Background(), keywords, build(), 0)
	parallel := New(zerolog.Nop(), WithParallel(4)).Aggregate(context.Background(), keywords, build(), 0)

	seqJSON, err := json.Marshal(sequential)
	require.NoError(t, err)
	parJSON, err := json.Marshal(parallel)
	require.NoError(t, err)
	assert.JSONEq(t, string(seqJSON), string(parJSON))
}

// stampingProvider stamps fetched_at from a live clock, like the real
// adapters, and can stall on chosen keywords.
type stampingProvider struct {
	clock *domain.FetchClock
	delay map[string]time.Duration
}

func (p *stampingProvider) Search(ctx context.Context, query string, params papersources.SearchParams) []*domain.PaperRecord {
	time.Sleep(p.delay[query])
	return []*domain.PaperRecord{
		papersourcestest.Record(domain.SourceCitationGraph, "s2-"+query, "T "+query, 5, p.clock.Now()),
	}
}

func (p *stampingProvider) Recent(ctx context.Context, keywords []string, window papersources.Window) []*domain.PaperRecord {
	return nil
}

func (p *stampingProvider) Source() domain.Source { return domain.SourceCitationGraph }

func (p *stampingProvider) Name() string { return "semantic_scholar" }

func TestAggregate_ParallelRankingIgnoresCompletionOrder(t *testing.T) {
	keywords := []string{"a", "b", "c"}
	newProvider := func() *stampingProvider {
		return &stampingProvider{
			clock: domain.NewFetchClock(nil),
			delay: map[string]time.Duration{"a": 50 * time.Millisecond, "b": 20 * time.Millisecond},
		}
	}

	sequential := New(zerolog.Nop()).Aggregate(context.Background(), keywords, []papersources.Provider{newProvider()}, 0)
	parallel := New(zerolog.Nop(), WithParallel(3)).Aggregate(context.Background(), keywords, []papersources.Provider{newProvider()}, 0)

	assert.Equal(t, []string{"T a", "T b", "T c"}, titles(sequential.Papers))
	assert.Equal(t, titles(sequential.Papers), titles(parallel.Papers))
}

func TestRestampInMergeOrder(t *testing.T) {
	papers := []*domain.PaperRecord{
		papersourcestest.Record(domain.SourceArXiv, "1", "One", 0, t0.Add(2*time.Second)),
		papersourcestest.Record(domain.SourceArXiv, "2", "Two", 0, t0),
		papersourcestest.Record(domain.SourceArXiv, "3", "Three", 0, t0.Add(3*time.Second)),
	}

	restampInMergeOrder(papers)

	assert.Equal(t, t0.Add(2*time.Second), papers[0].FetchedAt)
	assert.Equal(t, t0.Add(2*time.Second), papers[1].FetchedAt)
	assert.Equal(t, t0.Add(3*time.Second), papers[2].FetchedAt)
}

// citationTable answers arXiv lookups from a fixed map.
type citationTable struct {
	counts      map[string]int
	rateLimitAt string
	asked       []string
}

func (c *citationTable) GetByArXivID(_ context.Context, id string) (*domain.PaperRecord, error) {
	c.asked = append(c.asked, id)
	if id == c.rateLimitAt {
		return nil, domain.NewRateLimitError("semantic_scholar", time.Minute)
	}
	n, ok := c.counts[id]
	if !ok {
		return nil, domain.NewNotFoundError("paper", "arXiv:"+id)
	}
	return rec(domain.SourceArXiv, id, "looked up "+id, n), nil
}

func TestAggregate_CitationEnrichment(t *testing.T) {
	build := func() []papersources.Provider {
		return []papersources.Provider{
			papersourcestest.New("arxiv", domain.SourceArXiv).On("a",
				rec(domain.SourceArXiv, "2401.00001", "Unknown Count", 0),
				rec(domain.SourceArXiv, "2401.00002", "Well Cited", 0),
				rec(domain.SourceArXiv, "2401.00003", "Already Counted", 5),
				rec(domain.SourceOpenCatalog, "W9", "Other Source", 0),
				rec(domain.SourceArXiv, "2401.00004", "Past Limit", 0),
			),
		}
	}

	t.Run("ranks by looked up counts within the limit", func(t *testing.T) {
		lookup := &citationTable{counts: map[string]int{"2401.00002": 40, "2401.00004": 90}}
		agg := New(zerolog.Nop(), WithCitationEnrichment(lookup, 2))

		result := agg.Aggregate(context.Background(), []string{"a"}, build(), 0)

		assert.Equal(t, []string{"2401.00001", "2401.00002"}, lookup.asked)
		assert.Equal(t, []string{"Well Cited", "Already Counted", "Unknown Count", "Other Source", "Past Limit"}, titles(result.Papers))
		assert.Equal(t, 40, result.Papers[0].CitationCount)
	})

	t.Run("rate limit stops further lookups", func(t *testing.T) {
		lookup := &citationTable{counts: map[string]int{"2401.00002": 40}, rateLimitAt: "2401.00001"}
		agg := New(zerolog.Nop(), WithCitationEnrichment(lookup, 10))

		result := agg.Aggregate(context.Background(), []string{"a"}, build(), 0)

		assert.Equal(t, []string{"2401.00001"}, lookup.asked)
		assert.Equal(t, "Already Counted", result.Papers[0].Title)
	})
}

func TestAggregate_WithRecent(t *testing.T) {
	window := papersources.Window{Days: 30, MinAgeDays: 7}
	p1 := papersourcestest.New("arxiv", domain.SourceArXiv).
		On("robotics", rec(domain.SourceArXiv, "2401.00001", "Robots", 0))

	result := New(zerolog.Nop(), WithRecent(window)).Aggregate(context.Background(), []string{"robotics"}, []papersources.Provider{p1}, 0)

	require.Len(t, result.Papers, 1)
	calls := p1.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "recent", calls[0].Method)
	assert.Equal(t, []string{"robotics"}, calls[0].Keywords)
	assert.Equal(t, window, calls[0].Window)
}

func TestAggregate_WithSearchParams(t *testing.T) {
	params := papersources.SearchParams{MaxResults: 25, YearFrom: 2023}
	p1 := papersourcestest.New("openalex", domain.SourceOpenCatalog)

	New(zerolog.Nop(), WithSearchParams(params)).Aggregate(context.Background(), []string{"a"}, []papersources.Provider{p1}, 0)

	calls := p1.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Method)
	assert.Equal(t, params, calls[0].Params)
}

func TestAggregate_CancelledContextStopsFallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p1 := papersourcestest.New("semantic_scholar", domain.SourceCitationGraph)
	result := New(zerolog.Nop()).Aggregate(ctx, []string{"a"}, []papersources.Provider{p1}, 0)

	assert.Empty(t, result.Papers)
	assert.Empty(t, p1.Calls())
}

func TestAggregate_RecordsMetrics(t *testing.T) {
	m := observability.NewMetricsWith("tracker", prometheus.NewRegistry())
	p1 := papersourcestest.New("semantic_scholar", domain.SourceCitationGraph)
	p2 := papersourcestest.New("openalex", domain.SourceOpenCatalog).
		On("a", rec(domain.SourceOpenCatalog, "W1", "One", 1), rec(domain.SourceOpenCatalog, "W2", "Two", 1))

	New(zerolog.Nop(), WithMetrics(m)).Aggregate(context.Background(), []string{"a"}, []papersources.Provider{p1, p2}, 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SearchesEmpty.WithLabelValues("semantic_scholar")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SearchesCompleted.WithLabelValues("openalex")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PapersBySource.WithLabelValues("openalex")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AggregationRuns))
}

func TestDedup_IdentityOrTitle(t *testing.T) {
	papers := []*domain.PaperRecord{
		rec(domain.SourceArXiv, "2401.1", "One", 0),
		rec(domain.SourceOpenCatalog, "2401.1", "Two", 0),  // same id, other source: kept
		rec(domain.SourceArXiv, "2401.1v3", "Three", 0),    // same identity: dropped
		rec(domain.SourceCitationGraph, "x", "  ONE  ", 0), // same title: dropped
		rec(domain.SourceCitationGraph, "y", "One.", 0),    // punctuation differs: kept
	}

	assert.Equal(t, []string{"One", "Two", "One."}, titles(Dedup(papers)))
}
