package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/papersources"
)

type memBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	setKeys []string
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (m *memBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setKeys = append(m.setKeys, key)
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

type countingProvider struct {
	calls  int
	papers []*domain.PaperRecord
}

func (c *countingProvider) Search(context.Context, string, papersources.SearchParams) []*domain.PaperRecord {
	c.calls++
	return c.papers
}

func (c *countingProvider) Recent(context.Context, []string, papersources.Window) []*domain.PaperRecord {
	c.calls++
	return c.papers
}

func (c *countingProvider) Source() domain.Source { return domain.SourceCitationGraph }
func (c *countingProvider) Name() string          { return "semantic_scholar" }

type stepClock struct{ t time.Time }

func (s *stepClock) Now() time.Time {
	s.t = s.t.Add(time.Minute)
	return s.t
}

func samplePapers(t *testing.T) []*domain.PaperRecord {
	t.Helper()
	pub := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	p, err := domain.NewPaperRecord(domain.RecordInput{
		ExternalID:      "abc123",
		Source:          domain.SourceCitationGraph,
		Title:           "Quantum Speedup",
		Authors:         []string{"Ada"},
		PublicationDate: &pub,
		DOI:             "10.1/x",
		CitationCount:   5,
	}, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return []*domain.PaperRecord{p}
}

func TestProvider_Search(t *testing.T) {
	t.Run("second call is served from cache with fresh fetched_at", func(t *testing.T) {
		backend := newMemBackend()
		next := &countingProvider{papers: samplePapers(t)}
		clock := &stepClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
		p := New(next, backend, time.Hour, clock, zerolog.Nop())

		first := p.Search(context.Background(), "quantum", papersources.SearchParams{MaxResults: 5})
		second := p.Search(context.Background(), "quantum", papersources.SearchParams{MaxResults: 5})

		assert.Equal(t, 1, next.calls)
		require.Len(t, first, 1)
		require.Len(t, second, 1)
		assert.Equal(t, first[0].ExternalID, second[0].ExternalID)
		assert.Equal(t, first[0].Title, second[0].Title)
		assert.Equal(t, first[0].DOI, second[0].DOI)
		assert.Equal(t, 2024, second[0].YearValue())
		assert.True(t, second[0].FetchedAt.After(first[0].FetchedAt))

		require.Len(t, backend.setKeys, 1)
		assert.True(t, strings.HasPrefix(backend.setKeys[0], "tracker:provider:semantic_scholar:search:"))
		assert.Equal(t, time.Hour, backend.ttls[backend.setKeys[0]])
	})

	t.Run("different params use different keys", func(t *testing.T) {
		backend := newMemBackend()
		next := &countingProvider{papers: samplePapers(t)}
		p := New(next, backend, 0, nil, zerolog.Nop())

		p.Search(context.Background(), "quantum", papersources.SearchParams{YearFrom: 2023})
		p.Search(context.Background(), "quantum", papersources.SearchParams{YearFrom: 2024})

		assert.Equal(t, 2, next.calls)
		assert.Equal(t, DefaultTTL, backend.ttls[backend.setKeys[0]])
	})

	t.Run("empty results are not cached", func(t *testing.T) {
		backend := newMemBackend()
		next := &countingProvider{papers: []*domain.PaperRecord{}}
		p := New(next, backend, 0, nil, zerolog.Nop())

		p.Search(context.Background(), "q", papersources.SearchParams{})
		p.Search(context.Background(), "q", papersources.SearchParams{})

		assert.Equal(t, 2, next.calls)
		assert.Empty(t, backend.setKeys)
	})

	t.Run("backend errors are bypassed", func(t *testing.T) {
		backend := newMemBackend()
		backend.getErr = errors.New("connection refused")
		backend.setErr = errors.New("connection refused")
		next := &countingProvider{papers: samplePapers(t)}
		p := New(next, backend, 0, nil, zerolog.Nop())

		papers := p.Search(context.Background(), "q", papersources.SearchParams{})
		assert.Len(t, papers, 1)
		assert.Equal(t, 1, next.calls)
	})

	t.Run("undecodable entries are refetched", func(t *testing.T) {
		backend := newMemBackend()
		next := &countingProvider{papers: samplePapers(t)}
		p := New(next, backend, 0, nil, zerolog.Nop())
		key := p.key("search", struct {
			Query  string
			Params papersources.SearchParams
		}{"q", papersources.SearchParams{}})
		backend.data[key] = []byte("not json")

		papers := p.Search(context.Background(), "q", papersources.SearchParams{})
		assert.Len(t, papers, 1)
		assert.Equal(t, 1, next.calls)
	})

	t.Run("entries with no valid records are refetched", func(t *testing.T) {
		backend := newMemBackend()
		next := &countingProvider{papers: samplePapers(t)}
		p := New(next, backend, 0, nil, zerolog.Nop())
		key := p.key("search", struct {
			Query  string
			Params papersources.SearchParams
		}{"q", papersources.SearchParams{}})
		backend.data[key] = []byte(`[{"external_id":"x1","source":"citation_graph","title":""}]`)

		papers := p.Search(context.Background(), "q", papersources.SearchParams{})
		require.Len(t, papers, 1)
		assert.Equal(t, "abc123", papers[0].ExternalID)
		assert.Equal(t, 1, next.calls)
		assert.Equal(t, []string{key}, backend.setKeys)
	})
}

func TestProvider_Recent(t *testing.T) {
	backend := newMemBackend()
	next := &countingProvider{papers: samplePapers(t)}
	p := New(next, backend, 0, nil, zerolog.Nop())

	window := papersources.Window{Days: 7}
	p.Recent(context.Background(), []string{"a", "b"}, window)
	p.Recent(context.Background(), []string{"a", "b"}, window)
	p.Recent(context.Background(), []string{"b", "a"}, window)

	assert.Equal(t, 2, next.calls)
	assert.Equal(t, "semantic_scholar", p.Name())
	assert.Equal(t, domain.SourceCitationGraph, p.Source())
}

func TestRedisBackend_Unreachable(t *testing.T) {
	_, err := NewRedisBackend(context.Background(), RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	})
	assert.Error(t, err)
}
