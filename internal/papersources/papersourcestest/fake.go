// Package papersourcestest provides a scripted Provider for tests.
package papersourcestest

import (
	"context"
	"sync"
	"time"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/papersources"
)

// Call records one invocation of a fake provider.
type Call struct {
	Method   string
	Query    string
	Keywords []string
	Params   papersources.SearchParams
	Window   papersources.Window
}

// Provider returns canned records per query. Unknown queries return nothing,
// which is also how real adapters report failures.
type Provider struct {
	ProviderName string
	ProviderSrc  domain.Source

	// Responses maps a query (or keyword, for Recent) to its records.
	Responses map[string][]*domain.PaperRecord

	mu    sync.Mutex
	calls []Call
}

// New creates a fake provider.
func New(name string, source domain.Source) *Provider {
	return &Provider{
		ProviderName: name,
		ProviderSrc:  source,
		Responses:    make(map[string][]*domain.PaperRecord),
	}
}

// On registers the records returned for query and returns the provider.
func (p *Provider) On(query string, papers ...*domain.PaperRecord) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Responses[query] = papers
	return p
}

// Search implements papersources.Provider.
func (p *Provider) Search(ctx context.Context, query string, params papersources.SearchParams) []*domain.PaperRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Method: "search", Query: query, Params: params})
	return clone(p.Responses[query])
}

// Recent implements papersources.Provider.
func (p *Provider) Recent(ctx context.Context, keywords []string, window papersources.Window) []*domain.PaperRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Method: "recent", Keywords: append([]string(nil), keywords...), Window: window})

	var out []*domain.PaperRecord
	for _, kw := range keywords {
		out = append(out, clone(p.Responses[kw])...)
	}
	return out
}

// Source implements papersources.Provider.
func (p *Provider) Source() domain.Source { return p.ProviderSrc }

// Name implements papersources.Provider.
func (p *Provider) Name() string { return p.ProviderName }

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallsFor returns how many times query was searched.
func (p *Provider) CallsFor(query string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Query == query {
			n++
			continue
		}
		for _, kw := range c.Keywords {
			if kw == query {
				n++
			}
		}
	}
	return n
}

func clone(papers []*domain.PaperRecord) []*domain.PaperRecord {
	if len(papers) == 0 {
		return nil
	}
	out := make([]*domain.PaperRecord, len(papers))
	for i, p := range papers {
		out[i] = p.Clone()
	}
	return out
}

// Record builds a valid record for tests. It panics on invalid input.
func Record(source domain.Source, externalID, title string, citations int, fetchedAt time.Time) *domain.PaperRecord {
	p, err := domain.NewPaperRecord(domain.RecordInput{
		ExternalID:    externalID,
		Source:        source,
		Title:         title,
		Authors:       []string{"Test Author"},
		Year:          fetchedAt.Year(),
		CitationCount: citations,
	}, fetchedAt)
	if err != nil {
		panic(err)
	}
	return p
}
