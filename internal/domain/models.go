// Package domain provides the canonical paper record and identity rules for the research tracker.
package domain

import "fmt"

// Source identifies the provider namespace an external id belongs to.
// These values must match the values stored in papers.source.
type Source string

const (
	SourceArXiv         Source = "arxiv"
	SourceCitationGraph Source = "citation_graph"
	SourceOpenCatalog   Source = "open_catalog"
	SourceLegacyScrape  Source = "legacy_scrape"
)

// AllSources returns every known source in a stable order.
func AllSources() []Source {
	return []Source{SourceArXiv, SourceCitationGraph, SourceOpenCatalog, SourceLegacyScrape}
}

// IsValid reports whether s is a known source.
func (s Source) IsValid() bool {
	switch s {
	case SourceArXiv, SourceCitationGraph, SourceOpenCatalog, SourceLegacyScrape:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s Source) String() string {
	return string(s)
}

// ParseSource converts a stored or configured value into a Source.
func ParseSource(v string) (Source, error) {
	s := Source(v)
	if !s.IsValid() {
		return "", NewValidationError("source", fmt.Sprintf("unknown source %q", v))
	}
	return s, nil
}
