package domain

import (
	"strings"
	"time"
)

// PaperRecord is the canonical representation of a paper, shared by every
// provider adapter, the aggregator, the intake pipeline and the store.
//
// Optional values are represented by zero values (empty strings, nil
// pointers) and are always present on the struct, so callers never need to
// check whether a field was populated by a particular provider.
type PaperRecord struct {
	// ID is the surrogate key assigned by the store on first insert. Zero
	// means the record has not been persisted.
	ID int64 `json:"internal_id,omitempty"`

	// ExternalID is the provider-supplied identifier, normalized for its source.
	ExternalID string `json:"external_id"`
	Source     Source `json:"source"`

	Title           string     `json:"title"`
	Authors         []string   `json:"authors"`
	Year            *int       `json:"year,omitempty"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
	Venue           string     `json:"venue,omitempty"`
	Publisher       string     `json:"publisher,omitempty"`
	Abstract        string     `json:"abstract,omitempty"`
	URL             string     `json:"url,omitempty"`
	PDFURL          string     `json:"pdf_url,omitempty"`
	DOI             string     `json:"doi,omitempty"`

	// CitationCount is never negative. Providers without citation data
	// report 0.
	CitationCount int `json:"citation_count"`

	// FetchedAt is set when the record is normalized.
	FetchedAt time.Time `json:"fetched_at"`

	// Post-intake fields owned by the summarization step.
	Processed          bool   `json:"processed"`
	Published          bool   `json:"published"`
	SummaryZH          string `json:"summary_zh,omitempty"`
	InvestmentInsights string `json:"investment_insights,omitempty"`
	Keywords           string `json:"keywords,omitempty"`
}

// RecordInput carries raw provider values into NewPaperRecord.
type RecordInput struct {
	ExternalID      string
	Source          Source
	Title           string
	Authors         []string
	Year            int
	PublicationDate *time.Time
	Venue           string
	Publisher       string
	Abstract        string
	URL             string
	PDFURL          string
	DOI             string
	CitationCount   int
	Keywords        string
}

// NewPaperRecord validates raw provider values and builds a PaperRecord.
// A record without a title or without an external id is rejected with a
// ValidationError; such records never enter the pipeline.
func NewPaperRecord(in RecordInput, fetchedAt time.Time) (*PaperRecord, error) {
	if !in.Source.IsValid() {
		return nil, NewValidationError("source", "unknown source "+string(in.Source))
	}

	title := CleanTitle(in.Title)
	if title == "" {
		return nil, NewValidationError("title", "title is required")
	}

	externalID := NormalizeExternalID(in.Source, in.ExternalID)
	if externalID == "" {
		return nil, NewValidationError("external_id", "external id is required")
	}

	authors := make([]string, 0, len(in.Authors))
	for _, a := range in.Authors {
		if a = strings.TrimSpace(a); a != "" {
			authors = append(authors, a)
		}
	}

	rec := &PaperRecord{
		ExternalID:      externalID,
		Source:          in.Source,
		Title:           title,
		Authors:         authors,
		PublicationDate: in.PublicationDate,
		Venue:           strings.TrimSpace(in.Venue),
		Publisher:       strings.TrimSpace(in.Publisher),
		Abstract:        strings.TrimSpace(in.Abstract),
		URL:             strings.TrimSpace(in.URL),
		PDFURL:          strings.TrimSpace(in.PDFURL),
		CitationCount:   in.CitationCount,
		FetchedAt:       fetchedAt.UTC(),
		Keywords:        strings.TrimSpace(in.Keywords),
	}
	if rec.CitationCount < 0 {
		rec.CitationCount = 0
	}
	if in.DOI != "" {
		rec.DOI = NormalizeDOI(in.DOI)
	}

	switch {
	case in.Year > 0:
		year := in.Year
		rec.Year = &year
	case in.PublicationDate != nil:
		year := in.PublicationDate.Year()
		rec.Year = &year
	}

	return rec, nil
}

// FirstAuthor returns the first listed author or an empty string.
func (p *PaperRecord) FirstAuthor() string {
	if len(p.Authors) == 0 {
		return ""
	}
	return p.Authors[0]
}

// YearValue returns the publication year or 0 when unknown.
func (p *PaperRecord) YearValue() int {
	if p.Year == nil {
		return 0
	}
	return *p.Year
}

// Clone returns a deep copy of the record.
func (p *PaperRecord) Clone() *PaperRecord {
	c := *p
	c.Authors = append([]string(nil), p.Authors...)
	if p.Year != nil {
		y := *p.Year
		c.Year = &y
	}
	if p.PublicationDate != nil {
		d := *p.PublicationDate
		c.PublicationDate = &d
	}
	return &c
}
