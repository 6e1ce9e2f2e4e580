package httpserver

import (
	"time"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/pipeline"
)

type paperResponse struct {
	ID                 int64      `json:"id"`
	Source             string     `json:"source"`
	ExternalID         string     `json:"external_id"`
	Title              string     `json:"title"`
	Authors            []string   `json:"authors"`
	Year               *int       `json:"year,omitempty"`
	PublicationDate    *time.Time `json:"publication_date,omitempty"`
	Venue              string     `json:"venue,omitempty"`
	Abstract           string     `json:"abstract,omitempty"`
	URL                string     `json:"url,omitempty"`
	PdfURL             string     `json:"pdf_url,omitempty"`
	DOI                string     `json:"doi,omitempty"`
	CitationCount      int        `json:"citation_count"`
	FetchedAt          time.Time  `json:"fetched_at"`
	Processed          bool       `json:"processed"`
	Published          bool       `json:"published"`
	Keywords           string     `json:"keywords,omitempty"`
	SummaryZH          string     `json:"summary_zh,omitempty"`
	InvestmentInsights string     `json:"investment_insights,omitempty"`
}

type listPapersResponse struct {
	Papers     []paperResponse `json:"papers"`
	Since      *time.Time      `json:"since,omitempty"`
	TotalCount int             `json:"total_count"`
}

type fetchResponse struct {
	RunID      string          `json:"run_id"`
	Collected  int             `json:"collected"`
	Candidates int             `json:"candidates"`
	Inserted   int             `json:"inserted"`
	Duplicate  int             `json:"duplicate"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	NewPapers  []paperResponse `json:"new_papers"`
}

func domainPaperToResponse(p *domain.PaperRecord) paperResponse {
	authors := p.Authors
	if authors == nil {
		authors = []string{}
	}
	return paperResponse{
		ID:                 p.ID,
		Source:             string(p.Source),
		ExternalID:         p.ExternalID,
		Title:              p.Title,
		Authors:            authors,
		Year:               p.Year,
		PublicationDate:    p.PublicationDate,
		Venue:              p.Venue,
		Abstract:           p.Abstract,
		URL:                p.URL,
		PdfURL:             p.PDFURL,
		DOI:                p.DOI,
		CitationCount:      p.CitationCount,
		FetchedAt:          p.FetchedAt,
		Processed:          p.Processed,
		Published:          p.Published,
		Keywords:           p.Keywords,
		SummaryZH:          p.SummaryZH,
		InvestmentInsights: p.InvestmentInsights,
	}
}

func papersToResponse(papers []*domain.PaperRecord) []paperResponse {
	out := make([]paperResponse, len(papers))
	for i, p := range papers {
		out[i] = domainPaperToResponse(p)
	}
	return out
}

func fetchResultToResponse(r *pipeline.Result) fetchResponse {
	return fetchResponse{
		RunID:      r.RunID,
		Collected:  r.Collected,
		Candidates: r.Candidates,
		Inserted:   r.Inserted,
		Duplicate:  r.Duplicate,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		NewPapers:  papersToResponse(r.NewPapers),
	}
}
