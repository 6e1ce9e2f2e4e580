package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/helixir/research-tracker/internal/maintenance"
	"github.com/helixir/research-tracker/internal/pipeline"
	"github.com/helixir/research-tracker/internal/summarizer"
)

// TitleMaxLen truncates titles in human output.
const TitleMaxLen = 70

// outputJSON writes a value as formatted JSON to w.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fetchOutput is the JSON shape printed by fetch.
type fetchOutput struct {
	RunID      string         `json:"run_id"`
	Keywords   []string       `json:"keywords"`
	Providers  map[string]int `json:"providers"`
	Collected  int            `json:"collected"`
	Candidates int            `json:"candidates"`
	Inserted   int            `json:"inserted"`
	Duplicate  int            `json:"duplicate"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	NewPapers  []paperOutput  `json:"new_papers"`
}

type paperOutput struct {
	ID            int64  `json:"id"`
	Source        string `json:"source"`
	ExternalID    string `json:"external_id"`
	Title         string `json:"title"`
	Year          *int   `json:"year,omitempty"`
	CitationCount int    `json:"citation_count"`
	URL           string `json:"url,omitempty"`
}

func newFetchOutput(r *pipeline.Result) fetchOutput {
	out := fetchOutput{
		RunID:      r.RunID,
		Keywords:   make([]string, 0, len(r.Keywords)),
		Providers:  make(map[string]int),
		Collected:  r.Collected,
		Candidates: r.Candidates,
		Inserted:   r.Inserted,
		Duplicate:  r.Duplicate,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		NewPapers:  make([]paperOutput, 0, len(r.NewPapers)),
	}
	for _, kw := range r.Keywords {
		out.Keywords = append(out.Keywords, kw.Keyword)
		if kw.Provider != "" {
			out.Providers[kw.Provider] += kw.Count
		}
	}
	for _, p := range r.NewPapers {
		out.NewPapers = append(out.NewPapers, paperOutput{
			ID:            p.ID,
			Source:        string(p.Source),
			ExternalID:    p.ExternalID,
			Title:         p.Title,
			Year:          p.Year,
			CitationCount: p.CitationCount,
			URL:           p.URL,
		})
	}
	return out
}

// printFetchResult writes a fetch result as JSON or text.
func printFetchResult(w io.Writer, r *pipeline.Result) error {
	out := newFetchOutput(r)
	if !humanOutput {
		return outputJSON(w, out)
	}

	fmt.Fprintf(w, "Keywords:   %s\n", strings.Join(out.Keywords, ", "))
	for _, kw := range r.Keywords {
		provider := kw.Provider
		if provider == "" {
			provider = "(none)"
		}
		fmt.Fprintf(w, "  %-30s %s (%d)\n", truncateString(kw.Keyword, 30), provider, kw.Count)
	}
	fmt.Fprintf(w, "Collected:  %d\n", out.Collected)
	fmt.Fprintf(w, "Candidates: %d\n", out.Candidates)
	fmt.Fprintf(w, "Inserted:   %d  Duplicate: %d  Failed: %d  Skipped: %d\n",
		out.Inserted, out.Duplicate, out.Failed, out.Skipped)

	if len(out.NewPapers) == 0 {
		fmt.Fprintln(w, "No new papers.")
		return nil
	}
	fmt.Fprintln(w, "New papers:")
	for _, p := range out.NewPapers {
		year := "----"
		if p.Year != nil {
			year = fmt.Sprintf("%d", *p.Year)
		}
		fmt.Fprintf(w, "  [%s] %s %s (%d citations)\n", p.Source, year, truncateString(p.Title, TitleMaxLen), p.CitationCount)
	}
	return nil
}

// printDedupeSummary writes a maintenance summary as JSON or text.
func printDedupeSummary(w io.Writer, s *maintenance.Summary) error {
	if !humanOutput {
		return outputJSON(w, s)
	}

	if s.DryRun {
		fmt.Fprintln(w, "Dry run, nothing was deleted.")
	}
	fmt.Fprintf(w, "Removed by id:    %d\n", s.RemovedByID)
	fmt.Fprintf(w, "Removed by title: %d\n", s.RemovedByTitle)
	fmt.Fprintf(w, "Unique index:     %s\n", s.IndexStatus)
	if s.IndexError != "" {
		fmt.Fprintf(w, "Index error:      %s\n", s.IndexError)
	}
	fmt.Fprintf(w, "Papers remaining: %d\n", s.TotalAfter)
	return nil
}

// printProcessReport writes a summarization report as JSON or text.
func printProcessReport(w io.Writer, r *summarizer.Report) error {
	if !humanOutput {
		return outputJSON(w, r)
	}
	fmt.Fprintf(w, "Processed: %d  Failed: %d\n", r.Processed, r.Failed)
	return nil
}

// truncateString shortens s to max runes, marking the cut with "...".
func truncateString(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
