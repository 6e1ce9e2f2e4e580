// Package summarizer turns stored papers into a Chinese summary plus an
// investment insight and marks them processed.
package summarizer

import (
	"context"
	"strings"

	"github.com/helixir/research-tracker/internal/domain"
)

// Markers that separate the summary from the insight in a model response.
const (
	InsightMarkerZH = "投资洞察"
	InsightMarkerEN = "Investment Insight"
)

// Markers that open the trailing keyword line of a model response.
const (
	KeywordsMarkerZH = "关键词"
	KeywordsMarkerEN = "Keywords"
)

// Input is the part of a paper the summarizer sees.
type Input struct {
	Title         string
	Abstract      string
	Authors       []string
	Year          int
	Venue         string
	CitationCount int
}

// InputFromRecord builds an Input from a stored record.
func InputFromRecord(p *domain.PaperRecord) Input {
	return Input{
		Title:         p.Title,
		Abstract:      p.Abstract,
		Authors:       append([]string(nil), p.Authors...),
		Year:          p.YearValue(),
		Venue:         p.Venue,
		CitationCount: p.CitationCount,
	}
}

// Summary is a summarizer answer. Insights is empty when the model left the
// insight section out; Keywords is a comma separated list.
type Summary struct {
	SummaryZH string
	Insights  string
	Keywords  string
}

// Summarizer produces a Summary for one paper.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (*Summary, error)
}

// SplitResponse splits a model response on the first insight marker after
// removing a trailing keyword line. Text without a marker is all summary.
func SplitResponse(text string) Summary {
	text, keywords := splitKeywords(text)

	idx, width := -1, 0
	for _, marker := range []string{InsightMarkerZH, InsightMarkerEN} {
		if i := strings.Index(text, marker); i >= 0 && (idx < 0 || i < idx) {
			idx, width = i, len(marker)
		}
	}
	if idx < 0 {
		return Summary{SummaryZH: strings.TrimSpace(text), Keywords: keywords}
	}

	summary := trimHeading(text[:idx])
	insight := strings.TrimLeft(text[idx+width:], " \t:：*#")
	return Summary{
		SummaryZH: strings.TrimSpace(summary),
		Insights:  strings.TrimSpace(insight),
		Keywords:  keywords,
	}
}

// splitKeywords cuts the last line off text when it starts with a keyword
// marker and returns the keywords joined by ", ".
func splitKeywords(text string) (rest, keywords string) {
	trimmed := strings.TrimRight(text, " \t\r\n")
	start := strings.LastIndex(trimmed, "\n") + 1
	line := strings.TrimLeft(trimmed[start:], " \t#*-")

	for _, marker := range []string{KeywordsMarkerZH, KeywordsMarkerEN} {
		if !strings.HasPrefix(line, marker) {
			continue
		}
		list := strings.FieldsFunc(line[len(marker):], func(r rune) bool {
			switch r {
			case ',', '，', '、', ';', '；', ':', '：', '*':
				return true
			}
			return false
		})
		seen := make(map[string]bool, len(list))
		out := make([]string, 0, len(list))
		for _, kw := range list {
			kw = strings.TrimSpace(kw)
			if kw == "" || seen[strings.ToLower(kw)] {
				continue
			}
			seen[strings.ToLower(kw)] = true
			out = append(out, kw)
		}
		return trimmed[:start], strings.Join(out, ", ")
	}
	return text, ""
}

// trimHeading drops markdown heading characters left dangling before a marker.
func trimHeading(s string) string {
	return strings.TrimRight(s, " \t#*")
}
