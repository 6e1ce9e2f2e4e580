package scholar

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/helixir/research-tracker/internal/domain"
)

var (
	// titleTag matches result-type markers such as "[PDF]" or "[CITATION]".
	titleTag = regexp.MustCompile(`^(?:\[[A-Z]+\]\s*)+`)

	yearPattern    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	citedByPattern = regexp.MustCompile(`Cited by (\d+)`)
)

// Result is one parsed search result block.
type Result struct {
	Title         string
	URL           string
	PDFURL        string
	Authors       []string
	Venue         string
	Publisher     string
	Year          int
	Snippet       string
	CitationCount int
}

// ExternalID derives a stable identifier from the normalized title, since
// result pages carry no durable paper id.
func ExternalID(title string) string {
	sum := sha256.Sum256([]byte(domain.NormalizeTitle(title)))
	return "scholar_" + hex.EncodeToString(sum[:])[:16]
}

// ParseResults extracts result blocks from a search results page. Blocks
// without a title are returned with an empty Title so the caller can log them.
func ParseResults(r io.Reader) ([]Result, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	var results []Result
	doc.Find("div.gs_r").Each(func(_ int, block *goquery.Selection) {
		body := block.Find("div.gs_ri").First()
		if body.Length() == 0 {
			return
		}

		var res Result
		heading := body.Find("h3.gs_rt").First()
		link := heading.Find("a").First()
		if link.Length() > 0 {
			res.Title = link.Text()
			res.URL, _ = link.Attr("href")
		} else {
			res.Title = heading.Text()
		}
		res.Title = strings.TrimSpace(titleTag.ReplaceAllString(strings.TrimSpace(res.Title), ""))

		res.Authors, res.Venue, res.Year, res.Publisher = parseByline(body.Find("div.gs_a").First().Text())
		res.Snippet = strings.TrimSpace(body.Find("div.gs_rs").First().Text())

		body.Find("div.gs_fl a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			if m := citedByPattern.FindStringSubmatch(a.Text()); m != nil {
				res.CitationCount, _ = strconv.Atoi(m[1])
				return false
			}
			return true
		})

		if href, ok := block.Find("div.gs_ggs a").First().Attr("href"); ok {
			res.PDFURL = href
		}

		results = append(results, res)
	})
	return results, nil
}

// parseByline splits "A Author, B Author - Venue, 2023 - publisher.com".
func parseByline(line string) (authors []string, venue string, year int, publisher string) {
	line = strings.ReplaceAll(line, "\u00a0", " ")
	parts := strings.Split(line, " - ")

	for _, a := range strings.Split(parts[0], ",") {
		a = strings.TrimSpace(strings.Trim(strings.TrimSpace(a), "…"))
		if a != "" {
			authors = append(authors, a)
		}
	}

	if len(parts) > 1 {
		middle := parts[1]
		if m := yearPattern.FindString(middle); m != "" {
			year, _ = strconv.Atoi(m)
			middle = strings.Replace(middle, m, "", 1)
		}
		venue = strings.Trim(strings.TrimSpace(middle), ",… ")
	}
	if len(parts) > 2 {
		publisher = strings.TrimSpace(parts[len(parts)-1])
	}
	return authors, venue, year, publisher
}
