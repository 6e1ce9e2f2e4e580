package domain

import (
	"regexp"
	"strings"
)

var (
	// arxivVersionSuffix matches a trailing version marker such as "v2".
	arxivVersionSuffix = regexp.MustCompile(`v\d+$`)

	// arxivURLPrefix matches abs/pdf URLs on arxiv.org.
	arxivURLPrefix = regexp.MustCompile(`^(?:https?://)?(?:export\.|www\.)?arxiv\.org/(?:abs|pdf)/`)

	// arxivNewStyle matches post-2007 identifiers (YYMM.NNNN or YYMM.NNNNN).
	arxivNewStyle = regexp.MustCompile(`^\d{4}\.\d{4,5}(?:v\d+)?$`)

	// arxivOldStyle matches pre-2007 identifiers (archive/YYMMNNN).
	arxivOldStyle = regexp.MustCompile(`^[a-z\-]+(?:\.[A-Z]{2})?/\d{7}(?:v\d+)?$`)
)

var doiResolverPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi:",
}

// NormalizeArXivID canonicalizes an arXiv identifier by removing URL and
// "arXiv:" prefixes, a trailing ".pdf", and the version suffix.
//
//	NormalizeArXivID("2401.12345v2")                      // "2401.12345"
//	NormalizeArXivID("http://arxiv.org/abs/2401.12345v1") // "2401.12345"
//	NormalizeArXivID("hep-th/9901001v3")                  // "hep-th/9901001"
func NormalizeArXivID(id string) string {
	id = strings.TrimSpace(id)
	id = arxivURLPrefix.ReplaceAllString(id, "")
	if len(id) >= 6 && strings.EqualFold(id[:6], "arxiv:") {
		id = id[6:]
	}
	id = strings.TrimSuffix(id, ".pdf")
	return arxivVersionSuffix.ReplaceAllString(id, "")
}

// LooksLikeArXivID reports whether id has the shape of an arXiv identifier.
func LooksLikeArXivID(id string) bool {
	id = strings.TrimSpace(id)
	id = arxivURLPrefix.ReplaceAllString(id, "")
	if len(id) >= 6 && strings.EqualFold(id[:6], "arxiv:") {
		id = id[6:]
	}
	return arxivNewStyle.MatchString(id) || arxivOldStyle.MatchString(id)
}

// NormalizeDOI lower-cases a DOI and strips resolver prefixes.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	lower := strings.ToLower(doi)
	for _, prefix := range doiResolverPrefixes {
		if strings.HasPrefix(lower, prefix) {
			lower = lower[len(prefix):]
			break
		}
	}
	return strings.TrimSpace(lower)
}

// NormalizeExternalID puts a provider id into the canonical form used for
// identity comparison within its source namespace.
func NormalizeExternalID(source Source, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if source == SourceArXiv {
		return NormalizeArXivID(id)
	}
	if strings.HasPrefix(id, "10.") || strings.HasPrefix(strings.ToLower(id), "doi:") ||
		strings.Contains(strings.ToLower(id), "doi.org/") {
		return NormalizeDOI(id)
	}
	return id
}

// NormalizeTitle lower-cases a title and collapses all whitespace runs to a
// single space. No other folding is applied.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// CleanTitle collapses whitespace in a display title without changing case.
func CleanTitle(title string) string {
	return strings.Join(strings.Fields(title), " ")
}

// IdentityKey returns the source-scoped identifier key of a record.
func IdentityKey(source Source, externalID string) string {
	return string(source) + ":" + NormalizeExternalID(source, externalID)
}

// IdentityKey returns the source-scoped identifier key of the record.
func (p *PaperRecord) IdentityKey() string {
	return IdentityKey(p.Source, p.ExternalID)
}

// TitleKey returns the normalized title used as the secondary identity key.
func (p *PaperRecord) TitleKey() string {
	return NormalizeTitle(p.Title)
}
