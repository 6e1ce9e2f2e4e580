package scholar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/papersources"
)

const resultsPage = `<html><body><div id="gs_res_ccl_mid">
<div class="gs_r gs_or gs_scl" data-cid="aaa">
  <div class="gs_ggs gs_fl"><div class="gs_ggsd"><div class="gs_or_ggsm"><a href="https://arxiv.org/pdf/2401.00001">[PDF] arxiv.org</a></div></div></div>
  <div class="gs_ri">
    <h3 class="gs_rt"><span class="gs_ctc"><span class="gs_ct1">[PDF]</span></span> <a href="https://example.org/paper1">Learning   Dexterous Manipulation</a></h3>
    <div class="gs_a">J Smith, K Lee, M Chen… - Conference on Robot Learning, 2024 - proceedings.mlr.press</div>
    <div class="gs_rs">We present a method for dexterous manipulation.</div>
    <div class="gs_fl"><a href="/scholar?q=related">Related articles</a> <a href="/scholar?cites=1">Cited by 87</a></div>
  </div>
</div>
<div class="gs_r gs_or gs_scl" data-cid="bbb">
  <div class="gs_ri">
    <h3 class="gs_rt"><span class="gs_ct1">[CITATION]</span> Foundations of Robot Planning</h3>
    <div class="gs_a">A Author - 2019</div>
    <div class="gs_fl"><a href="/scholar?q=related">Related articles</a></div>
  </div>
</div>
<div class="gs_r gs_or gs_scl" data-cid="ccc">
  <div class="gs_ri">
    <h3 class="gs_rt"><a href="https://example.org/empty"></a></h3>
    <div class="gs_a">Nobody - Nowhere</div>
  </div>
</div>
</div></body></html>`

var fixedNow = time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	httpClient := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Source:    Name,
		UserAgent: DefaultUserAgent,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	})
	clock := domain.NewFetchClock(func() time.Time { return fixedNow })
	return NewClient(Config{BaseURL: server.URL}, httpClient, clock, zerolog.Nop())
}

func TestParseResults(t *testing.T) {
	results, err := ParseResults(strings.NewReader(resultsPage))
	require.NoError(t, err)
	require.Len(t, results, 3)

	first := results[0]
	assert.Equal(t, "Learning   Dexterous Manipulation", first.Title)
	assert.Equal(t, "https://example.org/paper1", first.URL)
	assert.Equal(t, "https://arxiv.org/pdf/2401.00001", first.PDFURL)
	assert.Equal(t, []string{"J Smith", "K Lee", "M Chen"}, first.Authors)
	assert.Equal(t, "Conference on Robot Learning", first.Venue)
	assert.Equal(t, 2024, first.Year)
	assert.Equal(t, "proceedings.mlr.press", first.Publisher)
	assert.Equal(t, 87, first.CitationCount)
	assert.Equal(t, "We present a method for dexterous manipulation.", first.Snippet)

	second := results[1]
	assert.Equal(t, "Foundations of Robot Planning", second.Title)
	assert.Empty(t, second.URL)
	assert.Equal(t, 2019, second.Year)
	assert.Empty(t, second.Venue)
	assert.Equal(t, 0, second.CitationCount)

	assert.Empty(t, results[2].Title)
}

func TestExternalID(t *testing.T) {
	id := ExternalID("Learning Dexterous Manipulation")
	assert.True(t, strings.HasPrefix(id, "scholar_"))
	assert.Len(t, id, len("scholar_")+16)
	assert.Equal(t, id, ExternalID("  learning   DEXTEROUS manipulation "))
	assert.NotEqual(t, id, ExternalID("Another Paper"))
}

func TestClient_Search(t *testing.T) {
	t.Run("normalizes results", func(t *testing.T) {
		var got map[string][]string
		var ua string
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/scholar", r.URL.Path)
			got = r.URL.Query()
			ua = r.Header.Get("User-Agent")
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(resultsPage))
		})

		papers := client.Search(context.Background(), "dexterous manipulation", papersources.SearchParams{YearFrom: 2023})
		require.Len(t, papers, 2)

		p := papers[0]
		assert.Equal(t, domain.SourceLegacyScrape, p.Source)
		assert.Equal(t, ExternalID("Learning Dexterous Manipulation"), p.ExternalID)
		assert.Equal(t, "Learning Dexterous Manipulation", p.Title)
		assert.Equal(t, 87, p.CitationCount)
		require.NotNil(t, p.Year)
		assert.Equal(t, 2024, *p.Year)
		assert.Nil(t, p.PublicationDate, "a bare year is not a publication date")

		assert.Equal(t, "dexterous manipulation", got["q"][0])
		assert.Equal(t, "2023", got["as_ylo"][0])
		assert.Equal(t, "20", got["num"][0])
		assert.Equal(t, DefaultUserAgent, ua)
	})

	t.Run("blocked page yields empty result", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte("unusual traffic"))
		})

		papers := client.Search(context.Background(), "q", papersources.SearchParams{})
		assert.NotNil(t, papers)
		assert.Empty(t, papers)
	})

	t.Run("captcha page without results yields empty result", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html><body><form id=captcha></form></body></html>"))
		})

		assert.Empty(t, client.Search(context.Background(), "q", papersources.SearchParams{}))
	})
}

func TestClient_Recent(t *testing.T) {
	t.Run("keeps current-year results", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "2023", r.URL.Query().Get("as_ylo"))
			w.Write([]byte(resultsPage))
		})

		papers := client.Recent(context.Background(), []string{"a", "b"}, papersources.Window{})
		require.Len(t, papers, 1)
		assert.Equal(t, "Learning Dexterous Manipulation", papers[0].Title)
	})

	t.Run("falls back to first results when none are current", func(t *testing.T) {
		old := strings.Replace(resultsPage, "Conference on Robot Learning, 2024", "Conference on Robot Learning, 2020", 1)
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(old))
		})

		papers := client.Recent(context.Background(), []string{"a"}, papersources.Window{})
		assert.Len(t, papers, 2)
	})
}
