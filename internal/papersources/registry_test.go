package papersources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-tracker/internal/domain"
)

type stubProvider struct {
	name   string
	source domain.Source
}

func (s *stubProvider) Search(context.Context, string, SearchParams) []*domain.PaperRecord {
	return nil
}

func (s *stubProvider) Recent(context.Context, []string, Window) []*domain.PaperRecord {
	return nil
}

func (s *stubProvider) Source() domain.Source { return s.source }
func (s *stubProvider) Name() string          { return s.name }

func TestRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := NewRegistry()
		p := &stubProvider{name: "semantic_scholar", source: domain.SourceCitationGraph}
		r.Register(p)

		assert.Same(t, p, r.Get("semantic_scholar"))
		assert.Nil(t, r.Get("missing"))
		assert.Equal(t, 1, r.Len())
	})

	t.Run("register replaces same name", func(t *testing.T) {
		r := NewRegistry()
		r.Register(&stubProvider{name: "arxiv"})
		replacement := &stubProvider{name: "arxiv"}
		r.Register(replacement)

		assert.Equal(t, 1, r.Len())
		assert.Same(t, replacement, r.Get("arxiv"))
	})

	t.Run("names are sorted", func(t *testing.T) {
		r := NewRegistry()
		r.Register(&stubProvider{name: "openalex"})
		r.Register(&stubProvider{name: "arxiv"})
		r.Register(&stubProvider{name: "google_scholar"})

		assert.Equal(t, []string{"arxiv", "google_scholar", "openalex"}, r.Names())
	})
}

func TestRegistry_Ordered(t *testing.T) {
	r := NewRegistry()
	s2 := &stubProvider{name: "semantic_scholar"}
	oa := &stubProvider{name: "openalex"}
	gs := &stubProvider{name: "google_scholar"}
	r.Register(s2)
	r.Register(oa)
	r.Register(gs)

	t.Run("preserves configured order", func(t *testing.T) {
		got := r.Ordered([]string{"semantic_scholar", "openalex", "google_scholar"})
		require.Len(t, got, 3)
		assert.Same(t, s2, got[0])
		assert.Same(t, oa, got[1])
		assert.Same(t, gs, got[2])
	})

	t.Run("skips unknown and repeated names", func(t *testing.T) {
		got := r.Ordered([]string{"openalex", "disabled", "openalex", "semantic_scholar"})
		require.Len(t, got, 2)
		assert.Same(t, oa, got[0])
		assert.Same(t, s2, got[1])
	})

	t.Run("empty order", func(t *testing.T) {
		assert.Empty(t, r.Ordered(nil))
	})
}
