package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/helixir/research-tracker/internal/domain"
)

// Compile-time interface verification.
var _ PaperStore = (*MemPaperStore)(nil)

type memData struct {
	rows        []*domain.PaperRecord
	nextID      int64
	uniqueIndex bool
}

func (d *memData) snapshot() memData {
	rows := make([]*domain.PaperRecord, len(d.rows))
	for i, r := range d.rows {
		rows[i] = r.Clone()
	}
	return memData{rows: rows, nextID: d.nextID, uniqueIndex: d.uniqueIndex}
}

// MemPaperStore is an in-memory PaperStore used by tests and the memory://
// store URL. Without the unique index it accepts duplicate identities, which
// mirrors a legacy store before the dedupe job has run.
type MemPaperStore struct {
	mu   *sync.Mutex
	data *memData
	inTx bool
}

// NewMemPaperStore creates an empty in-memory store.
func NewMemPaperStore(uniqueIndex bool) *MemPaperStore {
	return &MemPaperStore{
		mu:   &sync.Mutex{},
		data: &memData{nextID: 1, uniqueIndex: uniqueIndex},
	}
}

func (s *MemPaperStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Insert stores a copy of paper.
func (s *MemPaperStore) Insert(ctx context.Context, paper *domain.PaperRecord) (*domain.PaperRecord, error) {
	if paper == nil {
		return nil, domain.NewValidationError("paper", "paper cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer s.lock()()

	stored := paper.Clone()
	stored.ExternalID = domain.NormalizeExternalID(paper.Source, paper.ExternalID)
	if stored.Authors == nil {
		stored.Authors = []string{}
	}
	stored.FetchedAt = stored.FetchedAt.UTC()

	if s.data.uniqueIndex {
		for _, r := range s.data.rows {
			if r.Source == stored.Source && r.ExternalID == stored.ExternalID {
				return nil, domain.NewAlreadyExistsError("paper", storedKey(stored.Source, stored.ExternalID))
			}
		}
	}

	stored.ID = s.data.nextID
	s.data.nextID++
	s.data.rows = append(s.data.rows, stored)
	return stored.Clone(), nil
}

// GetByExternalID retrieves a paper by source and external id.
func (s *MemPaperStore) GetByExternalID(ctx context.Context, source domain.Source, externalID string) (*domain.PaperRecord, error) {
	normalized := domain.NormalizeExternalID(source, externalID)
	if normalized == "" {
		return nil, domain.NewValidationError("external_id", "external id is required")
	}

	defer s.lock()()

	for _, r := range s.data.rows {
		if r.Source == source && r.ExternalID == normalized {
			return r.Clone(), nil
		}
	}
	return nil, domain.NewNotFoundError("paper", storedKey(source, normalized))
}

// GetByNormalizedTitle retrieves the oldest paper with the same normalized title.
func (s *MemPaperStore) GetByNormalizedTitle(ctx context.Context, title string) (*domain.PaperRecord, error) {
	normalized := domain.NormalizeTitle(title)
	if normalized == "" {
		return nil, domain.NewValidationError("title", "title is required")
	}

	defer s.lock()()

	for _, r := range s.data.rows {
		if r.TitleKey() == normalized {
			return r.Clone(), nil
		}
	}
	return nil, domain.NewNotFoundError("paper", normalized)
}

// ListRecent lists papers fetched since the given time, newest first.
func (s *MemPaperStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]*domain.PaperRecord, error) {
	papers := s.filter(func(r *domain.PaperRecord) bool { return !r.FetchedAt.Before(since) })
	sort.SliceStable(papers, func(i, j int) bool {
		if !papers[i].FetchedAt.Equal(papers[j].FetchedAt) {
			return papers[i].FetchedAt.After(papers[j].FetchedAt)
		}
		return papers[i].ID > papers[j].ID
	})
	return truncate(papers, clampLimit(limit)), nil
}

// ListTopCited lists papers fetched since the given time by citation count.
func (s *MemPaperStore) ListTopCited(ctx context.Context, since time.Time, limit int) ([]*domain.PaperRecord, error) {
	papers := s.filter(func(r *domain.PaperRecord) bool { return !r.FetchedAt.Before(since) })
	sort.SliceStable(papers, func(i, j int) bool {
		if papers[i].CitationCount != papers[j].CitationCount {
			return papers[i].CitationCount > papers[j].CitationCount
		}
		return papers[i].ID < papers[j].ID
	})
	return truncate(papers, clampLimit(limit)), nil
}

// ListAll lists every paper ordered by ID.
func (s *MemPaperStore) ListAll(ctx context.Context) ([]*domain.PaperRecord, error) {
	return s.filter(func(*domain.PaperRecord) bool { return true }), nil
}

// ListUnprocessed lists papers awaiting a summary, oldest first.
func (s *MemPaperStore) ListUnprocessed(ctx context.Context, limit int) ([]*domain.PaperRecord, error) {
	papers := s.filter(func(r *domain.PaperRecord) bool { return !r.Processed })
	sort.SliceStable(papers, func(i, j int) bool {
		if !papers[i].FetchedAt.Equal(papers[j].FetchedAt) {
			return papers[i].FetchedAt.Before(papers[j].FetchedAt)
		}
		return papers[i].ID < papers[j].ID
	})
	return truncate(papers, clampLimit(limit)), nil
}

// ListByKeyword lists papers mentioning keyword in title or abstract.
func (s *MemPaperStore) ListByKeyword(ctx context.Context, keyword string, limit int) ([]*domain.PaperRecord, error) {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	if needle == "" {
		return nil, domain.NewValidationError("keyword", "keyword is required")
	}

	papers := s.filter(func(r *domain.PaperRecord) bool {
		return strings.Contains(strings.ToLower(r.Title), needle) ||
			strings.Contains(strings.ToLower(r.Abstract), needle)
	})
	sort.SliceStable(papers, func(i, j int) bool {
		if papers[i].CitationCount != papers[j].CitationCount {
			return papers[i].CitationCount > papers[j].CitationCount
		}
		return papers[i].ID < papers[j].ID
	})
	return truncate(papers, clampLimit(limit)), nil
}

// ListUnpublished lists processed papers awaiting publication, newest first.
func (s *MemPaperStore) ListUnpublished(ctx context.Context, limit int) ([]*domain.PaperRecord, error) {
	papers := s.filter(func(r *domain.PaperRecord) bool { return r.Processed && !r.Published })
	sort.SliceStable(papers, func(i, j int) bool {
		if !papers[i].FetchedAt.Equal(papers[j].FetchedAt) {
			return papers[i].FetchedAt.After(papers[j].FetchedAt)
		}
		return papers[i].ID > papers[j].ID
	})
	return truncate(papers, clampLimit(limit)), nil
}

// MarkProcessed records a summary for a paper.
func (s *MemPaperStore) MarkProcessed(ctx context.Context, id int64, summaryZH, keywords, insights string) error {
	return s.update(id, func(r *domain.PaperRecord) {
		r.SummaryZH = summaryZH
		r.Keywords = keywords
		r.InvestmentInsights = insights
		r.Processed = true
	})
}

// MarkPublished flags a paper published.
func (s *MemPaperStore) MarkPublished(ctx context.Context, id int64) error {
	return s.update(id, func(r *domain.PaperRecord) { r.Published = true })
}

func (s *MemPaperStore) update(id int64, apply func(*domain.PaperRecord)) error {
	defer s.lock()()

	for _, r := range s.data.rows {
		if r.ID == id {
			apply(r)
			return nil
		}
	}
	return domain.NewNotFoundError("paper", fmt.Sprintf("%d", id))
}

// Delete removes a paper by ID.
func (s *MemPaperStore) Delete(ctx context.Context, id int64) error {
	defer s.lock()()

	for i, r := range s.data.rows {
		if r.ID == id {
			s.data.rows = append(s.data.rows[:i], s.data.rows[i+1:]...)
			return nil
		}
	}
	return domain.NewNotFoundError("paper", fmt.Sprintf("%d", id))
}

// EnsureUniqueIndex enables identity uniqueness. It fails while duplicate
// identities are stored.
func (s *MemPaperStore) EnsureUniqueIndex(ctx context.Context) (bool, error) {
	defer s.lock()()

	if s.data.uniqueIndex {
		return false, nil
	}

	seen := make(map[string]int64, len(s.data.rows))
	for _, r := range s.data.rows {
		key := r.IdentityKey()
		if first, ok := seen[key]; ok {
			return false, fmt.Errorf("duplicate (source, external_id) rows prevent unique index: %s (ids %d, %d)", key, first, r.ID)
		}
		seen[key] = r.ID
	}

	s.data.uniqueIndex = true
	return true, nil
}

// Count returns the number of stored papers.
func (s *MemPaperStore) Count(ctx context.Context) (int64, error) {
	defer s.lock()()
	return int64(len(s.data.rows)), nil
}

// Ping always succeeds.
func (s *MemPaperStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// WithinTx holds the store lock for the duration of fn and restores the
// previous contents if fn fails.
func (s *MemPaperStore) WithinTx(ctx context.Context, fn func(tx PaperStore) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.data.snapshot()
	committed := false
	defer func() {
		if !committed {
			*s.data = saved
		}
	}()

	if err := fn(&MemPaperStore{mu: s.mu, data: s.data, inTx: true}); err != nil {
		return err
	}
	committed = true
	return nil
}

// Close is a no-op.
func (s *MemPaperStore) Close() error {
	return nil
}

func (s *MemPaperStore) filter(keep func(*domain.PaperRecord) bool) []*domain.PaperRecord {
	defer s.lock()()

	out := make([]*domain.PaperRecord, 0, len(s.data.rows))
	for _, r := range s.data.rows {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func truncate(papers []*domain.PaperRecord, limit int) []*domain.PaperRecord {
	if len(papers) > limit {
		return papers[:limit]
	}
	return papers
}
