package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/database"
	"github.com/helixir/research-tracker/internal/domain"
)

// Compile-time interface verification.
var (
	_ PaperStore   = (*PgPaperStore)(nil)
	_ PoolReporter = (*PgPaperStore)(nil)
)

const pgBackend = "postgres"

// PgPaperStore is a PostgreSQL implementation of PaperStore.
type PgPaperStore struct {
	db      database.TxDBTX
	logger  zerolog.Logger
	closeFn func()
}

// NewPgPaperStore creates a PostgreSQL paper store on db. closeFn, when not
// nil, is called by Close.
func NewPgPaperStore(db database.TxDBTX, logger zerolog.Logger, closeFn func()) *PgPaperStore {
	return &PgPaperStore{
		db:      db,
		logger:  logger.With().Str("component", "paper_store").Str("backend", pgBackend).Logger(),
		closeFn: closeFn,
	}
}

const paperColumns = `id, external_id, source, title, authors, year, publication_date,
	venue, publisher, abstract, url, pdf_url, doi, citation_count, fetched_at,
	processed, published, summary_zh, investment_insights, keywords`

// Insert stores a new paper record.
func (s *PgPaperStore) Insert(ctx context.Context, paper *domain.PaperRecord) (*domain.PaperRecord, error) {
	if paper == nil {
		return nil, domain.NewValidationError("paper", "paper cannot be nil")
	}

	authorsJSON, err := json.Marshal(nonNilAuthors(paper.Authors))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authors: %w", err)
	}

	externalID := domain.NormalizeExternalID(paper.Source, paper.ExternalID)

	query := `
		INSERT INTO papers (
			external_id, source, title, title_normalized, authors, first_author,
			year, publication_date, venue, publisher, abstract, url, pdf_url, doi,
			citation_count, fetched_at, processed, published, summary_zh,
			investment_insights, keywords
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
		)
		RETURNING id`

	var id int64
	err = s.db.QueryRow(ctx, query,
		externalID,
		string(paper.Source),
		paper.Title,
		domain.NormalizeTitle(paper.Title),
		authorsJSON,
		paper.FirstAuthor(),
		paper.Year,
		paper.PublicationDate,
		paper.Venue,
		paper.Publisher,
		paper.Abstract,
		paper.URL,
		paper.PDFURL,
		paper.DOI,
		paper.CitationCount,
		paper.FetchedAt.UTC(),
		paper.Processed,
		paper.Published,
		paper.SummaryZH,
		paper.InvestmentInsights,
		paper.Keywords,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.NewAlreadyExistsError("paper", storedKey(paper.Source, externalID))
		}
		return nil, s.wrap("failed to insert paper", err)
	}

	stored := paper.Clone()
	stored.ID = id
	stored.ExternalID = externalID
	return stored, nil
}

// GetByExternalID retrieves a paper by source and external id.
func (s *PgPaperStore) GetByExternalID(ctx context.Context, source domain.Source, externalID string) (*domain.PaperRecord, error) {
	normalized := domain.NormalizeExternalID(source, externalID)
	if normalized == "" {
		return nil, domain.NewValidationError("external_id", "external id is required")
	}

	query := `SELECT ` + paperColumns + ` FROM papers WHERE source = $1 AND external_id = $2 ORDER BY id LIMIT 1`

	paper, err := scanPgPaper(s.db.QueryRow(ctx, query, string(source), normalized))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", storedKey(source, normalized))
		}
		return nil, s.wrap("failed to get paper by external id", err)
	}
	return paper, nil
}

// GetByNormalizedTitle retrieves the oldest paper with the same normalized title.
func (s *PgPaperStore) GetByNormalizedTitle(ctx context.Context, title string) (*domain.PaperRecord, error) {
	normalized := domain.NormalizeTitle(title)
	if normalized == "" {
		return nil, domain.NewValidationError("title", "title is required")
	}

	query := `SELECT ` + paperColumns + ` FROM papers WHERE title_normalized = $1 ORDER BY id LIMIT 1`

	paper, err := scanPgPaper(s.db.QueryRow(ctx, query, normalized))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", normalized)
		}
		return nil, s.wrap("failed to get paper by title", err)
	}
	return paper, nil
}

// ListRecent lists papers fetched since the given time, newest first.
func (s *PgPaperStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]*domain.PaperRecord, error) {
	query := `SELECT ` + paperColumns + ` FROM papers WHERE fetched_at >= $1 ORDER BY fetched_at DESC, id DESC LIMIT $2`
	return s.list(ctx, "failed to list recent papers", query, since.UTC(), clampLimit(limit))
}

// ListTopCited lists papers fetched since the given time by citation count.
func (s *PgPaperStore) ListTopCited(ctx context.Context, since time.Time, limit int) ([]*domain.PaperRecord, error) {
	query := `SELECT ` + paperColumns + ` FROM papers WHERE fetched_at >= $1 ORDER BY citation_count DESC, id ASC LIMIT $2`
	return s.list(ctx, "failed to list top cited papers", query, since.UTC(), clampLimit(limit))
}

// ListAll lists every paper ordered by ID.
func (s *PgPaperStore) ListAll(ctx context.Context) ([]*domain.PaperRecord, error) {
	query := `SELECT ` + paperColumns + ` FROM papers ORDER BY id`
	return s.list(ctx, "failed to list papers", query)
}

// ListUnprocessed lists papers awaiting a summary, oldest first.
func (s *PgPaperStore) ListUnprocessed(ctx context.Context, limit int) ([]*domain.PaperRecord, error) {
	query := `SELECT ` + paperColumns + ` FROM papers WHERE processed = false ORDER BY fetched_at ASC, id ASC LIMIT $1`
	return s.list(ctx, "failed to list unprocessed papers", query, clampLimit(limit))
}

// ListByKeyword lists papers mentioning keyword in title or abstract.
func (s *PgPaperStore) ListByKeyword(ctx context.Context, keyword string, limit int) ([]*domain.PaperRecord, error) {
	pattern, err := keywordPattern(keyword)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + paperColumns + ` FROM papers
		WHERE title ILIKE $1 ESCAPE '\' OR abstract ILIKE $1 ESCAPE '\'
		ORDER BY citation_count DESC, id ASC LIMIT $2`
	return s.list(ctx, "failed to list papers by keyword", query, pattern, clampLimit(limit))
}

// ListUnpublished lists processed papers awaiting publication, newest first.
func (s *PgPaperStore) ListUnpublished(ctx context.Context, limit int) ([]*domain.PaperRecord, error) {
	query := `SELECT ` + paperColumns + ` FROM papers WHERE processed = true AND published = false ORDER BY fetched_at DESC, id DESC LIMIT $1`
	return s.list(ctx, "failed to list unpublished papers", query, clampLimit(limit))
}

// MarkProcessed records a summary for a paper.
func (s *PgPaperStore) MarkProcessed(ctx context.Context, id int64, summaryZH, keywords, insights string) error {
	query := `UPDATE papers SET summary_zh = $2, keywords = $3, investment_insights = $4, processed = true WHERE id = $1`
	return s.exec(ctx, "failed to mark paper processed", id, query, id, summaryZH, keywords, insights)
}

// MarkPublished flags a paper published.
func (s *PgPaperStore) MarkPublished(ctx context.Context, id int64) error {
	return s.exec(ctx, "failed to mark paper published", id, `UPDATE papers SET published = true WHERE id = $1`, id)
}

// exec runs a single-row statement, mapping zero affected rows to not found.
func (s *PgPaperStore) exec(ctx context.Context, msg string, id int64, query string, args ...interface{}) error {
	result, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return s.wrap(msg, err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("paper", fmt.Sprintf("%d", id))
	}
	return nil
}

// Delete removes a paper by ID.
func (s *PgPaperStore) Delete(ctx context.Context, id int64) error {
	return s.exec(ctx, "failed to delete paper", id, `DELETE FROM papers WHERE id = $1`, id)
}

// EnsureUniqueIndex creates the (source, external_id) unique index when missing.
func (s *PgPaperStore) EnsureUniqueIndex(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'papers' AND indexname = $1)`,
		UniqueIndexName,
	).Scan(&exists)
	if err != nil {
		return false, s.wrap("failed to check unique index", err)
	}
	if exists {
		return false, nil
	}

	if _, err := s.db.Exec(ctx, `CREATE UNIQUE INDEX `+UniqueIndexName+` ON papers (source, external_id)`); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, fmt.Errorf("duplicate (source, external_id) rows prevent unique index: %w", err)
		}
		return false, s.wrap("failed to create unique index", err)
	}

	s.logger.Info().Str("index", UniqueIndexName).Msg("unique index created")
	return true, nil
}

// Count returns the number of stored papers.
func (s *PgPaperStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM papers`).Scan(&count); err != nil {
		return 0, s.wrap("failed to count papers", err)
	}
	return count, nil
}

// Ping checks that PostgreSQL answers queries.
func (s *PgPaperStore) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `SELECT 1`); err != nil {
		return s.wrap("ping failed", err)
	}
	return nil
}

// PoolHealth reports pgxpool statistics when the store owns the pool.
func (s *PgPaperStore) PoolHealth(ctx context.Context) (database.HealthStatus, bool) {
	db, ok := s.db.(*database.DB)
	if !ok {
		return database.HealthStatus{}, false
	}
	return db.Health(ctx), true
}

// WithinTx runs fn inside a transaction. Inside an existing transaction a
// savepoint is used.
func (s *PgPaperStore) WithinTx(ctx context.Context, fn func(tx PaperStore) error) error {
	err := database.WithTransaction(ctx, s.db, s.logger, func(tx pgx.Tx) error {
		return fn(&PgPaperStore{db: tx, logger: s.logger})
	})
	if err != nil && !isDomainError(err) {
		return s.wrap("transaction failed", err)
	}
	return err
}

// Close releases the connection pool.
func (s *PgPaperStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PgPaperStore) list(ctx context.Context, msg, query string, args ...interface{}) ([]*domain.PaperRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, s.wrap(msg, err)
	}
	defer rows.Close()

	papers := make([]*domain.PaperRecord, 0)
	for rows.Next() {
		paper, err := scanPgPaper(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan paper: %w", err)
		}
		papers = append(papers, paper)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(msg, err)
	}
	return papers, nil
}

// wrap classifies connection-level failures as store unavailable.
func (s *PgPaperStore) wrap(msg string, err error) error {
	if isPgConnectionError(err) {
		return domain.NewStoreUnavailableError(pgBackend, fmt.Errorf("%s: %w", msg, err))
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// isPgConnectionError reports whether err means the server could not be reached.
func isPgConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P01-03 are shutdown states.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// isDomainError reports whether err already carries a domain classification.
func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrAlreadyExists) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrStoreUnavailable)
}

// pgPaperScanDest holds the destination pointers for scanning a paper row.
type pgPaperScanDest struct {
	paper       domain.PaperRecord
	source      string
	authorsJSON []byte
}

func (d *pgPaperScanDest) destinations() []interface{} {
	return []interface{}{
		&d.paper.ID, &d.paper.ExternalID, &d.source, &d.paper.Title, &d.authorsJSON,
		&d.paper.Year, &d.paper.PublicationDate, &d.paper.Venue, &d.paper.Publisher,
		&d.paper.Abstract, &d.paper.URL, &d.paper.PDFURL, &d.paper.DOI,
		&d.paper.CitationCount, &d.paper.FetchedAt, &d.paper.Processed, &d.paper.Published,
		&d.paper.SummaryZH, &d.paper.InvestmentInsights, &d.paper.Keywords,
	}
}

func (d *pgPaperScanDest) finalize() (*domain.PaperRecord, error) {
	d.paper.Source = domain.Source(d.source)
	d.paper.Authors = []string{}
	if len(d.authorsJSON) > 0 {
		if err := json.Unmarshal(d.authorsJSON, &d.paper.Authors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal authors: %w", err)
		}
	}
	d.paper.FetchedAt = d.paper.FetchedAt.UTC()
	return &d.paper, nil
}

// scanPgPaper scans a single row into a PaperRecord.
func scanPgPaper(row pgx.Row) (*domain.PaperRecord, error) {
	var dest pgPaperScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

func nonNilAuthors(authors []string) []string {
	if authors == nil {
		return []string{}
	}
	return authors
}
