package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/helixir/research-tracker/internal/domain"
)

// Compile-time interface verification.
var _ PaperStore = (*SQLiteStore)(nil)

const sqliteBackend = "sqlite"

// Timestamps are stored as fixed-width UTC text so lexical order equals time order.
const (
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
	sqliteDateLayout = "2006-01-02"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS papers (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id         TEXT    NOT NULL,
    source              TEXT    NOT NULL CHECK (source IN ('arxiv', 'citation_graph', 'open_catalog', 'legacy_scrape')),
    title               TEXT    NOT NULL,
    title_normalized    TEXT    NOT NULL,
    authors             TEXT    NOT NULL DEFAULT '[]',
    first_author        TEXT    NOT NULL DEFAULT '',
    year                INTEGER,
    publication_date    TEXT,
    venue               TEXT    NOT NULL DEFAULT '',
    publisher           TEXT    NOT NULL DEFAULT '',
    abstract            TEXT    NOT NULL DEFAULT '',
    url                 TEXT    NOT NULL DEFAULT '',
    pdf_url             TEXT    NOT NULL DEFAULT '',
    doi                 TEXT    NOT NULL DEFAULT '',
    citation_count      INTEGER NOT NULL DEFAULT 0 CHECK (citation_count >= 0),
    summary_zh          TEXT    NOT NULL DEFAULT '',
    investment_insights TEXT    NOT NULL DEFAULT '',
    keywords            TEXT    NOT NULL DEFAULT '',
    fetched_at          TEXT    NOT NULL,
    processed           INTEGER NOT NULL DEFAULT 0,
    published           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS papers_title_normalized_idx ON papers (title_normalized);
CREATE INDEX IF NOT EXISTS papers_fetched_at_idx ON papers (fetched_at);
`

// sqlConn is satisfied by *sql.DB and *sql.Tx.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is a single-file SQLite implementation of PaperStore.
type SQLiteStore struct {
	db     *sql.DB
	conn   sqlConn
	logger zerolog.Logger
}

// OpenSQLite opens (or creates) the SQLite database at path and ensures the
// schema exists. When the unique index cannot be created because the file
// already holds duplicate identities, the store still opens and a warning is
// logged; the dedupe job resolves that.
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	logger = logger.With().Str("component", "paper_store").Str("backend", sqliteBackend).Logger()

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, domain.NewStoreUnavailableError(sqliteBackend, fmt.Errorf("create data dir: %w", err))
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.NewStoreUnavailableError(sqliteBackend, fmt.Errorf("open sqlite: %w", err))
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.NewStoreUnavailableError(sqliteBackend, fmt.Errorf("ping sqlite: %w", err))
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, domain.NewStoreUnavailableError(sqliteBackend, fmt.Errorf("%s: %w", pragma, err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	store := &SQLiteStore{db: db, conn: db, logger: logger}

	if _, err := store.EnsureUniqueIndex(ctx); err != nil {
		logger.Warn().Err(err).Msg("unique index missing; run dedupe to remove duplicate identities")
	}

	logger.Info().Str("path", path).Msg("sqlite store opened")
	return store, nil
}

// Insert stores a new paper record.
func (s *SQLiteStore) Insert(ctx context.Context, paper *domain.PaperRecord) (*domain.PaperRecord, error) {
	if paper == nil {
		return nil, domain.NewValidationError("paper", "paper cannot be nil")
	}

	authorsJSON, err := json.Marshal(nonNilAuthors(paper.Authors))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authors: %w", err)
	}

	externalID := domain.NormalizeExternalID(paper.Source, paper.ExternalID)

	var year any
	if paper.Year != nil {
		year = *paper.Year
	}
	var pubDate any
	if paper.PublicationDate != nil {
		pubDate = paper.PublicationDate.UTC().Format(sqliteDateLayout)
	}

	result, err := s.conn.ExecContext(ctx, `
		INSERT INTO papers (
			external_id, source, title, title_normalized, authors, first_author,
			year, publication_date, venue, publisher, abstract, url, pdf_url, doi,
			citation_count, fetched_at, processed, published, summary_zh,
			investment_insights, keywords
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		externalID,
		string(paper.Source),
		paper.Title,
		domain.NormalizeTitle(paper.Title),
		string(authorsJSON),
		paper.FirstAuthor(),
		year,
		pubDate,
		paper.Venue,
		paper.Publisher,
		paper.Abstract,
		paper.URL,
		paper.PDFURL,
		paper.DOI,
		paper.CitationCount,
		formatSQLiteTime(paper.FetchedAt),
		paper.Processed,
		paper.Published,
		paper.SummaryZH,
		paper.InvestmentInsights,
		paper.Keywords,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, domain.NewAlreadyExistsError("paper", storedKey(paper.Source, externalID))
		}
		return nil, fmt.Errorf("failed to insert paper: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted id: %w", err)
	}

	stored := paper.Clone()
	stored.ID = id
	stored.ExternalID = externalID
	return stored, nil
}

// GetByExternalID retrieves a paper by source and external id.
func (s *SQLiteStore) GetByExternalID(ctx context.Context, source domain.Source, externalID string) (*domain.PaperRecord, error) {
	normalized := domain.NormalizeExternalID(source, externalID)
	if normalized == "" {
		return nil, domain.NewValidationError("external_id", "external id is required")
	}

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+paperColumns+` FROM papers WHERE source = ? AND external_id = ? ORDER BY id LIMIT 1`,
		string(source), normalized)

	paper, err := scanSQLitePaper(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", storedKey(source, normalized))
		}
		return nil, fmt.Errorf("failed to get paper by external id: %w", err)
	}
	return paper, nil
}

// GetByNormalizedTitle retrieves the oldest paper with the same normalized title.
func (s *SQLiteStore) GetByNormalizedTitle(ctx context.Context, title string) (*domain.PaperRecord, error) {
	normalized := domain.NormalizeTitle(title)
	if normalized == "" {
		return nil, domain.NewValidationError("title", "title is required")
	}

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+paperColumns+` FROM papers WHERE title_normalized = ? ORDER BY id LIMIT 1`, normalized)

	paper, err := scanSQLitePaper(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", normalized)
		}
		return nil, fmt.Errorf("failed to get paper by title: %w", err)
	}
	return paper, nil
}

// ListRecent lists papers fetched since the given time, newest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]*domain.PaperRecord, error) {
	return s.list(ctx, "failed to list recent papers",
		`SELECT `+paperColumns+` FROM papers WHERE fetched_at >= ? ORDER BY fetched_at DESC, id DESC LIMIT ?`,
		formatSQLiteTime(since), clampLimit(limit))
}

// ListTopCited lists papers fetched since the given time by citation count.
func (s *SQLiteStore) ListTopCited(ctx context.Context, since time.Time, limit int) ([]*domain.PaperRecord, error) {
	return s.list(ctx, "failed to list top cited papers",
		`SELECT `+paperColumns+` FROM papers WHERE fetched_at >= ? ORDER BY citation_count DESC, id ASC LIMIT ?`,
		formatSQLiteTime(since), clampLimit(limit))
}

// ListAll lists every paper ordered by ID.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]*domain.PaperRecord, error) {
	return s.list(ctx, "failed to list papers", `SELECT `+paperColumns+` FROM papers ORDER BY id`)
}

// ListUnprocessed lists papers awaiting a summary, oldest first.
func (s *SQLiteStore) ListUnprocessed(ctx context.Context, limit int) ([]*domain.PaperRecord, error) {
	return s.list(ctx, "failed to list unprocessed papers",
		`SELECT `+paperColumns+` FROM papers WHERE processed = 0 ORDER BY fetched_at ASC, id ASC LIMIT ?`,
		clampLimit(limit))
}

// ListByKeyword lists papers mentioning keyword in title or abstract.
func (s *SQLiteStore) ListByKeyword(ctx context.Context, keyword string, limit int) ([]*domain.PaperRecord, error) {
	pattern, err := keywordPattern(keyword)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, "failed to list papers by keyword",
		`SELECT `+paperColumns+` FROM papers
		WHERE lower(title) LIKE ? ESCAPE '\' OR lower(abstract) LIKE ? ESCAPE '\'
		ORDER BY citation_count DESC, id ASC LIMIT ?`,
		strings.ToLower(pattern), strings.ToLower(pattern), clampLimit(limit))
}

// ListUnpublished lists processed papers awaiting publication, newest first.
func (s *SQLiteStore) ListUnpublished(ctx context.Context, limit int) ([]*domain.PaperRecord, error) {
	return s.list(ctx, "failed to list unpublished papers",
		`SELECT `+paperColumns+` FROM papers WHERE processed = 1 AND published = 0 ORDER BY fetched_at DESC, id DESC LIMIT ?`,
		clampLimit(limit))
}

// MarkProcessed records a summary for a paper.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, id int64, summaryZH, keywords, insights string) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE papers SET summary_zh = ?, keywords = ?, investment_insights = ?, processed = 1 WHERE id = ?`,
		summaryZH, keywords, insights, id)
	if err != nil {
		return fmt.Errorf("failed to mark paper processed: %w", err)
	}
	return requireAffected(result, id)
}

// MarkPublished flags a paper published.
func (s *SQLiteStore) MarkPublished(ctx context.Context, id int64) error {
	result, err := s.conn.ExecContext(ctx, `UPDATE papers SET published = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark paper published: %w", err)
	}
	return requireAffected(result, id)
}

// Delete removes a paper by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM papers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete paper: %w", err)
	}
	return requireAffected(result, id)
}

// EnsureUniqueIndex creates the (source, external_id) unique index when missing.
func (s *SQLiteStore) EnsureUniqueIndex(ctx context.Context) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, UniqueIndexName,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check unique index: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	if _, err := s.conn.ExecContext(ctx,
		`CREATE UNIQUE INDEX `+UniqueIndexName+` ON papers (source, external_id)`); err != nil {
		if isSQLiteUniqueViolation(err) {
			return false, fmt.Errorf("duplicate (source, external_id) rows prevent unique index: %w", err)
		}
		return false, fmt.Errorf("failed to create unique index: %w", err)
	}

	s.logger.Info().Str("index", UniqueIndexName).Msg("unique index created")
	return true, nil
}

// Count returns the number of stored papers.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM papers`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count papers: %w", err)
	}
	return count, nil
}

// Ping checks that the database file is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.NewStoreUnavailableError(sqliteBackend, err)
	}
	return nil
}

// WithinTx runs fn inside a SQLite transaction. Nested calls reuse the
// outer transaction.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx PaperStore) error) (err error) {
	if _, nested := s.conn.(*sql.Tx); nested {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&SQLiteStore{db: s.db, conn: tx, logger: s.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).AnErr("original_error", err).Msg("failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) list(ctx context.Context, msg, query string, args ...any) ([]*domain.PaperRecord, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	defer rows.Close()

	papers := make([]*domain.PaperRecord, 0)
	for rows.Next() {
		paper, err := scanSQLitePaper(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan paper: %w", err)
		}
		papers = append(papers, paper)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	return papers, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePaper(row rowScanner) (*domain.PaperRecord, error) {
	var (
		p           domain.PaperRecord
		source      string
		authorsJSON string
		year        sql.NullInt64
		pubDate     sql.NullString
		fetchedAt   string
	)

	err := row.Scan(
		&p.ID, &p.ExternalID, &source, &p.Title, &authorsJSON, &year, &pubDate,
		&p.Venue, &p.Publisher, &p.Abstract, &p.URL, &p.PDFURL, &p.DOI,
		&p.CitationCount, &fetchedAt, &p.Processed, &p.Published,
		&p.SummaryZH, &p.InvestmentInsights, &p.Keywords,
	)
	if err != nil {
		return nil, err
	}

	p.Source = domain.Source(source)
	p.Authors = []string{}
	if authorsJSON != "" {
		if err := json.Unmarshal([]byte(authorsJSON), &p.Authors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal authors: %w", err)
		}
	}
	if year.Valid {
		y := int(year.Int64)
		p.Year = &y
	}
	if pubDate.Valid && pubDate.String != "" {
		d, err := time.Parse(sqliteDateLayout, pubDate.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse publication_date: %w", err)
		}
		p.PublicationDate = &d
	}
	p.FetchedAt, err = time.Parse(sqliteTimeLayout, fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fetched_at: %w", err)
	}

	return &p, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func requireAffected(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return domain.NewNotFoundError("paper", fmt.Sprintf("%d", id))
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqliteErr.Error(), "UNIQUE")
	}
	return false
}
