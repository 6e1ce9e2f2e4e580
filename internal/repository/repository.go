// Package repository provides the paper store: one PaperStore interface with
// PostgreSQL, SQLite and in-memory implementations.
//
// # Identity
//
// A stored paper is identified by (source, external_id), with external_id in
// the normalized form produced by domain.NormalizeExternalID. The unique index
// papers_source_external_id_key on those columns is the safety net behind the
// intake pipeline's check-then-insert. Legacy stores may lack the index until
// EnsureUniqueIndex is run by the dedupe maintenance job.
//
// # Error Handling
//
// All methods return errors from the domain package:
//
//   - domain.ErrNotFound: no matching paper
//   - domain.ErrAlreadyExists: unique (source, external_id) violation
//   - domain.ErrStoreUnavailable: the backend cannot be reached at all
//
// Other errors are wrapped with context using fmt.Errorf and %w.
//
// # Transactions
//
// WithinTx runs a function against a transactional view of the store. All
// reads and writes made through that view commit or roll back together.
//
// # Usage Pattern
//
//	store, _ := repository.Open(ctx, "sqlite://data/papers.db", &cfg.Database, logger)
//	defer store.Close()
//	err := store.WithinTx(ctx, func(tx repository.PaperStore) error {
//	    _, err := tx.Insert(ctx, paper)
//	    return err
//	})
package repository

import (
	"context"
	"strings"
	"time"

	"github.com/helixir/research-tracker/internal/database"
	"github.com/helixir/research-tracker/internal/domain"
)

// DBTX is the database interface supporting both pool and transaction contexts.
type DBTX = database.DBTX

// UniqueIndexName names the unique index on (source, external_id).
const UniqueIndexName = "papers_source_external_id_key"

// List limits.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// PaperStore persists canonical paper records.
type PaperStore interface {
	// Insert stores a new record and returns it with ID assigned. A record
	// whose (source, external_id) is already stored yields
	// domain.ErrAlreadyExists when the unique index is in place.
	Insert(ctx context.Context, paper *domain.PaperRecord) (*domain.PaperRecord, error)

	// GetByExternalID looks a record up by source and external id. The id is
	// normalized before the lookup.
	GetByExternalID(ctx context.Context, source domain.Source, externalID string) (*domain.PaperRecord, error)

	// GetByNormalizedTitle returns the oldest record whose normalized title
	// equals NormalizeTitle(title).
	GetByNormalizedTitle(ctx context.Context, title string) (*domain.PaperRecord, error)

	// ListRecent returns records fetched at or after since, newest first.
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*domain.PaperRecord, error)

	// ListTopCited returns records fetched at or after since ordered by
	// citation count, highest first.
	ListTopCited(ctx context.Context, since time.Time, limit int) ([]*domain.PaperRecord, error)

	// ListAll returns every record ordered by ID.
	ListAll(ctx context.Context) ([]*domain.PaperRecord, error)

	// ListUnprocessed returns records without a summary, oldest first.
	ListUnprocessed(ctx context.Context, limit int) ([]*domain.PaperRecord, error)

	// ListByKeyword returns records whose title or abstract contains keyword,
	// ignoring case, ordered by citation count, highest first.
	ListByKeyword(ctx context.Context, keyword string, limit int) ([]*domain.PaperRecord, error)

	// ListUnpublished returns processed records not yet published, newest first.
	ListUnpublished(ctx context.Context, limit int) ([]*domain.PaperRecord, error)

	// MarkProcessed stores the summary, keywords and insight and flags the
	// record processed.
	MarkProcessed(ctx context.Context, id int64, summaryZH, keywords, insights string) error

	// MarkPublished flags a record published.
	MarkPublished(ctx context.Context, id int64) error

	// Delete removes a record by ID.
	Delete(ctx context.Context, id int64) error

	// EnsureUniqueIndex creates the (source, external_id) unique index if it
	// is missing. created reports whether this call created it.
	EnsureUniqueIndex(ctx context.Context) (created bool, err error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// WithinTx runs fn against a transactional view of the store.
	WithinTx(ctx context.Context, fn func(tx PaperStore) error) error

	// Close releases the backend.
	Close() error
}

// PoolReporter is implemented by stores backed by a connection pool.
// ok is false when the store runs on a transaction or a test double.
type PoolReporter interface {
	PoolHealth(ctx context.Context) (health database.HealthStatus, ok bool)
}

// clampLimit normalizes a list limit to [1, maxListLimit].
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// keywordPattern validates keyword and returns a LIKE pattern matching it as
// a literal substring.
func keywordPattern(keyword string) (string, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return "", domain.NewValidationError("keyword", "keyword is required")
	}
	return "%" + likeEscaper.Replace(keyword) + "%", nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// storedKey renders a paper identity for error messages.
func storedKey(source domain.Source, externalID string) string {
	return domain.IdentityKey(source, externalID)
}
