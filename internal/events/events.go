// Package events publishes paper lifecycle events to Kafka.
//
// The intake pipeline publishes one PaperIngested event for every newly
// stored record. Publishing is best effort: failures are reported to the
// caller, who logs them without undoing the insert.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/research-tracker/internal/domain"
)

// EventTypePaperIngested is the event type of PaperIngested.
const EventTypePaperIngested = "paper.ingested"

// Publisher delivers paper events.
type Publisher interface {
	PublishPaperIngested(ctx context.Context, paper *domain.PaperRecord) error
	Close() error
}

// PaperIngested announces a newly stored paper.
type PaperIngested struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	OccurredAt    time.Time `json:"occurred_at"`
	InternalID    int64     `json:"internal_id"`
	Source        string    `json:"source"`
	ExternalID    string    `json:"external_id"`
	Title         string    `json:"title"`
	DOI           string    `json:"doi,omitempty"`
	URL           string    `json:"url,omitempty"`
	CitationCount int       `json:"citation_count"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// NewPaperIngested builds the event for a stored record.
func NewPaperIngested(paper *domain.PaperRecord, now time.Time) (PaperIngested, error) {
	if paper == nil {
		return PaperIngested{}, fmt.Errorf("paper is required")
	}
	if paper.ID == 0 {
		return PaperIngested{}, fmt.Errorf("paper %s has no internal id", paper.IdentityKey())
	}

	return PaperIngested{
		EventID:       uuid.NewString(),
		EventType:     EventTypePaperIngested,
		OccurredAt:    now.UTC(),
		InternalID:    paper.ID,
		Source:        string(paper.Source),
		ExternalID:    paper.ExternalID,
		Title:         paper.Title,
		DOI:           paper.DOI,
		URL:           paper.URL,
		CitationCount: paper.CitationCount,
		FetchedAt:     paper.FetchedAt.UTC(),
	}, nil
}

// Key returns the partition key, so events for one paper stay ordered.
func (e PaperIngested) Key() string {
	return e.Source + ":" + e.ExternalID
}

// Marshal encodes the event as JSON.
func (e PaperIngested) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.EventType, err)
	}
	return data, nil
}

// NopPublisher discards events.
type NopPublisher struct{}

// PublishPaperIngested implements Publisher.
func (NopPublisher) PublishPaperIngested(context.Context, *domain.PaperRecord) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
