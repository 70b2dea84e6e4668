// Package event holds the persistence substrate for event-sourced entities
// and the domain events published through the outbox.
//
// Every entity (proposal, facility, collateral, obligation, ...) is stored as
// an ordered stream of records keyed by its id. Appends carry the version the
// writer loaded; a store rejects the append if the stream has moved on.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/xraph/lending/id"
)

var (
	ErrNotFound               = errors.New("event: stream not found")
	ErrConcurrentModification = errors.New("event: concurrent modification")
	ErrDuplicateLookup        = errors.New("event: duplicate lookup key")
	ErrUnknownEvent           = errors.New("event: unknown event type")
)

// Record is one persisted entity event.
type Record struct {
	EntityType string          `json:"entity_type"`
	EntityID   id.ID           `json:"entity_id"`
	Sequence   int64           `json:"sequence"`
	FacilityID id.ID           `json:"facility_id"`
	LookupKey  string          `json:"lookup_key,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Store is the append-only entity event store.
type Store interface {
	// AppendEvents appends records to a single stream. expectedVersion is the
	// sequence of the last record the caller has seen (0 for a new stream).
	// A mismatch returns ErrConcurrentModification. A lookup key already
	// registered by another stream of the same entity type returns
	// ErrDuplicateLookup.
	AppendEvents(ctx context.Context, expectedVersion int64, records []Record) error

	// LoadEvents returns the stream ordered by sequence, or ErrNotFound.
	LoadEvents(ctx context.Context, entityID id.ID) ([]Record, error)

	// FindEntity returns the stream whose records carry lookupKey.
	FindEntity(ctx context.Context, entityType, lookupKey string) (id.ID, error)

	// ListEntities returns the ids of all streams of entityType attached to
	// facilityID, in creation order. A nil facilityID lists every stream.
	ListEntities(ctx context.Context, entityType string, facilityID id.ID) ([]id.ID, error)
}
