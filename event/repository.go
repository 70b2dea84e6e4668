package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/lending/id"
)

// Payload is implemented by every entity event variant.
type Payload interface {
	EventType() string
}

// Keyed is implemented by variants that register a lookup key for their
// stream (a payment reference, a governance process id).
type Keyed interface {
	LookupKey() string
}

// Changes tracks the persisted version of an entity and the events raised
// since it was loaded. Entities embed it.
type Changes[E Payload] struct {
	version int64
	pending []E
}

// Version returns the sequence of the last persisted event.
func (c *Changes[E]) Version() int64 { return c.version }

// Uncommitted returns the events raised since the last load or save.
func (c *Changes[E]) Uncommitted() []E { return c.pending }

// Committed marks all pending events as persisted at version.
func (c *Changes[E]) Committed(version int64) {
	c.version = version
	c.pending = nil
}

// Raise queues an event for the next save.
func (c *Changes[E]) Raise(e E) { c.pending = append(c.pending, e) }

// Aggregate is an entity persisted as an event stream.
type Aggregate[E Payload] interface {
	StreamID() id.ID
	StreamFacility() id.ID
	Version() int64
	Uncommitted() []E
	Committed(version int64)
}

// Repository loads and saves one entity type on a Store.
type Repository[T Aggregate[E], E Payload] struct {
	store      Store
	entityType string
	decode     func(Record) (E, error)
	fold       func([]E) (T, error)
	notFound   error
	duplicate  error
	now        func() time.Time
}

// NewRepository builds a repository. notFound and duplicate, when set,
// replace ErrNotFound and ErrDuplicateLookup in returned errors while keeping
// them matchable with errors.Is.
func NewRepository[T Aggregate[E], E Payload](
	s Store,
	entityType string,
	decode func(Record) (E, error),
	fold func([]E) (T, error),
	notFound, duplicate error,
) *Repository[T, E] {
	return &Repository[T, E]{
		store:      s,
		entityType: entityType,
		decode:     decode,
		fold:       fold,
		notFound:   notFound,
		duplicate:  duplicate,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Save appends the entity's pending events at its loaded version.
func (r *Repository[T, E]) Save(ctx context.Context, agg T) error {
	pending := agg.Uncommitted()
	if len(pending) == 0 {
		return nil
	}

	version := agg.Version()
	records := make([]Record, 0, len(pending))
	now := r.now()
	for i, p := range pending {
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("%s: encode %s: %w", r.entityType, p.EventType(), err)
		}
		rec := Record{
			EntityType: r.entityType,
			EntityID:   agg.StreamID(),
			Sequence:   version + int64(i) + 1,
			FacilityID: agg.StreamFacility(),
			Type:       p.EventType(),
			Payload:    payload,
			RecordedAt: now,
		}
		if k, ok := any(p).(Keyed); ok {
			rec.LookupKey = k.LookupKey()
		}
		records = append(records, rec)
	}

	if err := r.store.AppendEvents(ctx, version, records); err != nil {
		if r.duplicate != nil && errors.Is(err, ErrDuplicateLookup) {
			return fmt.Errorf("%w: %w", r.duplicate, err)
		}
		return err
	}

	agg.Committed(version + int64(len(records)))
	return nil
}

// Get loads and folds a stream.
func (r *Repository[T, E]) Get(ctx context.Context, entityID id.ID) (T, error) {
	var zero T

	records, err := r.store.LoadEvents(ctx, entityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, r.missing(entityID.String())
		}
		return zero, err
	}
	if len(records) == 0 || records[0].EntityType != r.entityType {
		return zero, r.missing(entityID.String())
	}

	events := make([]E, 0, len(records))
	for _, rec := range records {
		e, err := r.decode(rec)
		if err != nil {
			return zero, fmt.Errorf("%s %s seq %d: %w", r.entityType, entityID, rec.Sequence, err)
		}
		events = append(events, e)
	}

	agg, err := r.fold(events)
	if err != nil {
		return zero, err
	}
	agg.Committed(records[len(records)-1].Sequence)
	return agg, nil
}

// Find loads the stream registered under lookupKey.
func (r *Repository[T, E]) Find(ctx context.Context, lookupKey string) (T, error) {
	entityID, err := r.store.FindEntity(ctx, r.entityType, lookupKey)
	if err != nil {
		var zero T
		if errors.Is(err, ErrNotFound) {
			return zero, r.missing(lookupKey)
		}
		return zero, err
	}
	return r.Get(ctx, entityID)
}

func (r *Repository[T, E]) missing(key string) error {
	if r.notFound == nil {
		return fmt.Errorf("%s %s: %w", r.entityType, key, ErrNotFound)
	}
	return fmt.Errorf("%w: %s: %w", r.notFound, key, ErrNotFound)
}

// ListByFacility loads every stream attached to facilityID.
func (r *Repository[T, E]) ListByFacility(ctx context.Context, facilityID id.ID) ([]T, error) {
	ids, err := r.store.ListEntities(ctx, r.entityType, facilityID)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(ids))
	for _, entityID := range ids {
		agg, err := r.Get(ctx, entityID)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, nil
}

// Decode unmarshals a record payload into a variant.
func Decode[E Payload](rec Record, into E) (E, error) {
	if err := json.Unmarshal(rec.Payload, into); err != nil {
		var zero E
		return zero, fmt.Errorf("decode %s: %w", rec.Type, err)
	}
	return into, nil
}
