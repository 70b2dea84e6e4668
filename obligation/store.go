package obligation

import (
	"context"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
)

type Store interface {
	Save(ctx context.Context, o *Obligation) error
	Get(ctx context.Context, obligationID id.ObligationID) (*Obligation, error)
	ListByFacility(ctx context.Context, facilityID id.FacilityID) ([]*Obligation, error)
}

// NewStore returns a Store backed by the event store.
func NewStore(es event.Store) Store {
	return event.NewRepository(es, EntityType, decodeEvent, Rehydrate, ErrNotFound, nil)
}
