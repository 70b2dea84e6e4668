package payment

import (
	"context"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
)

type Store interface {
	Save(ctx context.Context, p *Payment) error
	Get(ctx context.Context, paymentID id.PaymentID) (*Payment, error)
	Find(ctx context.Context, reference string) (*Payment, error)
	ListByFacility(ctx context.Context, facilityID id.FacilityID) ([]*Payment, error)
}

type AllocationStore interface {
	Save(ctx context.Context, a *Allocation) error
	Get(ctx context.Context, allocationID id.AllocationID) (*Allocation, error)
	ListByFacility(ctx context.Context, facilityID id.FacilityID) ([]*Allocation, error)
}

// NewStore returns a payment Store on the event store. Saving a second
// payment with an existing reference returns ErrDuplicatePayment.
func NewStore(es event.Store) Store {
	return event.NewRepository(es, EntityType, decodeEvent, rehydratePayment, ErrNotFound, ErrDuplicatePayment)
}

// NewAllocationStore returns an AllocationStore on the event store.
func NewAllocationStore(es event.Store) AllocationStore {
	return event.NewRepository(es, AllocationEntityType, decodeEvent, rehydrateAllocation, ErrAllocationNotFound, nil)
}

// ListByPayment filters a facility's allocations to one payment.
func ListByPayment(ctx context.Context, s AllocationStore, facilityID id.FacilityID, paymentID id.PaymentID) ([]*Allocation, error) {
	all, err := s.ListByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	var out []*Allocation
	for _, a := range all {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}
