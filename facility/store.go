package facility

import (
	"context"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
)

type ProposalStore interface {
	Save(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, proposalID id.ProposalID) (*Proposal, error)
	// Find returns the proposal decided by a governance process.
	Find(ctx context.Context, processID string) (*Proposal, error)
}

type Store interface {
	Save(ctx context.Context, f *Facility) error
	Get(ctx context.Context, facilityID id.FacilityID) (*Facility, error)
	// ListByFacility with id.Nil lists every facility.
	ListByFacility(ctx context.Context, facilityID id.FacilityID) ([]*Facility, error)
}

type DisbursalStore interface {
	Save(ctx context.Context, d *Disbursal) error
	Get(ctx context.Context, disbursalID id.DisbursalID) (*Disbursal, error)
	Find(ctx context.Context, processID string) (*Disbursal, error)
	ListByFacility(ctx context.Context, facilityID id.FacilityID) ([]*Disbursal, error)
}

// AccrualCycleStore persists interest accrual cycles.
type AccrualCycleStore interface {
	Save(ctx context.Context, c *AccrualCycle) error
	Get(ctx context.Context, cycleID id.CycleID) (*AccrualCycle, error)
	ListByFacility(ctx context.Context, facilityID id.FacilityID) ([]*AccrualCycle, error)
}

func NewProposalStore(es event.Store) ProposalStore {
	return event.NewRepository(es, ProposalEntityType, decodeProposalEvent, RehydrateProposal, ErrProposalNotFound, nil)
}

func NewStore(es event.Store) Store {
	return event.NewRepository(es, EntityType, decodeEvent, Rehydrate, ErrNotFound, nil)
}

func NewDisbursalStore(es event.Store) DisbursalStore {
	return event.NewRepository(es, DisbursalEntityType, decodeDisbursalEvent, RehydrateDisbursal, ErrDisbursalNotFound, nil)
}

func NewAccrualCycleStore(es event.Store) AccrualCycleStore {
	return event.NewRepository(es, AccrualCycleEntityType, decodeCycleEvent, RehydrateAccrualCycle, ErrCycleNotFound, nil)
}

// ListActive returns every active facility.
func ListActive(ctx context.Context, s Store) ([]*Facility, error) {
	all, err := s.ListByFacility(ctx, id.Nil)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, f := range all {
		if f.IsActive() {
			out = append(out, f)
		}
	}
	return out, nil
}
