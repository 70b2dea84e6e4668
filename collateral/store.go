package collateral

import (
	"context"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
)

type Store interface {
	Save(ctx context.Context, c *Collateral) error
	Get(ctx context.Context, collateralID id.CollateralID) (*Collateral, error)
	ListByFacility(ctx context.Context, facilityID id.FacilityID) ([]*Collateral, error)
}

type LiquidationStore interface {
	Save(ctx context.Context, l *Liquidation) error
	Get(ctx context.Context, liquidationID id.LiquidationID) (*Liquidation, error)
	ListByFacility(ctx context.Context, facilityID id.FacilityID) ([]*Liquidation, error)
}

func NewStore(es event.Store) Store {
	return event.NewRepository(es, EntityType, decodeEvent, Rehydrate, ErrNotFound, nil)
}

func NewLiquidationStore(es event.Store) LiquidationStore {
	return event.NewRepository(es, LiquidationEntityType, decodeLiquidationEvent, RehydrateLiquidation, ErrLiquidationNotFound, nil)
}

// OpenLiquidation returns the facility's liquidation still holding
// collateral, if any.
func OpenLiquidation(ctx context.Context, s LiquidationStore, facilityID id.FacilityID) (*Liquidation, error) {
	all, err := s.ListByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	for _, l := range all {
		if l.IsOpen() {
			return l, nil
		}
	}
	return nil, nil
}
