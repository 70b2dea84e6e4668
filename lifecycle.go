package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/history"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/price"
)

// position is everything a CVL decision about one facility reads.
type position struct {
	facility    *facility.Facility
	collateral  *collateral.Collateral
	obligations []*obligation.Obligation
}

func (p *position) summary() facility.BalanceSummary {
	return facility.Summarize(p.facility, p.obligations, p.collateral)
}

func (e *Engine) load(ctx context.Context, facilityID id.FacilityID) (*position, error) {
	f, err := e.facilities.Get(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	col, err := e.collaterals.Get(ctx, f.CollateralID)
	if err != nil {
		return nil, err
	}
	obls, err := e.obligations.ListByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	return &position{facility: f, collateral: col, obligations: obls}, nil
}

// snapshot returns the latest price, or an error wrapping price.ErrUnavailable
// or price.ErrStale when it cannot drive a decision.
func (e *Engine) snapshot(ctx context.Context, now time.Time) (price.Snapshot, error) {
	snap, err := e.prices.Latest(ctx)
	if err != nil {
		return price.Snapshot{}, fmt.Errorf("%w: price source: %w", ErrNotReady, err)
	}
	if err := snap.Usable(now, e.maxPriceAge); err != nil {
		return snap, err
	}
	return snap, nil
}

func facilityMeta(f *facility.Facility) map[string]string {
	return map[string]string{"facility_id": f.ID.String()}
}

// ActivateFacility activates a facility whose collateral covers the initial
// threshold at the current price.
func (e *Engine) ActivateFacility(ctx context.Context, facilityID id.FacilityID) (*facility.Facility, error) {
	var f *facility.Facility
	err := e.run(ctx, "activate_facility", "facility", facilityID, func(sc *scope) error {
		pos, err := e.load(sc.ctx, facilityID)
		if err != nil {
			return err
		}
		f = pos.facility
		switch f.Status {
		case facility.StatusActive:
			return facility.ErrAlreadyActive
		case facility.StatusCompleted:
			return facility.ErrAlreadyCompleted
		}

		snap, err := e.snapshot(sc.ctx, sc.now)
		if err != nil {
			return err
		}
		activated, err := e.tryActivate(sc, pos, snap)
		if err != nil {
			return err
		}
		if !activated {
			cvl, _ := pos.summary().CVL(snap) //nolint:errcheck // snapshot checked above
			return fmt.Errorf("%w: cvl %s%% below initial %s%%",
				facility.ErrInsufficientCollateral, cvl, f.Terms.Thresholds.Initial)
		}
		return e.evaluate(sc, pos, snap)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// tryActivate activates a pending facility when its CVL has reached the
// initial threshold. It reports whether the facility was activated.
func (e *Engine) tryActivate(sc *scope, pos *position, snap price.Snapshot) (bool, error) {
	f := pos.facility
	if f.Status != facility.StatusPendingCollateralization {
		return false, nil
	}
	cvl, err := pos.summary().CVL(snap)
	if err != nil {
		return false, err
	}
	if cvl.Below(f.Terms.Thresholds.Initial) {
		return false, nil
	}

	omni := e.omnibusIDs()
	tx, err := sc.post(ledger.TemplateActivateFacility,
		map[string]id.AccountID{
			ledger.RoleFacilityOmnibus: omni.Facility,
			ledger.RoleFacility:        f.Accounts.Facility,
		},
		amounts(f.Amount),
		f.ID.String()+":activate",
		facilityMeta(f),
	)
	if err != nil {
		return false, err
	}
	if err := f.Activate(tx.ID, sc.now); err != nil {
		return false, err
	}
	if err := e.facilities.Save(sc.ctx, f); err != nil {
		return false, err
	}

	e.logger.Info("facility activated",
		"facility_id", f.ID.String(),
		"amount", f.Amount.String(),
		"cvl", cvl.String(),
		"matures_at", f.MaturesAt.Format(time.DateOnly),
	)
	return true, sc.publish(f.ID, &event.FacilityActivated{
		FacilityID:    f.ID,
		CustomerID:    f.CustomerID,
		Amount:        f.Amount,
		ActivatedAt:   *f.ActivatedAt,
		MaturesAt:     *f.MaturesAt,
		TransactionID: tx.ID,
	})
}

// CompleteFacility closes a facility once every obligation is paid and no
// liquidation is open. The undrawn commitment is released.
func (e *Engine) CompleteFacility(ctx context.Context, facilityID id.FacilityID) (*facility.Facility, error) {
	var f *facility.Facility
	err := e.run(ctx, "complete_facility", "facility", facilityID, func(sc *scope) error {
		pos, err := e.load(sc.ctx, facilityID)
		if err != nil {
			return err
		}
		f = pos.facility
		switch {
		case f.Status == facility.StatusCompleted:
			return facility.ErrAlreadyCompleted
		case !f.IsActive():
			return fmt.Errorf("%w: facility %s is %s", facility.ErrNotActive, f.ID, f.Status)
		}

		open, err := collateral.OpenLiquidation(sc.ctx, e.liquidations, facilityID)
		if err != nil {
			return err
		}
		if open != nil {
			return fmt.Errorf("%w: %s", facility.ErrLiquidationOpen, open.ID)
		}
		if s := pos.summary(); s.AnyOutstandingOrDefaulted() {
			return fmt.Errorf("%w: %s outstanding", facility.ErrOutstandingObligations, s.TotalOutstanding())
		}

		txID := id.Nil
		if remaining := f.Remaining(); remaining.IsPositive() {
			omni := e.omnibusIDs()
			tx, err := sc.post(ledger.TemplateCompleteFacility,
				map[string]id.AccountID{
					ledger.RoleFacility:        f.Accounts.Facility,
					ledger.RoleFacilityOmnibus: omni.Facility,
				},
				amounts(remaining),
				f.ID.String()+":complete",
				facilityMeta(f),
			)
			if err != nil {
				return err
			}
			txID = tx.ID
		}
		if err := f.Complete(txID, sc.now); err != nil {
			return err
		}
		if err := e.facilities.Save(sc.ctx, f); err != nil {
			return err
		}
		return sc.publish(f.ID, &event.FacilityCompleted{FacilityID: f.ID, CompletedAt: sc.now})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("facility completed", "facility_id", facilityID.String())
	return f, nil
}

// GetFacility returns a facility.
func (e *Engine) GetFacility(ctx context.Context, facilityID id.FacilityID) (*facility.Facility, error) {
	f, err := e.facilities.Get(ctx, facilityID)
	if err != nil {
		return nil, e.fail("get_facility", "facility", facilityID.String(), err)
	}
	return f, nil
}

// ListActiveFacilities returns every active facility.
func (e *Engine) ListActiveFacilities(ctx context.Context) ([]*facility.Facility, error) {
	fs, err := facility.ListActive(ctx, e.facilities)
	if err != nil {
		return nil, e.fail("list_active_facilities", "", "", err)
	}
	return fs, nil
}

// BalanceSummary returns a facility's outstanding position by aging stage.
func (e *Engine) BalanceSummary(ctx context.Context, facilityID id.FacilityID) (facility.BalanceSummary, error) {
	pos, err := e.load(ctx, facilityID)
	if err != nil {
		return facility.BalanceSummary{}, e.fail("balance_summary", "facility", facilityID.String(), err)
	}
	return pos.summary(), nil
}

// RepaymentPlan returns a facility's obligations and the interest cycles
// still to come, as of the engine clock.
func (e *Engine) RepaymentPlan(ctx context.Context, facilityID id.FacilityID) (facility.RepaymentPlan, error) {
	pos, err := e.load(ctx, facilityID)
	if err != nil {
		return facility.RepaymentPlan{}, e.fail("repayment_plan", "facility", facilityID.String(), err)
	}
	return facility.NewRepaymentPlan(pos.facility, pos.obligations, e.now()), nil
}

// History returns a facility's timeline, newest first.
func (e *Engine) History(ctx context.Context, facilityID id.FacilityID) (history.History, error) {
	if _, err := e.facilities.Get(ctx, facilityID); err != nil {
		return history.History{}, e.fail("history", "facility", facilityID.String(), err)
	}
	envs, err := e.store.FacilityOutbox(ctx, facilityID)
	if err != nil {
		return history.History{}, e.fail("history", "facility", facilityID.String(), err)
	}
	h, err := history.Build(facilityID, envs)
	if err != nil {
		return history.History{}, e.fail("history", "facility", facilityID.String(), err)
	}
	return h, nil
}

// CurrentCVL computes a facility's CVL at the current price without
// recording anything.
func (e *Engine) CurrentCVL(ctx context.Context, facilityID id.FacilityID) (collateral.CVL, error) {
	const op = "current_cvl"
	pos, err := e.load(ctx, facilityID)
	if err != nil {
		return collateral.CVL{}, e.fail(op, "facility", facilityID.String(), err)
	}
	snap, err := e.snapshot(ctx, e.now())
	if err != nil {
		return collateral.CVL{}, e.fail(op, "facility", facilityID.String(), err)
	}
	cvl, err := pos.summary().CVL(snap)
	if err != nil {
		return collateral.CVL{}, e.fail(op, "facility", facilityID.String(), err)
	}
	return cvl, nil
}
