package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/price"
	"github.com/xraph/lending/types"
)

// UpdateCollateral sets a facility's active collateral to amount satoshis,
// as reported by the custodian, and re-evaluates its collateralization.
// Reporting the current amount again changes nothing.
func (e *Engine) UpdateCollateral(ctx context.Context, facilityID id.FacilityID, amount types.Money, effective time.Time) (*collateral.Collateral, error) {
	var col *collateral.Collateral
	err := e.run(ctx, "update_collateral", "facility", facilityID, func(sc *scope) error {
		pos, err := e.load(sc.ctx, facilityID)
		if err != nil {
			return err
		}
		f := pos.facility
		col = pos.collateral

		delta, err := col.Delta(amount)
		if errors.Is(err, collateral.ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}

		code := ledger.TemplateAddCollateral
		if delta.IsNegative() {
			code = ledger.TemplateRemoveCollateral
		}
		omni := e.omnibusIDs()
		tx, err := sc.post(code,
			map[string]id.AccountID{
				ledger.RoleCollateralOmnibus: omni.Collateral,
				ledger.RoleCollateral:        f.Accounts.Collateral,
			},
			amounts(delta.Abs()),
			fmt.Sprintf("%s:adjust:%d", col.ID, col.Version()+1),
			facilityMeta(f),
		)
		if err != nil {
			return err
		}

		if effective.IsZero() {
			effective = sc.now
		}
		if err := col.RecordUpdate(delta, tx.ID, effective, sc.now); err != nil {
			return err
		}
		if err := e.collaterals.Save(sc.ctx, col); err != nil {
			return err
		}
		if err := sc.publish(f.ID, &event.CollateralUpdated{
			FacilityID:    f.ID,
			CollateralID:  col.ID,
			Delta:         delta,
			Amount:        col.Amount,
			TransactionID: tx.ID,
		}); err != nil {
			return err
		}
		return e.evaluateIfPriced(sc, pos)
	})
	if err != nil {
		return nil, err
	}
	return col, nil
}

// GetCollateral returns a facility's collateral.
func (e *Engine) GetCollateral(ctx context.Context, facilityID id.FacilityID) (*collateral.Collateral, error) {
	f, err := e.facilities.Get(ctx, facilityID)
	if err != nil {
		return nil, e.fail("get_collateral", "facility", facilityID.String(), err)
	}
	col, err := e.collaterals.Get(ctx, f.CollateralID)
	if err != nil {
		return nil, e.fail("get_collateral", "facility", facilityID.String(), err)
	}
	return col, nil
}

// EvaluateCollateralization recomputes a facility's CVL at the current price,
// records a state change and starts a liquidation when the CVL is below the
// liquidation threshold. A pending facility that has reached the initial
// threshold is activated.
func (e *Engine) EvaluateCollateralization(ctx context.Context, facilityID id.FacilityID) (*facility.Facility, error) {
	var f *facility.Facility
	err := e.run(ctx, "evaluate_collateralization", "facility", facilityID, func(sc *scope) error {
		pos, err := e.load(sc.ctx, facilityID)
		if err != nil {
			return err
		}
		f = pos.facility
		snap, err := e.snapshot(sc.ctx, sc.now)
		if err != nil {
			return err
		}
		return e.evaluate(sc, pos, snap)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// evaluateIfPriced evaluates pos when a usable price exists. Without one the
// evaluation is left to the next scheduled check.
func (e *Engine) evaluateIfPriced(sc *scope, pos *position) error {
	snap, err := e.snapshot(sc.ctx, sc.now)
	if err != nil {
		if KindOf(err) == KindNotReady {
			e.logger.Debug("collateralization check deferred",
				"facility_id", pos.facility.ID.String(),
				"reason", err.Error(),
			)
			return nil
		}
		return err
	}
	return e.evaluate(sc, pos, snap)
}

func (e *Engine) evaluate(sc *scope, pos *position, snap price.Snapshot) error {
	f := pos.facility
	if f.Status == facility.StatusCompleted {
		return nil
	}
	if _, err := e.tryActivate(sc, pos, snap); err != nil {
		return err
	}

	s := pos.summary()
	cvl, err := s.CVL(snap)
	if err != nil {
		return err
	}
	prev := f.Collateralization
	state := f.Terms.Thresholds.Evaluate(prev, cvl, s.Collateral, s.Exposure(), f.Terms.UpgradeBuffer)
	changed := f.UpdateCollateralization(state, cvl, snap.Price, s.Collateral, s.TotalOutstanding(), sc.now)
	if err := e.facilities.Save(sc.ctx, f); err != nil {
		return err
	}

	if changed {
		e.logger.Info("collateralization changed",
			"facility_id", f.ID.String(),
			"state", string(state),
			"previous", string(prev),
			"cvl", cvl.String(),
			"price", snap.Price.String(),
		)
		if err := sc.publish(f.ID, &event.CollateralizationChanged{
			FacilityID:  f.ID,
			State:       string(state),
			Previous:    string(prev),
			CVL:         cvl.String(),
			Price:       snap.Price,
			Collateral:  s.Collateral,
			Outstanding: s.TotalOutstanding(),
		}); err != nil {
			return err
		}
	}

	if f.IsActive() && state == collateral.StateUnderLiquidation && !f.Liquidating {
		return e.startLiquidation(sc, pos, snap, s)
	}
	return nil
}

// startLiquidation sends the collateral needed to restore the margin call
// threshold to liquidation.
func (e *Engine) startLiquidation(sc *scope, pos *position, snap price.Snapshot, s facility.BalanceSummary) error {
	f, col := pos.facility, pos.collateral

	amount, err := collateral.LiquidationAmount(col.Active(), snap, s.TotalOutstanding(), f.Terms.Thresholds.MarginCall)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return nil
	}

	liquidationID := id.NewLiquidationID()
	tx, err := sc.post(ledger.TemplateSendToLiquidation,
		map[string]id.AccountID{
			ledger.RoleCollateral:    f.Accounts.Collateral,
			ledger.RoleInLiquidation: f.Accounts.CollateralInLiquidation,
		},
		amounts(amount),
		liquidationID.String()+":send",
		facilityMeta(f),
	)
	if err != nil {
		return err
	}
	if err := col.SendToLiquidation(liquidationID, amount, tx.ID, sc.now); err != nil {
		return err
	}
	if err := e.collaterals.Save(sc.ctx, col); err != nil {
		return err
	}

	expected, err := collateral.Value(amount, snap)
	if err != nil {
		return err
	}
	liq, err := collateral.NewLiquidation(collateral.LiquidationInput{
		ID:               liquidationID,
		CollateralID:     col.ID,
		FacilityID:       f.ID,
		TriggerPrice:     snap.Price,
		ExpectedProceeds: expected,
		Amount:           amount,
		TransactionID:    tx.ID,
		CreatedAt:        sc.now,
	})
	if err != nil {
		return err
	}
	if err := e.liquidations.Save(sc.ctx, liq); err != nil {
		return err
	}
	if err := f.StartLiquidation(liquidationID, sc.now); err != nil {
		return err
	}
	if err := e.facilities.Save(sc.ctx, f); err != nil {
		return err
	}

	e.logger.Warn("liquidation initiated",
		"facility_id", f.ID.String(),
		"liquidation_id", liquidationID.String(),
		"amount", amount.String(),
		"trigger_price", snap.Price.String(),
		"expected_proceeds", expected.String(),
	)
	return sc.publish(f.ID, &event.LiquidationInitiated{
		FacilityID:       f.ID,
		LiquidationID:    liquidationID,
		Amount:           amount,
		TriggerPrice:     snap.Price,
		ExpectedProceeds: expected,
	})
}

func amounts(main types.Money) map[string]types.Money {
	return map[string]types.Money{ledger.AmountMain: main}
}
