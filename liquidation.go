package lending

import (
	"context"
	"fmt"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/payment"
	"github.com/xraph/lending/types"
)

// RecordLiquidationProceeds records one batch of a liquidation sale:
// liquidated satoshis leave the facility's collateral and the proceeds are
// applied to its obligations as a payment. Proceeds exceeding what is owed
// are returned to the customer deposit. Replaying a reference with the same
// amounts is a no-op.
func (e *Engine) RecordLiquidationProceeds(ctx context.Context, liquidationID id.LiquidationID, reference string, proceeds, liquidated types.Money) (*collateral.Liquidation, error) {
	var liq *collateral.Liquidation
	err := e.run(ctx, "record_liquidation_proceeds", "liquidation", liquidationID, func(sc *scope) error {
		var err error
		liq, err = e.liquidations.Get(sc.ctx, liquidationID)
		if err != nil {
			return err
		}
		if r, ok := liq.Receipt(reference); ok && r.Proceeds.Equal(proceeds) && r.Liquidated.Equal(liquidated) {
			return nil
		}
		if err := liq.CheckProceeds(reference, proceeds, liquidated); err != nil {
			return err
		}

		pos, err := e.load(sc.ctx, liq.FacilityID)
		if err != nil {
			return err
		}
		f, col := pos.facility, pos.collateral
		omni := e.omnibusIDs()

		tx, err := sc.post(ledger.TemplateLiquidationProceeds,
			map[string]id.AccountID{
				ledger.RoleInLiquidation:   f.Accounts.CollateralInLiquidation,
				ledger.RoleLiquidated:      f.Accounts.CollateralLiquidated,
				ledger.RoleProceedsOmnibus: omni.Proceeds,
				ledger.RoleHolding:         f.Accounts.PaymentHolding,
			},
			map[string]types.Money{
				ledger.AmountCollateral: liquidated,
				ledger.AmountProceeds:   proceeds,
			},
			fmt.Sprintf("%s:proceeds:%s", liq.ID, reference),
			map[string]string{"facility_id": f.ID.String(), "liquidation_id": liq.ID.String()},
		)
		if err != nil {
			return err
		}

		if liquidated.IsPositive() {
			if err := col.RecordLiquidated(liq.ID, liquidated, tx.ID, sc.now); err != nil {
				return err
			}
			if err := e.collaterals.Save(sc.ctx, col); err != nil {
				return err
			}
		}

		paymentID := id.Nil
		if proceeds.IsPositive() {
			pay, err := payment.New(payment.NewInput{
				FacilityID: f.ID,
				Reference:  fmt.Sprintf("liquidation:%s:%s", liq.ID, reference),
				Source:     payment.SourceLiquidation,
				Amount:     proceeds,
				RecordedAt: sc.now,
			})
			if err != nil {
				return err
			}
			pay.SetTransaction(tx.ID)
			if err := e.payments.Save(sc.ctx, pay); err != nil {
				return err
			}
			if err := sc.publish(f.ID, &event.PaymentReceived{
				FacilityID: f.ID,
				PaymentID:  pay.ID,
				Reference:  pay.Reference,
				Source:     string(pay.Source),
				Amount:     proceeds,
			}); err != nil {
				return err
			}
			surplus, err := e.allocate(sc, pos, pay)
			if err != nil {
				return err
			}
			if surplus.IsPositive() {
				if _, err := sc.post(ledger.TemplateReturnPaymentSurplus,
					map[string]id.AccountID{
						ledger.RoleHolding: f.Accounts.PaymentHolding,
						ledger.RoleDeposit: f.Accounts.Deposit,
					},
					amounts(surplus),
					pay.ID.String()+":surplus",
					facilityMeta(f),
				); err != nil {
					return err
				}
				e.logger.Info("liquidation surplus returned",
					"facility_id", f.ID.String(),
					"liquidation_id", liq.ID.String(),
					"surplus", surplus.String(),
				)
			}
			paymentID = pay.ID
		}

		if err := liq.RecordProceeds(collateral.Receipt{
			Reference:     reference,
			Proceeds:      proceeds,
			Liquidated:    liquidated,
			PaymentID:     paymentID,
			TransactionID: tx.ID,
			RecordedAt:    sc.now,
		}); err != nil {
			return err
		}
		if err := e.liquidations.Save(sc.ctx, liq); err != nil {
			return err
		}
		if err := sc.publish(f.ID, &event.LiquidationProceedsReceived{
			FacilityID:    f.ID,
			LiquidationID: liq.ID,
			Reference:     reference,
			Proceeds:      proceeds,
			Liquidated:    liquidated,
			TransactionID: tx.ID,
		}); err != nil {
			return err
		}

		if !liq.IsOpen() {
			if err := e.closeLiquidation(sc, pos, liq); err != nil {
				return err
			}
		}
		return e.evaluateIfPriced(sc, pos)
	})
	if err != nil {
		return nil, err
	}
	return liq, nil
}

// CompleteLiquidation closes a liquidation and returns any collateral that
// was not sold.
func (e *Engine) CompleteLiquidation(ctx context.Context, liquidationID id.LiquidationID) (*collateral.Liquidation, error) {
	var liq *collateral.Liquidation
	err := e.run(ctx, "complete_liquidation", "liquidation", liquidationID, func(sc *scope) error {
		var err error
		liq, err = e.liquidations.Get(sc.ctx, liquidationID)
		if err != nil {
			return err
		}
		if !liq.IsOpen() {
			return collateral.ErrLiquidationCompleted
		}
		pos, err := e.load(sc.ctx, liq.FacilityID)
		if err != nil {
			return err
		}
		f, col := pos.facility, pos.collateral

		txID := id.Nil
		remaining := liq.Remaining()
		if remaining.IsPositive() {
			tx, err := sc.post(ledger.TemplateReturnFromLiquidation,
				map[string]id.AccountID{
					ledger.RoleInLiquidation: f.Accounts.CollateralInLiquidation,
					ledger.RoleCollateral:    f.Accounts.Collateral,
				},
				amounts(remaining),
				liq.ID.String()+":return",
				facilityMeta(f),
			)
			if err != nil {
				return err
			}
			txID = tx.ID
			if err := col.ReturnFromLiquidation(liq.ID, remaining, txID, sc.now); err != nil {
				return err
			}
			if err := e.collaterals.Save(sc.ctx, col); err != nil {
				return err
			}
		}

		if _, err := liq.Complete(txID, sc.now); err != nil {
			return err
		}
		if err := e.liquidations.Save(sc.ctx, liq); err != nil {
			return err
		}
		if err := e.closeLiquidation(sc, pos, liq); err != nil {
			return err
		}
		return e.evaluateIfPriced(sc, pos)
	})
	if err != nil {
		return nil, err
	}
	return liq, nil
}

// closeLiquidation clears the facility's liquidating flag once liq has
// closed.
func (e *Engine) closeLiquidation(sc *scope, pos *position, liq *collateral.Liquidation) error {
	f := pos.facility
	f.EndLiquidation(liq.ID, sc.now)
	if err := e.facilities.Save(sc.ctx, f); err != nil {
		return err
	}
	e.logger.Info("liquidation completed",
		"facility_id", f.ID.String(),
		"liquidation_id", liq.ID.String(),
		"liquidated", liq.Liquidated.String(),
		"proceeds", liq.Proceeds.String(),
		"returned", liq.Returned.String(),
	)
	return sc.publish(f.ID, &event.LiquidationCompleted{
		FacilityID:      f.ID,
		LiquidationID:   liq.ID,
		TotalSent:       liq.Sent,
		TotalLiquidated: liq.Liquidated,
		TotalProceeds:   liq.Proceeds,
	})
}

// GetLiquidation returns a liquidation.
func (e *Engine) GetLiquidation(ctx context.Context, liquidationID id.LiquidationID) (*collateral.Liquidation, error) {
	liq, err := e.liquidations.Get(ctx, liquidationID)
	if err != nil {
		return nil, e.fail("get_liquidation", "liquidation", liquidationID.String(), err)
	}
	return liq, nil
}

// ListLiquidations returns every liquidation of a facility.
func (e *Engine) ListLiquidations(ctx context.Context, facilityID id.FacilityID) ([]*collateral.Liquidation, error) {
	ls, err := e.liquidations.ListByFacility(ctx, facilityID)
	if err != nil {
		return nil, e.fail("list_liquidations", "facility", facilityID.String(), err)
	}
	return ls, nil
}
