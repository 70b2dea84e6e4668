package lending

import (
	"context"
	"fmt"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/governance"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/jobs"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/types"
)

// InitiateDisbursal draws amount from an active facility. The disbursal is
// refused before anything is posted when the facility's CVL after the draw
// would fall below the margin call threshold.
//
// With disbursal approval enabled the disbursal is returned pending and
// settles when governance approves it; the collateral check is repeated at
// that point and a failing disbursal is rejected.
func (e *Engine) InitiateDisbursal(ctx context.Context, facilityID id.FacilityID, amount types.Money) (*facility.Disbursal, error) {
	const op = "initiate_disbursal"
	var d *facility.Disbursal

	if !e.disbursalApproval {
		err := e.run(ctx, op, "facility", facilityID, func(sc *scope) error {
			pos, err := e.load(sc.ctx, facilityID)
			if err != nil {
				return err
			}
			if err := e.checkDisbursal(sc, pos, amount); err != nil {
				return err
			}
			d, err = facility.NewDisbursal(facilityID, amount, "", sc.now)
			if err != nil {
				return err
			}
			return e.settle(sc, pos, d)
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	var (
		proc governance.Process
		job  *jobs.Job
	)
	err := e.run(ctx, op, "facility", facilityID, func(sc *scope) error {
		pos, err := e.load(sc.ctx, facilityID)
		if err != nil {
			return err
		}
		if err := e.checkDisbursal(sc, pos, amount); err != nil {
			return err
		}
		processID := governance.NewProcessID()
		d, err = facility.NewDisbursal(facilityID, amount, processID, sc.now)
		if err != nil {
			return err
		}
		if err := e.disbursals.Save(sc.ctx, d); err != nil {
			return err
		}
		proc = governance.Process{ID: processID, Type: governance.ProcessDisbursal, Reference: d.ID.String()}
		job, err = e.queueApproval(sc, proc)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("disbursal submitted for approval",
		"facility_id", facilityID.String(),
		"disbursal_id", d.ID.String(),
		"process_id", proc.ID,
		"amount", amount.String(),
	)
	e.submitApproval(ctx, proc, job)
	return d, nil
}

// checkDisbursal validates a draw against the facility's status, maturity,
// remaining commitment and post-disbursal CVL.
func (e *Engine) checkDisbursal(sc *scope, pos *position, amount types.Money) error {
	f := pos.facility
	if err := f.CheckDisbursal(amount, sc.now); err != nil {
		return err
	}
	snap, err := e.snapshot(sc.ctx, sc.now)
	if err != nil {
		return err
	}
	cvl, err := pos.summary().WithAddedDisbursal(amount).CVL(snap)
	if err != nil {
		return err
	}
	if cvl.Below(f.Terms.Thresholds.MarginCall) {
		return fmt.Errorf("%w: cvl after disbursal %s%% below margin call %s%%",
			facility.ErrInsufficientCollateral, cvl, f.Terms.Thresholds.MarginCall)
	}
	return nil
}

// settle posts the disbursal and creates its principal obligation.
func (e *Engine) settle(sc *scope, pos *position, d *facility.Disbursal) error {
	f := pos.facility
	omni := e.omnibusIDs()

	tx, err := sc.post(ledger.TemplateDisbursal,
		map[string]id.AccountID{
			ledger.RoleFacility:        f.Accounts.Facility,
			ledger.RoleFacilityOmnibus: omni.Facility,
			ledger.RoleReceivable:      f.Accounts.Disbursed.NotYetDue,
			ledger.RoleDeposit:         f.Accounts.Deposit,
		},
		amounts(d.Amount),
		d.ID.String()+":settle",
		map[string]string{"facility_id": f.ID.String(), "disbursal_id": d.ID.String()},
	)
	if err != nil {
		return err
	}
	if err := f.RecordDisbursal(d.ID, d.Amount, sc.now); err != nil {
		return err
	}

	obl, err := obligation.New(obligation.NewInput{
		FacilityID:  f.ID,
		Type:        obligation.TypeDisbursal,
		Amount:      d.Amount,
		Schedule:    f.Terms.DisbursalSchedule(sc.now, *f.MaturesAt),
		Accounts:    f.Accounts.Disbursed,
		ReferenceID: d.ID,
		CreatedAt:   sc.now,
	})
	if err != nil {
		return err
	}
	if err := e.obligations.Save(sc.ctx, obl); err != nil {
		return err
	}
	pos.obligations = append(pos.obligations, obl)

	if err := d.Settle(tx.ID, obl.ID, sc.now); err != nil {
		return err
	}
	if err := e.disbursals.Save(sc.ctx, d); err != nil {
		return err
	}
	if err := e.facilities.Save(sc.ctx, f); err != nil {
		return err
	}

	e.logger.Info("disbursal settled",
		"facility_id", f.ID.String(),
		"disbursal_id", d.ID.String(),
		"amount", d.Amount.String(),
		"due_at", obl.DueAt,
	)
	if err := sc.publish(f.ID, &event.DisbursalSettled{
		FacilityID:    f.ID,
		DisbursalID:   d.ID,
		ObligationID:  obl.ID,
		Amount:        d.Amount,
		TransactionID: tx.ID,
	}); err != nil {
		return err
	}
	if err := sc.publish(f.ID, &event.ObligationCreated{
		FacilityID:   f.ID,
		ObligationID: obl.ID,
		Kind:         string(obl.Type),
		Amount:       obl.Amount,
		DueAt:        obl.DueAt,
	}); err != nil {
		return err
	}
	return e.evaluateIfPriced(sc, pos)
}

func (e *Engine) concludeDisbursal(ctx context.Context, o governance.Outcome) error {
	err := e.run(ctx, "conclude_disbursal", "process", id.Nil, func(sc *scope) error {
		d, err := e.disbursals.Find(sc.ctx, o.ProcessID)
		if err != nil {
			return err
		}
		if d.IsConcluded() {
			return nil
		}
		if !o.Approved {
			return e.reject(sc, d, "denied by governance")
		}

		pos, err := e.load(sc.ctx, d.FacilityID)
		if err != nil {
			return err
		}
		if err := e.checkDisbursal(sc, pos, d.Amount); err != nil {
			if KindOf(err) == KindValidation {
				return e.reject(sc, d, err.Error())
			}
			return err
		}
		return e.settle(sc, pos, d)
	})
	if err != nil {
		return e.fail("conclude_disbursal", "process", o.ProcessID, err)
	}
	return nil
}

func (e *Engine) reject(sc *scope, d *facility.Disbursal, reason string) error {
	if err := d.Reject(reason, sc.now); err != nil {
		return err
	}
	if err := e.disbursals.Save(sc.ctx, d); err != nil {
		return err
	}
	e.logger.Warn("disbursal rejected",
		"facility_id", d.FacilityID.String(),
		"disbursal_id", d.ID.String(),
		"reason", reason,
	)
	return sc.publish(d.FacilityID, &event.DisbursalRejected{
		FacilityID:  d.FacilityID,
		DisbursalID: d.ID,
		Amount:      d.Amount,
		Reason:      reason,
	})
}

// GetDisbursal returns a disbursal.
func (e *Engine) GetDisbursal(ctx context.Context, disbursalID id.DisbursalID) (*facility.Disbursal, error) {
	d, err := e.disbursals.Get(ctx, disbursalID)
	if err != nil {
		return nil, e.fail("get_disbursal", "disbursal", disbursalID.String(), err)
	}
	return d, nil
}

// ListDisbursals returns every disbursal of a facility.
func (e *Engine) ListDisbursals(ctx context.Context, facilityID id.FacilityID) ([]*facility.Disbursal, error) {
	ds, err := e.disbursals.ListByFacility(ctx, facilityID)
	if err != nil {
		return nil, e.fail("list_disbursals", "facility", facilityID.String(), err)
	}
	return ds, nil
}
