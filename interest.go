package lending

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/types"
)

// AccrueInterest brings a facility's interest up to through. Every day that
// has ended accrues to the open monthly cycle on the pending layer, rounded
// up to the cent. A cycle whose days have all accrued is posted as one
// interest obligation due at the cycle end. Days still in progress wait for
// the next run, so the schedule's timing never changes the total.
//
// It returns the obligation of the last cycle posted, or nil.
func (e *Engine) AccrueInterest(ctx context.Context, facilityID id.FacilityID, through time.Time) (*obligation.Obligation, error) {
	var obl *obligation.Obligation
	err := e.run(ctx, "accrue_interest", "facility", facilityID, func(sc *scope) error {
		obl = nil
		pos, err := e.load(sc.ctx, facilityID)
		if err != nil {
			return err
		}
		f := pos.facility
		if !f.IsActive() {
			return nil
		}
		through := through.UTC()
		principal := pos.summary().Disbursed.Total()

		posted := false
		for {
			cycle, err := e.openCycle(sc, f, through)
			if err != nil {
				return err
			}
			if cycle == nil {
				break
			}
			if err := e.accrueDays(sc, f, cycle, principal, through); err != nil {
				return err
			}
			if !cycle.IsComplete() {
				if err := e.cycles.Save(sc.ctx, cycle); err != nil {
					return err
				}
				break
			}
			o, err := e.postCycle(sc, pos, cycle)
			if err != nil {
				return err
			}
			if o != nil {
				obl = o
				posted = true
			}
		}
		if err := e.facilities.Save(sc.ctx, f); err != nil {
			return err
		}
		if !posted {
			return nil
		}
		return e.evaluateIfPriced(sc, pos)
	})
	if err != nil {
		return nil, err
	}
	return obl, nil
}

// openCycle returns the facility's open cycle, opening the next one when
// through has passed its start. It returns nil when there is nothing to
// accrue.
func (e *Engine) openCycle(sc *scope, f *facility.Facility, through time.Time) (*facility.AccrualCycle, error) {
	if !f.CurrentCycle.IsNil() {
		return e.cycles.Get(sc.ctx, f.CurrentCycle)
	}
	p, ok := f.NextCyclePeriod()
	if !ok || !through.After(p.Start) {
		return nil, nil
	}
	c := facility.NewAccrualCycle(f.ID, f.CycleCount, p, f.Amount.Currency, sc.now)
	if err := f.StartCycle(c.ID, p, sc.now); err != nil {
		return nil, err
	}
	e.logger.Debug("accrual cycle opened",
		"facility_id", f.ID.String(),
		"cycle_id", c.ID.String(),
		"index", c.Index,
		"start", p.Start.Format(time.DateOnly),
		"end", p.End.Format(time.DateOnly),
	)
	return c, nil
}

// accrueDays records one accrual per day of c that ended by through.
func (e *Engine) accrueDays(sc *scope, f *facility.Facility, c *facility.AccrualCycle, principal types.Money, through time.Time) error {
	omni := e.omnibusIDs()
	for {
		p, ok := c.NextAccrualPeriod()
		if !ok || p.End.After(through) {
			return nil
		}
		amount := f.Terms.Interest(principal, 1)
		txID := id.Nil
		if amount.IsPositive() {
			n := len(c.Accruals) + 1
			tx, err := sc.postAt(ledger.TemplateAccrueInterest,
				map[string]id.AccountID{
					ledger.RoleReceivable:     f.Accounts.Interest.NotYetDue,
					ledger.RoleInterestIncome: omni.Interest,
				},
				amounts(amount),
				fmt.Sprintf("%s:accrual:%d:%d", f.ID, c.Index, n),
				map[string]string{
					"facility_id": f.ID.String(),
					"cycle_id":    c.ID.String(),
					"day":         p.Start.Format(time.DateOnly),
				},
				p.End,
			)
			if err != nil {
				return err
			}
			txID = tx.ID
		}
		if _, err := c.RecordAccrual(principal, amount, txID, sc.now); err != nil {
			return err
		}
	}
}

// postCycle settles a complete cycle and raises its interest obligation.
// A cycle that accrued nothing closes without one.
func (e *Engine) postCycle(sc *scope, pos *position, c *facility.AccrualCycle) (*obligation.Obligation, error) {
	f := pos.facility
	total := c.Accrued()
	if !total.IsPositive() {
		if err := c.Post(id.Nil, id.Nil, sc.now); err != nil {
			return nil, err
		}
		f.RecordInterest(total, c.Period, id.Nil, id.Nil)
		return nil, e.cycles.Save(sc.ctx, c)
	}

	omni := e.omnibusIDs()
	tx, err := sc.postAt(ledger.TemplatePostAccruedInterest,
		map[string]id.AccountID{
			ledger.RoleReceivable:     f.Accounts.Interest.NotYetDue,
			ledger.RoleInterestIncome: omni.Interest,
		},
		amounts(total),
		fmt.Sprintf("%s:interest-cycle:%d", f.ID, c.Index),
		map[string]string{
			"facility_id": f.ID.String(),
			"cycle_id":    c.ID.String(),
			"from":        c.Period.Start.Format(time.RFC3339),
			"through":     c.Period.End.Format(time.RFC3339),
		},
		c.Period.End,
	)
	if err != nil {
		return nil, err
	}

	obl, err := obligation.New(obligation.NewInput{
		FacilityID:  f.ID,
		Type:        obligation.TypeInterest,
		Amount:      total,
		Schedule:    f.Terms.InterestSchedule(c.Period.End),
		Accounts:    f.Accounts.Interest,
		ReferenceID: c.ID,
		CreatedAt:   sc.now,
	})
	if err != nil {
		return nil, err
	}
	if err := e.obligations.Save(sc.ctx, obl); err != nil {
		return nil, err
	}
	pos.obligations = append(pos.obligations, obl)

	if err := c.Post(tx.ID, obl.ID, sc.now); err != nil {
		return nil, err
	}
	if err := e.cycles.Save(sc.ctx, c); err != nil {
		return nil, err
	}
	f.RecordInterest(total, c.Period, tx.ID, obl.ID)

	e.logger.Info("interest cycle posted",
		"facility_id", f.ID.String(),
		"cycle_id", c.ID.String(),
		"amount", total.String(),
		"days", len(c.Accruals),
		"from", c.Period.Start.Format(time.DateOnly),
		"through", c.Period.End.Format(time.DateOnly),
	)
	if err := sc.publish(f.ID, &event.InterestAccrued{
		FacilityID:    f.ID,
		ObligationID:  obl.ID,
		Amount:        total,
		PeriodStart:   c.Period.Start,
		PeriodEnd:     c.Period.End,
		TransactionID: tx.ID,
	}); err != nil {
		return nil, err
	}
	if err := sc.publish(f.ID, &event.ObligationCreated{
		FacilityID:   f.ID,
		ObligationID: obl.ID,
		Kind:         string(obl.Type),
		Amount:       total,
		DueAt:        obl.DueAt,
	}); err != nil {
		return nil, err
	}
	return obl, nil
}

// RevertInterest reverses the open cycle's accruals for days ending after
// effective, latest first, so that they accrue again on the principal
// outstanding at the next run. Posted cycles are final: an effective time
// before the end of the last posted cycle is rejected. It returns the
// number of accruals reverted.
func (e *Engine) RevertInterest(ctx context.Context, facilityID id.FacilityID, effective time.Time) (int, error) {
	var reverted int
	err := e.run(ctx, "revert_interest", "facility", facilityID, func(sc *scope) error {
		reverted = 0
		f, err := e.facilities.Get(sc.ctx, facilityID)
		if err != nil {
			return err
		}
		effective := effective.UTC()
		if f.InterestThrough != nil && effective.Before(*f.InterestThrough) {
			return fmt.Errorf("%w: interest posted through %s", facility.ErrCyclePosted, f.InterestThrough.Format(time.RFC3339))
		}
		if f.CurrentCycle.IsNil() {
			return nil
		}
		c, err := e.cycles.Get(sc.ctx, f.CurrentCycle)
		if err != nil {
			return err
		}

		omni := e.omnibusIDs()
		for _, a := range c.RevertibleAfter(effective) {
			txID := id.Nil
			if a.Amount.IsPositive() {
				tx, err := sc.postAt(ledger.TemplateRevertAccrual,
					map[string]id.AccountID{
						ledger.RoleReceivable:     f.Accounts.Interest.NotYetDue,
						ledger.RoleInterestIncome: omni.Interest,
					},
					amounts(a.Amount),
					c.ID.String()+":revert:"+strconv.Itoa(a.Index),
					map[string]string{
						"facility_id": f.ID.String(),
						"cycle_id":    c.ID.String(),
						"accrual_tx":  a.TransactionID.String(),
					},
					a.Period.End,
				)
				if err != nil {
					return err
				}
				txID = tx.ID
			}
			if err := c.RevertAccrual(a.Index, txID, sc.now); err != nil {
				return err
			}
			reverted++
		}
		if reverted == 0 {
			return nil
		}
		e.logger.Info("interest accruals reverted",
			"facility_id", f.ID.String(),
			"cycle_id", c.ID.String(),
			"count", reverted,
			"effective", effective.Format(time.RFC3339),
		)
		return e.cycles.Save(sc.ctx, c)
	})
	if err != nil {
		return 0, err
	}
	return reverted, nil
}

// AccrualCycles lists a facility's interest accrual cycles in order.
func (e *Engine) AccrualCycles(ctx context.Context, facilityID id.FacilityID) ([]*facility.AccrualCycle, error) {
	cycles, err := e.cycles.ListByFacility(ctx, facilityID)
	if err != nil {
		return nil, e.fail("accrual_cycles", "facility", facilityID.String(), err)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i].Index < cycles[j].Index })
	return cycles, nil
}
