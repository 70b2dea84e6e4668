package lending

import (
	"context"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/obligation"
)

// SyncObligations ages every unpaid obligation of a facility as of day,
// moving each receivable to the account of its new status. An obligation
// may advance several stages in one call when a sync was missed. It returns
// the number of transitions recorded; running it again for the same day
// records nothing.
func (e *Engine) SyncObligations(ctx context.Context, facilityID id.FacilityID, day time.Time) (int, error) {
	var n int
	err := e.run(ctx, "sync_obligations", "facility", facilityID, func(sc *scope) error {
		n = 0
		pos, err := e.load(sc.ctx, facilityID)
		if err != nil {
			return err
		}
		f := pos.facility

		for _, obl := range pos.obligations {
			moved := false
			for {
				r, err := obl.Transition(day)
				if err != nil {
					return err
				}
				if r == nil {
					break
				}
				tx, err := sc.post(ledger.TemplateReallocateReceivable,
					map[string]id.AccountID{
						ledger.RoleFrom: r.From,
						ledger.RoleTo:   r.To,
					},
					amounts(r.Amount),
					"obligation:"+obl.ID.String()+":"+string(r.Status),
					map[string]string{"facility_id": f.ID.String(), "obligation_id": obl.ID.String()},
				)
				if err != nil {
					return err
				}
				e.logger.Info("obligation aged",
					"facility_id", f.ID.String(),
					"obligation_id", obl.ID.String(),
					"status", string(r.Status),
					"outstanding", r.Amount.String(),
					"transaction_id", tx.ID.String(),
				)
				if err := sc.publish(f.ID, &event.ObligationStatusChanged{
					FacilityID:   f.ID,
					ObligationID: obl.ID,
					Kind:         string(obl.Type),
					Status:       string(r.Status),
					Outstanding:  r.Amount,
				}); err != nil {
					return err
				}
				moved = true
				n++
			}
			if moved {
				if err := e.obligations.Save(sc.ctx, obl); err != nil {
					return err
				}
			}
		}
		if n == 0 {
			return nil
		}
		return e.evaluateIfPriced(sc, pos)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// GetObligation returns an obligation.
func (e *Engine) GetObligation(ctx context.Context, obligationID id.ObligationID) (*obligation.Obligation, error) {
	o, err := e.obligations.Get(ctx, obligationID)
	if err != nil {
		return nil, e.fail("get_obligation", "obligation", obligationID.String(), err)
	}
	return o, nil
}

// ListObligations returns every obligation of a facility, paid ones
// included.
func (e *Engine) ListObligations(ctx context.Context, facilityID id.FacilityID) ([]*obligation.Obligation, error) {
	obls, err := e.obligations.ListByFacility(ctx, facilityID)
	if err != nil {
		return nil, e.fail("list_obligations", "facility", facilityID.String(), err)
	}
	return obls, nil
}
