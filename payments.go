package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/payment"
	"github.com/xraph/lending/types"
)

// RecordPayment receives a customer payment and allocates it across the
// facility's obligations in the facility's priority order. reference is the
// external idempotency key: a second payment with the same reference fails
// with payment.ErrDuplicatePayment. A payment larger than the total
// outstanding is rejected.
func (e *Engine) RecordPayment(ctx context.Context, facilityID id.FacilityID, reference string, amount types.Money, effective time.Time) (*payment.Payment, error) {
	var pay *payment.Payment
	err := e.run(ctx, "record_payment", "facility", facilityID, func(sc *scope) error {
		existing, err := e.payments.Find(sc.ctx, reference)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s already recorded as %s", payment.ErrDuplicatePayment, reference, existing.ID)
		case !errors.Is(err, event.ErrNotFound):
			return err
		}

		pos, err := e.load(sc.ctx, facilityID)
		if err != nil {
			return err
		}
		f := pos.facility
		if f.Status == facility.StatusPendingCollateralization {
			return fmt.Errorf("%w: facility %s is %s", facility.ErrNotActive, f.ID, f.Status)
		}

		pay, err = payment.New(payment.NewInput{
			FacilityID:  f.ID,
			Reference:   reference,
			Source:      payment.SourceCustomer,
			Amount:      amount,
			EffectiveAt: effective,
			RecordedAt:  sc.now,
		})
		if err != nil {
			return err
		}
		if amount.Currency != f.Amount.Currency {
			return fmt.Errorf("%w: %s", payment.ErrInvalidAmount, amount)
		}
		plan, err := obligation.PlanAllocation(amount, pos.obligations, f.Terms.AllocationPriority())
		if err != nil {
			return err
		}
		if plan.Remainder.IsPositive() {
			return fmt.Errorf("%w: %s exceeds outstanding %s", obligation.ErrPaymentExceedsOutstanding,
				amount, obligation.TotalOutstanding(amount.Currency, pos.obligations))
		}

		omni := e.omnibusIDs()
		tx, err := sc.post(ledger.TemplateRecordPayment,
			map[string]id.AccountID{
				ledger.RoleSource:  omni.Bank,
				ledger.RoleHolding: f.Accounts.PaymentHolding,
			},
			amounts(amount),
			"payment:"+pay.Reference,
			map[string]string{"facility_id": f.ID.String(), "reference": pay.Reference},
		)
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
			Amount:     amount,
		}); err != nil {
			return err
		}

		if _, err := e.allocate(sc, pos, pay); err != nil {
			return err
		}
		return e.evaluateIfPriced(sc, pos)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("payment recorded",
		"facility_id", facilityID.String(),
		"payment_id", pay.ID.String(),
		"reference", pay.Reference,
		"amount", pay.Amount.String(),
	)
	return pay, nil
}

// allocate applies a received payment held in the facility's holding account
// to its obligations and returns what could not be allocated.
func (e *Engine) allocate(sc *scope, pos *position, pay *payment.Payment) (types.Money, error) {
	f := pos.facility
	plan, err := obligation.PlanAllocation(pay.Amount, pos.obligations, f.Terms.AllocationPriority())
	if err != nil {
		return types.Money{}, err
	}

	for _, share := range plan.Shares {
		obl := share.Obligation
		tx, err := sc.post(ledger.TemplateAllocatePayment,
			map[string]id.AccountID{
				ledger.RoleHolding:    f.Accounts.PaymentHolding,
				ledger.RoleReceivable: obl.CurrentAccount(),
			},
			amounts(share.Amount),
			fmt.Sprintf("%s:allocate:%s", pay.ID, obl.ID),
			map[string]string{"facility_id": f.ID.String(), "obligation_id": obl.ID.String()},
		)
		if err != nil {
			return types.Money{}, err
		}

		allocationID := id.NewAllocationID()
		if err := obl.Allocate(obligation.Allocation{
			ID:            allocationID,
			PaymentID:     pay.ID,
			Amount:        share.Amount,
			TransactionID: tx.ID,
			RecordedAt:    sc.now,
		}); err != nil {
			return types.Money{}, err
		}
		if err := e.obligations.Save(sc.ctx, obl); err != nil {
			return types.Money{}, err
		}
		alloc := payment.NewAllocation(allocationID, pay, obl.ID, string(obl.Type), share.Amount, tx.ID, sc.now)
		if err := e.allocations.Save(sc.ctx, alloc); err != nil {
			return types.Money{}, err
		}

		if err := sc.publish(f.ID, &event.PaymentAllocated{
			FacilityID:    f.ID,
			PaymentID:     pay.ID,
			AllocationID:  allocationID,
			ObligationID:  obl.ID,
			Amount:        share.Amount,
			TransactionID: tx.ID,
		}); err != nil {
			return types.Money{}, err
		}
		if obl.IsPaid() {
			if err := sc.publish(f.ID, &event.ObligationCompleted{
				FacilityID:   f.ID,
				ObligationID: obl.ID,
				Kind:         string(obl.Type),
				Amount:       obl.Amount,
			}); err != nil {
				return types.Money{}, err
			}
		}
	}
	return plan.Remainder, nil
}

// GetPayment returns a payment.
func (e *Engine) GetPayment(ctx context.Context, paymentID id.PaymentID) (*payment.Payment, error) {
	p, err := e.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, e.fail("get_payment", "payment", paymentID.String(), err)
	}
	return p, nil
}

// ListPayments returns a facility's payments.
func (e *Engine) ListPayments(ctx context.Context, facilityID id.FacilityID) ([]*payment.Payment, error) {
	ps, err := e.payments.ListByFacility(ctx, facilityID)
	if err != nil {
		return nil, e.fail("list_payments", "facility", facilityID.String(), err)
	}
	return ps, nil
}

// ListAllocations returns the allocations made from one payment.
func (e *Engine) ListAllocations(ctx context.Context, facilityID id.FacilityID, paymentID id.PaymentID) ([]*payment.Allocation, error) {
	as, err := payment.ListByPayment(ctx, e.allocations, facilityID, paymentID)
	if err != nil {
		return nil, e.fail("list_allocations", "payment", paymentID.String(), err)
	}
	return as, nil
}
