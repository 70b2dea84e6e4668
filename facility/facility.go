// Package facility holds the credit facility lifecycle: proposals,
// facilities and disbursals, and the balance summary that drives CVL
// decisions.
//
// A facility moves PendingCollateralization → Active → Completed.
// Liquidating is tracked separately and never blocks other operations.
package facility

import (
	"fmt"
	"time"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/types"
)

const EntityType = "facility"

// Status is the lifecycle stage of a facility.
type Status string

const (
	StatusPendingCollateralization Status = "pending_collateralization"
	StatusActive                   Status = "active"
	StatusCompleted                Status = "completed"
)

// Accounts are the ledger accounts opened for one facility.
type Accounts struct {
	Facility                id.AccountID                  `json:"facility"`
	Disbursed               obligation.ReceivableAccounts `json:"disbursed"`
	Interest                obligation.ReceivableAccounts `json:"interest"`
	PaymentHolding          id.AccountID                  `json:"payment_holding"`
	Collateral              id.AccountID                  `json:"collateral"`
	CollateralInLiquidation id.AccountID                  `json:"collateral_in_liquidation"`
	CollateralLiquidated    id.AccountID                  `json:"collateral_liquidated"`
	Deposit                 id.AccountID                  `json:"deposit"`
}

// Receivables returns the aging accounts for an obligation type.
func (a Accounts) Receivables(t obligation.Type) obligation.ReceivableAccounts {
	if t == obligation.TypeInterest {
		return a.Interest
	}
	return a.Disbursed
}

type Facility struct {
	event.Changes[Event]
	types.Entity

	ID                id.FacilityID    `json:"id"`
	ProposalID        id.ProposalID    `json:"proposal_id"`
	CustomerID        string           `json:"customer_id"`
	CollateralID      id.CollateralID  `json:"collateral_id"`
	Accounts          Accounts         `json:"accounts"`
	Amount            types.Money      `json:"amount"`
	Terms             Terms            `json:"terms"`
	Status            Status           `json:"status"`
	ActivationTx      id.TransactionID `json:"activation_tx,omitempty"`
	ActivatedAt       *time.Time       `json:"activated_at,omitempty"`
	MaturesAt         *time.Time       `json:"matures_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	Disbursed         types.Money      `json:"disbursed"`
	InterestAccrued   types.Money      `json:"interest_accrued"`
	InterestThrough   *time.Time       `json:"interest_through,omitempty"`
	CurrentCycle      id.CycleID       `json:"current_cycle,omitempty"`
	CycleCount        int              `json:"cycle_count"`
	Collateralization collateral.State `json:"collateralization"`
	CVL               collateral.CVL   `json:"cvl"`
	Liquidating       bool             `json:"liquidating"`
	LastLiquidation   id.LiquidationID `json:"last_liquidation,omitempty"`
	LastLiquidationAt *time.Time       `json:"last_liquidation_at,omitempty"`
	DisbursalCount    int              `json:"disbursal_count"`
}

// NewInput creates a facility from an approved proposal.
type NewInput struct {
	ID           id.FacilityID
	Proposal     *Proposal
	CollateralID id.CollateralID
	Accounts     Accounts
	CreatedAt    time.Time
}

// New opens a facility pending collateralization.
func New(in NewInput) (*Facility, error) {
	if in.Proposal == nil || in.Proposal.Status != ProposalApproved {
		return nil, fmt.Errorf("%w: facility requires an approved proposal", ErrInvalidStatus)
	}
	if in.ID.IsNil() {
		in.ID = id.NewFacilityID()
	}
	f := &Facility{}
	f.raise(&Initialized{
		ID:           in.ID,
		ProposalID:   in.Proposal.ID,
		CustomerID:   in.Proposal.CustomerID,
		CollateralID: in.CollateralID,
		Accounts:     in.Accounts,
		Amount:       in.Proposal.Amount,
		Terms:        in.Proposal.Terms,
		CreatedAt:    in.CreatedAt.UTC(),
	})
	return f, nil
}

func (f *Facility) raise(e Event) {
	e.apply(f)
	f.Raise(e)
}

func (f *Facility) StreamID() id.ID       { return f.ID }
func (f *Facility) StreamFacility() id.ID { return f.ID }

// IsActive reports whether the facility accepts disbursals and payments.
func (f *Facility) IsActive() bool { return f.Status == StatusActive }

// Remaining is the undisbursed part of the commitment.
func (f *Facility) Remaining() types.Money {
	return f.Amount.Subtract(f.Disbursed)
}

// IsMatured reports whether at is on or after maturity.
func (f *Facility) IsMatured(at time.Time) bool {
	return f.MaturesAt != nil && !at.Before(*f.MaturesAt)
}

// Activate records activation. The caller has already confirmed CVL ≥ the
// initial threshold at the current price.
func (f *Facility) Activate(txID id.TransactionID, at time.Time) error {
	switch f.Status {
	case StatusActive:
		return ErrAlreadyActive
	case StatusCompleted:
		return ErrAlreadyCompleted
	}
	at = at.UTC()
	f.raise(&Activated{TransactionID: txID, At: at, MaturesAt: f.Terms.MaturesAt(at)})
	return nil
}

// CheckDisbursal validates a disbursal against status, maturity and the
// remaining commitment. CVL is checked separately.
func (f *Facility) CheckDisbursal(amount types.Money, at time.Time) error {
	if !f.IsActive() {
		return fmt.Errorf("%w: facility %s is %s", ErrNotActive, f.ID, f.Status)
	}
	if !amount.IsPositive() || amount.Currency != f.Amount.Currency {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if f.IsMatured(at) {
		return fmt.Errorf("%w: at %s", ErrMatured, f.MaturesAt.Format(time.DateOnly))
	}
	if amount.GreaterThan(f.Remaining()) {
		return fmt.Errorf("%w: %s of %s remaining", ErrExceedsCommitment, amount, f.Remaining())
	}
	return nil
}

// RecordDisbursal adds a settled disbursal to the disbursed total.
func (f *Facility) RecordDisbursal(disbursalID id.DisbursalID, amount types.Money, at time.Time) error {
	if err := f.CheckDisbursal(amount, at); err != nil {
		return err
	}
	f.raise(&DisbursalRecorded{DisbursalID: disbursalID, Amount: amount, At: at.UTC()})
	return nil
}

// NextCyclePeriod returns the period of the next accrual cycle: from the
// end of the last posted cycle to the first of the following month, capped
// at maturity. ok is false while a cycle is open, before activation and
// once every cycle up to maturity has been opened.
func (f *Facility) NextCyclePeriod() (p Period, ok bool) {
	if !f.IsActive() || f.ActivatedAt == nil || !f.CurrentCycle.IsNil() {
		return Period{}, false
	}
	start := *f.ActivatedAt
	if f.InterestThrough != nil {
		start = *f.InterestThrough
	}
	var limit time.Time
	if f.MaturesAt != nil {
		limit = *f.MaturesAt
	}
	return cyclePeriod(start, limit)
}

// StartCycle records that cycleID is accruing over p.
func (f *Facility) StartCycle(cycleID id.CycleID, p Period, at time.Time) error {
	if !f.CurrentCycle.IsNil() {
		return fmt.Errorf("%w: cycle %s open", ErrInvalidStatus, f.CurrentCycle)
	}
	f.raise(&AccrualCycleStarted{CycleID: cycleID, Index: f.CycleCount, Period: p, At: at.UTC()})
	return nil
}

// RecordInterest closes the open cycle with its posted total. amount is
// zero when no principal was outstanding during the cycle.
func (f *Facility) RecordInterest(amount types.Money, p Period, txID id.TransactionID, obligationID id.ObligationID) {
	f.raise(&InterestAccrued{
		CycleID:       f.CurrentCycle,
		Amount:        amount,
		From:          p.Start,
		Through:       p.End,
		TransactionID: txID,
		ObligationID:  obligationID,
	})
}

// UpdateCollateralization records a new state and ratio. It reports whether
// the state changed.
func (f *Facility) UpdateCollateralization(state collateral.State, cvl collateral.CVL, price, sats, outstanding types.Money, at time.Time) bool {
	prev := f.Collateralization
	if state == prev && cvl.String() == f.CVL.String() {
		return false
	}
	f.raise(&CollateralizationUpdated{
		State:       state,
		Previous:    prev,
		CVL:         cvl,
		Price:       price,
		Collateral:  sats,
		Outstanding: outstanding,
		At:          at.UTC(),
	})
	return state != prev
}

// StartLiquidation sets the liquidating flag.
func (f *Facility) StartLiquidation(liquidationID id.LiquidationID, at time.Time) error {
	if f.Liquidating {
		return fmt.Errorf("%w: %s", ErrLiquidationOpen, f.LastLiquidation)
	}
	f.raise(&LiquidationStarted{LiquidationID: liquidationID, At: at.UTC()})
	return nil
}

// EndLiquidation clears the liquidating flag.
func (f *Facility) EndLiquidation(liquidationID id.LiquidationID, at time.Time) {
	if !f.Liquidating {
		return
	}
	f.raise(&LiquidationEnded{LiquidationID: liquidationID, At: at.UTC()})
}

// Complete closes the facility. Obligations and liquidations are checked by
// the caller.
func (f *Facility) Complete(txID id.TransactionID, at time.Time) error {
	switch {
	case f.Status == StatusCompleted:
		return ErrAlreadyCompleted
	case !f.IsActive():
		return fmt.Errorf("%w: facility %s is %s", ErrNotActive, f.ID, f.Status)
	case f.Liquidating:
		return fmt.Errorf("%w: %s", ErrLiquidationOpen, f.LastLiquidation)
	}
	f.raise(&Completed{TransactionID: txID, At: at.UTC()})
	return nil
}

// Rehydrate folds a facility from its events.
func Rehydrate(events []Event) (*Facility, error) {
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	if _, ok := events[0].(*Initialized); !ok {
		return nil, fmt.Errorf("facility: stream starts with %s", events[0].EventType())
	}
	f := &Facility{}
	for _, e := range events {
		e.apply(f)
	}
	return f, nil
}
