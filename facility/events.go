package facility

import (
	"fmt"
	"time"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// Event is a facility stream event.
type Event interface {
	event.Payload
	apply(f *Facility)
}

type Initialized struct {
	ID           id.FacilityID   `json:"id"`
	ProposalID   id.ProposalID   `json:"proposal_id"`
	CustomerID   string          `json:"customer_id"`
	CollateralID id.CollateralID `json:"collateral_id"`
	Accounts     Accounts        `json:"accounts"`
	Amount       types.Money     `json:"amount"`
	Terms        Terms           `json:"terms"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Activated struct {
	TransactionID id.TransactionID `json:"transaction_id"`
	At            time.Time        `json:"at"`
	MaturesAt     time.Time        `json:"matures_at"`
}

type DisbursalRecorded struct {
	DisbursalID id.DisbursalID `json:"disbursal_id"`
	Amount      types.Money    `json:"amount"`
	At          time.Time      `json:"at"`
}

type AccrualCycleStarted struct {
	CycleID id.CycleID `json:"cycle_id"`
	Index   int        `json:"index"`
	Period  Period     `json:"period"`
	At      time.Time  `json:"at"`
}

type InterestAccrued struct {
	CycleID       id.CycleID       `json:"cycle_id,omitempty"`
	Amount        types.Money      `json:"amount"`
	From          time.Time        `json:"from"`
	Through       time.Time        `json:"through"`
	TransactionID id.TransactionID `json:"transaction_id"`
	ObligationID  id.ObligationID  `json:"obligation_id"`
}

type CollateralizationUpdated struct {
	State       collateral.State `json:"state"`
	Previous    collateral.State `json:"previous"`
	CVL         collateral.CVL   `json:"cvl"`
	Price       types.Money      `json:"price"`
	Collateral  types.Money      `json:"collateral"`
	Outstanding types.Money      `json:"outstanding"`
	At          time.Time        `json:"at"`
}

type LiquidationStarted struct {
	LiquidationID id.LiquidationID `json:"liquidation_id"`
	At            time.Time        `json:"at"`
}

type LiquidationEnded struct {
	LiquidationID id.LiquidationID `json:"liquidation_id"`
	At            time.Time        `json:"at"`
}

type Completed struct {
	TransactionID id.TransactionID `json:"transaction_id"`
	At            time.Time        `json:"at"`
}

func (*Initialized) EventType() string              { return "initialized" }
func (*Activated) EventType() string                { return "activated" }
func (*DisbursalRecorded) EventType() string        { return "disbursal_recorded" }
func (*AccrualCycleStarted) EventType() string      { return "accrual_cycle_started" }
func (*InterestAccrued) EventType() string          { return "interest_accrued" }
func (*CollateralizationUpdated) EventType() string { return "collateralization_updated" }
func (*LiquidationStarted) EventType() string       { return "liquidation_started" }
func (*LiquidationEnded) EventType() string         { return "liquidation_ended" }
func (*Completed) EventType() string                { return "completed" }

func (e *Initialized) apply(f *Facility) {
	f.ID = e.ID
	f.ProposalID = e.ProposalID
	f.CustomerID = e.CustomerID
	f.CollateralID = e.CollateralID
	f.Accounts = e.Accounts
	f.Amount = e.Amount
	f.Terms = e.Terms
	f.Status = StatusPendingCollateralization
	f.Disbursed = types.Zero(e.Amount.Currency)
	f.InterestAccrued = types.Zero(e.Amount.Currency)
	f.Collateralization = collateral.StateNoCollateral
	f.Entity = types.NewEntityAt(e.CreatedAt)
}

func (e *Activated) apply(f *Facility) {
	f.Status = StatusActive
	f.ActivationTx = e.TransactionID
	at, matures := e.At, e.MaturesAt
	f.ActivatedAt = &at
	f.MaturesAt = &matures
	f.Touch(e.At)
}

func (e *DisbursalRecorded) apply(f *Facility) {
	f.Disbursed = f.Disbursed.Add(e.Amount)
	f.DisbursalCount++
	f.Touch(e.At)
}

func (e *AccrualCycleStarted) apply(f *Facility) {
	f.CurrentCycle = e.CycleID
	f.CycleCount = e.Index + 1
	f.Touch(e.At)
}

func (e *InterestAccrued) apply(f *Facility) {
	f.InterestAccrued = f.InterestAccrued.Add(e.Amount)
	through := e.Through
	f.InterestThrough = &through
	f.CurrentCycle = id.Nil
	f.Touch(e.Through)
}

func (e *CollateralizationUpdated) apply(f *Facility) {
	f.Collateralization = e.State
	f.CVL = e.CVL
	f.Touch(e.At)
}

func (e *LiquidationStarted) apply(f *Facility) {
	f.Liquidating = true
	f.LastLiquidation = e.LiquidationID
	at := e.At
	f.LastLiquidationAt = &at
	f.Touch(e.At)
}

func (e *LiquidationEnded) apply(f *Facility) {
	f.Liquidating = false
	f.Touch(e.At)
}

func (e *Completed) apply(f *Facility) {
	f.Status = StatusCompleted
	at := e.At
	f.CompletedAt = &at
	f.Touch(e.At)
}

func decodeEvent(rec event.Record) (Event, error) {
	switch rec.Type {
	case "initialized":
		return event.Decode(rec, &Initialized{})
	case "activated":
		return event.Decode(rec, &Activated{})
	case "disbursal_recorded":
		return event.Decode(rec, &DisbursalRecorded{})
	case "accrual_cycle_started":
		return event.Decode(rec, &AccrualCycleStarted{})
	case "interest_accrued":
		return event.Decode(rec, &InterestAccrued{})
	case "collateralization_updated":
		return event.Decode(rec, &CollateralizationUpdated{})
	case "liquidation_started":
		return event.Decode(rec, &LiquidationStarted{})
	case "liquidation_ended":
		return event.Decode(rec, &LiquidationEnded{})
	case "completed":
		return event.Decode(rec, &Completed{})
	default:
		return nil, fmt.Errorf("%w: facility %s", event.ErrUnknownEvent, rec.Type)
	}
}
