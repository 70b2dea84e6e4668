package facility

import (
	"fmt"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

const DisbursalEntityType = "disbursal"

// DisbursalStatus is the approval and settlement stage of a disbursal.
type DisbursalStatus string

const (
	DisbursalPendingApproval DisbursalStatus = "pending_approval"
	DisbursalSettled         DisbursalStatus = "settled"
	DisbursalRejected        DisbursalStatus = "rejected"
)

type Disbursal struct {
	event.Changes[DisbursalEvent]
	types.Entity

	ID            id.DisbursalID   `json:"id"`
	FacilityID    id.FacilityID    `json:"facility_id"`
	Amount        types.Money      `json:"amount"`
	ProcessID     string           `json:"process_id,omitempty"`
	Status        DisbursalStatus  `json:"status"`
	TransactionID id.TransactionID `json:"transaction_id,omitempty"`
	ObligationID  id.ObligationID  `json:"obligation_id,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	ConcludedAt   *time.Time       `json:"concluded_at,omitempty"`
}

// NewDisbursal opens a disbursal pending approval. processID is empty when
// the disbursal settles without governance.
func NewDisbursal(facilityID id.FacilityID, amount types.Money, processID string, at time.Time) (*Disbursal, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	d := &Disbursal{}
	d.raise(&DisbursalInitiated{
		ID:         id.NewDisbursalID(),
		FacilityID: facilityID,
		Amount:     amount,
		ProcessID:  processID,
		CreatedAt:  at.UTC(),
	})
	return d, nil
}

// IsConcluded reports whether the disbursal has settled or been rejected.
func (d *Disbursal) IsConcluded() bool { return d.Status != DisbursalPendingApproval }

// Settle records the DISBURSAL posting and the principal obligation.
func (d *Disbursal) Settle(txID id.TransactionID, obligationID id.ObligationID, at time.Time) error {
	if d.IsConcluded() {
		return fmt.Errorf("%w: disbursal %s is %s", ErrAlreadyConcluded, d.ID, d.Status)
	}
	d.raise(&DisbursalConfirmed{TransactionID: txID, ObligationID: obligationID, At: at.UTC()})
	return nil
}

// Reject closes the disbursal without posting.
func (d *Disbursal) Reject(reason string, at time.Time) error {
	if d.IsConcluded() {
		return fmt.Errorf("%w: disbursal %s is %s", ErrAlreadyConcluded, d.ID, d.Status)
	}
	d.raise(&DisbursalDenied{Reason: reason, At: at.UTC()})
	return nil
}

func (d *Disbursal) raise(e DisbursalEvent) {
	e.apply(d)
	d.Raise(e)
}

func (d *Disbursal) StreamID() id.ID       { return d.ID }
func (d *Disbursal) StreamFacility() id.ID { return d.FacilityID }

// DisbursalEvent is a disbursal stream event.
type DisbursalEvent interface {
	event.Payload
	apply(d *Disbursal)
}

type DisbursalInitiated struct {
	ID         id.DisbursalID `json:"id"`
	FacilityID id.FacilityID  `json:"facility_id"`
	Amount     types.Money    `json:"amount"`
	ProcessID  string         `json:"process_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type DisbursalConfirmed struct {
	TransactionID id.TransactionID `json:"transaction_id"`
	ObligationID  id.ObligationID  `json:"obligation_id"`
	At            time.Time        `json:"at"`
}

type DisbursalDenied struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func (*DisbursalInitiated) EventType() string   { return "initiated" }
func (e *DisbursalInitiated) LookupKey() string { return e.ProcessID }
func (*DisbursalConfirmed) EventType() string   { return "settled" }
func (*DisbursalDenied) EventType() string      { return "rejected" }

func (e *DisbursalInitiated) apply(d *Disbursal) {
	d.ID = e.ID
	d.FacilityID = e.FacilityID
	d.Amount = e.Amount
	d.ProcessID = e.ProcessID
	d.Status = DisbursalPendingApproval
	d.Entity = types.NewEntityAt(e.CreatedAt)
}

func (e *DisbursalConfirmed) apply(d *Disbursal) {
	d.Status = DisbursalSettled
	d.TransactionID = e.TransactionID
	d.ObligationID = e.ObligationID
	at := e.At
	d.ConcludedAt = &at
	d.Touch(e.At)
}

func (e *DisbursalDenied) apply(d *Disbursal) {
	d.Status = DisbursalRejected
	d.Reason = e.Reason
	at := e.At
	d.ConcludedAt = &at
	d.Touch(e.At)
}

// RehydrateDisbursal folds a disbursal from its events.
func RehydrateDisbursal(events []DisbursalEvent) (*Disbursal, error) {
	if len(events) == 0 {
		return nil, ErrDisbursalNotFound
	}
	if _, ok := events[0].(*DisbursalInitiated); !ok {
		return nil, fmt.Errorf("disbursal: stream starts with %s", events[0].EventType())
	}
	d := &Disbursal{}
	for _, e := range events {
		e.apply(d)
	}
	return d, nil
}

func decodeDisbursalEvent(rec event.Record) (DisbursalEvent, error) {
	switch rec.Type {
	case "initiated":
		return event.Decode(rec, &DisbursalInitiated{})
	case "settled":
		return event.Decode(rec, &DisbursalConfirmed{})
	case "rejected":
		return event.Decode(rec, &DisbursalDenied{})
	default:
		return nil, fmt.Errorf("%w: disbursal %s", event.ErrUnknownEvent, rec.Type)
	}
}
