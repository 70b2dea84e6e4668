// Package payment records incoming funds and the allocations made from them.
// Both are immutable once recorded.
package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

const (
	EntityType           = "payment"
	AllocationEntityType = "allocation"
)

var (
	ErrNotFound           = fmt.Errorf("payment: not found: %w", event.ErrNotFound)
	ErrAllocationNotFound = fmt.Errorf("payment: allocation not found: %w", event.ErrNotFound)
	ErrDuplicatePayment   = errors.New("payment: duplicate payment reference")
	ErrInvalidAmount      = errors.New("payment: amount must be positive")
	ErrMissingReference   = errors.New("payment: missing reference")
)

// Source is where the funds came from.
type Source string

const (
	SourceCustomer    Source = "customer"
	SourceLiquidation Source = "liquidation"
)

type Payment struct {
	event.Changes[Event]
	types.Entity

	ID            id.PaymentID     `json:"id"`
	FacilityID    id.FacilityID    `json:"facility_id"`
	Reference     string           `json:"reference"`
	Source        Source           `json:"source"`
	Amount        types.Money      `json:"amount"`
	EffectiveAt   time.Time        `json:"effective_at"`
	TransactionID id.TransactionID `json:"transaction_id"`
}

// Allocation records part of a payment applied to one obligation.
type Allocation struct {
	event.Changes[Event]
	types.Entity

	ID             id.AllocationID  `json:"id"`
	PaymentID      id.PaymentID     `json:"payment_id"`
	FacilityID     id.FacilityID    `json:"facility_id"`
	ObligationID   id.ObligationID  `json:"obligation_id"`
	ObligationType string           `json:"obligation_type"`
	Amount         types.Money      `json:"amount"`
	TransactionID  id.TransactionID `json:"transaction_id"`
}

// Event is a payment or allocation stream event.
type Event interface {
	event.Payload
}

// Recorded is the single event of a payment stream. Its lookup key makes the
// external reference unique.
type Recorded struct {
	ID            id.PaymentID     `json:"id"`
	FacilityID    id.FacilityID    `json:"facility_id"`
	Reference     string           `json:"reference"`
	Source        Source           `json:"source"`
	Amount        types.Money      `json:"amount"`
	EffectiveAt   time.Time        `json:"effective_at"`
	TransactionID id.TransactionID `json:"transaction_id"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

func (*Recorded) EventType() string   { return "recorded" }
func (e *Recorded) LookupKey() string { return e.Reference }

// AllocationRecorded is the single event of an allocation stream.
type AllocationRecorded struct {
	ID             id.AllocationID  `json:"id"`
	PaymentID      id.PaymentID     `json:"payment_id"`
	FacilityID     id.FacilityID    `json:"facility_id"`
	ObligationID   id.ObligationID  `json:"obligation_id"`
	ObligationType string           `json:"obligation_type"`
	Amount         types.Money      `json:"amount"`
	TransactionID  id.TransactionID `json:"transaction_id"`
	RecordedAt     time.Time        `json:"recorded_at"`
}

func (*AllocationRecorded) EventType() string { return "allocation_recorded" }

// NewInput describes a payment to record.
type NewInput struct {
	FacilityID  id.FacilityID
	Reference   string
	Source      Source
	Amount      types.Money
	EffectiveAt time.Time
	RecordedAt  time.Time
}

// New validates and creates a payment. The ledger transaction is attached
// with SetTransaction before the payment is saved.
func New(in NewInput) (*Payment, error) {
	in.Reference = strings.TrimSpace(in.Reference)
	if in.Reference == "" {
		return nil, ErrMissingReference
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, in.Amount)
	}
	if in.Source == "" {
		in.Source = SourceCustomer
	}
	if in.EffectiveAt.IsZero() {
		in.EffectiveAt = in.RecordedAt
	}

	p := &Payment{
		ID:          id.NewPaymentID(),
		FacilityID:  in.FacilityID,
		Reference:   in.Reference,
		Source:      in.Source,
		Amount:      in.Amount,
		EffectiveAt: in.EffectiveAt.UTC(),
		Entity:      types.NewEntityAt(in.RecordedAt),
	}
	return p, nil
}

// SetTransaction attaches the RECORD_PAYMENT transaction and queues the
// payment's only event.
func (p *Payment) SetTransaction(txID id.TransactionID) {
	p.TransactionID = txID
	p.Raise(&Recorded{
		ID:            p.ID,
		FacilityID:    p.FacilityID,
		Reference:     p.Reference,
		Source:        p.Source,
		Amount:        p.Amount,
		EffectiveAt:   p.EffectiveAt,
		TransactionID: txID,
		RecordedAt:    p.CreatedAt,
	})
}

func (p *Payment) StreamID() id.ID       { return p.ID }
func (p *Payment) StreamFacility() id.ID { return p.FacilityID }

// NewAllocation records part of a payment applied to an obligation.
func NewAllocation(allocationID id.AllocationID, p *Payment, obligationID id.ObligationID, obligationType string, amount types.Money, txID id.TransactionID, at time.Time) *Allocation {
	if allocationID.IsNil() {
		allocationID = id.NewAllocationID()
	}
	a := &Allocation{}
	e := &AllocationRecorded{
		ID:             allocationID,
		PaymentID:      p.ID,
		FacilityID:     p.FacilityID,
		ObligationID:   obligationID,
		ObligationType: obligationType,
		Amount:         amount,
		TransactionID:  txID,
		RecordedAt:     at.UTC(),
	}
	e.applyTo(a)
	a.Raise(e)
	return a
}

func (e *AllocationRecorded) applyTo(a *Allocation) {
	a.ID = e.ID
	a.PaymentID = e.PaymentID
	a.FacilityID = e.FacilityID
	a.ObligationID = e.ObligationID
	a.ObligationType = e.ObligationType
	a.Amount = e.Amount
	a.TransactionID = e.TransactionID
	a.Entity = types.NewEntityAt(e.RecordedAt)
}

func (a *Allocation) StreamID() id.ID       { return a.ID }
func (a *Allocation) StreamFacility() id.ID { return a.FacilityID }

func rehydratePayment(events []Event) (*Payment, error) {
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	e, ok := events[0].(*Recorded)
	if !ok {
		return nil, fmt.Errorf("payment: stream starts with %s", events[0].EventType())
	}
	return &Payment{
		ID:            e.ID,
		FacilityID:    e.FacilityID,
		Reference:     e.Reference,
		Source:        e.Source,
		Amount:        e.Amount,
		EffectiveAt:   e.EffectiveAt,
		TransactionID: e.TransactionID,
		Entity:        types.NewEntityAt(e.RecordedAt),
	}, nil
}

func rehydrateAllocation(events []Event) (*Allocation, error) {
	if len(events) == 0 {
		return nil, ErrAllocationNotFound
	}
	e, ok := events[0].(*AllocationRecorded)
	if !ok {
		return nil, fmt.Errorf("payment: allocation stream starts with %s", events[0].EventType())
	}
	a := &Allocation{}
	e.applyTo(a)
	return a, nil
}

func decodeEvent(rec event.Record) (Event, error) {
	switch rec.Type {
	case "recorded":
		return event.Decode(rec, &Recorded{})
	case "allocation_recorded":
		return event.Decode(rec, &AllocationRecorded{})
	default:
		return nil, fmt.Errorf("%w: payment %s", event.ErrUnknownEvent, rec.Type)
	}
}
