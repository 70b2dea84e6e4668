package obligation

import (
	"fmt"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// EntityType is the event stream type for obligations.
const EntityType = "obligation"

// Event is an obligation stream event.
type Event interface {
	event.Payload
	apply(o *Obligation)
}

type Initialized struct {
	ID          id.ObligationID    `json:"id"`
	FacilityID  id.FacilityID      `json:"facility_id"`
	Type        Type               `json:"type"`
	Amount      types.Money        `json:"amount"`
	DueAt       time.Time          `json:"due_at"`
	OverdueAt   *time.Time         `json:"overdue_at,omitempty"`
	DefaultedAt *time.Time         `json:"defaulted_at,omitempty"`
	Accounts    ReceivableAccounts `json:"accounts"`
	ReferenceID id.ID              `json:"reference_id"`
	CreatedAt   time.Time          `json:"created_at"`
}

type DueRecorded struct {
	At time.Time `json:"at"`
}

type OverdueRecorded struct {
	At time.Time `json:"at"`
}

type DefaultedRecorded struct {
	At time.Time `json:"at"`
}

type PaymentAllocated struct {
	Allocation Allocation `json:"allocation"`
}

type Completed struct {
	At time.Time `json:"at"`
}

func (*Initialized) EventType() string       { return "initialized" }
func (*DueRecorded) EventType() string       { return "due_recorded" }
func (*OverdueRecorded) EventType() string   { return "overdue_recorded" }
func (*DefaultedRecorded) EventType() string { return "defaulted_recorded" }
func (*PaymentAllocated) EventType() string  { return "payment_allocated" }
func (*Completed) EventType() string         { return "completed" }

func (e *Initialized) apply(o *Obligation) {
	o.ID = e.ID
	o.FacilityID = e.FacilityID
	o.Type = e.Type
	o.Amount = e.Amount
	o.Status = StatusNotYetDue
	o.DueAt = e.DueAt
	o.OverdueAt = e.OverdueAt
	o.DefaultedAt = e.DefaultedAt
	o.Accounts = e.Accounts
	o.ReferenceID = e.ReferenceID
	o.Entity = types.NewEntityAt(e.CreatedAt)
}

func (e *DueRecorded) apply(o *Obligation) {
	o.Status = StatusDue
	o.Touch(e.At)
}

func (e *OverdueRecorded) apply(o *Obligation) {
	o.Status = StatusOverdue
	o.Touch(e.At)
}

func (e *DefaultedRecorded) apply(o *Obligation) {
	o.Status = StatusDefaulted
	o.Touch(e.At)
}

func (e *PaymentAllocated) apply(o *Obligation) {
	o.Allocations = append(o.Allocations, e.Allocation)
	o.Touch(e.Allocation.RecordedAt)
}

func (e *Completed) apply(o *Obligation) {
	o.Status = StatusPaid
	at := e.At
	o.PaidAt = &at
	o.Touch(e.At)
}

func decodeEvent(rec event.Record) (Event, error) {
	switch rec.Type {
	case "initialized":
		return event.Decode(rec, &Initialized{})
	case "due_recorded":
		return event.Decode(rec, &DueRecorded{})
	case "overdue_recorded":
		return event.Decode(rec, &OverdueRecorded{})
	case "defaulted_recorded":
		return event.Decode(rec, &DefaultedRecorded{})
	case "payment_allocated":
		return event.Decode(rec, &PaymentAllocated{})
	case "completed":
		return event.Decode(rec, &Completed{})
	default:
		return nil, fmt.Errorf("%w: obligation %s", event.ErrUnknownEvent, rec.Type)
	}
}
