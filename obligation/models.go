// Package obligation tracks every amount a facility owes through its aging
// lifecycle and decides how payments are spread across obligations.
package obligation

import (
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// Type distinguishes principal from interest.
type Type string

const (
	TypeDisbursal Type = "disbursal"
	TypeInterest  Type = "interest"
)

// Status is the aging stage of an obligation.
type Status string

const (
	StatusNotYetDue Status = "not_yet_due"
	StatusDue       Status = "due"
	StatusOverdue   Status = "overdue"
	StatusDefaulted Status = "defaulted"
	StatusPaid      Status = "paid"
)

func (s Status) rank() int {
	switch s {
	case StatusNotYetDue:
		return 0
	case StatusDue:
		return 1
	case StatusOverdue:
		return 2
	case StatusDefaulted:
		return 3
	default:
		return 4
	}
}

// ReceivableAccounts are the ledger accounts holding the receivable at each
// aging stage.
type ReceivableAccounts struct {
	NotYetDue id.AccountID `json:"not_yet_due"`
	Due       id.AccountID `json:"due"`
	Overdue   id.AccountID `json:"overdue"`
	Defaulted id.AccountID `json:"defaulted"`
}

// For returns the account for a status. Paid has none.
func (a ReceivableAccounts) For(s Status) id.AccountID {
	switch s {
	case StatusNotYetDue:
		return a.NotYetDue
	case StatusDue:
		return a.Due
	case StatusOverdue:
		return a.Overdue
	case StatusDefaulted:
		return a.Defaulted
	default:
		return id.Nil
	}
}

// Allocation is the part of a payment applied to one obligation.
type Allocation struct {
	ID            id.AllocationID  `json:"id"`
	PaymentID     id.PaymentID     `json:"payment_id"`
	Amount        types.Money      `json:"amount"`
	TransactionID id.TransactionID `json:"transaction_id"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

type Obligation struct {
	event.Changes[Event]
	types.Entity

	ID          id.ObligationID    `json:"id"`
	FacilityID  id.FacilityID      `json:"facility_id"`
	Type        Type               `json:"type"`
	Amount      types.Money        `json:"amount"`
	Status      Status             `json:"status"`
	DueAt       time.Time          `json:"due_at"`
	OverdueAt   *time.Time         `json:"overdue_at,omitempty"`
	DefaultedAt *time.Time         `json:"defaulted_at,omitempty"`
	Accounts    ReceivableAccounts `json:"accounts"`
	ReferenceID id.ID              `json:"reference_id"`
	Allocations []Allocation       `json:"allocations,omitempty"`
	PaidAt      *time.Time         `json:"paid_at,omitempty"`
}

// Reallocation moves an obligation's receivable to the account of its new
// status.
type Reallocation struct {
	ObligationID id.ObligationID
	From         id.AccountID
	To           id.AccountID
	Amount       types.Money
	Status       Status
	At           time.Time
}

// Schedule is the set of dates an obligation ages on.
type Schedule struct {
	DueAt       time.Time
	OverdueAt   *time.Time
	DefaultedAt *time.Time
}

type ListOpts struct {
	Status Status
	Type   Type
}
