// Package history builds the customer-facing timeline of a facility from
// the domain events it published.
//
// The timeline is a read model. It is rebuilt from the facility's outbox
// envelopes on every read, so it never drifts from what subscribers saw.
package history

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// Kind classifies a history entry.
type Kind string

const (
	KindApproved          Kind = "approved"
	KindCollateral        Kind = "collateral"
	KindCollateralization Kind = "collateralization"
	KindDisbursal         Kind = "disbursal"
	KindInterest          Kind = "interest"
	KindPayment           Kind = "payment"
	KindLiquidation       Kind = "liquidation"
	KindLiquidationFunds  Kind = "liquidation_proceeds"
	KindCompleted         Kind = "completed"
)

// Direction of a collateral change.
type Direction string

const (
	DirectionAdd    Direction = "add"
	DirectionRemove Direction = "remove"
)

// Entry is one line of a facility timeline. Fields that do not apply to
// the entry's Kind are left zero.
type Entry struct {
	Kind          Kind             `json:"kind"`
	EventID       id.EventID       `json:"event_id"`
	Amount        types.Money      `json:"amount"`
	TransactionID id.TransactionID `json:"transaction_id,omitempty"`
	RecordedAt    time.Time        `json:"recorded_at"`
	// Effective is the UTC date the entry applies to.
	Effective     time.Time        `json:"effective"`

	Direction  Direction   `json:"direction,omitempty"`
	State      string      `json:"state,omitempty"`
	CVL        string      `json:"cvl,omitempty"`
	Price      types.Money `json:"price"`
	Collateral types.Money `json:"collateral"`
	Days       int         `json:"days,omitempty"`
}

// History is a facility timeline, newest entry first.
type History struct {
	FacilityID id.FacilityID `json:"facility_id"`
	Entries    []Entry       `json:"entries"`
}

// Build folds a facility's envelopes, in append order, into its timeline.
// Envelopes that carry no customer-visible change are skipped.
func Build(facilityID id.FacilityID, envs []event.Envelope) (History, error) {
	h := History{FacilityID: facilityID}
	for i := len(envs) - 1; i >= 0; i-- {
		e, err := envs[i].Unwrap()
		if err != nil {
			return History{}, fmt.Errorf("history: facility %s: %w", facilityID, err)
		}
		if entry, ok := project(envs[i], e); ok {
			h.Entries = append(h.Entries, entry)
		}
	}
	sort.SliceStable(h.Entries, func(i, j int) bool {
		return h.Entries[i].RecordedAt.After(h.Entries[j].RecordedAt)
	})
	return h, nil
}

// Of filters the timeline to one kind, newest first.
func (h History) Of(kind Kind) []Entry {
	var out []Entry
	for _, e := range h.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func project(env event.Envelope, e event.Event) (Entry, bool) {
	entry := Entry{
		EventID:    env.ID,
		RecordedAt: env.OccurredAt,
		Effective:  dateOf(env.OccurredAt),
	}
	switch e := e.(type) {
	case *event.FacilityActivated:
		entry.Kind = KindApproved
		entry.Amount = e.Amount
		entry.TransactionID = e.TransactionID
		entry.Effective = dateOf(e.ActivatedAt)
	case *event.CollateralUpdated:
		entry.Kind = KindCollateral
		entry.Amount = e.Delta.Abs()
		entry.Collateral = e.Amount
		entry.TransactionID = e.TransactionID
		entry.Direction = DirectionAdd
		if e.Delta.IsNegative() {
			entry.Direction = DirectionRemove
		}
	case *event.CollateralizationChanged:
		entry.Kind = KindCollateralization
		entry.Amount = e.Outstanding
		entry.State = e.State
		entry.CVL = e.CVL
		entry.Price = e.Price
		entry.Collateral = e.Collateral
	case *event.DisbursalSettled:
		entry.Kind = KindDisbursal
		entry.Amount = e.Amount
		entry.TransactionID = e.TransactionID
	case *event.InterestAccrued:
		entry.Kind = KindInterest
		entry.Amount = e.Amount
		entry.TransactionID = e.TransactionID
		entry.Effective = dateOf(e.PeriodEnd)
		entry.Days = days(e.PeriodStart, e.PeriodEnd)
	case *event.PaymentAllocated:
		entry.Kind = KindPayment
		entry.Amount = e.Amount
		entry.TransactionID = e.TransactionID
	case *event.LiquidationInitiated:
		entry.Kind = KindLiquidation
		entry.Amount = e.Amount
		entry.Price = e.TriggerPrice
	case *event.LiquidationProceedsReceived:
		entry.Kind = KindLiquidationFunds
		entry.Amount = e.Proceeds
		entry.Collateral = e.Liquidated
		entry.TransactionID = e.TransactionID
	case *event.FacilityCompleted:
		entry.Kind = KindCompleted
		entry.Effective = dateOf(e.CompletedAt)
	default:
		return Entry{}, false
	}
	return entry, true
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// days counts the calendar days a period touches. A partial first or last
// day counts whole.
func days(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}
	return int(math.Ceil(end.Sub(dateOf(start)).Hours() / 24))
}
