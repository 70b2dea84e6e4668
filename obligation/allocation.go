package obligation

import (
	"fmt"
	"sort"

	"github.com/xraph/lending/types"
)

// Priority fixes the order payments are applied to obligations.
type Priority string

const (
	// PriorityOldestDueFirst pays the oldest due date first, disbursals
	// before interest on the same date, then creation order.
	PriorityOldestDueFirst Priority = "oldest_due_first"
	// PriorityInterestFirst pays every interest obligation before any
	// disbursal, oldest due date first within each type.
	PriorityInterestFirst Priority = "interest_first"
	// PriorityMostDelinquentFirst pays defaulted, then overdue, then due,
	// then not-yet-due obligations, oldest due date first within a stage.
	PriorityMostDelinquentFirst Priority = "most_delinquent_first"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityOldestDueFirst, PriorityInterestFirst, PriorityMostDelinquentFirst:
		return true
	}
	return false
}

// Share is the amount of a payment planned for one obligation.
type Share struct {
	Obligation *Obligation
	Amount     types.Money
}

// Plan is the outcome of spreading a payment over obligations.
type Plan struct {
	Shares    []Share
	Remainder types.Money
}

// Sort orders unpaid obligations by priority. Paid obligations are dropped.
func Sort(obligations []*Obligation, p Priority) ([]*Obligation, error) {
	if p == "" {
		p = PriorityOldestDueFirst
	}
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPriority, p)
	}

	out := make([]*Obligation, 0, len(obligations))
	for _, o := range obligations {
		if !o.IsPaid() && o.Outstanding().IsPositive() {
			out = append(out, o)
		}
	}

	typeRank := func(t Type, interestFirst bool) int {
		if (t == TypeInterest) == interestFirst {
			return 0
		}
		return 1
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch p {
		case PriorityInterestFirst:
			if ra, rb := typeRank(a.Type, true), typeRank(b.Type, true); ra != rb {
				return ra < rb
			}
		case PriorityMostDelinquentFirst:
			if a.Status.rank() != b.Status.rank() {
				return a.Status.rank() > b.Status.rank()
			}
		}
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if ra, rb := typeRank(a.Type, false), typeRank(b.Type, false); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out, nil
}

// PlanAllocation spreads amount over obligations in priority order. No share
// exceeds its obligation's outstanding amount; whatever is left over is
// returned as the remainder.
func PlanAllocation(amount types.Money, obligations []*Obligation, p Priority) (Plan, error) {
	if !amount.IsPositive() {
		return Plan{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	ordered, err := Sort(obligations, p)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Remainder: amount}
	for _, o := range ordered {
		if !plan.Remainder.IsPositive() {
			break
		}
		share := o.Outstanding().Min(plan.Remainder)
		plan.Shares = append(plan.Shares, Share{Obligation: o, Amount: share})
		plan.Remainder = plan.Remainder.Subtract(share)
	}
	return plan, nil
}

// TotalOutstanding sums the outstanding amount of unpaid obligations.
func TotalOutstanding(currency string, obligations []*Obligation) types.Money {
	total := types.Zero(currency)
	for _, o := range obligations {
		if !o.IsPaid() {
			total = total.Add(o.Outstanding())
		}
	}
	return total
}
