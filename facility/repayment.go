package facility

import (
	"sort"
	"time"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/types"
)

// RepaymentStatus is an obligation's status, or Upcoming for an amount the
// facility has not yet raised.
type RepaymentStatus string

const RepaymentUpcoming RepaymentStatus = "upcoming"

// RepaymentEntry is one line of a repayment plan. ObligationID is nil for
// planned entries.
type RepaymentEntry struct {
	Type         obligation.Type `json:"type"`
	ObligationID id.ObligationID `json:"obligation_id,omitempty"`
	Status       RepaymentStatus `json:"status"`
	Initial      types.Money     `json:"initial"`
	Outstanding  types.Money     `json:"outstanding"`
	DueAt        time.Time       `json:"due_at"`
	OverdueAt    *time.Time      `json:"overdue_at,omitempty"`
	DefaultedAt  *time.Time      `json:"defaulted_at,omitempty"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// IsPlanned reports whether the entry is a projection.
func (r RepaymentEntry) IsPlanned() bool { return r.ObligationID.IsNil() }

type RepaymentPlan struct {
	FacilityID id.FacilityID    `json:"facility_id"`
	AsOf       time.Time        `json:"as_of"`
	Entries    []RepaymentEntry `json:"entries"`
}

// Outstanding sums what remains to be paid across recorded and planned
// entries.
func (p RepaymentPlan) Outstanding(currency string) types.Money {
	total := types.Zero(currency)
	for _, e := range p.Entries {
		total = total.Add(e.Outstanding)
	}
	return total
}

// NewRepaymentPlan lists a facility's obligations followed by the interest
// cycles still to come up to maturity, estimated on the principal currently
// outstanding. Before any drawdown the whole commitment stands in as
// principal due at maturity. Entries are ordered by due date.
func NewRepaymentPlan(f *Facility, obligations []*obligation.Obligation, asOf time.Time) RepaymentPlan {
	asOf = asOf.UTC()
	plan := RepaymentPlan{FacilityID: f.ID, AsOf: asOf}
	currency := f.Amount.Currency

	activatedAt := asOf
	if f.ActivatedAt != nil {
		activatedAt = *f.ActivatedAt
	}
	maturity := f.Terms.MaturesAt(activatedAt)
	if f.MaturesAt != nil {
		maturity = *f.MaturesAt
	}

	principal := types.Zero(currency)
	hasPrincipal := false
	for _, o := range obligations {
		plan.Entries = append(plan.Entries, RepaymentEntry{
			Type:         o.Type,
			ObligationID: o.ID,
			Status:       RepaymentStatus(o.Status),
			Initial:      o.Amount,
			Outstanding:  o.Outstanding(),
			DueAt:        o.DueAt,
			OverdueAt:    o.OverdueAt,
			DefaultedAt:  o.DefaultedAt,
			RecordedAt:   o.CreatedAt,
		})
		if o.Type == obligation.TypeDisbursal {
			hasPrincipal = true
			principal = principal.Add(o.Outstanding())
		}
	}
	if !hasPrincipal && f.Status != StatusCompleted {
		principal = f.Amount
		plan.Entries = append(plan.Entries, RepaymentEntry{
			Type:        obligation.TypeDisbursal,
			Status:      RepaymentUpcoming,
			Initial:     f.Amount,
			Outstanding: f.Amount,
			DueAt:       maturity,
			RecordedAt:  activatedAt,
		})
	}

	if f.Status != StatusCompleted {
		start := activatedAt
		if f.InterestThrough != nil {
			start = *f.InterestThrough
		}
		for p, ok := cyclePeriod(start, maturity); ok; p, ok = cyclePeriod(p.End, maturity) {
			daily := f.Terms.Interest(principal, 1)
			interest := types.Money{Amount: daily.Amount * int64(accrualDays(p)), Currency: currency}
			if !interest.IsPositive() {
				continue
			}
			plan.Entries = append(plan.Entries, RepaymentEntry{
				Type:        obligation.TypeInterest,
				Status:      RepaymentUpcoming,
				Initial:     interest,
				Outstanding: interest,
				DueAt:       f.Terms.InterestSchedule(p.End).DueAt,
				RecordedAt:  p.End,
			})
		}
	}

	sort.SliceStable(plan.Entries, func(i, j int) bool {
		a, b := plan.Entries[i], plan.Entries[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		return a.Type == obligation.TypeDisbursal && b.Type != obligation.TypeDisbursal
	})
	return plan
}

// accrualDays counts the daily accruals a cycle over p will record.
func accrualDays(p Period) int {
	n := 0
	for at := p.Start; at.Before(p.End); at = dayPeriod(at, p.End).End {
		n++
	}
	return n
}
