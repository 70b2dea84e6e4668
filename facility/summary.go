package facility

import (
	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/price"
	"github.com/xraph/lending/types"
)

// Receivables breaks an outstanding balance down by aging stage.
type Receivables struct {
	NotYetDue types.Money `json:"not_yet_due"`
	Due       types.Money `json:"due"`
	Overdue   types.Money `json:"overdue"`
	Defaulted types.Money `json:"defaulted"`
}

// Total is the sum over every stage.
func (r Receivables) Total() types.Money {
	return r.NotYetDue.Add(r.Due).Add(r.Overdue).Add(r.Defaulted)
}

func (r *Receivables) add(s obligation.Status, m types.Money) {
	switch s {
	case obligation.StatusNotYetDue:
		r.NotYetDue = r.NotYetDue.Add(m)
	case obligation.StatusDue:
		r.Due = r.Due.Add(m)
	case obligation.StatusOverdue:
		r.Overdue = r.Overdue.Add(m)
	case obligation.StatusDefaulted:
		r.Defaulted = r.Defaulted.Add(m)
	}
}

// BalanceSummary is a facility's position derived from its obligations and
// collateral.
type BalanceSummary struct {
	Committed  types.Money `json:"committed"`
	Remaining  types.Money `json:"remaining"`
	Disbursed  Receivables `json:"disbursed"`
	Interest   Receivables `json:"interest"`
	Collateral types.Money `json:"collateral"`

	everDisbursed bool
}

// Summarize builds the summary. A nil collateral counts as zero.
func Summarize(f *Facility, obligations []*obligation.Obligation, col *collateral.Collateral) BalanceSummary {
	zero := types.Zero(f.Amount.Currency)
	s := BalanceSummary{
		Committed:     f.Amount,
		Remaining:     f.Remaining(),
		Disbursed:     Receivables{NotYetDue: zero, Due: zero, Overdue: zero, Defaulted: zero},
		Interest:      Receivables{NotYetDue: zero, Due: zero, Overdue: zero, Defaulted: zero},
		Collateral:    types.BTC(0),
		everDisbursed: f.Disbursed.IsPositive(),
	}
	if col != nil {
		s.Collateral = col.Amount
	}
	for _, o := range obligations {
		if o.IsPaid() {
			continue
		}
		if o.Type == obligation.TypeInterest {
			s.Interest.add(o.Status, o.Outstanding())
		} else {
			s.Disbursed.add(o.Status, o.Outstanding())
		}
	}
	return s
}

// TotalOutstanding is principal plus interest owed.
func (s BalanceSummary) TotalOutstanding() types.Money {
	return s.Disbursed.Total().Add(s.Interest.Total())
}

// TotalOverdue is overdue principal plus overdue interest. Defaulted amounts
// are reported separately.
func (s BalanceSummary) TotalOverdue() types.Money {
	return s.Disbursed.Overdue.Add(s.Interest.Overdue)
}

// TotalDefaulted is defaulted principal plus defaulted interest.
func (s BalanceSummary) TotalDefaulted() types.Money {
	return s.Disbursed.Defaulted.Add(s.Interest.Defaulted)
}

// AnyOutstandingOrDefaulted reports whether anything is still owed.
func (s BalanceSummary) AnyOutstandingOrDefaulted() bool {
	return s.TotalOutstanding().IsPositive()
}

// Exposure is what CVL is measured against: the amount outstanding once
// anything has been disbursed, otherwise the full commitment.
func (s BalanceSummary) Exposure() types.Money {
	if s.everDisbursed {
		return s.TotalOutstanding()
	}
	return s.Committed
}

// WithAddedDisbursal projects the summary after disbursing amount.
func (s BalanceSummary) WithAddedDisbursal(amount types.Money) BalanceSummary {
	s.Disbursed.NotYetDue = s.Disbursed.NotYetDue.Add(amount)
	s.Remaining = s.Remaining.Subtract(amount)
	s.everDisbursed = true
	return s
}

// CVL computes the ratio at the snapshot price.
func (s BalanceSummary) CVL(snap price.Snapshot) (collateral.CVL, error) {
	return collateral.ComputeCVL(s.Collateral, snap, s.Exposure())
}
