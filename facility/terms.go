package facility

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/types"
)

var daysPerYear = decimal.NewFromInt(365)

// Terms are the commercial parameters agreed in a proposal.
type Terms struct {
	// AnnualRate is the simple interest rate in percent.
	AnnualRate     decimal.Decimal       `json:"annual_rate" toml:"annual_rate"`
	DurationMonths int                   `json:"duration_months" toml:"duration_months"`
	Thresholds     collateral.Thresholds `json:"thresholds" toml:"thresholds"`
	UpgradeBuffer  decimal.Decimal       `json:"upgrade_buffer" toml:"upgrade_buffer"`

	// DisbursalDueDays is how long after disbursal principal falls due. Zero
	// means principal is due at maturity.
	DisbursalDueDays int `json:"disbursal_due_days" toml:"disbursal_due_days"`
	InterestDueDays  int `json:"interest_due_days" toml:"interest_due_days"`
	OverdueAfterDays int `json:"overdue_after_days" toml:"overdue_after_days"`
	DefaultAfterDays int `json:"default_after_days" toml:"default_after_days"`

	Priority obligation.Priority `json:"priority" toml:"priority"`
}

// DefaultTerms returns 12% over 12 months with the default CVL thresholds.
func DefaultTerms() Terms {
	return Terms{
		AnnualRate:       decimal.NewFromInt(12),
		DurationMonths:   12,
		Thresholds:       collateral.DefaultThresholds(),
		UpgradeBuffer:    collateral.DefaultUpgradeBuffer,
		InterestDueDays:  0,
		OverdueAfterDays: 30,
		DefaultAfterDays: 90,
		Priority:         obligation.PriorityOldestDueFirst,
	}
}

func (t Terms) Validate() error {
	if t.AnnualRate.IsNegative() {
		return fmt.Errorf("%w: negative rate %s", ErrInvalidTerms, t.AnnualRate)
	}
	if t.DurationMonths <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidTerms)
	}
	if t.DisbursalDueDays < 0 || t.InterestDueDays < 0 || t.OverdueAfterDays < 0 || t.DefaultAfterDays < 0 {
		return fmt.Errorf("%w: negative day offset", ErrInvalidTerms)
	}
	if t.OverdueAfterDays > 0 && t.DefaultAfterDays > 0 && t.DefaultAfterDays < t.OverdueAfterDays {
		return fmt.Errorf("%w: default before overdue", ErrInvalidTerms)
	}
	if t.UpgradeBuffer.IsNegative() {
		return fmt.Errorf("%w: negative upgrade buffer", ErrInvalidTerms)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidTerms, obligation.ErrUnknownPriority)
	}
	if err := t.Thresholds.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTerms, err)
	}
	return nil
}

// MaturesAt is activation plus the facility duration.
func (t Terms) MaturesAt(activatedAt time.Time) time.Time {
	return activatedAt.AddDate(0, t.DurationMonths, 0)
}

// DisbursalSchedule returns the aging schedule of principal disbursed at,
// bounded by maturity.
func (t Terms) DisbursalSchedule(at, maturesAt time.Time) obligation.Schedule {
	due := maturesAt
	if t.DisbursalDueDays > 0 {
		if d := at.AddDate(0, 0, t.DisbursalDueDays); d.Before(maturesAt) {
			due = d
		}
	}
	return obligation.NewSchedule(due, t.OverdueAfterDays, t.DefaultAfterDays)
}

// InterestSchedule returns the aging schedule of interest accrued through
// periodEnd.
func (t Terms) InterestSchedule(periodEnd time.Time) obligation.Schedule {
	return obligation.NewSchedule(periodEnd.AddDate(0, 0, t.InterestDueDays), t.OverdueAfterDays, t.DefaultAfterDays)
}

// Interest is simple interest on principal for a number of days on a
// 365-day year, rounded up to the cent.
func (t Terms) Interest(principal types.Money, days int) types.Money {
	if days <= 0 || !principal.IsPositive() || !t.AnnualRate.IsPositive() {
		return types.Zero(principal.Currency)
	}
	cents := decimal.NewFromInt(principal.Amount).
		Mul(t.AnnualRate).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromInt(int64(days))).
		Div(daysPerYear).
		Ceil()
	return types.Money{Amount: cents.IntPart(), Currency: principal.Currency}
}

// AllocationPriority is the payment order for the facility.
func (t Terms) AllocationPriority() obligation.Priority {
	if t.Priority == "" {
		return obligation.PriorityOldestDueFirst
	}
	return t.Priority
}
