package obligation

import (
	"fmt"
	"time"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// NewInput describes an obligation to create.
type NewInput struct {
	ID          id.ObligationID
	FacilityID  id.FacilityID
	Type        Type
	Amount      types.Money
	Schedule    Schedule
	Accounts    ReceivableAccounts
	ReferenceID id.ID
	CreatedAt   time.Time
}

// New creates an obligation in NotYetDue.
func New(in NewInput) (*Obligation, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, in.Amount)
	}
	if in.Type != TypeDisbursal && in.Type != TypeInterest {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, in.Type)
	}
	if err := in.Schedule.validate(); err != nil {
		return nil, err
	}
	if in.ID.IsNil() {
		in.ID = id.NewObligationID()
	}

	o := &Obligation{}
	o.raise(&Initialized{
		ID:          in.ID,
		FacilityID:  in.FacilityID,
		Type:        in.Type,
		Amount:      in.Amount,
		DueAt:       in.Schedule.DueAt.UTC(),
		OverdueAt:   in.Schedule.OverdueAt,
		DefaultedAt: in.Schedule.DefaultedAt,
		Accounts:    in.Accounts,
		ReferenceID: in.ReferenceID,
		CreatedAt:   in.CreatedAt,
	})
	return o, nil
}

// Rehydrate folds an obligation from its events.
func Rehydrate(events []Event) (*Obligation, error) {
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	if _, ok := events[0].(*Initialized); !ok {
		return nil, fmt.Errorf("obligation: stream starts with %s", events[0].EventType())
	}
	o := &Obligation{}
	for _, e := range events {
		e.apply(o)
	}
	return o, nil
}

func (o *Obligation) raise(e Event) {
	e.apply(o)
	o.Raise(e)
}

func (o *Obligation) StreamID() id.ID       { return o.ID }
func (o *Obligation) StreamFacility() id.ID { return o.FacilityID }

// Outstanding is the original amount less everything allocated.
func (o *Obligation) Outstanding() types.Money {
	out := o.Amount
	for _, a := range o.Allocations {
		out = out.Subtract(a.Amount)
	}
	return out
}

// IsPaid reports whether the obligation is settled.
func (o *Obligation) IsPaid() bool { return o.Status == StatusPaid }

// CurrentAccount is the receivable account for the current status.
func (o *Obligation) CurrentAccount() id.AccountID { return o.Accounts.For(o.Status) }

// Transition advances the obligation by at most one aging step as of day and
// returns the receivable reclassification it requires, or nil when nothing
// is due. Callers loop until nil.
func (o *Obligation) Transition(day time.Time) (*Reallocation, error) {
	if o.IsPaid() {
		return nil, nil
	}

	next := o.nextStatus(day)
	if next == "" {
		return nil, nil
	}
	if next.rank() <= o.Status.rank() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}

	outstanding := o.Outstanding()
	if outstanding.IsNegative() {
		return nil, fmt.Errorf("%w: %s outstanding %s", ErrNegativeOutstanding, o.ID, outstanding)
	}

	r := &Reallocation{
		ObligationID: o.ID,
		From:         o.CurrentAccount(),
		To:           o.Accounts.For(next),
		Amount:       outstanding,
		Status:       next,
		At:           day.UTC(),
	}

	switch next {
	case StatusDue:
		o.raise(&DueRecorded{At: r.At})
	case StatusOverdue:
		o.raise(&OverdueRecorded{At: r.At})
	case StatusDefaulted:
		o.raise(&DefaultedRecorded{At: r.At})
	}
	return r, nil
}

func (o *Obligation) nextStatus(day time.Time) Status {
	reached := func(t *time.Time) bool { return t != nil && !day.Before(*t) }

	switch o.Status {
	case StatusNotYetDue:
		if !day.Before(o.DueAt) {
			return StatusDue
		}
	case StatusDue:
		if reached(o.OverdueAt) {
			return StatusOverdue
		}
		if reached(o.DefaultedAt) {
			return StatusDefaulted
		}
	case StatusOverdue:
		if reached(o.DefaultedAt) {
			return StatusDefaulted
		}
	}
	return ""
}

// Allocate applies part of a payment. The allocation may not exceed the
// outstanding amount. Reaching zero outstanding completes the obligation.
func (o *Obligation) Allocate(a Allocation) error {
	if o.IsPaid() {
		return fmt.Errorf("%w: %s", ErrAlreadyPaid, o.ID)
	}
	if !a.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, a.Amount)
	}
	outstanding := o.Outstanding()
	if a.Amount.GreaterThan(outstanding) {
		return fmt.Errorf("%w: %s > %s on %s", ErrAllocationExceedsOutstanding, a.Amount, outstanding, o.ID)
	}
	if a.ID.IsNil() {
		a.ID = id.NewAllocationID()
	}
	a.RecordedAt = a.RecordedAt.UTC()

	o.raise(&PaymentAllocated{Allocation: a})
	if o.Outstanding().IsZero() {
		o.raise(&Completed{At: a.RecordedAt})
	}
	return nil
}

func (s Schedule) validate() error {
	if s.DueAt.IsZero() {
		return fmt.Errorf("%w: missing due date", ErrInvalidSchedule)
	}
	if s.OverdueAt != nil && s.OverdueAt.Before(s.DueAt) {
		return fmt.Errorf("%w: overdue before due", ErrInvalidSchedule)
	}
	if s.DefaultedAt != nil {
		if s.DefaultedAt.Before(s.DueAt) {
			return fmt.Errorf("%w: default before due", ErrInvalidSchedule)
		}
		if s.OverdueAt != nil && s.DefaultedAt.Before(*s.OverdueAt) {
			return fmt.Errorf("%w: default before overdue", ErrInvalidSchedule)
		}
	}
	return nil
}

// NewSchedule derives a schedule from a due date and day offsets. A
// non-positive offset leaves that stage unset.
func NewSchedule(dueAt time.Time, overdueAfterDays, defaultAfterDays int) Schedule {
	s := Schedule{DueAt: dueAt.UTC()}
	if overdueAfterDays > 0 {
		t := s.DueAt.AddDate(0, 0, overdueAfterDays)
		s.OverdueAt = &t
	}
	if defaultAfterDays > 0 {
		t := s.DueAt.AddDate(0, 0, defaultAfterDays)
		s.DefaultedAt = &t
	}
	return s
}
