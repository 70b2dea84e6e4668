package facility

import (
	"fmt"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

const AccrualCycleEntityType = "accrual_cycle"

// Period is a half-open time range [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func startOfNextDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}

func startOfNextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// cyclePeriod runs from start to the first of the next month, capped at
// limit. A zero limit is unbounded.
func cyclePeriod(start, limit time.Time) (Period, bool) {
	start = start.UTC()
	if !limit.IsZero() && !start.Before(limit) {
		return Period{}, false
	}
	end := startOfNextMonth(start)
	if !limit.IsZero() && end.After(limit) {
		end = limit.UTC()
	}
	return Period{Start: start, End: end}, true
}

// dayPeriod runs from start to the next UTC midnight, capped at limit. A
// period shorter than a day still accrues a full day.
func dayPeriod(start, limit time.Time) Period {
	end := startOfNextDay(start)
	if end.After(limit) {
		end = limit.UTC()
	}
	return Period{Start: start.UTC(), End: end}
}

// Accrual is one day of interest inside a cycle. Daily accruals post to the
// pending ledger layer; the cycle posting moves their total to settled.
type Accrual struct {
	Index         int              `json:"index"`
	Period        Period           `json:"period"`
	Principal     types.Money      `json:"principal"`
	Amount        types.Money      `json:"amount"`
	TransactionID id.TransactionID `json:"transaction_id,omitempty"`
	Reverted      bool             `json:"reverted,omitempty"`
	ReversalTx    id.TransactionID `json:"reversal_tx,omitempty"`
}

// AccrualCycle collects the daily accruals of one month of a facility. Once
// every day of the period has accrued, the cycle is posted as a single
// interest obligation due at the period end.
type AccrualCycle struct {
	event.Changes[CycleEvent]
	types.Entity

	ID           id.CycleID       `json:"id"`
	FacilityID   id.FacilityID    `json:"facility_id"`
	Index        int              `json:"index"`
	Period       Period           `json:"period"`
	Currency     string           `json:"currency"`
	Accruals     []Accrual        `json:"accruals"`
	Posted       bool             `json:"posted"`
	Total        types.Money      `json:"total"`
	PostingTx    id.TransactionID `json:"posting_tx,omitempty"`
	ObligationID id.ObligationID  `json:"obligation_id,omitempty"`
	PostedAt     *time.Time       `json:"posted_at,omitempty"`
}

// NewAccrualCycle opens cycle index of a facility over p.
func NewAccrualCycle(facilityID id.FacilityID, index int, p Period, currency string, at time.Time) *AccrualCycle {
	c := &AccrualCycle{}
	c.raise(&CycleOpened{
		ID:         id.NewCycleID(),
		FacilityID: facilityID,
		Index:      index,
		Period:     p,
		Currency:   currency,
		CreatedAt:  at.UTC(),
	})
	return c
}

func (c *AccrualCycle) raise(e CycleEvent) {
	e.apply(c)
	c.Raise(e)
}

func (c *AccrualCycle) StreamID() id.ID       { return c.ID }
func (c *AccrualCycle) StreamFacility() id.ID { return c.FacilityID }

// AccruedThrough is the end of the last accrual still in force, or the
// period start.
func (c *AccrualCycle) AccruedThrough() time.Time {
	for i := len(c.Accruals) - 1; i >= 0; i-- {
		if !c.Accruals[i].Reverted {
			return c.Accruals[i].Period.End
		}
	}
	return c.Period.Start
}

// NextAccrualPeriod returns the day to accrue next.
func (c *AccrualCycle) NextAccrualPeriod() (Period, bool) {
	if c.Posted {
		return Period{}, false
	}
	start := c.AccruedThrough()
	if !start.Before(c.Period.End) {
		return Period{}, false
	}
	return dayPeriod(start, c.Period.End), true
}

// IsComplete reports whether every day of the period has accrued.
func (c *AccrualCycle) IsComplete() bool {
	return !c.AccruedThrough().Before(c.Period.End)
}

// Accrued sums the accruals still in force.
func (c *AccrualCycle) Accrued() types.Money {
	total := types.Zero(c.Currency)
	for _, a := range c.Accruals {
		if !a.Reverted {
			total = total.Add(a.Amount)
		}
	}
	return total
}

// RecordAccrual records interest for the next day. txID is nil when amount
// is zero and nothing was posted.
func (c *AccrualCycle) RecordAccrual(principal, amount types.Money, txID id.TransactionID, at time.Time) (Accrual, error) {
	p, ok := c.NextAccrualPeriod()
	if !ok {
		return Accrual{}, fmt.Errorf("%w: cycle %s", ErrCycleComplete, c.ID)
	}
	a := Accrual{
		Index:         len(c.Accruals) + 1,
		Period:        p,
		Principal:     principal,
		Amount:        amount,
		TransactionID: txID,
	}
	c.raise(&DailyAccrualRecorded{Accrual: a, At: at.UTC()})
	return a, nil
}

// RevertibleAfter returns the accruals in force whose day ends after
// effective, latest first. A posted cycle has none.
func (c *AccrualCycle) RevertibleAfter(effective time.Time) []Accrual {
	if c.Posted {
		return nil
	}
	var out []Accrual
	for i := len(c.Accruals) - 1; i >= 0; i-- {
		a := c.Accruals[i]
		if a.Reverted {
			continue
		}
		if !a.Period.End.After(effective) {
			break
		}
		out = append(out, a)
	}
	return out
}

// RevertAccrual takes accrual index out of force. reversalTx is nil when
// the accrual posted nothing.
func (c *AccrualCycle) RevertAccrual(index int, reversalTx id.TransactionID, at time.Time) error {
	if c.Posted {
		return fmt.Errorf("%w: cycle %s", ErrCyclePosted, c.ID)
	}
	if index < 1 || index > len(c.Accruals) || c.Accruals[index-1].Reverted {
		return fmt.Errorf("%w: accrual %d of cycle %s", ErrInvalidStatus, index, c.ID)
	}
	c.raise(&DailyAccrualReverted{Index: index, TransactionID: reversalTx, At: at.UTC()})
	return nil
}

// Post closes a complete cycle. txID and obligationID are nil when the
// cycle accrued nothing.
func (c *AccrualCycle) Post(txID id.TransactionID, obligationID id.ObligationID, at time.Time) error {
	if c.Posted {
		return fmt.Errorf("%w: cycle %s", ErrCyclePosted, c.ID)
	}
	if !c.IsComplete() {
		return fmt.Errorf("%w: cycle %s accrued through %s", ErrInvalidStatus, c.ID, c.AccruedThrough().Format(time.RFC3339))
	}
	c.raise(&CyclePosted{Total: c.Accrued(), TransactionID: txID, ObligationID: obligationID, At: at.UTC()})
	return nil
}

// CycleEvent is an accrual cycle stream event.
type CycleEvent interface {
	event.Payload
	apply(c *AccrualCycle)
}

type CycleOpened struct {
	ID         id.CycleID    `json:"id"`
	FacilityID id.FacilityID `json:"facility_id"`
	Index      int           `json:"index"`
	Period     Period        `json:"period"`
	Currency   string        `json:"currency"`
	CreatedAt  time.Time     `json:"created_at"`
}

type DailyAccrualRecorded struct {
	Accrual Accrual   `json:"accrual"`
	At      time.Time `json:"at"`
}

type DailyAccrualReverted struct {
	Index         int              `json:"index"`
	TransactionID id.TransactionID `json:"transaction_id,omitempty"`
	At            time.Time        `json:"at"`
}

type CyclePosted struct {
	Total         types.Money      `json:"total"`
	TransactionID id.TransactionID `json:"transaction_id,omitempty"`
	ObligationID  id.ObligationID  `json:"obligation_id,omitempty"`
	At            time.Time        `json:"at"`
}

func (*CycleOpened) EventType() string          { return "opened" }
func (*DailyAccrualRecorded) EventType() string { return "accrued" }
func (*DailyAccrualReverted) EventType() string { return "accrual_reverted" }
func (*CyclePosted) EventType() string          { return "posted" }

func (e *CycleOpened) apply(c *AccrualCycle) {
	c.ID = e.ID
	c.FacilityID = e.FacilityID
	c.Index = e.Index
	c.Period = e.Period
	c.Currency = e.Currency
	c.Total = types.Zero(e.Currency)
	c.Entity = types.NewEntityAt(e.CreatedAt)
}

func (e *DailyAccrualRecorded) apply(c *AccrualCycle) {
	c.Accruals = append(c.Accruals, e.Accrual)
	c.Touch(e.At)
}

func (e *DailyAccrualReverted) apply(c *AccrualCycle) {
	a := &c.Accruals[e.Index-1]
	a.Reverted = true
	a.ReversalTx = e.TransactionID
	c.Touch(e.At)
}

func (e *CyclePosted) apply(c *AccrualCycle) {
	c.Posted = true
	c.Total = e.Total
	c.PostingTx = e.TransactionID
	c.ObligationID = e.ObligationID
	at := e.At
	c.PostedAt = &at
	c.Touch(e.At)
}

// RehydrateAccrualCycle folds a cycle from its events.
func RehydrateAccrualCycle(events []CycleEvent) (*AccrualCycle, error) {
	if len(events) == 0 {
		return nil, ErrCycleNotFound
	}
	if _, ok := events[0].(*CycleOpened); !ok {
		return nil, fmt.Errorf("accrual cycle: stream starts with %s", events[0].EventType())
	}
	c := &AccrualCycle{}
	for _, e := range events {
		e.apply(c)
	}
	return c, nil
}

func decodeCycleEvent(rec event.Record) (CycleEvent, error) {
	switch rec.Type {
	case "opened":
		return event.Decode(rec, &CycleOpened{})
	case "accrued":
		return event.Decode(rec, &DailyAccrualRecorded{})
	case "accrual_reverted":
		return event.Decode(rec, &DailyAccrualReverted{})
	case "posted":
		return event.Decode(rec, &CyclePosted{})
	default:
		return nil, fmt.Errorf("%w: accrual cycle %s", event.ErrUnknownEvent, rec.Type)
	}
}
