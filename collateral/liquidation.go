package collateral

import (
	"fmt"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

const LiquidationEntityType = "liquidation"

// LiquidationStatus is the progress of one liquidation cycle.
type LiquidationStatus string

const (
	LiquidationInitiated        LiquidationStatus = "initiated"
	LiquidationProceedsReceived LiquidationStatus = "proceeds_received"
	LiquidationCompleted        LiquidationStatus = "completed"
)

// Receipt is one batch of sale proceeds.
type Receipt struct {
	Reference     string           `json:"reference"`
	Proceeds      types.Money      `json:"proceeds"`
	Liquidated    types.Money      `json:"liquidated"`
	PaymentID     id.PaymentID     `json:"payment_id"`
	TransactionID id.TransactionID `json:"transaction_id"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

type Liquidation struct {
	event.Changes[LiquidationEvent]
	types.Entity

	ID               id.LiquidationID  `json:"id"`
	CollateralID     id.CollateralID   `json:"collateral_id"`
	FacilityID       id.FacilityID     `json:"facility_id"`
	TriggerPrice     types.Money       `json:"trigger_price"`
	ExpectedProceeds types.Money       `json:"expected_proceeds"`
	Sent             types.Money       `json:"sent"`
	Liquidated       types.Money       `json:"liquidated"`
	Proceeds         types.Money       `json:"proceeds"`
	Returned         types.Money       `json:"returned"`
	Status           LiquidationStatus `json:"status"`
	SendTransaction  id.TransactionID  `json:"send_transaction_id"`
	Receipts         []Receipt         `json:"receipts"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// LiquidationInput opens a liquidation for amount satoshis already posted to
// the in-liquidation account by txID.
type LiquidationInput struct {
	ID               id.LiquidationID
	CollateralID     id.CollateralID
	FacilityID       id.FacilityID
	TriggerPrice     types.Money
	ExpectedProceeds types.Money
	Amount           types.Money
	TransactionID    id.TransactionID
	CreatedAt        time.Time
}

// NewLiquidation opens a liquidation in Initiated.
func NewLiquidation(in LiquidationInput) (*Liquidation, error) {
	if !in.Amount.IsPositive() || in.Amount.Currency != types.CurrencyBTC {
		return nil, fmt.Errorf("%w: liquidation amount %s", ErrInvalidAmount, in.Amount)
	}
	if in.ID.IsNil() {
		in.ID = id.NewLiquidationID()
	}
	l := &Liquidation{}
	l.raise(&LiquidationOpened{
		ID:               in.ID,
		CollateralID:     in.CollateralID,
		FacilityID:       in.FacilityID,
		TriggerPrice:     in.TriggerPrice,
		ExpectedProceeds: in.ExpectedProceeds,
		Amount:           in.Amount,
		TransactionID:    in.TransactionID,
		CreatedAt:        in.CreatedAt.UTC(),
	})
	return l, nil
}

// RehydrateLiquidation folds a liquidation from its events.
func RehydrateLiquidation(events []LiquidationEvent) (*Liquidation, error) {
	if len(events) == 0 {
		return nil, ErrLiquidationNotFound
	}
	if _, ok := events[0].(*LiquidationOpened); !ok {
		return nil, fmt.Errorf("liquidation: stream starts with %s", events[0].EventType())
	}
	l := &Liquidation{}
	for _, e := range events {
		e.apply(l)
	}
	return l, nil
}

func (l *Liquidation) raise(e LiquidationEvent) {
	e.apply(l)
	l.Raise(e)
}

func (l *Liquidation) StreamID() id.ID       { return l.ID }
func (l *Liquidation) StreamFacility() id.ID { return l.FacilityID }

// IsOpen reports whether the liquidation still holds collateral.
func (l *Liquidation) IsOpen() bool { return l.Status != LiquidationCompleted }

// Remaining is the collateral sent but not yet sold or returned.
func (l *Liquidation) Remaining() types.Money {
	return l.Sent.Subtract(l.Liquidated).Subtract(l.Returned)
}

// Receipt returns the receipt recorded under reference.
func (l *Liquidation) Receipt(reference string) (Receipt, bool) {
	for _, r := range l.Receipts {
		if r.Reference == reference {
			return r, true
		}
	}
	return Receipt{}, false
}

// CheckProceeds validates a proceeds batch before anything is posted.
func (l *Liquidation) CheckProceeds(reference string, proceeds, liquidated types.Money) error {
	if !l.IsOpen() {
		return ErrLiquidationCompleted
	}
	if _, ok := l.Receipt(reference); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProceeds, reference)
	}
	if proceeds.IsNegative() || proceeds.Currency != types.CurrencyUSD {
		return fmt.Errorf("%w: proceeds %s", ErrInvalidAmount, proceeds)
	}
	if liquidated.IsNegative() || liquidated.Currency != types.CurrencyBTC {
		return fmt.Errorf("%w: liquidated %s", ErrInvalidAmount, liquidated)
	}
	if proceeds.IsZero() && liquidated.IsZero() {
		return fmt.Errorf("%w: empty proceeds", ErrInvalidAmount)
	}
	if liquidated.GreaterThan(l.Remaining()) {
		return fmt.Errorf("%w: %s with %s remaining", ErrExceedsSent, liquidated, l.Remaining())
	}
	return nil
}

// RecordProceeds records a proceeds batch and completes the liquidation
// once everything sent has been sold. Proceeds below expectations are
// accepted.
func (l *Liquidation) RecordProceeds(r Receipt) error {
	if err := l.CheckProceeds(r.Reference, r.Proceeds, r.Liquidated); err != nil {
		return err
	}
	r.RecordedAt = r.RecordedAt.UTC()
	l.raise(&ProceedsRecorded{Receipt: r})
	if l.Remaining().IsZero() {
		l.raise(&LiquidationClosed{Returned: types.BTC(0), At: r.RecordedAt})
	}
	return nil
}

// Complete closes the liquidation, returning any unsold collateral. txID is
// the RETURN_COLLATERAL_FROM_LIQUIDATION posting, nil when nothing remains.
func (l *Liquidation) Complete(txID id.TransactionID, at time.Time) (types.Money, error) {
	if !l.IsOpen() {
		return types.Money{}, ErrLiquidationCompleted
	}
	returned := l.Remaining()
	l.raise(&LiquidationClosed{Returned: returned, TransactionID: txID, At: at.UTC()})
	return returned, nil
}

// LiquidationEvent is a liquidation stream event.
type LiquidationEvent interface {
	event.Payload
	apply(l *Liquidation)
}

type LiquidationOpened struct {
	ID               id.LiquidationID `json:"id"`
	CollateralID     id.CollateralID  `json:"collateral_id"`
	FacilityID       id.FacilityID    `json:"facility_id"`
	TriggerPrice     types.Money      `json:"trigger_price"`
	ExpectedProceeds types.Money      `json:"expected_proceeds"`
	Amount           types.Money      `json:"amount"`
	TransactionID    id.TransactionID `json:"transaction_id"`
	CreatedAt        time.Time        `json:"created_at"`
}

type ProceedsRecorded struct {
	Receipt Receipt `json:"receipt"`
}

type LiquidationClosed struct {
	Returned      types.Money      `json:"returned"`
	TransactionID id.TransactionID `json:"transaction_id"`
	At            time.Time        `json:"at"`
}

func (*LiquidationOpened) EventType() string { return "opened" }
func (*ProceedsRecorded) EventType() string  { return "proceeds_recorded" }
func (*LiquidationClosed) EventType() string { return "closed" }

func (e *LiquidationOpened) apply(l *Liquidation) {
	l.ID = e.ID
	l.CollateralID = e.CollateralID
	l.FacilityID = e.FacilityID
	l.TriggerPrice = e.TriggerPrice
	l.ExpectedProceeds = e.ExpectedProceeds
	l.Sent = e.Amount
	l.Liquidated = types.BTC(0)
	l.Returned = types.BTC(0)
	l.Proceeds = types.USD(0)
	l.SendTransaction = e.TransactionID
	l.Status = LiquidationInitiated
	l.Entity = types.NewEntityAt(e.CreatedAt)
}

func (e *ProceedsRecorded) apply(l *Liquidation) {
	l.Receipts = append(l.Receipts, e.Receipt)
	l.Proceeds = l.Proceeds.Add(e.Receipt.Proceeds)
	l.Liquidated = l.Liquidated.Add(e.Receipt.Liquidated)
	l.Status = LiquidationProceedsReceived
	l.Touch(e.Receipt.RecordedAt)
}

func (e *LiquidationClosed) apply(l *Liquidation) {
	l.Returned = l.Returned.Add(e.Returned)
	l.Status = LiquidationCompleted
	at := e.At
	l.CompletedAt = &at
	l.Touch(e.At)
}

func decodeLiquidationEvent(rec event.Record) (LiquidationEvent, error) {
	switch rec.Type {
	case "opened":
		return event.Decode(rec, &LiquidationOpened{})
	case "proceeds_recorded":
		return event.Decode(rec, &ProceedsRecorded{})
	case "closed":
		return event.Decode(rec, &LiquidationClosed{})
	default:
		return nil, fmt.Errorf("%w: liquidation %s", event.ErrUnknownEvent, rec.Type)
	}
}
