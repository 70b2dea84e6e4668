package collateral

import (
	"fmt"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// Event is a collateral stream event.
type Event interface {
	event.Payload
	apply(c *Collateral)
}

type Initialized struct {
	ID         id.CollateralID `json:"id"`
	FacilityID id.FacilityID   `json:"facility_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Adjusted struct {
	Adjustment Adjustment `json:"adjustment"`
}

type SentToLiquidation struct {
	LiquidationID id.LiquidationID `json:"liquidation_id"`
	Amount        types.Money      `json:"amount"`
	TransactionID id.TransactionID `json:"transaction_id"`
	At            time.Time        `json:"at"`
}

type Liquidated struct {
	Adjustment Adjustment `json:"adjustment"`
}

type ReturnedFromLiquidation struct {
	LiquidationID id.LiquidationID `json:"liquidation_id"`
	Amount        types.Money      `json:"amount"`
	TransactionID id.TransactionID `json:"transaction_id"`
	At            time.Time        `json:"at"`
}

func (*Initialized) EventType() string             { return "initialized" }
func (*Adjusted) EventType() string                { return "adjusted" }
func (*SentToLiquidation) EventType() string       { return "sent_to_liquidation" }
func (*Liquidated) EventType() string              { return "liquidated" }
func (*ReturnedFromLiquidation) EventType() string { return "returned_from_liquidation" }

func (e *Initialized) apply(c *Collateral) {
	c.ID = e.ID
	c.FacilityID = e.FacilityID
	c.Amount = types.BTC(0)
	c.InLiquidation = types.BTC(0)
	c.Entity = types.NewEntityAt(e.CreatedAt)
}

func (e *Adjusted) apply(c *Collateral) {
	c.Adjustments = append(c.Adjustments, e.Adjustment)
	c.Amount = c.Amount.Add(e.Adjustment.Delta)
	c.Touch(e.Adjustment.RecordedAt)
}

func (e *SentToLiquidation) apply(c *Collateral) {
	c.InLiquidation = c.InLiquidation.Add(e.Amount)
	c.Touch(e.At)
}

func (e *Liquidated) apply(c *Collateral) {
	c.Adjustments = append(c.Adjustments, e.Adjustment)
	c.Amount = c.Amount.Add(e.Adjustment.Delta)
	c.InLiquidation = c.InLiquidation.Add(e.Adjustment.Delta)
	c.Touch(e.Adjustment.RecordedAt)
}

func (e *ReturnedFromLiquidation) apply(c *Collateral) {
	c.InLiquidation = c.InLiquidation.Subtract(e.Amount)
	c.Touch(e.At)
}

func decodeEvent(rec event.Record) (Event, error) {
	switch rec.Type {
	case "initialized":
		return event.Decode(rec, &Initialized{})
	case "adjusted":
		return event.Decode(rec, &Adjusted{})
	case "sent_to_liquidation":
		return event.Decode(rec, &SentToLiquidation{})
	case "liquidated":
		return event.Decode(rec, &Liquidated{})
	case "returned_from_liquidation":
		return event.Decode(rec, &ReturnedFromLiquidation{})
	default:
		return nil, fmt.Errorf("%w: collateral %s", event.ErrUnknownEvent, rec.Type)
	}
}
