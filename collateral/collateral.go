// Package collateral tracks posted bitcoin collateral, evaluates CVL against
// an explicit price snapshot and records liquidations.
//
// Collateral.Amount is always the sum of the signed adjustments. Satoshis
// sent to liquidation remain part of Amount until the sale settles; Active
// excludes them.
package collateral

import (
	"fmt"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

const EntityType = "collateral"

// AdjustmentKind classifies a change in posted collateral.
type AdjustmentKind string

const (
	KindDeposit     AdjustmentKind = "deposit"
	KindWithdrawal  AdjustmentKind = "withdrawal"
	KindLiquidation AdjustmentKind = "liquidation"
)

// Adjustment is one signed change of the collateral amount.
type Adjustment struct {
	Delta         types.Money      `json:"delta"`
	Kind          AdjustmentKind   `json:"kind"`
	TransactionID id.TransactionID `json:"transaction_id"`
	LiquidationID id.LiquidationID `json:"liquidation_id,omitempty"`
	EffectiveAt   time.Time        `json:"effective_at"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

type Collateral struct {
	event.Changes[Event]
	types.Entity

	ID            id.CollateralID `json:"id"`
	FacilityID    id.FacilityID   `json:"facility_id"`
	Amount        types.Money     `json:"amount"`
	InLiquidation types.Money     `json:"in_liquidation"`
	Adjustments   []Adjustment    `json:"adjustments"`
}

// New creates an empty collateral record for a facility.
func New(collateralID id.CollateralID, facilityID id.FacilityID, at time.Time) *Collateral {
	if collateralID.IsNil() {
		collateralID = id.NewCollateralID()
	}
	c := &Collateral{}
	c.raise(&Initialized{ID: collateralID, FacilityID: facilityID, CreatedAt: at.UTC()})
	return c
}

// Rehydrate folds collateral from its events.
func Rehydrate(events []Event) (*Collateral, error) {
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	if _, ok := events[0].(*Initialized); !ok {
		return nil, fmt.Errorf("collateral: stream starts with %s", events[0].EventType())
	}
	c := &Collateral{}
	for _, e := range events {
		e.apply(c)
	}
	return c, nil
}

func (c *Collateral) raise(e Event) {
	e.apply(c)
	c.Raise(e)
}

func (c *Collateral) StreamID() id.ID       { return c.ID }
func (c *Collateral) StreamFacility() id.ID { return c.FacilityID }

// Active is the collateral not currently sent to liquidation.
func (c *Collateral) Active() types.Money {
	return c.Amount.Subtract(c.InLiquidation)
}

// Delta returns the signed change that brings Active to newActive.
func (c *Collateral) Delta(newActive types.Money) (types.Money, error) {
	if newActive.Currency != types.CurrencyBTC || newActive.IsNegative() {
		return types.Money{}, fmt.Errorf("%w: %s", ErrInvalidAmount, newActive)
	}
	delta := newActive.Subtract(c.Active())
	if delta.IsZero() {
		return delta, ErrNoChange
	}
	return delta, nil
}

// RecordUpdate records a customer deposit or withdrawal posted as txID.
func (c *Collateral) RecordUpdate(delta types.Money, txID id.TransactionID, effective, at time.Time) error {
	if delta.IsZero() {
		return ErrNoChange
	}
	if delta.IsNegative() && c.Active().Add(delta).IsNegative() {
		return fmt.Errorf("%w: withdraw %s of %s", ErrInsufficientCollateral, delta.Abs(), c.Active())
	}
	kind := KindDeposit
	if delta.IsNegative() {
		kind = KindWithdrawal
	}
	c.raise(&Adjusted{Adjustment: Adjustment{
		Delta:         delta,
		Kind:          kind,
		TransactionID: txID,
		EffectiveAt:   effective.UTC(),
		RecordedAt:    at.UTC(),
	}})
	return nil
}

// SendToLiquidation moves amount of active collateral into liquidation.
func (c *Collateral) SendToLiquidation(liquidationID id.LiquidationID, amount types.Money, txID id.TransactionID, at time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(c.Active()) {
		return fmt.Errorf("%w: send %s of %s", ErrInsufficientCollateral, amount, c.Active())
	}
	c.raise(&SentToLiquidation{LiquidationID: liquidationID, Amount: amount, TransactionID: txID, At: at.UTC()})
	return nil
}

// RecordLiquidated removes sold collateral. The sale is recorded as a
// negative adjustment so Amount stays the sum of adjustments.
func (c *Collateral) RecordLiquidated(liquidationID id.LiquidationID, amount types.Money, txID id.TransactionID, at time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(c.InLiquidation) {
		return fmt.Errorf("%w: liquidated %s of %s in liquidation", ErrExceedsSent, amount, c.InLiquidation)
	}
	c.raise(&Liquidated{Adjustment: Adjustment{
		Delta:         amount.Negate(),
		Kind:          KindLiquidation,
		TransactionID: txID,
		LiquidationID: liquidationID,
		EffectiveAt:   at.UTC(),
		RecordedAt:    at.UTC(),
	}})
	return nil
}

// ReturnFromLiquidation moves unsold collateral back to active.
func (c *Collateral) ReturnFromLiquidation(liquidationID id.LiquidationID, amount types.Money, txID id.TransactionID, at time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(c.InLiquidation) {
		return fmt.Errorf("%w: return %s of %s in liquidation", ErrExceedsSent, amount, c.InLiquidation)
	}
	c.raise(&ReturnedFromLiquidation{LiquidationID: liquidationID, Amount: amount, TransactionID: txID, At: at.UTC()})
	return nil
}

// AdjustmentTotal sums the adjustment history.
func (c *Collateral) AdjustmentTotal() types.Money {
	total := types.BTC(0)
	for _, a := range c.Adjustments {
		total = total.Add(a.Delta)
	}
	return total
}
