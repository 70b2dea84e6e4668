package collateral

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/lending/types"
)

// Thresholds are the CVL percentages governing a facility.
type Thresholds struct {
	Initial     decimal.Decimal `json:"initial" toml:"initial"`
	MarginCall  decimal.Decimal `json:"margin_call" toml:"margin_call"`
	Liquidation decimal.Decimal `json:"liquidation" toml:"liquidation"`
}

// DefaultThresholds are 140% initial, 125% margin call and 105% liquidation.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Initial:     decimal.NewFromInt(140),
		MarginCall:  decimal.NewFromInt(125),
		Liquidation: decimal.NewFromInt(105),
	}
}

// DefaultUpgradeBuffer is the margin, in percentage points, a CVL must clear
// above a threshold before the state improves.
var DefaultUpgradeBuffer = decimal.NewFromInt(5)

// Validate requires initial > margin call > liquidation and a margin call
// above 100%.
func (t Thresholds) Validate() error {
	if !t.Initial.GreaterThan(t.MarginCall) || !t.MarginCall.GreaterThan(t.Liquidation) {
		return fmt.Errorf("%w: want initial > margin call > liquidation, got %s/%s/%s",
			ErrInvalidThresholds, t.Initial, t.MarginCall, t.Liquidation)
	}
	if !t.Liquidation.IsPositive() {
		return fmt.Errorf("%w: liquidation threshold must be positive", ErrInvalidThresholds)
	}
	if !t.MarginCall.GreaterThan(hundred) {
		return fmt.Errorf("%w: margin call %s%% must exceed 100%%", ErrInvalidThresholds, t.MarginCall)
	}
	return nil
}

// State is a facility's collateralization state.
type State string

const (
	StateNoCollateral        State = "no_collateral"
	StateNoExposure          State = "no_exposure"
	StateFullyCollateralized State = "fully_collateralized"
	StateUnderMarginCall     State = "under_margin_call_threshold"
	StateUnderLiquidation    State = "under_liquidation_threshold"
)

func (s State) rank() int {
	switch s {
	case StateUnderLiquidation:
		return 1
	case StateUnderMarginCall:
		return 2
	case StateFullyCollateralized:
		return 3
	default:
		return 0
	}
}

// Classify maps a CVL onto a threshold band without any buffer.
func (t Thresholds) Classify(c CVL) State {
	switch {
	case c.AtLeast(t.MarginCall):
		return StateFullyCollateralized
	case c.AtLeast(t.Liquidation):
		return StateUnderMarginCall
	default:
		return StateUnderLiquidation
	}
}

// Evaluate returns the collateralization state for c given the previous
// state. Worsening applies immediately; improving requires c to clear the
// target band by buffer percentage points, otherwise the state moves up only
// as far as the buffered CVL allows.
func (t Thresholds) Evaluate(prev State, c CVL, sats, exposure types.Money, buffer decimal.Decimal) State {
	if !exposure.IsPositive() {
		return StateNoExposure
	}
	if !sats.IsPositive() {
		return StateNoCollateral
	}

	next := t.Classify(c)
	if prev.rank() == 0 || next.rank() <= prev.rank() {
		return next
	}

	buffered := t.Classify(c.Sub(buffer))
	if buffered.rank() > prev.rank() {
		return buffered
	}
	return prev
}
