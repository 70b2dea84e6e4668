package collateral

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/lending/price"
	"github.com/xraph/lending/types"
)

var (
	hundred    = decimal.NewFromInt(100)
	satsPerBTC = decimal.NewFromInt(types.SatsPerBTC)
)

// CVL is a collateral value to loan ratio expressed in percent. It is
// infinite when there is nothing outstanding.
type CVL struct {
	Value    decimal.Decimal
	Infinite bool
}

// Infinite is the CVL of a facility with no exposure.
func Infinite() CVL { return CVL{Infinite: true} }

// Percent builds a finite CVL from a percentage.
func Percent(p int64) CVL { return CVL{Value: decimal.NewFromInt(p)} }

// Value returns the USD value of sats at the snapshot price, rounded down to
// the cent. It returns price.ErrUnavailable for a missing price.
func Value(sats types.Money, snap price.Snapshot) (types.Money, error) {
	if !snap.IsAvailable() {
		return types.Money{}, price.ErrUnavailable
	}
	if sats.Currency != types.CurrencyBTC && !sats.IsZero() {
		return types.Money{}, fmt.Errorf("%w: collateral in %s", ErrInvalidAmount, sats.Currency)
	}
	cents := decimal.NewFromInt(sats.Amount).
		Mul(decimal.NewFromInt(snap.Price.Amount)).
		Div(satsPerBTC).
		Floor()
	return types.USD(cents.IntPart()), nil
}

// ComputeCVL returns collateral value / exposure × 100 at the snapshot
// price. The ratio is kept unrounded so threshold comparisons are exact.
func ComputeCVL(sats types.Money, snap price.Snapshot, exposure types.Money) (CVL, error) {
	if !snap.IsAvailable() {
		return CVL{}, price.ErrUnavailable
	}
	if !exposure.IsPositive() {
		return Infinite(), nil
	}
	value := decimal.NewFromInt(sats.Amount).
		Mul(decimal.NewFromInt(snap.Price.Amount)).
		Div(satsPerBTC)
	return CVL{Value: value.Mul(hundred).Div(decimal.NewFromInt(exposure.Amount))}, nil
}

// AtLeast reports whether c ≥ threshold percent.
func (c CVL) AtLeast(threshold decimal.Decimal) bool {
	return c.Infinite || c.Value.GreaterThanOrEqual(threshold)
}

// Below reports whether c < threshold percent.
func (c CVL) Below(threshold decimal.Decimal) bool { return !c.AtLeast(threshold) }

// Sub lowers a finite CVL by d percentage points.
func (c CVL) Sub(d decimal.Decimal) CVL {
	if c.Infinite {
		return c
	}
	return CVL{Value: c.Value.Sub(d)}
}

func (c CVL) String() string {
	if c.Infinite {
		return "inf"
	}
	return c.Value.StringFixed(2) + "%"
}

func (c CVL) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *CVL) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "inf" {
		*c = Infinite()
		return nil
	}
	if n := len(s); n > 0 && s[n-1] == '%' {
		s = s[:n-1]
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("collateral: parse cvl %q: %w", s, err)
	}
	*c = CVL{Value: v}
	return nil
}

// LiquidationAmount returns the fewest satoshis that, sold at the snapshot
// price with the proceeds applied to outstanding, bring CVL back to at least
// marginCall. The result is capped at the collateral held and is zero when
// the facility is already at or above marginCall.
func LiquidationAmount(sats types.Money, snap price.Snapshot, outstanding types.Money, marginCall decimal.Decimal) (types.Money, error) {
	if !snap.IsAvailable() {
		return types.Money{}, price.ErrUnavailable
	}
	if marginCall.LessThanOrEqual(hundred) {
		return types.Money{}, fmt.Errorf("%w: margin call %s%% must exceed 100%%", ErrInvalidThresholds, marginCall)
	}
	if !outstanding.IsPositive() || !sats.IsPositive() {
		return types.BTC(0), nil
	}

	m := marginCall.Div(hundred)
	centsPerSat := decimal.NewFromInt(snap.Price.Amount).Div(satsPerBTC)
	value := decimal.NewFromInt(sats.Amount).Mul(centsPerSat)

	// (C - X)·p ≥ m·(O - X·p)  ⇔  X ≥ (m·O - C·p) / (p·(m - 1))
	numerator := m.Mul(decimal.NewFromInt(outstanding.Amount)).Sub(value)
	if !numerator.IsPositive() {
		return types.BTC(0), nil
	}
	x := numerator.Div(centsPerSat.Mul(m.Sub(decimal.NewFromInt(1)))).Ceil()
	if x.GreaterThan(decimal.NewFromInt(sats.Amount)) {
		return sats, nil
	}
	return types.BTC(x.IntPart()), nil
}
