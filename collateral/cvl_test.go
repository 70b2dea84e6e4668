package collateral

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/lending/price"
	"github.com/xraph/lending/types"
)

var observed = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func btcPrice(dollars int64) price.Snapshot {
	return price.Available(types.USD(dollars*100), observed)
}

func TestComputeCVLRoundTrip(t *testing.T) {
	sats := types.BTC(1_000_000)
	outstanding := types.USD(40_000)

	value, err := Value(sats, btcPrice(50_000))
	require.NoError(t, err)
	assert.True(t, value.Equal(types.USD(50_000)), "value %s", value)

	cvl, err := ComputeCVL(sats, btcPrice(50_000), outstanding)
	require.NoError(t, err)
	assert.True(t, cvl.Value.Equal(decimal.NewFromInt(125)), "cvl %s", cvl)

	cvl, err = ComputeCVL(sats, btcPrice(40_000), outstanding)
	require.NoError(t, err)
	assert.True(t, cvl.Value.Equal(decimal.NewFromInt(100)), "cvl %s", cvl)

	th := DefaultThresholds()
	assert.True(t, cvl.Below(th.Liquidation))
	assert.Equal(t, StateUnderLiquidation, th.Classify(cvl))
}

func TestComputeCVLEdges(t *testing.T) {
	cvl, err := ComputeCVL(types.BTC(10), btcPrice(50_000), types.USD(0))
	require.NoError(t, err)
	assert.True(t, cvl.Infinite)
	assert.True(t, cvl.AtLeast(decimal.NewFromInt(1_000_000)))
	assert.Equal(t, "inf", cvl.String())

	_, err = ComputeCVL(types.BTC(10), price.Unavailable(), types.USD(100))
	assert.True(t, errors.Is(err, price.ErrUnavailable))

	_, err = LiquidationAmount(types.BTC(10), price.Unavailable(), types.USD(100), decimal.NewFromInt(125))
	assert.True(t, errors.Is(err, price.ErrUnavailable))
}

func TestLiquidationAmount(t *testing.T) {
	marginCall := decimal.NewFromInt(125)

	tests := []struct {
		name        string
		sats        int64
		dollars     int64
		outstanding int64
		want        int64
	}{
		{"healthy", 1_000_000, 50_000, 40_000, 0},
		{"everything", 1_000_000, 40_000, 40_000, 1_000_000},
		{"partial", 1_000_000, 41_000, 40_000, 878_049},
		{"underwater capped", 1_000_000, 10_000, 40_000, 1_000_000},
		{"nothing outstanding", 1_000_000, 10_000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LiquidationAmount(types.BTC(tt.sats), btcPrice(tt.dollars), types.USD(tt.outstanding), marginCall)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Amount)
			assert.Equal(t, types.CurrencyBTC, got.Currency)
		})
	}
}

// ratioAfterSale is the exact CVL once sold satoshis are sold at the
// snapshot price and the proceeds applied to outstanding.
func ratioAfterSale(sats, sold types.Money, snap price.Snapshot, outstanding types.Money) decimal.Decimal {
	centsPerSat := decimal.NewFromInt(snap.Price.Amount).Div(satsPerBTC)
	remaining := decimal.NewFromInt(sats.Subtract(sold).Amount).Mul(centsPerSat)
	owed := decimal.NewFromInt(outstanding.Amount).Sub(decimal.NewFromInt(sold.Amount).Mul(centsPerSat))
	return remaining.Mul(hundred).Div(owed)
}

func TestLiquidationAmountRestoresMarginCall(t *testing.T) {
	marginCall := decimal.NewFromInt(125)
	sats := types.BTC(1_000_000)
	snap := btcPrice(41_000)
	outstanding := types.USD(40_000)

	x, err := LiquidationAmount(sats, snap, outstanding, marginCall)
	require.NoError(t, err)

	after := ratioAfterSale(sats, x, snap, outstanding)
	assert.True(t, after.GreaterThanOrEqual(marginCall), "cvl after liquidation %s", after)

	fewer := ratioAfterSale(sats, x.Subtract(types.BTC(1)), snap, outstanding)
	assert.True(t, fewer.LessThan(marginCall), "cvl with one sat fewer %s", fewer)
}

func TestLiquidationAmountRejectsMarginCallAtOrBelowPar(t *testing.T) {
	_, err := LiquidationAmount(types.BTC(1), btcPrice(1), types.USD(1), decimal.NewFromInt(100))
	assert.ErrorIs(t, err, ErrInvalidThresholds)
}

func TestCVLJSON(t *testing.T) {
	for _, c := range []CVL{Infinite(), Percent(125)} {
		data, err := c.MarshalJSON()
		require.NoError(t, err)
		var got CVL
		require.NoError(t, got.UnmarshalJSON(data))
		assert.Equal(t, c.Infinite, got.Infinite)
		assert.True(t, c.Value.Equal(got.Value))
	}
}
