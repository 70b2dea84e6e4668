package collateral

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

func TestCollateralAdjustments(t *testing.T) {
	c := New(id.Nil, id.NewFacilityID(), observed)

	delta, err := c.Delta(types.BTC(1_000_000))
	require.NoError(t, err)
	require.NoError(t, c.RecordUpdate(delta, id.NewTransactionID(), observed, observed))

	delta, err = c.Delta(types.BTC(600_000))
	require.NoError(t, err)
	assert.Equal(t, int64(-400_000), delta.Amount)
	require.NoError(t, c.RecordUpdate(delta, id.NewTransactionID(), observed, observed))

	_, err = c.Delta(types.BTC(600_000))
	assert.ErrorIs(t, err, ErrNoChange)

	assert.Equal(t, int64(600_000), c.Amount.Amount)
	assert.True(t, c.AdjustmentTotal().Equal(c.Amount))
	assert.Equal(t, KindDeposit, c.Adjustments[0].Kind)
	assert.Equal(t, KindWithdrawal, c.Adjustments[1].Kind)

	err = c.RecordUpdate(types.BTC(-600_001), id.NewTransactionID(), observed, observed)
	assert.ErrorIs(t, err, ErrInsufficientCollateral)
}

func TestCollateralLiquidationFlow(t *testing.T) {
	at := observed.Add(time.Hour)
	c := New(id.Nil, id.NewFacilityID(), observed)
	require.NoError(t, c.RecordUpdate(types.BTC(1_000_000), id.NewTransactionID(), observed, observed))

	liqID := id.NewLiquidationID()
	require.NoError(t, c.SendToLiquidation(liqID, types.BTC(800_000), id.NewTransactionID(), at))
	assert.Equal(t, int64(1_000_000), c.Amount.Amount)
	assert.Equal(t, int64(200_000), c.Active().Amount)

	assert.ErrorIs(t, c.SendToLiquidation(liqID, types.BTC(200_001), id.NewTransactionID(), at), ErrInsufficientCollateral)

	require.NoError(t, c.RecordLiquidated(liqID, types.BTC(500_000), id.NewTransactionID(), at))
	assert.Equal(t, int64(500_000), c.Amount.Amount)
	assert.Equal(t, int64(300_000), c.InLiquidation.Amount)

	assert.ErrorIs(t, c.RecordLiquidated(liqID, types.BTC(300_001), id.NewTransactionID(), at), ErrExceedsSent)

	require.NoError(t, c.ReturnFromLiquidation(liqID, types.BTC(300_000), id.NewTransactionID(), at))
	assert.True(t, c.InLiquidation.IsZero())
	assert.Equal(t, int64(500_000), c.Active().Amount)
	assert.True(t, c.AdjustmentTotal().Equal(c.Amount))

	restored, err := Rehydrate(c.Uncommitted())
	require.NoError(t, err)
	assert.Equal(t, c.Amount, restored.Amount)
	assert.Equal(t, c.InLiquidation, restored.InLiquidation)
	assert.Len(t, restored.Adjustments, 2)
}

func TestLiquidationProceeds(t *testing.T) {
	l, err := NewLiquidation(LiquidationInput{
		CollateralID:     id.NewCollateralID(),
		FacilityID:       id.NewFacilityID(),
		TriggerPrice:     types.USD(4_100_000),
		ExpectedProceeds: types.USD(36_000),
		Amount:           types.BTC(878_049),
		TransactionID:    id.NewTransactionID(),
		CreatedAt:        observed,
	})
	require.NoError(t, err)
	assert.Equal(t, LiquidationInitiated, l.Status)

	first := Receipt{Reference: "sale-1", Proceeds: types.USD(20_000), Liquidated: types.BTC(500_000), RecordedAt: observed}
	require.NoError(t, l.RecordProceeds(first))
	assert.Equal(t, LiquidationProceedsReceived, l.Status)
	assert.True(t, l.IsOpen())

	assert.ErrorIs(t, l.RecordProceeds(first), ErrDuplicateProceeds)
	assert.ErrorIs(t, l.CheckProceeds("sale-2", types.USD(1), types.BTC(378_050)), ErrExceedsSent)

	require.NoError(t, l.RecordProceeds(Receipt{Reference: "sale-2", Proceeds: types.USD(15_000), Liquidated: types.BTC(378_049), RecordedAt: observed}))
	assert.Equal(t, LiquidationCompleted, l.Status)
	assert.False(t, l.IsOpen())
	assert.True(t, l.Proceeds.Equal(types.USD(35_000)), "short proceeds are accepted")
	assert.True(t, l.Sent.Equal(l.Liquidated))

	_, err = l.Complete(id.Nil, observed)
	assert.ErrorIs(t, err, ErrLiquidationCompleted)

	restored, err := RehydrateLiquidation(l.Uncommitted())
	require.NoError(t, err)
	assert.Equal(t, LiquidationCompleted, restored.Status)
	assert.Len(t, restored.Receipts, 2)
}

func TestLiquidationCompleteReturnsRemainder(t *testing.T) {
	l, err := NewLiquidation(LiquidationInput{
		FacilityID: id.NewFacilityID(),
		Amount:     types.BTC(1_000),
		CreatedAt:  observed,
	})
	require.NoError(t, err)
	require.NoError(t, l.RecordProceeds(Receipt{Reference: "r", Proceeds: types.USD(10), Liquidated: types.BTC(400), RecordedAt: observed}))

	returned, err := l.Complete(id.NewTransactionID(), observed)
	require.NoError(t, err)
	assert.Equal(t, int64(600), returned.Amount)
	assert.True(t, l.Remaining().IsZero())
	assert.Equal(t, LiquidationCompleted, l.Status)

	_, err = NewLiquidation(LiquidationInput{Amount: types.USD(5)})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
