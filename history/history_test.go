package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

var t0 = time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC)

func wrap(t *testing.T, cf id.FacilityID, e event.Event, at time.Time) event.Envelope {
	t.Helper()
	env, err := event.Wrap(e, cf, at)
	require.NoError(t, err)
	return env
}

func TestBuildOrdersNewestFirst(t *testing.T) {
	cf := id.NewFacilityID()
	activation := id.NewTransactionID()
	envs := []event.Envelope{
		wrap(t, cf, &event.ProposalCreated{Amount: types.USD(100_000)}, t0),
		wrap(t, cf, &event.CollateralUpdated{FacilityID: cf, Delta: types.BTC(3_000_000), Amount: types.BTC(3_000_000)}, t0),
		wrap(t, cf, &event.FacilityActivated{FacilityID: cf, Amount: types.USD(100_000), ActivatedAt: t0, TransactionID: activation}, t0),
		wrap(t, cf, &event.DisbursalSettled{FacilityID: cf, Amount: types.USD(100_000)}, t0.Add(time.Hour)),
		wrap(t, cf, &event.InterestAccrued{
			FacilityID:  cf,
			Amount:      types.USD(1023),
			PeriodStart: t0,
			PeriodEnd:   time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC),
		}, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)),
		wrap(t, cf, &event.CollateralUpdated{FacilityID: cf, Delta: types.BTC(-1_000_000), Amount: types.BTC(2_000_000)}, time.Date(2024, 8, 2, 0, 0, 0, 0, time.UTC)),
	}

	h, err := Build(cf, envs)
	require.NoError(t, err)
	require.Len(t, h.Entries, 5, "proposal events are not part of the timeline")

	kinds := make([]Kind, len(h.Entries))
	for i, e := range h.Entries {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []Kind{KindCollateral, KindInterest, KindDisbursal, KindApproved, KindCollateral}, kinds,
		"same-instant entries keep reverse append order")

	removed := h.Entries[0]
	assert.Equal(t, DirectionRemove, removed.Direction)
	assert.Equal(t, types.BTC(1_000_000), removed.Amount)
	assert.Equal(t, types.BTC(2_000_000), removed.Collateral)

	interest := h.Entries[1]
	assert.Equal(t, 31, interest.Days, "partial first day counts")
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), interest.Effective)

	approved := h.Entries[3]
	assert.Equal(t, activation, approved.TransactionID)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), approved.Effective)

	assert.Equal(t, DirectionAdd, h.Entries[4].Direction)
	assert.Len(t, h.Of(KindCollateral), 2)
}

func TestBuildRejectsUnknownEvents(t *testing.T) {
	cf := id.NewFacilityID()
	env := event.Envelope{ID: id.NewEventID(), Type: "facility.renamed", FacilityID: cf, OccurredAt: t0, Payload: json.RawMessage(`{}`)}
	_, err := Build(cf, []event.Envelope{env})
	assert.ErrorIs(t, err, event.ErrUnknownEvent)
}

func TestDays(t *testing.T) {
	day := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 31, days(day, day.AddDate(0, 1, 0)))
	assert.Equal(t, 1, days(day.Add(20*time.Hour), day.AddDate(0, 0, 1)))
	assert.Equal(t, 2, days(day, day.Add(36*time.Hour)))
	assert.Zero(t, days(day, day))
}
