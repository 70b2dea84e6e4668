package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

func TestEventModelRoundTrip(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	facilityID := id.NewFacilityID()
	env, err := event.Wrap(&event.PaymentReceived{
		FacilityID: facilityID,
		PaymentID:  id.NewPaymentID(),
		Reference:  "wire-9",
		Source:     "customer",
		Amount:     types.USD(12_500),
	}, facilityID, at)
	require.NoError(t, err)

	m, err := toEventModel(env)
	require.NoError(t, err)
	assert.Equal(t, env.ID.String(), m.ID)
	assert.Equal(t, "wire-9", m.Payload["reference"])

	back, err := fromEventModel(m)
	require.NoError(t, err)
	assert.Equal(t, env.ID, back.ID)
	assert.Equal(t, facilityID, back.FacilityID)

	e, err := back.Unwrap()
	require.NoError(t, err)
	assert.True(t, e.(*event.PaymentReceived).Amount.Equal(types.USD(12_500)))
}

func TestEventModelRejectsBadPayload(t *testing.T) {
	_, err := toEventModel(event.Envelope{ID: id.NewEventID(), Payload: []byte("not json")})
	assert.Error(t, err)
}
