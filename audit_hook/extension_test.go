package audithook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audithook "github.com/xraph/lending/audit_hook"
	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

type sink struct {
	events []*audithook.AuditEvent
	err    error
}

func (s *sink) Record(_ context.Context, e *audithook.AuditEvent) error {
	s.events = append(s.events, e)
	return s.err
}

func TestCollateralizationSeverity(t *testing.T) {
	tests := []struct {
		state    collateral.State
		severity string
	}{
		{collateral.StateFullyCollateralized, audithook.SeverityInfo},
		{collateral.StateUnderMarginCall, audithook.SeverityWarning},
		{collateral.StateUnderLiquidation, audithook.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			s := &sink{}
			ext := audithook.New(s)
			cf := id.NewFacilityID()

			err := ext.OnCollateralizationChanged(context.Background(), &event.CollateralizationChanged{
				FacilityID:  cf,
				State:       string(tt.state),
				CVL:         "120",
				Price:       types.USD(4_000_000),
				Collateral:  types.BTC(3_000_000),
				Outstanding: types.USD(100_000),
			})
			require.NoError(t, err)
			require.Len(t, s.events, 1)

			got := s.events[0]
			assert.Equal(t, audithook.ActionCollateralizationChanged, got.Action)
			assert.Equal(t, tt.severity, got.Severity)
			assert.Equal(t, cf.String(), got.FacilityID)
			assert.Equal(t, "120", got.Metadata["cvl"])
		})
	}
}

func TestProposalDeniedIsFailure(t *testing.T) {
	s := &sink{}
	ext := audithook.New(s)

	require.NoError(t, ext.OnProposalConcluded(context.Background(), &event.ProposalConcluded{
		ProposalID: id.NewProposalID(),
		ProcessID:  "proc_1",
	}))

	require.Len(t, s.events, 1)
	assert.Equal(t, audithook.ActionProposalDenied, s.events[0].Action)
	assert.Equal(t, audithook.OutcomeFailure, s.events[0].Outcome)
	assert.Equal(t, "proc_1", s.events[0].Metadata["process_id"])
}

func TestOnlyLateObligationsAreAudited(t *testing.T) {
	s := &sink{}
	ext := audithook.New(s)
	ctx := context.Background()

	for _, status := range []string{"due", "overdue", "defaulted"} {
		require.NoError(t, ext.OnObligationStatusChanged(ctx, &event.ObligationStatusChanged{
			ObligationID: id.NewObligationID(),
			Status:       status,
			Outstanding:  types.USD(8_000),
		}))
	}

	require.Len(t, s.events, 2)
	assert.Equal(t, audithook.ActionObligationOverdue, s.events[0].Action)
	assert.Equal(t, audithook.ActionObligationDefaulted, s.events[1].Action)
	assert.Equal(t, audithook.SeverityCritical, s.events[1].Severity)
}

func TestActionFilters(t *testing.T) {
	ctx := context.Background()
	settled := &event.DisbursalSettled{DisbursalID: id.NewDisbursalID(), Amount: types.USD(1)}
	rejected := &event.DisbursalRejected{DisbursalID: id.NewDisbursalID(), Reason: "denied by governance"}

	t.Run("enabled", func(t *testing.T) {
		s := &sink{}
		ext := audithook.New(s, audithook.WithEnabledActions(audithook.ActionDisbursalRejected))
		require.NoError(t, ext.OnDisbursalSettled(ctx, settled))
		require.NoError(t, ext.OnDisbursalRejected(ctx, rejected))
		require.Len(t, s.events, 1)
		assert.Equal(t, "denied by governance", s.events[0].Reason)
	})

	t.Run("disabled", func(t *testing.T) {
		s := &sink{}
		ext := audithook.New(s, audithook.WithDisabledActions(audithook.ActionDisbursalRejected))
		require.NoError(t, ext.OnDisbursalSettled(ctx, settled))
		require.NoError(t, ext.OnDisbursalRejected(ctx, rejected))
		require.Len(t, s.events, 1)
		assert.Equal(t, audithook.ActionDisbursalSettled, s.events[0].Action)
	})
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	s := &sink{err: errors.New("backend down")}
	ext := audithook.New(s, audithook.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	err := ext.OnPaymentReceived(context.Background(), &event.PaymentReceived{
		PaymentID: id.NewPaymentID(),
		Reference: "wire-1",
		Amount:    types.USD(10_000),
	})
	assert.NoError(t, err)
	assert.Len(t, s.events, 1)
}
