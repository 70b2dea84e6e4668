package lending_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/lending"
	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/governance"
	"github.com/xraph/lending/history"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/jobs"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/outbox"
	"github.com/xraph/lending/payment"
	"github.com/xraph/lending/price"
	"github.com/xraph/lending/store/memory"
	"github.com/xraph/lending/types"
)

var t0 = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	clock  *types.ManualClock
	prices *price.Static
	gov    *governance.Memory
	engine *lending.Engine

	usdPerBTC int64
}

func newHarness(t *testing.T, gov *governance.Memory, opts ...lending.Option) *harness {
	t.Helper()
	if gov == nil {
		gov = governance.NewMemory()
	}
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		store:     memory.New(),
		clock:     types.NewManualClock(t0),
		gov:       gov,
		usdPerBTC: 50_000,
	}
	h.prices = price.NewStatic(price.Available(types.USD(h.usdPerBTC*100), t0))

	base := []lending.Option{
		lending.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		lending.WithClock(h.clock),
		lending.WithPriceSource(h.prices),
		lending.WithGovernance(gov),
		lending.WithSchedule(lending.Schedule{}),
	}
	h.engine = lending.New(h.store, append(base, opts...)...)
	return h
}

// setPrice publishes a fresh BTC price in whole dollars.
func (h *harness) setPrice(usdPerBTC int64) {
	h.usdPerBTC = usdPerBTC
	h.prices.Set(price.Available(types.USD(usdPerBTC*100), h.clock.Now()))
}

// advance moves the clock and re-observes the current price.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.setPrice(h.usdPerBTC)
}

func (h *harness) approvedFacility(amount types.Money) id.FacilityID {
	h.t.Helper()
	p, err := h.engine.CreateProposal(h.ctx, facility.ProposalInput{CustomerID: "cus_1", Amount: amount})
	require.NoError(h.t, err)
	assert.Equal(h.t, facility.ProposalPendingCustomerApproval, p.Status)

	p, err = h.engine.AcceptProposal(h.ctx, p.ID)
	require.NoError(h.t, err)
	require.Equal(h.t, facility.ProposalPendingApproval, p.Status)

	_, err = h.gov.Conclude(h.ctx, p.ProcessID, true)
	require.NoError(h.t, err)

	p, err = h.engine.GetProposal(h.ctx, p.ID)
	require.NoError(h.t, err)
	require.Equal(h.t, facility.ProposalApproved, p.Status)
	require.False(h.t, p.FacilityID.IsNil())
	return p.FacilityID
}

// activeFacility opens a $1,000 facility backed by 0.03 BTC, which is 150%
// at $50,000.
func (h *harness) activeFacility() id.FacilityID {
	h.t.Helper()
	cf := h.approvedFacility(types.USD(100_000))
	_, err := h.engine.UpdateCollateral(h.ctx, cf, types.BTC(3_000_000), time.Time{})
	require.NoError(h.t, err)
	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(h.t, err)
	require.Equal(h.t, facility.StatusActive, f.Status)
	return cf
}

func (h *harness) balance(accountID id.AccountID) types.Money {
	h.t.Helper()
	m, err := h.engine.Journal().Balance(h.ctx, accountID, ledger.LayerSettled)
	require.NoError(h.t, err)
	return m
}

func (h *harness) pendingBalance(accountID id.AccountID) types.Money {
	h.t.Helper()
	m, err := h.engine.Journal().Balance(h.ctx, accountID, ledger.LayerPending)
	require.NoError(h.t, err)
	return m
}

func (h *harness) eventTypes(facilityID id.FacilityID) []event.Type {
	var out []event.Type
	for _, env := range h.store.Outbox() {
		if env.FacilityID == facilityID {
			out = append(out, env.Type)
		}
	}
	return out
}

func TestFacilityLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.approvedFacility(types.USD(100_000))

	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, facility.StatusPendingCollateralization, f.Status)

	_, err = h.engine.UpdateCollateral(h.ctx, cf, types.BTC(3_000_000), time.Time{})
	require.NoError(t, err)

	f, err = h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	require.Equal(t, facility.StatusActive, f.Status)
	require.NotNil(t, f.MaturesAt)
	assert.True(t, t0.AddDate(1, 0, 0).Equal(*f.MaturesAt))
	assert.Equal(t, collateral.StateFullyCollateralized, f.Collateralization)

	d, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)
	assert.Equal(t, facility.DisbursalSettled, d.Status)
	assert.Equal(t, types.USD(100_000), h.balance(f.Accounts.Deposit))
	assert.Equal(t, types.USD(100_000), h.balance(f.Accounts.Disbursed.NotYetDue))

	summary, err := h.engine.BalanceSummary(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.USD(100_000), summary.TotalOutstanding())
	assert.True(t, summary.Remaining.IsZero())

	_, err = h.engine.CompleteFacility(h.ctx, cf)
	assert.ErrorIs(t, err, facility.ErrOutstandingObligations)

	pay, err := h.engine.RecordPayment(h.ctx, cf, "wire-1", types.USD(100_000), time.Time{})
	require.NoError(t, err)
	allocs, err := h.engine.ListAllocations(h.ctx, cf, pay.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, d.ObligationID, allocs[0].ObligationID)
	assert.True(t, h.balance(f.Accounts.Disbursed.NotYetDue).IsZero())
	assert.True(t, h.balance(f.Accounts.PaymentHolding).IsZero())

	f, err = h.engine.CompleteFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, facility.StatusCompleted, f.Status)

	assert.Equal(t, []event.Type{
		event.TypeProposalConcluded,
		event.TypeCollateralUpdated,
		event.TypeFacilityActivated,
		event.TypeCollateralizationChanged,
		event.TypeDisbursalSettled,
		event.TypeObligationCreated,
		event.TypePaymentReceived,
		event.TypePaymentAllocated,
		event.TypeObligationCompleted,
		event.TypeCollateralizationChanged,
		event.TypeFacilityCompleted,
	}, h.eventTypes(cf))
}

func TestActivationRequiresInitialCVL(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.approvedFacility(types.USD(100_000))

	// 0.02 BTC at $50,000 covers 100% of the commitment.
	_, err := h.engine.UpdateCollateral(h.ctx, cf, types.BTC(2_000_000), time.Time{})
	require.NoError(t, err)

	_, err = h.engine.ActivateFacility(h.ctx, cf)
	require.ErrorIs(t, err, facility.ErrInsufficientCollateral)
	assert.Equal(t, lending.KindValidation, lending.KindOf(err))

	h.setPrice(80_000)
	f, err := h.engine.ActivateFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, facility.StatusActive, f.Status)

	_, err = h.engine.ActivateFacility(h.ctx, cf)
	assert.ErrorIs(t, err, facility.ErrAlreadyActive)
}

func TestEvaluationActivatesOnPriceRise(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.approvedFacility(types.USD(100_000))
	_, err := h.engine.UpdateCollateral(h.ctx, cf, types.BTC(2_000_000), time.Time{})
	require.NoError(t, err)

	h.setPrice(75_000)
	f, err := h.engine.EvaluateCollateralization(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, facility.StatusActive, f.Status)
}

func TestDisbursalChecks(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()

	// $1,200 of collateral against a $1,000 draw is 120%, under margin call.
	h.setPrice(40_000)
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.ErrorIs(t, err, facility.ErrInsufficientCollateral)

	_, err = h.engine.InitiateDisbursal(h.ctx, cf, types.USD(90_000))
	require.NoError(t, err)

	_, err = h.engine.InitiateDisbursal(h.ctx, cf, types.USD(20_000))
	assert.ErrorIs(t, err, facility.ErrExceedsCommitment)

	_, err = h.engine.InitiateDisbursal(h.ctx, cf, types.BTC(1))
	assert.ErrorIs(t, err, facility.ErrInvalidAmount)

	ds, err := h.engine.ListDisbursals(h.ctx, cf)
	require.NoError(t, err)
	assert.Len(t, ds, 1)
}

func TestDisbursalAfterMaturityFails(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()

	h.advance(366 * 24 * time.Hour)
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(10_000))
	assert.ErrorIs(t, err, facility.ErrMatured)
}

func TestMissingPriceDefersDecisions(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.approvedFacility(types.USD(100_000))

	h.prices.Set(price.Unavailable())
	_, err := h.engine.UpdateCollateral(h.ctx, cf, types.BTC(3_000_000), time.Time{})
	require.NoError(t, err)

	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, facility.StatusPendingCollateralization, f.Status)

	_, err = h.engine.ActivateFacility(h.ctx, cf)
	require.ErrorIs(t, err, price.ErrUnavailable)
	assert.Equal(t, lending.KindNotReady, lending.KindOf(err))
	assert.True(t, lending.IsRetryable(err))

	h.setPrice(50_000)
	h.clock.Advance(10 * time.Minute)
	_, err = h.engine.ActivateFacility(h.ctx, cf)
	require.ErrorIs(t, err, price.ErrStale)

	h.setPrice(50_000)
	_, err = h.engine.ActivateFacility(h.ctx, cf)
	require.NoError(t, err)
}

func TestUpdateCollateralIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()

	col, err := h.engine.UpdateCollateral(h.ctx, cf, types.BTC(3_000_000), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, types.BTC(3_000_000), col.Amount)

	col, err = h.engine.UpdateCollateral(h.ctx, cf, types.BTC(2_500_000), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, types.BTC(2_500_000), col.Amount)

	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.BTC(2_500_000), h.balance(f.Accounts.Collateral))

	n := 0
	for _, typ := range h.eventTypes(cf) {
		if typ == event.TypeCollateralUpdated {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestLiquidation(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)

	// 0.03 BTC at $34,000 is $1,020 against $1,000 owed: 102%.
	h.setPrice(34_000)
	f, err := h.engine.EvaluateCollateralization(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, collateral.StateUnderLiquidation, f.Collateralization)
	assert.True(t, f.Liquidating)

	liqs, err := h.engine.ListLiquidations(h.ctx, cf)
	require.NoError(t, err)
	require.Len(t, liqs, 1)
	liq := liqs[0]
	assert.Equal(t, types.BTC(2_705_883), liq.Sent)
	assert.Equal(t, types.USD(34_000*100), liq.TriggerPrice)
	assert.Equal(t, types.BTC(2_705_883), h.balance(f.Accounts.CollateralInLiquidation))

	// A second evaluation does not start another liquidation.
	_, err = h.engine.EvaluateCollateralization(h.ctx, cf)
	require.NoError(t, err)
	liqs, err = h.engine.ListLiquidations(h.ctx, cf)
	require.NoError(t, err)
	require.Len(t, liqs, 1)

	liq, err = h.engine.RecordLiquidationProceeds(h.ctx, liq.ID, "sale-1", types.USD(92_000), types.BTC(2_705_883))
	require.NoError(t, err)
	assert.False(t, liq.IsOpen())

	// Replaying the same receipt changes nothing.
	_, err = h.engine.RecordLiquidationProceeds(h.ctx, liq.ID, "sale-1", types.USD(92_000), types.BTC(2_705_883))
	require.NoError(t, err)

	pays, err := h.engine.ListPayments(h.ctx, cf)
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.Equal(t, payment.SourceLiquidation, pays[0].Source)

	f, err = h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.False(t, f.Liquidating)
	assert.Equal(t, collateral.StateUnderMarginCall, f.Collateralization)

	col, err := h.engine.GetCollateral(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.BTC(294_117), col.Amount)
	assert.True(t, h.balance(f.Accounts.CollateralInLiquidation).IsZero())

	summary, err := h.engine.BalanceSummary(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.USD(8_000), summary.TotalOutstanding())

	seen := h.eventTypes(cf)
	assert.Contains(t, seen, event.TypeLiquidationInitiated)
	assert.Contains(t, seen, event.TypeLiquidationProceeds)
	assert.Contains(t, seen, event.TypeLiquidationCompleted)
}

func TestLiquidationSurplusReturnsToDeposit(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)

	h.setPrice(34_000)
	f, err := h.engine.EvaluateCollateralization(h.ctx, cf)
	require.NoError(t, err)
	liqs, err := h.engine.ListLiquidations(h.ctx, cf)
	require.NoError(t, err)
	require.Len(t, liqs, 1)

	depositBefore := h.balance(f.Accounts.Deposit)
	liq, err := h.engine.RecordLiquidationProceeds(h.ctx, liqs[0].ID, "sale-1", types.USD(110_000), types.BTC(1_000_000))
	require.NoError(t, err)
	assert.True(t, liq.IsOpen())
	assert.Equal(t, depositBefore.Add(types.USD(10_000)), h.balance(f.Accounts.Deposit))

	liq, err = h.engine.CompleteLiquidation(h.ctx, liq.ID)
	require.NoError(t, err)
	assert.False(t, liq.IsOpen())
	assert.Equal(t, types.BTC(1_705_883), liq.Returned)

	col, err := h.engine.GetCollateral(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.BTC(2_000_000), col.Amount)
	assert.Equal(t, types.BTC(2_000_000), h.balance(f.Accounts.Collateral))

	_, err = h.engine.CompleteLiquidation(h.ctx, liq.ID)
	assert.ErrorIs(t, err, collateral.ErrLiquidationCompleted)

	f, err = h.engine.CompleteFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, facility.StatusCompleted, f.Status)
}

func TestSyncObligationsAgesReceivables(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	d, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(50_000))
	require.NoError(t, err)

	maturity := t0.AddDate(1, 0, 0)
	n, err := h.engine.SyncObligations(h.ctx, cf, maturity.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.engine.SyncObligations(h.ctx, cf, maturity)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A missed sync catches up through every stage at once.
	n, err = h.engine.SyncObligations(h.ctx, cf, maturity.AddDate(0, 0, 100))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.engine.SyncObligations(h.ctx, cf, maturity.AddDate(0, 0, 100))
	require.NoError(t, err)
	assert.Zero(t, n)

	obl, err := h.engine.GetObligation(h.ctx, d.ObligationID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusDefaulted, obl.Status)

	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.USD(50_000), h.balance(f.Accounts.Disbursed.Defaulted))
	assert.True(t, h.balance(f.Accounts.Disbursed.NotYetDue).IsZero())
	assert.True(t, h.balance(f.Accounts.Disbursed.Overdue).IsZero())

	seen := h.eventTypes(cf)
	assert.Contains(t, seen, event.TypeObligationDue)
	assert.Contains(t, seen, event.TypeObligationOverdue)
	assert.Contains(t, seen, event.TypeObligationDefaulted)

	summary, err := h.engine.BalanceSummary(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.USD(50_000), summary.TotalDefaulted())

	// Payments still reach a defaulted obligation.
	_, err = h.engine.RecordPayment(h.ctx, cf, "wire-late", types.USD(50_000), time.Time{})
	require.NoError(t, err)
	assert.True(t, h.balance(f.Accounts.Disbursed.Defaulted).IsZero())
}

func TestAccrueInterest(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)
	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)

	// 12% on $1,000 is $0.3287 a day, rounded up per day. July accrues on
	// the pending layer until its last day has passed.
	obl, err := h.engine.AccrueInterest(h.ctx, cf, t0.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.Nil(t, obl)
	assert.Equal(t, types.USD(990), h.pendingBalance(f.Accounts.Interest.NotYetDue))
	assert.True(t, h.balance(f.Accounts.Interest.NotYetDue).IsZero())

	through := t0.AddDate(0, 1, 0)
	obl, err = h.engine.AccrueInterest(h.ctx, cf, through)
	require.NoError(t, err)
	require.NotNil(t, obl)
	assert.Equal(t, obligation.TypeInterest, obl.Type)
	assert.Equal(t, types.USD(1023), obl.Amount, "31 days at 33 cents")
	assert.True(t, through.Equal(obl.DueAt))

	obl, err = h.engine.AccrueInterest(h.ctx, cf, through)
	require.NoError(t, err)
	assert.Nil(t, obl)

	f, err = h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.USD(1023), f.InterestAccrued)
	require.NotNil(t, f.InterestThrough)
	assert.True(t, through.Equal(*f.InterestThrough))
	assert.True(t, f.CurrentCycle.IsNil())
	assert.Equal(t, types.USD(1023), h.balance(f.Accounts.Interest.NotYetDue))
	assert.True(t, h.pendingBalance(f.Accounts.Interest.NotYetDue).IsZero())

	cycles, err := h.engine.AccrualCycles(h.ctx, cf)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.True(t, cycles[0].Posted)
	assert.Len(t, cycles[0].Accruals, 31)

	summary, err := h.engine.BalanceSummary(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.USD(101_023), summary.TotalOutstanding())
}

func TestAccrueInterestOnJitteredSchedule(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)

	// A daily trigger that fires a minute early every time.
	at := t0
	for i := 0; i < 30; i++ {
		at = at.Add(23*time.Hour + 59*time.Minute)
		_, err := h.engine.AccrueInterest(h.ctx, cf, at)
		require.NoError(t, err)
	}

	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	cycles, err := h.engine.AccrualCycles(h.ctx, cf)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Len(t, cycles[0].Accruals, 29, "only whole elapsed days accrue")
	assert.Equal(t, t0.AddDate(0, 0, 29), cycles[0].AccruedThrough())
	assert.Equal(t, types.USD(957), h.pendingBalance(f.Accounts.Interest.NotYetDue))

	obl, err := h.engine.AccrueInterest(h.ctx, cf, t0.AddDate(0, 1, 0).Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, obl)
	assert.Equal(t, types.USD(1023), obl.Amount, "same total as an exact schedule")
}

func TestAccrueInterestAcrossCycles(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)

	// One catch-up run posts July and August and leaves September open.
	obl, err := h.engine.AccrueInterest(h.ctx, cf, time.Date(2024, 9, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, obl)
	assert.Equal(t, types.USD(1023), obl.Amount)
	assert.True(t, time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC).Equal(obl.DueAt))

	cycles, err := h.engine.AccrualCycles(h.ctx, cf)
	require.NoError(t, err)
	require.Len(t, cycles, 3)
	assert.True(t, cycles[0].Posted)
	assert.True(t, cycles[1].Posted)
	assert.False(t, cycles[2].Posted)
	assert.Len(t, cycles[2].Accruals, 9)

	summary, err := h.engine.BalanceSummary(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.USD(2046), summary.Interest.Total())
	assert.Contains(t, h.eventTypes(cf), event.TypeInterestAccrued)
}

func TestRevertInterest(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)
	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)

	_, err = h.engine.AccrueInterest(h.ctx, cf, t0.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, types.USD(330), h.pendingBalance(f.Accounts.Interest.NotYetDue))

	n, err := h.engine.RevertInterest(h.ctx, cf, t0.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, types.USD(231), h.pendingBalance(f.Accounts.Interest.NotYetDue))

	n, err = h.engine.RevertInterest(h.ctx, cf, t0.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left after the effective time")

	// The reverted days accrue again on the next run.
	obl, err := h.engine.AccrueInterest(h.ctx, cf, t0.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.NotNil(t, obl)
	assert.Equal(t, types.USD(1023), obl.Amount)

	_, err = h.engine.RevertInterest(h.ctx, cf, t0.AddDate(0, 0, 20))
	assert.ErrorIs(t, err, facility.ErrCyclePosted)
	assert.Equal(t, lending.KindValidation, lending.KindOf(err))
}

func TestRepaymentPlan(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)

	plan, err := h.engine.RepaymentPlan(h.ctx, cf)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 13, "principal plus twelve monthly cycles")
	assert.Equal(t, types.USD(31*33), plan.Entries[0].Initial)
	assert.True(t, plan.Entries[0].IsPlanned())
	principal := plan.Entries[11]
	assert.Equal(t, obligation.TypeDisbursal, principal.Type)
	assert.False(t, principal.IsPlanned())
	assert.True(t, t0.AddDate(1, 0, 0).Equal(principal.DueAt))

	h.advance(31 * 24 * time.Hour)
	_, err = h.engine.AccrueInterest(h.ctx, cf, h.clock.Now())
	require.NoError(t, err)

	plan, err = h.engine.RepaymentPlan(h.ctx, cf)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 13)
	july := plan.Entries[0]
	assert.False(t, july.IsPlanned(), "posted cycle is a recorded obligation")
	assert.Equal(t, types.USD(1023), july.Outstanding)
	assert.Equal(t, facility.RepaymentStatus(obligation.StatusNotYetDue), july.Status)
	assert.True(t, h.clock.Now().Equal(plan.AsOf))

	_, err = h.engine.RepaymentPlan(h.ctx, id.NewFacilityID())
	assert.ErrorIs(t, err, facility.ErrNotFound)
}

func TestFacilityHistory(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)
	h.advance(31 * 24 * time.Hour)
	_, err = h.engine.AccrueInterest(h.ctx, cf, h.clock.Now())
	require.NoError(t, err)

	timeline, err := h.engine.History(h.ctx, cf)
	require.NoError(t, err)
	require.NotEmpty(t, timeline.Entries)
	assert.True(t, h.clock.Now().Equal(timeline.Entries[0].RecordedAt), "newest first")

	interest := timeline.Of(history.KindInterest)
	require.Len(t, interest, 1)
	assert.Equal(t, types.USD(1023), interest[0].Amount)
	assert.Equal(t, 31, interest[0].Days)

	require.Len(t, timeline.Of(history.KindApproved), 1)
	require.Len(t, timeline.Of(history.KindDisbursal), 1)
	collateral := timeline.Of(history.KindCollateral)
	require.Len(t, collateral, 1)
	assert.Equal(t, history.DirectionAdd, collateral[0].Direction)
	assert.Equal(t, types.BTC(3_000_000), collateral[0].Amount)

	_, err = h.engine.History(h.ctx, id.NewFacilityID())
	assert.ErrorIs(t, err, facility.ErrNotFound)
}

func TestAccrueInterestWithoutPrincipal(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()

	obl, err := h.engine.AccrueInterest(h.ctx, cf, t0.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Nil(t, obl)

	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.True(t, f.InterestAccrued.IsZero())
	require.NotNil(t, f.InterestThrough)
	assert.True(t, t0.AddDate(0, 1, 0).Equal(*f.InterestThrough))
}

func TestPaymentAllocation(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()

	first, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(40_000))
	require.NoError(t, err)
	h.advance(24 * time.Hour)
	second, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(60_000))
	require.NoError(t, err)

	pay, err := h.engine.RecordPayment(h.ctx, cf, "wire-1", types.USD(50_000), time.Time{})
	require.NoError(t, err)
	allocs, err := h.engine.ListAllocations(h.ctx, cf, pay.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	byObligation := map[id.ObligationID]types.Money{}
	for _, a := range allocs {
		byObligation[a.ObligationID] = a.Amount
	}
	assert.Equal(t, types.USD(40_000), byObligation[first.ObligationID])
	assert.Equal(t, types.USD(10_000), byObligation[second.ObligationID])

	_, err = h.engine.RecordPayment(h.ctx, cf, "wire-1", types.USD(10_000), time.Time{})
	require.ErrorIs(t, err, payment.ErrDuplicatePayment)

	_, err = h.engine.RecordPayment(h.ctx, cf, "wire-2", types.USD(60_000), time.Time{})
	require.ErrorIs(t, err, obligation.ErrPaymentExceedsOutstanding)

	_, err = h.engine.RecordPayment(h.ctx, cf, "wire-3", types.USD(0), time.Time{})
	require.Error(t, err)
	assert.Equal(t, lending.KindValidation, lending.KindOf(err))

	obls, err := h.engine.ListObligations(h.ctx, cf)
	require.NoError(t, err)
	assert.Len(t, obls, 2)
}

func TestPaymentRejectedBeforeActivation(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.approvedFacility(types.USD(100_000))

	_, err := h.engine.RecordPayment(h.ctx, cf, "wire-1", types.USD(1_000), time.Time{})
	assert.ErrorIs(t, err, facility.ErrNotActive)
}

func TestConcurrentPaymentsWithSameReference(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		dupes     int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.RecordPayment(h.ctx, cf, "wire-dup", types.USD(10_000), time.Time{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, payment.ErrDuplicatePayment):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, dupes)

	summary, err := h.engine.BalanceSummary(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.USD(90_000), summary.TotalOutstanding())
}

func TestDisbursalApproval(t *testing.T) {
	h := newHarness(t, nil, lending.WithDisbursalApproval(true))
	cf := h.activeFacility()

	d, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(30_000))
	require.NoError(t, err)
	assert.Equal(t, facility.DisbursalPendingApproval, d.Status)
	require.NotEmpty(t, d.ProcessID)

	_, err = h.gov.Conclude(h.ctx, d.ProcessID, true)
	require.NoError(t, err)
	d, err = h.engine.GetDisbursal(h.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, facility.DisbursalSettled, d.Status)
	assert.False(t, d.ObligationID.IsNil())

	denied, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(30_000))
	require.NoError(t, err)
	_, err = h.gov.Conclude(h.ctx, denied.ProcessID, false)
	require.NoError(t, err)
	denied, err = h.engine.GetDisbursal(h.ctx, denied.ID)
	require.NoError(t, err)
	assert.Equal(t, facility.DisbursalRejected, denied.Status)

	// Approval after the price fell rejects the disbursal instead of settling.
	late, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(60_000))
	require.NoError(t, err)
	h.setPrice(30_000)
	_, err = h.gov.Conclude(h.ctx, late.ProcessID, true)
	require.NoError(t, err)
	late, err = h.engine.GetDisbursal(h.ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, facility.DisbursalRejected, late.Status)
	assert.NotEmpty(t, late.Reason)

	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.USD(30_000), f.Disbursed)
}

func TestProposalDenied(t *testing.T) {
	h := newHarness(t, nil)
	p, err := h.engine.CreateProposal(h.ctx, facility.ProposalInput{CustomerID: "cus_1", Amount: types.USD(100_000)})
	require.NoError(t, err)
	p, err = h.engine.AcceptProposal(h.ctx, p.ID)
	require.NoError(t, err)

	_, err = h.gov.Conclude(h.ctx, p.ProcessID, false)
	require.NoError(t, err)

	p, err = h.engine.GetProposal(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, facility.ProposalDenied, p.Status)
	assert.True(t, p.FacilityID.IsNil())

	_, err = h.engine.AcceptProposal(h.ctx, p.ID)
	assert.ErrorIs(t, err, facility.ErrInvalidStatus)
}

func TestProposalValidation(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.CreateProposal(h.ctx, facility.ProposalInput{Amount: types.USD(100_000)})
	require.ErrorIs(t, err, facility.ErrMissingCustomer)
	assert.Equal(t, lending.KindValidation, lending.KindOf(err))

	_, err = h.engine.GetProposal(h.ctx, id.NewProposalID())
	assert.True(t, lending.IsNotFound(err))
}

func TestAutoApprovedOutcomeIsApplied(t *testing.T) {
	h := newHarness(t, governance.NewMemory(governance.ProcessCreditFacility))
	p, err := h.engine.CreateProposal(h.ctx, facility.ProposalInput{CustomerID: "cus_1", Amount: types.USD(100_000)})
	require.NoError(t, err)
	_, err = h.engine.AcceptProposal(h.ctx, p.ID)
	require.NoError(t, err)

	// The outcome may race the acceptance; a deferred one waits in the job
	// queue.
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Minute)
		_, _ = h.engine.DrainJobs(h.ctx) //nolint:errcheck // polled
		got, err := h.engine.GetProposal(h.ctx, p.ID)
		return err == nil && got.Status == facility.ProposalApproved
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownGovernanceProcess(t *testing.T) {
	h := newHarness(t, nil)
	err := h.engine.HandleGovernanceOutcome(h.ctx, governance.Outcome{ProcessID: "p-1", Type: "loan.unknown", Approved: true})
	require.ErrorIs(t, err, lending.ErrUnknownProcess)
}

func TestScheduledTriggersEnqueueOncePerWindow(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)

	require.NoError(t, h.engine.RunScheduled(h.ctx, lending.JobAccrueInterest))
	require.NoError(t, h.engine.RunScheduled(h.ctx, lending.JobAccrueInterest))
	require.NoError(t, h.engine.RunScheduled(h.ctx, lending.JobSyncObligations))
	require.NoError(t, h.engine.RunScheduled(h.ctx, lending.JobEvaluateCollateral))
	assert.Len(t, h.store.Jobs(), 3)

	n, err := h.engine.DrainJobs(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, h.store.Jobs())

	err = h.engine.RunScheduled(h.ctx, "bogus")
	assert.ErrorIs(t, err, lending.ErrInvalidInput)
}

func TestSeparateJobStore(t *testing.T) {
	queue := memory.New()
	h := newHarness(t, nil, lending.WithJobStore(queue))
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)

	require.NoError(t, h.engine.RunScheduled(h.ctx, lending.JobSyncObligations))
	assert.Len(t, queue.Jobs(), 1)
	assert.Empty(t, h.store.Jobs())

	n, err := h.engine.DrainJobs(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, queue.Jobs())
}

func TestScheduledAccrualRunsThroughJobs(t *testing.T) {
	h := newHarness(t, nil)
	cf := h.activeFacility()
	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(100_000))
	require.NoError(t, err)

	h.advance(31 * 24 * time.Hour)
	require.NoError(t, h.engine.RunScheduled(h.ctx, lending.JobAccrueInterest))
	_, err = h.engine.DrainJobs(h.ctx)
	require.NoError(t, err)

	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.Equal(t, types.USD(1023), f.InterestAccrued)
}

func TestRelayDeliversToPublisher(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []event.Type
	)
	pub := outbox.PublisherFunc(func(_ context.Context, env event.Envelope) error {
		mu.Lock()
		seen = append(seen, env.Type)
		mu.Unlock()
		return nil
	})
	h := newHarness(t, nil, lending.WithPublisher(pub))
	h.activeFacility()

	n, err := h.engine.RelayOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, len(h.store.Outbox()), n)
	assert.Len(t, h.store.Published(), n)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, event.TypeProposalCreated)
	assert.Contains(t, seen, event.TypeFacilityActivated)
}

func TestVelocityLimitRejectsPosting(t *testing.T) {
	limit := ledgerLimitFunc(func(_ context.Context, projected []ledger.Projection) error {
		for _, p := range projected {
			if strings.HasSuffix(p.Account.Code, ".deposit") {
				return ledger.ErrVelocityLimit
			}
		}
		return nil
	})
	h := newHarness(t, nil, lending.WithLimitEvaluator(limit))
	cf := h.activeFacility()

	_, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(60_000))
	require.ErrorIs(t, err, ledger.ErrVelocityLimit)
	assert.Equal(t, lending.KindLedger, lending.KindOf(err))

	f, err := h.engine.GetFacility(h.ctx, cf)
	require.NoError(t, err)
	assert.True(t, f.Disbursed.IsZero())
	obls, err := h.engine.ListObligations(h.ctx, cf)
	require.NoError(t, err)
	assert.Empty(t, obls)
}

type ledgerLimitFunc func(ctx context.Context, projected []ledger.Projection) error

func (f ledgerLimitFunc) EvaluateLimits(ctx context.Context, projected []ledger.Projection) error {
	return f(ctx, projected)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Start(h.ctx))
	assert.ErrorIs(t, h.engine.Start(h.ctx), lending.ErrAlreadyStarted)
	require.NoError(t, h.engine.Stop())
	assert.ErrorIs(t, h.engine.Stop(), lending.ErrEngineNotStarted)
}

// flakyGovernance fails the first failures submissions.
type flakyGovernance struct {
	*governance.Memory

	mu       sync.Mutex
	failures int
}

func (g *flakyGovernance) SubmitProcess(ctx context.Context, p governance.Process) error {
	g.mu.Lock()
	if g.failures > 0 {
		g.failures--
		g.mu.Unlock()
		return errors.New("governance unavailable")
	}
	g.mu.Unlock()
	return g.Memory.SubmitProcess(ctx, p)
}

func TestApprovalSubmissionRetriesFromQueue(t *testing.T) {
	gov := &flakyGovernance{Memory: governance.NewMemory(), failures: 1}
	h := newHarness(t, gov.Memory, lending.WithGovernance(gov))

	p, err := h.engine.CreateProposal(h.ctx, facility.ProposalInput{CustomerID: "cus_1", Amount: types.USD(100_000)})
	require.NoError(t, err)
	p, err = h.engine.AcceptProposal(h.ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, facility.ProposalPendingApproval, p.Status)
	require.NotEmpty(t, p.ProcessID)

	assert.Empty(t, gov.Pending(), "submission failed after commit")
	require.Len(t, h.store.Jobs(), 1)

	n, err := h.engine.DrainJobs(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{p.ProcessID}, gov.Pending())
	assert.Empty(t, h.store.Jobs())

	_, err = gov.Conclude(h.ctx, p.ProcessID, true)
	require.NoError(t, err)
	p, err = h.engine.GetProposal(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, facility.ProposalApproved, p.Status)
}

func TestApprovalSubmittedOnlyAfterCommit(t *testing.T) {
	h := newHarness(t, nil)
	p, err := h.engine.CreateProposal(h.ctx, facility.ProposalInput{CustomerID: "cus_1", Amount: types.USD(100_000)})
	require.NoError(t, err)
	p, err = h.engine.AcceptProposal(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ProcessID}, h.gov.Pending())
	assert.Empty(t, h.store.Jobs(), "submitted directly, nothing left queued")

	_, err = h.engine.AcceptProposal(h.ctx, p.ID)
	require.ErrorIs(t, err, facility.ErrInvalidStatus)
	assert.Len(t, h.gov.Pending(), 1, "rejected acceptance submits nothing")
	assert.Empty(t, h.store.Jobs())
}

func TestDisbursalApprovalSubmissionRetries(t *testing.T) {
	gov := &flakyGovernance{Memory: governance.NewMemory()}
	h := newHarness(t, gov.Memory, lending.WithGovernance(gov), lending.WithDisbursalApproval(true))
	cf := h.activeFacility()

	gov.mu.Lock()
	gov.failures = 1
	gov.mu.Unlock()
	d, err := h.engine.InitiateDisbursal(h.ctx, cf, types.USD(30_000))
	require.NoError(t, err)
	assert.Equal(t, facility.DisbursalPendingApproval, d.Status)
	assert.NotContains(t, gov.Pending(), d.ProcessID)

	_, err = h.engine.DrainJobs(h.ctx)
	require.NoError(t, err)
	assert.Contains(t, gov.Pending(), d.ProcessID)

	o, err := gov.Conclude(h.ctx, d.ProcessID, true)
	require.NoError(t, err)
	assert.Equal(t, d.ID.String(), o.Reference)
	d, err = h.engine.GetDisbursal(h.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, facility.DisbursalSettled, d.Status)
}

// failingQueue rejects enqueues while down is set.
type failingQueue struct {
	*memory.Store
	down bool
}

var errQueueDown = errors.New("queue down")

func (q *failingQueue) EnqueueJob(ctx context.Context, j *jobs.Job) (bool, error) {
	if q.down {
		return false, errQueueDown
	}
	return q.Store.EnqueueJob(ctx, j)
}

func TestFanOutCollectsPerFacilityErrors(t *testing.T) {
	queue := &failingQueue{Store: memory.New()}
	h := newHarness(t, nil, lending.WithJobStore(queue))
	h.activeFacility()
	h.activeFacility()

	queue.down = true
	err := h.engine.RunScheduled(h.ctx, lending.JobSyncObligations)
	require.ErrorIs(t, err, errQueueDown)

	var multi lending.MultiError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 2)
	assert.Contains(t, multi.Errors[0].Error(), lending.JobSyncObligations)
}
