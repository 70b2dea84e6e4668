// Package observability provides a metrics plugin for the lending engine
// that records lifecycle event counts and amounts via a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                     = (*MetricsExtension)(nil)
	_ plugin.OnInit                     = (*MetricsExtension)(nil)
	_ plugin.OnProposalCreated          = (*MetricsExtension)(nil)
	_ plugin.OnProposalConcluded        = (*MetricsExtension)(nil)
	_ plugin.OnFacilityActivated        = (*MetricsExtension)(nil)
	_ plugin.OnFacilityCompleted        = (*MetricsExtension)(nil)
	_ plugin.OnCollateralizationChanged = (*MetricsExtension)(nil)
	_ plugin.OnDisbursalSettled         = (*MetricsExtension)(nil)
	_ plugin.OnDisbursalRejected        = (*MetricsExtension)(nil)
	_ plugin.OnObligationCreated        = (*MetricsExtension)(nil)
	_ plugin.OnObligationStatusChanged  = (*MetricsExtension)(nil)
	_ plugin.OnObligationCompleted      = (*MetricsExtension)(nil)
	_ plugin.OnPaymentReceived          = (*MetricsExtension)(nil)
	_ plugin.OnPaymentAllocated         = (*MetricsExtension)(nil)
	_ plugin.OnLiquidationInitiated     = (*MetricsExtension)(nil)
	_ plugin.OnLiquidationProceeds      = (*MetricsExtension)(nil)
	_ plugin.OnLiquidationCompleted     = (*MetricsExtension)(nil)
	_ plugin.OnInterestAccrued          = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics. Amount histograms
// observe the smallest currency unit: cents for USD and satoshis for BTC.
type MetricsExtension struct {
	factory MetricFactory

	// Proposal metrics
	ProposalCreated  Counter
	ProposalApproved Counter
	ProposalDenied   Counter

	// Facility metrics
	FacilityActivated Counter
	FacilityCompleted Counter
	FacilityAmount    Histogram
	MarginCalls       Counter
	LiquidationCalls  Counter

	// Disbursal metrics
	DisbursalSettled  Counter
	DisbursalRejected Counter
	DisbursalAmount   Histogram

	// Obligation metrics
	ObligationCreated   Counter
	ObligationDue       Counter
	ObligationOverdue   Counter
	ObligationDefaulted Counter
	ObligationCompleted Counter

	// Payment metrics
	PaymentReceived  Counter
	PaymentAllocated Counter
	PaymentAmount    Histogram

	// Liquidation metrics
	LiquidationInitiated Counter
	LiquidationCompleted Counter
	LiquidationSent      Histogram
	LiquidationProceeds  Histogram

	// Interest metrics
	InterestAccrued Counter
	InterestAmount  Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided
// MetricFactory. Use NewPrometheusFactory outside a forge host.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		ProposalCreated:  factory.Counter("lending.proposal.created"),
		ProposalApproved: factory.Counter("lending.proposal.approved"),
		ProposalDenied:   factory.Counter("lending.proposal.denied"),

		FacilityActivated: factory.Counter("lending.facility.activated"),
		FacilityCompleted: factory.Counter("lending.facility.completed"),
		FacilityAmount:    factory.Histogram("lending.facility.amount"),
		MarginCalls:       factory.Counter("lending.facility.margin_calls"),
		LiquidationCalls:  factory.Counter("lending.facility.liquidation_calls"),

		DisbursalSettled:  factory.Counter("lending.disbursal.settled"),
		DisbursalRejected: factory.Counter("lending.disbursal.rejected"),
		DisbursalAmount:   factory.Histogram("lending.disbursal.amount"),

		ObligationCreated:   factory.Counter("lending.obligation.created"),
		ObligationDue:       factory.Counter("lending.obligation.due"),
		ObligationOverdue:   factory.Counter("lending.obligation.overdue"),
		ObligationDefaulted: factory.Counter("lending.obligation.defaulted"),
		ObligationCompleted: factory.Counter("lending.obligation.completed"),

		PaymentReceived:  factory.Counter("lending.payment.received"),
		PaymentAllocated: factory.Counter("lending.payment.allocated"),
		PaymentAmount:    factory.Histogram("lending.payment.amount"),

		LiquidationInitiated: factory.Counter("lending.liquidation.initiated"),
		LiquidationCompleted: factory.Counter("lending.liquidation.completed"),
		LiquidationSent:      factory.Histogram("lending.liquidation.sent"),
		LiquidationProceeds:  factory.Histogram("lending.liquidation.proceeds"),

		InterestAccrued: factory.Counter("lending.interest.accrued"),
		InterestAmount:  factory.Histogram("lending.interest.amount"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Proposal hooks
// ──────────────────────────────────────────────────

// OnProposalCreated implements plugin.OnProposalCreated.
func (m *MetricsExtension) OnProposalCreated(_ context.Context, _ *event.ProposalCreated) error {
	m.ProposalCreated.Inc()
	return nil
}

// OnProposalConcluded implements plugin.OnProposalConcluded.
func (m *MetricsExtension) OnProposalConcluded(_ context.Context, e *event.ProposalConcluded) error {
	if e.Approved {
		m.ProposalApproved.Inc()
	} else {
		m.ProposalDenied.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Facility hooks
// ──────────────────────────────────────────────────

// OnFacilityActivated implements plugin.OnFacilityActivated.
func (m *MetricsExtension) OnFacilityActivated(_ context.Context, e *event.FacilityActivated) error {
	m.FacilityActivated.Inc()
	m.FacilityAmount.Observe(float64(e.Amount.Amount))
	return nil
}

// OnFacilityCompleted implements plugin.OnFacilityCompleted.
func (m *MetricsExtension) OnFacilityCompleted(_ context.Context, _ *event.FacilityCompleted) error {
	m.FacilityCompleted.Inc()
	return nil
}

// OnCollateralizationChanged implements plugin.OnCollateralizationChanged.
// Only moves into a worse state are counted.
func (m *MetricsExtension) OnCollateralizationChanged(_ context.Context, e *event.CollateralizationChanged) error {
	switch e.State {
	case string(collateral.StateUnderMarginCall):
		if e.Previous != string(collateral.StateUnderLiquidation) {
			m.MarginCalls.Inc()
		}
	case string(collateral.StateUnderLiquidation):
		m.LiquidationCalls.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Disbursal hooks
// ──────────────────────────────────────────────────

// OnDisbursalSettled implements plugin.OnDisbursalSettled.
func (m *MetricsExtension) OnDisbursalSettled(_ context.Context, e *event.DisbursalSettled) error {
	m.DisbursalSettled.Inc()
	m.DisbursalAmount.Observe(float64(e.Amount.Amount))
	return nil
}

// OnDisbursalRejected implements plugin.OnDisbursalRejected.
func (m *MetricsExtension) OnDisbursalRejected(_ context.Context, _ *event.DisbursalRejected) error {
	m.DisbursalRejected.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Obligation hooks
// ──────────────────────────────────────────────────

// OnObligationCreated implements plugin.OnObligationCreated.
func (m *MetricsExtension) OnObligationCreated(_ context.Context, _ *event.ObligationCreated) error {
	m.ObligationCreated.Inc()
	return nil
}

// OnObligationStatusChanged implements plugin.OnObligationStatusChanged.
func (m *MetricsExtension) OnObligationStatusChanged(_ context.Context, e *event.ObligationStatusChanged) error {
	switch e.EventType() {
	case event.TypeObligationOverdue:
		m.ObligationOverdue.Inc()
	case event.TypeObligationDefaulted:
		m.ObligationDefaulted.Inc()
	default:
		m.ObligationDue.Inc()
	}
	return nil
}

// OnObligationCompleted implements plugin.OnObligationCompleted.
func (m *MetricsExtension) OnObligationCompleted(_ context.Context, _ *event.ObligationCompleted) error {
	m.ObligationCompleted.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentReceived implements plugin.OnPaymentReceived.
func (m *MetricsExtension) OnPaymentReceived(_ context.Context, e *event.PaymentReceived) error {
	m.PaymentReceived.Inc()
	m.PaymentAmount.Observe(float64(e.Amount.Amount))
	return nil
}

// OnPaymentAllocated implements plugin.OnPaymentAllocated.
func (m *MetricsExtension) OnPaymentAllocated(_ context.Context, _ *event.PaymentAllocated) error {
	m.PaymentAllocated.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Liquidation hooks
// ──────────────────────────────────────────────────

// OnLiquidationInitiated implements plugin.OnLiquidationInitiated.
func (m *MetricsExtension) OnLiquidationInitiated(_ context.Context, e *event.LiquidationInitiated) error {
	m.LiquidationInitiated.Inc()
	m.LiquidationSent.Observe(float64(e.Amount.Amount))
	return nil
}

// OnLiquidationProceeds implements plugin.OnLiquidationProceeds.
func (m *MetricsExtension) OnLiquidationProceeds(_ context.Context, e *event.LiquidationProceedsReceived) error {
	m.LiquidationProceeds.Observe(float64(e.Proceeds.Amount))
	return nil
}

// OnLiquidationCompleted implements plugin.OnLiquidationCompleted.
func (m *MetricsExtension) OnLiquidationCompleted(_ context.Context, _ *event.LiquidationCompleted) error {
	m.LiquidationCompleted.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Interest hooks
// ──────────────────────────────────────────────────

// OnInterestAccrued implements plugin.OnInterestAccrued.
func (m *MetricsExtension) OnInterestAccrued(_ context.Context, e *event.InterestAccrued) error {
	m.InterestAccrued.Inc()
	m.InterestAmount.Observe(float64(e.Amount.Amount))
	return nil
}
