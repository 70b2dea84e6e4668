// Package audithook bridges lending lifecycle events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time. Routine events (obligation creation, accruals, individual
// allocations) are left to metrics; the hook records decisions and
// credit-risk changes.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                     = (*Extension)(nil)
	_ plugin.OnProposalCreated          = (*Extension)(nil)
	_ plugin.OnProposalConcluded        = (*Extension)(nil)
	_ plugin.OnFacilityActivated        = (*Extension)(nil)
	_ plugin.OnFacilityCompleted        = (*Extension)(nil)
	_ plugin.OnCollateralizationChanged = (*Extension)(nil)
	_ plugin.OnCollateralUpdated        = (*Extension)(nil)
	_ plugin.OnDisbursalSettled         = (*Extension)(nil)
	_ plugin.OnDisbursalRejected        = (*Extension)(nil)
	_ plugin.OnObligationStatusChanged  = (*Extension)(nil)
	_ plugin.OnObligationCompleted      = (*Extension)(nil)
	_ plugin.OnPaymentReceived          = (*Extension)(nil)
	_ plugin.OnLiquidationInitiated     = (*Extension)(nil)
	_ plugin.OnLiquidationProceeds      = (*Extension)(nil)
	_ plugin.OnLiquidationCompleted     = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	FacilityID string         `json:"facility_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges lending lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Proposal hooks
// ──────────────────────────────────────────────────

// OnProposalCreated implements plugin.OnProposalCreated.
func (e *Extension) OnProposalCreated(ctx context.Context, ev *event.ProposalCreated) error {
	return e.record(ctx, entry{
		action:     ActionProposalCreated,
		resource:   ResourceProposal,
		resourceID: ev.ProposalID.String(),
		category:   CategoryOrigination,
	},
		"customer_id", ev.CustomerID,
		"amount", ev.Amount.String(),
	)
}

// OnProposalConcluded implements plugin.OnProposalConcluded.
func (e *Extension) OnProposalConcluded(ctx context.Context, ev *event.ProposalConcluded) error {
	en := entry{
		action:     ActionProposalApproved,
		resource:   ResourceProposal,
		resourceID: ev.ProposalID.String(),
		category:   CategoryOrigination,
	}
	if !ev.Approved {
		en.action = ActionProposalDenied
		en.outcome = OutcomeFailure
		en.reason = "denied by governance"
	} else {
		en.facilityID = ev.FacilityID.String()
	}
	return e.record(ctx, en, "process_id", ev.ProcessID)
}

// ──────────────────────────────────────────────────
// Facility hooks
// ──────────────────────────────────────────────────

// OnFacilityActivated implements plugin.OnFacilityActivated.
func (e *Extension) OnFacilityActivated(ctx context.Context, ev *event.FacilityActivated) error {
	return e.record(ctx, entry{
		action:     ActionFacilityActivated,
		resource:   ResourceFacility,
		resourceID: ev.FacilityID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryCredit,
	},
		"customer_id", ev.CustomerID,
		"amount", ev.Amount.String(),
		"matures_at", ev.MaturesAt,
	)
}

// OnFacilityCompleted implements plugin.OnFacilityCompleted.
func (e *Extension) OnFacilityCompleted(ctx context.Context, ev *event.FacilityCompleted) error {
	return e.record(ctx, entry{
		action:     ActionFacilityCompleted,
		resource:   ResourceFacility,
		resourceID: ev.FacilityID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryCredit,
	})
}

// OnCollateralizationChanged implements plugin.OnCollateralizationChanged.
// Moves below the margin call threshold are warnings; below the
// liquidation threshold they are critical.
func (e *Extension) OnCollateralizationChanged(ctx context.Context, ev *event.CollateralizationChanged) error {
	severity := SeverityInfo
	switch collateral.State(ev.State) {
	case collateral.StateUnderMarginCall:
		severity = SeverityWarning
	case collateral.StateUnderLiquidation:
		severity = SeverityCritical
	}
	return e.record(ctx, entry{
		action:     ActionCollateralizationChanged,
		resource:   ResourceFacility,
		resourceID: ev.FacilityID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryRisk,
		severity:   severity,
	},
		"state", ev.State,
		"previous", ev.Previous,
		"cvl", ev.CVL,
		"price", ev.Price.String(),
		"collateral", ev.Collateral.String(),
		"outstanding", ev.Outstanding.String(),
	)
}

// OnCollateralUpdated implements plugin.OnCollateralUpdated.
func (e *Extension) OnCollateralUpdated(ctx context.Context, ev *event.CollateralUpdated) error {
	return e.record(ctx, entry{
		action:     ActionCollateralUpdated,
		resource:   ResourceCollateral,
		resourceID: ev.CollateralID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryRisk,
	},
		"delta", ev.Delta.String(),
		"amount", ev.Amount.String(),
		"transaction_id", ev.TransactionID.String(),
	)
}

// ──────────────────────────────────────────────────
// Disbursal hooks
// ──────────────────────────────────────────────────

// OnDisbursalSettled implements plugin.OnDisbursalSettled.
func (e *Extension) OnDisbursalSettled(ctx context.Context, ev *event.DisbursalSettled) error {
	return e.record(ctx, entry{
		action:     ActionDisbursalSettled,
		resource:   ResourceDisbursal,
		resourceID: ev.DisbursalID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryCredit,
	},
		"amount", ev.Amount.String(),
		"obligation_id", ev.ObligationID.String(),
		"transaction_id", ev.TransactionID.String(),
	)
}

// OnDisbursalRejected implements plugin.OnDisbursalRejected.
func (e *Extension) OnDisbursalRejected(ctx context.Context, ev *event.DisbursalRejected) error {
	return e.record(ctx, entry{
		action:     ActionDisbursalRejected,
		resource:   ResourceDisbursal,
		resourceID: ev.DisbursalID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryCredit,
		severity:   SeverityWarning,
		outcome:    OutcomeFailure,
		reason:     ev.Reason,
	},
		"amount", ev.Amount.String(),
	)
}

// ──────────────────────────────────────────────────
// Obligation hooks
// ──────────────────────────────────────────────────

// OnObligationStatusChanged implements plugin.OnObligationStatusChanged.
// Only overdue and defaulted obligations are audited.
func (e *Extension) OnObligationStatusChanged(ctx context.Context, ev *event.ObligationStatusChanged) error {
	en := entry{
		resource:   ResourceObligation,
		resourceID: ev.ObligationID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryCredit,
	}
	switch ev.EventType() {
	case event.TypeObligationOverdue:
		en.action = ActionObligationOverdue
		en.severity = SeverityWarning
	case event.TypeObligationDefaulted:
		en.action = ActionObligationDefaulted
		en.severity = SeverityCritical
	default:
		return nil
	}
	return e.record(ctx, en,
		"kind", ev.Kind,
		"outstanding", ev.Outstanding.String(),
	)
}

// OnObligationCompleted implements plugin.OnObligationCompleted.
func (e *Extension) OnObligationCompleted(ctx context.Context, ev *event.ObligationCompleted) error {
	return e.record(ctx, entry{
		action:     ActionObligationCompleted,
		resource:   ResourceObligation,
		resourceID: ev.ObligationID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryPayment,
	},
		"kind", ev.Kind,
		"amount", ev.Amount.String(),
	)
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentReceived implements plugin.OnPaymentReceived.
func (e *Extension) OnPaymentReceived(ctx context.Context, ev *event.PaymentReceived) error {
	return e.record(ctx, entry{
		action:     ActionPaymentReceived,
		resource:   ResourcePayment,
		resourceID: ev.PaymentID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryPayment,
	},
		"reference", ev.Reference,
		"source", ev.Source,
		"amount", ev.Amount.String(),
	)
}

// ──────────────────────────────────────────────────
// Liquidation hooks
// ──────────────────────────────────────────────────

// OnLiquidationInitiated implements plugin.OnLiquidationInitiated.
func (e *Extension) OnLiquidationInitiated(ctx context.Context, ev *event.LiquidationInitiated) error {
	return e.record(ctx, entry{
		action:     ActionLiquidationInitiated,
		resource:   ResourceLiquidation,
		resourceID: ev.LiquidationID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryRisk,
		severity:   SeverityCritical,
	},
		"amount", ev.Amount.String(),
		"trigger_price", ev.TriggerPrice.String(),
		"expected_proceeds", ev.ExpectedProceeds.String(),
	)
}

// OnLiquidationProceeds implements plugin.OnLiquidationProceeds.
func (e *Extension) OnLiquidationProceeds(ctx context.Context, ev *event.LiquidationProceedsReceived) error {
	return e.record(ctx, entry{
		action:     ActionLiquidationProceeds,
		resource:   ResourceLiquidation,
		resourceID: ev.LiquidationID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryRisk,
		outcome:    OutcomePartial,
	},
		"reference", ev.Reference,
		"proceeds", ev.Proceeds.String(),
		"liquidated", ev.Liquidated.String(),
	)
}

// OnLiquidationCompleted implements plugin.OnLiquidationCompleted.
func (e *Extension) OnLiquidationCompleted(ctx context.Context, ev *event.LiquidationCompleted) error {
	return e.record(ctx, entry{
		action:     ActionLiquidationCompleted,
		resource:   ResourceLiquidation,
		resourceID: ev.LiquidationID.String(),
		facilityID: ev.FacilityID.String(),
		category:   CategoryRisk,
	},
		"total_sent", ev.TotalSent.String(),
		"total_liquidated", ev.TotalLiquidated.String(),
		"total_proceeds", ev.TotalProceeds.String(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// entry describes one audit event. Empty severity and outcome default to
// info and success.
type entry struct {
	action     string
	resource   string
	resourceID string
	facilityID string
	category   string
	severity   string
	outcome    string
	reason     string
}

// record builds and sends an audit event if the action is enabled. Recorder
// failures are logged, never returned, so auditing cannot hold back delivery.
func (e *Extension) record(ctx context.Context, en entry, kvPairs ...any) error {
	if e.enabled != nil && !e.enabled[en.action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	if en.severity == "" {
		en.severity = SeverityInfo
	}
	if en.outcome == "" {
		en.outcome = OutcomeSuccess
	}

	evt := &AuditEvent{
		Action:     en.action,
		Resource:   en.resource,
		Category:   en.category,
		ResourceID: en.resourceID,
		FacilityID: en.facilityID,
		Metadata:   meta,
		Outcome:    en.outcome,
		Severity:   en.severity,
		Reason:     en.reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", en.action,
			"resource_id", en.resourceID,
			"error", recErr,
		)
	}
	return nil
}
