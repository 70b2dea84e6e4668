// Package plugin provides an extensible plugin system for the lending engine.
// Plugins hook into lifecycle events delivered by the outbox relay, after
// the transaction that produced them has committed.
package plugin

import (
	"context"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/price"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Proposal hooks
// ──────────────────────────────────────────────────

// OnProposalCreated is called when a customer requests a facility.
type OnProposalCreated interface {
	Plugin
	OnProposalCreated(ctx context.Context, e *event.ProposalCreated) error
}

// OnProposalConcluded is called when governance approves or denies a proposal.
type OnProposalConcluded interface {
	Plugin
	OnProposalConcluded(ctx context.Context, e *event.ProposalConcluded) error
}

// ──────────────────────────────────────────────────
// Facility hooks
// ──────────────────────────────────────────────────

// OnFacilityActivated is called when a facility becomes active.
type OnFacilityActivated interface {
	Plugin
	OnFacilityActivated(ctx context.Context, e *event.FacilityActivated) error
}

// OnFacilityCompleted is called when a facility closes.
type OnFacilityCompleted interface {
	Plugin
	OnFacilityCompleted(ctx context.Context, e *event.FacilityCompleted) error
}

// OnCollateralizationChanged is called when a facility moves between
// collateralization states.
type OnCollateralizationChanged interface {
	Plugin
	OnCollateralizationChanged(ctx context.Context, e *event.CollateralizationChanged) error
}

// OnCollateralUpdated is called after a deposit or withdrawal of collateral.
type OnCollateralUpdated interface {
	Plugin
	OnCollateralUpdated(ctx context.Context, e *event.CollateralUpdated) error
}

// ──────────────────────────────────────────────────
// Disbursal hooks
// ──────────────────────────────────────────────────

// OnDisbursalSettled is called when funds have been drawn.
type OnDisbursalSettled interface {
	Plugin
	OnDisbursalSettled(ctx context.Context, e *event.DisbursalSettled) error
}

// OnDisbursalRejected is called when a disbursal is denied or fails its
// collateral re-check.
type OnDisbursalRejected interface {
	Plugin
	OnDisbursalRejected(ctx context.Context, e *event.DisbursalRejected) error
}

// ──────────────────────────────────────────────────
// Obligation hooks
// ──────────────────────────────────────────────────

// OnObligationCreated is called for every new principal or interest obligation.
type OnObligationCreated interface {
	Plugin
	OnObligationCreated(ctx context.Context, e *event.ObligationCreated) error
}

// OnObligationStatusChanged is called when an obligation becomes due,
// overdue or defaulted.
type OnObligationStatusChanged interface {
	Plugin
	OnObligationStatusChanged(ctx context.Context, e *event.ObligationStatusChanged) error
}

// OnObligationCompleted is called when an obligation is paid in full.
type OnObligationCompleted interface {
	Plugin
	OnObligationCompleted(ctx context.Context, e *event.ObligationCompleted) error
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentReceived is called when a payment is recorded.
type OnPaymentReceived interface {
	Plugin
	OnPaymentReceived(ctx context.Context, e *event.PaymentReceived) error
}

// OnPaymentAllocated is called once per obligation a payment is applied to.
type OnPaymentAllocated interface {
	Plugin
	OnPaymentAllocated(ctx context.Context, e *event.PaymentAllocated) error
}

// ──────────────────────────────────────────────────
// Liquidation hooks
// ──────────────────────────────────────────────────

// OnLiquidationInitiated is called when collateral is sent to liquidation.
type OnLiquidationInitiated interface {
	Plugin
	OnLiquidationInitiated(ctx context.Context, e *event.LiquidationInitiated) error
}

// OnLiquidationProceeds is called for every batch of sale proceeds.
type OnLiquidationProceeds interface {
	Plugin
	OnLiquidationProceeds(ctx context.Context, e *event.LiquidationProceedsReceived) error
}

// OnLiquidationCompleted is called when a liquidation closes.
type OnLiquidationCompleted interface {
	Plugin
	OnLiquidationCompleted(ctx context.Context, e *event.LiquidationCompleted) error
}

// ──────────────────────────────────────────────────
// Interest hooks
// ──────────────────────────────────────────────────

// OnInterestAccrued is called after an accrual period is posted.
type OnInterestAccrued interface {
	Plugin
	OnInterestAccrued(ctx context.Context, e *event.InterestAccrued) error
}

// ──────────────────────────────────────────────────
// Price feeds
// ──────────────────────────────────────────────────

// PriceFeed supplies BTC/USD snapshots. The engine uses the first registered
// feed when no price source is configured explicitly.
type PriceFeed interface {
	Plugin
	price.Source
}
