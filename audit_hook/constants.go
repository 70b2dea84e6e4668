package audithook

// Action constants for audit events.
const (
	// Proposal actions
	ActionProposalCreated  = "proposal.created"
	ActionProposalApproved = "proposal.approved"
	ActionProposalDenied   = "proposal.denied"

	// Facility actions
	ActionFacilityActivated        = "facility.activated"
	ActionFacilityCompleted        = "facility.completed"
	ActionCollateralizationChanged = "facility.collateralization_changed"
	ActionCollateralUpdated        = "collateral.updated"

	// Disbursal actions
	ActionDisbursalSettled  = "disbursal.settled"
	ActionDisbursalRejected = "disbursal.rejected"

	// Obligation actions
	ActionObligationOverdue   = "obligation.overdue"
	ActionObligationDefaulted = "obligation.defaulted"
	ActionObligationCompleted = "obligation.completed"

	// Payment actions
	ActionPaymentReceived = "payment.received"

	// Liquidation actions
	ActionLiquidationInitiated = "liquidation.initiated"
	ActionLiquidationProceeds  = "liquidation.proceeds_received"
	ActionLiquidationCompleted = "liquidation.completed"
)

// Resource constants for audit events.
const (
	ResourceProposal    = "proposal"
	ResourceFacility    = "facility"
	ResourceCollateral  = "collateral"
	ResourceDisbursal   = "disbursal"
	ResourceObligation  = "obligation"
	ResourcePayment     = "payment"
	ResourceLiquidation = "liquidation"
)

// Category constants for audit events.
const (
	CategoryOrigination = "origination"
	CategoryCredit      = "credit"
	CategoryRisk        = "risk"
	CategoryPayment     = "payment"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
