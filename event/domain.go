package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// Type names a published domain event.
type Type string

const (
	TypeProposalCreated          Type = "proposal.created"
	TypeProposalConcluded        Type = "proposal.concluded"
	TypeFacilityActivated        Type = "facility.activated"
	TypeFacilityCompleted        Type = "facility.completed"
	TypeCollateralizationChanged Type = "facility.collateralization_changed"
	TypeCollateralUpdated        Type = "collateral.updated"
	TypeDisbursalSettled         Type = "disbursal.settled"
	TypeDisbursalRejected        Type = "disbursal.rejected"
	TypeObligationCreated        Type = "obligation.created"
	TypeObligationDue            Type = "obligation.due"
	TypeObligationOverdue        Type = "obligation.overdue"
	TypeObligationDefaulted      Type = "obligation.defaulted"
	TypeObligationCompleted      Type = "obligation.completed"
	TypePaymentReceived          Type = "payment.received"
	TypePaymentAllocated         Type = "payment.allocated"
	TypeLiquidationInitiated     Type = "liquidation.initiated"
	TypeLiquidationProceeds      Type = "liquidation.proceeds_received"
	TypeLiquidationCompleted     Type = "liquidation.completed"
	TypeInterestAccrued          Type = "interest.accrued"
)

// Event is a domain event published through the outbox.
type Event interface {
	EventType() Type
}

// Envelope is the wire form of a domain event.
type Envelope struct {
	ID          id.EventID      `json:"id"`
	Type        Type            `json:"type"`
	FacilityID  id.FacilityID   `json:"facility_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// Wrap encodes e into an envelope.
func Wrap(e Event, facilityID id.ID, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("event: encode %s: %w", e.EventType(), err)
	}
	return Envelope{
		ID:         id.NewEventID(),
		Type:       e.EventType(),
		FacilityID: facilityID,
		OccurredAt: at,
		Payload:    payload,
	}, nil
}

// Unwrap decodes the envelope payload into its concrete event.
func (env Envelope) Unwrap() (Event, error) {
	var e Event
	switch env.Type {
	case TypeProposalCreated:
		e = &ProposalCreated{}
	case TypeProposalConcluded:
		e = &ProposalConcluded{}
	case TypeFacilityActivated:
		e = &FacilityActivated{}
	case TypeFacilityCompleted:
		e = &FacilityCompleted{}
	case TypeCollateralizationChanged:
		e = &CollateralizationChanged{}
	case TypeCollateralUpdated:
		e = &CollateralUpdated{}
	case TypeDisbursalSettled:
		e = &DisbursalSettled{}
	case TypeDisbursalRejected:
		e = &DisbursalRejected{}
	case TypeObligationCreated:
		e = &ObligationCreated{}
	case TypeObligationDue, TypeObligationOverdue, TypeObligationDefaulted:
		e = &ObligationStatusChanged{}
	case TypeObligationCompleted:
		e = &ObligationCompleted{}
	case TypePaymentReceived:
		e = &PaymentReceived{}
	case TypePaymentAllocated:
		e = &PaymentAllocated{}
	case TypeLiquidationInitiated:
		e = &LiquidationInitiated{}
	case TypeLiquidationProceeds:
		e = &LiquidationProceedsReceived{}
	case TypeLiquidationCompleted:
		e = &LiquidationCompleted{}
	case TypeInterestAccrued:
		e = &InterestAccrued{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
	}
	if err := json.Unmarshal(env.Payload, e); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", env.Type, err)
	}
	return e, nil
}

// ==================== Proposals ====================

type ProposalCreated struct {
	ProposalID id.ProposalID `json:"proposal_id"`
	CustomerID string        `json:"customer_id"`
	Amount     types.Money   `json:"amount"`
}

func (*ProposalCreated) EventType() Type { return TypeProposalCreated }

type ProposalConcluded struct {
	ProposalID id.ProposalID `json:"proposal_id"`
	ProcessID  string        `json:"process_id"`
	Approved   bool          `json:"approved"`
	FacilityID id.FacilityID `json:"facility_id,omitempty"`
}

func (*ProposalConcluded) EventType() Type { return TypeProposalConcluded }

// ==================== Facilities ====================

type FacilityActivated struct {
	FacilityID    id.FacilityID    `json:"facility_id"`
	CustomerID    string           `json:"customer_id"`
	Amount        types.Money      `json:"amount"`
	ActivatedAt   time.Time        `json:"activated_at"`
	MaturesAt     time.Time        `json:"matures_at"`
	TransactionID id.TransactionID `json:"transaction_id"`
}

func (*FacilityActivated) EventType() Type { return TypeFacilityActivated }

type FacilityCompleted struct {
	FacilityID  id.FacilityID `json:"facility_id"`
	CompletedAt time.Time     `json:"completed_at"`
}

func (*FacilityCompleted) EventType() Type { return TypeFacilityCompleted }

// CollateralizationChanged reports a facility moving between collateralization states.
// CVL is a percentage rendered as a decimal string, or "inf".
type CollateralizationChanged struct {
	FacilityID  id.FacilityID `json:"facility_id"`
	State       string        `json:"state"`
	Previous    string        `json:"previous"`
	CVL         string        `json:"cvl"`
	Price       types.Money   `json:"price"`
	Collateral  types.Money   `json:"collateral"`
	Outstanding types.Money   `json:"outstanding"`
}

func (*CollateralizationChanged) EventType() Type { return TypeCollateralizationChanged }

type CollateralUpdated struct {
	FacilityID    id.FacilityID    `json:"facility_id"`
	CollateralID  id.CollateralID  `json:"collateral_id"`
	Delta         types.Money      `json:"delta"`
	Amount        types.Money      `json:"amount"`
	TransactionID id.TransactionID `json:"transaction_id"`
}

func (*CollateralUpdated) EventType() Type { return TypeCollateralUpdated }

// ==================== Disbursals ====================

type DisbursalSettled struct {
	FacilityID    id.FacilityID    `json:"facility_id"`
	DisbursalID   id.DisbursalID   `json:"disbursal_id"`
	ObligationID  id.ObligationID  `json:"obligation_id"`
	Amount        types.Money      `json:"amount"`
	TransactionID id.TransactionID `json:"transaction_id"`
}

func (*DisbursalSettled) EventType() Type { return TypeDisbursalSettled }

type DisbursalRejected struct {
	FacilityID  id.FacilityID  `json:"facility_id"`
	DisbursalID id.DisbursalID `json:"disbursal_id"`
	Amount      types.Money    `json:"amount"`
	Reason      string         `json:"reason"`
}

func (*DisbursalRejected) EventType() Type { return TypeDisbursalRejected }

// ==================== Obligations ====================

type ObligationCreated struct {
	FacilityID   id.FacilityID   `json:"facility_id"`
	ObligationID id.ObligationID `json:"obligation_id"`
	Kind         string          `json:"kind"`
	Amount       types.Money     `json:"amount"`
	DueAt        time.Time       `json:"due_at"`
}

func (*ObligationCreated) EventType() Type { return TypeObligationCreated }

// ObligationStatusChanged is published as obligation.due, obligation.overdue
// or obligation.defaulted depending on Status.
type ObligationStatusChanged struct {
	FacilityID   id.FacilityID   `json:"facility_id"`
	ObligationID id.ObligationID `json:"obligation_id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Outstanding  types.Money     `json:"outstanding"`
}

func (e *ObligationStatusChanged) EventType() Type {
	switch e.Status {
	case "overdue":
		return TypeObligationOverdue
	case "defaulted":
		return TypeObligationDefaulted
	default:
		return TypeObligationDue
	}
}

type ObligationCompleted struct {
	FacilityID   id.FacilityID   `json:"facility_id"`
	ObligationID id.ObligationID `json:"obligation_id"`
	Kind         string          `json:"kind"`
	Amount       types.Money     `json:"amount"`
}

func (*ObligationCompleted) EventType() Type { return TypeObligationCompleted }

// ==================== Payments ====================

type PaymentReceived struct {
	FacilityID id.FacilityID `json:"facility_id"`
	PaymentID  id.PaymentID  `json:"payment_id"`
	Reference  string        `json:"reference"`
	Source     string        `json:"source"`
	Amount     types.Money   `json:"amount"`
}

func (*PaymentReceived) EventType() Type { return TypePaymentReceived }

type PaymentAllocated struct {
	FacilityID    id.FacilityID    `json:"facility_id"`
	PaymentID     id.PaymentID     `json:"payment_id"`
	AllocationID  id.AllocationID  `json:"allocation_id"`
	ObligationID  id.ObligationID  `json:"obligation_id"`
	Amount        types.Money      `json:"amount"`
	TransactionID id.TransactionID `json:"transaction_id"`
}

func (*PaymentAllocated) EventType() Type { return TypePaymentAllocated }

// ==================== Liquidations ====================

type LiquidationInitiated struct {
	FacilityID       id.FacilityID    `json:"facility_id"`
	LiquidationID    id.LiquidationID `json:"liquidation_id"`
	Amount           types.Money      `json:"amount"`
	TriggerPrice     types.Money      `json:"trigger_price"`
	ExpectedProceeds types.Money      `json:"expected_proceeds"`
}

func (*LiquidationInitiated) EventType() Type { return TypeLiquidationInitiated }

type LiquidationProceedsReceived struct {
	FacilityID    id.FacilityID    `json:"facility_id"`
	LiquidationID id.LiquidationID `json:"liquidation_id"`
	Reference     string           `json:"reference"`
	Proceeds      types.Money      `json:"proceeds"`
	Liquidated    types.Money      `json:"liquidated"`
	TransactionID id.TransactionID `json:"transaction_id"`
}

func (*LiquidationProceedsReceived) EventType() Type { return TypeLiquidationProceeds }

type LiquidationCompleted struct {
	FacilityID      id.FacilityID    `json:"facility_id"`
	LiquidationID   id.LiquidationID `json:"liquidation_id"`
	TotalSent       types.Money      `json:"total_sent"`
	TotalLiquidated types.Money      `json:"total_liquidated"`
	TotalProceeds   types.Money      `json:"total_proceeds"`
}

func (*LiquidationCompleted) EventType() Type { return TypeLiquidationCompleted }

// ==================== Interest ====================

type InterestAccrued struct {
	FacilityID    id.FacilityID    `json:"facility_id"`
	ObligationID  id.ObligationID  `json:"obligation_id"`
	Amount        types.Money      `json:"amount"`
	PeriodStart   time.Time        `json:"period_start"`
	PeriodEnd     time.Time        `json:"period_end"`
	TransactionID id.TransactionID `json:"transaction_id"`
}

func (*InterestAccrued) EventType() Type { return TypeInterestAccrued }
