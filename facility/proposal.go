package facility

import (
	"fmt"
	"strings"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

const ProposalEntityType = "proposal"

// ProposalStatus is the approval stage of a proposal.
type ProposalStatus string

const (
	ProposalPendingCustomerApproval ProposalStatus = "pending_customer_approval"
	ProposalPendingApproval         ProposalStatus = "pending_approval"
	ProposalApproved                ProposalStatus = "approved"
	ProposalDenied                  ProposalStatus = "denied"
)

// IsConcluded reports whether governance has decided the proposal.
func (s ProposalStatus) IsConcluded() bool {
	return s == ProposalApproved || s == ProposalDenied
}

type Proposal struct {
	event.Changes[ProposalEvent]
	types.Entity

	ID          id.ProposalID  `json:"id"`
	CustomerID  string         `json:"customer_id"`
	Amount      types.Money    `json:"amount"`
	Terms       Terms          `json:"terms"`
	Status      ProposalStatus `json:"status"`
	ProcessID   string         `json:"process_id,omitempty"`
	FacilityID  id.FacilityID  `json:"facility_id"`
	ConcludedAt *time.Time     `json:"concluded_at,omitempty"`
}

// ProposalInput describes a customer's request for credit.
type ProposalInput struct {
	CustomerID string
	Amount     types.Money
	Terms      Terms
	CreatedAt  time.Time
}

// NewProposal validates a request and opens it pending customer approval.
func NewProposal(in ProposalInput) (*Proposal, error) {
	in.CustomerID = strings.TrimSpace(in.CustomerID)
	if in.CustomerID == "" {
		return nil, ErrMissingCustomer
	}
	if !in.Amount.IsPositive() || in.Amount.Currency != types.CurrencyUSD {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, in.Amount)
	}
	if err := in.Terms.Validate(); err != nil {
		return nil, err
	}
	p := &Proposal{}
	p.raise(&ProposalCreated{
		ID:         id.NewProposalID(),
		CustomerID: in.CustomerID,
		Amount:     in.Amount,
		Terms:      in.Terms,
		CreatedAt:  in.CreatedAt.UTC(),
	})
	return p, nil
}

// Accept records the customer's acceptance and the governance process
// deciding the proposal.
func (p *Proposal) Accept(processID string, at time.Time) error {
	if p.Status != ProposalPendingCustomerApproval {
		return fmt.Errorf("%w: accept proposal in %s", ErrInvalidStatus, p.Status)
	}
	p.raise(&ProposalAccepted{ProcessID: processID, At: at.UTC()})
	return nil
}

// Conclude applies the governance outcome. It reports false when the same
// outcome was already applied.
func (p *Proposal) Conclude(approved bool, facilityID id.FacilityID, at time.Time) (bool, error) {
	if p.Status.IsConcluded() {
		if (p.Status == ProposalApproved) == approved {
			return false, nil
		}
		return false, fmt.Errorf("%w: proposal %s is %s", ErrAlreadyConcluded, p.ID, p.Status)
	}
	if p.Status != ProposalPendingApproval {
		return false, fmt.Errorf("%w: conclude proposal in %s", ErrInvalidStatus, p.Status)
	}
	if !approved {
		facilityID = id.Nil
	}
	p.raise(&ProposalConcluded{Approved: approved, FacilityID: facilityID, At: at.UTC()})
	return true, nil
}

func (p *Proposal) raise(e ProposalEvent) {
	e.apply(p)
	p.Raise(e)
}

func (p *Proposal) StreamID() id.ID       { return p.ID }
func (p *Proposal) StreamFacility() id.ID { return p.FacilityID }

// ProposalEvent is a proposal stream event.
type ProposalEvent interface {
	event.Payload
	apply(p *Proposal)
}

type ProposalCreated struct {
	ID         id.ProposalID `json:"id"`
	CustomerID string        `json:"customer_id"`
	Amount     types.Money   `json:"amount"`
	Terms      Terms         `json:"terms"`
	CreatedAt  time.Time     `json:"created_at"`
}

type ProposalAccepted struct {
	ProcessID string    `json:"process_id"`
	At        time.Time `json:"at"`
}

type ProposalConcluded struct {
	Approved   bool          `json:"approved"`
	FacilityID id.FacilityID `json:"facility_id"`
	At         time.Time     `json:"at"`
}

func (*ProposalCreated) EventType() string    { return "created" }
func (*ProposalAccepted) EventType() string   { return "accepted" }
func (e *ProposalAccepted) LookupKey() string { return e.ProcessID }
func (*ProposalConcluded) EventType() string  { return "concluded" }

func (e *ProposalCreated) apply(p *Proposal) {
	p.ID = e.ID
	p.CustomerID = e.CustomerID
	p.Amount = e.Amount
	p.Terms = e.Terms
	p.Status = ProposalPendingCustomerApproval
	p.Entity = types.NewEntityAt(e.CreatedAt)
}

func (e *ProposalAccepted) apply(p *Proposal) {
	p.ProcessID = e.ProcessID
	p.Status = ProposalPendingApproval
	p.Touch(e.At)
}

func (e *ProposalConcluded) apply(p *Proposal) {
	p.Status = ProposalDenied
	if e.Approved {
		p.Status = ProposalApproved
	}
	p.FacilityID = e.FacilityID
	at := e.At
	p.ConcludedAt = &at
	p.Touch(e.At)
}

// RehydrateProposal folds a proposal from its events.
func RehydrateProposal(events []ProposalEvent) (*Proposal, error) {
	if len(events) == 0 {
		return nil, ErrProposalNotFound
	}
	if _, ok := events[0].(*ProposalCreated); !ok {
		return nil, fmt.Errorf("proposal: stream starts with %s", events[0].EventType())
	}
	p := &Proposal{}
	for _, e := range events {
		e.apply(p)
	}
	return p, nil
}

func decodeProposalEvent(rec event.Record) (ProposalEvent, error) {
	switch rec.Type {
	case "created":
		return event.Decode(rec, &ProposalCreated{})
	case "accepted":
		return event.Decode(rec, &ProposalAccepted{})
	case "concluded":
		return event.Decode(rec, &ProposalConcluded{})
	default:
		return nil, fmt.Errorf("%w: proposal %s", event.ErrUnknownEvent, rec.Type)
	}
}
