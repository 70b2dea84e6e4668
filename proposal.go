package lending

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/governance"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/jobs"
)

// CreateProposal records a customer's request for a facility. A proposal
// without terms gets the engine's default terms.
func (e *Engine) CreateProposal(ctx context.Context, in facility.ProposalInput) (*facility.Proposal, error) {
	if in.Terms.DurationMonths == 0 {
		in.Terms = e.defaultTerms
	}

	var p *facility.Proposal
	err := e.run(ctx, "create_proposal", "customer", id.Nil, func(sc *scope) error {
		if in.CreatedAt.IsZero() {
			in.CreatedAt = sc.now
		}
		var err error
		p, err = facility.NewProposal(in)
		if err != nil {
			return err
		}
		if err := e.proposals.Save(sc.ctx, p); err != nil {
			return err
		}
		return sc.publish(id.Nil, &event.ProposalCreated{
			ProposalID: p.ID,
			CustomerID: p.CustomerID,
			Amount:     p.Amount,
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("proposal created", "proposal_id", p.ID.String(), "customer_id", p.CustomerID, "amount", p.Amount.String())
	return p, nil
}

// AcceptProposal records the customer's acceptance and submits the proposal
// for governance approval. The submission is queued in the same transaction
// as the acceptance, so a failed save never leaves a process behind and a
// failed submission is retried from the job queue.
func (e *Engine) AcceptProposal(ctx context.Context, proposalID id.ProposalID) (*facility.Proposal, error) {
	var (
		p    *facility.Proposal
		proc governance.Process
		job  *jobs.Job
	)
	err := e.run(ctx, "accept_proposal", "proposal", proposalID, func(sc *scope) error {
		var err error
		p, err = e.proposals.Get(sc.ctx, proposalID)
		if err != nil {
			return err
		}
		proc = governance.Process{
			ID:        governance.NewProcessID(),
			Type:      governance.ProcessCreditFacility,
			Reference: proposalID.String(),
		}
		if err := p.Accept(proc.ID, sc.now); err != nil {
			return err
		}
		if err := e.proposals.Save(sc.ctx, p); err != nil {
			return err
		}
		job, err = e.queueApproval(sc, proc)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("proposal accepted", "proposal_id", proposalID.String(), "process_id", proc.ID)
	e.submitApproval(ctx, proc, job)
	return p, nil
}

// queueApproval enqueues the submission of proc within the attempt's
// transaction.
func (e *Engine) queueApproval(sc *scope, proc governance.Process) (*jobs.Job, error) {
	j, err := jobs.New(JobSubmitApproval, "approval:"+proc.ID, proc, sc.now)
	if err != nil {
		return nil, err
	}
	if _, err := e.pool.Enqueue(sc.ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// submitApproval hands a committed process to governance right away and
// drops its queued job. When governance is unreachable the job stays queued
// and submits later.
func (e *Engine) submitApproval(ctx context.Context, proc governance.Process, j *jobs.Job) {
	if err := e.governance.SubmitProcess(ctx, proc); err != nil {
		e.logger.Warn("approval submission deferred",
			"process_id", proc.ID,
			"type", string(proc.Type),
			"error", err,
		)
		return
	}
	if err := e.pool.Complete(ctx, j.ID); err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
		e.logger.Debug("approval job left queued", "process_id", proc.ID, "error", err)
	}
}

// GetProposal returns a proposal.
func (e *Engine) GetProposal(ctx context.Context, proposalID id.ProposalID) (*facility.Proposal, error) {
	p, err := e.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, e.fail("get_proposal", "proposal", proposalID.String(), err)
	}
	return p, nil
}

// HandleGovernanceOutcome applies an approved or denied outcome to the
// proposal or disbursal it decides. Applying the same outcome twice is a
// no-op.
func (e *Engine) HandleGovernanceOutcome(ctx context.Context, o governance.Outcome) error {
	switch o.Type {
	case governance.ProcessCreditFacility:
		return e.concludeProposal(ctx, o)
	case governance.ProcessDisbursal:
		return e.concludeDisbursal(ctx, o)
	default:
		return e.fail("handle_governance_outcome", "process", o.ProcessID,
			fmt.Errorf("%w: %q", ErrUnknownProcess, o.Type))
	}
}

func (e *Engine) concludeProposal(ctx context.Context, o governance.Outcome) error {
	var (
		p       *facility.Proposal
		changed bool
	)
	err := e.run(ctx, "conclude_proposal", "process", id.Nil, func(sc *scope) error {
		var err error
		p, err = e.proposals.Find(sc.ctx, o.ProcessID)
		if err != nil {
			return err
		}

		facilityID := id.Nil
		if o.Approved {
			facilityID = id.NewFacilityID()
		}
		changed, err = p.Conclude(o.Approved, facilityID, sc.now)
		if err != nil || !changed {
			return err
		}
		if err := e.proposals.Save(sc.ctx, p); err != nil {
			return err
		}

		if o.Approved {
			if err := e.openFacility(sc, p); err != nil {
				return err
			}
		}
		return sc.publish(p.FacilityID, &event.ProposalConcluded{
			ProposalID: p.ID,
			ProcessID:  o.ProcessID,
			Approved:   o.Approved,
			FacilityID: p.FacilityID,
		})
	})
	if err != nil {
		return e.fail("conclude_proposal", "process", o.ProcessID, err)
	}

	if changed {
		e.logger.Info("proposal concluded",
			"proposal_id", p.ID.String(),
			"approved", o.Approved,
			"facility_id", p.FacilityID.String(),
		)
	}
	return nil
}

// openFacility creates the facility of an approved proposal with its
// accounts and an empty collateral record.
func (e *Engine) openFacility(sc *scope, p *facility.Proposal) error {
	accounts, err := e.openFacilityAccounts(sc.ctx, p.FacilityID)
	if err != nil {
		return err
	}
	col := collateral.New(id.NewCollateralID(), p.FacilityID, sc.now)
	f, err := facility.New(facility.NewInput{
		ID:           p.FacilityID,
		Proposal:     p,
		CollateralID: col.ID,
		Accounts:     accounts,
		CreatedAt:    sc.now,
	})
	if err != nil {
		return err
	}
	if err := e.collaterals.Save(sc.ctx, col); err != nil {
		return err
	}
	return e.facilities.Save(sc.ctx, f)
}

// onGovernanceOutcome is subscribed to notifying governance engines. An
// outcome that cannot be applied yet, for example because it arrived before
// the acceptance committed, is retried from the job queue.
func (e *Engine) onGovernanceOutcome(ctx context.Context, o governance.Outcome) {
	err := e.HandleGovernanceOutcome(ctx, o)
	if err == nil {
		return
	}
	switch KindOf(err) {
	case KindNotFound, KindNotReady, KindConsistency:
		if qerr := e.enqueue(ctx, JobGovernanceOutcome, "governance:"+o.ProcessID, o); qerr != nil {
			e.logger.Error("governance outcome lost", "process_id", o.ProcessID, "error", qerr)
			return
		}
		e.logger.Warn("governance outcome deferred", "process_id", o.ProcessID, "error", err)
	default:
		e.logger.Error("governance outcome rejected", "process_id", o.ProcessID, "type", string(o.Type), "error", err)
	}
}
