package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/governance"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/jobs"
)

// Job kinds run by the engine's pool.
const (
	JobSyncObligations    = "obligations.sync"
	JobEvaluateCollateral = "collateral.evaluate"
	JobAccrueInterest     = "interest.accrue"
	JobGovernanceOutcome  = "governance.outcome"
	JobSubmitApproval     = "governance.submit"
)

// facilityJob is the payload of the per-facility jobs.
type facilityJob struct {
	FacilityID id.FacilityID `json:"facility_id"`
	At         time.Time     `json:"at"`
}

func (e *Engine) registerJobs() {
	e.pool.Handle(JobSyncObligations, e.facilityHandler(func(ctx context.Context, p facilityJob) error {
		_, err := e.SyncObligations(ctx, p.FacilityID, p.At)
		return err
	}))
	e.pool.Handle(JobAccrueInterest, e.facilityHandler(func(ctx context.Context, p facilityJob) error {
		_, err := e.AccrueInterest(ctx, p.FacilityID, p.At)
		return err
	}))
	e.pool.Handle(JobEvaluateCollateral, e.facilityHandler(func(ctx context.Context, p facilityJob) error {
		_, err := e.EvaluateCollateralization(ctx, p.FacilityID)
		if KindOf(err) == KindNotReady {
			// Without a usable price the next tick evaluates again.
			e.logger.Debug("collateralization check skipped", "facility_id", p.FacilityID.String(), "error", err)
			return nil
		}
		return err
	}))
	e.pool.Handle(JobGovernanceOutcome, func(ctx context.Context, j *jobs.Job) error {
		var o governance.Outcome
		if err := j.Decode(&o); err != nil {
			return jobs.Permanent(err)
		}
		return retryable(e.HandleGovernanceOutcome(ctx, o))
	})
	e.pool.Handle(JobSubmitApproval, func(ctx context.Context, j *jobs.Job) error {
		var proc governance.Process
		if err := j.Decode(&proc); err != nil {
			return jobs.Permanent(err)
		}
		if err := e.governance.SubmitProcess(ctx, proc); err != nil {
			if errors.Is(err, governance.ErrProcessConflict) {
				return jobs.Permanent(err)
			}
			return err
		}
		return nil
	})

	specs := map[string]string{
		JobSyncObligations:    e.schedule.Obligations,
		JobAccrueInterest:     e.schedule.Interest,
		JobEvaluateCollateral: e.schedule.Collateral,
	}
	for kind, spec := range specs {
		if spec == "" {
			continue
		}
		task, _ := e.trigger(kind)
		if err := e.scheduler.Add(kind, spec, task); err != nil {
			e.logger.Error("schedule rejected", "task", kind, "spec", spec, "error", err)
		}
	}
}

// trigger returns the periodic task enqueueing jobs of kind.
func (e *Engine) trigger(kind string) (jobs.Task, bool) {
	switch kind {
	case JobSyncObligations, JobAccrueInterest:
		return e.fanOut(kind, time.DateOnly, false), true
	case JobEvaluateCollateral:
		return e.fanOut(kind, "2006-01-02T15:04", true), true
	}
	return nil, false
}

// facilityHandler decodes a facilityJob and runs fn.
func (e *Engine) facilityHandler(fn func(ctx context.Context, p facilityJob) error) jobs.Handler {
	return func(ctx context.Context, j *jobs.Job) error {
		var p facilityJob
		if err := j.Decode(&p); err != nil {
			return jobs.Permanent(err)
		}
		if p.At.IsZero() {
			p.At = e.now()
		}
		return retryable(fn(ctx, p))
	}
}

// retryable stops the pool from retrying errors that cannot succeed later.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case KindValidation, KindInvariant:
		return jobs.Permanent(err)
	}
	return err
}

// fanOut returns a trigger enqueueing kind for every facility it applies to.
// The dedup key carries the firing time truncated by layout so that a
// repeated firing in the same window enqueues nothing. Pending facilities
// are included when pending is set, so a price move can activate them.
func (e *Engine) fanOut(kind, layout string, pending bool) jobs.Task {
	return func(ctx context.Context) error {
		now := e.now()
		fs, err := e.facilities.ListByFacility(ctx, id.Nil)
		if err != nil {
			return err
		}
		var errs MultiError
		for _, f := range fs {
			switch {
			case f.IsActive():
			case pending && f.Status == facility.StatusPendingCollateralization:
			default:
				continue
			}
			key := kind + ":" + f.ID.String() + ":" + now.Format(layout)
			if err := e.enqueue(ctx, kind, key, facilityJob{FacilityID: f.ID, At: now}); err != nil {
				errs.Add(fmt.Errorf("%s %s: %w", kind, f.ID, err))
			}
		}
		if !errs.HasErrors() {
			return nil
		}
		return errs
	}
}

// enqueue adds a job due now. A job with the same dedup key that is still
// queued absorbs it.
func (e *Engine) enqueue(ctx context.Context, kind, dedupKey string, payload any) error {
	j, err := jobs.New(kind, dedupKey, payload, e.now())
	if err != nil {
		return err
	}
	stored, err := e.pool.Enqueue(ctx, j)
	if err != nil {
		return err
	}
	if !stored {
		e.logger.Debug("job deduplicated", "kind", kind, "dedup_key", dedupKey)
	}
	return nil
}

// RunScheduled fires the named periodic trigger once, outside its cron
// schedule. name is one of the Job kinds.
func (e *Engine) RunScheduled(ctx context.Context, name string) error {
	task, ok := e.trigger(name)
	if !ok {
		return e.fail("run_scheduled", "job", name, fmt.Errorf("%w: unknown scheduled task %q", ErrInvalidInput, name))
	}
	return task(ctx)
}
